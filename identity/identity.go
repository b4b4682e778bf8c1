// Package identity derives the caller identifiers admission control keys
// its state on: the request's IP address (via a trust chain resistant to
// header spoofing), the client-supplied fingerprint, and the stable
// identifier extracted from it.
package identity

import (
	"net"
	"net/http"
	"strings"
)

// Identity bundles the three identifiers admission decisions are keyed on.
type Identity struct {
	// IP is the best-effort client address, resolved through the trust
	// chain below. Never empty; "unknown" when nothing validates.
	IP string

	// FullFingerprint is the raw X-Fingerprint header value, which may
	// carry an embedded challenge in "fp:<challengeID>:<hash>" form.
	FullFingerprint string

	// ChallengeID is the challenge component of FullFingerprint, empty if
	// the fingerprint carries none.
	ChallengeID string

	// StableIdentifier is the value admission buckets should key on: the
	// fingerprint hash if one was presented, otherwise the IP.
	StableIdentifier string
}

// Extract derives an Identity from an inbound request. trustXFF mirrors the
// TRUST_X_FORWARDED_FOR setting: X-Forwarded-For is only honored when the
// gateway sits behind a proxy it configured itself to trust.
func Extract(r *http.Request, trustXFF bool) Identity {
	ip := resolveIP(r, trustXFF)

	fingerprint := strings.TrimSpace(r.Header.Get("X-Fingerprint"))
	challengeID, hash := splitFingerprint(fingerprint)

	stable := ip
	if fingerprint != "" {
		stable = hash
	}

	return Identity{
		IP:               ip,
		FullFingerprint:  fingerprint,
		ChallengeID:      challengeID,
		StableIdentifier: stable,
	}
}

// resolveIP walks the trust chain: CF-Connecting-IP is always trusted when
// present and valid (Cloudflare strips/overwrites this header at the edge,
// so a client cannot forge it through a Cloudflare-fronted deployment).
// X-Forwarded-For is only trusted when trustXFF is set, and only its
// left-most entry (the original client) is used. The direct remote address
// is the last fallback before giving up with "unknown".
func resolveIP(r *http.Request, trustXFF bool) string {
	if cfIP := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cfIP != "" {
		if isValidIP(cfIP) {
			return cfIP
		}
	}

	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
			if isValidIP(first) {
				return first
			}
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if isValidIP(host) {
			return host
		}
	} else if isValidIP(r.RemoteAddr) {
		return r.RemoteAddr
	}

	return "unknown"
}

func isValidIP(s string) bool {
	return net.ParseIP(strings.TrimSpace(s)) != nil
}

// splitFingerprint parses the "fp:<challengeID>:<hash>" convention. Only a
// string beginning with the literal "fp:" prefix is treated as carrying a
// challenge component; any other value (including a bare hash or an IPv6
// address, which also contains colons) is returned unchanged as the hash.
func splitFingerprint(fingerprint string) (challengeID, hash string) {
	if fingerprint == "" {
		return "", ""
	}
	if !strings.HasPrefix(fingerprint, "fp:") {
		return "", fingerprint
	}
	parts := strings.SplitN(fingerprint, ":", 3)
	if len(parts) == 3 && parts[0] == "fp" && parts[1] != "" && parts[2] != "" {
		return parts[1], parts[2]
	}
	return "", fingerprint
}
