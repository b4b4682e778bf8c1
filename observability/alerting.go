package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AlerterConfig configures the out-of-band alert webhook. The chat
// endpoint's admission 429s (rate limit, ban, cost throttle) and its
// spend-limit 429s fire one, best-effort: a failed delivery is logged and
// dropped, never surfaced to the client. 429s from /auth/challenge and
// KV-store faults fire no alert.
type AlerterConfig struct {
	WebhookURL  string
	Enabled     bool
	SourceName  string
	HTTPTimeout time.Duration
	QueueSize   int
}

func DefaultAlerterConfig() AlerterConfig {
	return AlerterConfig{
		Enabled:     false,
		SourceName:  "kb-gateway",
		HTTPTimeout: 10 * time.Second,
		QueueSize:   256,
	}
}

// Severity mirrors the PagerDuty-style severity ladder the webhook
// consumer expects.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Alert is one enqueued event.
type Alert struct {
	Severity Severity               `json:"severity"`
	Summary  string                 `json:"summary"`
	DedupKey string                 `json:"dedup_key"`
	Source   string                 `json:"source"`
	At       string                 `json:"timestamp"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Alerter posts alerts to a webhook from a single background worker, with
// a bounded queue so a slow consumer can't back-pressure the hot path.
type Alerter struct {
	cfg    AlerterConfig
	client *http.Client
	logger zerolog.Logger
	queue  chan Alert
	done   chan struct{}
}

func NewAlerter(cfg AlerterConfig, logger zerolog.Logger) *Alerter {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	a := &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With().Str("component", "alerter").Logger(),
		queue:  make(chan Alert, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go a.worker()
	return a
}

// Fire enqueues an alert. Non-blocking: drops when the queue is full.
func (a *Alerter) Fire(severity Severity, summary, dedupKey string, details map[string]interface{}) {
	if !a.cfg.Enabled || a.cfg.WebhookURL == "" {
		a.logger.Debug().Str("summary", summary).Msg("alerting disabled, alert suppressed")
		return
	}
	alert := Alert{
		Severity: severity,
		Summary:  summary,
		DedupKey: dedupKey,
		Source:   a.cfg.SourceName,
		At:       time.Now().UTC().Format(time.RFC3339),
		Details:  details,
	}
	select {
	case a.queue <- alert:
	default:
		a.logger.Warn().Str("summary", summary).Msg("alert queue full, alert dropped")
	}
}

// Close stops the worker after draining what it can within a short grace
// period.
func (a *Alerter) Close() {
	close(a.queue)
	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
	}
}

func (a *Alerter) worker() {
	defer close(a.done)
	for alert := range a.queue {
		a.deliver(alert)
	}
}

func (a *Alerter) deliver(alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Str("dedup_key", alert.DedupKey).Msg("alert delivery failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		a.logger.Warn().Int("status", resp.StatusCode).Str("dedup_key", alert.DedupKey).Msg("alert webhook rejected")
	}
}
