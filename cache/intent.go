package cache

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// Intent is the static classification gating T1 (greeting/thanks).
// Adapted from the gateway's keyword-rule classifier
// (intelligence.Classifier) generalized from cost-category classification
// to the cache hierarchy's much narrower greeting/thanks/none gate.
type Intent string

const (
	IntentGreeting Intent = "greeting"
	IntentThanks   Intent = "thanks"
	IntentNone     Intent = ""
)

var greetingPhrases = []string{"hi", "hello", "hey", "yo", "good morning", "good afternoon", "good evening", "howdy"}
var thanksPhrases = []string{"thanks", "thank you", "thx", "ty", "appreciate it", "cheers"}

const (
	greetingMaxWords = 3
	thanksMaxWords   = 5
	fuzzyIntentMin   = 85
)

// ClassifyIntent gates T1: only short queries (word-count capped) are
// tested against the curated phrase lists, first as an exact or whole-word
// phrase match, then fuzzy, so a
// genuine question that happens to start with "hi" isn't misclassified.
// isDependent must be the router's determination — a history-dependent
// follow-up (e.g. a "thanks" that's actually continuing the topic) skips
// classification entirely.
func ClassifyIntent(query string, isDependent bool) Intent {
	if isDependent {
		return IntentNone
	}
	normalized := strings.ToLower(strings.TrimSpace(query))
	if normalized == "" {
		return IntentNone
	}
	words := strings.Fields(normalized)

	if len(words) <= greetingMaxWords && matchesPhrase(normalized, greetingPhrases) {
		return IntentGreeting
	}
	if len(words) <= thanksMaxWords && matchesPhrase(normalized, thanksPhrases) {
		return IntentThanks
	}
	return IntentNone
}

func matchesPhrase(normalized string, phrases []string) bool {
	padded := " " + strings.Join(strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ") + " "
	for _, p := range phrases {
		if normalized == p || strings.Contains(padded, " "+p+" ") {
			return true
		}
		if tokenSortRatio(normalized, p) >= fuzzyIntentMin {
			return true
		}
	}
	return false
}

// FuzzyMatch holds the best FAQ-list match found by FuzzyBestMatch.
type FuzzyMatch struct {
	Question string
	Score    int // 0-100, token-sort ratio
	Index    int
}

// FuzzyBestMatch finds the curated question with the highest token-sort
// ratio against query, used by the FAQ tier (T2). threshold is the
// minimum acceptable score. Returns ok=false if no candidate clears it.
func FuzzyBestMatch(query string, candidates []string, threshold int) (FuzzyMatch, bool) {
	best := FuzzyMatch{Score: -1}
	normalizedQuery := strings.ToLower(strings.TrimSpace(query))
	for i, c := range candidates {
		score := tokenSortRatio(normalizedQuery, strings.ToLower(c))
		if score > best.Score {
			best = FuzzyMatch{Question: c, Score: score, Index: i}
		}
	}
	if best.Score < threshold {
		return FuzzyMatch{}, false
	}
	return best, true
}

// tokenSortRatio implements the FuzzyWuzzy-style token-sort-ratio: tokenize
// both strings, sort each string's tokens alphabetically, rejoin, and
// score the Levenshtein similarity of the sorted forms. Sorting tokens
// first means word order differences ("mweb sync status" vs "status of
// mweb sync") don't depress the score.
func tokenSortRatio(a, b string) int {
	sa := sortedTokens(a)
	sb := sortedTokens(b)
	if sa == "" && sb == "" {
		return 100
	}
	dist := levenshtein.ComputeDistance(sa, sb)
	maxLen := len(sa)
	if len(sb) > maxLen {
		maxLen = len(sb)
	}
	if maxLen == 0 {
		return 100
	}
	ratio := (1.0 - float64(dist)/float64(maxLen)) * 100
	if ratio < 0 {
		ratio = 0
	}
	return int(ratio)
}

func sortedTokens(s string) string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}
