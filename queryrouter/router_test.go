package queryrouter

import (
	"context"
	"errors"
	"testing"

	"github.com/kbgateway/gateway/llmport"
)

type fakeRewriter struct {
	rewrite llmport.StructuredRewrite
	err     error
	calls   int
}

func (f *fakeRewriter) RewriteStandalone(_ context.Context, _ []llmport.Message, _ string) (llmport.StructuredRewrite, error) {
	f.calls++
	return f.rewrite, f.err
}

func (f *fakeRewriter) ExpandShortQuery(_ context.Context, q string) (string, error) {
	return q, nil
}

func TestFastPathDependent(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"what is mweb", false},
		{"how does it work", true},           // strong pronoun
		{"and what about fees", true},        // strong prefix
		{"what about the latter option", true},
		{"explain litecoin halving", false},
		{"This seems useful", true},
	}
	for _, tc := range cases {
		if got := fastPathDependent(tc.query); got != tc.want {
			t.Errorf("fastPathDependent(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestRoute_IndependentSkipsLLM(t *testing.T) {
	rw := &fakeRewriter{}
	r := New(rw)

	res := r.Route(context.Background(), nil, "what is the litecoin halving")
	if res.IsDependent {
		t.Error("independent query marked dependent")
	}
	if rw.calls != 0 {
		t.Errorf("LLM called %d times on the fast path, want 0", rw.calls)
	}
}

func TestRoute_LLMRewriteWinsWhenDependent(t *testing.T) {
	rw := &fakeRewriter{rewrite: llmport.StructuredRewrite{
		IsDependent:     true,
		StandaloneQuery: "how does the privacy upgrade affect fees",
	}}
	r := New(rw)

	history := []llmport.Message{
		{Role: "user", Content: "tell me about the privacy upgrade"},
		{Role: "assistant", Content: "The privacy upgrade hides transaction amounts."},
	}
	res := r.Route(context.Background(), history, "how does it affect fees")
	if !res.IsDependent {
		t.Error("dependent query not marked dependent")
	}
	if res.EffectiveQuery != "how does the privacy upgrade affect fees" {
		t.Errorf("effective query %q, want the LLM rewrite", res.EffectiveQuery)
	}
}

func TestRoute_LLMErrorFallsBackToAnchoring(t *testing.T) {
	rw := &fakeRewriter{err: errors.New("llm down")}
	r := New(rw)

	history := []llmport.Message{
		{Role: "user", Content: "tell me about mweb"},
		{Role: "assistant", Content: "MWEB is the privacy extension."},
	}
	res := r.Route(context.Background(), history, "it sounds interesting, how does it sync")
	if res.EffectiveQuery == "" {
		t.Fatal("fallback produced an empty effective query")
	}
	if !res.IsDependent {
		t.Error("fast-path dependence verdict lost in the fallback")
	}
}

func TestAnchorPronouns_LeadingPronounReplaced(t *testing.T) {
	history := []llmport.Message{
		{Role: "assistant", Content: "The answer involves MWEB and its design."},
	}
	got := anchorPronouns("it uses extension blocks", history)
	if got == "it uses extension blocks" {
		t.Error("leading pronoun was not anchored to a history entity")
	}
}

func TestAnchorPronouns_NoHistoryNoChange(t *testing.T) {
	got := anchorPronouns("it uses extension blocks", nil)
	if got != "it uses extension blocks" {
		t.Errorf("got %q, want unchanged query without history", got)
	}
}

func TestExpandVocabulary_AppendsCanonicalTerm(t *testing.T) {
	got := expandVocabulary("explain mimblewimble please")
	if got == "explain mimblewimble please" {
		t.Error("known synonym was not expanded")
	}
	// Expansion appends, never replaces.
	if len(got) < len("explain mimblewimble please") {
		t.Errorf("expansion shortened the query: %q", got)
	}
}

func TestExpandVocabulary_NoDoubleAppend(t *testing.T) {
	q := "compare mweb with mimblewimble extension block"
	if got := expandVocabulary(q); got != q {
		t.Errorf("canonical term already present but still appended: %q", got)
	}
}
