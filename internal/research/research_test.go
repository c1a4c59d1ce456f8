package research

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/astroinsight/astroinsight/internal/llm"
	"github.com/astroinsight/astroinsight/internal/papers"
	"github.com/astroinsight/astroinsight/internal/task"
)

// mockLLM implements llm.Client for testing.
type mockLLM struct {
	response   string
	err        error
	lastPrompt string
	lastSystem string
}

func (m *mockLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	m.lastSystem = req.System
	m.lastPrompt = req.Prompt
	return m.response, m.err
}

// mockSearcher implements papers.Searcher for testing.
type mockSearcher struct {
	results []papers.Paper
	err     error
	calls   int
}

func (m *mockSearcher) Search(_ context.Context, _ string, _ int) ([]papers.Paper, error) {
	m.calls++
	return m.results, m.err
}

// mockFetcher implements papers.Fetcher for testing.
type mockFetcher struct {
	text string
	err  error
}

func (m *mockFetcher) FetchText(_ context.Context, _ string) (string, error) {
	return m.text, m.err
}

func draftTask(payload string) *task.Task {
	return &task.Task{ID: "t-1", Kind: task.KindDraftIdea, Payload: json.RawMessage(payload)}
}

func TestDrafterGroundsFirstDraftInLiterature(t *testing.T) {
	mock := &mockLLM{response: `{"idea":"Map dwarf galaxy halos with strong lensing","rationale":"Current surveys undersample low-mass halos"}`}
	search := &mockSearcher{results: []papers.Paper{
		{ID: "2401.01234v2", Title: "Halo Profiles", Summary: "We study halos."},
	}}
	d := NewDrafter(mock, search, nil)

	raw, err := d.Execute(context.Background(), draftTask(`{"topic":"dark matter halos"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if search.calls != 1 {
		t.Errorf("search called %d times, want 1", search.calls)
	}
	if !strings.Contains(mock.lastPrompt, "Halo Profiles") {
		t.Errorf("prompt missing literature context: %q", mock.lastPrompt)
	}

	var draft Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if draft.Idea == "" || draft.Rationale == "" {
		t.Errorf("draft = %+v", draft)
	}
	if len(draft.Sources) != 1 || draft.Sources[0] != "2401.01234v2" {
		t.Errorf("Sources = %v", draft.Sources)
	}
}

func TestDrafterRevisionSkipsSearch(t *testing.T) {
	mock := &mockLLM{response: `{"idea":"revised idea","rationale":"addresses the gap"}`}
	search := &mockSearcher{}
	d := NewDrafter(mock, search, nil)

	_, err := d.Execute(context.Background(), draftTask(`{"topic":"dark matter","feedback":"too vague about methodology"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if search.calls != 0 {
		t.Errorf("search called %d times on a revision, want 0", search.calls)
	}
	if !strings.Contains(mock.lastPrompt, "too vague about methodology") {
		t.Errorf("prompt missing feedback: %q", mock.lastPrompt)
	}
}

func TestDrafterSurvivesSearchFailure(t *testing.T) {
	mock := &mockLLM{response: `{"idea":"an idea","rationale":"a reason"}`}
	search := &mockSearcher{err: task.Transient(context.DeadlineExceeded)}
	d := NewDrafter(mock, search, nil)

	raw, err := d.Execute(context.Background(), draftTask(`{"topic":"exoplanets"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var draft Draft
	json.Unmarshal(raw, &draft)
	if len(draft.Sources) != 0 {
		t.Errorf("Sources = %v, want none", draft.Sources)
	}
}

func TestDrafterRejectsMissingTopic(t *testing.T) {
	d := NewDrafter(&mockLLM{}, nil, nil)
	_, err := d.Execute(context.Background(), draftTask(`{}`))
	if err == nil {
		t.Fatal("missing topic accepted")
	}
	if task.Classify(err) != task.ErrKindValidation {
		t.Errorf("classified %s, want validation", task.Classify(err))
	}
}

func TestDrafterMalformedOutputIsTransient(t *testing.T) {
	d := NewDrafter(&mockLLM{response: "I think a good idea would be..."}, nil, nil)
	_, err := d.Execute(context.Background(), draftTask(`{"topic":"pulsars"}`))
	if err == nil {
		t.Fatal("prose output accepted")
	}
	if task.Classify(err) != task.ErrKindTransient {
		t.Errorf("classified %s, want transient", task.Classify(err))
	}
}

func TestReviewerParsesVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		response string
		verdict  string
		score    float64
	}{
		{"accept", `{"verdict":"accept","feedback":"solid proposal","score":8.5}`, VerdictAccept, 8.5},
		{"revise", `{"verdict":"revise","feedback":"no observational strategy","score":4}`, VerdictRevise, 4},
		{"fenced", "```json\n{\"verdict\":\"accept\",\"feedback\":\"ok\",\"score\":7}\n```", VerdictAccept, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReviewer(&mockLLM{response: tt.response})
			got, err := r.Review(context.Background(), "topic", "some idea")
			if err != nil {
				t.Fatalf("Review: %v", err)
			}
			if got.Verdict != tt.verdict || got.Score != tt.score {
				t.Errorf("Review = %+v", got)
			}
		})
	}
}

// A revise verdict is a successful review. Only malformed reviewer output
// is an error, and it is transient so the round can be retried.
func TestReviewerRejectsMalformedOutput(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"unknown verdict", `{"verdict":"maybe","feedback":"hm","score":5}`},
		{"revise without feedback", `{"verdict":"revise","feedback":"","score":3}`},
		{"prose", "This looks great to me!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReviewer(&mockLLM{response: tt.response})
			_, err := r.Review(context.Background(), "", "idea")
			if err == nil {
				t.Fatal("malformed output accepted")
			}
			if task.Classify(err) != task.ErrKindTransient {
				t.Errorf("classified %s, want transient", task.Classify(err))
			}
		})
	}
}

func TestKeywordExtractor(t *testing.T) {
	mock := &mockLLM{response: `{"keywords":["dark matter","halo profile","dwarf galaxy"]}`}
	k := NewKeywordExtractor(mock)

	tk := &task.Task{ID: "t-1", Kind: task.KindExtractKeywords, Payload: json.RawMessage(`{"text":"some abstract","limit":2}`)}
	raw, err := k.Execute(context.Background(), tk)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out Keywords
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Keywords) != 2 {
		t.Errorf("Keywords = %v, want limit of 2 applied", out.Keywords)
	}
}

func TestKeywordExtractorRequiresText(t *testing.T) {
	k := NewKeywordExtractor(&mockLLM{})
	tk := &task.Task{ID: "t-1", Kind: task.KindExtractKeywords, Payload: json.RawMessage(`{}`)}
	if _, err := k.Execute(context.Background(), tk); task.Classify(err) != task.ErrKindValidation {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestCompressorSummarizesText(t *testing.T) {
	mock := &mockLLM{response: "A short faithful summary."}
	c := NewCompressor(mock, nil)

	tk := &task.Task{ID: "t-1", Kind: task.KindCompressContent, Payload: json.RawMessage(`{"text":"long paper text","target_words":50}`)}
	raw, err := c.Execute(context.Background(), tk)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out Compressed
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Summary != "A short faithful summary." {
		t.Errorf("Summary = %q", out.Summary)
	}
	if out.OriginalChars != len("long paper text") {
		t.Errorf("OriginalChars = %d", out.OriginalChars)
	}
	if !strings.Contains(mock.lastPrompt, "roughly 50 words") {
		t.Errorf("prompt = %q", mock.lastPrompt)
	}
}

func TestCompressorFetchesPDF(t *testing.T) {
	mock := &mockLLM{response: "Summary of the paper."}
	c := NewCompressor(mock, &mockFetcher{text: "extracted pdf text"})

	tk := &task.Task{ID: "t-1", Kind: task.KindCompressContent, Payload: json.RawMessage(`{"pdf_url":"http://arxiv.org/pdf/2401.01234"}`)}
	raw, err := c.Execute(context.Background(), tk)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(mock.lastPrompt, "extracted pdf text") {
		t.Errorf("prompt missing fetched text: %q", mock.lastPrompt)
	}
	var out Compressed
	json.Unmarshal(raw, &out)
	if out.OriginalChars != len("extracted pdf text") {
		t.Errorf("OriginalChars = %d", out.OriginalChars)
	}
}

func TestCompressorPayloadValidation(t *testing.T) {
	c := NewCompressor(&mockLLM{}, nil)
	for _, payload := range []string{`{}`, `{"text":"x","pdf_url":"y"}`} {
		tk := &task.Task{ID: "t-1", Kind: task.KindCompressContent, Payload: json.RawMessage(payload)}
		if _, err := c.Execute(context.Background(), tk); task.Classify(err) != task.ErrKindValidation {
			t.Errorf("payload %s: error = %v, want validation", payload, err)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"Here you go:\n{\"a\":1}", `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"no json at all", ""},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
