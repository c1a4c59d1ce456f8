// Package research implements the idea generation, review, keyword and
// compression handlers that run on the worker pool.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/astroinsight/astroinsight/internal/llm"
	"github.com/astroinsight/astroinsight/internal/papers"
	"github.com/astroinsight/astroinsight/internal/task"
)

const draftSearchLimit = 5

// DraftPayload is the input of a single idea draft.
type DraftPayload struct {
	Topic string `json:"topic"`
	// Feedback carries the reviewer's objections from the previous round.
	// Empty on the first draft.
	Feedback string `json:"feedback,omitempty"`
}

// Draft is one proposed research idea.
type Draft struct {
	Idea      string   `json:"idea"`
	Rationale string   `json:"rationale"`
	Sources   []string `json:"sources,omitempty"`
}

// Drafter produces research idea drafts. On a first draft it grounds the
// prompt in a literature search; revision rounds reuse the feedback instead.
type Drafter struct {
	llm      llm.Client
	searcher papers.Searcher
	logger   *slog.Logger
}

func NewDrafter(client llm.Client, searcher papers.Searcher, logger *slog.Logger) *Drafter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drafter{llm: client, searcher: searcher, logger: logger}
}

func (d *Drafter) Execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	var p DraftPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, task.Validationf("decode draft payload: %v", err)
	}
	if p.Topic == "" {
		return nil, task.Validationf("topic is required")
	}

	var found []papers.Paper
	if p.Feedback == "" && d.searcher != nil {
		var err error
		found, err = d.searcher.Search(ctx, p.Topic, draftSearchLimit)
		if err != nil {
			// A draft without literature context is still useful.
			d.logger.Warn("literature search failed, drafting without context", "task", t.ID, "error", err)
			found = nil
		}
	}

	raw, err := d.llm.Complete(ctx, llm.Request{
		System:      draftSystemPrompt,
		Prompt:      buildDraftPrompt(p.Topic, found, p.Feedback),
		Temperature: 0.8,
	})
	if err != nil {
		return nil, fmt.Errorf("draft completion: %w", err)
	}

	var draft Draft
	if err := json.Unmarshal([]byte(extractJSON(raw)), &draft); err != nil {
		return nil, task.Transient(fmt.Errorf("malformed draft output: %w", err))
	}
	if draft.Idea == "" {
		return nil, task.Transient(fmt.Errorf("draft output missing idea"))
	}
	for _, paper := range found {
		draft.Sources = append(draft.Sources, paper.ID)
	}
	return json.Marshal(draft)
}
