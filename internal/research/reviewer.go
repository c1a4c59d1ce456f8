package research

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/astroinsight/astroinsight/internal/llm"
	"github.com/astroinsight/astroinsight/internal/task"
)

// Verdict values a reviewer may return.
const (
	VerdictAccept = "accept"
	VerdictRevise = "revise"
)

// ReviewPayload is the input of a review round.
type ReviewPayload struct {
	Idea  string `json:"idea"`
	Topic string `json:"topic,omitempty"`
}

// Review is the reviewer's structured judgement of a draft. A revise verdict
// is a successful review, not a failure; only infrastructure problems
// surface as task errors.
type Review struct {
	Verdict  string  `json:"verdict"`
	Feedback string  `json:"feedback"`
	Score    float64 `json:"score"`
}

// Reviewer critiques drafted research ideas.
type Reviewer struct {
	llm llm.Client
}

func NewReviewer(client llm.Client) *Reviewer {
	return &Reviewer{llm: client}
}

func (r *Reviewer) Execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	var p ReviewPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, task.Validationf("decode review payload: %v", err)
	}
	review, err := r.Review(ctx, p.Topic, p.Idea)
	if err != nil {
		return nil, err
	}
	return json.Marshal(review)
}

// Review runs a single review synchronously. The MCP review tool calls this
// directly, bypassing the queue.
func (r *Reviewer) Review(ctx context.Context, topic, idea string) (*Review, error) {
	if idea == "" {
		return nil, task.Validationf("idea is required")
	}

	raw, err := r.llm.Complete(ctx, llm.Request{
		System:      reviewSystemPrompt,
		Prompt:      buildReviewPrompt(topic, idea),
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("review completion: %w", err)
	}

	var review Review
	if err := json.Unmarshal([]byte(extractJSON(raw)), &review); err != nil {
		return nil, task.Transient(fmt.Errorf("malformed review output: %w", err))
	}
	if review.Verdict != VerdictAccept && review.Verdict != VerdictRevise {
		return nil, task.Transient(fmt.Errorf("unknown verdict %q", review.Verdict))
	}
	if review.Verdict == VerdictRevise && review.Feedback == "" {
		return nil, task.Transient(fmt.Errorf("revise verdict without feedback"))
	}
	return &review, nil
}
