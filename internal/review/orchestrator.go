// Package review orchestrates the bounded draft/review/refine loop behind
// idea generation. Each draft and each review runs as its own sub-task on
// the worker pool; the orchestrator only coordinates.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/astroinsight/astroinsight/internal/research"
	"github.com/astroinsight/astroinsight/internal/submit"
	"github.com/astroinsight/astroinsight/internal/task"
)

const (
	defaultMaxRounds = 3
	maxRoundsCap     = 5
	pollInterval     = 100 * time.Millisecond
)

// Submitter is the slice of the submit service the orchestrator needs.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload json.RawMessage, opts submit.Options) (*task.Task, error)
	Await(ctx context.Context, id string, poll time.Duration) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
}

// GeneratePayload is the input of an idea generation task.
type GeneratePayload struct {
	Topic     string `json:"topic"`
	MaxRounds int    `json:"max_rounds,omitempty"`
}

// IdeaResult is the final output of the loop. When the reviewer never
// accepts, the best-scoring draft is returned with Converged false.
type IdeaResult struct {
	Idea      string   `json:"idea"`
	Rationale string   `json:"rationale"`
	Sources   []string `json:"sources,omitempty"`
	Rounds    int      `json:"rounds"`
	Converged bool     `json:"converged"`
	Score     float64  `json:"score"`
	Feedback  string   `json:"feedback,omitempty"`
}

// Orchestrator drives the loop for tasks of kind generate_idea.
type Orchestrator struct {
	submitter Submitter
	maxRounds int
	logger    *slog.Logger
}

func NewOrchestrator(s Submitter, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{submitter: s, maxRounds: defaultMaxRounds, logger: logger}
}

// SetMaxRounds changes the round budget used when a payload does not carry
// its own. Values outside [1, maxRoundsCap] are ignored.
func (o *Orchestrator) SetMaxRounds(n int) {
	if n >= 1 && n <= maxRoundsCap {
		o.maxRounds = n
	}
}

func (o *Orchestrator) Execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	var p GeneratePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, task.Validationf("decode generate payload: %v", err)
	}
	if p.Topic == "" {
		return nil, task.Validationf("topic is required")
	}
	rounds := p.MaxRounds
	if rounds <= 0 {
		rounds = o.maxRounds
	}
	if rounds > maxRoundsCap {
		rounds = maxRoundsCap
	}
	logger := o.logger.With("task", t.ID, "topic", p.Topic)

	var (
		feedback  string
		bestScore = -1.0
		best      research.Draft
	)
	for round := 1; round <= rounds; round++ {
		if err := o.checkpoint(ctx, t.ID); err != nil {
			return nil, err
		}

		draft, err := o.draft(ctx, t, p.Topic, feedback)
		if err != nil {
			return nil, fmt.Errorf("round %d draft: %w", round, err)
		}
		// Re-check between the steps: a parent cancelled while the draft ran
		// should not spend a review on it.
		if err := o.checkpoint(ctx, t.ID); err != nil {
			return nil, err
		}
		rev, err := o.review(ctx, t, p.Topic, draft.Idea)
		if err != nil {
			return nil, fmt.Errorf("round %d review: %w", round, err)
		}
		logger.Info("review round finished", "round", round, "verdict", rev.Verdict, "score", rev.Score)

		if rev.Score > bestScore {
			bestScore = rev.Score
			best = *draft
		}
		if rev.Verdict == research.VerdictAccept {
			return json.Marshal(IdeaResult{
				Idea:      draft.Idea,
				Rationale: draft.Rationale,
				Sources:   draft.Sources,
				Rounds:    round,
				Converged: true,
				Score:     rev.Score,
			})
		}
		feedback = rev.Feedback
	}

	// Rounds exhausted without an accept. The loop still produced value;
	// surface the strongest draft rather than failing the task.
	logger.Info("review rounds exhausted", "rounds", rounds, "best_score", bestScore)
	return json.Marshal(IdeaResult{
		Idea:      best.Idea,
		Rationale: best.Rationale,
		Sources:   best.Sources,
		Rounds:    rounds,
		Converged: false,
		Score:     bestScore,
		Feedback:  feedback,
	})
}

// checkpoint aborts the loop once the parent task has been cancelled, so no
// further sub-tasks are spawned on its behalf.
func (o *Orchestrator) checkpoint(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parent, err := o.submitter.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load parent task: %w", err)
	}
	if parent.Status == task.StatusCancelled {
		return task.Permanent(fmt.Errorf("parent task cancelled"))
	}
	return nil
}

func (o *Orchestrator) draft(ctx context.Context, parent *task.Task, topic, feedback string) (*research.Draft, error) {
	payload, err := json.Marshal(research.DraftPayload{Topic: topic, Feedback: feedback})
	if err != nil {
		return nil, err
	}
	result, err := o.runSub(ctx, parent, task.KindDraftIdea, payload)
	if err != nil {
		return nil, err
	}
	var draft research.Draft
	if err := json.Unmarshal(result, &draft); err != nil {
		return nil, task.Permanent(fmt.Errorf("decode draft result: %w", err))
	}
	return &draft, nil
}

func (o *Orchestrator) review(ctx context.Context, parent *task.Task, topic, idea string) (*research.Review, error) {
	payload, err := json.Marshal(research.ReviewPayload{Idea: idea, Topic: topic})
	if err != nil {
		return nil, err
	}
	result, err := o.runSub(ctx, parent, task.KindReviewIdea, payload)
	if err != nil {
		return nil, err
	}
	var rev research.Review
	if err := json.Unmarshal(result, &rev); err != nil {
		return nil, task.Permanent(fmt.Errorf("decode review result: %w", err))
	}
	return &rev, nil
}

// runSub submits one sub-task and waits for it to finish. Sub-task retries
// happen inside the pool; by the time a sub-task is terminal its attempts
// are spent, so a failure here is permanent for the whole loop.
func (o *Orchestrator) runSub(ctx context.Context, parent *task.Task, kind string, payload json.RawMessage) (json.RawMessage, error) {
	sub, err := o.submitter.Submit(ctx, kind, payload, submit.Options{
		ParentID: parent.ID,
		Deadline: parent.Deadline,
	})
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", kind, err)
	}
	done, err := o.submitter.Await(ctx, sub.ID, pollInterval)
	if err != nil {
		return nil, fmt.Errorf("await %s: %w", kind, err)
	}
	switch done.Status {
	case task.StatusSucceeded:
		return done.Result, nil
	case task.StatusCancelled:
		return nil, task.Permanent(fmt.Errorf("%s sub-task cancelled", kind))
	default:
		msg := "unknown failure"
		if done.Error != nil {
			msg = done.Error.Message
		}
		return nil, task.Permanent(fmt.Errorf("%s sub-task failed: %s", kind, msg))
	}
}
