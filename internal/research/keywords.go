package research

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/astroinsight/astroinsight/internal/llm"
	"github.com/astroinsight/astroinsight/internal/task"
)

const defaultKeywordLimit = 10

// KeywordsPayload is the input of a keyword extraction.
type KeywordsPayload struct {
	Text  string `json:"text"`
	Limit int    `json:"limit,omitempty"`
}

// Keywords is the extraction result.
type Keywords struct {
	Keywords []string `json:"keywords"`
}

// KeywordExtractor pulls search terms out of scientific text. Its output is
// a pure function of the payload, so results are cached by fingerprint.
type KeywordExtractor struct {
	llm llm.Client
}

func NewKeywordExtractor(client llm.Client) *KeywordExtractor {
	return &KeywordExtractor{llm: client}
}

func (k *KeywordExtractor) Execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	var p KeywordsPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, task.Validationf("decode keywords payload: %v", err)
	}
	if p.Text == "" {
		return nil, task.Validationf("text is required")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultKeywordLimit
	}

	raw, err := k.llm.Complete(ctx, llm.Request{
		System: keywordsSystemPrompt,
		Prompt: fmt.Sprintf("Extract at most %d keywords from:\n\n%s", limit, p.Text),
	})
	if err != nil {
		return nil, fmt.Errorf("keywords completion: %w", err)
	}

	var out Keywords
	if err := json.Unmarshal([]byte(extractJSON(raw)), &out); err != nil {
		return nil, task.Transient(fmt.Errorf("malformed keywords output: %w", err))
	}
	if len(out.Keywords) > limit {
		out.Keywords = out.Keywords[:limit]
	}
	return json.Marshal(out)
}
