package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/astroinsight/astroinsight/internal/llm"
	"github.com/astroinsight/astroinsight/internal/papers"
	"github.com/astroinsight/astroinsight/internal/task"
)

const (
	defaultTargetWords = 300

	// compressChunkChars bounds how much source text goes into a single
	// completion. Longer inputs are truncated rather than chunked; the tail
	// of a paper is references and appendices.
	compressChunkChars = 48000
)

// CompressPayload is the input of a content compression. Exactly one of
// Text or PDFURL must be set.
type CompressPayload struct {
	Text        string `json:"text,omitempty"`
	PDFURL      string `json:"pdf_url,omitempty"`
	TargetWords int    `json:"target_words,omitempty"`
}

// Compressed is the compression result.
type Compressed struct {
	Summary       string `json:"summary"`
	OriginalChars int    `json:"original_chars"`
}

// Compressor condenses paper text into a short summary, optionally fetching
// the source PDF first. Results are cached by payload fingerprint.
type Compressor struct {
	llm     llm.Client
	fetcher papers.Fetcher
}

func NewCompressor(client llm.Client, fetcher papers.Fetcher) *Compressor {
	return &Compressor{llm: client, fetcher: fetcher}
}

func (c *Compressor) Execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	var p CompressPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, task.Validationf("decode compress payload: %v", err)
	}
	if p.Text == "" && p.PDFURL == "" {
		return nil, task.Validationf("either text or pdf_url is required")
	}
	if p.Text != "" && p.PDFURL != "" {
		return nil, task.Validationf("text and pdf_url are mutually exclusive")
	}

	text := p.Text
	if p.PDFURL != "" {
		if c.fetcher == nil {
			return nil, task.Permanent(fmt.Errorf("pdf fetching is not configured"))
		}
		var err error
		text, err = c.fetcher.FetchText(ctx, p.PDFURL)
		if err != nil {
			return nil, fmt.Errorf("fetch pdf: %w", err)
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, task.Permanent(fmt.Errorf("source document has no extractable text"))
	}

	original := len(text)
	if len(text) > compressChunkChars {
		text = text[:compressChunkChars]
	}
	target := p.TargetWords
	if target <= 0 {
		target = defaultTargetWords
	}

	summary, err := c.llm.Complete(ctx, llm.Request{
		System: compressSystemPrompt,
		Prompt: fmt.Sprintf("Compress the following text to roughly %d words:\n\n%s", target, text),
	})
	if err != nil {
		return nil, fmt.Errorf("compress completion: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, task.Transient(fmt.Errorf("empty summary returned"))
	}

	return json.Marshal(Compressed{Summary: summary, OriginalChars: original})
}
