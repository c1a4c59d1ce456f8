package papers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/astroinsight/astroinsight/internal/task"
)

// maxPDFBytes caps downloads; arXiv papers rarely exceed a few megabytes.
const maxPDFBytes = 64 << 20

// Fetcher downloads a paper PDF and returns its plain text.
type Fetcher interface {
	FetchText(ctx context.Context, pdfURL string) (string, error)
}

// PDFFetcher downloads PDFs over HTTP and extracts their text layer.
type PDFFetcher struct {
	http *http.Client
}

func NewPDFFetcher(h *http.Client) *PDFFetcher {
	if h == nil {
		h = &http.Client{Timeout: 2 * time.Minute}
	}
	return &PDFFetcher{http: h}
}

func (f *PDFFetcher) FetchText(ctx context.Context, pdfURL string) (string, error) {
	if pdfURL == "" {
		return "", task.Validationf("pdf_url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return "", task.Transient(fmt.Errorf("download pdf: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("pdf download returned status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", task.Transient(err)
		}
		return "", task.Permanent(err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return "", task.Transient(fmt.Errorf("read pdf body: %w", err))
	}
	text, err := ExtractText(data)
	if err != nil {
		// A corrupt file will not heal on retry.
		return "", task.Permanent(err)
	}
	return text, nil
}

// ExtractText returns the plain text layer of a PDF document.
func ExtractText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return buf.String(), nil
}
