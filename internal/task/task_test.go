package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestCacheable(t *testing.T) {
	if !Cacheable(KindExtractKeywords) {
		t.Error("extract_keywords should be cacheable")
	}
	if !Cacheable(KindCompressContent) {
		t.Error("compress_content should be cacheable")
	}
	if Cacheable(KindGenerateIdea) {
		t.Error("generate_idea must not be cacheable")
	}
	if Cacheable(KindReviewIdea) {
		t.Error("review_idea must not be cacheable")
	}
}

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := Fingerprint(KindExtractKeywords, json.RawMessage(`{"text":"hello","limit":5}`))
	b := Fingerprint(KindExtractKeywords, json.RawMessage(`{ "limit": 5, "text": "hello" }`))
	if a != b {
		t.Errorf("fingerprints differ for equivalent payloads: %s vs %s", a, b)
	}
}

func TestFingerprintDistinguishesKindAndPayload(t *testing.T) {
	payload := json.RawMessage(`{"text":"hello"}`)
	if Fingerprint(KindExtractKeywords, payload) == Fingerprint(KindCompressContent, payload) {
		t.Error("same fingerprint for different kinds")
	}
	other := json.RawMessage(`{"text":"world"}`)
	if Fingerprint(KindExtractKeywords, payload) == Fingerprint(KindExtractKeywords, other) {
		t.Error("same fingerprint for different payloads")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"validation marker", Validationf("bad payload"), ErrKindValidation},
		{"permanent marker", Permanent(errors.New("policy rejection")), ErrKindPermanent},
		{"transient marker", Transient(errors.New("rate limited")), ErrKindTransient},
		{"wrapped marker", errorsJoin(Permanent(errors.New("inner"))), ErrKindPermanent},
		{"deadline", context.DeadlineExceeded, ErrKindTimeout},
		{"unmarked defaults transient", errors.New("connection reset"), ErrKindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func errorsJoin(err error) error {
	return &wrapped{err}
}

type wrapped struct{ inner error }

func (w *wrapped) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrapped) Unwrap() error { return w.inner }

func TestRetryable(t *testing.T) {
	if !ErrKindTransient.Retryable() {
		t.Error("transient must be retryable")
	}
	for _, k := range []ErrorKind{ErrKindValidation, ErrKindPermanent, ErrKindTimeout} {
		if k.Retryable() {
			t.Errorf("%s must not be retryable", k)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:      "t-1",
		Kind:    KindExtractKeywords,
		Payload: json.RawMessage(`{"text":"x"}`),
		Result:  json.RawMessage(`["x"]`),
		Error:   &Error{Kind: ErrKindTransient, Message: "m"},
	}
	cp := orig.Clone()
	cp.Payload[0] = '!'
	cp.Error.Message = "changed"
	if orig.Payload[0] == '!' {
		t.Error("payload aliased between clone and original")
	}
	if orig.Error.Message == "changed" {
		t.Error("error aliased between clone and original")
	}
}
