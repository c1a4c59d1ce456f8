package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/astroinsight/astroinsight/internal/submit"
	"github.com/astroinsight/astroinsight/internal/task"
)

func newTestApp(sub Submitter) http.Handler {
	return NewAppHandler(AppDeps{Submit: sub, Version: "test"})
}

func TestHTTPHealth(t *testing.T) {
	app := newTestApp(newMockSubmitter())
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHTTPSubmitTask(t *testing.T) {
	sub := newMockSubmitter()
	app := newTestApp(sub)

	body := `{"kind":"generate_idea","payload":{"topic":"dark matter"}}`
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var view map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if view["task_id"] == "" || view["status"] != string(task.StatusPending) {
		t.Fatalf("view = %v", view)
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != task.KindGenerateIdea {
		t.Fatalf("submitted = %v", sub.submitted)
	}
}

func TestHTTPSubmitTask_Invalid(t *testing.T) {
	app := newTestApp(newMockSubmitter())

	tests := []struct {
		name string
		body string
	}{
		{"missing kind", `{"payload":{}}`},
		{"not json", `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			app.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHTTPGetTask(t *testing.T) {
	sub := newMockSubmitter()
	sub.Submit(context.Background(), task.KindGenerateIdea, json.RawMessage(`{}`), submit.Options{})
	app := newTestApp(sub)

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/task-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d for unknown task", rec.Code)
	}
}

func TestHTTPCancelTask(t *testing.T) {
	sub := newMockSubmitter()
	sub.Submit(context.Background(), task.KindGenerateIdea, json.RawMessage(`{}`), submit.Options{})
	app := newTestApp(sub)

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks/task-1/cancel", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHTTPBearerAuth(t *testing.T) {
	app := NewAppHandler(AppDeps{Submit: newMockSubmitter(), Token: "secret", Version: "test"})

	// Health stays open.
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/task-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d without token", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 without a WWW-Authenticate challenge")
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks/task-1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d with wrong token", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/tasks/task-1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d with token, want 404 for unknown task", rec.Code)
	}
}
