package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/astroinsight/astroinsight/internal/store"
	"github.com/astroinsight/astroinsight/internal/submit"
	"github.com/astroinsight/astroinsight/internal/task"
)

const maxSubmitBodySize = 1 << 20 // 1MB

// SubmitRequest is the HTTP task submission body.
type SubmitRequest struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	SkipCache bool            `json:"skip_cache,omitempty"`
}

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Submit  Submitter
	Token   string // optional; empty disables auth
	Version string
}

// NewAppHandler builds the HTTP surface. It mirrors the MCP tools for
// clients that speak plain HTTP.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	// Health stays open so liveness probes work without credentials.
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(bearerAuth(deps.Token))
		}
		r.Post("/tasks", handleSubmitTask(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Post("/tasks/{id}/cancel", handleCancelTask(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": deps.Version,
		})
	}
}

func handleSubmitTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		t, err := deps.Submit.Submit(r.Context(), req.Kind, req.Payload, submit.Options{SkipCache: req.SkipCache})
		if err != nil {
			if terr := task.AsError(err); terr != nil && terr.Kind == task.ErrKindValidation {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", terr.Message)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit task: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, taskView(t))
	}
}

func handleGetTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := deps.Submit.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "no task with ID %s", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load task: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, taskView(t))
	}
}

func handleCancelTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Submit.Cancel(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				httpError(w, http.StatusNotFound, "not_found_error", "no task with ID %s", id)
			case errors.Is(err, store.ErrConflict):
				httpError(w, http.StatusConflict, "invalid_request_error", "task %s already finished", id)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel task: %v", err)
			}
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"task_id": id,
			"status":  "cancelling",
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
