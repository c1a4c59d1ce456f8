package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/astroinsight/astroinsight/internal/papers"
	"github.com/astroinsight/astroinsight/internal/research"
	"github.com/astroinsight/astroinsight/internal/store"
	"github.com/astroinsight/astroinsight/internal/submit"
	"github.com/astroinsight/astroinsight/internal/task"
)

// --- mocks ---

// mockSubmitter pretends that every submitted task finishes instantly with
// a scripted outcome.
type mockSubmitter struct {
	tasks     map[string]*task.Task
	submitted []string // kinds in submission order
	result    json.RawMessage
	failWith  *task.Error
	cancelErr error
}

func newMockSubmitter() *mockSubmitter {
	return &mockSubmitter{tasks: make(map[string]*task.Task)}
}

func (m *mockSubmitter) Submit(_ context.Context, kind string, payload json.RawMessage, _ submit.Options) (*task.Task, error) {
	if kind == "" {
		return nil, task.Validationf("kind is required")
	}
	m.submitted = append(m.submitted, kind)
	t := &task.Task{
		ID:      fmt.Sprintf("task-%d", len(m.submitted)),
		Kind:    kind,
		Payload: payload,
		Status:  task.StatusPending,
		Attempt: 0,
	}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *mockSubmitter) Await(_ context.Context, id string, _ time.Duration) (*task.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	done := t.Clone()
	done.Attempt = 1
	if m.failWith != nil {
		done.Status = task.StatusFailed
		done.Error = m.failWith
	} else {
		done.Status = task.StatusSucceeded
		done.Result = m.result
	}
	return done, nil
}

func (m *mockSubmitter) Get(_ context.Context, id string) (*task.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *mockSubmitter) Cancel(_ context.Context, id string) error {
	if _, ok := m.tasks[id]; !ok {
		return store.ErrNotFound
	}
	return m.cancelErr
}

type mockSearcher struct {
	results []papers.Paper
	err     error
}

func (m *mockSearcher) Search(_ context.Context, _ string, _ int) ([]papers.Paper, error) {
	return m.results, m.err
}

type mockReviewer struct {
	review *research.Review
	err    error
}

func (m *mockReviewer) Review(_ context.Context, _, _ string) (*research.Review, error) {
	return m.review, m.err
}

// --- helpers ---

func newTestMCPDeps() (MCPDeps, *mockSubmitter) {
	sub := newMockSubmitter()
	return MCPDeps{
		Submit:   sub,
		Searcher: &mockSearcher{},
		Reviewer: &mockReviewer{review: &research.Review{Verdict: "accept", Feedback: "good", Score: 8}},
		Version:  "test",
	}, sub
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_SearchPapers(t *testing.T) {
	deps, _ := newTestMCPDeps()
	deps.Searcher = &mockSearcher{results: []papers.Paper{
		{ID: "2401.01234v2", Title: "Halo Profiles", Summary: "We study halos."},
	}}
	handler := mcpSearchPapers(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_papers", map[string]interface{}{
		"keyword": "dark matter",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool errored: %s", toolText(t, result))
	}

	var found []papers.Paper
	if err := json.Unmarshal([]byte(toolText(t, result)), &found); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(found) != 1 || found[0].Title != "Halo Profiles" {
		t.Fatalf("unexpected results: %+v", found)
	}
}

func TestMCPTool_SearchPapers_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps()
	handler := mcpSearchPapers(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("search_papers", map[string]interface{}{
		"keyword": "nothing matches this",
	}))
	if got := toolText(t, result); got != "[]" {
		t.Fatalf("expected empty array, got %s", got)
	}
}

func TestMCPTool_SearchPapers_MissingKeyword(t *testing.T) {
	deps, _ := newTestMCPDeps()
	handler := mcpSearchPapers(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("search_papers", nil))
	if !result.IsError {
		t.Fatal("expected error for missing keyword")
	}
}

func TestMCPTool_GenerateIdea_ReturnsTaskID(t *testing.T) {
	deps, sub := newTestMCPDeps()
	handler := mcpGenerateIdea(deps)

	result, err := handler(context.Background(), makeCallToolRequest("generate_research_idea", map[string]interface{}{
		"topic":      "dark matter halos",
		"max_rounds": 2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool errored: %s", toolText(t, result))
	}

	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID == "" || resp.Status != string(task.StatusPending) {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != task.KindGenerateIdea {
		t.Fatalf("submitted kinds: %v", sub.submitted)
	}

	// The payload carries both topic and round budget.
	payload := string(sub.tasks[resp.TaskID].Payload)
	if !strings.Contains(payload, "dark matter halos") || !strings.Contains(payload, `"max_rounds":2`) {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestMCPTool_TaskStatus(t *testing.T) {
	deps, sub := newTestMCPDeps()
	sub.Submit(context.Background(), task.KindGenerateIdea, json.RawMessage(`{}`), submit.Options{})
	handler := mcpTaskStatus(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("get_task_status", map[string]interface{}{
		"task_id": "task-1",
	}))
	if result.IsError {
		t.Fatalf("tool errored: %s", toolText(t, result))
	}
	var view map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view["task_id"] != "task-1" || view["status"] != string(task.StatusPending) {
		t.Fatalf("unexpected view: %v", view)
	}
	if _, leaked := view["lease_until"]; leaked {
		t.Fatal("internal bookkeeping leaked into the task view")
	}
}

func TestMCPTool_TaskStatus_NotFound(t *testing.T) {
	deps, _ := newTestMCPDeps()
	handler := mcpTaskStatus(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("get_task_status", map[string]interface{}{
		"task_id": "missing",
	}))
	if !result.IsError {
		t.Fatal("expected error for unknown task")
	}
	if !strings.Contains(toolText(t, result), "missing") {
		t.Fatalf("unexpected message: %s", toolText(t, result))
	}
}

func TestMCPTool_CancelTask(t *testing.T) {
	deps, sub := newTestMCPDeps()
	sub.Submit(context.Background(), task.KindGenerateIdea, json.RawMessage(`{}`), submit.Options{})
	handler := mcpCancelTask(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("cancel_task", map[string]interface{}{
		"task_id": "task-1",
	}))
	if result.IsError {
		t.Fatalf("tool errored: %s", toolText(t, result))
	}

	sub.cancelErr = store.ErrConflict
	result, _ = handler(context.Background(), makeCallToolRequest("cancel_task", map[string]interface{}{
		"task_id": "task-1",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "already finished") {
		t.Fatalf("unexpected result: %s", toolText(t, result))
	}
}

func TestMCPTool_ReviewIdea(t *testing.T) {
	deps, _ := newTestMCPDeps()
	handler := mcpReviewIdea(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("review_research_idea", map[string]interface{}{
		"topic": "dark matter",
		"draft": "a lensing survey of dwarf galaxy halos",
	}))
	if result.IsError {
		t.Fatalf("tool errored: %s", toolText(t, result))
	}
	var rev research.Review
	if err := json.Unmarshal([]byte(toolText(t, result)), &rev); err != nil {
		t.Fatalf("decode review: %v", err)
	}
	if rev.Verdict != "accept" || rev.Score != 8 {
		t.Fatalf("unexpected review: %+v", rev)
	}
}

func TestMCPTool_ReviewIdea_NoReviewer(t *testing.T) {
	deps, _ := newTestMCPDeps()
	deps.Reviewer = nil
	handler := mcpReviewIdea(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("review_research_idea", map[string]interface{}{
		"draft": "an idea",
	}))
	if !result.IsError {
		t.Fatal("expected error with no reviewer configured")
	}
}

func TestMCPTool_ExtractKeywords_ReturnsResult(t *testing.T) {
	deps, sub := newTestMCPDeps()
	sub.result = json.RawMessage(`{"keywords":["dark matter","halo"]}`)
	handler := mcpExtractKeywords(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("extract_keywords", map[string]interface{}{
		"text": "an abstract about dark matter halos",
	}))
	if result.IsError {
		t.Fatalf("tool errored: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != `{"keywords":["dark matter","halo"]}` {
		t.Fatalf("unexpected result: %s", got)
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != task.KindExtractKeywords {
		t.Fatalf("submitted kinds: %v", sub.submitted)
	}
}

func TestMCPTool_CompressContent_SurfacesTaskError(t *testing.T) {
	deps, sub := newTestMCPDeps()
	sub.failWith = &task.Error{Kind: task.ErrKindPermanent, Message: "source document has no extractable text"}
	handler := mcpCompressContent(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("compress_paper_content", map[string]interface{}{
		"text": "x",
	}))
	if !result.IsError {
		t.Fatal("expected error from failed task")
	}
	if !strings.Contains(toolText(t, result), "no extractable text") {
		t.Fatalf("unexpected message: %s", toolText(t, result))
	}
}

func TestMCPTool_ServerInfo(t *testing.T) {
	deps, _ := newTestMCPDeps()
	handler := mcpServerInfo(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("get_server_info", nil))
	if result.IsError {
		t.Fatalf("tool errored: %s", toolText(t, result))
	}
	var info struct {
		Name    string   `json:"name"`
		Version string   `json:"version"`
		Tools   []string `json:"tools"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Name != "astroinsight" || info.Version != "test" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if len(info.Tools) != 8 {
		t.Fatalf("tools = %v", info.Tools)
	}
}
