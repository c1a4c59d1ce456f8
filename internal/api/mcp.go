package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/astroinsight/astroinsight/internal/papers"
	"github.com/astroinsight/astroinsight/internal/research"
	"github.com/astroinsight/astroinsight/internal/review"
	"github.com/astroinsight/astroinsight/internal/store"
	"github.com/astroinsight/astroinsight/internal/submit"
	"github.com/astroinsight/astroinsight/internal/task"
)

// syncToolWait bounds how long a synchronous tool call waits for its task.
// Cache hits return immediately; fresh work gets this long before the tool
// hands back a task ID instead.
const syncToolWait = 90 * time.Second

// Submitter abstracts the task intake service for the API layer.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload json.RawMessage, opts submit.Options) (*task.Task, error)
	Await(ctx context.Context, id string, poll time.Duration) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) error
}

// IdeaReviewer abstracts the synchronous review path.
type IdeaReviewer interface {
	Review(ctx context.Context, topic, idea string) (*research.Review, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Submit   Submitter
	Searcher papers.Searcher
	Reviewer IdeaReviewer // optional; if nil, review_research_idea returns an error
	Version  string
}

// NewMCPServer creates an MCP server with all research tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"astroinsight",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("AstroInsight is an asynchronous astrophysics research assistant: literature search, idea generation with peer review, keyword extraction, and paper compression."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_papers",
			mcp.WithDescription("Search arXiv for papers matching a keyword and return titles, abstracts and PDF links."),
			mcp.WithString("keyword", mcp.Description("Search keyword or phrase"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of papers (default 5)")),
		),
		mcpSearchPapers(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_research_idea",
			mcp.WithDescription("Start asynchronous generation of a research idea for a topic. The idea is drafted, peer-reviewed and refined over multiple rounds. Returns a task ID to poll with get_task_status."),
			mcp.WithString("topic", mcp.Description("Research topic to generate an idea for"), mcp.Required()),
			mcp.WithNumber("max_rounds", mcp.Description("Maximum review rounds (default 3)")),
		),
		mcpGenerateIdea(deps),
	)

	s.AddTool(
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Poll an asynchronous task. Returns its status, and the result or error once it is finished."),
			mcp.WithString("task_id", mcp.Description("Task ID returned by an asynchronous tool"), mcp.Required()),
		),
		mcpTaskStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Request cancellation of a pending or running task."),
			mcp.WithString("task_id", mcp.Description("Task ID to cancel"), mcp.Required()),
		),
		mcpCancelTask(deps),
	)

	s.AddTool(
		mcp.NewTool("review_research_idea",
			mcp.WithDescription("Review a drafted research idea and return a verdict, feedback and a 0-10 score."),
			mcp.WithString("topic", mcp.Description("Research topic the idea belongs to")),
			mcp.WithString("draft", mcp.Description("The drafted idea to review"), mcp.Required()),
		),
		mcpReviewIdea(deps),
	)

	s.AddTool(
		mcp.NewTool("extract_keywords",
			mcp.WithDescription("Extract search keywords from scientific text. Results are cached by content."),
			mcp.WithString("text", mcp.Description("Text to extract keywords from"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of keywords (default 10)")),
		),
		mcpExtractKeywords(deps),
	)

	s.AddTool(
		mcp.NewTool("compress_paper_content",
			mcp.WithDescription("Compress paper text or an arXiv PDF into a short faithful summary. Results are cached by content."),
			mcp.WithString("text", mcp.Description("Paper text to compress")),
			mcp.WithString("pdf_url", mcp.Description("PDF URL to download and compress instead of text")),
			mcp.WithNumber("target_words", mcp.Description("Approximate summary length in words (default 300)")),
		),
		mcpCompressContent(deps),
	)

	s.AddTool(
		mcp.NewTool("get_server_info",
			mcp.WithDescription("Describe this server and the tools it offers."),
		),
		mcpServerInfo(deps),
	)

	return s
}

func mcpSearchPapers(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		keyword, err := req.RequireString("keyword")
		if err != nil {
			return mcpError("keyword is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		found, err := deps.Searcher.Search(ctx, keyword, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(found) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(found)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGenerateIdea(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcpError("topic is required"), nil
		}
		payload, err := json.Marshal(review.GeneratePayload{
			Topic:     topic,
			MaxRounds: req.GetInt("max_rounds", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal payload: %v", err)), nil
		}

		t, err := deps.Submit.Submit(ctx, task.KindGenerateIdea, payload, submit.Options{})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit task: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"task_id": t.ID,
			"status":  t.Status,
			"message": "idea generation started; poll with get_task_status",
		})
	}
}

func mcpTaskStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		t, err := deps.Submit.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return mcpError(fmt.Sprintf("no task with ID %s", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to load task: %v", err)), nil
		}
		return mcpJSON(taskView(t))
	}
}

func mcpCancelTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		if err := deps.Submit.Cancel(ctx, id); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				return mcpError(fmt.Sprintf("no task with ID %s", id)), nil
			case errors.Is(err, store.ErrConflict):
				return mcpError(fmt.Sprintf("task %s already finished", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to cancel: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancellation requested for task %s", id)), nil
	}
}

func mcpReviewIdea(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Reviewer == nil {
			return mcpError("review not available: no model configured"), nil
		}
		draft, err := req.RequireString("draft")
		if err != nil {
			return mcpError("draft is required"), nil
		}
		topic := req.GetString("topic", "")

		rev, err := deps.Reviewer.Review(ctx, topic, draft)
		if err != nil {
			return mcpError(fmt.Sprintf("review failed: %v", err)), nil
		}
		return mcpJSON(rev)
	}
}

func mcpExtractKeywords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		payload, err := json.Marshal(research.KeywordsPayload{
			Text:  text,
			Limit: req.GetInt("limit", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal payload: %v", err)), nil
		}
		return runSyncTool(ctx, deps, task.KindExtractKeywords, payload)
	}
}

func mcpCompressContent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload, err := json.Marshal(research.CompressPayload{
			Text:        req.GetString("text", ""),
			PDFURL:      req.GetString("pdf_url", ""),
			TargetWords: req.GetInt("target_words", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal payload: %v", err)), nil
		}
		return runSyncTool(ctx, deps, task.KindCompressContent, payload)
	}
}

func mcpServerInfo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(map[string]any{
			"name":    "astroinsight",
			"version": deps.Version,
			"tools": []string{
				"search_papers",
				"generate_research_idea",
				"get_task_status",
				"cancel_task",
				"review_research_idea",
				"extract_keywords",
				"compress_paper_content",
				"get_server_info",
			},
		})
	}
}

// runSyncTool submits a task and waits for it inline. If the task outlives
// the wait budget the task ID is returned so the caller can keep polling.
func runSyncTool(ctx context.Context, deps MCPDeps, kind string, payload json.RawMessage) (*mcp.CallToolResult, error) {
	t, err := deps.Submit.Submit(ctx, kind, payload, submit.Options{})
	if err != nil {
		return mcpError(fmt.Sprintf("failed to submit task: %v", err)), nil
	}
	wctx, cancel := context.WithTimeout(ctx, syncToolWait)
	defer cancel()
	done, err := deps.Submit.Await(wctx, t.ID, 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return mcpJSON(map[string]any{
				"task_id": t.ID,
				"status":  task.StatusRunning,
				"message": "still working; poll with get_task_status",
			})
		}
		return mcpError(fmt.Sprintf("failed to await task: %v", err)), nil
	}
	if done.Status != task.StatusSucceeded {
		msg := "task did not succeed"
		if done.Error != nil {
			msg = done.Error.Message
		}
		return mcpError(msg), nil
	}
	return mcpText(string(done.Result)), nil
}

// taskView is the task shape exposed to clients. Internal bookkeeping
// columns stay internal.
func taskView(t *task.Task) map[string]any {
	v := map[string]any{
		"task_id":    t.ID,
		"kind":       t.Kind,
		"status":     t.Status,
		"attempt":    t.Attempt,
		"created_at": t.CreatedAt.Format(time.RFC3339),
		"updated_at": t.UpdatedAt.Format(time.RFC3339),
	}
	if len(t.Result) > 0 {
		v["result"] = json.RawMessage(t.Result)
	}
	if t.Error != nil {
		v["error"] = t.Error
	}
	if t.ParentID != "" {
		v["parent_id"] = t.ParentID
	}
	return v
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
