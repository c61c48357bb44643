package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/scopedrag/internal/eval"
	"github.com/kalambet/scopedrag/internal/processor"
	"github.com/kalambet/scopedrag/internal/retrieval"
	"github.com/kalambet/scopedrag/internal/storage"
)

// MemoSubmitter is satisfied by *processor.Processor.
type MemoSubmitter interface {
	Submit(ctx context.Context, req processor.SubmitRequest) (processor.SubmitResult, error)
}

// MemoReader looks up memo state for the memo_status tool.
type MemoReader interface {
	GetMemo(ctx context.Context, id string) (storage.Memo, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Memos     MemoReader
	Submitter MemoSubmitter
	Retriever Retriever
	Eval      Evaluator
	Version   string
}

// NewMCPServer creates an MCP server with the memo, retrieval and
// evaluation tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"scopedrag",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions("scopedrag: scope-aware retrieval over project memos, with offline evaluation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_memo",
			mcp.WithDescription("Queue a memo for processing into a project's retrieval index."),
			mcp.WithString("project_id", mcp.Description("Project the memo belongs to"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Memo body"), mcp.Required()),
			mcp.WithString("content_type", mcp.Description("text, markdown, html or pdf (default text)")),
			mcp.WithString("external_id", mcp.Description("Caller id; resubmitting the same id is a no-op")),
			mcp.WithArray("scopes", mcp.Description("Scope tags required to see this memo")),
		),
		mcpSubmitMemo(deps),
	)

	s.AddTool(
		mcp.NewTool("memo_status",
			mcp.WithDescription("Report a memo's processing status."),
			mcp.WithString("memo_id", mcp.Description("Memo id returned by submit_memo"), mcp.Required()),
		),
		mcpMemoStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("retrieve",
			mcp.WithDescription("Search a project's processed memos visible to the given scopes."),
			mcp.WithString("project_id", mcp.Description("Project to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithArray("scopes", mcp.Description("Scopes the caller holds")),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of results (default from project)")),
			mcp.WithBoolean("rewrite", mcp.Description("Override the project's query rewrite setting")),
		),
		mcpRetrieve(deps),
	)

	s.AddTool(
		mcp.NewTool("run_evaluation",
			mcp.WithDescription("Replay an evaluation dataset through retrieval and report metrics."),
			mcp.WithString("dataset_id", mcp.Description("Dataset to run"), mcp.Required()),
			mcp.WithBoolean("rewrite", mcp.Description("Rewrite queries before retrieval")),
			mcp.WithNumber("top_k", mcp.Description("Results per query (default from project)")),
			mcp.WithArray("metrics", mcp.Description("Metric names, e.g. precision@k, recall@k, mrr")),
			mcp.WithBoolean("persist", mcp.Description("Store the run for later comparison")),
		),
		mcpRunEvaluation(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"scopedrag://metrics",
			"Evaluation Metrics",
			mcp.WithResourceDescription("Metric names accepted by run_evaluation"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMetrics,
	)

	return s
}

func mcpSubmitMemo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		res, err := deps.Submitter.Submit(ctx, processor.SubmitRequest{
			ProjectID:   projectID,
			ExternalID:  req.GetString("external_id", ""),
			Content:     content,
			ContentType: req.GetString("content_type", ""),
			Scopes:      req.GetStringSlice("scopes", nil),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		if !res.Created {
			return mcpText(fmt.Sprintf("Memo %s already exists", res.ID)), nil
		}
		return mcpText(fmt.Sprintf("Queued memo %s", res.ID)), nil
	}
}

func mcpMemoStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("memo_id")
		if err != nil {
			return mcpError("memo_id is required"), nil
		}
		m, err := deps.Memos.GetMemo(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("memo %s: %v", id, err)), nil
		}
		out := map[string]any{"id": m.ID, "status": m.Status, "attempts": m.Attempts}
		if m.ProcessingError != "" {
			out["processing_error"] = m.ProcessingError
		}
		return mcpJSON(out)
	}
}

func mcpRetrieve(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		rreq := retrieval.Request{
			ProjectID: projectID,
			Query:     query,
			Scopes:    req.GetStringSlice("scopes", nil),
			TopK:      req.GetInt("top_k", 0),
		}
		if v, ok := req.GetArguments()["rewrite"].(bool); ok {
			rreq.Rewrite = &v
		}
		resp, err := deps.Retriever.Retrieve(ctx, rreq)
		if err != nil {
			return mcpError(fmt.Sprintf("retrieve failed: %v", err)), nil
		}
		if resp.Hits == nil {
			resp.Hits = []retrieval.Hit{}
		}
		return mcpJSON(resp)
	}
}

func mcpRunEvaluation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		datasetID, err := req.RequireString("dataset_id")
		if err != nil {
			return mcpError("dataset_id is required"), nil
		}
		run, err := deps.Eval.Run(ctx, datasetID, eval.PipelineConfig{
			Rewrite: req.GetBool("rewrite", false),
			TopK:    req.GetInt("top_k", 0),
			Metrics: req.GetStringSlice("metrics", nil),
			Persist: req.GetBool("persist", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("evaluation failed: %v", err)), nil
		}
		// Per-case detail stays in the run; the tool reports the summary.
		return mcpJSON(map[string]any{
			"id":           run.ID,
			"status":       run.Status,
			"aggregate":    run.Aggregate,
			"cases_total":  run.CasesTotal,
			"cases_scored": run.CasesScored,
			"cases_failed": run.CasesFailed,
			"config":       run.Config,
		})
	}
}

func mcpResourceMetrics(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(eval.KnownMetrics())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
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
