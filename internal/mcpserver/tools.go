package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"ragnotes/internal/assembler"
	"ragnotes/internal/blocks"
	"ragnotes/internal/domain"
	"ragnotes/internal/service"
)

const maxResults = 20

func clampLimit(n int) int {
	if n <= 0 {
		return 5
	}
	if n > maxResults {
		return maxResults
	}
	return n
}

func formatResults(header string, results []service.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d blocks:\n", header, len(results))
	for _, r := range results {
		kind := "substring"
		if r.Semantic {
			kind = "semantic"
		}
		fmt.Fprintf(&b, "\n^%s (%s %.3f) %s:%d\n%s\n", r.Block.ID, kind, r.Score, r.Block.SourceFile, r.Block.SourceLine, r.Block.Content)
	}
	return b.String()
}

// SearchTool handles the block_search MCP tool.
type SearchTool struct {
	svc *service.Service
}

func NewSearchTool(svc *service.Service) *SearchTool {
	return &SearchTool{svc: svc}
}

func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("block_search",
		mcp.WithDescription("Search note blocks. Uses semantic ranking when the embeddings worker is running, substring matching otherwise."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Text to search for"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 5, max: 20)"),
		),
	)
}

func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	results, err := t.svc.Search(ctx, query, clampLimit(intArg(req, "limit", 5)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No blocks found matching your query."), nil
	}
	return mcp.NewToolResultText(formatResults("Found", results)), nil
}

// GetTool handles the block_get MCP tool.
type GetTool struct {
	svc *service.Service
}

func NewGetTool(svc *service.Service) *GetTool {
	return &GetTool{svc: svc}
}

func (t *GetTool) Definition() mcp.Tool {
	return mcp.NewTool("block_get",
		mcp.WithDescription("Read one block by id."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Block id, with or without the leading ^"),
		),
	)
}

func (t *GetTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimPrefix(req.GetString("id", ""), "^")
	if id == "" {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	b, err := t.svc.Get(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s\n\n(%s:%d)", blocks.Format(b.ID, b.Content), b.SourceFile, b.SourceLine)), nil
}

// SimilarTool handles the block_similar MCP tool.
type SimilarTool struct {
	svc *service.Service
}

func NewSimilarTool(svc *service.Service) *SimilarTool {
	return &SimilarTool{svc: svc}
}

func (t *SimilarTool) Definition() mcp.Tool {
	return mcp.NewTool("block_similar",
		mcp.WithDescription("Rank blocks by semantic similarity to a query. Requires the embeddings worker."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language query"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 5, max: 20)"),
		),
	)
}

func (t *SimilarTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	results, err := t.svc.Similar(ctx, query, clampLimit(intArg(req, "limit", 5)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("similarity search unavailable: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No blocks indexed."), nil
	}
	return mcp.NewToolResultText(formatResults("Ranked", results)), nil
}

// ContextTool handles the context_build MCP tool.
type ContextTool struct {
	svc *service.Service
}

func NewContextTool(svc *service.Service) *ContextTool {
	return &ContextTool{svc: svc}
}

func (t *ContextTool) Definition() mcp.Tool {
	return mcp.NewTool("context_build",
		mcp.WithDescription("Assemble prompt context: always-include files, the working document, blocks it references, "+
			"semantically related blocks, then long-term notes."),
		mcp.WithString("query",
			mcp.Description("Active question or topic"),
		),
		mcp.WithString("document",
			mcp.Description("Content of the document being worked on"),
		),
		mcp.WithString("document_name",
			mcp.Description("Name shown for the working document (default: working)"),
		),
	)
}

func (t *ContextTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r := assembler.Request{Query: req.GetString("query", "")}
	if doc := req.GetString("document", ""); doc != "" {
		r.Working = &domain.Document{Name: req.GetString("document_name", "working"), Content: doc}
	}
	if r.Query == "" && r.Working == nil {
		return mcp.NewToolResultError("provide 'query' or 'document'"), nil
	}
	out, err := t.svc.BuildContext(ctx, r)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context assembly failed: %v", err)), nil
	}
	if out.Text == "" {
		return mcp.NewToolResultText("Nothing relevant found."), nil
	}
	return mcp.NewToolResultText(out.Text), nil
}

// IDTool handles the block_new_id MCP tool.
type IDTool struct {
	svc *service.Service
}

func NewIDTool(svc *service.Service) *IDTool {
	return &IDTool{svc: svc}
}

func (t *IDTool) Definition() mcp.Tool {
	return mcp.NewTool("block_new_id",
		mcp.WithDescription("Generate an unused block id for a new [content]^id block."),
	)
}

func (t *IDTool) Handle(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(t.svc.NewID()), nil
}
