package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/insight/internal/capture"
	"github.com/hpungsan/insight/internal/config"
	"github.com/hpungsan/insight/internal/db"
	"github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/ratelimit"
	"github.com/hpungsan/insight/internal/state"
)

const maxRunsLimit = 200

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	svc Services
	cfg *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc Services, cfg *config.Config) *Handlers {
	return &Handlers{svc: svc, cfg: cfg}
}

// Request types for each tool

// IDRequest addresses one bookmark.
type IDRequest struct {
	ID string `json:"id"`
}

// ArtifactRequest represents the arguments for artifact_get.
type ArtifactRequest struct {
	ID             string `json:"id"`
	IncludeContent bool   `json:"include_content,omitempty"`
}

// RunsRequest represents the arguments for runs_list.
type RunsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// Response types

// StatsOutput is the result of stats.
type StatsOutput struct {
	State       state.Stats                                    `json:"state"`
	CachedLinks int                                            `json:"cached_links"`
	RateLimits  map[ratelimit.Category]ratelimit.CategoryStats `json:"rate_limits,omitempty"`
}

// ReviewItem is one flagged bookmark.
type ReviewItem struct {
	ID        string `json:"id"`
	LastError string `json:"last_error,omitempty"`
}

// ReviewListOutput is the result of review_list.
type ReviewListOutput struct {
	Items []ReviewItem `json:"items"`
	Count int          `json:"count"`
}

// RecordOutput is the result of record_get.
type RecordOutput struct {
	ID     string        `json:"id"`
	Record *state.Record `json:"record"`
}

// RetryOutput is the result of review_retry.
type RetryOutput struct {
	Results   map[string]string `json:"results"`
	Attempted int               `json:"attempted"`
}

// RunsOutput is the result of runs_list.
type RunsOutput struct {
	Runs []db.Run `json:"runs"`
}

// Handler implementations

// HandleStats handles the stats tool call.
func (h *Handlers) HandleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := StatsOutput{State: h.svc.State.Stats()}
	if h.svc.DB != nil {
		n, err := db.CountLinks(h.svc.DB)
		if err != nil {
			return errorResult(err), nil
		}
		out.CachedLinks = n
	}
	if h.svc.Limiter != nil {
		out.RateLimits = h.svc.Limiter.Stats()
	}
	return successResult(out)
}

// HandleReviewList handles the review_list tool call.
func (h *Handlers) HandleReviewList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := h.svc.State.ListFlaggedForReview()
	out := ReviewListOutput{Items: make([]ReviewItem, 0, len(ids))}
	for _, id := range ids {
		item := ReviewItem{ID: id}
		if rec, ok := h.svc.State.Get(id); ok && rec.LastError != nil {
			item.LastError = *rec.LastError
		}
		out.Items = append(out.Items, item)
	}
	out.Count = len(out.Items)
	return successResult(out)
}

// HandleRecordGet handles the record_get tool call.
func (h *Handlers) HandleRecordGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decodeID[IDRequest](req, func(r IDRequest) string { return r.ID })
	if err != nil {
		return errorResult(err), nil
	}

	rec, ok := h.svc.State.Get(input.ID)
	if !ok {
		return errorResult(errors.NewNotFound(input.ID)), nil
	}
	return successResult(RecordOutput{ID: input.ID, Record: rec})
}

// HandleArtifactGet handles the artifact_get tool call.
func (h *Handlers) HandleArtifactGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decodeID[ArtifactRequest](req, func(r ArtifactRequest) string { return r.ID })
	if err != nil {
		return errorResult(err), nil
	}

	a, err := h.svc.Artifacts.Load(input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	if !input.IncludeContent {
		stripContent(a)
	}
	return successResult(a)
}

// HandleReviewRetry handles the review_retry tool call.
func (h *Handlers) HandleReviewRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.svc.Pipeline == nil {
		return errorResult(errors.NewConfig("no reasoning provider configured")), nil
	}
	results, err := h.svc.Pipeline.RetryReviews(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(RetryOutput{Results: results, Attempted: len(results)})
}

// HandleReprocess handles the reprocess tool call.
func (h *Handlers) HandleReprocess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decodeID[IDRequest](req, func(r IDRequest) string { return r.ID })
	if err != nil {
		return errorResult(err), nil
	}
	if h.svc.Pipeline == nil {
		return errorResult(errors.NewConfig("no reasoning provider configured")), nil
	}

	res, err := h.svc.Pipeline.Reprocess(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(res)
}

// HandleRunsList handles the runs_list tool call.
func (h *Handlers) HandleRunsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RunsRequest](req)
	if err != nil {
		return errorResult(errors.NewMalformed("invalid arguments", err)), nil
	}
	if h.svc.DB == nil {
		return errorResult(errors.NewConfig("run history database not open")), nil
	}
	if input.Limit > maxRunsLimit {
		input.Limit = maxRunsLimit
	}

	runs, err := db.ListRuns(h.svc.DB, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}
	if runs == nil {
		runs = []db.Run{}
	}
	return successResult(RunsOutput{Runs: runs})
}

// stripContent drops the bulky fetched text, keeping structure and errors.
func stripContent(a *capture.Artifact) {
	for i := range a.Links {
		a.Links[i].Content = ""
	}
	for i := range a.Images {
		a.Images[i].SecondaryContent = ""
	}
	a.Transcript = ""
	if a.Quoted != nil {
		stripContent(a.Quoted)
	}
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var pErr *errors.ProcessorError
	if stderrors.As(err, &pErr) {
		errorObj := map[string]any{
			"code":      pErr.Kind,
			"message":   err.Error(),
			"retryable": pErr.Retryable,
		}
		if pErr.Kind != errors.ErrInternal && pErr.Details != nil {
			errorObj["details"] = pErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":      errors.ErrInternal,
				"message":   "an internal error occurred",
				"retryable": false,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
