package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/insight/internal/capture"
	"github.com/hpungsan/insight/internal/config"
	"github.com/hpungsan/insight/internal/db"
	"github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/pipeline"
	"github.com/hpungsan/insight/internal/ratelimit"
	"github.com/hpungsan/insight/internal/state"
)

type fakePipeline struct {
	retried   int
	reprocess []string
	results   map[string]string
	err       error
}

func (f *fakePipeline) RetryReviews(ctx context.Context) (map[string]string, error) {
	f.retried++
	return f.results, f.err
}

func (f *fakePipeline) Reprocess(ctx context.Context, id string) (pipeline.Result, error) {
	f.reprocess = append(f.reprocess, id)
	if f.err != nil {
		return pipeline.Result{ID: id, Status: pipeline.StatusFailed}, f.err
	}
	return pipeline.Result{ID: id, Status: pipeline.StatusProcessed, OutputLocation: "/notes/" + id + ".md"}, nil
}

// testSetup creates temporary stores and config for testing.
func testSetup(t *testing.T) (Services, *config.Config, *fakePipeline) {
	t.Helper()

	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	st, err := state.Open(filepath.Join(tmpDir, "state.json"), nil)
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}

	fp := &fakePipeline{results: map[string]string{}}
	svc := Services{
		State:     st,
		Artifacts: capture.NewArtifactStore(filepath.Join(tmpDir, "artifacts")),
		DB:        database,
		Limiter:   ratelimit.New(ratelimit.DefaultConfigs()),
		Pipeline:  fp,
	}
	return svc, config.DefaultConfig(), fp
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func TestHandleStats(t *testing.T) {
	svc, cfg, _ := testSetup(t)
	h := NewHandlers(svc, cfg)

	if err := svc.State.MarkStageDone("1", state.StageCapture, nil); err != nil {
		t.Fatalf("MarkStageDone: %v", err)
	}
	if err := svc.State.MarkError("2", "boom", true); err != nil {
		t.Fatalf("MarkError: %v", err)
	}

	result, err := h.HandleStats(context.Background(), makeRequest(nil))
	if err != nil {
		t.Fatalf("HandleStats error: %v", err)
	}
	output := parseOutput(t, result)

	st := output["state"].(map[string]any)
	if st["total"].(float64) != 2 {
		t.Errorf("total = %v, want 2", st["total"])
	}
	if st["needs_review"].(float64) != 1 {
		t.Errorf("needs_review = %v, want 1", st["needs_review"])
	}
	if st["in_progress"].(float64) != 1 {
		t.Errorf("in_progress = %v, want 1", st["in_progress"])
	}
	if output["cached_links"].(float64) != 0 {
		t.Errorf("cached_links = %v, want 0", output["cached_links"])
	}
	if _, ok := output["rate_limits"].(map[string]any)["llm"]; !ok {
		t.Error("rate_limits missing llm category")
	}
}

func TestHandleReviewList(t *testing.T) {
	svc, cfg, _ := testSetup(t)
	h := NewHandlers(svc, cfg)

	t.Run("empty", func(t *testing.T) {
		result, _ := h.HandleReviewList(context.Background(), makeRequest(nil))
		output := parseOutput(t, result)
		if output["count"].(float64) != 0 {
			t.Errorf("count = %v, want 0", output["count"])
		}
		if items := output["items"].([]any); len(items) != 0 {
			t.Errorf("items = %v, want empty", items)
		}
	})

	t.Run("flagged items with errors", func(t *testing.T) {
		_ = svc.State.MarkError("b", "MALFORMED: bad json", true)
		_ = svc.State.MarkError("a", "NOT_FOUND: gone", true)
		_ = svc.State.MarkError("c", "not flagged", false)

		result, _ := h.HandleReviewList(context.Background(), makeRequest(nil))
		output := parseOutput(t, result)
		items := output["items"].([]any)
		if len(items) != 2 {
			t.Fatalf("items length = %d, want 2", len(items))
		}
		first := items[0].(map[string]any)
		if first["id"] != "a" || first["last_error"] != "NOT_FOUND: gone" {
			t.Errorf("items[0] = %v", first)
		}
	})
}

func TestHandleRecordGet(t *testing.T) {
	svc, cfg, _ := testSetup(t)
	h := NewHandlers(svc, cfg)

	_ = svc.State.MarkStageDone("42", state.StageCapture, nil)
	_ = svc.State.MarkStageDone("42", state.StageDistill, map[string]string{state.MetaOutputLocation: "/notes/x.md"})

	t.Run("found", func(t *testing.T) {
		result, err := h.HandleRecordGet(context.Background(), makeRequest(map[string]any{"id": "42"}))
		if err != nil {
			t.Fatalf("HandleRecordGet error: %v", err)
		}
		output := parseOutput(t, result)
		rec := output["record"].(map[string]any)
		if rec["output_location"] != "/notes/x.md" {
			t.Errorf("output_location = %v", rec["output_location"])
		}
		stages := rec["stage_status"].(map[string]any)
		if stages["distill"].(map[string]any)["status"] != "done" {
			t.Errorf("distill status = %v", stages["distill"])
		}
	})

	t.Run("not found", func(t *testing.T) {
		result, _ := h.HandleRecordGet(context.Background(), makeRequest(map[string]any{"id": "nope"}))
		assertErrorCode(t, result, string(errors.ErrNotFound))
	})

	t.Run("missing id", func(t *testing.T) {
		result, _ := h.HandleRecordGet(context.Background(), makeRequest(map[string]any{"id": "  "}))
		assertErrorCode(t, result, string(errors.ErrMalformed))
	})

	t.Run("wrong type", func(t *testing.T) {
		result, _ := h.HandleRecordGet(context.Background(), makeRequest(map[string]any{"id": 42}))
		assertErrorCode(t, result, string(errors.ErrMalformed))
	})
}

func TestHandleArtifactGet(t *testing.T) {
	svc, cfg, _ := testSetup(t)
	h := NewHandlers(svc, cfg)

	a := &capture.Artifact{
		SchemaVersion: capture.SchemaVersion,
		ItemID:        "42",
		PrimaryText:   "see link",
		Links:         []capture.ResolvedLink{{OriginalURL: "https://example.com", Content: "long body"}},
		Transcript:    "spoken words",
	}
	if err := svc.Artifacts.Save(a); err != nil {
		t.Fatalf("Save: %v", err)
	}

	t.Run("content stripped by default", func(t *testing.T) {
		result, _ := h.HandleArtifactGet(context.Background(), makeRequest(map[string]any{"id": "42"}))
		output := parseOutput(t, result)
		if output["primary_text"] != "see link" {
			t.Errorf("primary_text = %v", output["primary_text"])
		}
		link := output["links"].([]any)[0].(map[string]any)
		if _, ok := link["content"]; ok {
			t.Error("link content should be omitted")
		}
		if _, ok := output["transcript"]; ok {
			t.Error("transcript should be omitted")
		}
	})

	t.Run("include content", func(t *testing.T) {
		result, _ := h.HandleArtifactGet(context.Background(), makeRequest(map[string]any{"id": "42", "include_content": true}))
		output := parseOutput(t, result)
		link := output["links"].([]any)[0].(map[string]any)
		if link["content"] != "long body" {
			t.Errorf("content = %v", link["content"])
		}
		if output["transcript"] != "spoken words" {
			t.Errorf("transcript = %v", output["transcript"])
		}
	})

	t.Run("missing artifact", func(t *testing.T) {
		result, _ := h.HandleArtifactGet(context.Background(), makeRequest(map[string]any{"id": "7"}))
		assertErrorCode(t, result, string(errors.ErrNotFound))
	})
}

func TestHandleReviewRetry(t *testing.T) {
	svc, cfg, fp := testSetup(t)
	h := NewHandlers(svc, cfg)
	fp.results = map[string]string{"1": "success", "2": "error: MALFORMED: bad"}

	result, _ := h.HandleReviewRetry(context.Background(), makeRequest(nil))
	output := parseOutput(t, result)
	if output["attempted"].(float64) != 2 {
		t.Errorf("attempted = %v, want 2", output["attempted"])
	}
	results := output["results"].(map[string]any)
	if results["1"] != "success" {
		t.Errorf("results[1] = %v", results["1"])
	}
	if fp.retried != 1 {
		t.Errorf("RetryReviews calls = %d, want 1", fp.retried)
	}

	fp.err = errors.NewConfig("missing api key")
	result, _ = h.HandleReviewRetry(context.Background(), makeRequest(nil))
	assertErrorCode(t, result, string(errors.ErrConfig))
}

func TestHandleReviewRetry_NoPipeline(t *testing.T) {
	svc, cfg, _ := testSetup(t)
	svc.Pipeline = nil
	h := NewHandlers(svc, cfg)

	result, _ := h.HandleReviewRetry(context.Background(), makeRequest(nil))
	assertErrorCode(t, result, string(errors.ErrConfig))
}

func TestHandleReprocess(t *testing.T) {
	svc, cfg, fp := testSetup(t)
	h := NewHandlers(svc, cfg)

	result, _ := h.HandleReprocess(context.Background(), makeRequest(map[string]any{"id": "9"}))
	output := parseOutput(t, result)
	if output["status"] != pipeline.StatusProcessed {
		t.Errorf("status = %v", output["status"])
	}
	if len(fp.reprocess) != 1 || fp.reprocess[0] != "9" {
		t.Errorf("reprocess calls = %v", fp.reprocess)
	}

	result, _ = h.HandleReprocess(context.Background(), makeRequest(map[string]any{}))
	assertErrorCode(t, result, string(errors.ErrMalformed))

	fp.err = errors.NewNotFound("artifact 9")
	result, _ = h.HandleReprocess(context.Background(), makeRequest(map[string]any{"id": "9"}))
	assertErrorCode(t, result, string(errors.ErrNotFound))
}

func TestHandleRunsList(t *testing.T) {
	svc, cfg, _ := testSetup(t)
	h := NewHandlers(svc, cfg)

	result, _ := h.HandleRunsList(context.Background(), makeRequest(nil))
	output := parseOutput(t, result)
	if runs := output["runs"].([]any); len(runs) != 0 {
		t.Fatalf("runs = %v, want empty", runs)
	}

	for i, id := range []string{"r1", "r2", "r3"} {
		if err := db.InsertRun(svc.DB, id, "run", "", int64(100+i)); err != nil {
			t.Fatalf("InsertRun: %v", err)
		}
	}

	result, _ = h.HandleRunsList(context.Background(), makeRequest(map[string]any{"limit": 2}))
	output = parseOutput(t, result)
	runs := output["runs"].([]any)
	if len(runs) != 2 {
		t.Fatalf("runs length = %d, want 2", len(runs))
	}
	if runs[0].(map[string]any)["id"] != "r3" {
		t.Errorf("runs[0] = %v, want newest first", runs[0])
	}
}

func TestServerRegistration(t *testing.T) {
	svc, cfg, _ := testSetup(t)

	s := NewServer(svc, cfg, "test")
	tools := s.ListTools()
	if tools == nil {
		t.Fatal("expected tools to be registered, got nil")
	}

	expectedTools := []string{
		"insight_stats",
		"insight_review_list",
		"insight_record_get",
		"insight_artifact_get",
		"insight_review_retry",
		"insight_reprocess",
		"insight_runs_list",
	}

	if len(tools) != len(expectedTools) {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(expectedTools))
	}

	for _, name := range expectedTools {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing registered tool: %s", name)
		}
	}
}

func TestServerRegistration_WithDisabledTools(t *testing.T) {
	svc, cfg, _ := testSetup(t)

	cfg.DisabledTools = []string{"insight_review_retry", "insight_reprocess", "insight_reprocess"}
	s := NewServer(svc, cfg, "test")
	tools := s.ListTools()

	if len(tools) != 5 {
		t.Errorf("registered tool count = %d, want 5", len(tools))
	}
	for _, name := range []string{"insight_review_retry", "insight_reprocess"} {
		if _, ok := tools[name]; ok {
			t.Errorf("disabled tool %q should not be registered", name)
		}
	}
}

func TestServerRegistration_AllToolsDisabled(t *testing.T) {
	svc, cfg, _ := testSetup(t)

	cfg.DisabledTools = AllToolNames()
	s := NewServer(svc, cfg, "test")
	if tools := s.ListTools(); len(tools) != 0 {
		t.Errorf("registered tool count = %d, want 0 (all disabled)", len(tools))
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{
			name:    "all valid",
			input:   []string{"insight_stats", "insight_runs_list"},
			wantLen: 0,
		},
		{
			name:    "one unknown",
			input:   []string{"insight_stats", "insight_note_delete"},
			wantLen: 1,
		},
		{
			name:    "empty list",
			input:   []string{},
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unknown := ValidateDisabledTools(tt.input)
			if len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(errors.NewInternal(fmt.Errorf("open /tmp/secret.db: permission denied")))
	if !r.IsError {
		t.Fatal("expected IsError=true")
	}

	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
}

func TestErrorResult_WrappedErrorPreservesContext(t *testing.T) {
	wrapped := fmt.Errorf("distill 42: %w", errors.NewRateLimited("gemini", nil))

	errObj := errorObject(t, errorResult(wrapped))
	if errObj["code"] != string(errors.ErrRateLimited) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrRateLimited)
	}
	if errObj["retryable"] != true {
		t.Errorf("retryable=%v, want true", errObj["retryable"])
	}
	if msg := errObj["message"].(string); !strings.Contains(msg, "distill 42") {
		t.Errorf("message should contain wrapper context, got: %s", msg)
	}
}

func TestErrorResult_PlainError(t *testing.T) {
	errObj := errorObject(t, errorResult(fmt.Errorf("secret path")))
	if errObj["code"] != string(errors.ErrInternal) {
		t.Errorf("code=%v, want INTERNAL", errObj["code"])
	}
	if errObj["message"] != "an internal error occurred" {
		t.Errorf("message=%v", errObj["message"])
	}
}

// Helper functions

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func errorObject(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in payload: %v", payload)
	}
	return errObj
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()

	if !result.IsError {
		t.Errorf("expected error result, got: %s", extractErrorMessage(result))
		return
	}
	if code := errorObject(t, result)["code"]; code != expectedCode {
		t.Errorf("got error code %v, want %q", code, expectedCode)
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}

	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}

	return text.Text
}
