package mcp

import (
	"context"
	"database/sql"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/insight/internal/capture"
	"github.com/hpungsan/insight/internal/config"
	"github.com/hpungsan/insight/internal/pipeline"
	"github.com/hpungsan/insight/internal/ratelimit"
	"github.com/hpungsan/insight/internal/state"
)

// Pipeline is the subset of the orchestrator the tools drive.
type Pipeline interface {
	RetryReviews(ctx context.Context) (map[string]string, error)
	Reprocess(ctx context.Context, id string) (pipeline.Result, error)
}

// Services are the stores and pipeline the tools read and drive.
type Services struct {
	State     *state.Store
	Artifacts *capture.ArtifactStore
	DB        *sql.DB
	Limiter   *ratelimit.Limiter

	// Pipeline may be nil when no provider is configured; the tools that
	// need it then report a CONFIG error.
	Pipeline Pipeline
}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"insight_stats": {
		def:     statsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStats },
	},
	"insight_review_list": {
		def:     reviewListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReviewList },
	},
	"insight_record_get": {
		def:     recordGetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRecordGet },
	},
	"insight_artifact_get": {
		def:     artifactGetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleArtifactGet },
	},
	"insight_review_retry": {
		def:     reviewRetryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReviewRetry },
	},
	"insight_reprocess": {
		def:     reprocessToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReprocess },
	},
	"insight_runs_list": {
		def:     runsListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRunsList },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with insight tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(svc Services, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"insight",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(svc, cfg)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(svc Services, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(svc, cfg, version))
}
