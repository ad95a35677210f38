package mcp

import "github.com/mark3labs/mcp-go/mcp"

var statsToolDef = mcp.NewTool("insight_stats",
	mcp.WithDescription("Counts of processed, flagged and in-progress bookmarks, link cache size, and rate limiter totals."),
)

var reviewListToolDef = mcp.NewTool("insight_review_list",
	mcp.WithDescription("List bookmarks flagged for review with their last error."),
)

var recordGetToolDef = mcp.NewTool("insight_record_get",
	mcp.WithDescription("Get the processing record of one bookmark: per-stage status, output location, attempts."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Bookmark id")),
)

var artifactGetToolDef = mcp.NewTool("insight_artifact_get",
	mcp.WithDescription("Get the captured artifact of one bookmark."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Bookmark id")),
	mcp.WithBoolean("include_content", mcp.Description("Include fetched link content and transcript (default false)")),
)

var reviewRetryToolDef = mcp.NewTool("insight_review_retry",
	mcp.WithDescription("Retry every bookmark flagged for review. Returns id to \"success\" or \"error: <message>\"."),
)

var reprocessToolDef = mcp.NewTool("insight_reprocess",
	mcp.WithDescription("Distill one bookmark again from its stored artifact, replacing its note."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Bookmark id")),
)

var runsListToolDef = mcp.NewTool("insight_runs_list",
	mcp.WithDescription("List recent pipeline runs, newest first."),
	mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 20, max 200)")),
)
