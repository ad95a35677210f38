package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/insight/internal/backlog"
	"github.com/hpungsan/insight/internal/bookmark"
	"github.com/hpungsan/insight/internal/db"
	"github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/fetch"
	"github.com/hpungsan/insight/internal/mcp"
	"github.com/hpungsan/insight/internal/state"
	"github.com/hpungsan/insight/internal/web"
)

// newCLIApp creates the CLI application with all commands.
// e may be nil when only help or version output is needed.
func newCLIApp(e *env) *cli.App {
	app := &cli.App{
		Name:    "insight",
		Usage:   "Turn saved bookmarks into categorized knowledge notes",
		Version: Version,
		Commands: []*cli.Command{
			runCmd(e),
			backlogCmd(e),
			retryReviewCmd(e),
			reprocessCmd(e),
			statsCmd(e),
			reviewCmd(e),
			recordCmd(e),
			artifactCmd(e),
			runsCmd(e),
			cachePurgeCmd(e),
			mcpCmd(e),
			serveCmd(e),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// runCmd creates the run command.
func runCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Process a bookmark export (use - for stdin), resuming interrupted items",
		ArgsUsage: "<export.json>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Process at most N bookmarks from the export"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(errors.NewMalformed("export path is required", nil))
			}
			source := c.Args().First()
			items, err := readExport(source)
			if err != nil {
				return outputError(err)
			}
			if n := c.Int("limit"); n > 0 && n < len(items) {
				items = items[:n]
			}

			p, err := e.pipeline(c.Context)
			if err != nil {
				return outputError(err)
			}
			sum, err := p.Run(c.Context, items, source)
			if err != nil {
				_ = outputJSON(sum)
				return outputError(err)
			}
			return outputJSON(sum)
		},
	}
}

// backlogCmd creates the backlog command.
func backlogCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "backlog",
		Usage: "Run every pending export in the backlog dir and archive it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Backlog directory (default from config)"},
			&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "Keep polling for new exports until interrupted"},
			&cli.DurationFlag{Name: "interval", Usage: "Poll interval in watch mode (default from config)"},
		},
		Subcommands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Show pending and archived export counts",
				Action: func(c *cli.Context) error {
					s, err := backlogManager(c, e).Stats()
					if err != nil {
						return outputError(err)
					}
					return outputJSON(s)
				},
			},
		},
		Action: func(c *cli.Context) error {
			p, err := e.pipeline(c.Context)
			if err != nil {
				return outputError(err)
			}
			w := backlog.NewWatcher(backlogManager(c, e), p, e.logger)

			if !c.Bool("watch") {
				cycle, err := w.Once(c.Context)
				if err != nil {
					_ = outputJSON(cycle)
					return outputError(err)
				}
				return outputJSON(cycle)
			}

			interval := c.Duration("interval")
			if interval <= 0 {
				interval = e.cfg.BacklogPollInterval()
			}
			err = w.Watch(c.Context, interval, func(cycle backlog.Cycle) {
				if cycle.Files > 0 || len(cycle.Purged) > 0 {
					_ = outputJSON(cycle)
				}
			})
			if err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

func backlogManager(c *cli.Context, e *env) *backlog.Manager {
	dir := e.cfg.BacklogDir
	if d := c.String("dir"); d != "" {
		dir = d
	}
	return backlog.New(dir, e.cfg.BacklogRetention())
}

// retryReviewCmd creates the retry-review command.
func retryReviewCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "retry-review",
		Usage: "Retry every bookmark flagged for review",
		Action: func(c *cli.Context) error {
			p, err := e.pipeline(c.Context)
			if err != nil {
				return outputError(err)
			}
			results, err := p.RetryReviews(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(results)
		},
	}
}

// reprocessCmd creates the reprocess command.
func reprocessCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "reprocess",
		Usage:     "Distill a bookmark again from its stored capture",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireID(c)
			if err != nil {
				return outputError(err)
			}
			p, err := e.pipeline(c.Context)
			if err != nil {
				return outputError(err)
			}
			res, err := p.Reprocess(c.Context, id)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(res)
		},
	}
}

// statsOutput is the result of the stats command.
type statsOutput struct {
	State       state.Stats `json:"state"`
	CachedLinks int         `json:"cached_links"`
	StatePath   string      `json:"state_path"`
}

// statsCmd creates the stats command.
func statsCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show processing state counts",
		Action: func(c *cli.Context) error {
			out := statsOutput{State: e.state.Stats(), StatePath: e.state.Path()}
			if e.db != nil {
				n, err := db.CountLinks(e.db)
				if err != nil {
					return outputError(err)
				}
				out.CachedLinks = n
			}
			return outputJSON(out)
		},
	}
}

// reviewItem is one row of the review command.
type reviewItem struct {
	ID        string `json:"id"`
	LastError string `json:"last_error,omitempty"`
}

// reviewCmd creates the review command.
func reviewCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "review",
		Usage: "List bookmarks flagged for review",
		Action: func(c *cli.Context) error {
			ids := e.state.ListFlaggedForReview()
			items := make([]reviewItem, 0, len(ids))
			for _, id := range ids {
				item := reviewItem{ID: id}
				if rec, ok := e.state.Get(id); ok && rec.LastError != nil {
					item.LastError = *rec.LastError
				}
				items = append(items, item)
			}
			return outputJSON(items)
		},
	}
}

// recordCmd creates the record command.
func recordCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "record",
		Usage:     "Show the processing record of one bookmark",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireID(c)
			if err != nil {
				return outputError(err)
			}
			rec, ok := e.state.Get(id)
			if !ok {
				return outputError(errors.NewNotFound(id))
			}
			return outputJSON(rec)
		},
	}
}

// artifactCmd creates the artifact command.
func artifactCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "artifact",
		Usage:     "Show the stored capture of one bookmark",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireID(c)
			if err != nil {
				return outputError(err)
			}
			a, err := e.artifacts.Load(id)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(a)
		},
	}
}

// runsCmd creates the runs command.
func runsCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "List recent runs, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Maximum runs to show"},
		},
		Action: func(c *cli.Context) error {
			runs, err := db.ListRuns(e.db, c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			if runs == nil {
				runs = []db.Run{}
			}
			return outputJSON(runs)
		},
	}
}

// cachePurgeCmd creates the cache-purge command.
func cachePurgeCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "cache-purge",
		Usage: "Delete link cache entries older than the configured TTL",
		Action: func(c *cli.Context) error {
			cache := fetch.NewSQLiteCache(e.db, e.cfg.LinkCacheTTL(), e.logger)
			n, err := cache.Purge()
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]int64{"purged": n})
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve MCP tools over stdio",
		Action: func(c *cli.Context) error {
			return serveMCP(c, e)
		},
	}
}

func serveMCP(c *cli.Context, e *env) error {
	if unknown := mcp.ValidateDisabledTools(e.cfg.DisabledTools); len(unknown) > 0 {
		e.logger.Warn("unknown tools in disabled_tools", "tools", strings.Join(unknown, ","))
	}
	svc := mcp.Services{
		State:     e.state,
		Artifacts: e.artifacts,
		DB:        e.db,
		Limiter:   e.limiter,
	}
	p, err := e.pipeline(c.Context)
	if err != nil {
		e.logger.Warn("pipeline unavailable, retry and reprocess tools will fail", "error", err)
	} else {
		svc.Pipeline = p
	}
	return mcp.Run(svc, e.cfg, Version)
}

// serveCmd creates the serve command.
func serveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the review dashboard over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8484, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			srv, err := newDashboard(c, e)
			if err != nil {
				return outputError(err)
			}
			if err := web.Run(c.Context, srv, e.logger); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// newDashboard builds the dashboard server. Reprocessing is offered only
// when the orchestrator can be built.
func newDashboard(c *cli.Context, e *env) (*http.Server, error) {
	port := c.Int("port")
	if port < 0 || port > 65535 {
		return nil, errors.NewMalformed(fmt.Sprintf("invalid port %d", port), nil)
	}
	svc := web.Services{
		State:     e.state,
		Artifacts: e.artifacts,
		DB:        e.db,
	}
	p, err := e.pipeline(c.Context)
	if err != nil {
		e.logger.Warn("pipeline unavailable, reprocess is disabled", "error", err)
	} else {
		svc.Reprocessor = p
	}
	return web.NewServer(svc, Version, c.String("bind"), port, e.logger)
}

// Helper functions

func readExport(source string) ([]bookmark.Bookmark, error) {
	if source == "-" {
		return bookmark.ReadExport(os.Stdin)
	}
	return bookmark.ReadExportFile(source)
}

func requireID(c *cli.Context) (string, error) {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return "", errors.NewMalformed("bookmark id is required", nil)
	}
	return id, nil
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var pErr *errors.ProcessorError
	if stderrors.As(err, &pErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", pErr.Kind, pErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
