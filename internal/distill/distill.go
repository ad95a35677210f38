// Package distill turns capture artifacts into validated notes.
package distill

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hpungsan/insight/internal/capture"
	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/llm"
	"github.com/hpungsan/insight/internal/logger"
	"github.com/hpungsan/insight/internal/note"
	"github.com/hpungsan/insight/internal/textutil"
)

// Distiller sends artifacts to a text model. It does not retry; callers wrap it.
type Distiller struct {
	model  llm.TextGenerator
	logger *slog.Logger
}

// New returns a distiller backed by model.
func New(model llm.TextGenerator, l *slog.Logger) *Distiller {
	return &Distiller{model: model, logger: logger.OrDiscard(l).With("component", "distill")}
}

// Distill produces a note for a. Unparseable or invalid output is a
// MALFORMED error.
func (d *Distiller) Distill(ctx context.Context, a *capture.Artifact) (*note.Note, error) {
	start := time.Now()
	prompt := BuildPrompt(a)

	out, err := d.model.Generate(ctx, SystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	n, err := Parse(out)
	if err != nil {
		d.logger.Warn("unusable model output", "item_id", a.ItemID, "error", err)
		return nil, err
	}

	d.logger.Info("distilled",
		"item_id", a.ItemID,
		"category", n.Category,
		"sections", len(n.Sections),
		"prompt_tokens", textutil.EstimateTokens(prompt),
		"duration_ms", time.Since(start).Milliseconds())
	return n, nil
}

// Parse decodes model output, tolerating a surrounding code fence.
func Parse(raw string) (*note.Note, error) {
	body := textutil.StripCodeFences(raw)
	n := &note.Note{}
	if err := json.Unmarshal([]byte(body), n); err != nil {
		return nil, insighterrors.NewMalformed("model output is not a note", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}
