// Package llm adapts hosted language models to the narrow calls the
// pipeline makes: text generation and image description.
package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hpungsan/insight/internal/config"
	insighterrors "github.com/hpungsan/insight/internal/errors"
)

// maxImageBytes bounds downloaded images.
const maxImageBytes = 20 << 20

// TextGenerator produces a completion for prompt under a system instruction.
type TextGenerator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Providers holds the configured backends.
type Providers struct {
	Text   TextGenerator
	Vision *Gemini
}

// NewFromConfig builds the text and vision backends. Vision is always Gemini.
func NewFromConfig(ctx context.Context, cfg *config.Config, httpClient *http.Client, l *slog.Logger) (*Providers, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	vision, err := NewGemini(ctx, GeminiOptions{
		APIKey:     cfg.GeminiAPIKey,
		TextModel:  cfg.TextModel,
		ImageModel: cfg.VisionModel,
		HTTPClient: httpClient,
		Logger:     l,
	})
	if err != nil {
		return nil, err
	}

	p := &Providers{Text: vision, Vision: vision}
	if cfg.Provider == "cohere" {
		model := cfg.TextModel
		if model == "" || strings.HasPrefix(model, "gemini") {
			model = DefaultCohereModel
		}
		p.Text = NewCohere(cfg.CohereAPIKey, model, httpClient, l)
	}
	return p, nil
}

// fetchImage downloads an image for inline submission.
func fetchImage(ctx context.Context, client *http.Client, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", insighterrors.NewMalformed("invalid image url", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", insighterrors.NewTransient("image download failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", insighterrors.FromHTTPStatus(resp.StatusCode, imageURL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", insighterrors.NewTransient("image download failed", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", insighterrors.NewMalformed(fmt.Sprintf("image exceeds %d bytes", maxImageBytes), nil)
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.TrimSpace(mime)
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", insighterrors.NewMalformed("not an image: "+mime, nil)
	}
	return data, mime, nil
}
