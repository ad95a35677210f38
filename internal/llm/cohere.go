package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
	coherecore "github.com/cohere-ai/cohere-go/v2/core"

	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/logger"
)

// DefaultCohereModel is used when no cohere model is configured.
const DefaultCohereModel = "command-r-plus"

type chatFunc func(ctx context.Context, req *cohere.ChatRequest) (*cohere.NonStreamedChatResponse, error)

// Cohere implements text generation on the Cohere chat API.
type Cohere struct {
	chat   chatFunc
	model  string
	logger *slog.Logger
}

// NewCohere creates a Cohere chat client.
func NewCohere(apiKey, model string, httpClient *http.Client, l *slog.Logger) *Cohere {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	client := cohereclient.NewClient(
		cohereclient.WithToken(apiKey),
		cohereclient.WithHTTPClient(httpClient),
	)
	return newCohere(func(ctx context.Context, req *cohere.ChatRequest) (*cohere.NonStreamedChatResponse, error) {
		return client.Chat(ctx, req)
	}, model, l)
}

func newCohere(chat chatFunc, model string, l *slog.Logger) *Cohere {
	return &Cohere{
		chat:   chat,
		model:  model,
		logger: logger.OrDiscard(l).With("component", "cohere"),
	}
}

// Generate sends prompt as the user message with system as the preamble.
func (c *Cohere) Generate(ctx context.Context, system, prompt string) (string, error) {
	req := &cohere.ChatRequest{
		Message: prompt,
		Model:   &c.model,
	}
	if system != "" {
		req.Preamble = &system
	}
	c.logger.DebugContext(ctx, "calling cohere", "model", c.model)
	resp, err := c.chat(ctx, req)
	if err != nil {
		return "", classifyCohereError(ctx, err)
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return "", insighterrors.NewMalformed("cohere returned empty text", nil)
	}
	return resp.Text, nil
}

func classifyCohereError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *coherecore.APIError
	if !errors.As(err, &apiErr) {
		return insighterrors.NewTransient("cohere call failed", err)
	}
	switch code := apiErr.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return insighterrors.NewConfig("cohere rejected credentials: " + err.Error())
	case code == http.StatusTooManyRequests:
		return insighterrors.NewRateLimited("cohere", err)
	case code == http.StatusRequestTimeout || code >= 500:
		return insighterrors.NewTransient("cohere call failed", err)
	default:
		return insighterrors.NewMalformed("cohere call failed", err)
	}
}
