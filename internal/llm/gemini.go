package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	insighterrors "github.com/hpungsan/insight/internal/errors"
	"github.com/hpungsan/insight/internal/logger"
)

// generateFunc matches genai's Models.GenerateContent.
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiOptions configures the Gemini backend.
type GeminiOptions struct {
	APIKey     string
	TextModel  string
	ImageModel string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Gemini implements text generation and image description on the Gemini API.
type Gemini struct {
	generate   generateFunc
	http       *http.Client
	textModel  string
	imageModel string
	logger     *slog.Logger
}

// NewGemini creates a Gemini API client.
func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, insighterrors.NewConfig("gemini api key cannot be empty")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, insighterrors.NewConfig("failed to create gemini client: " + err.Error())
	}
	return newGemini(client.Models.GenerateContent, httpClient, opts), nil
}

func newGemini(gen generateFunc, httpClient *http.Client, opts GeminiOptions) *Gemini {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Gemini{
		generate:   gen,
		http:       httpClient,
		textModel:  opts.TextModel,
		imageModel: opts.ImageModel,
		logger:     logger.OrDiscard(opts.Logger).With("component", "gemini"),
	}
}

// Generate asks for a JSON answer to prompt under the system instruction.
func (g *Gemini) Generate(ctx context.Context, system, prompt string) (string, error) {
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	}}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return g.call(ctx, g.textModel, contents, cfg)
}

// DescribeImage downloads imageURL and asks the vision model to describe it.
func (g *Gemini) DescribeImage(ctx context.Context, imageURL, prompt string) (string, error) {
	data, mime, err := fetchImage(ctx, g.http, imageURL)
	if err != nil {
		return "", err
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: mime, Data: data}},
		},
	}}
	return g.call(ctx, g.imageModel, contents, nil)
}

func (g *Gemini) call(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	g.logger.DebugContext(ctx, "calling gemini", "model", model)
	resp, err := g.generate(ctx, model, contents, cfg)
	if err != nil {
		return "", classifyGeminiError(ctx, err)
	}
	return responseText(resp)
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", insighterrors.NewMalformed("gemini returned no candidates", nil)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", insighterrors.NewMalformed("gemini blocked the response for safety", nil)
	}
	if cand.Content == nil {
		return "", insighterrors.NewMalformed("gemini returned empty content", nil)
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", insighterrors.NewMalformed("gemini returned empty text", nil)
	}
	return b.String(), nil
}

func classifyGeminiError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	code := 0
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return insighterrors.NewConfig("gemini rejected credentials: " + err.Error())
	case code == http.StatusBadRequest:
		return insighterrors.NewMalformed("gemini rejected request", err)
	case code == http.StatusTooManyRequests:
		return insighterrors.NewRateLimited("gemini", err)
	case code == 0 || code == http.StatusRequestTimeout || code >= 500:
		return insighterrors.NewTransient("gemini call failed", err)
	default:
		return insighterrors.NewMalformed("gemini call failed", err)
	}
}
