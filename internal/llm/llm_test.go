package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	cohere "github.com/cohere-ai/cohere-go/v2"
	coherecore "github.com/cohere-ai/cohere-go/v2/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/hpungsan/insight/internal/config"
	insighterrors "github.com/hpungsan/insight/internal/errors"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func textResponse(parts ...string) *genai.GenerateContentResponse {
	c := &genai.Content{Role: "model"}
	for _, p := range parts {
		c.Parts = append(c.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: c, FinishReason: genai.FinishReasonStop}}}
}

func TestGemini_Generate(t *testing.T) {
	var gotModel string
	var gotCfg *genai.GenerateContentConfig
	g := newGemini(func(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		gotModel = model
		gotCfg = cfg
		require.Len(t, contents, 1)
		assert.Equal(t, "hello", contents[0].Parts[0].Text)
		return textResponse(`{"a":`, `1}`), nil
	}, nil, GeminiOptions{TextModel: "text-model", ImageModel: "image-model"})

	out, err := g.Generate(context.Background(), "be terse", "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
	assert.Equal(t, "text-model", gotModel)
	assert.Equal(t, "application/json", gotCfg.ResponseMIMEType)
	assert.Equal(t, "be terse", gotCfg.SystemInstruction.Parts[0].Text)
}

func TestGemini_DescribeImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngHeader)
	}))
	defer srv.Close()

	g := newGemini(func(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		assert.Equal(t, "image-model", model)
		parts := contents[0].Parts
		require.Len(t, parts, 2)
		assert.Equal(t, "describe", parts[0].Text)
		require.NotNil(t, parts[1].InlineData)
		assert.Equal(t, "image/png", parts[1].InlineData.MIMEType)
		assert.Equal(t, pngHeader, parts[1].InlineData.Data)
		return textResponse("a chart"), nil
	}, srv.Client(), GeminiOptions{TextModel: "text-model", ImageModel: "image-model"})

	out, err := g.DescribeImage(context.Background(), srv.URL+"/a.png", "describe")
	require.NoError(t, err)
	assert.Equal(t, "a chart", out)
}

func TestGemini_DescribeImageMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	g := newGemini(func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		t.Fatal("model must not be called")
		return nil, nil
	}, srv.Client(), GeminiOptions{})

	_, err := g.DescribeImage(context.Background(), srv.URL+"/gone.png", "describe")
	assert.True(t, insighterrors.Is(err, insighterrors.ErrNotFound))
}

func TestGemini_DescribeImageRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>login</body></html>"))
	}))
	defer srv.Close()

	g := newGemini(nil, srv.Client(), GeminiOptions{})
	_, err := g.DescribeImage(context.Background(), srv.URL, "describe")
	assert.True(t, insighterrors.Is(err, insighterrors.ErrMalformed))
}

func TestResponseText(t *testing.T) {
	_, err := responseText(nil)
	assert.True(t, insighterrors.Is(err, insighterrors.ErrMalformed))

	blocked := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}
	_, err = responseText(blocked)
	assert.True(t, insighterrors.Is(err, insighterrors.ErrMalformed))

	_, err = responseText(textResponse("  "))
	assert.True(t, insighterrors.Is(err, insighterrors.ErrMalformed))
}

func TestClassifyGeminiError(t *testing.T) {
	ctx := context.Background()
	assert.True(t, insighterrors.Is(classifyGeminiError(ctx, genai.APIError{Code: 429, Message: "quota"}), insighterrors.ErrRateLimited))
	assert.True(t, insighterrors.Is(classifyGeminiError(ctx, genai.APIError{Code: 503}), insighterrors.ErrTransient))
	assert.True(t, insighterrors.Is(classifyGeminiError(ctx, genai.APIError{Code: 401}), insighterrors.ErrConfig))
	assert.True(t, insighterrors.Is(classifyGeminiError(ctx, genai.APIError{Code: 400}), insighterrors.ErrMalformed))
	assert.True(t, insighterrors.Is(classifyGeminiError(ctx, errors.New("connection reset")), insighterrors.ErrTransient))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, classifyGeminiError(cancelled, errors.New("x")), context.Canceled)
}

func TestCohere_Generate(t *testing.T) {
	c := newCohere(func(_ context.Context, req *cohere.ChatRequest) (*cohere.NonStreamedChatResponse, error) {
		assert.Equal(t, "prompt", req.Message)
		require.NotNil(t, req.Preamble)
		assert.Equal(t, "system", *req.Preamble)
		assert.Equal(t, "command-r", *req.Model)
		return &cohere.NonStreamedChatResponse{Text: `{"ok":true}`}, nil
	}, "command-r", nil)

	out, err := c.Generate(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
}

func TestCohere_Errors(t *testing.T) {
	for _, tt := range []struct {
		err  error
		kind insighterrors.ErrorKind
	}{
		{coherecore.NewAPIError(429, errors.New("slow down")), insighterrors.ErrRateLimited},
		{coherecore.NewAPIError(502, errors.New("bad gateway")), insighterrors.ErrTransient},
		{errors.New("dial tcp: timeout"), insighterrors.ErrTransient},
	} {
		c := newCohere(func(context.Context, *cohere.ChatRequest) (*cohere.NonStreamedChatResponse, error) {
			return nil, tt.err
		}, "m", nil)
		_, err := c.Generate(context.Background(), "", "p")
		assert.True(t, insighterrors.Is(err, tt.kind), "got %v", err)
	}

	empty := newCohere(func(context.Context, *cohere.ChatRequest) (*cohere.NonStreamedChatResponse, error) {
		return &cohere.NonStreamedChatResponse{}, nil
	}, "m", nil)
	_, err := empty.Generate(context.Background(), "", "p")
	assert.True(t, insighterrors.Is(err, insighterrors.ErrMalformed))
}

func TestNewFromConfig_RequiresKeys(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := NewFromConfig(context.Background(), cfg, nil, nil)
	assert.True(t, insighterrors.Is(err, insighterrors.ErrConfig))
}
