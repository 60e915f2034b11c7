package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pario-ai/callopt/pkg/config"
	"github.com/pario-ai/callopt/pkg/optimizer"
)

func openAIUpstream(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-provider", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		content := reply
		if content == "" {
			content = req.Model + ": " + req.Messages[len(req.Messages)-1].Content
		}
		_ = json.NewEncoder(w).Encode(chatResponse{
			ID:    "chatcmpl-123",
			Model: req.Model,
			Choices: []chatChoice{
				{Message: message{Role: "assistant", Content: content}, FinishReason: "stop"},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGenerate(t *testing.T) {
	upstream := openAIUpstream(t, "")
	c := NewClient(config.ProviderConfig{Name: "openai", URL: upstream.URL, APIKey: "sk-provider"}, upstream.Client())

	out, err := c.Generate(context.Background(), optimizer.TextPrompt("hi"), map[string]any{"model": "gpt-4o"})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o: hi", out)
}

func TestOpenAIStructuredPromptIsJSON(t *testing.T) {
	upstream := openAIUpstream(t, "")
	c := NewClient(config.ProviderConfig{Name: "openai", URL: upstream.URL, APIKey: "sk-provider"}, upstream.Client())

	out, err := c.Generate(context.Background(), optimizer.FieldsPrompt(map[string]any{"q": "goals"}), map[string]any{"model": "gpt-4o"})
	require.NoError(t, err)
	require.Equal(t, `gpt-4o: {"q":"goals"}`, out)
}

func TestAnthropicGenerate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		require.Equal(t, defaultAnthropicVersion, r.Header.Get("anthropic-version"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "Be brief.", req.System)
		require.Equal(t, 256, req.MaxTokens)

		_ = json.NewEncoder(w).Encode(messagesResponse{
			Model: req.Model,
			Content: []contentBlock{
				{Type: "text", Text: "Hello "},
				{Type: "text", Text: "there"},
			},
		})
	}))
	defer upstream.Close()

	c := NewClient(config.ProviderConfig{Name: "anthropic", Type: "anthropic", URL: upstream.URL, APIKey: "sk-ant"}, upstream.Client())
	out, err := c.Generate(context.Background(), optimizer.TextPrompt("hi"), map[string]any{
		"model":      "claude-sonnet-4-5",
		"system":     "Be brief.",
		"max_tokens": 256,
	})
	require.NoError(t, err)
	require.Equal(t, "Hello there", out)
}

func TestNon2xxIsStatusError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	c := NewClient(config.ProviderConfig{Name: "openai", URL: upstream.URL}, upstream.Client())
	_, err := c.Generate(context.Background(), optimizer.TextPrompt("hi"), map[string]any{"model": "gpt-4o"})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	require.Equal(t, "openai", se.Provider)
}

func TestMissingModel(t *testing.T) {
	c := NewClient(config.ProviderConfig{Name: "openai", URL: "http://127.0.0.1:1"}, nil)
	_, err := c.Generate(context.Background(), optimizer.TextPrompt("hi"), nil)
	require.Error(t, err)
}

func TestRegistryPicksProviderByModel(t *testing.T) {
	first := openAIUpstream(t, "from first")
	second := openAIUpstream(t, "from second")
	reg, err := NewRegistry([]config.ProviderConfig{
		{Name: "a", URL: first.URL, APIKey: "sk-provider", Models: []string{"gpt-4o"}},
		{Name: "b", URL: second.URL, APIKey: "sk-provider", Models: []string{"gpt-4o-mini"}},
	}, nil)
	require.NoError(t, err)

	out, err := reg.Generate(context.Background(), optimizer.TextPrompt("hi"), map[string]any{"model": "gpt-4o-mini"})
	require.NoError(t, err)
	require.Equal(t, "from second", out)

	out, err = reg.Generate(context.Background(), optimizer.TextPrompt("hi"), map[string]any{"model": "unlisted"})
	require.NoError(t, err)
	require.Equal(t, "from first", out, "unlisted models go to the first provider")
}

func TestRegistryRequiresProviders(t *testing.T) {
	_, err := NewRegistry(nil, nil)
	require.Error(t, err)
}

func TestRegistryWithOptimizer(t *testing.T) {
	upstream := openAIUpstream(t, "")
	reg, err := NewRegistry([]config.ProviderConfig{{Name: "a", URL: upstream.URL, APIKey: "sk-provider"}}, nil)
	require.NoError(t, err)

	var gen optimizer.GenerateFunc = reg.Generate
	out, err := gen(context.Background(), optimizer.TextPrompt("ping"), map[string]any{"model": "gpt-4o-mini"})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini: ping", out)
}
