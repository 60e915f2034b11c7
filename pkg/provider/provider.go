// Package provider calls upstream LLM APIs on behalf of the optimizer.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/pario-ai/callopt/pkg/config"
	"github.com/pario-ai/callopt/pkg/optimizer"
)

const (
	defaultAnthropicVersion = "2023-06-01"
	defaultMaxTokens        = 1024
)

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Client sends prompts to one provider.
type Client struct {
	cfg  config.ProviderConfig
	http *http.Client
}

// NewClient returns a Client. A nil hc uses http.DefaultClient.
func NewClient(cfg config.ProviderConfig, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, http: hc}
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.cfg.Name }

// Serves reports whether the provider lists model.
func (c *Client) Serves(model string) bool {
	return slices.Contains(c.cfg.Models, model)
}

// Generate sends the prompt to the model named by callCtx["model"] and
// returns the text of the first completion. callCtx may also carry "system"
// and "max_tokens".
func (c *Client) Generate(ctx context.Context, prompt optimizer.Prompt, callCtx map[string]any) (string, error) {
	model, _ := callCtx["model"].(string)
	if model == "" {
		return "", errors.New("provider: no model selected")
	}
	system, _ := callCtx["system"].(string)

	if c.cfg.Type == "anthropic" {
		return c.anthropic(ctx, model, system, maxTokens(callCtx), prompt.String())
	}
	return c.openai(ctx, model, system, maxTokens(callCtx), prompt.String())
}

func (c *Client) openai(ctx context.Context, model, system string, limit int, prompt string) (string, error) {
	req := chatRequest{Model: model, MaxTokens: &limit}
	if system != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, message{Role: "user", Content: prompt})

	headers := map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
	}
	body, err := c.post(ctx, "/v1/chat/completions", headers, req)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("provider %s: decode response: %w", c.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider %s: response has no choices", c.cfg.Name)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) anthropic(ctx context.Context, model, system string, limit int, prompt string) (string, error) {
	req := messagesRequest{
		Model:     model,
		System:    system,
		MaxTokens: limit,
		Messages:  []message{{Role: "user", Content: prompt}},
	}
	version := c.cfg.AnthropicVersion
	if version == "" {
		version = defaultAnthropicVersion
	}
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": version,
	}
	body, err := c.post(ctx, "/v1/messages", headers, req)
	if err != nil {
		return "", err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("provider %s: decode response: %w", c.cfg.Name, err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("provider %s: response has no text", c.cfg.Name)
	}
	return b.String(), nil
}

// post sends a JSON request and returns the body of a 2xx response.
func (c *Client) post(ctx context.Context, path string, headers map[string]string, payload any) ([]byte, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target.String(), "/")+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Body: truncateBody(respBody)}
	}
	return respBody, nil
}

func maxTokens(callCtx map[string]any) int {
	switch v := callCtx["max_tokens"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return defaultMaxTokens
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}

// Registry dispatches generation to the provider serving the selected model.
type Registry struct {
	clients []*Client
}

// NewRegistry builds one Client per configured provider.
func NewRegistry(cfgs []config.ProviderConfig, hc *http.Client) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("provider: no providers configured")
	}
	r := &Registry{}
	for _, cfg := range cfgs {
		r.clients = append(r.clients, NewClient(cfg, hc))
	}
	return r, nil
}

// For returns the provider listing model, else the first provider.
func (r *Registry) For(model string) *Client {
	for _, c := range r.clients {
		if c.Serves(model) {
			return c
		}
	}
	return r.clients[0]
}

// Generate implements optimizer.GenerateFunc.
func (r *Registry) Generate(ctx context.Context, prompt optimizer.Prompt, callCtx map[string]any) (string, error) {
	model, _ := callCtx["model"].(string)
	return r.For(model).Generate(ctx, prompt, callCtx)
}
