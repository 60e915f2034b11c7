package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/callopt/pkg/cache/memory"
	"github.com/pario-ai/callopt/pkg/logging"
	"github.com/pario-ai/callopt/pkg/models"
	"github.com/pario-ai/callopt/pkg/optimizer"
	"github.com/pario-ai/callopt/pkg/router"
)

// fakeAuditor implements AuditSearcher for testing.
type fakeAuditor struct {
	entries []models.OptimizationLog
	last    models.AuditQueryOpts
}

func (f *fakeAuditor) Query(_ context.Context, opts models.AuditQueryOpts) ([]models.OptimizationLog, error) {
	f.last = opts
	return f.entries, nil
}

func newOptimizer(t *testing.T, withCache bool) *optimizer.Optimizer {
	t.Helper()
	r, err := router.New(router.DefaultTables(), nil)
	if err != nil {
		t.Fatal(err)
	}
	deps := optimizer.Deps{Router: r, Logger: logging.Discard()}
	cfg := optimizer.Config{TTL: time.Hour}
	if withCache {
		store, err := memory.New(memory.Options{MaxSize: 10, Logger: logging.Discard()})
		if err != nil {
			t.Fatal(err)
		}
		deps.Store = store
		cfg.CacheEnabled = true
	}
	o, err := optimizer.New(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "callopt" {
		t.Errorf("server name = %s, want callopt", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("listed tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallRoute(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")

	result := callTool(t, srv, "callopt_route", `{"task_type":"classification","input_length":50}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, "gpt-4o-mini") || !strings.Contains(result.Content[0].Text, "simple") {
		t.Errorf("expected simple tier model, got: %s", result.Content[0].Text)
	}

	result = callTool(t, srv, "callopt_route", `{"input_length":10,"complexity":"extreme"}`)
	if !result.IsError {
		t.Error("expected isError=true for unknown complexity")
	}
}

func TestToolCallEstimate(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	prompt := strings.Repeat("The survey asks stakeholders about budget goals. ", 100)
	args, _ := json.Marshal(map[string]any{"prompt": prompt, "max_context_length": 500})

	result := callTool(t, srv, "callopt_estimate", string(args))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "Compressed: 4,900 ->") {
		t.Errorf("expected compression summary, got: %s", text)
	}
	if !strings.Contains(text, "gpt-4o") {
		t.Errorf("expected medium tier model, got: %s", text)
	}

	result = callTool(t, srv, "callopt_estimate", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for missing prompt")
	}
}

func TestToolCallCompress(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	result := callTool(t, srv, "callopt_compress",
		`{"text":"Budget review covers budget risks. Lunch was fine. The budget needs review.","target":40}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	if strings.Contains(result.Content[0].Text, "Lunch") {
		t.Errorf("expected low-value sentence dropped, got: %s", result.Content[0].Text)
	}
}

func TestToolCallCacheStats(t *testing.T) {
	o := newOptimizer(t, true)
	gen := func(context.Context, optimizer.Prompt, map[string]any) (string, error) { return "ok", nil }
	for range 3 {
		if _, err := o.Optimize(context.Background(), optimizer.TextPrompt("same"), nil, gen); err != nil {
			t.Fatal(err)
		}
	}
	srv := New(o, nil, logging.Discard(), "test")

	text := callTool(t, srv, "callopt_cache_stats", "").Content[0].Text
	if !strings.Contains(text, "1 / 10") || !strings.Contains(text, "66.7%") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
}

func TestToolCallCacheNotConfigured(t *testing.T) {
	srv := New(newOptimizer(t, false), nil, logging.Discard(), "test")
	text := callTool(t, srv, "callopt_cache_stats", "").Content[0].Text
	if !strings.Contains(text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", text)
	}
}

func TestToolCallUsage(t *testing.T) {
	o := newOptimizer(t, true)
	if _, err := o.Router().SelectModel("reasoning", 10, ""); err != nil {
		t.Fatal(err)
	}
	srv := New(o, nil, logging.Discard(), "test")

	text := callTool(t, srv, "callopt_usage", "").Content[0].Text
	if !strings.Contains(text, "gpt-4-turbo") || !strings.Contains(text, "reasoning") {
		t.Errorf("unexpected usage output: %s", text)
	}
}

func TestToolCallAuditSearch(t *testing.T) {
	auditor := &fakeAuditor{entries: []models.OptimizationLog{
		{Model: "gpt-4o", TaskType: "summarization", Outcome: models.OutcomeGenerated, PromptLength: 950, CreatedAt: time.Now()},
	}}
	srv := New(newOptimizer(t, true), auditor, logging.Discard(), "test")

	result := callTool(t, srv, "callopt_audit_search", `{"model":"gpt-4o","outcome":"generated","since":"2026-10-01"}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, "summarization") {
		t.Errorf("expected entry in output, got: %s", result.Content[0].Text)
	}
	if auditor.last.Model != "gpt-4o" || auditor.last.Outcome != "generated" || auditor.last.Since.IsZero() {
		t.Errorf("filters not passed through: %+v", auditor.last)
	}

	result = callTool(t, srv, "callopt_audit_search", `{"since":"yesterday"}`)
	if !result.IsError {
		t.Error("expected isError=true for bad date")
	}
}

func TestToolCallAuditNotConfigured(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	text := callTool(t, srv, "callopt_audit_search", "").Content[0].Text
	if !strings.Contains(text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", text)
	}
}

func TestUnknownTool(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	if !callTool(t, srv, "callopt_stats", "").IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	in := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
		`{"jsonrpc":"2.0","method":"tools/list"}` + "\n"

	var out bytes.Buffer
	if err := srv.Run(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output for notifications, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestToolSchemasAreObjects(t *testing.T) {
	for _, tool := range allTools {
		data, err := json.Marshal(tool.InputSchema)
		if err != nil {
			t.Fatalf("%s: marshal schema: %v", tool.Name, err)
		}
		var schema map[string]any
		if err := json.Unmarshal(data, &schema); err != nil {
			t.Fatalf("%s: unmarshal schema: %v", tool.Name, err)
		}
		if schema["type"] != "object" {
			t.Errorf("%s: schema type = %v, want object", tool.Name, schema["type"])
		}
		if _, ok := schema["properties"].(map[string]any); !ok {
			t.Errorf("%s: schema has no properties object", tool.Name)
		}
		if !bytes.Contains(data, []byte(`"properties":`)) {
			t.Errorf("%s: properties missing from %s", tool.Name, data)
		}
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("%s: no handler registered", tool.Name)
		}
	}
}

func TestSchemaProperties(t *testing.T) {
	data, err := json.Marshal(object(nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"object","properties":{}}` {
		t.Errorf("empty object schema = %s", data)
	}

	data, err = json.Marshal(Schema{Type: "string", Description: "text"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"string","description":"text"}` {
		t.Errorf("scalar schema = %s", data)
	}
}

func TestPing(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`10`), Method: "ping"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if string(resp.ID) != "10" {
		t.Errorf("id = %s, want 10", resp.ID)
	}
}

func TestInvalidRequest(t *testing.T) {
	srv := New(newOptimizer(t, true), nil, logging.Discard(), "test")
	resp := sendAndReceive(t, srv, Request{JSONRPC: "1.0", ID: json.RawMessage(`11`), Method: "ping"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %+v, want invalid request", resp.Error)
	}
}
