package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/copydesk/pkg/cache"
	"github.com/pario-ai/copydesk/pkg/cache/memory"
	"github.com/pario-ai/copydesk/pkg/config"
	"github.com/pario-ai/copydesk/pkg/generate"
	"github.com/pario-ai/copydesk/pkg/history"
	"github.com/pario-ai/copydesk/pkg/models"
	"github.com/pario-ai/copydesk/pkg/quota"
)

func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"Hook: Light up.\nBody: A lamp for readers.\nCTA: Shop now."}}],"usage":{"prompt_tokens":40,"completion_tokens":12,"total_tokens":52}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, limits models.UsageLimits, withHistory bool) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "openai", Type: "openai", URL: fakeUpstream(t).URL, APIKey: "sk-test"}}

	opts := []generate.Option{
		generate.WithCache(cache.New(memory.New(10))),
		generate.WithTracker(quota.New(limits)),
	}
	if withHistory {
		h, err := history.New(filepath.Join(t.TempDir(), "history.db"), 30, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { h.Close() })
		opts = append(opts, generate.WithHistory(h))
	}
	return New(generate.New(cfg, opts...), "test", nil)
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
		ID:      json.RawMessage(`1`),
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
	srv := newTestServer(t, models.UsageLimits{}, false)
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

	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "copydesk" {
		t.Errorf("server name = %s, want copydesk", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{}, false)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

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

func TestToolCallGenerateAndUsage(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{MaxRequestsPerDay: 5}, false)

	gen := callTool(t, srv, "copydesk_generate", `{"product_name":"Reading Lamp","tone":"calm"}`)
	if gen.IsError {
		t.Fatalf("generate failed: %s", gen.Content[0].Text)
	}
	if !strings.Contains(gen.Content[0].Text, "Hook: Light up.") {
		t.Errorf("unexpected generate output: %s", gen.Content[0].Text)
	}

	again := callTool(t, srv, "copydesk_generate", `{"product_name":"Reading Lamp","tone":"calm"}`)
	if !strings.Contains(again.Content[0].Text, "(from cache)") {
		t.Errorf("expected cached result, got: %s", again.Content[0].Text)
	}

	usage := callTool(t, srv, "copydesk_usage", `{}`)
	text := usage.Content[0].Text
	if !strings.Contains(text, "requests") || !strings.Contains(text, "unlimited") {
		t.Errorf("unexpected usage output: %s", text)
	}
	// one request used of five
	if !strings.Contains(text, fmt.Sprintf("%12d %12s %12s", 1, "5", "4")) {
		t.Errorf("expected 1/5 requests, got: %s", text)
	}
}

func TestToolCallGenerateError(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{}, false)
	result := callTool(t, srv, "copydesk_generate", `{"product_name":""}`)
	if !result.IsError {
		t.Error("expected isError=true for missing product name")
	}
	if !strings.Contains(result.Content[0].Text, "Product name is required") {
		t.Errorf("unexpected error text: %s", result.Content[0].Text)
	}
}

func TestToolCallCacheStats(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{}, false)
	callTool(t, srv, "copydesk_generate", `{"product_name":"Desk Fan"}`)
	callTool(t, srv, "copydesk_generate", `{"product_name":"Desk Fan"}`)

	text := callTool(t, srv, "copydesk_cache_stats", `{}`).Content[0].Text
	if !strings.Contains(text, "memory") || !strings.Contains(text, "50.0%") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
}

func TestToolCallHistory(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{}, true)
	callTool(t, srv, "copydesk_generate", `{"product_name":"Desk Fan"}`)

	text := callTool(t, srv, "copydesk_history", `{"status":"ok"}`).Content[0].Text
	if !strings.Contains(text, "Desk Fan") {
		t.Errorf("expected product in history, got: %s", text)
	}

	since := time.Now().AddDate(0, 0, 1).Format(time.DateOnly)
	empty := callTool(t, srv, "copydesk_history", fmt.Sprintf(`{"since":%q}`, since)).Content[0].Text
	if !strings.Contains(empty, "No generations found") {
		t.Errorf("expected empty history, got: %s", empty)
	}

	bad := callTool(t, srv, "copydesk_history", `{"since":"yesterday"}`)
	if !bad.IsError {
		t.Error("expected isError=true for bad date")
	}
}

func TestToolCallHistoryNotConfigured(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{}, false)
	text := callTool(t, srv, "copydesk_history", `{}`).Content[0].Text
	if !strings.Contains(text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", text)
	}
}

func TestUnknownTool(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{}, false)
	result := callTool(t, srv, "copydesk_nope", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{}, false)

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{}, false)
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

func TestParseError(t *testing.T) {
	srv := newTestServer(t, models.UsageLimits{}, false)
	var out bytes.Buffer
	_ = srv.Run(context.Background(), strings.NewReader("{not json\n"), &out)

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp)
	}
}
