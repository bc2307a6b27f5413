package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/model"
	"github.com/sandarb-ai/sandarb/internal/pull"
	"github.com/sandarb-ai/sandarb/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mcp.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	rec, err := audit.NewRecorder(st.DB(), 0)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	t.Cleanup(func() {
		rec.Close()
		st.Close()
	})
	puller := pull.NewService(st, rec, "")
	return NewHandler(st, puller, nil, "mcp-client"), st
}

func rpcCall(t *testing.T, h *Handler, body string) rpcResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp rpcResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v\n%s", err, w.Body.String())
	}
	return resp
}

func TestRejectsWrongJSONRPCVersion(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := rpcCall(t, h, `{"jsonrpc":"1.0","id":7,"method":"ping"}`)
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("expected -32600, got %+v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("response must echo the request id, got %s", resp.ID)
	}
}

func TestUnknownMethod(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := rpcCall(t, h, `{"jsonrpc":"2.0","id":"abc","method":"no/such"}`)
	if resp.Error == nil || resp.Error.Code != codeInternalError {
		t.Fatalf("expected -32603, got %+v", resp.Error)
	}
	if string(resp.ID) != `"abc"` {
		t.Errorf("response must echo the request id, got %s", resp.ID)
	}
}

func TestInitializeAndPing(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := rpcCall(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["protocolVersion"] != protocolVersion {
		t.Errorf("unexpected initialize result: %+v", resp.Result)
	}

	resp = rpcCall(t, h, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if resp.Error != nil {
		t.Fatalf("ping failed: %+v", resp.Error)
	}
}

func TestResourcesListAndRead(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()

	c, err := st.CreateContext(ctx, model.Context{Name: "risk-policy", Content: json.RawMessage(`{"limit":100}`)})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	err = st.LinkContent(ctx, model.ContentLink{
		PrincipalType: model.PrincipalAgent, PrincipalID: "mcp-client",
		ResourceType: model.ResourceContext, ResourceID: c.ID,
	})
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	resp := rpcCall(t, h, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	if resp.Error != nil {
		t.Fatalf("resources/list failed: %+v", resp.Error)
	}
	out, _ := json.Marshal(resp.Result)
	if !bytes.Contains(out, []byte("sandarb://context/risk-policy")) {
		t.Errorf("expected context resource uri in %s", out)
	}

	resp = rpcCall(t, h, `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"sandarb://context/risk-policy"}}`)
	if resp.Error != nil {
		t.Fatalf("resources/read failed: %+v", resp.Error)
	}
	out, _ = json.Marshal(resp.Result)
	if !bytes.Contains(out, []byte(`{\"limit\":100}`)) {
		t.Errorf("expected context content in %s", out)
	}
}

func TestToolCallPullGoesThroughGate(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()

	// Context exists but the MCP identity has no link: the gate denies
	// and the tool reports an error result instead of content.
	if _, err := st.CreateContext(ctx, model.Context{Name: "risk-policy", Content: json.RawMessage(`{"limit":100}`)}); err != nil {
		t.Fatalf("create context: %v", err)
	}

	resp := rpcCall(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"sandarb_pull","arguments":{"name":"risk-policy"}}}`)
	if resp.Error != nil {
		t.Fatalf("tools/call transport error: %+v", resp.Error)
	}
	result, _ := resp.Result.(map[string]any)
	if result["isError"] != true {
		t.Errorf("expected denied tool result, got %+v", result)
	}
}

func TestPromptsListOnlyApproved(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := context.Background()

	p, _ := st.CreatePrompt(ctx, "onboarding")
	if _, err := st.CreatePromptVersion(ctx, p.ID, model.PromptVersion{Content: "hi {{name}}"}, model.AutoApprove); err != nil {
		t.Fatalf("create version: %v", err)
	}
	// Draft-only prompt must not be listed.
	d, _ := st.CreatePrompt(ctx, "draft-only")
	if _, err := st.CreatePromptVersion(ctx, d.ID, model.PromptVersion{Content: "wip"}, model.RequireApproval); err != nil {
		t.Fatalf("create draft version: %v", err)
	}

	resp := rpcCall(t, h, `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`)
	if resp.Error != nil {
		t.Fatalf("prompts/list failed: %+v", resp.Error)
	}
	out, _ := json.Marshal(resp.Result)
	if !bytes.Contains(out, []byte("onboarding")) || bytes.Contains(out, []byte("draft-only")) {
		t.Errorf("unexpected prompt list: %s", out)
	}
}

func TestGetCapabilities(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("tools/call")) {
		t.Errorf("expected method list in capabilities: %s", w.Body.String())
	}
}
