// Package mcp exposes governed content over the Model Context Protocol:
// a JSON-RPC 2.0 handler mounted at /mcp for remote clients, and a
// stdio server for local ones. Contexts surface as resources, approved
// prompts as MCP prompts, and retrieval goes through the same pull path
// as REST so the gate and audit trail apply identically.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sandarb-ai/sandarb/internal/policy"
	"github.com/sandarb-ai/sandarb/internal/pull"
	"github.com/sandarb-ai/sandarb/internal/store"
)

// JSON-RPC error codes served by the dispatcher.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInternalError  = -32603
)

const protocolVersion = "2024-11-05"

// Handler dispatches MCP JSON-RPC requests. The gate config is read
// through a function so hot reloads apply without restarting.
type Handler struct {
	store   *store.Store
	puller  *pull.Service
	gateCfg func() *policy.Config
	agentID string
}

// NewHandler creates the MCP handler. agentID is the identity MCP
// retrievals are attributed to in the audit trail.
func NewHandler(st *store.Store, puller *pull.Service, gateCfg func() *policy.Config, agentID string) *Handler {
	if gateCfg == nil {
		gateCfg = policy.DefaultConfig
	}
	return &Handler{store: st, puller: puller, gateCfg: gateCfg, agentID: agentID}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// ServeHTTP handles POST /mcp (JSON-RPC) and GET /mcp (capability info).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.writeJSON(w, http.StatusOK, map[string]any{
			"protocol":        "mcp",
			"protocolVersion": protocolVersion,
			"transport":       "http",
			"methods": []string{
				"initialize", "resources/list", "resources/read",
				"tools/list", "tools/call", "prompts/list", "prompts/get", "ping",
			},
		})
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "failed to read request body"}})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "invalid JSON"}})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" {
		resp.Error = &rpcError{Code: codeInvalidRequest, Message: `jsonrpc must be "2.0"`}
		h.writeRPC(w, resp)
		return
	}

	result, rpcErr := h.dispatch(r.Context(), req)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	h.writeRPC(w, resp)
}

// dispatch routes one request. Panics in any method become a JSON-RPC
// internal error so one bad request cannot take the transport down.
func (h *Handler) dispatch(ctx context.Context, req rpcRequest) (result any, rpcErr *rpcError) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			rpcErr = &rpcError{Code: codeInternalError, Message: fmt.Sprintf("internal error in %s: %v", req.Method, r)}
		}
	}()

	switch req.Method {
	case "initialize":
		return h.initialize(), nil
	case "ping":
		return map[string]any{}, nil
	case "resources/list":
		return h.listResources(ctx)
	case "resources/read":
		return h.readResource(ctx, req.Params)
	case "tools/list":
		return h.listTools(), nil
	case "tools/call":
		return h.callTool(ctx, req.Params)
	case "prompts/list":
		return h.listPrompts(ctx)
	case "prompts/get":
		return h.getPrompt(ctx, req.Params)
	default:
		return nil, &rpcError{Code: codeInternalError, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (h *Handler) initialize() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"resources": map[string]any{},
			"tools":     map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "sandarb",
			"version": "1.0.0",
		},
	}
}

const resourceURIPrefix = "sandarb://context/"

func (h *Handler) listResources(ctx context.Context) (any, *rpcError) {
	contexts, err := h.store.ListContexts(ctx)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	resources := make([]map[string]any, 0, len(contexts))
	for _, c := range contexts {
		resources = append(resources, map[string]any{
			"uri":      resourceURIPrefix + c.Name,
			"name":     c.Name,
			"mimeType": "application/json",
		})
	}
	return map[string]any{"resources": resources}, nil
}

func (h *Handler) readResource(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, &rpcError{Code: codeInvalidRequest, Message: "params.uri is required"}
	}
	name := strings.TrimPrefix(p.URI, resourceURIPrefix)
	if name == p.URI {
		return nil, &rpcError{Code: codeInvalidRequest, Message: fmt.Sprintf("unsupported resource uri %q", p.URI)}
	}

	res, err := h.pull(ctx, name, nil)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	return map[string]any{
		"contents": []map[string]any{{
			"uri":      p.URI,
			"mimeType": "application/json",
			"text":     res.Content,
		}},
	}, nil
}

func (h *Handler) listTools() any {
	return map[string]any{
		"tools": []map[string]any{
			{
				"name":        "sandarb_pull",
				"description": "Retrieve a governed prompt or context by name. Retrieval is policy-checked and audited.",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":      map[string]any{"type": "string", "description": "prompt or context name"},
						"variables": map[string]any{"type": "object", "description": "values for {{key}} placeholders"},
					},
					"required": []string{"name"},
				},
			},
			{
				"name":        "sandarb_list_contexts",
				"description": "List governed context names available to this server.",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
		},
	}
}

func (h *Handler) callTool(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &rpcError{Code: codeInvalidRequest, Message: "params.name is required"}
	}

	switch p.Name {
	case "sandarb_pull":
		var args struct {
			Name      string            `json:"name"`
			Variables map[string]string `json:"variables"`
		}
		if len(p.Arguments) > 0 {
			if err := json.Unmarshal(p.Arguments, &args); err != nil {
				return nil, &rpcError{Code: codeInvalidRequest, Message: "invalid tool arguments"}
			}
		}
		if args.Name == "" {
			return nil, &rpcError{Code: codeInvalidRequest, Message: "arguments.name is required"}
		}
		res, err := h.pull(ctx, args.Name, args.Variables)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return toolText(res.Content), nil

	case "sandarb_list_contexts":
		contexts, err := h.store.ListContexts(ctx)
		if err != nil {
			return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		names := make([]string, 0, len(contexts))
		for _, c := range contexts {
			names = append(names, c.Name)
		}
		out, _ := json.Marshal(names)
		return toolText(string(out)), nil

	default:
		return nil, &rpcError{Code: codeInternalError, Message: fmt.Sprintf("unknown tool %q", p.Name)}
	}
}

func (h *Handler) listPrompts(ctx context.Context) (any, *rpcError) {
	prompts, err := h.store.ListPrompts(ctx)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	// Only prompts with an approved current version are exposed.
	list := make([]map[string]any, 0, len(prompts))
	for _, p := range prompts {
		if p.CurrentVersionID == "" {
			continue
		}
		list = append(list, map[string]any{"name": p.Name})
	}
	return map[string]any{"prompts": list}, nil
}

func (h *Handler) getPrompt(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &rpcError{Code: codeInvalidRequest, Message: "params.name is required"}
	}

	res, err := h.pull(ctx, p.Name, p.Arguments)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	return map[string]any{
		"messages": []map[string]any{{
			"role":    "user",
			"content": map[string]any{"type": "text", "text": res.Content},
		}},
	}, nil
}

func (h *Handler) pull(ctx context.Context, name string, vars map[string]string) (pull.Result, error) {
	return h.puller.Pull(ctx, pull.Request{
		Name:      name,
		AgentID:   h.agentID,
		TraceID:   "mcp-" + uuid.NewString(),
		Variables: vars,
	}, h.gateCfg())
}

func toolText(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

func toolError(msg string) map[string]any {
	out := toolText(msg)
	out["isError"] = true
	return out
}

func (h *Handler) writeRPC(w http.ResponseWriter, resp rpcResponse) {
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
