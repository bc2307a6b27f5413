package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sandarb-ai/sandarb/internal/policy"
	"github.com/sandarb-ai/sandarb/internal/pull"
	"github.com/sandarb-ai/sandarb/internal/store"
)

// StdioServer serves the same pull and list tools over stdio for local
// MCP clients (editors, agent runtimes launched as subprocesses).
type StdioServer struct {
	mcpServer *mcpsdk.Server
	store     *store.Store
	puller    *pull.Service
	gateCfg   func() *policy.Config
	agentID   string
}

// NewStdioServer creates the stdio transport server.
func NewStdioServer(st *store.Store, puller *pull.Service, gateCfg func() *policy.Config, agentID string) *StdioServer {
	if gateCfg == nil {
		gateCfg = policy.DefaultConfig
	}
	s := &StdioServer{
		store:   st,
		puller:  puller,
		gateCfg: gateCfg,
		agentID: agentID,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "sandarb",
			Version: "1.0.0",
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the server on stdio transport. Blocks until ctx is cancelled.
func (s *StdioServer) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// PullInput defines parameters for the sandarb_pull tool.
type PullInput struct {
	Name      string            `json:"name" jsonschema:"prompt or context name"`
	Variables map[string]string `json:"variables,omitempty" jsonschema:"values for {{key}} placeholders"`
}

// PullOutput contains the resolved content and its provenance.
type PullOutput struct {
	ResourceType string `json:"resource_type"`
	Name         string `json:"name"`
	Content      string `json:"content"`
	Version      int    `json:"version,omitempty"`
	Denied       bool   `json:"denied,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ListContextsInput is empty.
type ListContextsInput struct{}

// ListContextsOutput lists governed context names.
type ListContextsOutput struct {
	Contexts []string `json:"contexts"`
}

func (s *StdioServer) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "sandarb_pull",
		Description: "Retrieve a governed prompt or context by name. Retrieval is policy-checked and audited.",
	}, s.handlePull)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "sandarb_list_contexts",
		Description: "List governed context names available to this server.",
	}, s.handleListContexts)
}

func (s *StdioServer) handlePull(ctx context.Context, req *mcpsdk.CallToolRequest, input PullInput) (*mcpsdk.CallToolResult, PullOutput, error) {
	res, err := s.puller.Pull(ctx, pull.Request{
		Name:      input.Name,
		AgentID:   s.agentID,
		TraceID:   "mcp-stdio",
		Variables: input.Variables,
	}, s.gateCfg())
	if err != nil {
		out := PullOutput{Name: input.Name, Denied: true, Reason: err.Error()}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}

	out := PullOutput{
		ResourceType: res.ResourceType,
		Name:         res.Name,
		Content:      res.Content,
		Version:      res.Version,
	}
	return nil, out, nil
}

func (s *StdioServer) handleListContexts(ctx context.Context, req *mcpsdk.CallToolRequest, input ListContextsInput) (*mcpsdk.CallToolResult, ListContextsOutput, error) {
	contexts, err := s.store.ListContexts(ctx)
	if err != nil {
		return nil, ListContextsOutput{}, fmt.Errorf("mcp: list contexts: %w", err)
	}
	names := make([]string, 0, len(contexts))
	for _, c := range contexts {
		names = append(names, c.Name)
	}
	return nil, ListContextsOutput{Contexts: names}, nil
}
