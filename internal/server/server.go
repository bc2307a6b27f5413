// Package server is the REST and MCP-over-HTTP surface. Handlers are
// stateless: every request reads the current gate config through the
// server's RWMutex, so policy hot reloads apply to in-flight traffic
// without a restart.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sandarb-ai/sandarb/internal/approval"
	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/config"
	"github.com/sandarb-ai/sandarb/internal/mcp"
	"github.com/sandarb-ai/sandarb/internal/policy"
	"github.com/sandarb-ai/sandarb/internal/pull"
	"github.com/sandarb-ai/sandarb/internal/registry"
	"github.com/sandarb-ai/sandarb/internal/store"
)

// Server wires the governance services behind a chi router.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	rec     *audit.Recorder
	queries *audit.Queries

	approvals *approval.Service
	registry  *registry.Service
	puller    *pull.Service

	mu       sync.RWMutex
	gateCfg  *policy.Config
	gateHash string

	router chi.Router
}

// New creates the server, loading the gate config from cfg.PolicyFile.
func New(cfg *config.Config, st *store.Store, rec *audit.Recorder) (*Server, error) {
	gateCfg, gateHash, err := policy.LoadConfigWithHash(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("server: load gate config: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		store:     st,
		rec:       rec,
		queries:   audit.NewQueries(st.DB()),
		approvals: approval.NewService(st, rec),
		registry:  registry.NewService(st, rec, cfg.CardFetchTimeout),
		puller:    pull.NewService(st, rec, cfg.PreviewAgentID),
		gateCfg:   gateCfg,
		gateHash:  gateHash,
	}
	s.router = s.routes()
	return s, nil
}

// GateConfig returns the gate config in force for this request.
func (s *Server) GateConfig() *policy.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gateCfg
}

// GateHash reports which policy file contents are in force.
func (s *Server) GateHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gateHash
}

// ReloadPolicy atomically swaps the gate config. Called by the
// hot-reloader on file change; a broken file keeps the old config.
func (s *Server) ReloadPolicy() error {
	gateCfg, gateHash, err := policy.LoadConfigWithHash(s.cfg.PolicyFile)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.gateCfg = gateCfg
	s.gateHash = gateHash
	s.mu.Unlock()
	return nil
}

// Handler returns the HTTP handler. For testing.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/orgs", func(r chi.Router) {
		r.Post("/", s.handleCreateOrg)
		r.Get("/", s.handleListOrgs)
		r.Delete("/{id}", s.handleDeleteOrg)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/register", s.handleRegisterAgent)
		r.Post("/ping", s.handleAgentPing)
		r.Post("/{id}/approve", s.handleApproveAgent)
		r.Post("/{id}/reject", s.handleRejectAgent)
	})

	r.Route("/prompts", func(r chi.Router) {
		r.Post("/", s.handleCreatePrompt)
		r.Get("/", s.handleListPrompts)
		r.Get("/pull", s.handlePull)
		r.Post("/{id}/links", s.handleLinkPrompt)
		r.Post("/{id}/versions", s.handleProposePromptVersion)
		r.Get("/{id}/versions", s.handleListPromptVersions)
		r.Post("/{id}/versions/{vid}/approve", s.handleApprovePromptVersion)
		r.Post("/{id}/versions/{vid}/reject", s.handleRejectPromptVersion)
	})

	r.Route("/contexts", func(r chi.Router) {
		r.Post("/", s.handleCreateContext)
		r.Get("/", s.handleListContexts)
		r.Get("/{id}", s.handleGetContext)
		r.Post("/{id}/links", s.handleLinkContext)
		r.Post("/{id}/revisions", s.handleProposeContextRevision)
		r.Get("/{id}/revisions", s.handleListContextRevisions)
		r.Post("/{id}/revisions/{rid}/approve", s.handleApproveContextRevision)
		r.Post("/{id}/revisions/{rid}/reject", s.handleRejectContextRevision)
	})

	r.Get("/lineage", s.handleLineage)
	r.Route("/governance", func(r chi.Router) {
		r.Get("/intersection", s.handleIntersection)
		r.Get("/blocked-injections", s.handleBlockedInjections)
		r.Get("/log", s.handleGovernanceLog)
	})

	mcpHandler := mcp.NewHandler(s.store, s.puller, s.GateConfig, s.cfg.MCPAgentID)
	r.Get("/mcp", mcpHandler.ServeHTTP)
	r.Post("/mcp", mcpHandler.ServeHTTP)

	return r
}

// Run serves HTTP and the policy reloader until ctx is cancelled, then
// shuts down gracefully and flushes the audit queue.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "sandarb: listening on %s\n", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if s.cfg.PolicyFile != "" {
		g.Go(func() error {
			return WatchPolicy(gctx, s.cfg.PolicyFile, s.ReloadPolicy)
		})
	}

	err := g.Wait()
	s.rec.Flush()
	return err
}
