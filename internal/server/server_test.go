package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/config"
	"github.com/sandarb-ai/sandarb/internal/model"
	"github.com/sandarb-ai/sandarb/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *audit.Recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "server.db")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if _, err := st.EnsureRootOrganization(context.Background(), cfg.RootOrg); err != nil {
		t.Fatalf("failed to seed root org: %v", err)
	}
	rec, err := audit.NewRecorder(st.DB(), 0)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	srv, err := New(cfg, st, rec)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() {
		rec.Close()
		st.Close()
	})
	return srv, st, rec
}

func do(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid envelope: %v\n%s", err, w.Body.String())
	}
	return w, env
}

func dataField(t *testing.T, env envelope, key string) string {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is not an object: %+v", env.Data)
	}
	v, _ := m[key].(string)
	return v
}

func auditRows(t *testing.T, st *store.Store) int {
	t.Helper()
	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	return n
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w, env := do(t, srv, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("unexpected health response: %d %+v", w.Code, env)
	}
}

func TestPullRequiresIdentity(t *testing.T) {
	srv, st, rec := newTestServer(t)

	// Missing both headers and query params.
	w, env := do(t, srv, http.MethodGet, "/prompts/pull?name=onboarding", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if env.Error == nil || env.Error.Code != "validation_error" {
		t.Errorf("expected validation_error code, got %+v", env.Error)
	}

	// Agent id without trace id is still incomplete.
	w, _ = do(t, srv, http.MethodGet, "/prompts/pull?name=onboarding", nil, map[string]string{"X-Sandarb-Agent-ID": "agent-7"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without trace id, got %d", w.Code)
	}

	rec.Flush()
	if n := auditRows(t, st); n != 0 {
		t.Errorf("identity failure must not be audited, got %d rows", n)
	}
}

func TestPullLifecycleOverREST(t *testing.T) {
	srv, st, rec := newTestServer(t)

	// Create a prompt and propose a version requiring approval.
	_, env := do(t, srv, http.MethodPost, "/prompts", map[string]string{"name": "onboarding"}, nil)
	promptID := dataField(t, env, "id")

	w, env := do(t, srv, http.MethodPost, "/prompts/"+promptID+"/versions",
		map[string]any{"content": "Welcome, {{name}}!", "createdBy": "ops"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("propose failed: %d %+v", w.Code, env)
	}
	versionID := dataField(t, env, "id")

	// Unapproved content never serves.
	w, _ = do(t, srv, http.MethodGet, "/prompts/pull?name=onboarding", nil,
		map[string]string{"X-Sandarb-Agent-ID": "agent-7", "X-Sandarb-Trace-ID": "trace-1"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before approval, got %d", w.Code)
	}

	// Approve, link, pull.
	w, _ = do(t, srv, http.MethodPost, "/prompts/"+promptID+"/versions/"+versionID+"/approve",
		map[string]string{"reviewedBy": "reviewer"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve failed: %d", w.Code)
	}
	w, _ = do(t, srv, http.MethodPost, "/prompts/"+promptID+"/links",
		map[string]string{"principalType": "agent", "principalId": "agent-7"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("link failed: %d", w.Code)
	}

	vars := url.QueryEscape(`{"name":"Ada"}`)
	w, env = do(t, srv, http.MethodGet, "/prompts/pull?name=onboarding&variables="+vars, nil,
		map[string]string{"X-Sandarb-Agent-ID": "agent-7", "X-Sandarb-Trace-ID": "trace-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("pull failed: %d %+v", w.Code, env)
	}
	if got := dataField(t, env, "content"); got != "Welcome, Ada!" {
		t.Errorf("unexpected content %q", got)
	}

	rec.Flush()
	var pulls int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action_type = ?`, audit.ActionPullPrompt).Scan(&pulls); err != nil {
		t.Fatalf("count pulls: %v", err)
	}
	if pulls != 1 {
		t.Errorf("expected exactly 1 pull audit row, got %d", pulls)
	}
}

func TestPullDeniedFeedsBlockedInjections(t *testing.T) {
	srv, _, rec := newTestServer(t)

	_, env := do(t, srv, http.MethodPost, "/contexts",
		map[string]any{"name": "risk-policy", "content": map[string]any{"limit": 100}}, nil)
	if env.Error != nil {
		t.Fatalf("create context failed: %+v", env.Error)
	}

	w, env := do(t, srv, http.MethodGet, "/prompts/pull?name=risk-policy", nil,
		map[string]string{"X-Sandarb-Agent-ID": "intruder", "X-Sandarb-Trace-ID": "trace-9"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if env.Error == nil || env.Error.Code != "policy_denied" {
		t.Errorf("expected policy_denied, got %+v", env.Error)
	}

	rec.Flush()
	w, env = do(t, srv, http.MethodGet, "/governance/blocked-injections", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("blocked feed failed: %d", w.Code)
	}
	out, _ := json.Marshal(env.Data)
	if !bytes.Contains(out, []byte("intruder")) {
		t.Errorf("expected the denial in the blocked feed: %s", out)
	}
}

func TestAutoApproveMapsToReviewMode(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, env := do(t, srv, http.MethodPost, "/prompts", map[string]string{"name": "greeting"}, nil)
	promptID := dataField(t, env, "id")

	_, env = do(t, srv, http.MethodPost, "/prompts/"+promptID+"/versions",
		map[string]any{"content": "hi", "autoApprove": true}, nil)
	if got := dataField(t, env, "status"); got != string(model.StatusApproved) {
		t.Errorf("autoApprove must commit straight to approved, got %q", got)
	}
}

func TestAgentPingIdempotentOverREST(t *testing.T) {
	srv, _, _ := newTestServer(t)

	manifest := map[string]string{
		"agent_id": "loan-officer", "version": "1.0",
		"owner_team": "lending", "url": "https://agents.internal/loan",
	}
	w, _ := do(t, srv, http.MethodPost, "/agents/ping", manifest, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("first ping expected 201, got %d", w.Code)
	}
	w, _ = do(t, srv, http.MethodPost, "/agents/ping", manifest, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second ping expected 200, got %d", w.Code)
	}

	// Incomplete manifest is rejected.
	w, _ = do(t, srv, http.MethodPost, "/agents/ping", map[string]string{"agent_id": "x"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete manifest, got %d", w.Code)
	}
}

func TestCrossParentRevisionApprove(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, env := do(t, srv, http.MethodPost, "/contexts",
		map[string]any{"name": "ctx-a", "content": map[string]any{"v": 1}}, nil)
	ctxA := dataField(t, env, "id")
	_, env = do(t, srv, http.MethodPost, "/contexts",
		map[string]any{"name": "ctx-b", "content": map[string]any{"v": 1}}, nil)
	ctxB := dataField(t, env, "id")

	_, env = do(t, srv, http.MethodPost, "/contexts/"+ctxA+"/revisions",
		map[string]any{"content": map[string]any{"v": 2}, "commitMessage": "bump"}, nil)
	revA := dataField(t, env, "id")

	// Approving A's revision through B's path is a validation error.
	w, _ := do(t, srv, http.MethodPost, "/contexts/"+ctxB+"/revisions/"+revA+"/approve",
		map[string]string{"reviewedBy": "reviewer"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for cross-parent approve, got %d", w.Code)
	}
}

func TestRootOrgUndeletable(t *testing.T) {
	srv, st, _ := newTestServer(t)
	root, _ := st.RootOrganization(context.Background())

	w, env := do(t, srv, http.MethodDelete, "/orgs/"+root.ID, nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 deleting root, got %d %+v", w.Code, env)
	}
}

func TestGovernanceIntersectionWindow(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w, env := do(t, srv, http.MethodGet, "/governance/intersection?agentId=agent-7&startDate=2026-01-01&endDate=2026-01-31", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("intersection failed: %d", w.Code)
	}
	// No matches is an empty list, never an error.
	list, ok := env.Data.([]any)
	if !ok || len(list) != 0 {
		t.Errorf("expected empty list, got %+v", env.Data)
	}

	w, _ = do(t, srv, http.MethodGet, "/governance/intersection?startDate=bogus", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", w.Code)
	}
}

func TestPolicyHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("mode: enforce\n"), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "server.db")
	cfg.PolicyFile = path

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rec, err := audit.NewRecorder(st.DB(), 0)
	if err != nil {
		t.Fatalf("create recorder: %v", err)
	}
	srv, err := New(cfg, st, rec)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	t.Cleanup(func() {
		rec.Close()
		st.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- WatchPolicy(ctx, path, srv.ReloadPolicy) }()

	oldHash := srv.GateHash()
	if err := os.WriteFile(path, []byte("mode: permissive\n"), 0644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.GateHash() == oldHash {
		if time.Now().After(deadline) {
			t.Fatal("policy was not reloaded within 5s")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if srv.GateConfig().Mode != "permissive" {
		t.Errorf("expected permissive after reload, got %s", srv.GateConfig().Mode)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watcher returned error: %v", err)
	}
}

func TestEnvelopeShape(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Success carries data, no error.
	_, env := do(t, srv, http.MethodGet, "/orgs", nil, nil)
	if !env.Success || env.Error != nil {
		t.Errorf("unexpected success envelope: %+v", env)
	}

	// Failure carries a stable code, no data.
	w, env := do(t, srv, http.MethodGet, "/contexts/ctx_missing", nil, nil)
	if w.Code != http.StatusNotFound || env.Success || env.Error == nil {
		t.Fatalf("unexpected failure envelope: %d %+v", w.Code, env)
	}
	if env.Error.Code != "not_found" {
		t.Errorf("expected not_found code, got %q", env.Error.Code)
	}
}
