package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sandarb-ai/sandarb/internal/approval"
	"github.com/sandarb-ai/sandarb/internal/errs"
	"github.com/sandarb-ai/sandarb/internal/model"
	"github.com/sandarb-ai/sandarb/internal/pull"
)

// Identity headers for the pull path.
const (
	headerAgentID = "X-Sandarb-Agent-ID"
	headerTraceID = "X-Sandarb-Trace-ID"
)

// --- Prompts ---

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	p, err := s.store.CreatePrompt(r.Context(), body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, p)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.store.ListPrompts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, prompts)
}

// versionBody carries the legacy autoApprove flag; it maps to the
// review mode here at the boundary and nowhere else.
type versionBody struct {
	Content      string  `json:"content"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`
	SystemPrompt string  `json:"systemPrompt"`
	CreatedBy    string  `json:"createdBy"`
	AutoApprove  bool    `json:"autoApprove"`
}

func reviewMode(autoApprove bool) model.ReviewMode {
	if autoApprove {
		return model.AutoApprove
	}
	return model.RequireApproval
}

func (s *Server) handleProposePromptVersion(w http.ResponseWriter, r *http.Request) {
	var body versionBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	v, err := s.approvals.ProposePromptVersion(r.Context(), chi.URLParam(r, "id"), approval.PromptVersionInput{
		Content:      body.Content,
		Model:        body.Model,
		Temperature:  body.Temperature,
		MaxTokens:    body.MaxTokens,
		SystemPrompt: body.SystemPrompt,
		CreatedBy:    body.CreatedBy,
	}, reviewMode(body.AutoApprove))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, v)
}

func (s *Server) handleListPromptVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListPromptVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, versions)
}

func (s *Server) handleApprovePromptVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.approvals.ApprovePromptVersion(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "vid"), reviewerOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, v)
}

func (s *Server) handleRejectPromptVersion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReviewedBy string `json:"reviewedBy"`
		Reason     string `json:"reason"`
	}
	_ = decodeJSON(r, &body)
	if body.ReviewedBy == "" {
		body.ReviewedBy = "operator"
	}

	v, err := s.approvals.RejectPromptVersion(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "vid"), body.ReviewedBy, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, v)
}

// --- Pull ---

// handlePull is the governed retrieval endpoint. A request without
// both identity values is rejected before anything touches the audit
// trail.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(headerAgentID)
	if agentID == "" {
		agentID = r.URL.Query().Get("agentId")
	}
	traceID := r.Header.Get(headerTraceID)
	if traceID == "" {
		traceID = r.URL.Query().Get("traceId")
	}
	if agentID == "" || traceID == "" {
		writeError(w, errs.New(errs.Validation, "%s and %s are required", headerAgentID, headerTraceID))
		return
	}

	vars, err := parseVariables(r.URL.Query().Get("variables"))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.puller.Pull(r.Context(), pull.Request{
		Name:      r.URL.Query().Get("name"),
		AgentID:   agentID,
		TraceID:   traceID,
		Variables: vars,
	}, s.GateConfig())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// parseVariables decodes the variables query parameter, a URL-encoded
// JSON object of string values.
func parseVariables(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "variables must be a JSON object of strings")
	}
	return vars, nil
}

// --- Contexts ---

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var c model.Context
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, err)
		return
	}

	created, err := s.store.CreateContext(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	contexts, err := s.store.ListContexts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, contexts)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.ContextByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, c)
}

func (s *Server) handleProposeContextRevision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content       json.RawMessage `json:"content"`
		CommitMessage string          `json:"commitMessage"`
		CreatedBy     string          `json:"createdBy"`
		AutoApprove   bool            `json:"autoApprove"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	rev, err := s.approvals.ProposeContextRevision(r.Context(), chi.URLParam(r, "id"), model.ContextRevision{
		Content:       body.Content,
		CommitMessage: body.CommitMessage,
		CreatedBy:     body.CreatedBy,
	}, reviewMode(body.AutoApprove))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, rev)
}

func (s *Server) handleListContextRevisions(w http.ResponseWriter, r *http.Request) {
	revisions, err := s.store.ListContextRevisions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, revisions)
}

func (s *Server) handleApproveContextRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := s.approvals.ApproveContextRevision(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "rid"), reviewerOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rev)
}

func (s *Server) handleRejectContextRevision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReviewedBy string `json:"reviewedBy"`
		Reason     string `json:"reason"`
	}
	_ = decodeJSON(r, &body)
	if body.ReviewedBy == "" {
		body.ReviewedBy = "operator"
	}

	rev, err := s.approvals.RejectContextRevision(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "rid"), body.ReviewedBy, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rev)
}

// --- Links ---

type linkBody struct {
	PrincipalType string `json:"principalType"`
	PrincipalID   string `json:"principalId"`
}

func (s *Server) handleLinkContext(w http.ResponseWriter, r *http.Request) {
	s.link(w, r, model.ResourceContext)
}

func (s *Server) handleLinkPrompt(w http.ResponseWriter, r *http.Request) {
	s.link(w, r, model.ResourcePrompt)
}

func (s *Server) link(w http.ResponseWriter, r *http.Request, resourceType string) {
	var body linkBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.PrincipalType != model.PrincipalAgent && body.PrincipalType != model.PrincipalOrg {
		writeError(w, errs.New(errs.Validation, "principalType must be %q or %q", model.PrincipalAgent, model.PrincipalOrg))
		return
	}
	if body.PrincipalID == "" {
		writeError(w, errs.New(errs.Validation, "principalId is required"))
		return
	}

	link := model.ContentLink{
		PrincipalType: body.PrincipalType,
		PrincipalID:   body.PrincipalID,
		ResourceType:  resourceType,
		ResourceID:    chi.URLParam(r, "id"),
	}
	if err := s.store.LinkContent(r.Context(), link); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, link)
}
