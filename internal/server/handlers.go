package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sandarb-ai/sandarb/internal/errs"
	"github.com/sandarb-ai/sandarb/internal/model"
	"github.com/sandarb-ai/sandarb/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"policyHash":   s.GateHash(),
		"auditDropped": s.rec.Dropped(),
	})
}

// --- Organizations ---

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		ParentID string `json:"parentId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, errs.New(errs.Validation, "organization name is required"))
		return
	}
	if body.ParentID == "" {
		root, err := s.store.RootOrganization(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		body.ParentID = root.ID
	}

	org, err := s.store.CreateOrganization(r.Context(), body.Name, body.ParentID, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, org)
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.store.ListOrganizations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, orgs)
}

func (s *Server) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteOrganization(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"deleted": chi.URLParam(r, "id")})
}

// --- Agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, agents)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		OrgID     string `json:"orgId"`
		A2AURL    string `json:"a2aUrl"`
		FetchCard bool   `json:"fetchCard"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	a, err := s.registry.Register(r.Context(), registry.RegisterInput{
		Name:      body.Name,
		OrgID:     body.OrgID,
		A2AURL:    body.A2AURL,
		FetchCard: body.FetchCard,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, a)
}

func (s *Server) handleAgentPing(w http.ResponseWriter, r *http.Request) {
	var m model.Manifest
	if err := decodeJSON(r, &m); err != nil {
		writeError(w, err)
		return
	}

	a, created, err := s.registry.Ping(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, a)
}

func (s *Server) handleApproveAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.registry.Approve(r.Context(), chi.URLParam(r, "id"), reviewerOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, a)
}

func (s *Server) handleRejectAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.registry.Reject(r.Context(), chi.URLParam(r, "id"), reviewerOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, a)
}

// reviewerOf reads the optional reviewer identity from the request body.
func reviewerOf(r *http.Request) string {
	var body struct {
		ReviewedBy string `json:"reviewedBy"`
	}
	if err := decodeJSON(r, &body); err != nil || body.ReviewedBy == "" {
		return "operator"
	}
	return body.ReviewedBy
}
