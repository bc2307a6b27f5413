// Package pull is the governed retrieval path: name resolution, the
// policy gate, variable interpolation, and the audit record, in that
// order. Agents only ever see approved content through this package.
package pull

import (
	"context"
	"fmt"

	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/errs"
	"github.com/sandarb-ai/sandarb/internal/model"
	"github.com/sandarb-ai/sandarb/internal/policy"
	"github.com/sandarb-ai/sandarb/internal/store"
)

// DefaultPreviewAgentID is the default reserved identity for operator
// preview calls. Previews bypass the gate as well as the audit trail:
// they exist so an operator can inspect exactly what would be served
// without holding a link or polluting lineage.
const DefaultPreviewAgentID = "sandarb-preview"

// Service resolves governed content for agents.
type Service struct {
	store     *store.Store
	rec       *audit.Recorder
	previewID string
}

// NewService creates the pull service. previewID is the reserved
// preview identity; empty uses DefaultPreviewAgentID.
func NewService(st *store.Store, rec *audit.Recorder, previewID string) *Service {
	if previewID == "" {
		previewID = DefaultPreviewAgentID
	}
	return &Service{store: st, rec: rec, previewID: previewID}
}

// Request identifies one retrieval.
type Request struct {
	Name      string
	AgentID   string
	TraceID   string
	Variables map[string]string
}

// Result is the resolved content plus its provenance.
type Result struct {
	ResourceType string            `json:"resourceType"`
	ResourceID   string            `json:"resourceId"`
	Name         string            `json:"name"`
	Content      string            `json:"content"`
	Version      int               `json:"version,omitempty"`
	VersionID    string            `json:"versionId,omitempty"`
	Model        string            `json:"model,omitempty"`
	Temperature  float64           `json:"temperature,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	Decision     policy.Decision   `json:"decision"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// Pull resolves a name to its served content. Names are tried as a
// prompt first, then as a context; the policy gate runs before any
// content leaves the store. A denied pull is audited and returns
// PolicyDenied; an allowed pull is audited with the serving version.
func (s *Service) Pull(ctx context.Context, req Request, cfg *policy.Config) (Result, error) {
	if req.Name == "" {
		return Result{}, errs.New(errs.Validation, "content name is required")
	}
	if req.AgentID == "" {
		return Result{}, errs.New(errs.Validation, "agent identity is required")
	}
	preview := req.AgentID == s.previewID

	res, content, err := s.resolve(ctx, req.Name)
	if err != nil {
		return Result{}, err
	}

	if !preview {
		principal, err := s.principal(ctx, req.AgentID)
		if err != nil {
			return Result{}, err
		}
		links, err := s.store.LinksForResource(ctx, content.Type, content.ID)
		if err != nil {
			return Result{}, err
		}
		decision := policy.CheckAccess(principal, content, links, cfg)
		res.Decision = decision
		if !decision.Allowed {
			s.rec.Record(audit.Event{
				AgentID:       req.AgentID,
				TraceID:       req.TraceID,
				ActionType:    audit.ActionDenied,
				ResourceType:  content.Type,
				ResourceID:    content.ID,
				InputSummary:  req.Name,
				ResultSummary: decision.Reason,
			})
			return Result{}, errs.New(errs.PolicyDenied, "access to %s %q denied: %s", content.Type, req.Name, decision.Reason)
		}
	} else {
		res.Decision = policy.Decision{Allowed: true, Reason: "preview"}
	}

	res.Content = Interpolate(res.Content, req.Variables)
	res.SystemPrompt = Interpolate(res.SystemPrompt, req.Variables)
	res.Variables = req.Variables

	if !preview {
		action := audit.ActionPullContext
		result := "served live content"
		if content.Type == model.ResourcePrompt {
			action = audit.ActionPullPrompt
			result = fmt.Sprintf("served v%d (%s)", res.Version, res.VersionID)
		}
		s.rec.Record(audit.Event{
			AgentID:       req.AgentID,
			TraceID:       req.TraceID,
			ActionType:    action,
			ResourceType:  content.Type,
			ResourceID:    content.ID,
			InputSummary:  req.Name,
			ResultSummary: result,
		})
	}
	return res, nil
}

// resolve maps a name to servable content: a prompt's current approved
// version, or a context's live document.
func (s *Service) resolve(ctx context.Context, name string) (Result, policy.Content, error) {
	p, v, err := s.store.CurrentPromptVersion(ctx, name)
	if err == nil {
		res := Result{
			ResourceType: model.ResourcePrompt,
			ResourceID:   p.ID,
			Name:         p.Name,
			Content:      v.Content,
			Version:      v.Version,
			VersionID:    v.ID,
			Model:        v.Model,
			Temperature:  v.Temperature,
			MaxTokens:    v.MaxTokens,
			SystemPrompt: v.SystemPrompt,
		}
		return res, policy.Content{Type: model.ResourcePrompt, ID: p.ID, Name: p.Name}, nil
	}
	if errs.KindOf(err) != errs.NotFound {
		return Result{}, policy.Content{}, err
	}

	c, err := s.store.ContextByName(ctx, name)
	if errs.KindOf(err) == errs.NotFound {
		return Result{}, policy.Content{}, errs.New(errs.NotFound, "no prompt or context named %q", name)
	}
	if err != nil {
		return Result{}, policy.Content{}, err
	}
	res := Result{
		ResourceType: model.ResourceContext,
		ResourceID:   c.ID,
		Name:         c.Name,
		Content:      string(c.Content),
	}
	return res, policy.Content{Type: model.ResourceContext, ID: c.ID, Name: c.Name, LineOfBusiness: c.LineOfBusiness}, nil
}

// principal loads the calling agent's gate-relevant metadata. Unknown
// agents evaluate with an empty org so the link check decides.
func (s *Service) principal(ctx context.Context, agentID string) (policy.Principal, error) {
	a, err := s.store.AgentByID(ctx, agentID)
	if errs.KindOf(err) == errs.NotFound {
		return policy.Principal{AgentID: agentID}, nil
	}
	if err != nil {
		return policy.Principal{}, err
	}
	org, err := s.store.OrganizationByID(ctx, a.OrgID)
	if err != nil && errs.KindOf(err) != errs.NotFound {
		return policy.Principal{}, err
	}
	return policy.Principal{AgentID: a.ID, OrgID: a.OrgID, LineOfBusiness: org.Name}, nil
}
