// Package registry manages agent identities: manual registration,
// URL-based registration with an agent-card fetch, and the A2A manifest
// ping used by agents to self-register.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/errs"
	"github.com/sandarb-ai/sandarb/internal/model"
	"github.com/sandarb-ai/sandarb/internal/store"
)

// DefaultFetchTimeout bounds outbound agent-card fetches so one
// unresponsive remote agent cannot exhaust server capacity.
const DefaultFetchTimeout = 15 * time.Second

// Service manages the agent registry.
type Service struct {
	store   *store.Store
	rec     *audit.Recorder
	fetcher *CardFetcher
}

// NewService creates the registry service. fetchTimeout <= 0 uses
// DefaultFetchTimeout.
func NewService(st *store.Store, rec *audit.Recorder, fetchTimeout time.Duration) *Service {
	return &Service{
		store:   st,
		rec:     rec,
		fetcher: NewCardFetcher(fetchTimeout),
	}
}

// RegisterInput is the operator-facing registration request.
type RegisterInput struct {
	Name      string
	OrgID     string
	A2AURL    string
	FetchCard bool
}

// Register creates a pending agent. When FetchCard is set the agent
// card is fetched from A2AURL before the row is written; a fetch
// failure fails the registration.
func (s *Service) Register(ctx context.Context, in RegisterInput) (model.Agent, error) {
	if in.Name == "" {
		return model.Agent{}, errs.New(errs.Validation, "agent name is required")
	}
	if in.OrgID == "" {
		root, err := s.store.RootOrganization(ctx)
		if err != nil {
			return model.Agent{}, err
		}
		in.OrgID = root.ID
	} else if _, err := s.store.OrganizationByID(ctx, in.OrgID); err != nil {
		return model.Agent{}, err
	}

	var card json.RawMessage
	if in.FetchCard {
		if in.A2AURL == "" {
			return model.Agent{}, errs.New(errs.Validation, "a2aUrl is required to fetch an agent card")
		}
		fetched, err := s.fetcher.Fetch(ctx, in.A2AURL)
		if err != nil {
			return model.Agent{}, err
		}
		card = fetched
	}

	a, err := s.store.CreateAgent(ctx, model.Agent{
		OrgID:     in.OrgID,
		Name:      in.Name,
		A2AURL:    in.A2AURL,
		AgentCard: card,
	})
	if err != nil {
		return model.Agent{}, err
	}

	s.rec.Record(audit.Event{
		AgentID:       a.ID,
		ActionType:    audit.ActionAgentRegistered,
		ResourceType:  "agent",
		ResourceID:    a.ID,
		InputSummary:  fmt.Sprintf("org %s, url %s", a.OrgID, a.A2AURL),
		ResultSummary: string(a.Status),
	})
	return a, nil
}

// Ping handles an A2A manifest self-registration. The upsert is
// idempotent on agent_id; the owning organization is resolved by
// owner_team name, falling back to the root organization.
func (s *Service) Ping(ctx context.Context, m model.Manifest) (model.Agent, bool, error) {
	if err := m.Validate(); err != nil {
		return model.Agent{}, false, errs.Wrap(errs.Validation, err, "invalid manifest")
	}

	org, err := s.store.OrganizationByName(ctx, m.OwnerTeam)
	if errs.KindOf(err) == errs.NotFound {
		org, err = s.store.RootOrganization(ctx)
	}
	if err != nil {
		return model.Agent{}, false, err
	}

	card, err := json.Marshal(m)
	if err != nil {
		return model.Agent{}, false, errs.Wrap(errs.Internal, err, "failed to encode manifest")
	}

	a, created, err := s.store.UpsertAgentFromManifest(ctx, m, org.ID, card)
	if err != nil {
		return model.Agent{}, false, err
	}

	result := "updated"
	if created {
		result = "registered"
	}
	s.rec.Record(audit.Event{
		AgentID:       a.ID,
		ActionType:    audit.ActionAgentPing,
		ResourceType:  "agent",
		ResourceID:    a.ID,
		InputSummary:  fmt.Sprintf("owner_team %s, version %s", m.OwnerTeam, m.Version),
		ResultSummary: result,
	})
	return a, created, nil
}

// Approve transitions a pending agent to approved. One-way: a second
// call observes InvalidState.
func (s *Service) Approve(ctx context.Context, id, approver string) (model.Agent, error) {
	a, err := s.store.SetAgentStatus(ctx, id, model.AgentApproved, approver)
	if err != nil {
		return model.Agent{}, err
	}
	s.rec.Record(audit.Event{
		AgentID:       approver,
		ActionType:    audit.ActionAgentApproved,
		ResourceType:  "agent",
		ResourceID:    a.ID,
		ResultSummary: fmt.Sprintf("approved by %s", approver),
	})
	return a, nil
}

// Reject transitions a pending agent to rejected. One-way.
func (s *Service) Reject(ctx context.Context, id, reviewer string) (model.Agent, error) {
	a, err := s.store.SetAgentStatus(ctx, id, model.AgentRejected, reviewer)
	if err != nil {
		return model.Agent{}, err
	}
	s.rec.Record(audit.Event{
		AgentID:       reviewer,
		ActionType:    audit.ActionAgentRejected,
		ResourceType:  "agent",
		ResourceID:    a.ID,
		ResultSummary: fmt.Sprintf("rejected by %s", reviewer),
	})
	return a, nil
}
