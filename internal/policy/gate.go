// Package policy decides whether an agent may retrieve a content item.
// The gate is a pure function of agent and content metadata: callers
// preload the link set, the gate does no I/O and has no side effects.
package policy

import (
	"fmt"

	"github.com/sandarb-ai/sandarb/internal/model"
)

// Decision is the gate's verdict for one retrieval.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Principal describes the calling agent at evaluation time.
type Principal struct {
	AgentID        string
	OrgID          string
	LineOfBusiness string
}

// Content describes the item being retrieved.
type Content struct {
	Type           string // model.ResourcePrompt or model.ResourceContext
	ID             string
	Name           string
	LineOfBusiness string
}

// CheckAccess evaluates one retrieval. The authoritative rule is the
// explicit link check: allow iff a link associates the agent, or its
// organization, with the content item. A line-of-business mismatch is
// annotated in the reason for monitoring but never denies on its own.
//
// In permissive mode the gate reports every would-deny decision as
// allowed, preserving the reason so the rollout can be observed before
// enforcement is switched on.
func CheckAccess(agent Principal, content Content, links []model.ContentLink, cfg *Config) Decision {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	linked := false
	for _, l := range links {
		if l.ResourceType != content.Type || l.ResourceID != content.ID {
			continue
		}
		if l.PrincipalType == model.PrincipalAgent && l.PrincipalID == agent.AgentID {
			linked = true
			break
		}
		if l.PrincipalType == model.PrincipalOrg && agent.OrgID != "" && l.PrincipalID == agent.OrgID {
			linked = true
			break
		}
	}

	if linked {
		reason := fmt.Sprintf("agent %s is linked to %s %s", agent.AgentID, content.Type, content.Name)
		if crossLOB(agent, content) {
			reason += fmt.Sprintf(" (cross-line-of-business: %s -> %s)", agent.LineOfBusiness, content.LineOfBusiness)
		}
		return Decision{Allowed: true, Reason: reason}
	}

	reason := fmt.Sprintf("no link between agent %s and %s %s", agent.AgentID, content.Type, content.Name)
	if cfg.Mode == ModePermissive {
		return Decision{Allowed: true, Reason: "permissive mode: " + reason}
	}
	return Decision{Allowed: false, Reason: reason}
}

func crossLOB(agent Principal, content Content) bool {
	return agent.LineOfBusiness != "" && content.LineOfBusiness != "" &&
		agent.LineOfBusiness != content.LineOfBusiness
}
