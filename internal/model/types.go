package model

import (
	"encoding/json"
	"time"
)

// VersionStatus is the lifecycle state of a prompt version or context revision.
type VersionStatus string

const (
	StatusProposed VersionStatus = "proposed"
	StatusApproved VersionStatus = "approved"
	StatusRejected VersionStatus = "rejected"
)

// AgentStatus is the review state of a registered agent.
type AgentStatus string

const (
	AgentPending  AgentStatus = "pending"
	AgentApproved AgentStatus = "approved"
	AgentRejected AgentStatus = "rejected"
)

// ReviewMode controls whether a proposed version goes through review
// or commits straight to approved+current.
type ReviewMode string

const (
	RequireApproval ReviewMode = "require_approval"
	AutoApprove     ReviewMode = "auto_approve"
)

// Organization is a tenant/team node in a tree. Exactly one root exists
// per deployment; the root cannot be deleted.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parentId,omitempty"`
	IsRoot    bool      `json:"isRoot"`
	CreatedAt time.Time `json:"createdAt"`
}

// Agent is the identity of an agent allowed to call the system.
// AgentCard holds the fetched A2A manifest, if any, as an opaque blob.
type Agent struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"orgId"`
	Name       string          `json:"name"`
	A2AURL     string          `json:"a2aUrl,omitempty"`
	AgentCard  json.RawMessage `json:"agentCard,omitempty"`
	Status     AgentStatus     `json:"approvalStatus"`
	ApprovedBy string          `json:"approvedBy,omitempty"`
	ApprovedAt *time.Time      `json:"approvedAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Prompt is a named mutable header pointing at its current approved version.
type Prompt struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	CurrentVersionID string    `json:"currentVersionId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PromptVersion is an immutable snapshot of a prompt's body plus model
// parameters. Version numbers are monotonic per prompt and never reused.
type PromptVersion struct {
	ID           string        `json:"id"`
	PromptID     string        `json:"promptId"`
	Version      int           `json:"version"`
	Content      string        `json:"content"`
	Model        string        `json:"model,omitempty"`
	Temperature  float64       `json:"temperature,omitempty"`
	MaxTokens    int           `json:"maxTokens,omitempty"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	Status       VersionStatus `json:"status"`
	CreatedBy    string        `json:"createdBy,omitempty"`
	ApprovedBy   string        `json:"approvedBy,omitempty"`
	RejectedBy   string        `json:"rejectedBy,omitempty"`
	RejectReason string        `json:"rejectReason,omitempty"`
	ReviewedAt   *time.Time    `json:"reviewedAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Context is a named mutable document shell with compliance tags.
// Content is an opaque structured-document blob, validated for JSON
// shape at the boundary and stored serialized.
type Context struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	OrgID              string          `json:"orgId,omitempty"`
	Content            json.RawMessage `json:"content"`
	LineOfBusiness     string          `json:"lineOfBusiness,omitempty"`
	DataClassification string          `json:"dataClassification,omitempty"`
	RegulatoryHooks    []string        `json:"regulatoryHooks,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// ContextRevision is an immutable proposed edit to a context. Revisions
// form a linear history; approving one overwrites the parent's live
// content and never deletes prior revisions.
type ContextRevision struct {
	ID            string          `json:"id"`
	ContextID     string          `json:"contextId"`
	Content       json.RawMessage `json:"content"`
	CommitMessage string          `json:"commitMessage,omitempty"`
	CreatedBy     string          `json:"createdBy,omitempty"`
	Status        VersionStatus   `json:"status"`
	ReviewedBy    string          `json:"reviewedBy,omitempty"`
	RejectReason  string          `json:"rejectReason,omitempty"`
	ReviewedAt    *time.Time      `json:"reviewedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ContentLink grants a principal (an agent or an organization) access to
// a content item. The policy gate allows retrieval iff such a link exists.
type ContentLink struct {
	PrincipalType string    `json:"principalType"`
	PrincipalID   string    `json:"principalId"`
	ResourceType  string    `json:"resourceType"`
	ResourceID    string    `json:"resourceId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Principal and resource type values for ContentLink.
const (
	PrincipalAgent = "agent"
	PrincipalOrg   = "org"

	ResourcePrompt  = "prompt"
	ResourceContext = "context"
)
