// Package approval is the state machine governing prompt versions and
// context revisions: proposed -> approved | rejected, with the
// single-active-version invariant enforced by the store's transactions.
// Every successful transition is reported to the audit engine.
package approval

import (
	"context"
	"fmt"

	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/errs"
	"github.com/sandarb-ai/sandarb/internal/model"
	"github.com/sandarb-ai/sandarb/internal/store"
)

// Service coordinates version lifecycle transitions.
type Service struct {
	store *store.Store
	rec   *audit.Recorder
}

// NewService creates the approval service.
func NewService(st *store.Store, rec *audit.Recorder) *Service {
	return &Service{store: st, rec: rec}
}

// PromptVersionInput is the caller-supplied shape of a proposed version.
type PromptVersionInput struct {
	Content      string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	CreatedBy    string
}

func (in PromptVersionInput) validate() error {
	if in.Content == "" {
		return errs.New(errs.Validation, "prompt content is required")
	}
	if in.Temperature < 0 || in.Temperature > 2 {
		return errs.New(errs.Validation, "temperature must be between 0 and 2")
	}
	if in.MaxTokens < 0 {
		return errs.New(errs.Validation, "maxTokens must not be negative")
	}
	return nil
}

// ProposePromptVersion allocates the next version of a prompt. With
// AutoApprove the version commits straight to approved+current.
func (s *Service) ProposePromptVersion(ctx context.Context, promptID string, in PromptVersionInput, mode model.ReviewMode) (model.PromptVersion, error) {
	if err := in.validate(); err != nil {
		return model.PromptVersion{}, err
	}

	v, err := s.store.CreatePromptVersion(ctx, promptID, model.PromptVersion{
		Content:      in.Content,
		Model:        in.Model,
		Temperature:  in.Temperature,
		MaxTokens:    in.MaxTokens,
		SystemPrompt: in.SystemPrompt,
		CreatedBy:    in.CreatedBy,
	}, mode)
	if err != nil {
		return model.PromptVersion{}, err
	}

	s.rec.Record(audit.Event{
		AgentID:       in.CreatedBy,
		ActionType:    audit.ActionPromptVersionProposed,
		ResourceType:  "prompt_version",
		ResourceID:    v.ID,
		InputSummary:  fmt.Sprintf("prompt %s v%d (%s)", promptID, v.Version, mode),
		ResultSummary: string(v.Status),
	})
	return v, nil
}

// ApprovePromptVersion transitions a proposed version to approved and
// repoints the prompt. The second caller on the same version observes
// InvalidState and produces no audit record.
func (s *Service) ApprovePromptVersion(ctx context.Context, promptID, versionID, approver string) (model.PromptVersion, error) {
	v, err := s.store.ApprovePromptVersion(ctx, promptID, versionID, approver)
	if err != nil {
		return model.PromptVersion{}, err
	}

	s.rec.Record(audit.Event{
		AgentID:       approver,
		ActionType:    audit.ActionPromptVersionApproved,
		ResourceType:  "prompt_version",
		ResourceID:    v.ID,
		ResultSummary: fmt.Sprintf("prompt %s now serves v%d", promptID, v.Version),
	})
	return v, nil
}

// RejectPromptVersion transitions a proposed version to rejected.
func (s *Service) RejectPromptVersion(ctx context.Context, promptID, versionID, rejector, reason string) (model.PromptVersion, error) {
	v, err := s.store.RejectPromptVersion(ctx, promptID, versionID, rejector, reason)
	if err != nil {
		return model.PromptVersion{}, err
	}

	s.rec.Record(audit.Event{
		AgentID:       rejector,
		ActionType:    audit.ActionPromptVersionRejected,
		ResourceType:  "prompt_version",
		ResourceID:    v.ID,
		ResultSummary: reason,
	})
	return v, nil
}

// ProposeContextRevision appends a proposed edit to a context's history.
func (s *Service) ProposeContextRevision(ctx context.Context, contextID string, rev model.ContextRevision, mode model.ReviewMode) (model.ContextRevision, error) {
	created, err := s.store.CreateContextRevision(ctx, contextID, rev, mode)
	if err != nil {
		return model.ContextRevision{}, err
	}

	s.rec.Record(audit.Event{
		AgentID:       rev.CreatedBy,
		ActionType:    audit.ActionContextRevisionProposed,
		ResourceType:  "context_revision",
		ResourceID:    created.ID,
		InputSummary:  created.CommitMessage,
		ResultSummary: string(created.Status),
	})
	return created, nil
}

// ApproveContextRevision transitions a proposed revision to approved,
// overwriting the parent context's live content.
func (s *Service) ApproveContextRevision(ctx context.Context, contextID, revisionID, approver string) (model.ContextRevision, error) {
	rev, err := s.store.ApproveContextRevision(ctx, contextID, revisionID, approver)
	if err != nil {
		return model.ContextRevision{}, err
	}

	s.rec.Record(audit.Event{
		AgentID:       approver,
		ActionType:    audit.ActionContextRevisionApproved,
		ResourceType:  "context_revision",
		ResourceID:    rev.ID,
		ResultSummary: fmt.Sprintf("context %s content replaced", contextID),
	})
	return rev, nil
}

// RejectContextRevision transitions a proposed revision to rejected.
func (s *Service) RejectContextRevision(ctx context.Context, contextID, revisionID, rejector, reason string) (model.ContextRevision, error) {
	rev, err := s.store.RejectContextRevision(ctx, contextID, revisionID, rejector, reason)
	if err != nil {
		return model.ContextRevision{}, err
	}

	s.rec.Record(audit.Event{
		AgentID:       rejector,
		ActionType:    audit.ActionContextRevisionRejected,
		ResourceType:  "context_revision",
		ResourceID:    rev.ID,
		ResultSummary: reason,
	})
	return rev, nil
}
