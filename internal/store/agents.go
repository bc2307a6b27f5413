package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sandarb-ai/sandarb/internal/errs"
	"github.com/sandarb-ai/sandarb/internal/model"
)

const agentCols = `id, org_id, name, a2a_url, agent_card, status, approved_by, approved_at, created_at, updated_at`

// CreateAgent inserts a new registered agent. The caller supplies the id
// (manifest agent_id or a generated "agt_" uuid).
func (s *Store) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.ID == "" {
		a.ID = "agt_" + uuid.NewString()
	}
	if a.Status == "" {
		a.Status = model.AgentPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrgID, a.Name, a.A2AURL, nullableBlob(a.AgentCard), string(a.Status),
		a.ApprovedBy, formatTimePtr(a.ApprovedAt), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if isUniqueViolation(err) {
		return model.Agent{}, errs.New(errs.Conflict, "agent %q is already registered", a.ID)
	}
	if err != nil {
		return model.Agent{}, errs.Wrap(errs.Internal, err, "failed to register agent")
	}
	return a, nil
}

// UpsertAgentFromManifest registers or refreshes an agent from an A2A
// manifest ping. A second ping with the same agent_id updates metadata
// in place; approval status is never touched by a ping.
func (s *Store) UpsertAgentFromManifest(ctx context.Context, m model.Manifest, orgID string, card json.RawMessage) (model.Agent, bool, error) {
	existing, err := s.AgentByID(ctx, m.AgentID)
	switch errs.KindOf(err) {
	case errs.NotFound:
		a := model.Agent{
			ID:        m.AgentID,
			OrgID:     orgID,
			Name:      m.AgentID,
			A2AURL:    m.URL,
			AgentCard: card,
			Status:    model.AgentPending,
		}
		created, err := s.CreateAgent(ctx, a)
		if err != nil {
			return model.Agent{}, false, err
		}
		return created, true, nil
	default:
		if err != nil {
			return model.Agent{}, false, err
		}
	}

	existing.A2AURL = m.URL
	existing.AgentCard = card
	existing.OrgID = orgID
	existing.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE agents SET a2a_url = ?, agent_card = ?, org_id = ?, updated_at = ? WHERE id = ?`,
		existing.A2AURL, nullableBlob(existing.AgentCard), existing.OrgID, formatTime(existing.UpdatedAt), existing.ID)
	if err != nil {
		return model.Agent{}, false, errs.Wrap(errs.Internal, err, "failed to refresh agent from manifest")
	}
	return existing, false, nil
}

// SetAgentStatus transitions a pending agent to approved or rejected.
// The transition is one-way: a second call on the same agent observes
// InvalidState, never a silent overwrite.
func (s *Store) SetAgentStatus(ctx context.Context, id string, status model.AgentStatus, reviewer string) (model.Agent, error) {
	if status != model.AgentApproved && status != model.AgentRejected {
		return model.Agent{}, errs.New(errs.Validation, "invalid agent status %q", status)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, approved_by = ?, approved_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), reviewer, formatTime(now), formatTime(now), id, string(model.AgentPending))
	if err != nil {
		return model.Agent{}, errs.Wrap(errs.Internal, err, "failed to update agent status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		a, err := s.AgentByID(ctx, id)
		if err != nil {
			return model.Agent{}, err
		}
		return model.Agent{}, errs.New(errs.InvalidState, "agent %q is already %s", id, a.Status)
	}
	return s.AgentByID(ctx, id)
}

// AgentByID looks up a registered agent.
func (s *Store) AgentByID(ctx context.Context, id string) (model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, errs.New(errs.NotFound, "agent %q not found", id)
	}
	return a, err
}

// ListAgents returns all registered agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to list agents")
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(r rowScanner) (model.Agent, error) {
	var a model.Agent
	var card sql.NullString
	var status string
	var approvedAt sql.NullString
	var created, updated string
	err := r.Scan(&a.ID, &a.OrgID, &a.Name, &a.A2AURL, &card, &status, &a.ApprovedBy, &approvedAt, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, err
		}
		return model.Agent{}, errs.Wrap(errs.Internal, err, "failed to scan agent")
	}
	if card.Valid && card.String != "" {
		a.AgentCard = json.RawMessage(card.String)
	}
	a.Status = model.AgentStatus(status)
	a.ApprovedAt = parseTimePtr(approvedAt)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

func nullableBlob(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
