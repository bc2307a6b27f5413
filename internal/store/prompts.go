package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sandarb-ai/sandarb/internal/errs"
	"github.com/sandarb-ai/sandarb/internal/model"
)

const promptVersionCols = `id, prompt_id, version, content, model, temperature, max_tokens, system_prompt,
	status, created_by, approved_by, rejected_by, reject_reason, reviewed_at, created_at`

// CreatePrompt inserts a new prompt header with no versions yet.
func (s *Store) CreatePrompt(ctx context.Context, name string) (model.Prompt, error) {
	if name == "" {
		return model.Prompt{}, errs.New(errs.Validation, "prompt name is required")
	}
	p := model.Prompt{
		ID:        "prm_" + uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, formatTime(p.CreatedAt))
	if isUniqueViolation(err) {
		return model.Prompt{}, errs.New(errs.Conflict, "prompt %q already exists", name)
	}
	if err != nil {
		return model.Prompt{}, errs.Wrap(errs.Internal, err, "failed to create prompt")
	}
	return p, nil
}

// CreatePromptVersion allocates the next version number for the prompt
// and inserts the immutable snapshot. Allocation and insert happen in a
// single write transaction, so concurrent proposals on the same prompt
// get distinct, contiguous numbers. With AutoApprove the version commits
// straight to approved and the prompt pointer moves in the same
// transaction.
func (s *Store) CreatePromptVersion(ctx context.Context, promptID string, v model.PromptVersion, mode model.ReviewMode) (model.PromptVersion, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return model.PromptVersion{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts WHERE id = ?`, promptID).Scan(&exists); err != nil {
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to check prompt")
	}
	if exists == 0 {
		return model.PromptVersion{}, errs.New(errs.NotFound, "prompt %q not found", promptID)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM prompt_versions WHERE prompt_id = ?`, promptID).Scan(&next); err != nil {
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to allocate version number")
	}

	now := time.Now().UTC()
	v.ID = "pv_" + uuid.NewString()
	v.PromptID = promptID
	v.Version = next
	v.CreatedAt = now
	v.Status = model.StatusProposed
	if mode == model.AutoApprove {
		v.Status = model.StatusApproved
		v.ApprovedBy = v.CreatedBy
		v.ReviewedAt = &now
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO prompt_versions (`+promptVersionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PromptID, v.Version, v.Content, v.Model, v.Temperature, v.MaxTokens, v.SystemPrompt,
		string(v.Status), v.CreatedBy, v.ApprovedBy, v.RejectedBy, v.RejectReason,
		formatTimePtr(v.ReviewedAt), formatTime(v.CreatedAt))
	if err != nil {
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to insert prompt version")
	}

	if mode == model.AutoApprove {
		if _, err := tx.ExecContext(ctx, `UPDATE prompts SET current_version_id = ? WHERE id = ?`, v.ID, promptID); err != nil {
			return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to set current version")
		}
	}

	if err := tx.Commit(); err != nil {
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to commit prompt version")
	}
	return v, nil
}

// ApprovePromptVersion flips a proposed version to approved and repoints
// the prompt's current version, atomically. The status flip is a
// compare-and-swap guarded on status='proposed': under concurrent
// approvals exactly one caller wins and the rest observe InvalidState.
func (s *Store) ApprovePromptVersion(ctx context.Context, promptID, versionID, approver string) (model.PromptVersion, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return model.PromptVersion{}, err
	}
	defer tx.Rollback()

	v, err := promptVersionByID(ctx, tx, versionID)
	if err != nil {
		return model.PromptVersion{}, err
	}
	if v.PromptID != promptID {
		return model.PromptVersion{}, errs.New(errs.Validation, "version %q does not belong to prompt %q", versionID, promptID)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE prompt_versions SET status = ?, approved_by = ?, reviewed_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusApproved), approver, formatTime(now), versionID, string(model.StatusProposed))
	if err != nil {
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to approve version")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.PromptVersion{}, errs.New(errs.InvalidState, "version %q is %s, not proposed", versionID, v.Status)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE prompts SET current_version_id = ? WHERE id = ?`, versionID, v.PromptID); err != nil {
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to repoint current version")
	}

	if err := tx.Commit(); err != nil {
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to commit approval")
	}

	v.Status = model.StatusApproved
	v.ApprovedBy = approver
	v.ReviewedAt = &now
	return v, nil
}

// RejectPromptVersion flips a proposed version to rejected. No parent
// mutation: the prompt keeps whatever current version it had.
func (s *Store) RejectPromptVersion(ctx context.Context, promptID, versionID, rejector, reason string) (model.PromptVersion, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return model.PromptVersion{}, err
	}
	defer tx.Rollback()

	v, err := promptVersionByID(ctx, tx, versionID)
	if err != nil {
		return model.PromptVersion{}, err
	}
	if v.PromptID != promptID {
		return model.PromptVersion{}, errs.New(errs.Validation, "version %q does not belong to prompt %q", versionID, promptID)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE prompt_versions SET status = ?, rejected_by = ?, reject_reason = ?, reviewed_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusRejected), rejector, reason, formatTime(now), versionID, string(model.StatusProposed))
	if err != nil {
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to reject version")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.PromptVersion{}, errs.New(errs.InvalidState, "version %q is %s, not proposed", versionID, v.Status)
	}

	if err := tx.Commit(); err != nil {
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to commit rejection")
	}

	v.Status = model.StatusRejected
	v.RejectedBy = rejector
	v.RejectReason = reason
	v.ReviewedAt = &now
	return v, nil
}

// PromptByID looks up a prompt header.
func (s *Store) PromptByID(ctx context.Context, id string) (model.Prompt, error) {
	return scanPromptNamed(s.db.QueryRowContext(ctx,
		`SELECT id, name, current_version_id, created_at FROM prompts WHERE id = ?`, id), id)
}

// PromptByName looks up a prompt header by its unique name.
func (s *Store) PromptByName(ctx context.Context, name string) (model.Prompt, error) {
	return scanPromptNamed(s.db.QueryRowContext(ctx,
		`SELECT id, name, current_version_id, created_at FROM prompts WHERE name = ?`, name), name)
}

// ListPrompts returns all prompt headers ordered by name.
func (s *Store) ListPrompts(ctx context.Context) ([]model.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, current_version_id, created_at FROM prompts ORDER BY name`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to list prompts")
	}
	defer rows.Close()

	var prompts []model.Prompt
	for rows.Next() {
		var p model.Prompt
		var created string
		if err := rows.Scan(&p.ID, &p.Name, &p.CurrentVersionID, &created); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "failed to scan prompt")
		}
		p.CreatedAt = parseTime(created)
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// PromptVersionByID looks up a single version snapshot.
func (s *Store) PromptVersionByID(ctx context.Context, id string) (model.PromptVersion, error) {
	return promptVersionByID(ctx, s.db, id)
}

// ListPromptVersions returns a prompt's version history, oldest first.
func (s *Store) ListPromptVersions(ctx context.Context, promptID string) ([]model.PromptVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptVersionCols+` FROM prompt_versions WHERE prompt_id = ? ORDER BY version`, promptID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to list prompt versions")
	}
	defer rows.Close()

	var versions []model.PromptVersion
	for rows.Next() {
		v, err := scanPromptVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// CurrentPromptVersion resolves a prompt name to its current approved
// version. A prompt with no approved version is reported as not found.
func (s *Store) CurrentPromptVersion(ctx context.Context, name string) (model.Prompt, model.PromptVersion, error) {
	p, err := s.PromptByName(ctx, name)
	if err != nil {
		return model.Prompt{}, model.PromptVersion{}, err
	}
	if p.CurrentVersionID == "" {
		return model.Prompt{}, model.PromptVersion{}, errs.New(errs.NotFound, "prompt %q has no approved version", name)
	}
	v, err := s.PromptVersionByID(ctx, p.CurrentVersionID)
	if err != nil {
		return model.Prompt{}, model.PromptVersion{}, err
	}
	return p, v, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func promptVersionByID(ctx context.Context, q querier, id string) (model.PromptVersion, error) {
	v, err := scanPromptVersion(q.QueryRowContext(ctx,
		`SELECT `+promptVersionCols+` FROM prompt_versions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PromptVersion{}, errs.New(errs.NotFound, "prompt version %q not found", id)
	}
	return v, err
}

func scanPromptVersion(r rowScanner) (model.PromptVersion, error) {
	var v model.PromptVersion
	var status string
	var reviewed sql.NullString
	var created string
	err := r.Scan(&v.ID, &v.PromptID, &v.Version, &v.Content, &v.Model, &v.Temperature, &v.MaxTokens,
		&v.SystemPrompt, &status, &v.CreatedBy, &v.ApprovedBy, &v.RejectedBy, &v.RejectReason,
		&reviewed, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PromptVersion{}, err
		}
		return model.PromptVersion{}, errs.Wrap(errs.Internal, err, "failed to scan prompt version")
	}
	v.Status = model.VersionStatus(status)
	v.ReviewedAt = parseTimePtr(reviewed)
	v.CreatedAt = parseTime(created)
	return v, nil
}

func scanPromptNamed(row *sql.Row, ref string) (model.Prompt, error) {
	var p model.Prompt
	var created string
	err := row.Scan(&p.ID, &p.Name, &p.CurrentVersionID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Prompt{}, errs.New(errs.NotFound, "prompt %q not found", ref)
	}
	if err != nil {
		return model.Prompt{}, errs.Wrap(errs.Internal, err, "failed to scan prompt")
	}
	p.CreatedAt = parseTime(created)
	return p, nil
}
