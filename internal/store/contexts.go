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

const contextCols = `id, name, org_id, content, line_of_business, data_classification, regulatory_hooks, created_at, updated_at`

const revisionCols = `id, context_id, content, commit_message, created_by, status, reviewed_by, reject_reason, reviewed_at, created_at`

// CreateContext inserts a new context document shell.
func (s *Store) CreateContext(ctx context.Context, c model.Context) (model.Context, error) {
	if err := model.ValidateContextName(c.Name); err != nil {
		return model.Context{}, errs.Wrap(errs.Validation, err, "invalid context name")
	}
	if len(c.Content) == 0 || !json.Valid(c.Content) {
		return model.Context{}, errs.New(errs.Validation, "context content must be a JSON document")
	}

	now := time.Now().UTC()
	c.ID = "ctx_" + uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now
	hooks, err := json.Marshal(c.RegulatoryHooks)
	if err != nil {
		return model.Context{}, errs.Wrap(errs.Internal, err, "failed to encode regulatory hooks")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contexts (`+contextCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.OrgID, string(c.Content), c.LineOfBusiness, c.DataClassification,
		string(hooks), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if isUniqueViolation(err) {
		return model.Context{}, errs.New(errs.Conflict, "context %q already exists", c.Name)
	}
	if err != nil {
		return model.Context{}, errs.Wrap(errs.Internal, err, "failed to create context")
	}
	return c, nil
}

// ContextByID looks up a context document.
func (s *Store) ContextByID(ctx context.Context, id string) (model.Context, error) {
	c, err := scanContext(s.db.QueryRowContext(ctx, `SELECT `+contextCols+` FROM contexts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Context{}, errs.New(errs.NotFound, "context %q not found", id)
	}
	return c, err
}

// ContextByName looks up a context document by its unique name.
func (s *Store) ContextByName(ctx context.Context, name string) (model.Context, error) {
	c, err := scanContext(s.db.QueryRowContext(ctx, `SELECT `+contextCols+` FROM contexts WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Context{}, errs.New(errs.NotFound, "context %q not found", name)
	}
	return c, err
}

// ListContexts returns all contexts ordered by name.
func (s *Store) ListContexts(ctx context.Context) ([]model.Context, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contextCols+` FROM contexts ORDER BY name`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to list contexts")
	}
	defer rows.Close()

	var out []model.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateContextRevision appends a proposed edit to the context's linear
// history. With AutoApprove the revision commits as approved and the
// live content is overwritten in the same transaction.
func (s *Store) CreateContextRevision(ctx context.Context, contextID string, rev model.ContextRevision, mode model.ReviewMode) (model.ContextRevision, error) {
	if len(rev.Content) == 0 || !json.Valid(rev.Content) {
		return model.ContextRevision{}, errs.New(errs.Validation, "revision content must be a JSON document")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return model.ContextRevision{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM contexts WHERE id = ?`, contextID).Scan(&exists); err != nil {
		return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to check context")
	}
	if exists == 0 {
		return model.ContextRevision{}, errs.New(errs.NotFound, "context %q not found", contextID)
	}

	now := time.Now().UTC()
	rev.ID = "rev_" + uuid.NewString()
	rev.ContextID = contextID
	rev.CreatedAt = now
	rev.Status = model.StatusProposed
	if mode == model.AutoApprove {
		rev.Status = model.StatusApproved
		rev.ReviewedBy = rev.CreatedBy
		rev.ReviewedAt = &now
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO context_revisions (`+revisionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.ContextID, string(rev.Content), rev.CommitMessage, rev.CreatedBy,
		string(rev.Status), rev.ReviewedBy, rev.RejectReason, formatTimePtr(rev.ReviewedAt), formatTime(rev.CreatedAt))
	if err != nil {
		return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to insert revision")
	}

	if mode == model.AutoApprove {
		if _, err := tx.ExecContext(ctx,
			`UPDATE contexts SET content = ?, updated_at = ? WHERE id = ?`,
			string(rev.Content), formatTime(now), contextID); err != nil {
			return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to apply revision content")
		}
	}

	if err := tx.Commit(); err != nil {
		return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to commit revision")
	}
	return rev, nil
}

// ApproveContextRevision flips a proposed revision to approved and
// overwrites the parent context's live content, atomically. Prior
// revisions are never deleted. A revision whose context does not match
// the given id is rejected before any mutation.
func (s *Store) ApproveContextRevision(ctx context.Context, contextID, revisionID, approver string) (model.ContextRevision, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return model.ContextRevision{}, err
	}
	defer tx.Rollback()

	rev, err := contextRevisionByID(ctx, tx, revisionID)
	if err != nil {
		return model.ContextRevision{}, err
	}
	if rev.ContextID != contextID {
		return model.ContextRevision{}, errs.New(errs.Validation, "revision %q does not belong to context %q", revisionID, contextID)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE context_revisions SET status = ?, reviewed_by = ?, reviewed_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusApproved), approver, formatTime(now), revisionID, string(model.StatusProposed))
	if err != nil {
		return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to approve revision")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ContextRevision{}, errs.New(errs.InvalidState, "revision %q is %s, not proposed", revisionID, rev.Status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE contexts SET content = ?, updated_at = ? WHERE id = ?`,
		string(rev.Content), formatTime(now), contextID); err != nil {
		return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to overwrite context content")
	}

	if err := tx.Commit(); err != nil {
		return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to commit revision approval")
	}

	rev.Status = model.StatusApproved
	rev.ReviewedBy = approver
	rev.ReviewedAt = &now
	return rev, nil
}

// RejectContextRevision flips a proposed revision to rejected. The
// parent context is untouched.
func (s *Store) RejectContextRevision(ctx context.Context, contextID, revisionID, rejector, reason string) (model.ContextRevision, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return model.ContextRevision{}, err
	}
	defer tx.Rollback()

	rev, err := contextRevisionByID(ctx, tx, revisionID)
	if err != nil {
		return model.ContextRevision{}, err
	}
	if rev.ContextID != contextID {
		return model.ContextRevision{}, errs.New(errs.Validation, "revision %q does not belong to context %q", revisionID, contextID)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE context_revisions SET status = ?, reviewed_by = ?, reject_reason = ?, reviewed_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusRejected), rejector, reason, formatTime(now), revisionID, string(model.StatusProposed))
	if err != nil {
		return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to reject revision")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ContextRevision{}, errs.New(errs.InvalidState, "revision %q is %s, not proposed", revisionID, rev.Status)
	}

	if err := tx.Commit(); err != nil {
		return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to commit revision rejection")
	}

	rev.Status = model.StatusRejected
	rev.ReviewedBy = rejector
	rev.RejectReason = reason
	rev.ReviewedAt = &now
	return rev, nil
}

// ContextRevisionByID looks up a single revision.
func (s *Store) ContextRevisionByID(ctx context.Context, id string) (model.ContextRevision, error) {
	return contextRevisionByID(ctx, s.db, id)
}

// ListContextRevisions returns a context's revision history, oldest
// first: the git-like log.
func (s *Store) ListContextRevisions(ctx context.Context, contextID string) ([]model.ContextRevision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+revisionCols+` FROM context_revisions WHERE context_id = ? ORDER BY created_at, id`, contextID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to list revisions")
	}
	defer rows.Close()

	var revs []model.ContextRevision
	for rows.Next() {
		rev, err := scanContextRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

func contextRevisionByID(ctx context.Context, q querier, id string) (model.ContextRevision, error) {
	rev, err := scanContextRevision(q.QueryRowContext(ctx,
		`SELECT `+revisionCols+` FROM context_revisions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ContextRevision{}, errs.New(errs.NotFound, "revision %q not found", id)
	}
	return rev, err
}

func scanContext(r rowScanner) (model.Context, error) {
	var c model.Context
	var content, hooks, created, updated string
	err := r.Scan(&c.ID, &c.Name, &c.OrgID, &content, &c.LineOfBusiness, &c.DataClassification, &hooks, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Context{}, err
		}
		return model.Context{}, errs.Wrap(errs.Internal, err, "failed to scan context")
	}
	c.Content = json.RawMessage(content)
	if err := json.Unmarshal([]byte(hooks), &c.RegulatoryHooks); err != nil {
		return model.Context{}, errs.Wrap(errs.Internal, err, "failed to decode regulatory hooks")
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

func scanContextRevision(r rowScanner) (model.ContextRevision, error) {
	var rev model.ContextRevision
	var content, status, created string
	var reviewed sql.NullString
	err := r.Scan(&rev.ID, &rev.ContextID, &content, &rev.CommitMessage, &rev.CreatedBy,
		&status, &rev.ReviewedBy, &rev.RejectReason, &reviewed, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ContextRevision{}, err
		}
		return model.ContextRevision{}, errs.Wrap(errs.Internal, err, "failed to scan revision")
	}
	rev.Content = json.RawMessage(content)
	rev.Status = model.VersionStatus(status)
	rev.ReviewedAt = parseTimePtr(reviewed)
	rev.CreatedAt = parseTime(created)
	return rev, nil
}
