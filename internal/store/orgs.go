package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandarb-ai/sandarb/internal/errs"
	"github.com/sandarb-ai/sandarb/internal/model"
)

// isUniqueViolation reports whether err is a sqlite uniqueness error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation reports whether err is a sqlite referential
// integrity error.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// CreateOrganization inserts a new organization node. At most one root
// organization may exist.
func (s *Store) CreateOrganization(ctx context.Context, name, parentID string, isRoot bool) (model.Organization, error) {
	if name == "" {
		return model.Organization{}, errs.New(errs.Validation, "organization name is required")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return model.Organization{}, err
	}
	defer tx.Rollback()

	if isRoot {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations WHERE is_root = 1`).Scan(&n); err != nil {
			return model.Organization{}, errs.Wrap(errs.Internal, err, "failed to check root organization")
		}
		if n > 0 {
			return model.Organization{}, errs.New(errs.Conflict, "a root organization already exists")
		}
	}

	org := model.Organization{
		ID:        "org_" + uuid.NewString(),
		Name:      name,
		ParentID:  parentID,
		IsRoot:    isRoot,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO organizations (id, name, parent_id, is_root, created_at) VALUES (?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.ParentID, boolInt(org.IsRoot), formatTime(org.CreatedAt))
	if isUniqueViolation(err) {
		return model.Organization{}, errs.New(errs.Conflict, "organization %q already exists", name)
	}
	if err != nil {
		return model.Organization{}, errs.Wrap(errs.Internal, err, "failed to create organization")
	}
	if err := tx.Commit(); err != nil {
		return model.Organization{}, errs.Wrap(errs.Internal, err, "failed to commit organization")
	}
	return org, nil
}

// EnsureRootOrganization returns the root organization, creating it with
// the given name if none exists yet. Called once at startup.
func (s *Store) EnsureRootOrganization(ctx context.Context, name string) (model.Organization, error) {
	org, err := s.RootOrganization(ctx)
	if err == nil {
		return org, nil
	}
	if errs.KindOf(err) != errs.NotFound {
		return model.Organization{}, err
	}
	return s.CreateOrganization(ctx, name, "", true)
}

// RootOrganization returns the single root node.
func (s *Store) RootOrganization(ctx context.Context) (model.Organization, error) {
	return s.scanOrg(s.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, is_root, created_at FROM organizations WHERE is_root = 1`))
}

// OrganizationByID looks up an organization by id.
func (s *Store) OrganizationByID(ctx context.Context, id string) (model.Organization, error) {
	return s.scanOrg(s.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, is_root, created_at FROM organizations WHERE id = ?`, id))
}

// OrganizationByName looks up an organization by its unique name.
func (s *Store) OrganizationByName(ctx context.Context, name string) (model.Organization, error) {
	return s.scanOrg(s.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, is_root, created_at FROM organizations WHERE name = ?`, name))
}

// ListOrganizations returns all organizations ordered by creation time.
func (s *Store) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, parent_id, is_root, created_at FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to list organizations")
	}
	defer rows.Close()

	var orgs []model.Organization
	for rows.Next() {
		org, err := s.scanOrgRows(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// DeleteOrganization removes an organization. The root node is protected.
func (s *Store) DeleteOrganization(ctx context.Context, id string) error {
	org, err := s.OrganizationByID(ctx, id)
	if err != nil {
		return err
	}
	if org.IsRoot {
		return errs.New(errs.Validation, "the root organization cannot be deleted")
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = ?`, id)
	if isForeignKeyViolation(err) {
		return errs.New(errs.Conflict, "organization %q still owns agents or content", org.Name)
	}
	if err != nil {
		return errs.Wrap(errs.Internal, err, "failed to delete organization")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOrg(row *sql.Row) (model.Organization, error) {
	org, err := scanOrgFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Organization{}, errs.New(errs.NotFound, "organization not found")
	}
	return org, err
}

func (s *Store) scanOrgRows(rows *sql.Rows) (model.Organization, error) {
	return scanOrgFrom(rows)
}

func scanOrgFrom(r rowScanner) (model.Organization, error) {
	var org model.Organization
	var parent sql.NullString
	var isRoot int
	var created string
	if err := r.Scan(&org.ID, &org.Name, &parent, &isRoot, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Organization{}, err
		}
		return model.Organization{}, errs.Wrap(errs.Internal, err, "failed to scan organization")
	}
	org.ParentID = parent.String
	org.IsRoot = isRoot == 1
	org.CreatedAt = parseTime(created)
	return org, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
