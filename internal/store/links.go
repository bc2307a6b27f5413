package store

import (
	"context"
	"time"

	"github.com/sandarb-ai/sandarb/internal/errs"
	"github.com/sandarb-ai/sandarb/internal/model"
)

// LinkContent grants a principal access to a content item. Re-linking
// the same pair is a no-op.
func (s *Store) LinkContent(ctx context.Context, link model.ContentLink) error {
	if link.PrincipalType != model.PrincipalAgent && link.PrincipalType != model.PrincipalOrg {
		return errs.New(errs.Validation, "invalid principal type %q", link.PrincipalType)
	}
	if link.ResourceType != model.ResourcePrompt && link.ResourceType != model.ResourceContext {
		return errs.New(errs.Validation, "invalid resource type %q", link.ResourceType)
	}
	if link.PrincipalID == "" || link.ResourceID == "" {
		return errs.New(errs.Validation, "principal id and resource id are required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO content_links (principal_type, principal_id, resource_type, resource_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		link.PrincipalType, link.PrincipalID, link.ResourceType, link.ResourceID, formatTime(time.Now()))
	if err != nil {
		return errs.Wrap(errs.Internal, err, "failed to link content")
	}
	return nil
}

// UnlinkContent revokes a previously granted link. Missing links are a
// no-op: revocation is idempotent.
func (s *Store) UnlinkContent(ctx context.Context, link model.ContentLink) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM content_links WHERE principal_type = ? AND principal_id = ? AND resource_type = ? AND resource_id = ?`,
		link.PrincipalType, link.PrincipalID, link.ResourceType, link.ResourceID)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "failed to unlink content")
	}
	return nil
}

// LinksForResource returns every link granting access to a content item.
// The policy gate evaluates these in memory: the gate itself does no I/O.
func (s *Store) LinksForResource(ctx context.Context, resourceType, resourceID string) ([]model.ContentLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT principal_type, principal_id, resource_type, resource_id, created_at
		 FROM content_links WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to load content links")
	}
	defer rows.Close()

	var links []model.ContentLink
	for rows.Next() {
		var l model.ContentLink
		var created string
		if err := rows.Scan(&l.PrincipalType, &l.PrincipalID, &l.ResourceType, &l.ResourceID, &created); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "failed to scan content link")
		}
		l.CreatedAt = parseTime(created)
		links = append(links, l)
	}
	return links, rows.Err()
}
