package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/sandarb-ai/sandarb/internal/errs"
)

// Query limits. Projections are bounded regardless of caller input:
// MaxQueryLimit is a hard cap, DefaultQueryLimit applies when the
// caller sends none.
const (
	MaxQueryLimit     = 500
	DefaultQueryLimit = 50
)

// ClampLimit normalizes a caller-supplied limit into [1, MaxQueryLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// LineageEntry is the human-readable projection of one content access.
type LineageEntry struct {
	ID           string `json:"id"`
	AgentID      string `json:"agentId"`
	TraceID      string `json:"traceId"`
	ActionType   string `json:"actionType"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Summary      string `json:"summary"`
	Timestamp    string `json:"timestamp"`
}

// Filters narrow intersection and governance queries. Zero-valued
// fields mean "no constraint", never "match nothing".
type Filters struct {
	AgentID string
	TraceID string
	Start   *time.Time
	End     *time.Time
}

// IntersectionEntry joins prompt-usage and context-usage events sharing
// an agent and trace: the reconstruction unit for "what did agent X use
// together at 2pm".
type IntersectionEntry struct {
	AgentID    string   `json:"agentId"`
	TraceID    string   `json:"traceId"`
	PromptIDs  []string `json:"promptIds"`
	ContextIDs []string `json:"contextIds"`
	FirstSeen  string   `json:"firstSeen"`
	LastSeen   string   `json:"lastSeen"`
}

// Queries is the read side of the audit engine. All projections are
// bounded by ClampLimit and allocate at most one row slice per call.
type Queries struct {
	db *sql.DB
}

// NewQueries wraps a database handle for lineage reads.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

const eventCols = `id, ts, agent_id, trace_id, action_type, resource_type, resource_id, input_summary, result_summary, error`

// Lineage returns the most recent content pulls, newest first.
func (q *Queries) Lineage(ctx context.Context, limit int) ([]LineageEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM audit_log
		 WHERE action_type IN (?, ?)
		 ORDER BY rowid DESC LIMIT ?`,
		ActionPullPrompt, ActionPullContext, ClampLimit(limit))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to query lineage")
	}
	defer rows.Close()

	var entries []LineageEntry
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, LineageEntry{
			ID:           ev.ID,
			AgentID:      ev.AgentID,
			TraceID:      ev.TraceID,
			ActionType:   ev.ActionType,
			ResourceType: ev.ResourceType,
			ResourceID:   ev.ResourceID,
			Summary:      fmt.Sprintf("agent %s pulled %s %s at %s", ev.AgentID, ev.ResourceType, ev.ResourceID, ev.Timestamp),
			Timestamp:    ev.Timestamp,
		})
	}
	return entries, rows.Err()
}

// Intersection reconstructs co-occurring prompt+context usage per
// agent+trace within the filter window, ordered by first occurrence.
// No matches is an empty result, not an error.
func (q *Queries) Intersection(ctx context.Context, f Filters, limit int) ([]IntersectionEntry, error) {
	events, err := q.filteredEvents(ctx, f, []string{ActionPullPrompt, ActionPullContext}, MaxQueryLimit, false)
	if err != nil {
		return nil, err
	}

	type group struct {
		entry   *IntersectionEntry
		prompts map[string]bool
		ctxs    map[string]bool
	}
	groups := make(map[string]*group)
	var order []string
	for _, ev := range events {
		key := ev.AgentID + "\x00" + ev.TraceID
		g, ok := groups[key]
		if !ok {
			g = &group{
				entry:   &IntersectionEntry{AgentID: ev.AgentID, TraceID: ev.TraceID, FirstSeen: ev.Timestamp, LastSeen: ev.Timestamp},
				prompts: make(map[string]bool),
				ctxs:    make(map[string]bool),
			}
			groups[key] = g
			order = append(order, key)
		}
		if ev.Timestamp < g.entry.FirstSeen {
			g.entry.FirstSeen = ev.Timestamp
		}
		if ev.Timestamp > g.entry.LastSeen {
			g.entry.LastSeen = ev.Timestamp
		}
		switch ev.ActionType {
		case ActionPullPrompt:
			if !g.prompts[ev.ResourceID] {
				g.prompts[ev.ResourceID] = true
				g.entry.PromptIDs = append(g.entry.PromptIDs, ev.ResourceID)
			}
		case ActionPullContext:
			if !g.ctxs[ev.ResourceID] {
				g.ctxs[ev.ResourceID] = true
				g.entry.ContextIDs = append(g.entry.ContextIDs, ev.ResourceID)
			}
		}
	}

	var out []IntersectionEntry
	for _, key := range order {
		g := groups[key]
		if len(g.entry.PromptIDs) == 0 || len(g.entry.ContextIDs) == 0 {
			continue
		}
		out = append(out, *g.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen < out[j].FirstSeen })
	if max := ClampLimit(limit); len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// BlockedInjections returns policy denials, newest first: the feed
// behind the "blocked injections" monitoring view.
func (q *Queries) BlockedInjections(ctx context.Context, limit int) ([]Event, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM audit_log WHERE action_type = ? ORDER BY rowid DESC LIMIT ?`,
		ActionDenied, ClampLimit(limit))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to query blocked injections")
	}
	defer rows.Close()
	return collectEvents(rows)
}

// GovernanceLog returns approval and registration events matching the
// filters, newest first: the audit view of governance actions
// themselves. The limit window is taken from the newest end of the
// log so the most recent actions are never cut off.
func (q *Queries) GovernanceLog(ctx context.Context, f Filters, limit int) ([]Event, error) {
	actions := []string{
		ActionPromptVersionProposed, ActionPromptVersionApproved, ActionPromptVersionRejected,
		ActionContextRevisionProposed, ActionContextRevisionApproved, ActionContextRevisionRejected,
		ActionAgentRegistered, ActionAgentPing, ActionAgentApproved, ActionAgentRejected,
	}
	return q.filteredEvents(ctx, f, actions, ClampLimit(limit), true)
}

// filteredEvents applies Filters over the given action types, bounded
// by limit. Oldest-first by default; newestFirst flips the order and
// the end of the log the limit window is taken from.
func (q *Queries) filteredEvents(ctx context.Context, f Filters, actions []string, limit int, newestFirst bool) ([]Event, error) {
	query := `SELECT ` + eventCols + ` FROM audit_log WHERE action_type IN (`
	args := make([]any, 0, len(actions)+5)
	for i, a := range actions {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, a)
	}
	query += ")"
	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.TraceID != "" {
		query += " AND trace_id = ?"
		args = append(args, f.TraceID)
	}
	if f.Start != nil {
		query += " AND ts >= ?"
		args = append(args, FormatTime(*f.Start))
	}
	if f.End != nil {
		query += " AND ts <= ?"
		args = append(args, FormatTime(*f.End))
	}
	if newestFirst {
		query += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	} else {
		query += " ORDER BY ts, rowid LIMIT ?"
	}
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "failed to query audit events")
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var ev Event
	if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.AgentID, &ev.TraceID, &ev.ActionType,
		&ev.ResourceType, &ev.ResourceID, &ev.InputSummary, &ev.ResultSummary, &ev.Error); err != nil {
		return Event{}, errs.Wrap(errs.Internal, err, "failed to scan audit event")
	}
	return ev, nil
}
