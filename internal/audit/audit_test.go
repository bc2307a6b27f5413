package audit

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sandarb-ai/sandarb/internal/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.DB()
}

func newTestRecorder(t *testing.T, db *sql.DB) *Recorder {
	t.Helper()
	r, err := NewRecorder(db, 0)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestRecordChainsEntries(t *testing.T) {
	db := newTestDB(t)
	r := newTestRecorder(t, db)

	r.Record(Event{AgentID: "agent-1", TraceID: "t-1", ActionType: ActionPullPrompt, ResourceType: "prompt", ResourceID: "prm_1"})
	r.Record(Event{AgentID: "agent-1", TraceID: "t-1", ActionType: ActionPullContext, ResourceType: "context", ResourceID: "ctx_1"})
	r.Flush()

	res := Verify(context.Background(), db)
	if !res.Valid {
		t.Fatalf("expected valid chain, got %+v", res)
	}
	if res.Rows != 2 {
		t.Errorf("expected 2 rows, got %d", res.Rows)
	}

	var first string
	if err := db.QueryRow(`SELECT prev_hash FROM audit_log ORDER BY rowid LIMIT 1`).Scan(&first); err != nil {
		t.Fatalf("read first row: %v", err)
	}
	if first != GenesisHash {
		t.Errorf("first entry prev_hash is %q, expected genesis", first)
	}
}

func TestChainTailRecoveredAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	r, err := NewRecorder(s.DB(), 0)
	if err != nil {
		t.Fatalf("create recorder: %v", err)
	}
	r.Record(Event{AgentID: "a", ActionType: ActionPullPrompt})
	r.Flush()
	r.Close()
	s.Close()

	s2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()
	r2, err := NewRecorder(s2.DB(), 0)
	if err != nil {
		t.Fatalf("recreate recorder: %v", err)
	}
	r2.Record(Event{AgentID: "a", ActionType: ActionPullContext})
	r2.Flush()
	r2.Close()

	res := Verify(context.Background(), s2.DB())
	if !res.Valid || res.Rows != 2 {
		t.Errorf("expected intact 2-row chain after restart, got %+v", res)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	db := newTestDB(t)
	r := newTestRecorder(t, db)

	r.Record(Event{AgentID: "a", ActionType: ActionPullPrompt, ResourceID: "prm_1"})
	r.Record(Event{AgentID: "a", ActionType: ActionPullPrompt, ResourceID: "prm_2"})
	r.Flush()

	// Rewrite history on the second row.
	if _, err := db.Exec(`UPDATE audit_log SET agent_id = 'attacker' WHERE resource_id = 'prm_2'`); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	res := Verify(context.Background(), db)
	if res.Valid {
		t.Fatal("expected tampering to be detected")
	}
	if res.ErrorRow != 2 {
		t.Errorf("expected break at row 2, got %d (%s)", res.ErrorRow, res.Error)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	db := newTestDB(t)
	r, err := NewRecorder(db, 4)
	if err != nil {
		t.Fatalf("create recorder: %v", err)
	}
	defer r.Close()

	for i := 0; i < 200; i++ {
		r.Record(Event{AgentID: "a", TraceID: "t", ActionType: ActionPullPrompt})
	}
	r.Flush()

	var written int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&written); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if written+int(r.Dropped()) != 200 {
		t.Errorf("written (%d) + dropped (%d) should equal 200", written, r.Dropped())
	}

	// The chain must stay intact across drops.
	if res := Verify(context.Background(), db); !res.Valid {
		t.Errorf("chain broken after overflow: %+v", res)
	}
}

func TestLineageProjection(t *testing.T) {
	db := newTestDB(t)
	r := newTestRecorder(t, db)
	q := NewQueries(db)

	r.Record(Event{AgentID: "agent-1", TraceID: "t-1", ActionType: ActionPullPrompt, ResourceType: "prompt", ResourceID: "prm_1"})
	r.Record(Event{AgentID: "agent-2", TraceID: "t-2", ActionType: ActionPullContext, ResourceType: "context", ResourceID: "ctx_1"})
	r.Record(Event{AgentID: "agent-1", TraceID: "t-1", ActionType: ActionPromptVersionApproved, ResourceType: "prompt_version", ResourceID: "pv_1"})
	r.Flush()

	entries, err := q.Lineage(context.Background(), 10)
	if err != nil {
		t.Fatalf("lineage failed: %v", err)
	}
	// Governance events are not lineage.
	if len(entries) != 2 {
		t.Fatalf("expected 2 lineage entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].AgentID != "agent-2" {
		t.Errorf("expected newest entry first, got %s", entries[0].AgentID)
	}
	if entries[1].Summary == "" {
		t.Error("expected human-readable summary")
	}
}

func TestIntersectionFilters(t *testing.T) {
	db := newTestDB(t)
	r := newTestRecorder(t, db)
	q := NewQueries(db)
	ctx := context.Background()

	feb1 := time.Date(2024, 2, 1, 14, 0, 0, 0, time.UTC)
	record := func(agent, trace, action, resource string, at time.Time) {
		r.Record(Event{
			Timestamp: FormatTime(at), AgentID: agent, TraceID: trace,
			ActionType: action, ResourceID: resource,
		})
	}

	record("X", "t-1", ActionPullPrompt, "prm_1", feb1)
	record("X", "t-1", ActionPullContext, "ctx_1", feb1.Add(time.Minute))
	record("X", "t-2", ActionPullPrompt, "prm_2", feb1.Add(48*time.Hour)) // outside window
	record("Y", "t-3", ActionPullPrompt, "prm_1", feb1)
	record("Y", "t-3", ActionPullContext, "ctx_2", feb1.Add(2*time.Minute))
	r.Flush()

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 23, 59, 59, 0, time.UTC)

	got, err := q.Intersection(ctx, Filters{AgentID: "X", Start: &start, End: &end}, 10)
	if err != nil {
		t.Fatalf("intersection failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry for X in window, got %d", len(got))
	}
	e := got[0]
	if e.AgentID != "X" || e.TraceID != "t-1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if len(e.PromptIDs) != 1 || e.PromptIDs[0] != "prm_1" {
		t.Errorf("expected prompt prm_1, got %v", e.PromptIDs)
	}
	if len(e.ContextIDs) != 1 || e.ContextIDs[0] != "ctx_1" {
		t.Errorf("expected context ctx_1, got %v", e.ContextIDs)
	}

	// No filters: every complete pair, ordered by time.
	all, err := q.Intersection(ctx, Filters{}, 10)
	if err != nil {
		t.Fatalf("unfiltered intersection failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries with no filters, got %d", len(all))
	}
	if all[0].FirstSeen > all[1].FirstSeen {
		t.Error("expected entries ordered by time")
	}

	// No match is empty, not an error.
	none, err := q.Intersection(ctx, Filters{AgentID: "nobody"}, 10)
	if err != nil {
		t.Fatalf("expected empty result, got error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected empty result, got %d", len(none))
	}
}

func TestIntersectionRequiresBothKinds(t *testing.T) {
	db := newTestDB(t)
	r := newTestRecorder(t, db)
	q := NewQueries(db)

	// Prompt only, no context in the same trace.
	r.Record(Event{AgentID: "X", TraceID: "t-1", ActionType: ActionPullPrompt, ResourceID: "prm_1"})
	r.Flush()

	got, err := q.Intersection(context.Background(), Filters{}, 10)
	if err != nil {
		t.Fatalf("intersection failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no intersection without both kinds, got %d", len(got))
	}
}

func TestBlockedInjectionsFeed(t *testing.T) {
	db := newTestDB(t)
	r := newTestRecorder(t, db)
	q := NewQueries(db)

	r.Record(Event{AgentID: "a", ActionType: ActionPullPrompt, ResourceID: "prm_1"})
	r.Record(Event{AgentID: "b", ActionType: ActionDenied, ResourceID: "ctx_1", Error: "no link between agent and content"})
	r.Flush()

	events, err := q.BlockedInjections(context.Background(), 10)
	if err != nil {
		t.Fatalf("blocked feed failed: %v", err)
	}
	if len(events) != 1 || events[0].AgentID != "b" {
		t.Errorf("expected only the denial, got %+v", events)
	}
}

func TestGovernanceLogKeepsNewestOverLimit(t *testing.T) {
	db := newTestDB(t)
	r := newTestRecorder(t, db)
	q := NewQueries(db)

	base := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		r.Record(Event{
			Timestamp:  FormatTime(base.Add(time.Duration(i) * time.Second)),
			AgentID:    "reviewer",
			ActionType: ActionPromptVersionApproved,
			ResourceID: fmt.Sprintf("pv_%d", i),
		})
	}
	r.Flush()

	events, err := q.GovernanceLog(context.Background(), Filters{}, 50)
	if err != nil {
		t.Fatalf("governance log failed: %v", err)
	}
	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
	// The limit window is the newest end of the log, newest first.
	if events[0].ResourceID != "pv_59" {
		t.Errorf("expected newest event first, got %s", events[0].ResourceID)
	}
	if events[49].ResourceID != "pv_10" {
		t.Errorf("expected window to end at pv_10, got %s", events[49].ResourceID)
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{
		0:    DefaultQueryLimit,
		-5:   DefaultQueryLimit,
		10:   10,
		500:  500,
		9999: MaxQueryLimit,
	}
	for in, want := range cases {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	db := newTestDB(t)
	r := newTestRecorder(t, db)

	r.Record(Event{AgentID: "a", TraceID: "t", ActionType: ActionPullPrompt, ResourceID: "prm_1"})
	r.Record(Event{AgentID: "a", TraceID: "t", ActionType: ActionPullContext, ResourceID: "ctx_1"})
	r.Flush()

	var buf bytes.Buffer
	n, err := WriteArchive(context.Background(), db, &buf)
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 archived rows, got %d", n)
	}

	zr, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	lines := 0
	prev := GenesisHash
	for scanner.Scan() {
		lines++
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if ev.PrevHash != prev {
			t.Errorf("line %d: chain break in archive", lines)
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		prev = HashLine(line)
	}
	if lines != 2 {
		t.Errorf("expected 2 archive lines, got %d", lines)
	}
}
