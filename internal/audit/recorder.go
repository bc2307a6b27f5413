package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds the in-flight event queue.
const DefaultQueueSize = 256

// Recorder appends events to the audit_log table with SHA-256 hash
// chaining. Record is fire-and-forget: events pass through a bounded
// queue consumed by a single writer goroutine, so a slow or failing
// audit write never blocks the request it audits. When the queue is
// full the oldest queued event is dropped (the newest event is the one
// an incident responder needs); drops are counted and logged.
type Recorder struct {
	db       *sql.DB
	ch       chan Event
	prevHash string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	done   chan struct{}

	dropped       atomic.Uint64
	writeFailures atomic.Uint64
}

// NewRecorder opens a recorder over the given database handle,
// recovering the chain tail from the last persisted row, and starts the
// writer goroutine.
func NewRecorder(db *sql.DB, queueSize int) (*Recorder, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	prevHash := GenesisHash
	var tail string
	err := db.QueryRow(`SELECT entry_hash FROM audit_log ORDER BY rowid DESC LIMIT 1`).Scan(&tail)
	switch {
	case err == sql.ErrNoRows:
		// empty log, chain starts at genesis
	case err != nil:
		return nil, fmt.Errorf("audit: recover chain tail: %w", err)
	default:
		prevHash = tail
	}

	r := &Recorder{
		db:       db,
		ch:       make(chan Event, queueSize),
		prevHash: prevHash,
		done:     make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Record enqueues an event. It never blocks and never returns an error:
// audit failure is reported via counters and logs, not to the caller of
// the action being audited.
func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	if ev.ID == "" {
		ev.ID = "aud_" + uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = Now()
	}

	r.wg.Add(1)
	for {
		select {
		case r.ch <- ev:
			return
		default:
		}
		// Queue full: drop the oldest queued event and retry.
		select {
		case <-r.ch:
			r.dropped.Add(1)
			r.wg.Done()
		default:
		}
	}
}

// Flush blocks until every event recorded so far has been written or
// dropped. Intended for tests and shutdown.
func (r *Recorder) Flush() {
	r.wg.Wait()
}

// Close flushes the queue and stops the writer goroutine.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}

// Dropped returns the number of events lost to queue overflow.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// WriteFailures returns the number of events that failed to persist.
func (r *Recorder) WriteFailures() uint64 { return r.writeFailures.Load() }

func (r *Recorder) run() {
	for ev := range r.ch {
		r.append(ev)
		r.wg.Done()
	}
	close(r.done)
}

// append chains and persists one event. The chain tail only advances on
// a successful insert, so a failed write does not poison the chain.
func (r *Recorder) append(ev Event) {
	ev.PrevHash = r.prevHash

	line, err := json.Marshal(ev)
	if err != nil {
		r.writeFailures.Add(1)
		log.Printf("audit: marshal entry: %v", err)
		return
	}
	entryHash := HashLine(line)

	_, err = r.db.Exec(
		`INSERT INTO audit_log (id, ts, agent_id, trace_id, action_type, resource_type, resource_id,
			input_summary, result_summary, error, prev_hash, entry_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp, ev.AgentID, ev.TraceID, ev.ActionType, ev.ResourceType, ev.ResourceID,
		ev.InputSummary, ev.ResultSummary, ev.Error, ev.PrevHash, entryHash)
	if err != nil {
		r.writeFailures.Add(1)
		log.Printf("audit: write entry: %v", err)
		return
	}

	r.prevHash = entryHash
}
