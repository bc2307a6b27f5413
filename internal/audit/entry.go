// Package audit is the append-only event log behind every governance
// answer to "who used what, when". It is the only component that writes
// audit rows; everything else hands events to the Recorder.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Action types recorded in the log.
const (
	ActionPullPrompt  = "pull_prompt"
	ActionPullContext = "pull_context"
	ActionDenied      = "policy_denied"

	ActionPromptVersionProposed   = "prompt_version_proposed"
	ActionPromptVersionApproved   = "prompt_version_approved"
	ActionPromptVersionRejected   = "prompt_version_rejected"
	ActionContextRevisionProposed = "context_revision_proposed"
	ActionContextRevisionApproved = "context_revision_approved"
	ActionContextRevisionRejected = "context_revision_rejected"

	ActionAgentRegistered = "agent_registered"
	ActionAgentPing       = "agent_ping"
	ActionAgentApproved   = "agent_approved"
	ActionAgentRejected   = "agent_rejected"
)

// Event is one row in the hash-chained audit log. All fields are flat
// strings to guarantee deterministic json.Marshal field order for
// reproducible hashing; rows are never updated or deleted after write.
type Event struct {
	ID            string `json:"id"`
	Timestamp     string `json:"ts"`
	AgentID       string `json:"agent_id"`
	TraceID       string `json:"trace_id"`
	ActionType    string `json:"action_type"`
	ResourceType  string `json:"resource_type"`
	ResourceID    string `json:"resource_id"`
	InputSummary  string `json:"input_summary"`
	ResultSummary string `json:"result_summary"`
	Error         string `json:"error,omitempty"`
	PrevHash      string `json:"prev_hash"`
}

// timeLayout matches the store's UTC millisecond format; fixed-width so
// lexicographic comparison on ts columns is chronological.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Now returns the current UTC timestamp in log format.
func Now() string {
	return time.Now().UTC().Format(timeLayout)
}

// FormatTime renders a time in log format for window comparisons.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
