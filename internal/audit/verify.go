package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Rows     int    `json:"rows"`
	Error    string `json:"error,omitempty"`
	ErrorRow int    `json:"error_row,omitempty"`
}

// Verify replays the audit log and validates the hash chain. Each row's
// prev_hash must equal the previous row's entry_hash, and each row's
// entry_hash must match a recomputation over its canonical JSON
// encoding. Returns details about the first broken link.
func Verify(ctx context.Context, db *sql.DB) VerifyResult {
	rows, err := db.QueryContext(ctx,
		`SELECT `+eventCols+`, prev_hash, entry_hash FROM audit_log ORDER BY rowid`)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("query: %v", err)}
	}
	defer rows.Close()

	rowNum := 0
	prevHash := GenesisHash
	for rows.Next() {
		rowNum++
		var ev Event
		var storedHash string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.AgentID, &ev.TraceID, &ev.ActionType,
			&ev.ResourceType, &ev.ResourceID, &ev.InputSummary, &ev.ResultSummary, &ev.Error,
			&ev.PrevHash, &storedHash); err != nil {
			return VerifyResult{Error: fmt.Sprintf("scan: %v", err), ErrorRow: rowNum}
		}

		if ev.PrevHash != prevHash {
			return VerifyResult{
				Error:    fmt.Sprintf("chain break: prev_hash is %s, expected %s", ev.PrevHash, prevHash),
				ErrorRow: rowNum,
			}
		}

		line, err := json.Marshal(ev)
		if err != nil {
			return VerifyResult{Error: fmt.Sprintf("marshal: %v", err), ErrorRow: rowNum}
		}
		if computed := HashLine(line); computed != storedHash {
			return VerifyResult{
				Error:    fmt.Sprintf("tampered row: entry_hash is %s, recomputed %s", storedHash, computed),
				ErrorRow: rowNum,
			}
		}

		prevHash = storedHash
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("iterate: %v", err)}
	}

	return VerifyResult{Valid: true, Rows: rowNum}
}
