package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// WriteArchive streams the full audit log as zstd-compressed JSONL for
// offsite retention. Lines are the canonical chained encoding, so an
// archive can be hash-verified offline without the database.
func WriteArchive(ctx context.Context, db *sql.DB, w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("audit: create archive writer: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT `+eventCols+`, prev_hash FROM audit_log ORDER BY rowid`)
	if err != nil {
		zw.Close()
		return 0, fmt.Errorf("audit: query archive rows: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.AgentID, &ev.TraceID, &ev.ActionType,
			&ev.ResourceType, &ev.ResourceID, &ev.InputSummary, &ev.ResultSummary, &ev.Error,
			&ev.PrevHash); err != nil {
			zw.Close()
			return count, fmt.Errorf("audit: scan archive row: %w", err)
		}
		line, err := json.Marshal(ev)
		if err != nil {
			zw.Close()
			return count, fmt.Errorf("audit: marshal archive row: %w", err)
		}
		if _, err := zw.Write(append(line, '\n')); err != nil {
			zw.Close()
			return count, fmt.Errorf("audit: write archive row: %w", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		zw.Close()
		return count, fmt.Errorf("audit: iterate archive rows: %w", err)
	}

	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("audit: flush archive: %w", err)
	}
	return count, nil
}
