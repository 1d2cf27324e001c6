package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// HistoryStore is the SQLite backend for session memory.
type HistoryStore struct {
	DB *sql.DB
}

func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer keeps appends serialised and makes ":memory:" usable
	db.SetMaxOpenConns(1)

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS memory_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			instruction TEXT,
			kind TEXT,
			status TEXT,
			intent_json TEXT,
			summary_json TEXT,
			timestamp TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_status ON memory_records(status);`,
	}
	for _, q := range queries {
		_, err = db.Exec(q)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &HistoryStore{DB: db}, nil
}

func (h *HistoryStore) Append(ctx context.Context, rec MemoryRecord) error {
	intentJSON, err := json.Marshal(rec.Intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	summaryJSON, err := json.Marshal(rec.ResultSummary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	query := `INSERT INTO memory_records (task_id, instruction, kind, status, intent_json, summary_json, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = h.DB.ExecContext(ctx, query,
		rec.TaskID,
		rec.Instruction,
		string(rec.Intent.Kind),
		string(rec.ResultSummary.Status),
		string(intentJSON),
		string(summaryJSON),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (h *HistoryStore) Load(ctx context.Context) ([]MemoryRecord, error) {
	query := `SELECT task_id, instruction, intent_json, summary_json, timestamp FROM memory_records ORDER BY id ASC`
	rows, err := h.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MemoryRecord
	for rows.Next() {
		var taskID, instruction, intentJSON, summaryJSON, ts string
		if err := rows.Scan(&taskID, &instruction, &intentJSON, &summaryJSON, &ts); err != nil {
			return nil, err
		}
		rec := MemoryRecord{TaskID: taskID, Instruction: instruction}
		if err := json.Unmarshal([]byte(intentJSON), &rec.Intent); err != nil {
			return nil, fmt.Errorf("decode intent of %s: %w", taskID, err)
		}
		if err := json.Unmarshal([]byte(summaryJSON), &rec.ResultSummary); err != nil {
			return nil, fmt.Errorf("decode summary of %s: %w", taskID, err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("decode timestamp of %s: %w", taskID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (h *HistoryStore) Clear(ctx context.Context) error {
	_, err := h.DB.ExecContext(ctx, `DELETE FROM memory_records`)
	return err
}

func (h *HistoryStore) Close() error {
	return h.DB.Close()
}
