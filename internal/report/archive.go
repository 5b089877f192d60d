package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotArchived is returned when no report is stored for an execution.
var ErrNotArchived = errors.New("report not archived")

// Archive stores final reports in a SQLite database.
type Archive struct {
	db *sql.DB
}

// Summary is one row of List.
type Summary struct {
	ExecutionID uuid.UUID
	SuiteID     string
	Status      string
	PassRate    float64
	CompletedAt time.Time
}

// OpenArchive opens (or creates) the archive at path and applies its schema.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		execution_id TEXT PRIMARY KEY,
		suite_id TEXT NOT NULL,
		status TEXT NOT NULL,
		pass_rate REAL NOT NULL,
		completed_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_suite ON reports(suite_id, completed_at);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Save stores r, replacing any earlier report for the same execution.
func (a *Archive) Save(ctx context.Context, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	completed := time.Now().UTC()
	if r.CompletedAt != nil {
		completed = r.CompletedAt.UTC()
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO reports (execution_id, suite_id, status, pass_rate, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			pass_rate = excluded.pass_rate,
			completed_at = excluded.completed_at,
			data = excluded.data
	`, r.ExecutionID.String(), r.SuiteID, string(r.Status), r.PassRate, completed, string(data))
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// Get returns the archived report of an execution.
func (a *Archive) Get(ctx context.Context, executionID uuid.UUID) (*Report, error) {
	var data string
	err := a.db.QueryRowContext(ctx,
		"SELECT data FROM reports WHERE execution_id = ?", executionID.String(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotArchived, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("query report: %w", err)
	}

	var r Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}

// List returns the most recent reports of a suite, newest first. An empty
// suiteID lists every suite.
func (a *Archive) List(ctx context.Context, suiteID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT execution_id, suite_id, status, pass_rate, completed_at FROM reports"
	args := []any{}
	if suiteID != "" {
		query += " WHERE suite_id = ?"
		args = append(args, suiteID)
	}
	query += " ORDER BY completed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var id string
		if err := rows.Scan(&id, &s.SuiteID, &s.Status, &s.PassRate, &s.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if s.ExecutionID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse execution id: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
