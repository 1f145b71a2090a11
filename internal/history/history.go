// Package history keeps an append-only SQLite record of every finished
// attempt so runs survive state file purges and scheduler restarts.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/msageha/exprun/internal/events"
	"github.com/msageha/exprun/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

const busyTimeout = 5 * time.Second

// Run is one row of the history table.
type Run struct {
	TaskID      string   `json:"task_id"`
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Priority    int      `json:"priority"`
	Tags        []string `json:"tags"`
	Attempt     int      `json:"attempt"`
	Status      string   `json:"status"`
	RawStatus   string   `json:"raw_status,omitempty"`
	ReturnCode  *int     `json:"return_code"`
	CreatedAt   string   `json:"created_at,omitempty"`
	StartedAt   string   `json:"started_at,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
	WorkDir     string   `json:"work_dir,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
	Error       string   `json:"error,omitempty"`
	RecordedAt  string   `json:"recorded_at"`
}

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// The scheduler and an observer process may share the file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Warn().Str("path", path).Str("pragma", pragma).Err(err).Msg("history_pragma_failed")
		}
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a finished attempt. Recording the same task id twice
// overwrites the earlier row.
func (s *Store) Record(ctx context.Context, rec model.TaskRecord) error {
	tags, err := json.Marshal(nonNil(rec.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(task_id, name, command, priority, tags, attempt, status, raw_status, return_code,
		                  created_at, started_at, completed_at, work_dir, run_id, error, recorded_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   status=excluded.status, raw_status=excluded.raw_status, return_code=excluded.return_code,
		   completed_at=excluded.completed_at, error=excluded.error, recorded_at=excluded.recorded_at`,
		rec.ID, rec.Name, rec.Command, rec.Priority, string(tags), rec.Attempt, string(rec.Status),
		nullStr(rec.RawStatus), rec.ReturnCode, deref(rec.CreatedAt), deref(rec.StartedAt), deref(rec.CompletedAt),
		deref(rec.WorkDir), deref(rec.RunID), deref(rec.Error), model.FormatTimestamp(s.now()),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return nil
}

// List returns up to limit runs, newest first. limit <= 0 means 100.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, name, command, priority, tags, attempt, status, raw_status, return_code,
		        created_at, started_at, completed_at, work_dir, run_id, error, recorded_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		var (
			r                                Run
			tags                             string
			raw, created, started, completed sql.NullString
			workDir, runID, errMsg           sql.NullString
			code                             sql.NullInt64
		)
		if err := rows.Scan(&r.TaskID, &r.Name, &r.Command, &r.Priority, &tags, &r.Attempt, &r.Status, &raw, &code,
			&created, &started, &completed, &workDir, &runID, &errMsg, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			r.Tags = []string{}
		}
		if code.Valid {
			c := int(code.Int64)
			r.ReturnCode = &c
		}
		r.RawStatus = raw.String
		r.CreatedAt = created.String
		r.StartedAt = started.String
		r.CompletedAt = completed.String
		r.WorkDir = workDir.String
		r.RunID = runID.String
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats counts recorded runs per status.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan history stats: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Subscriber records the attached record of every final event.
func (s *Store) Subscriber() events.Subscriber {
	return func(e events.Event) {
		if !e.Type.IsFinal() || e.Record == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
		defer cancel()
		if err := s.Record(ctx, *e.Record); err != nil {
			s.logger.Warn().Str("task", e.TaskID).Err(err).Msg("history_record_failed")
		}
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func deref(p *string) any {
	if p == nil {
		return nil
	}
	return nullStr(*p)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
