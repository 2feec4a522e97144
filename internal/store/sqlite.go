package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/dispatchq/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// timeFormat is RFC3339 with a fixed-width fraction so stored timestamps
// sort lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Results ---

// RecordResult stores rec, replacing any earlier record for the same task
// id (ids may be reused once a task has finished).
func (s *SQLiteStore) RecordResult(ctx context.Context, rec model.TaskRecord) error {
	s.logger.Debug("sql", "op", "upsert", "table", "task_results", "id", rec.TaskID)

	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		// Results are opaque; keep the row even if the value cannot be encoded.
		resultJSON, _ = json.Marshal(fmt.Sprintf("%v", rec.Result))
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_results (task_id, source, provider, model, model_key, priority, outcome,
			success, result, error, timed_out, aborted, waited_ns, execution_ns, skip_count,
			enqueued_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, string(rec.Source), rec.Provider, rec.Model, model.ModelKey(rec.Provider, rec.Model),
		string(rec.Priority), string(rec.Outcome),
		boolToInt(rec.Success), string(resultJSON), rec.Error, boolToInt(rec.TimedOut), boolToInt(rec.Aborted),
		int64(rec.Waited), int64(rec.Execution), rec.SkipCount,
		rec.EnqueuedAt.UTC().Format(timeFormat), nullableTime(rec.StartedAt),
		rec.CompletedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("record result %s: %w", rec.TaskID, err)
	}
	return nil
}

const resultColumns = `task_id, source, provider, model, priority, outcome, success, result, error,
	timed_out, aborted, waited_ns, execution_ns, skip_count, enqueued_at, started_at, completed_at`

// GetResult returns the record for taskID, or nil if none exists.
func (s *SQLiteStore) GetResult(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "task_results", "id", taskID)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM task_results WHERE task_id = ?`, taskID)
	rec, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListResults returns finished tasks newest first with the total matching
// count. Provider and Outcome in opts filter when set.
func (s *SQLiteStore) ListResults(ctx context.Context, opts model.ListOptions) ([]*model.TaskRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "task_results", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var where []string
	var args []any
	if opts.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, opts.Provider)
	}
	if opts.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(opts.Outcome))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_results`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM task_results`+clause+
			` ORDER BY completed_at DESC, task_id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*model.TaskRecord
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	var source, priority, outcome, resultJSON string
	var success, timedOut, aborted int
	var waited, execution int64
	var enqueuedAt, completedAt string
	var startedAt sql.NullString

	if err := row.Scan(&rec.TaskID, &source, &rec.Provider, &rec.Model, &priority, &outcome,
		&success, &resultJSON, &rec.Error, &timedOut, &aborted, &waited, &execution, &rec.SkipCount,
		&enqueuedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	rec.Source = model.Source(source)
	rec.Priority = model.Priority(priority)
	rec.Outcome = model.EntryState(outcome)
	rec.Success = success != 0
	rec.TimedOut = timedOut != 0
	rec.Aborted = aborted != 0
	rec.Waited = time.Duration(waited)
	rec.Execution = time.Duration(execution)
	if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	rec.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	if startedAt.Valid {
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt.String)
	}
	return &rec, nil
}

// --- Stats samples ---

// RecordStatsSample appends one queue statistics observation.
func (s *SQLiteStore) RecordStatsSample(ctx context.Context, sample model.StatsSample) error {
	s.logger.Debug("sql", "op", "insert", "table", "stats_samples")

	statsJSON, err := json.Marshal(sample.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stats_samples (taken_at, stats) VALUES (?, ?)`,
		sample.TakenAt.UTC().Format(timeFormat), string(statsJSON),
	)
	return err
}

// ListStatsSamples returns up to limit samples, newest first.
func (s *SQLiteStore) ListStatsSamples(ctx context.Context, limit int) ([]model.StatsSample, error) {
	s.logger.Debug("sql", "op", "list", "table", "stats_samples", "limit", limit)
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT taken_at, stats FROM stats_samples ORDER BY taken_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []model.StatsSample
	for rows.Next() {
		var takenAt, statsJSON string
		if err := rows.Scan(&takenAt, &statsJSON); err != nil {
			return nil, err
		}
		var sample model.StatsSample
		sample.TakenAt, _ = time.Parse(time.RFC3339Nano, takenAt)
		if err := json.Unmarshal([]byte(statsJSON), &sample.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}
