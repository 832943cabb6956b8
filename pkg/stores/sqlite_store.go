package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/shipyard/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// DefaultPath is the run history database used when none is configured.
const DefaultPath = ".shipyard/history.db"

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// every connection to :memory: is a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// CreateRun creates a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (
			id, provider, environment, region, cluster_name, namespace, pipeline,
			status, step_count, started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		string(run.Provider),
		string(run.Environment),
		run.Region,
		run.ClusterName,
		run.Namespace,
		run.Pipeline,
		string(run.Status),
		run.StepCount,
		run.StartedAt.UTC(),
		run.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun records the outcome of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, outcome RunOutcome) error {
	query := `
		UPDATE runs
		SET status = ?, progress = ?, completed_count = ?, failed_step_id = ?,
			error_code = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = s.now()
	}

	result, err := s.db.ExecContext(ctx, query,
		string(outcome.Status),
		outcome.Progress,
		outcome.CompletedCount,
		outcome.FailedStepID,
		outcome.ErrorCode,
		outcome.Error,
		outcome.CompletedAt.UTC(),
		s.now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	return expectRow(result, "run", id)
}

const runColumns = `
	id, provider, environment, region, cluster_name, namespace, pipeline,
	status, step_count, completed_count, progress, failed_step_id, error_code, error,
	started_at, completed_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.Provider,
		&run.Environment,
		&run.Region,
		&run.ClusterName,
		&run.Namespace,
		&run.Pipeline,
		&run.Status,
		&run.StepCount,
		&run.CompletedCount,
		&run.Progress,
		&run.FailedStepID,
		&run.ErrorCode,
		&run.Error,
		&run.StartedAt,
		&completedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []interface{}
	if filter.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, string(filter.Environment))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run together with its steps and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	return expectRow(result, "run", id)
}

// PruneRuns deletes all but the newest keep runs and returns how many were
// removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative, got %d", keep)
	}

	query := `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	return result.RowsAffected()
}

// UpsertStep records the latest state of a step. The first record of a
// step fixes its position in GetRunSteps.
func (s *SQLiteStore) UpsertStep(ctx context.Context, step *StepRecord) error {
	query := `
		INSERT INTO run_steps (
			run_id, step_id, title, status, progress, error_code, error_message, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			progress = excluded.progress,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`

	if step.UpdatedAt.IsZero() {
		step.UpdatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, query,
		step.RunID,
		step.StepID,
		step.Title,
		string(step.Status),
		step.Progress,
		step.ErrorCode,
		step.ErrorMessage,
		step.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step %s: %w", step.StepID, err)
	}

	return nil
}

// GetRunSteps returns the recorded steps of a run in the order they were
// first seen.
func (s *SQLiteStore) GetRunSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	query := `
		SELECT run_id, step_id, title, status, progress, error_code, error_message, updated_at
		FROM run_steps
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run steps: %w", err)
	}
	defer rows.Close()

	steps := []*StepRecord{}
	for rows.Next() {
		step := &StepRecord{}
		err := rows.Scan(
			&step.RunID,
			&step.StepID,
			&step.Title,
			&step.Status,
			&step.Progress,
			&step.ErrorCode,
			&step.ErrorMessage,
			&step.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// SucceededStepIDs returns the steps that succeeded in a recorded run. A
// step that was later rolled back is not included.
func (s *SQLiteStore) SucceededStepIDs(ctx context.Context, runID string) ([]string, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id FROM run_steps WHERE run_id = ? AND status = ? ORDER BY id ASC`,
		runID, string(engine.StepStatusSuccess))
	if err != nil {
		return nil, fmt.Errorf("failed to get succeeded steps: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan step id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return ids, nil
}

// AppendEvent appends an event to the run's log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (id, seq, run_id, type, step_id, level, message, data, timestamp)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?)
	`

	data := []byte("{}")
	if len(event.Data) > 0 {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.RunID,
		string(event.Type),
		event.StepID,
		event.Level,
		event.Message,
		string(data),
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents returns the events of a run in the order they were appended. A
// positive limit returns only the newest events.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit int) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, type, step_id, level, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		var data string
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.StepID,
			&event.Level,
			&event.Message,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode data of event %s: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	slices.Reverse(events)
	return events, nil
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}

	return nil
}
