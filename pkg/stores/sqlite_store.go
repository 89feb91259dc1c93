package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + pragmas

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

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// UpsertRun creates a run record or updates its mutable fields
func (s *SQLiteStore) UpsertRun(ctx context.Context, run *Run) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Summary == "" {
		run.Summary = "{}"
	}
	if run.Stages == "" {
		run.Stages = "{}"
	}

	query := `
		INSERT INTO runs (
			id, environment, status, started_at, completed_at, failed_node, error, summary, stages, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			failed_node = excluded.failed_node,
			error = excluded.error,
			summary = excluded.summary,
			stages = excluded.stages,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Environment,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.FailedNode,
		run.Error,
		run.Summary,
		run.Stages,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	return nil
}

const runColumns = `id, environment, status, started_at, completed_at, failed_node, error, summary, stages, created_at, updated_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Environment,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.FailedNode,
		&run.Error,
		&run.Summary,
		&run.Stages,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest first. An empty environment lists every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, environment string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR environment = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, environment, environment, limit, offset)
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

// DeleteRun deletes a run and its node results
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpsertNodeResult inserts or replaces the result of a node within a run
func (s *SQLiteStore) UpsertNodeResult(ctx context.Context, result *NodeResult) error {
	result.UpdatedAt = time.Now()
	if result.Outputs == "" {
		result.Outputs = "{}"
	}

	query := `
		INSERT INTO node_results (
			run_id, node_id, kind, status, operation, outputs, error, started_at, duration_ms, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			status = excluded.status,
			operation = excluded.operation,
			outputs = excluded.outputs,
			error = excluded.error,
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		result.RunID,
		result.NodeID,
		result.Kind,
		result.Status,
		result.Operation,
		result.Outputs,
		result.Error,
		result.StartedAt,
		result.DurationMS,
		result.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node result: %w", err)
	}

	return nil
}

// ListNodeResults lists the node results of a run in the order they were last updated
func (s *SQLiteStore) ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error) {
	query := `
		SELECT run_id, node_id, kind, status, operation, outputs, error, started_at, duration_ms, updated_at
		FROM node_results
		WHERE run_id = ?
		ORDER BY updated_at ASC, node_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node results: %w", err)
	}
	defer rows.Close()

	results := []*NodeResult{}
	for rows.Next() {
		r := &NodeResult{}
		err := rows.Scan(
			&r.RunID,
			&r.NodeID,
			&r.Kind,
			&r.Status,
			&r.Operation,
			&r.Outputs,
			&r.Error,
			&r.StartedAt,
			&r.DurationMS,
			&r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node results: %w", err)
	}

	return results, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, run_id, node_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.NodeID,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in append order with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, node_id, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR node_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.NodeID, filter.NodeID,
		filter.Level, filter.Level,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.NodeID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// UpsertResourceState inserts or updates resource state
func (s *SQLiteStore) UpsertResourceState(ctx context.Context, state *ResourceState) error {
	now := time.Now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	query := `
		INSERT INTO resource_state (
			environment, node_id, kind, config, outputs, hash, last_run_id, last_applied, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(environment, node_id) DO UPDATE SET
			kind = excluded.kind,
			config = excluded.config,
			outputs = excluded.outputs,
			hash = excluded.hash,
			last_run_id = excluded.last_run_id,
			last_applied = excluded.last_applied,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		state.Environment,
		state.NodeID,
		state.Kind,
		state.Config,
		state.Outputs,
		state.Hash,
		state.LastRunID,
		state.LastApplied,
		state.CreatedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource state: %w", err)
	}

	return nil
}

const stateColumns = `environment, node_id, kind, config, outputs, hash, last_run_id, last_applied, created_at, updated_at`

func scanState(row interface{ Scan(...interface{}) error }) (*ResourceState, error) {
	state := &ResourceState{}
	err := row.Scan(
		&state.Environment,
		&state.NodeID,
		&state.Kind,
		&state.Config,
		&state.Outputs,
		&state.Hash,
		&state.LastRunID,
		&state.LastApplied,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	return state, err
}

// GetResourceState retrieves the state of a node in an environment
func (s *SQLiteStore) GetResourceState(ctx context.Context, environment, nodeID string) (*ResourceState, error) {
	query := `SELECT ` + stateColumns + ` FROM resource_state WHERE environment = ? AND node_id = ?`

	state, err := scanState(s.db.QueryRowContext(ctx, query, environment, nodeID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource state %s/%s: %w", environment, nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}

	return state, nil
}

// ListResourceStates lists the states of an environment in creation order
func (s *SQLiteStore) ListResourceStates(ctx context.Context, environment string) ([]*ResourceState, error) {
	query := `
		SELECT ` + stateColumns + `
		FROM resource_state
		WHERE environment = ?
		ORDER BY created_at ASC, node_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []*ResourceState{}
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}

	return states, nil
}

// DeleteResourceState deletes the state of a node in an environment
func (s *SQLiteStore) DeleteResourceState(ctx context.Context, environment, nodeID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_state WHERE environment = ? AND node_id = ?`, environment, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete resource state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("resource state %s/%s: %w", environment, nodeID, ErrNotFound)
	}

	return nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
