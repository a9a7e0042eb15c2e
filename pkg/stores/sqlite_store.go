package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/sitebind/sitebind/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const bindingColumns = `binding_id, status, fingerprint, desired, last_observed, last_error,
	attempts, operation_attempts, consecutive_failures, next_retry_at, convergence_started_at, allow_recreate,
	certificate_ref, distribution_ref, version, created_at, updated_at`

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		s.path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
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

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ============================================================================
// Binding operations
// ============================================================================

// CreateBinding inserts a new binding record at version 1.
func (s *SQLiteStore) CreateBinding(ctx context.Context, rec *engine.BindingRecord) error {
	rec.Version = 1
	ok, err := insertBinding(ctx, s.db, rec, false)
	if err != nil {
		return err
	}
	if !ok {
		return engine.ErrBindingExists
	}
	return nil
}

func insertBinding(ctx context.Context, db execer, rec *engine.BindingRecord, replace bool) (bool, error) {
	cols, err := bindingValues(rec)
	if err != nil {
		return false, err
	}

	verb := "INSERT"
	suffix := " ON CONFLICT(binding_id) DO NOTHING"
	if replace {
		verb = "INSERT OR REPLACE"
		suffix = ""
	}
	query := verb + ` INTO bindings (` + bindingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)` + suffix

	result, err := db.ExecContext(ctx, query,
		rec.BindingID,
		string(rec.Status),
		rec.Fingerprint,
		cols.desired,
		cols.observed,
		cols.lastError,
		rec.Attempts,
		cols.opAttempts,
		rec.ConsecutiveFailures,
		unixNano(rec.NextRetryAt),
		unixNano(rec.ConvergenceStartedAt),
		rec.AllowRecreate,
		rec.CertificateRef,
		rec.DistributionRef,
		rec.Version,
		unixNano(rec.CreatedAt),
		unixNano(rec.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert binding %s: %w", rec.BindingID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetBinding retrieves a binding record by ID
func (s *SQLiteStore) GetBinding(ctx context.Context, bindingID string) (*engine.BindingRecord, error) {
	query := `SELECT ` + bindingColumns + ` FROM bindings WHERE binding_id = ?`

	rec, err := scanBinding(s.db.QueryRowContext(ctx, query, bindingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding %s: %w", bindingID, err)
	}
	return rec, nil
}

// ListBindings lists binding records ordered by binding ID
func (s *SQLiteStore) ListBindings(ctx context.Context, filter engine.BindingFilter) ([]*engine.BindingRecord, error) {
	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT ` + bindingColumns + ` FROM bindings`)
	if len(filter.Statuses) > 0 {
		query.WriteString(` WHERE status IN (` + placeholders(len(filter.Statuses)) + `)`)
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query.WriteString(` ORDER BY binding_id`)
	if filter.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}

	return s.queryBindings(ctx, query.String(), args...)
}

// UpdateBinding writes rec when the stored version still equals rec.Version.
func (s *SQLiteStore) UpdateBinding(ctx context.Context, rec *engine.BindingRecord) error {
	cols, err := bindingValues(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE bindings
		SET status = ?, fingerprint = ?, desired = ?, last_observed = ?, last_error = ?,
		    attempts = ?, operation_attempts = ?, consecutive_failures = ?, next_retry_at = ?, convergence_started_at = ?,
		    allow_recreate = ?, certificate_ref = ?, distribution_ref = ?, updated_at = ?,
		    version = version + 1
		WHERE binding_id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(rec.Status),
		rec.Fingerprint,
		cols.desired,
		cols.observed,
		cols.lastError,
		rec.Attempts,
		cols.opAttempts,
		rec.ConsecutiveFailures,
		unixNano(rec.NextRetryAt),
		unixNano(rec.ConvergenceStartedAt),
		rec.AllowRecreate,
		rec.CertificateRef,
		rec.DistributionRef,
		unixNano(rec.UpdatedAt),
		rec.BindingID,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update binding %s: %w", rec.BindingID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bindings WHERE binding_id = ?`, rec.BindingID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.ErrBindingNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check binding %s: %w", rec.BindingID, err)
		}
		return engine.ErrVersionConflict
	}

	rec.Version++
	return nil
}

// DeleteBinding deletes a binding record. Its events are kept.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, bindingID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE binding_id = ?`, bindingID)
	if err != nil {
		return fmt.Errorf("failed to delete binding %s: %w", bindingID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrBindingNotFound
	}
	return nil
}

// DueBindings returns pending and available records whose retry time has passed,
// earliest first.
func (s *SQLiteStore) DueBindings(ctx context.Context, now time.Time, limit int) ([]*engine.BindingRecord, error) {
	due := []engine.ConvergenceStatus{
		engine.StatusPendingDNSValidation,
		engine.StatusPendingCertificateIssuance,
		engine.StatusPendingEdgePropagation,
		engine.StatusAvailable,
	}

	query := `SELECT ` + bindingColumns + ` FROM bindings
		WHERE status IN (` + placeholders(len(due)) + `) AND next_retry_at <= ?
		ORDER BY next_retry_at, binding_id`
	args := make([]any, 0, len(due)+2)
	for _, st := range due {
		args = append(args, string(st))
	}
	args = append(args, unixNano(now))
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.queryBindings(ctx, query, args...)
}

// CountByStatus returns the number of bindings per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[engine.ConvergenceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM bindings GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[engine.ConvergenceStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[engine.ConvergenceStatus(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// ImportBindings restores records in a single transaction. Existing records
// are skipped unless overwrite is set.
func (s *SQLiteStore) ImportBindings(ctx context.Context, recs []*engine.BindingRecord, overwrite bool) (*ImportResult, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = s.RollbackTx(tx) }()

	res := &ImportResult{}
	for _, rec := range recs {
		if rec.BindingID == "" {
			return nil, fmt.Errorf("import record without binding_id")
		}
		if rec.Version < 1 {
			rec.Version = 1
		}

		created, err := insertBinding(ctx, tx, rec, false)
		if err != nil {
			return nil, err
		}
		switch {
		case created:
			res.Created++
		case overwrite:
			if _, err := insertBinding(ctx, tx, rec, true); err != nil {
				return nil, err
			}
			res.Overwritten++
		default:
			res.Skipped++
		}
	}

	if err := s.CommitTx(tx); err != nil {
		return nil, fmt.Errorf("failed to commit import: %w", err)
	}
	return res, nil
}

func (s *SQLiteStore) queryBindings(ctx context.Context, query string, args ...any) ([]*engine.BindingRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	recs := []*engine.BindingRecord{}
	for rows.Next() {
		rec, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bindings: %w", err)
	}
	return recs, nil
}

type bindingColumnsJSON struct {
	desired    string
	observed   sql.NullString
	lastError  sql.NullString
	opAttempts sql.NullString
}

func bindingValues(rec *engine.BindingRecord) (*bindingColumnsJSON, error) {
	desired, err := json.Marshal(rec.Desired)
	if err != nil {
		return nil, fmt.Errorf("failed to encode desired state: %w", err)
	}
	cols := &bindingColumnsJSON{desired: string(desired)}

	if len(rec.LastObserved) > 0 {
		data, err := json.Marshal(rec.LastObserved)
		if err != nil {
			return nil, fmt.Errorf("failed to encode observed state: %w", err)
		}
		cols.observed = sql.NullString{String: string(data), Valid: true}
	}
	if rec.LastError != nil {
		data, err := json.Marshal(rec.LastError)
		if err != nil {
			return nil, fmt.Errorf("failed to encode last error: %w", err)
		}
		cols.lastError = sql.NullString{String: string(data), Valid: true}
	}
	if len(rec.OperationAttempts) > 0 {
		data, err := json.Marshal(rec.OperationAttempts)
		if err != nil {
			return nil, fmt.Errorf("failed to encode operation attempts: %w", err)
		}
		cols.opAttempts = sql.NullString{String: string(data), Valid: true}
	}
	return cols, nil
}

func scanBinding(row scanner) (*engine.BindingRecord, error) {
	var (
		rec                                      engine.BindingRecord
		status, desired                          string
		observed, lastError, opAttempts          sql.NullString
		nextRetry, started, createdAt, updatedAt int64
	)
	err := row.Scan(
		&rec.BindingID,
		&status,
		&rec.Fingerprint,
		&desired,
		&observed,
		&lastError,
		&rec.Attempts,
		&opAttempts,
		&rec.ConsecutiveFailures,
		&nextRetry,
		&started,
		&rec.AllowRecreate,
		&rec.CertificateRef,
		&rec.DistributionRef,
		&rec.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = engine.ConvergenceStatus(status)
	rec.NextRetryAt = fromUnixNano(nextRetry)
	rec.ConvergenceStartedAt = fromUnixNano(started)
	rec.CreatedAt = fromUnixNano(createdAt)
	rec.UpdatedAt = fromUnixNano(updatedAt)

	if err := json.Unmarshal([]byte(desired), &rec.Desired); err != nil {
		return nil, fmt.Errorf("failed to decode desired state of %s: %w", rec.BindingID, err)
	}
	if observed.Valid {
		if err := json.Unmarshal([]byte(observed.String), &rec.LastObserved); err != nil {
			return nil, fmt.Errorf("failed to decode observed state of %s: %w", rec.BindingID, err)
		}
	}
	if lastError.Valid {
		rec.LastError = &engine.BindingError{}
		if err := json.Unmarshal([]byte(lastError.String), rec.LastError); err != nil {
			return nil, fmt.Errorf("failed to decode last error of %s: %w", rec.BindingID, err)
		}
	}
	if opAttempts.Valid {
		if err := json.Unmarshal([]byte(opAttempts.String), &rec.OperationAttempts); err != nil {
			return nil, fmt.Errorf("failed to decode operation attempts of %s: %w", rec.BindingID, err)
		}
	}
	return &rec, nil
}

// ============================================================================
// Event operations
// ============================================================================

// AppendEvent appends an event to the binding's log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.BindingEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	var data sql.NullString
	if len(event.Data) > 0 {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = sql.NullString{String: string(encoded), Valid: true}
	}

	query := `
		INSERT INTO binding_events (id, binding_id, type, status, operation, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.BindingID,
		event.Type,
		string(event.Status),
		string(event.Operation),
		event.Message,
		data,
		unixNano(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events of a binding, newest first
func (s *SQLiteStore) ListEvents(ctx context.Context, bindingID string, limit int) ([]*engine.BindingEvent, error) {
	query := `
		SELECT id, binding_id, type, status, operation, message, data, timestamp
		FROM binding_events
		WHERE binding_id = ?
		ORDER BY seq DESC
	`
	args := []any{bindingID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*engine.BindingEvent{}
	for rows.Next() {
		var (
			event             engine.BindingEvent
			status, operation string
			data              sql.NullString
			ts                int64
		)
		if err := rows.Scan(&event.ID, &event.BindingID, &event.Type, &status, &operation,
			&event.Message, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Status = engine.ConvergenceStatus(status)
		event.Operation = engine.OperationKind(operation)
		event.Timestamp = fromUnixNano(ts)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// ============================================================================
// Audit operations
// ============================================================================

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
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
		unixNano(entry.Timestamp),
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

// ListAuditEntries lists audit entries, newest first, optionally for one binding
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, targetID *string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR target_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, targetID, targetID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []*AuditEntry{}
	for rows.Next() {
		var (
			entry   AuditEntry
			target  sql.NullString
			details sql.NullString
			ts      int64
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &target, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if target.Valid {
			entry.TargetID = &target.String
		}
		if details.Valid {
			entry.Details = &details.String
		}
		entry.Timestamp = fromUnixNano(ts)
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// ============================================================================
// Utility operations
// ============================================================================

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	if result != 1 {
		return fmt.Errorf("unexpected query result: %d", result)
	}

	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Times are stored as Unix nanoseconds; zero means unset.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
