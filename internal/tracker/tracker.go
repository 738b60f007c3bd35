// Package tracker implements MigrationTracker: the database-side record
// of applied migrations and the exclusive migration lock,
// bootstrapped into a schema distinct from the application schema so
// dropping the app schema never orphans tracking state.
//
// Tracker is built on database/sql rather than pgx's native interface
// so that it can be driven in tests by github.com/DATA-DOG/go-sqlmock
// while still running against Postgres in production through the
// jackc/pgx/v5/stdlib driver registered at the composition root.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/lakowske/poststack/internal/poststack"
)

// DefaultSchema is the tracker's dedicated schema. The tables live
// apart from "public" so dropping the application schema never orphans
// tracking state.
const DefaultSchema = "poststack"

// DefaultStaleLockThreshold is the lock-age cutoff past which
// Diagnostics (via LockInfo.Stale) classifies a held lock as a
// stuck_lock. AcquireLock does not consult it: a held lock fails with
// LockHeld whatever its age. Overridable per Tracker via
// StaleLockThreshold.
const DefaultStaleLockThreshold = 5 * time.Minute

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AppliedMigration is a tracker row.
type AppliedMigration struct {
	Version                 string
	Description             string
	AppliedAt               time.Time
	ExecutionMS             int64
	ForwardChecksumRecorded string
	ForwardSQLSnapshot      string
	RollbackSQLSnapshot     string
	HasRollbackSnapshot     bool
	AppliedBy               string
}

// LockInfo reflects the current state of the singleton migration_lock row.
type LockInfo struct {
	Locked   bool
	LockedAt time.Time
	LockedBy string
}

// Stale reports whether the lock has been held longer than threshold.
func (l LockInfo) Stale(threshold time.Duration) bool {
	return l.Locked && !l.LockedAt.IsZero() && time.Since(l.LockedAt) > threshold
}

// Tracker drives the two tracker tables over a *sql.DB.
type Tracker struct {
	db                 *sql.DB
	schema             string
	StaleLockThreshold time.Duration
}

// New creates a Tracker. An empty schema defaults to DefaultSchema.
func New(db *sql.DB, schema string) (*Tracker, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	if !identifierPattern.MatchString(schema) {
		return nil, poststack.New(poststack.ConfigInvalid, "tracker: invalid schema name %q", schema)
	}
	return &Tracker{db: db, schema: schema, StaleLockThreshold: DefaultStaleLockThreshold}, nil
}

func (t *Tracker) table(name string) string {
	return fmt.Sprintf("%s.%s", t.schema, name)
}

// Bootstrap idempotently creates the tracker schema, tables, and the
// singleton lock row; "if not exists" semantics throughout, and
// inserting the lock row tolerates conflict.
func (t *Tracker) Bootstrap(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, t.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			version TEXT PRIMARY KEY,
			description TEXT,
			applied_at TIMESTAMP NOT NULL DEFAULT now(),
			execution_ms INT,
			forward_checksum TEXT NOT NULL,
			forward_sql TEXT,
			rollback_sql TEXT,
			applied_by TEXT
		)`, t.table("applied_migrations")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INT PRIMARY KEY CHECK (id = 1),
			locked BOOLEAN NOT NULL,
			locked_at TIMESTAMP,
			locked_by TEXT
		)`, t.table("migration_lock")),
		fmt.Sprintf(`INSERT INTO %s (id, locked) VALUES (1, false) ON CONFLICT (id) DO NOTHING`, t.table("migration_lock")),
	}
	for _, stmt := range stmts {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: bootstrap failed")
		}
	}
	return nil
}

// AcquireLock atomically sets locked=true iff it was false. On
// failure it returns a LockHeld error carrying the current
// holder and lock age so the caller (or `poststack diagnose`) can tell
// a fresh lock from a stuck one.
func (t *Tracker) AcquireLock(ctx context.Context, holder string) error {
	query := fmt.Sprintf(`UPDATE %s SET locked = true, locked_at = now(), locked_by = $1
		WHERE id = 1 AND locked = false`, t.table("migration_lock"))
	res, err := t.db.ExecContext(ctx, query, holder)
	if err != nil {
		return poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: acquire lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: acquire lock")
	}
	if n == 1 {
		return nil
	}

	info, infoErr := t.LockStatus(ctx)
	if infoErr != nil {
		return poststack.Wrap(poststack.LockHeld, infoErr, "tracker: migration lock held by unknown holder")
	}
	since := "unknown"
	if !info.LockedAt.IsZero() {
		since = info.LockedAt.Format(time.RFC3339)
	}
	return poststack.New(poststack.LockHeld, "migration lock held by %q since %s", info.LockedBy, since)
}

// ReleaseLock always clears the row, even on failure paths:
// callers invoke this in a defer immediately after a successful
// AcquireLock so the lock is released regardless of how migrate/
// rollback exits.
func (t *Tracker) ReleaseLock(ctx context.Context) error {
	query := fmt.Sprintf(`UPDATE %s SET locked = false, locked_at = NULL, locked_by = NULL WHERE id = 1`, t.table("migration_lock"))
	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: release lock")
	}
	return nil
}

// ForceReleaseLock is the stuck_lock auto-fix: it clears the lock
// unconditionally, bypassing the locked=false guard AcquireLock uses.
func (t *Tracker) ForceReleaseLock(ctx context.Context) error {
	return t.ReleaseLock(ctx)
}

// ForceReleaseLockTx is ForceReleaseLock run inside an existing
// transaction, so Diagnostics.Repair can clear a stuck_lock alongside
// its other tracker-row mutations in one commit.
func (t *Tracker) ForceReleaseLockTx(ctx context.Context, tx *sql.Tx) error {
	query := fmt.Sprintf(`UPDATE %s SET locked = false, locked_at = NULL, locked_by = NULL WHERE id = 1`, t.table("migration_lock"))
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: force release lock")
	}
	return nil
}

// LockStatus returns the current state of the singleton lock row.
func (t *Tracker) LockStatus(ctx context.Context) (LockInfo, error) {
	query := fmt.Sprintf(`SELECT locked, locked_at, locked_by FROM %s WHERE id = 1`, t.table("migration_lock"))
	row := t.db.QueryRowContext(ctx, query)

	var info LockInfo
	var lockedAt sql.NullTime
	var lockedBy sql.NullString
	if err := row.Scan(&info.Locked, &lockedAt, &lockedBy); err != nil {
		return LockInfo{}, poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: read lock status")
	}
	info.LockedAt = lockedAt.Time
	info.LockedBy = lockedBy.String
	return info, nil
}

// List returns every AppliedMigration ordered by version ascending.
func (t *Tracker) List(ctx context.Context) ([]AppliedMigration, error) {
	query := fmt.Sprintf(`SELECT version, description, applied_at, execution_ms, forward_checksum, forward_sql, rollback_sql, applied_by
		FROM %s ORDER BY version ASC`, t.table("applied_migrations"))
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: list applied migrations")
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var am AppliedMigration
		var executionMS sql.NullInt64
		var forwardSQL, appliedBy sql.NullString
		var rollbackSQL sql.NullString
		if err := rows.Scan(&am.Version, &am.Description, &am.AppliedAt, &executionMS, &am.ForwardChecksumRecorded, &forwardSQL, &rollbackSQL, &appliedBy); err != nil {
			return nil, poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: scan applied migration")
		}
		am.ExecutionMS = executionMS.Int64
		am.ForwardSQLSnapshot = forwardSQL.String
		am.AppliedBy = appliedBy.String
		if rollbackSQL.Valid && rollbackSQL.String != "" {
			am.HasRollbackSnapshot = true
			am.RollbackSQLSnapshot = rollbackSQL.String
		}
		out = append(out, am)
	}
	return out, rows.Err()
}

// Get returns a single AppliedMigration, or ok=false if not tracked.
func (t *Tracker) Get(ctx context.Context, version string) (AppliedMigration, bool, error) {
	query := fmt.Sprintf(`SELECT version, description, applied_at, execution_ms, forward_checksum, forward_sql, rollback_sql, applied_by
		FROM %s WHERE version = $1`, t.table("applied_migrations"))
	row := t.db.QueryRowContext(ctx, query, version)

	var am AppliedMigration
	var executionMS sql.NullInt64
	var forwardSQL, appliedBy, rollbackSQL sql.NullString
	if err := row.Scan(&am.Version, &am.Description, &am.AppliedAt, &executionMS, &am.ForwardChecksumRecorded, &forwardSQL, &rollbackSQL, &appliedBy); err != nil {
		if err == sql.ErrNoRows {
			return AppliedMigration{}, false, nil
		}
		return AppliedMigration{}, false, poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: get applied migration %s", version)
	}
	am.ExecutionMS = executionMS.Int64
	am.ForwardSQLSnapshot = forwardSQL.String
	am.AppliedBy = appliedBy.String
	if rollbackSQL.Valid && rollbackSQL.String != "" {
		am.HasRollbackSnapshot = true
		am.RollbackSQLSnapshot = rollbackSQL.String
	}
	return am, true, nil
}

// TableExists reports whether a relation of the given name is visible
// in the connected database. Diagnostics uses it to spot schema objects
// that a pending migration would have created (missing_tracking).
func (t *Tracker) TableExists(ctx context.Context, name string) (bool, error) {
	var reg sql.NullString
	if err := t.db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, name).Scan(&reg); err != nil {
		return false, poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: checking table %s", name)
	}
	return reg.Valid, nil
}

// AppTables lists base tables in the application schema (public), for
// the orphaned_schema cross-check.
func (t *Tracker) AppTables(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name`)
	if err != nil {
		return nil, poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: listing application tables")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: scan table name")
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Begin starts a new transaction for one migration's forward/rollback
// execution plus tracker row mutation, so a failure rolls back that
// migration and leaves the tracker untouched.
func (t *Tracker) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, poststack.Wrap(poststack.DatabaseUnreachable, err, "tracker: begin transaction")
	}
	return tx, nil
}

// InsertTx records a successfully applied migration within tx.
func (t *Tracker) InsertTx(ctx context.Context, tx *sql.Tx, am AppliedMigration) error {
	query := fmt.Sprintf(`INSERT INTO %s (version, description, execution_ms, forward_checksum, forward_sql, rollback_sql, applied_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, t.table("applied_migrations"))
	_, err := tx.ExecContext(ctx, query, am.Version, am.Description, am.ExecutionMS, am.ForwardChecksumRecorded, am.ForwardSQLSnapshot, nullIfEmpty(am.RollbackSQLSnapshot), am.AppliedBy)
	if err != nil {
		return poststack.Wrap(poststack.MigrationFailed, err, "tracker: insert applied migration %s", am.Version)
	}
	return nil
}

// DeleteTx removes a tracker row within tx (used by rollback and by
// Diagnostics repair for invalid_migration).
func (t *Tracker) DeleteTx(ctx context.Context, tx *sql.Tx, version string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, t.table("applied_migrations"))
	if _, err := tx.ExecContext(ctx, query, version); err != nil {
		return poststack.Wrap(poststack.MigrationFailed, err, "tracker: delete applied migration %s", version)
	}
	return nil
}

// UpdateChecksumTx rewrites the recorded checksum for a version
// (Diagnostics' forced checksum_mismatch repair).
func (t *Tracker) UpdateChecksumTx(ctx context.Context, tx *sql.Tx, version, checksum string) error {
	query := fmt.Sprintf(`UPDATE %s SET forward_checksum = $1 WHERE version = $2`, t.table("applied_migrations"))
	if _, err := tx.ExecContext(ctx, query, checksum, version); err != nil {
		return poststack.Wrap(poststack.MigrationFailed, err, "tracker: update checksum for %s", version)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
