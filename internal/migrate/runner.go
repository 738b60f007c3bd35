// Package migrate implements MigrationRunner: the
// status/migrate/rollback/verify operations that tie the on-disk
// MigrationStore (internal/migrations) to the database-side
// MigrationTracker (internal/tracker) under the exclusive migration
// lock.
package migrate

import (
	"context"
	"sort"
	"time"

	"github.com/lakowske/poststack/internal/migrations"
	"github.com/lakowske/poststack/internal/poststack"
	"github.com/lakowske/poststack/internal/tracker"
)

// Status is one migration's combined on-disk/tracker view.
type Status struct {
	Version         string
	Description     string
	Applied         bool
	AppliedAt       time.Time
	ChecksumDrift   bool
	RecordedSum     string
	CurrentSum      string
	HasRollback     bool
}

// Runner composes a MigrationStore directory with a Tracker.
type Runner struct {
	Dir     string
	Tracker *tracker.Tracker
	// Holder identifies this process in the migration_lock row;
	// callers typically pass hostname:pid.
	Holder string
}

// New constructs a Runner.
func New(dir string, t *tracker.Tracker, holder string) *Runner {
	return &Runner{Dir: dir, Tracker: t, Holder: holder}
}

// Status reports the merged state of every on-disk migration against
// the tracker, without taking the lock (read-only).
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	discovered, err := migrations.Discover(r.Dir)
	if err != nil {
		return nil, err
	}
	applied, err := r.Tracker.List(ctx)
	if err != nil {
		return nil, err
	}
	appliedByVersion := make(map[string]tracker.AppliedMigration, len(applied))
	for _, am := range applied {
		appliedByVersion[am.Version] = am
	}

	out := make([]Status, 0, len(discovered))
	for _, m := range discovered {
		st := Status{
			Version:     m.Version,
			Description: m.Description,
			HasRollback: m.HasRollback,
			CurrentSum:  m.ForwardChecksum,
		}
		if am, ok := appliedByVersion[m.Version]; ok {
			st.Applied = true
			st.AppliedAt = am.AppliedAt
			st.RecordedSum = am.ForwardChecksumRecorded
			st.ChecksumDrift = am.ForwardChecksumRecorded != m.ForwardChecksum
		}
		out = append(out, st)
	}
	return out, nil
}

// Verify is Status narrowed to a single ChecksumMismatch error
// covering every drifted version, without mutating anything.
func (r *Runner) Verify(ctx context.Context) error {
	statuses, err := r.Status(ctx)
	if err != nil {
		return err
	}
	var drifted []string
	for _, s := range statuses {
		if s.Applied && s.ChecksumDrift {
			drifted = append(drifted, s.Version)
		}
	}
	if len(drifted) > 0 {
		return poststack.New(poststack.ChecksumMismatch, "checksum mismatch for migrations: %v", drifted)
	}
	return nil
}

// withLock wraps fn with acquire/release of the exclusive migration
// lock. The lock is released even if fn fails.
func (r *Runner) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.Tracker.Bootstrap(ctx); err != nil {
		return err
	}
	if err := r.Tracker.AcquireLock(ctx, r.Holder); err != nil {
		return err
	}
	defer r.Tracker.ReleaseLock(ctx)
	return fn(ctx)
}

// Migrate applies pending migrations with version ≤ target (ascending
// order), or all pending migrations if target is empty.
// Each migration runs in its own transaction. A pending version lower
// than the latest applied version is refused outright: the runner
// never skips backwards; that scenario is a
// partial_migration-class error for Diagnostics to resolve, not
// something migrate retries around. If a migration fails partway, the
// error names the versions committed during this run.
func (r *Runner) Migrate(ctx context.Context, target string) ([]string, error) {
	var appliedThisRun []string
	err := r.withLock(ctx, func(ctx context.Context) error {
		discovered, err := migrations.Discover(r.Dir)
		if err != nil {
			return err
		}
		applied, err := r.Tracker.List(ctx)
		if err != nil {
			return err
		}
		done := make(map[string]bool, len(applied))
		var maxApplied int64 = -1
		for _, am := range applied {
			done[am.Version] = true
			if n := migrations.NumericVersion(am.Version); n > maxApplied {
				maxApplied = n
			}
		}

		var ceiling int64 = -1
		hasCeiling := target != ""
		if hasCeiling {
			ceiling = migrations.NumericVersion(target)
		}

		for _, m := range discovered {
			if done[m.Version] {
				continue
			}
			v := migrations.NumericVersion(m.Version)
			if hasCeiling && v > ceiling {
				break
			}
			if v < maxApplied {
				return poststack.New(poststack.PartialMigration,
					"pending migration %s is older than the latest applied version; resolve via diagnostics before migrating", m.Version)
			}
			if err := r.applyOne(ctx, m); err != nil {
				return poststack.Wrap(poststack.PartialMigration, err,
					"migration %s failed after applying %v this run", m.Version, appliedThisRun)
			}
			appliedThisRun = append(appliedThisRun, m.Version)
			if v > maxApplied {
				maxApplied = v
			}
		}
		return nil
	})
	return appliedThisRun, err
}

func (r *Runner) applyOne(ctx context.Context, m migrations.Migration) error {
	tx, err := r.Tracker.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	start := time.Now()
	if _, err := tx.ExecContext(ctx, m.ForwardSQL); err != nil {
		return poststack.Wrap(poststack.MigrationFailed, err, "executing forward SQL for %s", m.Version)
	}
	elapsed := time.Since(start)

	am := tracker.AppliedMigration{
		Version:                 m.Version,
		Description:             m.Description,
		ExecutionMS:             elapsed.Milliseconds(),
		ForwardChecksumRecorded: m.ForwardChecksum,
		ForwardSQLSnapshot:      m.ForwardSQL,
		RollbackSQLSnapshot:     m.RollbackSQL,
		AppliedBy:               r.Holder,
	}
	if err := r.Tracker.InsertTx(ctx, tx, am); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return poststack.Wrap(poststack.MigrationFailed, err, "committing migration %s", m.Version)
	}
	return nil
}

// Rollback reverts every AppliedMigration with version > target, in
// descending version order, one per transaction. A target below the
// lowest applied version rolls everything back. It uses the rollback
// SQL snapshot recorded in the tracker at apply time, not whatever
// currently sits on disk, so a rollback always matches what was
// actually run; the stored snapshot is authoritative over the on-disk
// file when the two differ.
func (r *Runner) Rollback(ctx context.Context, target string) ([]string, error) {
	var rolledBack []string
	err := r.withLock(ctx, func(ctx context.Context) error {
		applied, err := r.Tracker.List(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return nil
		}
		sort.Slice(applied, func(i, j int) bool {
			return migrations.NumericVersion(applied[i].Version) < migrations.NumericVersion(applied[j].Version)
		})

		floor := migrations.NumericVersion(target)
		for i := len(applied) - 1; i >= 0; i-- {
			am := applied[i]
			if migrations.NumericVersion(am.Version) <= floor {
				break
			}
			if !am.HasRollbackSnapshot {
				return poststack.New(poststack.MigrationFailed, "migration %s has no recorded rollback SQL", am.Version)
			}
			if err := r.rollbackOne(ctx, am); err != nil {
				return err
			}
			rolledBack = append(rolledBack, am.Version)
		}
		return nil
	})
	return rolledBack, err
}

func (r *Runner) rollbackOne(ctx context.Context, am tracker.AppliedMigration) error {
	tx, err := r.Tracker.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, am.RollbackSQLSnapshot); err != nil {
		return poststack.Wrap(poststack.MigrationFailed, err, "executing rollback SQL for %s", am.Version)
	}
	if err := r.Tracker.DeleteTx(ctx, tx, am.Version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return poststack.Wrap(poststack.MigrationFailed, err, "committing rollback of %s", am.Version)
	}
	return nil
}
