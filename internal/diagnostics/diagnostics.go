// Package diagnostics implements the closed DiagnosticIssue taxonomy:
// cross-checking MigrationStore, MigrationTracker, and the observable
// application schema, and applying the auto-fixable subset of what it
// finds.
package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lakowske/poststack/internal/migrations"
	"github.com/lakowske/poststack/internal/poststack"
	"github.com/lakowske/poststack/internal/tracker"
)

// sqlTxCloser commits or rolls back a repair transaction exactly once,
// whichever comes first.
type sqlTxCloser struct {
	tx   *sql.Tx
	done bool
}

func (c *sqlTxCloser) commit() error {
	c.done = true
	return c.tx.Commit()
}

func (c *sqlTxCloser) rollbackIfOpen() {
	if !c.done {
		c.tx.Rollback()
	}
}

// Kind is the closed set of diagnostic issue kinds.
type Kind string

const (
	KindMissingTracking  Kind = "missing_tracking"
	KindMissingFile      Kind = "missing_file"
	KindChecksumMismatch Kind = "checksum_mismatch"
	KindStuckLock        Kind = "stuck_lock"
	KindOrphanedSchema   Kind = "orphaned_schema"
	KindPartialMigration Kind = "partial_migration"
	KindDuplicateVersion Kind = "duplicate_version"
	KindRollbackMissing  Kind = "rollback_missing"
	KindInvalidMigration Kind = "invalid_migration"
	KindCorruptedData    Kind = "corrupted_data"
)

// Severity orders issues for display; it carries no behavior of its own.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityByKind = map[Kind]Severity{
	KindMissingTracking:  SeverityHigh,
	KindMissingFile:      SeverityHigh,
	KindChecksumMismatch: SeverityMedium,
	KindStuckLock:        SeverityHigh,
	KindOrphanedSchema:   SeverityLow,
	KindPartialMigration: SeverityHigh,
	KindDuplicateVersion: SeverityCritical,
	KindRollbackMissing:  SeverityLow,
	KindInvalidMigration: SeverityMedium,
	KindCorruptedData:    SeverityCritical,
}

// autoFixable is the closed subset of kinds repair() may act on; the
// rest always require a human.
var autoFixable = map[Kind]bool{
	KindMissingTracking:  true,
	KindChecksumMismatch: true, // requires force
	KindStuckLock:        true,
	KindPartialMigration: true,
	KindInvalidMigration: true, // requires force
}

// forceOnly is the subset of autoFixable that additionally requires
// force=true because it overwrites or deletes tracker state.
var forceOnly = map[Kind]bool{
	KindChecksumMismatch: true,
	KindInvalidMigration: true,
}

// Issue is one finding.
type Issue struct {
	Kind     Kind
	Severity Severity
	Version  string
	Message  string
}

// AutoFixable reports whether repair can ever act on this kind.
func (i Issue) AutoFixable() bool { return autoFixable[i.Kind] }

// Action describes one repair step, returned even in dry-run mode.
type Action struct {
	Issue  Issue
	Detail string
	Forced bool
}

// SchemaProbe observes the application schema, so Scan can tell whether
// a pending migration's objects already exist (missing_tracking) and
// whether tables exist that no migration creates (orphaned_schema).
// *tracker.Tracker satisfies it; a nil probe limits Scan to the pure
// store/tracker cross-check.
type SchemaProbe interface {
	TableExists(ctx context.Context, name string) (bool, error)
	AppTables(ctx context.Context) ([]string, error)
}

// Diagnostics cross-checks an on-disk migration directory against a
// Tracker.
type Diagnostics struct {
	Dir     string
	Tracker *tracker.Tracker
	Probe   SchemaProbe
}

// New constructs a Diagnostics.
func New(dir string, t *tracker.Tracker) *Diagnostics {
	return &Diagnostics{Dir: dir, Tracker: t}
}

// Scan cross-checks the store against the tracker and returns every
// issue found, most severe first.
func (d *Diagnostics) Scan(ctx context.Context) ([]Issue, error) {
	discovered, err := migrations.Discover(d.Dir)
	if err != nil {
		return nil, err
	}
	applied, err := d.Tracker.List(ctx)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]migrations.Migration, len(discovered))
	for _, m := range discovered {
		byVersion[m.Version] = m
	}
	appliedByVersion := make(map[string]tracker.AppliedMigration, len(applied))
	var maxApplied int64 = -1
	for _, am := range applied {
		appliedByVersion[am.Version] = am
		if n := migrations.NumericVersion(am.Version); n > maxApplied {
			maxApplied = n
		}
	}

	var issues []Issue

	for _, am := range applied {
		m, ok := byVersion[am.Version]
		if !ok {
			issues = append(issues, Issue{
				Kind: KindMissingFile, Severity: severityByKind[KindMissingFile], Version: am.Version,
				Message: fmt.Sprintf("migration %s is tracked as applied but its file is gone", am.Version),
			})
			if !am.HasRollbackSnapshot {
				issues = append(issues, Issue{
					Kind: KindRollbackMissing, Severity: severityByKind[KindRollbackMissing], Version: am.Version,
					Message: fmt.Sprintf("migration %s has neither a rollback file nor a recorded snapshot", am.Version),
				})
			}
			continue
		}
		if am.ForwardChecksumRecorded != m.ForwardChecksum {
			issues = append(issues, Issue{
				Kind: KindChecksumMismatch, Severity: severityByKind[KindChecksumMismatch], Version: am.Version,
				Message: fmt.Sprintf("migration %s recorded checksum %s, current file checksum %s", am.Version, am.ForwardChecksumRecorded, m.ForwardChecksum),
			})
		}
		if !am.HasRollbackSnapshot && !m.HasRollback {
			issues = append(issues, Issue{
				Kind: KindRollbackMissing, Severity: severityByKind[KindRollbackMissing], Version: am.Version,
				Message: fmt.Sprintf("migration %s has no rollback file or snapshot", am.Version),
			})
		}
		if am.Version == "" || am.ForwardChecksumRecorded == "" {
			issues = append(issues, Issue{
				Kind: KindInvalidMigration, Severity: severityByKind[KindInvalidMigration], Version: am.Version,
				Message: fmt.Sprintf("tracker row for %q violates schema invariants", am.Version),
			})
		}
	}

	if d.Probe != nil {
		probeIssues, err := d.scanSchema(ctx, discovered, appliedByVersion, maxApplied)
		if err != nil {
			return nil, err
		}
		issues = append(issues, probeIssues...)
	} else {
		// Without a schema probe the residue check is purely positional:
		// an unapplied version below the applied head is what a failed
		// run leaves behind, and what Migrate refuses to skip over.
		for _, m := range discovered {
			if _, tracked := appliedByVersion[m.Version]; tracked {
				continue
			}
			if migrations.NumericVersion(m.Version) < maxApplied {
				issues = append(issues, partialMigrationIssue(m.Version))
			}
		}
	}

	lock, err := d.Tracker.LockStatus(ctx)
	if err != nil {
		return nil, err
	}
	if lock.Stale(d.Tracker.StaleLockThreshold) {
		issues = append(issues, Issue{
			Kind: KindStuckLock, Severity: severityByKind[KindStuckLock],
			Message: fmt.Sprintf("migration lock held by %q since %s, past the stale threshold", lock.LockedBy, lock.LockedAt),
		})
	}

	sort.SliceStable(issues, func(i, j int) bool {
		return severityRank(issues[i].Severity) > severityRank(issues[j].Severity)
	})
	return issues, nil
}

// partialMigrationIssue marks an unapplied version sitting below the
// applied head: the tracker says later migrations ran, so this one was
// attempted and failed (or was skipped) in an interrupted run. Migrate
// refuses to apply backwards past it until the residue is cleared.
func partialMigrationIssue(version string) Issue {
	return Issue{
		Kind: KindPartialMigration, Severity: severityByKind[KindPartialMigration], Version: version,
		Message: fmt.Sprintf("migration %s is unapplied but later versions are recorded; residue of an interrupted run", version),
	}
}

var createTablePattern = regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?("?[A-Za-z_][A-Za-z0-9_]*"?(?:\."?[A-Za-z_][A-Za-z0-9_]*"?)?)`)

// createdTables extracts the table names a forward script creates,
// normalized to bare lowercase names with any public. prefix stripped.
func createdTables(forwardSQL string) []string {
	var out []string
	for _, m := range createTablePattern.FindAllStringSubmatch(forwardSQL, -1) {
		name := strings.ToLower(strings.ReplaceAll(m[1], `"`, ""))
		name = strings.TrimPrefix(name, "public.")
		out = append(out, name)
	}
	return out
}

// scanSchema runs the probe-backed checks: pending migrations whose
// objects already exist (missing_tracking), unapplied versions below
// the applied head whose objects are absent (partial_migration), and
// application tables no migration creates (orphaned_schema).
func (d *Diagnostics) scanSchema(ctx context.Context, discovered []migrations.Migration, applied map[string]tracker.AppliedMigration, maxApplied int64) ([]Issue, error) {
	var issues []Issue
	expected := map[string]bool{}

	for _, m := range discovered {
		tables := createdTables(m.ForwardSQL)
		for _, tbl := range tables {
			expected[tbl] = true
		}
		if _, tracked := applied[m.Version]; tracked {
			continue
		}
		allExist := len(tables) > 0
		for _, tbl := range tables {
			exists, err := d.Probe.TableExists(ctx, tbl)
			if err != nil {
				return nil, err
			}
			if !exists {
				allExist = false
				break
			}
		}
		switch {
		case allExist:
			issues = append(issues, Issue{
				Kind: KindMissingTracking, Severity: severityByKind[KindMissingTracking], Version: m.Version,
				Message: fmt.Sprintf("schema objects from migration %s exist but the migration is not tracked as applied", m.Version),
			})
		case migrations.NumericVersion(m.Version) < maxApplied:
			issues = append(issues, partialMigrationIssue(m.Version))
		}
	}

	appTables, err := d.Probe.AppTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, tbl := range appTables {
		if !expected[tbl] {
			issues = append(issues, Issue{
				Kind: KindOrphanedSchema, Severity: severityByKind[KindOrphanedSchema],
				Message: fmt.Sprintf("table %q exists but no migration creates it", tbl),
			})
		}
	}
	return issues, nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Repair applies the auto-fixable subset of issues. With force=false,
// force-gated kinds (checksum_mismatch, invalid_migration) are skipped
// and reported as such. dryRun returns the action list without
// mutating anything.
func (d *Diagnostics) Repair(ctx context.Context, issues []Issue, force bool, dryRun bool) ([]Action, error) {
	var actions []Action
	var tx *sqlTxCloser
	if !dryRun {
		t, err := d.Tracker.Begin(ctx)
		if err != nil {
			return nil, err
		}
		tx = &sqlTxCloser{tx: t}
		defer tx.rollbackIfOpen()
	}

	for _, issue := range issues {
		if !issue.AutoFixable() {
			continue
		}
		if forceOnly[issue.Kind] && !force {
			actions = append(actions, Action{Issue: issue, Detail: "skipped: requires --force", Forced: false})
			continue
		}

		var detail string
		var err error
		switch issue.Kind {
		case KindStuckLock:
			detail = "cleared stuck migration lock"
			if !dryRun {
				err = d.Tracker.ForceReleaseLockTx(ctx, tx.tx)
			}
		case KindChecksumMismatch:
			detail = fmt.Sprintf("updated recorded checksum for %s", issue.Version)
			if !dryRun {
				var m migrations.Migration
				m, err = d.findMigration(issue.Version)
				if err == nil {
					err = d.Tracker.UpdateChecksumTx(ctx, tx.tx, issue.Version, m.ForwardChecksum)
				}
			}
		case KindInvalidMigration:
			detail = fmt.Sprintf("deleted invalid tracker row for %s", issue.Version)
			if !dryRun {
				err = d.Tracker.DeleteTx(ctx, tx.tx, issue.Version)
			}
		case KindPartialMigration:
			detail = fmt.Sprintf("cleared partial-migration residue for %s", issue.Version)
			if !dryRun {
				err = d.Tracker.DeleteTx(ctx, tx.tx, issue.Version)
			}
		case KindMissingTracking:
			detail = fmt.Sprintf("inserted tracker row for untracked migration %s", issue.Version)
			if !dryRun {
				var m migrations.Migration
				m, err = d.findMigration(issue.Version)
				if err == nil {
					err = d.Tracker.InsertTx(ctx, tx.tx, tracker.AppliedMigration{
						Version:                 m.Version,
						Description:             m.Description,
						ForwardChecksumRecorded: m.ForwardChecksum,
						ForwardSQLSnapshot:      m.ForwardSQL,
						RollbackSQLSnapshot:     m.RollbackSQL,
						AppliedBy:               "diagnostics-repair",
					})
				}
			}
		}
		if err != nil {
			return actions, err
		}
		actions = append(actions, Action{Issue: issue, Detail: detail, Forced: forceOnly[issue.Kind]})
	}

	if !dryRun {
		if err := tx.commit(); err != nil {
			return actions, err
		}
	}
	return actions, nil
}

func (d *Diagnostics) findMigration(version string) (migrations.Migration, error) {
	discovered, err := migrations.Discover(d.Dir)
	if err != nil {
		return migrations.Migration{}, err
	}
	for _, m := range discovered {
		if m.Version == version {
			return m, nil
		}
	}
	return migrations.Migration{}, poststack.New(poststack.ConfigInvalid, "diagnostics: no on-disk migration for version %s", version)
}

// Recover runs the common "applied but not tracked" pathway: scan,
// keep only missing_tracking issues, and repair them. With
// dryRun=true it reports the planned inserts without mutating state.
func (d *Diagnostics) Recover(ctx context.Context, dryRun bool) ([]Action, error) {
	issues, err := d.Scan(ctx)
	if err != nil {
		return nil, err
	}
	var missing []Issue
	for _, i := range issues {
		if i.Kind == KindMissingTracking {
			missing = append(missing, i)
		}
	}
	return d.Repair(ctx, missing, true, dryRun)
}
