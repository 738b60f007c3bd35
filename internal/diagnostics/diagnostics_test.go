package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/lakowske/poststack/internal/migrations"
	"github.com/lakowske/poststack/internal/tracker"
)

func writeMigration(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newTestDiagnostics(t *testing.T, dir string) (*Diagnostics, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	tr, err := tracker.New(db, "")
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}
	return New(dir, tr), mock, func() { db.Close() }
}

func TestScanDetectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, description, applied_at, execution_ms")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "description", "applied_at", "execution_ms", "forward_checksum", "forward_sql", "rollback_sql", "applied_by"}).
			AddRow("001", "create users", time.Now(), 5, "abc", "CREATE TABLE users();", "DROP TABLE users;", "holder"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT locked, locked_at, locked_by")).
		WillReturnRows(sqlmock.NewRows([]string{"locked", "locked_at", "locked_by"}).AddRow(false, nil, nil))

	issues, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	found := false
	for _, i := range issues {
		if i.Kind == KindMissingFile && i.Version == "001" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected missing_file issue, got %+v", issues)
	}
}

func TestScanDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_create_users.sql", "CREATE TABLE users (id SERIAL);\n")

	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, description, applied_at, execution_ms")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "description", "applied_at", "execution_ms", "forward_checksum", "forward_sql", "rollback_sql", "applied_by"}).
			AddRow("001", "create users", time.Now(), 5, "stale", "CREATE TABLE users (id SERIAL);", "", "holder"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT locked, locked_at, locked_by")).
		WillReturnRows(sqlmock.NewRows([]string{"locked", "locked_at", "locked_by"}).AddRow(false, nil, nil))

	issues, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	found := false
	for _, i := range issues {
		if i.Kind == KindChecksumMismatch {
			found = true
		}
	}
	if !found {
		t.Errorf("expected checksum_mismatch issue, got %+v", issues)
	}
}

func TestScanDetectsStuckLock(t *testing.T) {
	dir := t.TempDir()
	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, description, applied_at, execution_ms")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "description", "applied_at", "execution_ms", "forward_checksum", "forward_sql", "rollback_sql", "applied_by"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT locked, locked_at, locked_by")).
		WillReturnRows(sqlmock.NewRows([]string{"locked", "locked_at", "locked_by"}).AddRow(true, time.Now().Add(-10*time.Minute), "zombie-holder"))

	issues, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(issues) != 1 || issues[0].Kind != KindStuckLock {
		t.Fatalf("expected single stuck_lock issue, got %+v", issues)
	}
}

// fakeProbe is an in-memory SchemaProbe: tables that "exist" in the
// application schema.
type fakeProbe struct {
	tables map[string]bool
}

func (f *fakeProbe) TableExists(ctx context.Context, name string) (bool, error) {
	return f.tables[name], nil
}

func (f *fakeProbe) AppTables(ctx context.Context) ([]string, error) {
	var out []string
	for name := range f.tables {
		out = append(out, name)
	}
	return out, nil
}

func expectAppliedRows(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, description, applied_at, execution_ms")).WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT locked, locked_at, locked_by")).
		WillReturnRows(sqlmock.NewRows([]string{"locked", "locked_at", "locked_by"}).AddRow(false, nil, nil))
}

func TestScanDetectsMissingTracking(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_users.sql", "CREATE TABLE users (id SERIAL);\n")
	writeMigration(t, dir, "002_orders.sql", "CREATE TABLE orders (id SERIAL);\n")
	writeMigration(t, dir, "003_items.sql", "CREATE TABLE IF NOT EXISTS items (id SERIAL);\n")

	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()
	d.Probe = &fakeProbe{tables: map[string]bool{"users": true, "orders": true, "items": true}}

	// Only 001 is tracked; 002 and 003 created their tables but were
	// never recorded.
	expectAppliedRows(mock, sqlmock.NewRows([]string{"version", "description", "applied_at", "execution_ms", "forward_checksum", "forward_sql", "rollback_sql", "applied_by"}).
		AddRow("001", "users", time.Now(), 5, checksumOf(t, dir, "001"), "CREATE TABLE users (id SERIAL);", "", "holder"))

	issues, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var missing []string
	for _, i := range issues {
		if i.Kind == KindMissingTracking {
			missing = append(missing, i.Version)
		}
	}
	if len(missing) != 2 {
		t.Fatalf("expected missing_tracking for 002 and 003, got %v (all: %+v)", missing, issues)
	}
}

func checksumOf(t *testing.T, dir, version string) string {
	t.Helper()
	discovered, err := migrations.Discover(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range discovered {
		if m.Version == version {
			return m.ForwardChecksum
		}
	}
	t.Fatalf("no discovered migration for version %s", version)
	return ""
}

func TestScanDetectsOrphanedSchema(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_users.sql", "CREATE TABLE users (id SERIAL);\n")

	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()
	d.Probe = &fakeProbe{tables: map[string]bool{"users": true, "legacy_audit": true}}

	expectAppliedRows(mock, sqlmock.NewRows([]string{"version", "description", "applied_at", "execution_ms", "forward_checksum", "forward_sql", "rollback_sql", "applied_by"}).
		AddRow("001", "users", time.Now(), 5, checksumOf(t, dir, "001"), "CREATE TABLE users (id SERIAL);", "", "holder"))

	issues, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	found := false
	for _, i := range issues {
		if i.Kind == KindOrphanedSchema {
			found = true
		}
	}
	if !found {
		t.Errorf("expected orphaned_schema issue for legacy_audit, got %+v", issues)
	}
}

func TestScanDetectsPartialMigration(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_users.sql", "CREATE TABLE users (id SERIAL);\n")
	writeMigration(t, dir, "002_orders.sql", "CREATE TABLE orders (id SERIAL);\n")

	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()

	// 002 is recorded but 001 never was: the residue Migrate refuses to
	// skip over.
	expectAppliedRows(mock, sqlmock.NewRows([]string{"version", "description", "applied_at", "execution_ms", "forward_checksum", "forward_sql", "rollback_sql", "applied_by"}).
		AddRow("002", "orders", time.Now(), 5, checksumOf(t, dir, "002"), "CREATE TABLE orders (id SERIAL);", "", "holder"))

	issues, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	found := false
	for _, i := range issues {
		if i.Kind == KindPartialMigration && i.Version == "001" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected partial_migration issue for 001, got %+v", issues)
	}
}

func TestScanDetectsPartialMigrationWithProbe(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_users.sql", "CREATE TABLE users (id SERIAL);\n")
	writeMigration(t, dir, "002_orders.sql", "CREATE TABLE orders (id SERIAL);\n")

	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()
	// 001's table never made it into the schema, so this is residue of a
	// failed attempt rather than untracked success.
	d.Probe = &fakeProbe{tables: map[string]bool{"orders": true}}

	expectAppliedRows(mock, sqlmock.NewRows([]string{"version", "description", "applied_at", "execution_ms", "forward_checksum", "forward_sql", "rollback_sql", "applied_by"}).
		AddRow("002", "orders", time.Now(), 5, checksumOf(t, dir, "002"), "CREATE TABLE orders (id SERIAL);", "", "holder"))

	issues, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var partial, missing int
	for _, i := range issues {
		switch i.Kind {
		case KindPartialMigration:
			partial++
		case KindMissingTracking:
			missing++
		}
	}
	if partial != 1 || missing != 0 {
		t.Errorf("expected one partial_migration and no missing_tracking, got %+v", issues)
	}
}

func TestRecoverDryRunPlansInsertsWithoutMutation(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "002_orders.sql", "CREATE TABLE orders (id SERIAL);\n")

	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()
	d.Probe = &fakeProbe{tables: map[string]bool{"orders": true}}

	expectAppliedRows(mock, sqlmock.NewRows([]string{"version", "description", "applied_at", "execution_ms", "forward_checksum", "forward_sql", "rollback_sql", "applied_by"}))

	actions, err := d.Recover(context.Background(), true)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one planned insert, got %+v", actions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("dry-run recover should not mutate: %v", err)
	}
}

func TestRepairSkipsForceGatedIssuesWithoutForce(t *testing.T) {
	dir := t.TempDir()
	d, _, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()

	issues := []Issue{{Kind: KindChecksumMismatch, Version: "001"}}
	actions, err := d.Repair(context.Background(), issues, false, true)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(actions) != 1 || actions[0].Forced {
		t.Fatalf("expected a skipped action, got %+v", actions)
	}
}

func TestRepairDryRunDoesNotTouchDatabase(t *testing.T) {
	dir := t.TempDir()
	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()

	issues := []Issue{{Kind: KindStuckLock}}
	actions, err := d.Repair(context.Background(), issues, false, true)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %+v", actions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("dry-run should not touch the database: %v", err)
	}
}

func TestRepairUpdatesChecksumWithForce(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "002_orders.sql", "CREATE TABLE orders (id SERIAL);\n")

	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE poststack.applied_migrations SET forward_checksum")).
		WithArgs(checksumOf(t, dir, "002"), "002").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	issues := []Issue{{Kind: KindChecksumMismatch, Version: "002"}}
	actions, err := d.Repair(context.Background(), issues, true, false)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(actions) != 1 || !actions[0].Forced {
		t.Fatalf("expected one forced action, got %+v", actions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected checksum update to hit the database: %v", err)
	}
}

func TestRepairClearsStuckLock(t *testing.T) {
	dir := t.TempDir()
	d, mock, closeFn := newTestDiagnostics(t, dir)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE poststack.migration_lock SET locked = false")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	issues := []Issue{{Kind: KindStuckLock}}
	actions, err := d.Repair(context.Background(), issues, false, false)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %+v", actions)
	}
}
