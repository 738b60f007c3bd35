package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/lakowske/poststack/internal/config"
	"github.com/lakowske/poststack/internal/poststack"
	"github.com/lakowske/poststack/internal/runtime"
)

// fakeDriver is a minimal in-memory runtime.Driver double; a hand
// written fake keeps the tests readable compared to a generated mock.
type fakeDriver struct {
	inspections map[string]runtime.Inspection
	started     []string
	ran         []string
	removed     []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{inspections: map[string]runtime.Inspection{}}
}

func (f *fakeDriver) Name() string { return "fake" }
func (f *fakeDriver) BuildImage(ctx context.Context, name, buildContext string) (string, error) {
	return "img", nil
}
func (f *fakeDriver) ImageExists(ctx context.Context, name string) (bool, error) { return true, nil }
func (f *fakeDriver) RunContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	f.ran = append(f.ran, spec.Name)
	f.inspections[spec.Name] = runtime.Inspection{Name: spec.Name, State: runtime.StateRunning}
	return spec.Name, nil
}
func (f *fakeDriver) StartContainer(ctx context.Context, name string) error {
	f.started = append(f.started, name)
	f.inspections[name] = runtime.Inspection{Name: name, State: runtime.StateRunning}
	return nil
}
func (f *fakeDriver) InspectContainer(ctx context.Context, name string) (runtime.Inspection, error) {
	if insp, ok := f.inspections[name]; ok {
		return insp, nil
	}
	return runtime.Inspection{Name: name, State: runtime.StateAbsent}, nil
}
func (f *fakeDriver) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	return nil
}
func (f *fakeDriver) RemoveContainer(ctx context.Context, name string, force bool) error {
	f.removed = append(f.removed, name)
	delete(f.inspections, name)
	return nil
}
func (f *fakeDriver) RemoveVolume(ctx context.Context, name string) error { return nil }
func (f *fakeDriver) ApplyManifest(ctx context.Context, kind runtime.ManifestKind, text string) (runtime.ApplyResult, error) {
	return runtime.ApplyResult{}, nil
}
func (f *fakeDriver) DownManifest(ctx context.Context, kind runtime.ManifestKind, text string, remove bool) error {
	return nil
}
func (f *fakeDriver) WaitExit(ctx context.Context, container string, timeout time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeDriver) Logs(ctx context.Context, container string) (string, error) { return "", nil }

func fakeConnect(d Descriptor) (*sql.DB, error) {
	db, mock, err := sqlmock.New()
	if err != nil {
		return nil, err
	}
	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
	return db, nil
}

func testSpec() config.PostgresSpec {
	return config.PostgresSpec{Database: "app", Port: 5433, User: "app", Password: "secret", Host: "localhost"}
}

func TestContainerAndVolumeNaming(t *testing.T) {
	c := New("myproj", "dev", newFakeDriver(), fakeConnect)
	if got, want := c.ContainerName(), "myproj-postgres-dev"; got != want {
		t.Errorf("ContainerName() = %q, want %q", got, want)
	}
	if got, want := c.VolumeName(), "poststack-postgres-dev-data"; got != want {
		t.Errorf("VolumeName() = %q, want %q", got, want)
	}
}

func TestEnsureProvisionsWhenAbsent(t *testing.T) {
	driver := newFakeDriver()
	c := New("myproj", "dev", driver, fakeConnect)
	c.ReadinessTimeout = time.Second

	desc, err := c.Ensure(context.Background(), testSpec(), "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(driver.ran) != 1 || driver.ran[0] != c.ContainerName() {
		t.Errorf("expected RunContainer to be called once for %s, got %v", c.ContainerName(), driver.ran)
	}
	if desc.Password != "secret" {
		t.Errorf("expected literal password to pass through, got %q", desc.Password)
	}
}

func TestEnsureRestartsExited(t *testing.T) {
	driver := newFakeDriver()
	driver.inspections[New("myproj", "dev", driver, fakeConnect).ContainerName()] = runtime.Inspection{State: runtime.StateExited}
	c := New("myproj", "dev", driver, fakeConnect)
	c.ReadinessTimeout = time.Second

	if _, err := c.Ensure(context.Background(), testSpec(), ""); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(driver.started) != 1 {
		t.Errorf("expected StartContainer to be called once, got %v", driver.started)
	}
	if len(driver.ran) != 0 {
		t.Errorf("expected RunContainer not to be called for a stopped container, got %v", driver.ran)
	}
}

func TestEnsureRecreatesOtherState(t *testing.T) {
	driver := newFakeDriver()
	name := New("myproj", "dev", driver, fakeConnect).ContainerName()
	driver.inspections[name] = runtime.Inspection{State: runtime.StateOther}
	c := New("myproj", "dev", driver, fakeConnect)
	c.ReadinessTimeout = time.Second

	if _, err := c.Ensure(context.Background(), testSpec(), ""); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(driver.removed) != 1 {
		t.Errorf("expected the crashed container to be force-removed, got %v", driver.removed)
	}
	if len(driver.ran) != 1 {
		t.Errorf("expected a fresh RunContainer after removal, got %v", driver.ran)
	}
}

func TestEnsureGeneratesAndPersistsAutoPassword(t *testing.T) {
	driver := newFakeDriver()
	c := New("myproj", "dev", driver, fakeConnect)
	c.ReadinessTimeout = time.Second

	spec := testSpec()
	spec.Password = config.AutoGeneratedPassword

	desc, err := c.Ensure(context.Background(), spec, "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if desc.Password == "" || desc.Password == config.AutoGeneratedPassword {
		t.Errorf("expected a generated password, got %q", desc.Password)
	}

	desc2, err := c.Ensure(context.Background(), spec, desc.Password)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if desc2.Password != desc.Password {
		t.Errorf("expected persisted password to be reused: %q != %q", desc2.Password, desc.Password)
	}
}

func TestEnsureTimesOutWhenNeverReady(t *testing.T) {
	driver := newFakeDriver()
	c := New("myproj", "dev", driver, func(d Descriptor) (*sql.DB, error) {
		return nil, poststack.New(poststack.DatabaseUnreachable, "connection refused")
	})
	c.ReadinessTimeout = 10 * time.Millisecond

	_, err := c.Ensure(context.Background(), testSpec(), "")
	if err == nil {
		t.Fatal("expected a readiness timeout error")
	}
	pe, ok := poststack.As(err)
	if !ok || pe.Kind != poststack.DatabaseUnreachable {
		t.Errorf("expected DatabaseUnreachable, got %v", err)
	}
}
