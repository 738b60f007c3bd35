// Package orchestrator implements EnvironmentOrchestrator:
// the top-level state machine for start/stop/restart/status over one
// named environment. It composes PostgresController, ServiceRegistry,
// MigrationRunner, TemplateEngine, and RuntimeDriver, enforcing the
// init-then-deploy ordering, and owns no persistent state of its own
// beyond what it records in the local state file (phase marker,
// generated postgres password, postgres container id).
//
// Components are handed immutable snapshots downward, never references
// back up; the orchestrator only annotates errors with environment and
// phase, it never changes their kind.
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lakowske/poststack/internal/config"
	"github.com/lakowske/poststack/internal/diagnostics"
	"github.com/lakowske/poststack/internal/migrate"
	"github.com/lakowske/poststack/internal/postgres"
	"github.com/lakowske/poststack/internal/poststack"
	"github.com/lakowske/poststack/internal/registry"
	"github.com/lakowske/poststack/internal/runtime"
	"github.com/lakowske/poststack/internal/state"
	"github.com/lakowske/poststack/internal/template"
	"github.com/lakowske/poststack/internal/tracker"
)

// Phase is the environment lifecycle state.
type Phase string

const (
	PhaseDown         Phase = "down"
	PhaseStartingDB   Phase = "starting-db"
	PhaseMigrating    Phase = "migrating"
	PhaseInitializing Phase = "initializing"
	PhaseDeploying    Phase = "deploying"
	PhaseUp           Phase = "up"
	PhaseStopped      Phase = "stopped"
	PhaseDegraded     Phase = "degraded"
)

// DefaultInitWaitTimeout bounds how long the orchestrator waits for one
// init manifest's containers to exit.
const DefaultInitWaitTimeout = 5 * time.Minute

// Orchestrator drives one project's environments. Construct with New.
type Orchestrator struct {
	Config        *config.ProjectConfig
	ProjectDir    string
	MigrationsDir string
	Driver        runtime.Driver
	States        *state.Store
	Logger        *slog.Logger

	// Holder identifies this process in the migration lock row.
	Holder string

	// Connect opens a *sql.DB for a Descriptor; production wiring is
	// sql.Open("pgx", d.ConnString()), tests substitute sqlmock.
	Connect func(postgres.Descriptor) (*sql.DB, error)

	ReadinessTimeout time.Duration
	InitWaitTimeout  time.Duration

	// StaleLockThreshold overrides the tracker's default lock-age
	// cutoff when non-zero.
	StaleLockThreshold time.Duration
}

// New wires an Orchestrator for a loaded project. migrationsDir is
// resolved relative to projectDir when not absolute.
func New(cfg *config.ProjectConfig, projectDir, migrationsDir string, driver runtime.Driver, connect func(postgres.Descriptor) (*sql.DB, error), logger *slog.Logger) *Orchestrator {
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	if !filepath.IsAbs(migrationsDir) {
		migrationsDir = filepath.Join(projectDir, migrationsDir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Orchestrator{
		Config:        cfg,
		ProjectDir:    projectDir,
		MigrationsDir: migrationsDir,
		Driver:        driver,
		States:        state.NewStore(projectDir),
		Logger:        logger,
		Holder:        fmt.Sprintf("%s:%d", host, os.Getpid()),
		Connect:       connect,
	}
}

// StartReport summarizes a successful Start for the CLI layer.
type StartReport struct {
	Environment       string
	Phase             Phase
	AppliedMigrations []string
	InitManifests     int
	DeployDescriptor  string
}

// Start runs the full start sequence: ensure postgres, register it,
// migrate, run init manifests in order, then apply the deployment
// manifest. The sequence aborts at the first failure; a failure in
// any phase leaves the environment degraded.
func (o *Orchestrator) Start(ctx context.Context, envName string) (*StartReport, error) {
	spec, err := o.Config.Resolve(envName)
	if err != nil {
		return nil, err
	}
	log := o.Logger.With("environment", spec.Name)

	st, err := o.States.Load()
	if err != nil {
		return nil, err
	}

	// ── starting-db ─────────────────────────────────────────────
	log.Info("ensuring postgres container", "phase", PhaseStartingDB)
	ctrl := o.controller(spec.Name)
	persisted, _ := st.EnvironmentPostgresPassword(spec.Name)
	desc, err := ctrl.Ensure(ctx, spec.Postgres, persisted)
	if err != nil {
		o.savePhase(spec.Name, PhaseDegraded)
		return nil, o.annotate(err, spec.Name, PhaseStartingDB)
	}
	if spec.Postgres.Password == config.AutoGeneratedPassword && desc.Password != persisted {
		st.SetEnvironmentPostgresPassword(spec.Name, desc.Password)
	}
	st.SetEnvironmentContainerID(spec.Name, desc.Container)
	if err := o.States.Save(st); err != nil {
		return nil, err
	}

	reg := registry.New(o.Config.ProjectName, spec.Name)
	reg.Register("postgres", "postgres", spec.Variables, o.globals(spec), desc.Port)

	// ── migrating ───────────────────────────────────────────────
	log.Info("applying pending migrations", "phase", PhaseMigrating)
	db, err := o.Connect(desc)
	if err != nil {
		o.savePhase(spec.Name, PhaseDegraded)
		return nil, o.annotate(poststack.Wrap(poststack.DatabaseUnreachable, err, "connecting to %s", desc.Container), spec.Name, PhaseMigrating)
	}
	defer db.Close()

	tr, err := tracker.New(db, "")
	if err != nil {
		o.savePhase(spec.Name, PhaseDegraded)
		return nil, err
	}
	if o.StaleLockThreshold > 0 {
		tr.StaleLockThreshold = o.StaleLockThreshold
	}
	runner := migrate.New(o.MigrationsDir, tr, o.Holder)
	applied, err := runner.Migrate(ctx, "")
	if err != nil {
		o.savePhase(spec.Name, PhaseDegraded)
		return nil, o.annotate(err, spec.Name, PhaseMigrating)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "versions", applied)
	}

	// ── initializing ────────────────────────────────────────────
	for i, ref := range spec.Init {
		log.Info("running init manifest", "phase", PhaseInitializing, "manifest", ref.Path, "index", i)
		if err := o.runInitManifest(ctx, spec, desc, reg, ref); err != nil {
			o.savePhase(spec.Name, PhaseDegraded)
			return nil, o.annotate(err, spec.Name, PhaseInitializing)
		}
	}

	// ── deploying ───────────────────────────────────────────────
	log.Info("applying deployment manifest", "phase", PhaseDeploying, "manifest", spec.Deployment.Path)
	rendered, err := o.renderManifest(spec, desc, reg, spec.Deployment)
	if err != nil {
		o.savePhase(spec.Name, PhaseDegraded)
		return nil, o.annotate(err, spec.Name, PhaseDeploying)
	}
	result, err := o.Driver.ApplyManifest(ctx, runtime.ManifestKind(spec.Deployment.Kind), rendered.Text)
	if err != nil {
		o.savePhase(spec.Name, PhaseDegraded)
		return nil, o.annotate(err, spec.Name, PhaseDeploying)
	}

	o.savePhase(spec.Name, PhaseUp)
	log.Info("environment up", "phase", PhaseUp)
	return &StartReport{
		Environment:       spec.Name,
		Phase:             PhaseUp,
		AppliedMigrations: applied,
		InitManifests:     len(spec.Init),
		DeployDescriptor:  result.Descriptor,
	}, nil
}

// runInitManifest expands and applies one init manifest, then blocks
// until every container it started has exited. A non-zero exit aborts
// the init phase with InitFailed carrying the failing container's
// logs. No subsequent init manifest begins until this one has fully
// succeeded.
func (o *Orchestrator) runInitManifest(ctx context.Context, spec config.EnvironmentSpec, desc postgres.Descriptor, reg *registry.Registry, ref config.ManifestRef) error {
	rendered, err := o.renderManifest(spec, desc, reg, ref)
	if err != nil {
		return err
	}
	result, err := o.Driver.ApplyManifest(ctx, runtime.ManifestKind(ref.Kind), rendered.Text)
	if err != nil {
		return err
	}

	timeout := o.InitWaitTimeout
	if timeout == 0 {
		timeout = DefaultInitWaitTimeout
	}
	for _, ctr := range result.Containers {
		exit, err := o.Driver.WaitExit(ctx, ctr, timeout)
		if err != nil {
			return err
		}
		if exit != 0 {
			logs, _ := o.Driver.Logs(ctx, ctr)
			e := poststack.New(poststack.InitFailed, "init manifest %s: container %s exited %d", ref.Path, ctr, exit)
			e = e.WithContext("manifest", ref.Path).WithContext("container", ctr).WithContext("exit_code", fmt.Sprintf("%d", exit))
			if logs != "" {
				e = e.WithContext("logs", logs)
			}
			return e
		}
	}
	return nil
}

// Stop tears down the deployment manifest and then the postgres
// container. remove=false stops containers but keeps them; remove=true
// removes them, preserving the data volume. A pod-kind deployment
// manifest is removed in either case (see runtime DownManifest).
func (o *Orchestrator) Stop(ctx context.Context, envName string, remove bool) error {
	spec, err := o.Config.Resolve(envName)
	if err != nil {
		return err
	}
	log := o.Logger.With("environment", spec.Name)

	desc, err := o.LocalDescriptor(spec)
	if err != nil {
		return err
	}

	reg := registry.New(o.Config.ProjectName, spec.Name)
	reg.Register("postgres", "postgres", spec.Variables, o.globals(spec), desc.Port)
	rendered, err := o.renderManifest(spec, desc, reg, spec.Deployment)
	if err != nil {
		return err
	}
	log.Info("tearing down deployment manifest", "manifest", spec.Deployment.Path, "remove", remove)
	if err := o.Driver.DownManifest(ctx, runtime.ManifestKind(spec.Deployment.Kind), rendered.Text, remove); err != nil {
		return o.annotate(err, spec.Name, PhaseStopped)
	}

	ctrl := o.controller(spec.Name)
	insp, err := ctrl.Status(ctx)
	if err != nil {
		return o.annotate(err, spec.Name, PhaseStopped)
	}
	if insp.State != runtime.StateAbsent {
		log.Info("stopping postgres container", "container", ctrl.ContainerName(), "remove", remove)
		if err := ctrl.Stop(ctx, remove); err != nil {
			return o.annotate(err, spec.Name, PhaseStopped)
		}
	}

	if remove {
		o.savePhase(spec.Name, PhaseDown)
	} else {
		o.savePhase(spec.Name, PhaseStopped)
	}
	return nil
}

// Restart is stop(remove=true) followed by start.
func (o *Orchestrator) Restart(ctx context.Context, envName string) (*StartReport, error) {
	if err := o.Stop(ctx, envName, true); err != nil {
		return nil, err
	}
	return o.Start(ctx, envName)
}

// Destroy tears the environment fully down and additionally removes the
// named data volume.
func (o *Orchestrator) Destroy(ctx context.Context, envName string) error {
	spec, err := o.Config.Resolve(envName)
	if err != nil {
		return err
	}
	if err := o.Stop(ctx, envName, true); err != nil {
		return err
	}
	ctrl := o.controller(spec.Name)
	if err := o.Driver.RemoveVolume(ctx, ctrl.VolumeName()); err != nil {
		return o.annotate(err, spec.Name, PhaseDown)
	}
	o.savePhase(spec.Name, PhaseDown)
	return nil
}

// Report aggregates everything status(env) surfaces.
type Report struct {
	Project     string
	Environment string
	Phase       Phase
	Postgres    runtime.Inspection
	DBReachable bool
	Migrations  []migrate.Status
	Lock        tracker.LockInfo
}

// Status reports project info, postgres container state, migration
// status, and the recorded phase. Migration details are best-effort:
// when the database is unreachable the report says so instead of
// failing the whole command.
func (o *Orchestrator) Status(ctx context.Context, envName string) (*Report, error) {
	spec, err := o.Config.Resolve(envName)
	if err != nil {
		return nil, err
	}

	rep := &Report{Project: o.Config.ProjectName, Environment: spec.Name, Phase: PhaseDown}
	if st, err := o.States.Load(); err == nil {
		if p := st.EnvironmentPhase(spec.Name); p != "" {
			rep.Phase = Phase(p)
		}
	}

	ctrl := o.controller(spec.Name)
	insp, err := ctrl.Status(ctx)
	if err != nil {
		return nil, err
	}
	rep.Postgres = insp

	if insp.State != runtime.StateRunning {
		return rep, nil
	}

	sess, err := o.OpenSession(spec.Name)
	if err != nil {
		return rep, nil
	}
	defer sess.Close()

	if statuses, err := sess.Runner.Status(ctx); err == nil {
		rep.DBReachable = true
		rep.Migrations = statuses
	}
	if lock, err := sess.Tracker.LockStatus(ctx); err == nil {
		rep.Lock = lock
	}
	return rep, nil
}

// RenderedManifest pairs a manifest reference with its expansion result
// for the render command's auditable preview.
type RenderedManifest struct {
	Ref    config.ManifestRef
	Result template.Result
}

// Render expands the environment's manifests without touching the
// runtime: which is "deploy" for the deployment manifest, "init" for
// every init manifest in order. The returned results carry the full
// {name, value, source} assignment list and undefined references.
func (o *Orchestrator) Render(envName, which string) ([]RenderedManifest, error) {
	spec, err := o.Config.Resolve(envName)
	if err != nil {
		return nil, err
	}
	desc, err := o.LocalDescriptor(spec)
	if err != nil {
		return nil, err
	}
	reg := registry.New(o.Config.ProjectName, spec.Name)
	reg.Register("postgres", "postgres", spec.Variables, o.globals(spec), desc.Port)

	var refs []config.ManifestRef
	switch which {
	case "deploy":
		refs = []config.ManifestRef{spec.Deployment}
	case "init":
		refs = spec.Init
	default:
		return nil, poststack.New(poststack.ConfigInvalid, "render: unknown manifest selector %q (want init or deploy)", which)
	}

	var out []RenderedManifest
	for _, ref := range refs {
		rendered, err := o.renderManifest(spec, desc, reg, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, RenderedManifest{Ref: ref, Result: rendered})
	}
	return out, nil
}

// DBSession bundles the database-backed components for the migration
// and diagnostics commands, which need a tracker but no container work.
type DBSession struct {
	DB          *sql.DB
	Tracker     *tracker.Tracker
	Runner      *migrate.Runner
	Diagnostics *diagnostics.Diagnostics
}

// Close releases the session's database connection.
func (s *DBSession) Close() error { return s.DB.Close() }

// OpenSession connects to an environment's database using the locally
// known credentials, without ensuring the container is up. Callers own
// Close.
func (o *Orchestrator) OpenSession(envName string) (*DBSession, error) {
	spec, err := o.Config.Resolve(envName)
	if err != nil {
		return nil, err
	}
	desc, err := o.LocalDescriptor(spec)
	if err != nil {
		return nil, err
	}
	db, err := o.Connect(desc)
	if err != nil {
		return nil, poststack.Wrap(poststack.DatabaseUnreachable, err, "connecting to %s", desc.Container)
	}
	tr, err := tracker.New(db, "")
	if err != nil {
		db.Close()
		return nil, err
	}
	if o.StaleLockThreshold > 0 {
		tr.StaleLockThreshold = o.StaleLockThreshold
	}
	diag := diagnostics.New(o.MigrationsDir, tr)
	diag.Probe = tr
	return &DBSession{
		DB:          db,
		Tracker:     tr,
		Runner:      migrate.New(o.MigrationsDir, tr, o.Holder),
		Diagnostics: diag,
	}, nil
}

// LocalDescriptor builds a connection descriptor from configuration and
// persisted state alone, with no runtime calls. Used by stop, render,
// and the migration/diagnostics commands; Start uses Ensure instead.
func (o *Orchestrator) LocalDescriptor(spec config.EnvironmentSpec) (postgres.Descriptor, error) {
	password := spec.Postgres.Password
	if password == config.AutoGeneratedPassword {
		st, err := o.States.Load()
		if err != nil {
			return postgres.Descriptor{}, err
		}
		persisted, ok := st.EnvironmentPostgresPassword(spec.Name)
		if !ok {
			return postgres.Descriptor{}, poststack.New(poststack.ConfigInvalid,
				"environment %s uses an auto-generated password but none has been generated yet; run `poststack start %s` first", spec.Name, spec.Name)
		}
		password = persisted
	}
	return postgres.Descriptor{
		Host:      spec.Postgres.Host,
		Port:      spec.Postgres.Port,
		Database:  spec.Postgres.Database,
		User:      spec.Postgres.User,
		Password:  password,
		Container: o.controller(spec.Name).ContainerName(),
	}, nil
}

func (o *Orchestrator) controller(env string) *postgres.Controller {
	ctrl := postgres.New(o.Config.ProjectName, env, o.Driver, o.Connect)
	ctrl.ReadinessTimeout = o.ReadinessTimeout
	return ctrl
}

// globals merges project-wide and per-environment variables for the
// registry's networking-mode derivation (NETWORK_MODE and friends).
func (o *Orchestrator) globals(spec config.EnvironmentSpec) map[string]string {
	merged := map[string]string{}
	for k, v := range o.Config.Variables {
		merged[k] = v
	}
	for k, v := range spec.Variables {
		merged[k] = v
	}
	return merged
}

// targetMode resolves which endpoint flavor the deployment's containers
// should be handed.
func (o *Orchestrator) targetMode(spec config.EnvironmentSpec) registry.NetworkingMode {
	if o.globals(spec)["NETWORK_MODE"] == "host" {
		return registry.ModeHost
	}
	return registry.ModeBridge
}

// renderManifest reads a manifest file and expands it with the layered
// scope, highest precedence first: dependency-derived variables,
// built-ins, per-environment variables, project-wide defaults.
func (o *Orchestrator) renderManifest(spec config.EnvironmentSpec, desc postgres.Descriptor, reg *registry.Registry, ref config.ManifestRef) (template.Result, error) {
	path := ref.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.ProjectDir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return template.Result{}, poststack.Wrap(poststack.ConfigInvalid, err, "cannot read manifest %s", path)
	}

	depVars, err := reg.VariablesFor(reg.Names(), o.targetMode(spec), map[string]registry.Credentials{
		"postgres": {User: desc.User, Password: desc.Password, Database: desc.Database},
	})
	if err != nil {
		return template.Result{}, err
	}

	builtins := map[string]string{
		"POSTSTACK_ENVIRONMENT":  spec.Name,
		"POSTSTACK_DATABASE_URL": desc.ConnString(),
		"DB_HOST":                desc.Host,
		"DB_PORT":                fmt.Sprintf("%d", desc.Port),
		"DB_NAME":                desc.Database,
		"DB_USER":                desc.User,
		"DB_PASSWORD":            desc.Password,
	}

	scope := template.NewScope(depVars, builtins, spec.Variables, o.Config.Variables)
	return template.Expand(string(raw), scope), nil
}

// annotate adds environment/phase context to an error without changing
// its Kind.
func (o *Orchestrator) annotate(err error, env string, phase Phase) error {
	if pe, ok := poststack.As(err); ok {
		return pe.WithContext("environment", env).WithContext("phase", string(phase))
	}
	return err
}

// savePhase best-effort records the phase an environment was left in;
// a failure to write local state never masks the primary outcome.
func (o *Orchestrator) savePhase(env string, phase Phase) {
	st, err := o.States.Load()
	if err != nil {
		o.Logger.Warn("cannot load local state", "error", err)
		return
	}
	st.SetEnvironmentPhase(env, string(phase))
	if err := o.States.Save(st); err != nil {
		o.Logger.Warn("cannot save local state", "error", err)
	}
}
