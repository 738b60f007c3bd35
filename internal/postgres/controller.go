// Package postgres implements PostgresController: the lifecycle state
// machine for one environment's postgres container (detect existing,
// restart stopped, recreate failed, or provision fresh) plus readiness
// polling and deterministic naming. The readiness probe goes through
// the same database/sql surface as internal/tracker, so one Connect
// function serves both.
package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lakowske/poststack/internal/config"
	"github.com/lakowske/poststack/internal/poststack"
	"github.com/lakowske/poststack/internal/runtime"
)

// DefaultReadinessTimeout bounds the "SELECT 1" poll loop.
const DefaultReadinessTimeout = 60 * time.Second

// DefaultImage is used when an environment doesn't request a custom one.
const DefaultImage = "postgres:16"

// Descriptor is the connection info ensure() hands back to the caller.
type Descriptor struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Container string
}

// ConnString renders a postgres:// URL for Descriptor.
func (d Descriptor) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Database)
}

// Controller drives the postgres container lifecycle for one environment.
type Controller struct {
	Project   string
	Env       string
	Driver    runtime.Driver
	Image     string
	// ReadinessTimeout overrides DefaultReadinessTimeout when non-zero.
	ReadinessTimeout time.Duration
	// Connect opens a *sql.DB against a Descriptor; overridable in tests.
	// Production callers wire this to sql.Open("pgx", d.ConnString()).
	Connect func(d Descriptor) (*sql.DB, error)
}

// New constructs a Controller for one project/environment pair.
func New(project, env string, driver runtime.Driver, connect func(Descriptor) (*sql.DB, error)) *Controller {
	return &Controller{Project: project, Env: env, Driver: driver, Connect: connect}
}

// ContainerName is the deterministic {project}-postgres-{env} name.
func (c *Controller) ContainerName() string {
	return fmt.Sprintf("%s-postgres-%s", c.Project, c.Env)
}

// VolumeName is the deterministic poststack-postgres-{env}-data name.
func (c *Controller) VolumeName() string {
	return fmt.Sprintf("poststack-postgres-%s-data", c.Env)
}

// GeneratePassword returns a fresh random credential for the
// "auto_generated" sentinel, persisted by the caller via
// internal/state so subsequent runs are idempotent.
func GeneratePassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", poststack.Wrap(poststack.RuntimeUnavailable, err, "postgres: generating password")
	}
	return hex.EncodeToString(buf), nil
}

// resolvePassword returns the literal password from spec, or the
// caller-supplied persisted one when the sentinel is used.
func resolvePassword(spec config.PostgresSpec, persisted string) (string, error) {
	if spec.Password != config.AutoGeneratedPassword {
		return spec.Password, nil
	}
	if persisted != "" {
		return persisted, nil
	}
	return GeneratePassword()
}

// Ensure runs the lifecycle state machine: detect existing,
// restart if stopped, forcibly recreate if in any other abnormal
// state, or provision fresh if absent. persistedPassword is whatever
// internal/state previously recorded for this environment, if
// anything; the resolved password (generated or literal) is returned
// in the Descriptor so the caller can persist it back.
func (c *Controller) Ensure(ctx context.Context, spec config.PostgresSpec, persistedPassword string) (Descriptor, error) {
	password, err := resolvePassword(spec, persistedPassword)
	if err != nil {
		return Descriptor{}, err
	}
	desc := Descriptor{
		Host:      spec.Host,
		Port:      spec.Port,
		Database:  spec.Database,
		User:      spec.User,
		Password:  password,
		Container: c.ContainerName(),
	}

	insp, err := c.Driver.InspectContainer(ctx, c.ContainerName())
	if err != nil {
		return Descriptor{}, poststack.Wrap(poststack.RuntimeUnavailable, err, "postgres: inspecting %s", c.ContainerName())
	}

	switch insp.State {
	case runtime.StateAbsent:
		if err := c.provision(ctx, desc); err != nil {
			return Descriptor{}, err
		}
	case runtime.StateRunning:
		// Idempotent success; still verify reachability below.
	case runtime.StateExited:
		if err := c.restartInPlace(ctx); err != nil {
			return Descriptor{}, err
		}
	default: // StateOther: crashed or otherwise abnormal — forcibly remove and recreate
		if err := c.Driver.RemoveContainer(ctx, c.ContainerName(), true); err != nil {
			return Descriptor{}, poststack.Wrap(poststack.RuntimeFailure, err, "postgres: removing failed container %s", c.ContainerName())
		}
		if err := c.provision(ctx, desc); err != nil {
			return Descriptor{}, err
		}
	}

	if err := c.waitReady(ctx, desc); err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}

// restartInPlace starts a stopped container back up without removing
// it, preserving its volume (the [stopped] --start--> [running]
// transition).
func (c *Controller) restartInPlace(ctx context.Context) error {
	if err := c.Driver.StartContainer(ctx, c.ContainerName()); err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "postgres: restarting %s", c.ContainerName())
	}
	return nil
}

func (c *Controller) provision(ctx context.Context, desc Descriptor) error {
	image := c.Image
	if image == "" {
		image = DefaultImage
	}

	exists, err := c.Driver.ImageExists(ctx, image)
	if err != nil {
		return poststack.Wrap(poststack.RuntimeUnavailable, err, "postgres: checking image %s", image)
	}
	if !exists {
		if _, err := c.Driver.BuildImage(ctx, image, ""); err != nil {
			return poststack.Wrap(poststack.RuntimeFailure, err, "postgres: pulling/building image %s", image)
		}
	}

	spec := runtime.ContainerSpec{
		Name:  c.ContainerName(),
		Image: image,
		Env: map[string]string{
			"POSTGRES_DB":       desc.Database,
			"POSTGRES_USER":     desc.User,
			"POSTGRES_PASSWORD": desc.Password,
		},
		Ports: []runtime.PortMapping{{HostPort: desc.Port, ContainerPort: 5432}},
		Volumes: []runtime.VolumeMount{{
			Source: c.VolumeName(),
			Target: "/var/lib/postgresql/data",
		}},
	}
	if _, err := c.Driver.RunContainer(ctx, spec); err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "postgres: running %s", c.ContainerName())
	}
	return nil
}

// waitReady polls "SELECT 1" with an exponential backoff (250ms,
// doubling up to 4s) until it succeeds or
// the timeout elapses. Cancellation surfaces as Cancelled.
func (c *Controller) waitReady(ctx context.Context, desc Descriptor) error {
	timeout := c.ReadinessTimeout
	if timeout == 0 {
		timeout = DefaultReadinessTimeout
	}
	deadline := time.Now().Add(timeout)
	backoff := 250 * time.Millisecond
	const maxBackoff = 4 * time.Second

	var lastErr error
	for {
		db, err := c.Connect(desc)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, execErr := db.ExecContext(pingCtx, "SELECT 1")
			cancel()
			db.Close()
			if execErr == nil {
				return nil
			}
			lastErr = execErr
		} else {
			lastErr = err
		}

		if time.Now().After(deadline) {
			return poststack.Wrap(poststack.DatabaseUnreachable, lastErr, "postgres: %s not ready after %s", c.ContainerName(), timeout)
		}
		select {
		case <-ctx.Done():
			return poststack.Wrap(poststack.Cancelled, ctx.Err(), "postgres: readiness wait for %s cancelled", c.ContainerName())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Stop stops the postgres container in place (remove=false) or removes
// it (remove=true). The data volume is preserved either way.
func (c *Controller) Stop(ctx context.Context, remove bool) error {
	if err := c.Driver.StopContainer(ctx, c.ContainerName(), 10*time.Second); err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "postgres: stopping %s", c.ContainerName())
	}
	if remove {
		if err := c.Driver.RemoveContainer(ctx, c.ContainerName(), false); err != nil {
			return poststack.Wrap(poststack.RuntimeFailure, err, "postgres: removing %s", c.ContainerName())
		}
	}
	return nil
}

// Destroy removes the container and its named data volume; unlike
// Stop, nothing of the environment survives.
func (c *Controller) Destroy(ctx context.Context) error {
	if err := c.Driver.RemoveContainer(ctx, c.ContainerName(), true); err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "postgres: removing %s", c.ContainerName())
	}
	if err := c.Driver.RemoveVolume(ctx, c.VolumeName()); err != nil {
		return poststack.Wrap(poststack.RuntimeFailure, err, "postgres: removing volume %s", c.VolumeName())
	}
	return nil
}

// Status reports the current container inspection, for
// EnvironmentOrchestrator.status().
func (c *Controller) Status(ctx context.Context) (runtime.Inspection, error) {
	return c.Driver.InspectContainer(ctx, c.ContainerName())
}
