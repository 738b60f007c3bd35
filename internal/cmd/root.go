// Package cmd wires the poststack CLI: one cobra command per
// orchestrator/runner operation, pretty-printed narration for humans,
// and slog output for machines. Commands construct everything at the
// top (project config, logger, runtime driver) and thread it downward;
// no package-level singletons beyond the flag variables cobra needs.
package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/lakowske/poststack/internal/config"
	"github.com/lakowske/poststack/internal/orchestrator"
	"github.com/lakowske/poststack/internal/postgres"
	"github.com/lakowske/poststack/internal/poststack"
	"github.com/lakowske/poststack/internal/runtime"
)

// ProjectFileName is the declarative project file every command reads.
const ProjectFileName = "poststack.yaml"

var (
	// projectDir is the root of the poststack project (defaults to cwd).
	projectDir string

	// runtimeName selects the container runtime backend (podman, docker).
	runtimeName string

	// jsonLogs switches slog output to JSON for machine consumption.
	jsonLogs bool

	// opTimeout bounds the postgres readiness wait.
	opTimeout time.Duration

	// migrationsDir is where migration files live, relative to the
	// project root unless absolute.
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:   "poststack",
	Short: "poststack — reproducible PostgreSQL-backed environments in containers",
	Long: `poststack provisions an isolated PostgreSQL instance per named
environment, applies checksummed SQL migrations, expands ${VAR}
templates in your deployment manifests, and brings the result up on
podman or docker.

Common workflow:

  poststack start dev                # postgres + migrations + init + deploy
  poststack status dev               # container, migration, and lock state
  poststack migrate dev              # apply pending migrations only
  poststack rollback dev --target 002
  poststack verify dev               # detect checksum drift
  poststack diagnose dev             # cross-check tracker vs. files
  poststack repair dev --force       # apply auto-fixes
  poststack render dev --manifest deploy   # preview expansion, no runtime
  poststack stop dev                 # keep containers for debugging
  poststack stop dev --remove        # remove containers, keep data
  poststack destroy dev              # remove containers AND data volume`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project-dir", "p", "", "Path to poststack project root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&runtimeName, "runtime", "", "Container runtime backend: podman or docker (default: first found on PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Emit JSON logs instead of human-readable output")
	rootCmd.PersistentFlags().DurationVar(&opTimeout, "timeout", postgres.DefaultReadinessTimeout, "Postgres readiness timeout")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "migrations", "Migration directory, relative to the project root")
}

// Execute runs the root command under ctx (cancelled on SIGINT/SIGTERM
// by main), printing any failure with its error kind and a suggested
// next command.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if pe, ok := poststack.As(err); ok {
			fail(fmt.Sprintf("[%s] %s", pe.Kind, pe.Error()))
			if next := suggestion(pe.Kind); next != "" {
				fmt.Printf("  Try: %s%s%s\n", colorCyan, next, colorReset)
			}
		} else {
			fail(err.Error())
		}
	}
	return err
}

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if pe, ok := poststack.As(err); ok {
		return poststack.ExitCode(pe.Kind)
	}
	return 1
}

// suggestion names the remediation command for recoverable failures.
func suggestion(kind poststack.Kind) string {
	switch kind {
	case poststack.LockHeld:
		return "poststack clear-locks"
	case poststack.ChecksumMismatch:
		return "poststack repair --kind checksum_mismatch --force"
	case poststack.PartialMigration:
		return "poststack diagnose"
	case poststack.InitFailed, poststack.RuntimeFailure:
		return "poststack status"
	case poststack.DatabaseUnreachable:
		return "poststack start"
	default:
		return ""
	}
}

func newLogger() *slog.Logger {
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	// Human runs get the pretty-print narration; keep slog quiet
	// unless something is actually wrong.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// resolveDriver registers the container backends found on PATH and
// picks one: --runtime flag, then POSTSTACK_RUNTIME, then the first
// registered.
func resolveDriver() (runtime.Driver, error) {
	for _, name := range []string{"podman", "docker"} {
		if _, ok := runtime.Get(name); ok {
			continue
		}
		if commandExists(name) {
			runtime.Register(name, runtime.NewCLIDriver(name))
		}
	}

	selected := runtimeName
	if selected == "" {
		selected = os.Getenv("POSTSTACK_RUNTIME")
	}
	if selected != "" {
		d, ok := runtime.Get(selected)
		if !ok {
			return nil, poststack.New(poststack.RuntimeUnavailable, "runtime %q not found on PATH (registered: %v)", selected, runtime.Names())
		}
		return d, nil
	}
	if d, ok := runtime.Default(); ok {
		return d, nil
	}
	return nil, poststack.New(poststack.RuntimeUnavailable, "no container runtime found on PATH (looked for podman, docker)")
}

// pgConnect opens a database/sql handle through the pgx stdlib driver.
func pgConnect(d postgres.Descriptor) (*sql.DB, error) {
	return sql.Open("pgx", d.ConnString())
}

// loadOrchestrator builds the fully wired Orchestrator every command
// uses. needRuntime=false lets database-only commands (migrate, verify,
// diagnose) run on hosts without a container runtime installed.
func loadOrchestrator(needRuntime bool) (*orchestrator.Orchestrator, error) {
	dir, err := resolveProjectDir()
	if err != nil {
		return nil, poststack.Wrap(poststack.ConfigInvalid, err, "resolving project directory")
	}
	cfg, err := config.Load(filepath.Join(dir, ProjectFileName))
	if err != nil {
		return nil, err
	}

	var driver runtime.Driver
	if needRuntime {
		driver, err = resolveDriver()
		if err != nil {
			return nil, err
		}
	} else {
		driver, _ = resolveDriver()
	}

	o := orchestrator.New(cfg, dir, migrationsDir, driver, pgConnect, newLogger())
	o.ReadinessTimeout = opTimeout
	if v := os.Getenv("POSTSTACK_LOCK_STALE_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			o.StaleLockThreshold = time.Duration(secs) * time.Second
		}
	}
	return o, nil
}
