package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lakowske/poststack/internal/migrations"
	"github.com/lakowske/poststack/internal/poststack"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [environment]",
	Short: "Apply pending schema migrations",
	Long: `Acquires the exclusive migration lock and applies every pending
migration in ascending version order, each in its own transaction.
--target stops after the given version; --dry-run lists what would run
without touching the database.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMigrate,
}

var (
	migrateTarget string
	migrateDryRun bool
)

func init() {
	migrateCmd.Flags().StringVar(&migrateTarget, "target", "", "Apply only migrations with version <= target")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "List pending migrations without applying them")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	o, err := loadOrchestrator(false)
	if err != nil {
		return err
	}
	env := envArg(args)
	if env == "" {
		env = o.Config.CurrentEnvironment
	}
	sess, err := o.OpenSession(env)
	if err != nil {
		return err
	}
	defer sess.Close()

	if migrateDryRun {
		header(fmt.Sprintf("Pending migrations for %q (dry run)", env))
		statuses, err := sess.Runner.Status(cmd.Context())
		if err != nil {
			return err
		}
		pending := 0
		for _, s := range statuses {
			if s.Applied {
				continue
			}
			pending++
			step("·", fmt.Sprintf("%s  %s", s.Version, s.Description))
		}
		if pending == 0 {
			success("Nothing to apply")
		}
		return nil
	}

	header(fmt.Sprintf("Migrating %q", env))
	applied, err := sess.Runner.Migrate(cmd.Context(), migrateTarget)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		success("Already up to date")
		return nil
	}
	for _, v := range applied {
		step("✓", v)
	}
	success(fmt.Sprintf("Applied %d migration(s)", len(applied)))
	return nil
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [environment]",
	Short: "Roll back applied migrations",
	Long: `Rolls back every applied migration with version greater than
--target, in descending order, using the rollback SQL recorded at apply
time (not whatever is currently on disk). A target below the lowest
applied version (e.g. 000) rolls everything back.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRollback,
}

var (
	rollbackTarget string
	rollbackDryRun bool
)

func init() {
	rollbackCmd.Flags().StringVar(&rollbackTarget, "target", "", "Roll back every migration with version > target (required)")
	rollbackCmd.Flags().BoolVar(&rollbackDryRun, "dry-run", false, "List migrations that would be rolled back")
	rollbackCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	o, err := loadOrchestrator(false)
	if err != nil {
		return err
	}
	env := envArg(args)
	if env == "" {
		env = o.Config.CurrentEnvironment
	}
	sess, err := o.OpenSession(env)
	if err != nil {
		return err
	}
	defer sess.Close()

	if rollbackDryRun {
		header(fmt.Sprintf("Rollback plan for %q (dry run)", env))
		applied, err := sess.Tracker.List(cmd.Context())
		if err != nil {
			return err
		}
		planned := 0
		for i := len(applied) - 1; i >= 0; i-- {
			am := applied[i]
			if migrations.NumericVersion(am.Version) <= migrations.NumericVersion(rollbackTarget) {
				break
			}
			planned++
			marker := "✓"
			if !am.HasRollbackSnapshot {
				marker = "✗"
			}
			step(marker, fmt.Sprintf("%s  %s", am.Version, am.Description))
		}
		if planned == 0 {
			success("Nothing to roll back")
		}
		return nil
	}

	header(fmt.Sprintf("Rolling back %q", env))
	rolledBack, err := sess.Runner.Rollback(cmd.Context(), rollbackTarget)
	if err != nil {
		return err
	}
	if len(rolledBack) == 0 {
		success("Nothing to roll back")
		return nil
	}
	for _, v := range rolledBack {
		step("↩", v)
	}
	success(fmt.Sprintf("Rolled back %d migration(s)", len(rolledBack)))
	return nil
}

var verifyCmd = &cobra.Command{
	Use:   "verify [environment]",
	Short: "Detect checksum drift between files and the tracker",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := loadOrchestrator(false)
		if err != nil {
			return err
		}
		env := envArg(args)
		if env == "" {
			env = o.Config.CurrentEnvironment
		}
		sess, err := o.OpenSession(env)
		if err != nil {
			return err
		}
		defer sess.Close()

		header(fmt.Sprintf("Verifying %q", env))
		if err := sess.Runner.Verify(cmd.Context()); err != nil {
			if pe, ok := poststack.As(err); ok && pe.Kind == poststack.ChecksumMismatch {
				fail(pe.Message)
				return err
			}
			return err
		}
		success("No drift detected")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
