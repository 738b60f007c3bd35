package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start [environment]",
	Short: "Bring an environment up: postgres, migrations, init, deploy",
	Long: `Runs the full start sequence for a named environment (or the
project file's current environment if omitted):

  1. Ensure the postgres container is running (provision, restart, or
     recreate as needed) and wait for readiness
  2. Apply pending schema migrations in order
  3. Run each init manifest and wait for its containers to exit zero
  4. Expand and apply the deployment manifest

The sequence aborts at the first failure; the environment is left
degraded and 'poststack status' shows what happened.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	o, err := loadOrchestrator(true)
	if err != nil {
		return err
	}

	env := envArg(args)
	if env == "" {
		env = o.Config.CurrentEnvironment
	}
	header(fmt.Sprintf("Starting environment %q", env))

	rep, err := o.Start(cmd.Context(), env)
	if err != nil {
		return err
	}

	if len(rep.AppliedMigrations) > 0 {
		step("📦", fmt.Sprintf("Applied %d migration(s): %v", len(rep.AppliedMigrations), rep.AppliedMigrations))
	} else {
		step("📦", "No pending migrations")
	}
	if rep.InitManifests > 0 {
		step("🔧", fmt.Sprintf("%d init manifest(s) completed", rep.InitManifests))
	}
	success(fmt.Sprintf("Environment %q is up", rep.Environment))
	fmt.Printf("  %s\n", dimText("poststack status "+rep.Environment))
	return nil
}
