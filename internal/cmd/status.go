package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lakowske/poststack/internal/runtime"
)

var statusCmd = &cobra.Command{
	Use:   "status [environment]",
	Short: "Show environment phase, postgres state, and migration status",
	Long: `Displays an overview of one environment:
  • Recorded lifecycle phase (up, stopped, degraded, down)
  • Postgres container state
  • Applied vs. pending migrations, with checksum drift
  • Migration lock holder, if any`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	o, err := loadOrchestrator(true)
	if err != nil {
		return err
	}
	env := envArg(args)
	if env == "" {
		env = o.Config.CurrentEnvironment
	}

	rep, err := o.Status(cmd.Context(), env)
	if err != nil {
		return err
	}

	// ── Environment ─────────────────────────────────────────────
	header(fmt.Sprintf("Environment %s/%s", rep.Project, rep.Environment))
	step("🏷️", fmt.Sprintf("Phase: %s", rep.Phase))

	// ── Postgres ────────────────────────────────────────────────
	header("Postgres")
	switch rep.Postgres.State {
	case runtime.StateRunning:
		success(fmt.Sprintf("Container %s running", rep.Postgres.Name))
	case runtime.StateAbsent:
		warn(fmt.Sprintf("Container %s not found — run: poststack start %s", rep.Postgres.Name, rep.Environment))
	default:
		warn(fmt.Sprintf("Container %s is %s", rep.Postgres.Name, rep.Postgres.State))
	}

	// ── Migrations ──────────────────────────────────────────────
	header("Migrations")
	if !rep.DBReachable {
		warn("Database unreachable — migration status unknown")
		return nil
	}
	pending := 0
	for _, m := range rep.Migrations {
		switch {
		case m.Applied && m.ChecksumDrift:
			fmt.Printf("    %s⚠%s  %s  %s %s\n", colorYellow, colorReset, m.Version, m.Description, dimText("(checksum drift)"))
		case m.Applied:
			fmt.Printf("    %s✓%s  %s  %s %s\n", colorGreen, colorReset, m.Version, m.Description, dimText(m.AppliedAt.Format(time.RFC3339)))
		default:
			pending++
			fmt.Printf("    %s·%s  %s  %s %s\n", colorDim, colorReset, m.Version, m.Description, dimText("(pending)"))
		}
	}
	if len(rep.Migrations) == 0 {
		step("📦", "No migrations discovered")
	} else if pending > 0 {
		warn(fmt.Sprintf("%d pending migration(s) — run: poststack migrate %s", pending, rep.Environment))
	} else {
		success("All migrations applied")
	}

	// ── Lock ────────────────────────────────────────────────────
	if rep.Lock.Locked {
		warn(fmt.Sprintf("Migration lock held by %q since %s", rep.Lock.LockedBy, rep.Lock.LockedAt.Format(time.RFC3339)))
	}
	return nil
}
