package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lakowske/poststack/internal/diagnostics"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose [environment]",
	Short: "Cross-check migration files, tracker state, and the schema",
	Long: `Scans for inconsistencies between the on-disk migration set, the
tracker tables, and the observable application schema: untracked
migrations, missing files, checksum drift, stuck locks, orphaned
tables. Issues marked auto-fixable can be applied with
'poststack repair'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiagnose,
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
}

func severityColor(s diagnostics.Severity) string {
	switch s {
	case diagnostics.SeverityCritical, diagnostics.SeverityHigh:
		return colorRed
	case diagnostics.SeverityMedium:
		return colorYellow
	default:
		return colorDim
	}
}

func printIssues(issues []diagnostics.Issue) {
	for _, i := range issues {
		fixable := ""
		if i.AutoFixable() {
			fixable = dimText(" (auto-fixable)")
		}
		fmt.Printf("    %s%-8s%s %-18s %s%s\n", severityColor(i.Severity), i.Severity, colorReset, i.Kind, i.Message, fixable)
	}
}

func runDiagnose(cmd *cobra.Command, args []string) error {
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

	header(fmt.Sprintf("Diagnosing %q", env))
	issues, err := sess.Diagnostics.Scan(cmd.Context())
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		success("No issues found")
		return nil
	}
	printIssues(issues)

	fixable := 0
	for _, i := range issues {
		if i.AutoFixable() {
			fixable++
		}
	}
	if fixable > 0 {
		fmt.Printf("\n  %d of %d issue(s) auto-fixable — run: %spoststack repair %s%s\n", fixable, len(issues), colorCyan, env, colorReset)
	}
	return nil
}

var repairCmd = &cobra.Command{
	Use:   "repair [environment]",
	Short: "Apply auto-fixes for diagnosed issues",
	Long: `Scans like 'diagnose' and applies the auto-fixable subset of
findings in one transaction. Destructive fixes (overwriting recorded
checksums, deleting tracker rows) additionally require --force.
--kind restricts the repair to the named issue kinds; --dry-run shows
the action plan without mutating anything.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRepair,
}

var (
	repairKinds  []string
	repairForce  bool
	repairDryRun bool
)

func init() {
	repairCmd.Flags().StringArrayVar(&repairKinds, "kind", nil, "Only repair issues of this kind (repeatable)")
	repairCmd.Flags().BoolVar(&repairForce, "force", false, "Allow destructive fixes (checksum overwrite, row deletion)")
	repairCmd.Flags().BoolVar(&repairDryRun, "dry-run", false, "Show planned actions without applying them")
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
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

	issues, err := sess.Diagnostics.Scan(cmd.Context())
	if err != nil {
		return err
	}
	if len(repairKinds) > 0 {
		wanted := map[diagnostics.Kind]bool{}
		for _, k := range repairKinds {
			wanted[diagnostics.Kind(k)] = true
		}
		var filtered []diagnostics.Issue
		for _, i := range issues {
			if wanted[i.Kind] {
				filtered = append(filtered, i)
			}
		}
		issues = filtered
	}

	if repairDryRun {
		header(fmt.Sprintf("Repair plan for %q (dry run)", env))
	} else {
		header(fmt.Sprintf("Repairing %q", env))
	}
	actions, err := sess.Diagnostics.Repair(cmd.Context(), issues, repairForce, repairDryRun)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		success("Nothing to repair")
		return nil
	}
	for _, a := range actions {
		step("🔧", a.Detail)
	}
	if repairDryRun {
		success(fmt.Sprintf("%d action(s) planned", len(actions)))
	} else {
		success(fmt.Sprintf("%d action(s) applied", len(actions)))
	}
	return nil
}

var recoverCmd = &cobra.Command{
	Use:   "recover [environment]",
	Short: "Track migrations whose schema objects already exist",
	Long: `The common "applied but not tracked" recovery: finds pending
migrations whose schema objects already exist in the database and
inserts the corresponding tracker rows, using the current file contents
as snapshots. No SQL is executed against the application schema.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecover,
}

var recoverDryRun bool

func init() {
	recoverCmd.Flags().BoolVar(&recoverDryRun, "dry-run", false, "Show planned tracker inserts without applying them")
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
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

	if recoverDryRun {
		header(fmt.Sprintf("Recovery plan for %q (dry run)", env))
	} else {
		header(fmt.Sprintf("Recovering %q", env))
	}
	actions, err := sess.Diagnostics.Recover(cmd.Context(), recoverDryRun)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		success("Nothing to recover")
		return nil
	}
	for _, a := range actions {
		step("🔧", a.Detail)
	}
	if recoverDryRun {
		success(fmt.Sprintf("%d insert(s) planned", len(actions)))
	} else {
		success(fmt.Sprintf("%d migration(s) now tracked", len(actions)))
	}
	return nil
}

var clearLocksCmd = &cobra.Command{
	Use:   "clear-locks [environment]",
	Short: "Forcibly release the migration lock",
	Long: `Clears the migration lock unconditionally. Use after 'migrate'
fails with a lock held past the stale threshold by a process that no
longer exists.`,
	Args: cobra.MaximumNArgs(1),
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

		header(fmt.Sprintf("Clearing migration lock for %q", env))
		lock, err := sess.Tracker.LockStatus(cmd.Context())
		if err != nil {
			return err
		}
		if !lock.Locked {
			success("Lock is not held")
			return nil
		}
		if err := sess.Tracker.ForceReleaseLock(cmd.Context()); err != nil {
			return err
		}
		success(fmt.Sprintf("Cleared lock held by %q", lock.LockedBy))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clearLocksCmd)
}
