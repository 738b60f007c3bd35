package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [environment]",
	Short: "Remove an environment's containers AND its data volume",
	Long: `Tears the environment fully down: deployment containers, the
postgres container, and the named data volume. This is irreversible —
all database contents for the environment are deleted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

var destroyForce bool

func init() {
	destroyCmd.Flags().BoolVarP(&destroyForce, "force", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(destroyCmd)
}

func runDestroy(cmd *cobra.Command, args []string) error {
	o, err := loadOrchestrator(true)
	if err != nil {
		return err
	}
	env := envArg(args)
	if env == "" {
		env = o.Config.CurrentEnvironment
	}

	header(fmt.Sprintf("Destroying environment %q", env))

	if !destroyForce {
		fmt.Printf("\n  %s⚠️  This will permanently delete environment %q and all its data.%s\n", colorYellow, env, colorReset)
		fmt.Printf("  Type the environment name to confirm: ")

		var confirm string
		fmt.Scanln(&confirm)
		if confirm != env {
			fmt.Println("  Aborted.")
			return nil
		}
	}

	if err := o.Destroy(cmd.Context(), env); err != nil {
		return err
	}

	success("Environment destroyed")
	fmt.Println()
	fmt.Printf("  Recreate with: %spoststack start %s%s\n", colorCyan, env, colorReset)
	fmt.Println()
	return nil
}
