package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop [environment]",
	Short: "Tear down an environment's containers",
	Long: `Tears down the deployment manifest and stops the postgres
container. By default containers are kept (stopped) so they can be
inspected; --remove deletes them (a pod-kind deployment manifest is
removed either way). The data volume is always preserved —
use 'poststack destroy' to delete data as well.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

var stopRemove bool

func init() {
	stopCmd.Flags().BoolVar(&stopRemove, "remove", false, "Remove containers instead of just stopping them")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	o, err := loadOrchestrator(true)
	if err != nil {
		return err
	}

	env := envArg(args)
	if env == "" {
		env = o.Config.CurrentEnvironment
	}
	header(fmt.Sprintf("Stopping environment %q", env))

	if err := o.Stop(cmd.Context(), env, stopRemove); err != nil {
		return err
	}
	if stopRemove {
		success("Containers removed (data volume preserved)")
	} else {
		success("Containers stopped (kept for inspection)")
		fmt.Printf("  %s\n", dimText("poststack start "+env+"  # restart in place"))
	}
	return nil
}

var restartCmd = &cobra.Command{
	Use:   "restart [environment]",
	Short: "Clean restart: stop with --remove, then start",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := loadOrchestrator(true)
		if err != nil {
			return err
		}
		env := envArg(args)
		if env == "" {
			env = o.Config.CurrentEnvironment
		}
		header(fmt.Sprintf("Restarting environment %q", env))

		rep, err := o.Restart(cmd.Context(), env)
		if err != nil {
			return err
		}
		success(fmt.Sprintf("Environment %q is up", rep.Environment))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(restartCmd)
}
