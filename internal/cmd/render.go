package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var renderCmd = &cobra.Command{
	Use:   "render [environment]",
	Short: "Preview manifest expansion with variable provenance",
	Long: `Expands the environment's manifests without touching the
container runtime and reports, for every variable referenced, the value
it resolved to and which scope layer supplied it (dependency, builtin,
environment variables, project default, or inline default). Undefined
references are listed so they can be fixed before a real start.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRender,
}

var (
	renderManifest string
	renderShowText bool
)

func init() {
	renderCmd.Flags().StringVar(&renderManifest, "manifest", "deploy", "Which manifests to render: init or deploy")
	renderCmd.Flags().BoolVar(&renderShowText, "full", false, "Print the fully rendered manifest text")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	o, err := loadOrchestrator(false)
	if err != nil {
		return err
	}
	env := envArg(args)
	if env == "" {
		env = o.Config.CurrentEnvironment
	}

	rendered, err := o.Render(env, renderManifest)
	if err != nil {
		return err
	}

	for _, rm := range rendered {
		header(fmt.Sprintf("Manifest %s (%s)", rm.Ref.Path, rm.Ref.Kind))

		for _, a := range rm.Result.Assignments {
			fmt.Printf("    %-28s = %-30s %s\n", a.Name, a.Value, dimText(string(a.Source)))
		}
		if len(rm.Result.Undefined) > 0 {
			for _, name := range rm.Result.Undefined {
				warn(fmt.Sprintf("${%s} is undefined — rendered as UNDEFINED", name))
			}
		} else if len(rm.Result.Assignments) == 0 {
			step("·", "No variable references")
		}

		if renderShowText {
			fmt.Println()
			fmt.Println(rm.Result.Text)
		}
	}
	return nil
}
