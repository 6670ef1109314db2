package cmd

import (
	"wildcam/internal/ui"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree. Without a subcommand the desktop
// viewer is started.
func NewRootCmd() *cobra.Command {
	flags := &Flags{}

	root := &cobra.Command{
		Use:   "wildcam",
		Short: "Live wildlife camera viewer with object detection",
		Long: `Plays wildlife camera streams and local media, sends each frame to a detection ` +
			`service and shows the annotated result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.LoadConfig(cmd)
			if err != nil {
				return err
			}

			rt, err := NewRuntime(cmd.Context(), cfg, flags.ConfigPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			app := ui.CreateApp(rt.Controller, rt.Bus, cfg, flags.ConfigPath)
			app.Run()
			return nil
		},
	}

	flags.register(root)

	root.AddCommand(CreateWatchCmd(flags))
	root.AddCommand(CreateInspectCmd(flags))

	return root
}
