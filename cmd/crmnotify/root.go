package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "crmnotify",
		Short: "Real-time CRM notification service",
		Long: `crmnotify keeps a push connection to the CRM, turns incoming events into
notifications through configurable rules and templates, and delivers them to
in-app, browser, push, email and webhook channels.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./crmnotify.yaml", "path to config (json or yaml)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newCheckCmd(&cfgPath),
		newRulesCmd(&cfgPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "crmnotify %s\n", Version)
			},
		},
	)
	return root
}
