package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"crmnotify/internal/config"
)

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d rules, %d templates)\n", *cfgPath, len(cfg.Rules), len(cfg.Templates))
			return nil
		},
	}
}
