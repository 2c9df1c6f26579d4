package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"crmnotify/internal/app"
	"crmnotify/internal/config"
	"crmnotify/internal/model"
)

func newRulesCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and test notification rules",
	}
	cmd.AddCommand(newRulesListCmd(cfgPath), newRulesTestCmd(cfgPath))
	return cmd
}

func loadValidConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newRulesListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the rules in the configured catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadValidConfig(*cfgPath)
			if err != nil {
				return err
			}
			cat, err := app.LoadCatalog(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTRIGGER\tENABLED\tCONDITIONS\tACTIONS")
			for _, r := range cat.Rules() {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\n", r.ID, r.Trigger, r.Enabled, len(r.Conditions), len(r.Actions))
			}
			return w.Flush()
		},
	}
}

func newRulesTestCmd(cfgPath *string) *cobra.Command {
	var (
		payload string
		kind    string
	)
	cmd := &cobra.Command{
		Use:   "test <rule-id>",
		Short: "Evaluate a rule against a sample payload without delivering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(*cfgPath)
			if err != nil {
				return err
			}
			ev := model.Event{
				ID:         uuid.NewString(),
				Kind:       model.EventKind(kind),
				OccurredAt: time.Now().UTC(),
			}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
			}
			res, err := app.PreviewRule(cmd.Context(), cfg, args[0], ev)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as a JSON object")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind (default: the rule's trigger)")
	return cmd
}
