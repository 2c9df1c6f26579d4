package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crmnotify/internal/app"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the notification service until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), *cfgPath, stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runService(parent context.Context, cfgPath string, stopTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
