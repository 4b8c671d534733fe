package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/urumi-ai/store-operator/internal/config"
	"github.com/urumi-ai/store-operator/internal/controller"
	"github.com/urumi-ai/store-operator/internal/logging"
)

func main() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// NewRootCommand builds the store-operator CLI: a single long-running
// "run" verb today, structured as a cobra command tree so additional
// one-off subcommands (e.g. a future "verify-config") have somewhere to
// attach without restructuring main.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "store-operator",
		Short:        "Reconciles Store custom resources into running storefronts",
		SilenceUsage: true,
	}
	cmd.AddCommand(NewRunCommand())
	return cmd
}

// NewRunCommand starts the watch/reconcile loop and blocks until the
// process receives SIGINT/SIGTERM.
func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the store operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(parentCtx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := controller.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wiring controller: %w", err)
	}

	return ctrl.Run(ctx)
}
