package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/upb/ticket-enhancer/app"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/internal/observability"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "enhancer",
		Short:         "Ticket enhancer - tenant-isolated LLM enrichment for support tickets",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Long-running roles
	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(schedulerCmd())
	root.AddCommand(allCmd())

	// Operator tasks
	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(tokenCmd())

	return root
}

// bootstrap loads configuration and builds the full dependency graph
func bootstrap(ctx context.Context) (*app.Dependencies, error) {
	cfg, err := config.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	logger.Info("dependencies ready",
		zap.String("environment", cfg.Environment),
		zap.String("version", Version))
	return deps, nil
}

// shutdown closes deps within the configured shutdown timeout
func shutdown(deps *app.Dependencies) {
	ctx, cancel := context.WithTimeout(context.Background(), deps.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := deps.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}
