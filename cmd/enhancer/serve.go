package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/upb/ticket-enhancer/app"
	"go.uber.org/zap"
)

// component is one long-running part of the process started by a command
type component func(ctx context.Context, deps *app.Dependencies) error

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(cmd.Context(), runHTTP)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the enhancement worker pool and queue maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(cmd.Context(), runWorker)
		},
	}
}

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the budget sweeps and the isolation canary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(cmd.Context(), runScheduler)
		},
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the API, workers and scheduler in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(cmd.Context(), runHTTP, runWorker, runScheduler)
		},
	}
}

// runRoles starts every role and blocks until SIGINT/SIGTERM or the first role error
func runRoles(parent context.Context, roles ...component) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer shutdown(deps)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(roles))
	for _, r := range roles {
		go func(r component) {
			errCh <- r(ctx, deps)
		}(r)
	}

	var firstErr error
	for range roles {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	deps.Logger.Info("all roles stopped")
	return firstErr
}

func runHTTP(ctx context.Context, deps *app.Dependencies) error {
	cfg := deps.Config.Server
	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      deps.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		deps.Logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	deps.Logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func runWorker(ctx context.Context, deps *app.Dependencies) error {
	if err := deps.Pool.Start(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		deps.Maintainer.Run(ctx)
	}()

	<-ctx.Done()
	err := deps.Pool.Stop(deps.Config.Worker.StopTimeout)
	<-done
	return err
}

func runScheduler(ctx context.Context, deps *app.Dependencies) error {
	done := make(chan struct{})
	if deps.Config.Isolation.CanaryEnabled {
		go func() {
			defer close(done)
			deps.Canary.Run(ctx, deps.Config.Isolation.CanaryInterval)
		}()
	} else {
		close(done)
	}

	deps.Scheduler.Run(ctx)
	<-done
	return nil
}
