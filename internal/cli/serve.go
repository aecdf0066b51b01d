package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"matrixci/internal/agent"
	"matrixci/internal/config"
	"matrixci/internal/logging"
	"matrixci/internal/metrics"
	"matrixci/internal/server"
)

// NewServeCommand creates "serve", the HTTP pipeline server.
func NewServeCommand(root *RootOptions) *cobra.Command {
	var (
		flags engineFlags
		addr  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept pipelines over HTTP and run them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.apply(cmd, root.Config)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ServerAddr = addr
			}
			env, err := config.BuildBaseEnv(config.EnvSources{Files: flags.envFiles, Inline: flags.vars, Pass: flags.passEnv}, nil)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid environment", err)
			}
			workDir := flags.workDir
			if workDir == "" {
				if workDir, err = os.Getwd(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, cfg, workDir, metrics.New())
			if err != nil {
				return err
			}
			defer eng.Close()

			srv := server.New(ctx, eng.runner, env)
			err = listen(ctx, cfg.ServerAddr, srv.Routes())
			srv.Wait()
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default MATRIXCI_SERVER_ADDR)")
	return cmd
}

// NewAgentCommand creates "agent", which executes commands for a remote
// runner.
func NewAgentCommand(_ *RootOptions) *cobra.Command {
	var (
		addr string
		id   string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Execute step commands posted by a matrixci runner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" {
				host, _ := os.Hostname()
				id = host + "-" + uuid.NewString()[:8]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logging.FromContext(ctx).Info("agent starting", "id", id)
			return listen(ctx, addr, agent.New(id).Routes())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9090", "Listen address")
	cmd.Flags().StringVar(&id, "id", "", "Agent identifier recorded in the ledger (default: hostname-based)")
	return cmd
}

// listen serves h until ctx is cancelled, then shuts down gracefully.
func listen(ctx context.Context, addr string, h http.Handler) error {
	logger := logging.FromContext(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
