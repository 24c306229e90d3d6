// Command csrfd runs the CSRF protection demo server and small token tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JeanGrijp/csrfguard/csrf"
	"github.com/JeanGrijp/csrfguard/internal/config"
	"github.com/JeanGrijp/csrfguard/internal/logging"
	"github.com/JeanGrijp/csrfguard/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "csrfd",
		Short:         "CSRF protection demo server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demo server",
		Long: `Start an HTTP server whose forms and API are protected by the csrf middleware.

Settings come from the YAML file given with --config (or ./csrfd.yaml) and
CSRFD_* environment variables, e.g. CSRFD_STORE_BACKEND=redis.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			logger, cleanup, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := server.New(cfg, logger)
			if err != nil {
				logger.Error("server init failed", zap.Error(err))
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Config file path")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a fresh random token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := csrf.GenerateToken(n)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "bytes", 32, "Random bytes before encoding (minimum 16)")
	return cmd
}
