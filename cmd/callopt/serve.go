package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pario-ai/callopt/pkg/optimizer"
	"github.com/pario-ai/callopt/pkg/provider"
	"github.com/pario-ai/callopt/pkg/server"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the optimizer HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(*configPath, os.Stdout, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if listen != "" {
				rt.cfg.Listen = listen
			}

			var generate optimizer.GenerateFunc
			if len(rt.cfg.Providers) > 0 {
				reg, err := provider.NewRegistry(rt.cfg.Providers, &http.Client{Timeout: timeout})
				if err != nil {
					return fmt.Errorf("init providers: %w", err)
				}
				generate = reg.Generate
			} else {
				rt.logger.Warn("no providers configured, optimize requests will be planned only")
			}

			srv := server.New(rt.cfg, rt.opt, generate, rt.metrics, rt.logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt.logger.Info("starting callopt", "config", *configPath, "version", version)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().DurationVar(&timeout, "provider-timeout", 2*time.Minute, "timeout for upstream provider calls")
	return cmd
}
