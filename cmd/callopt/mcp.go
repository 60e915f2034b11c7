package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pario-ai/callopt/pkg/mcp"
	"github.com/spf13/cobra"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start callopt as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol, so logs go to stderr.
			rt, err := newApp(*configPath, os.Stderr, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var auditor mcp.AuditSearcher
			if rt.auditor != nil {
				auditor = rt.auditor
			}
			return mcp.New(rt.opt, auditor, rt.logger, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
