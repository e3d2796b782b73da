// Command mcp serves fraudwatch scoring and live risk as MCP tools over stdio.
//
// Stdout carries the protocol, so all logging goes to stderr.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/mcpserver"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		apiURL   string
		timeout  time.Duration
		logLevel string
	)

	cmd := &cobra.Command{
		Use:          "mcp",
		Short:        "Expose the fraudwatch API as MCP tools over stdio",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if v := os.Getenv("FRAUDWATCH_API_TIMEOUT"); v != "" && !cmd.Flags().Changed("timeout") {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("invalid FRAUDWATCH_API_TIMEOUT %q: %w", v, err)
				}
				timeout = d
			}
			u, err := url.Parse(apiURL)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("--api-url must be an absolute http(s) URL, got %q", apiURL)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logging.NewWithWriter(os.Stderr, logLevel, "text")
			logger.Info("mcp server starting", "api_url", apiURL, "timeout", timeout, "version", mcpserver.Version)

			s := mcpserver.NewMCPServer(mcpserver.Config{APIURL: apiURL, Timeout: timeout})
			if err := server.ServeStdio(s); err != nil {
				logger.Error("mcp server stopped", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api-url", envOr("FRAUDWATCH_API_URL", "http://localhost:8080"), "fraudwatch API base URL (FRAUDWATCH_API_URL)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request API timeout (FRAUDWATCH_API_TIMEOUT)")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "stderr log level")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
