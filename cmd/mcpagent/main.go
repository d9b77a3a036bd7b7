// Package main is the entry point for the mcpagent CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/szaher/mcpagent/internal/runtime"
	"github.com/szaher/mcpagent/internal/secrets"
	"github.com/szaher/mcpagent/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath    string
	verbose       bool
	logLevel      string
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpagent",
		Short: "Chat with a model that can call tools on MCP servers",
		Long: `mcpagent connects to one or more MCP tool servers, offers their tools
to a language model and runs the conversation, executing the tool calls the
model requests until it answers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "mcpagent.yaml", "Path to configuration file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newChatCmd())
	root.AddCommand(newToolsCmd())
	root.AddCommand(newPingCmd())
	root.AddCommand(newCallCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// newLogger builds the JSON logger behind a redaction filter. Secrets
// resolved while loading the configuration are added to the filter.
func newLogger(w io.Writer) (*slog.Logger, *secrets.RedactFilter, error) {
	level, err := telemetry.ParseLevel(logLevel)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	filter := secrets.NewRedactFilter(telemetry.NewLogger(w, level).Handler())
	return slog.New(filter), filter, nil
}

// startRuntime loads the configuration, connects to every server and
// discovers tools. Servers that fail are reported on stderr.
func startRuntime(ctx context.Context, cmd *cobra.Command) (*runtime.Runtime, *slog.Logger, error) {
	logger, filter, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	cfg, err := runtime.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	rt, err := runtime.New(cfg, runtime.Options{Logger: logger, RecordSecret: filter.AddSecret})
	if err != nil {
		return nil, nil, err
	}
	errs, err := rt.Start(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	reportServerErrors(cmd.ErrOrStderr(), errs)
	return rt, logger, nil
}

func reportServerErrors(w io.Writer, errs map[string]error) {
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "warning: server %s: %v\n", name, errs[name])
	}
}

func commandContext(ctx context.Context) context.Context {
	return telemetry.WithCorrelationID(ctx, correlationID)
}

func main() {
	runtime.Version = version
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
