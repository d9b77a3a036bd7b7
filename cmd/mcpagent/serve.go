package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/mcpagent/internal/runtime"
	"github.com/szaher/mcpagent/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		addr       string
		apiKey     string
		watch      bool
		sessionTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversations, tool calls, health and metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(commandContext(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, logger, err := startRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if apiKey == "" {
				apiKey = os.Getenv("MCPAGENT_API_KEY")
			}
			sessions := session.NewMemoryStore(sessionTTL)
			if sessionTTL > 0 {
				go sessions.Run(ctx, sessionTTL/2)
			}
			opts := []runtime.ServerOption{
				runtime.WithServerLogger(logger),
				runtime.WithSessionStore(sessions),
			}
			if apiKey != "" {
				opts = append(opts, runtime.WithAPIKey(apiKey))
			} else {
				logger.Warn("serving without authentication; set --api-key or MCPAGENT_API_KEY")
			}
			srv := runtime.NewServer(rt, opts...)

			if watch {
				go watchConfig(ctx, rt, logger, cmd.ErrOrStderr())
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			return srv.ListenAndServe(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Require this API key (default $MCPAGENT_API_KEY)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the server list when the config file changes")
	cmd.Flags().DurationVar(&sessionTTL, "session-ttl", session.DefaultExpiry, "Drop sessions idle for this long (0 keeps them forever)")
	return cmd
}
