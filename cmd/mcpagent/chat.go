package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/mcpagent/internal/llm"
	"github.com/szaher/mcpagent/internal/loop"
	"github.com/szaher/mcpagent/internal/runtime"
)

// asker runs one query on top of a previous history.
type asker interface {
	Ask(ctx context.Context, seed []llm.Message, input string, onEvent loop.StreamCallback) (*loop.Conversation, *loop.Response, error)
}

func newChatCmd() *cobra.Command {
	var (
		input       string
		stream      bool
		watch       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the model and its tools",
		Long: `Without --input, chat reads queries from stdin until "quit" and keeps the
conversation history across queries. With --input it answers once and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(commandContext(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, logger, err := startRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if metricsAddr != "" {
				srv := runtime.NewServer(rt, runtime.WithServerLogger(logger))
				go func() {
					if err := srv.ListenAndServe(metricsAddr); err != nil {
						logger.Error("http server stopped", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}
			if watch {
				go watchConfig(ctx, rt, logger, cmd.ErrOrStderr())
			}

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			if input != "" {
				_, err := ask(ctx, rt, nil, input, out, errOut, stream)
				return err
			}
			return chatLoop(ctx, rt, cmd.InOrStdin(), out, errOut, stream)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Ask a single question and exit")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream the model's text as it arrives")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the server list when the config file changes")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	return cmd
}

func watchConfig(ctx context.Context, rt *runtime.Runtime, logger *slog.Logger, errOut io.Writer) {
	err := runtime.WatchConfig(ctx, configPath, 0, logger, func(cfg *runtime.Config) {
		errs, err := rt.Reload(ctx, cfg)
		if err != nil {
			logger.Error("reload failed", "error", err)
			return
		}
		reportServerErrors(errOut, errs)
	})
	if err != nil {
		logger.Error("config watch stopped", "error", err)
	}
}

// chatLoop answers queries from in until "quit", EOF or cancellation. Each
// query starts a new conversation seeded with the previous history.
func chatLoop(ctx context.Context, rt asker, in io.Reader, out, errOut io.Writer, stream bool) error {
	fmt.Fprintln(out, `Type your queries, or "quit" to exit.`)
	scanner := bufio.NewScanner(in)
	var history []llm.Message
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(query) {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		conv, err := ask(ctx, rt, history, query, out, errOut, stream)
		if conv != nil {
			history = conv.History()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
	}
}

func ask(ctx context.Context, rt asker, history []llm.Message, query string, out, errOut io.Writer, stream bool) (*loop.Conversation, error) {
	var (
		onEvent  loop.StreamCallback
		streamed bool
	)
	if stream {
		onEvent = func(ev llm.StreamEvent) {
			switch ev.Type {
			case "text":
				streamed = streamed || ev.Text != ""
				fmt.Fprint(out, ev.Text)
			case "tool_call_start":
				if ev.ToolCall != nil {
					fmt.Fprintf(errOut, "\n[calling tool: %s]\n", ev.ToolCall.Name)
				}
			}
		}
	}

	conv, resp, err := rt.Ask(ctx, history, query, onEvent)
	if resp == nil {
		return conv, err
	}
	for _, d := range resp.Degraded {
		fmt.Fprintf(errOut, "warning: server %s is %s, its tools are unavailable\n", d.Server, d.State)
	}
	if err != nil {
		return conv, err
	}
	// Providers that cannot stream deliver the answer only in the response.
	if streamed {
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, resp.Output)
	}
	if verbose {
		stats := map[string]any{
			"conversation": resp.ConversationID,
			"turns":        resp.Turns,
			"duration_ms":  resp.Duration.Milliseconds(),
			"tokens":       resp.Tokens,
			"tool_calls":   resp.ToolCalls,
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Fprintf(errOut, "%s\n", data)
	}
	return conv, nil
}
