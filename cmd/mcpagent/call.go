package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/szaher/mcpagent/internal/tools"
)

func newCallCmd() *cobra.Command {
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Call a tool directly, without the model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			ctx := commandContext(cmd.Context())
			rt, _, err := startRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.CallTool(ctx, args[0], args[1], toolArgs)
			if !res.OK() {
				return res.Err()
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&rawArgs, "args", "", `Tool arguments as a JSON object, e.g. '{"a": 1}'`)
	return cmd
}

// printResult writes structured content or JSON text indented, and any other
// text as is.
func printResult(w io.Writer, res tools.Result) error {
	if res.Structured != nil {
		data, err := json.MarshalIndent(res.Structured, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	var buf bytes.Buffer
	if json.Valid([]byte(res.Content)) && json.Indent(&buf, []byte(res.Content), "", "  ") == nil {
		_, err := fmt.Fprintln(w, buf.String())
		return err
	}
	_, err := fmt.Fprintln(w, res.Content)
	return err
}
