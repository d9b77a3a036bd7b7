package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that every configured server responds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd.Context())
			rt, _, err := startRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			results := rt.Ping(ctx)
			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			slices.Sort(names)

			failed := 0
			for _, name := range names {
				if err := results[name]; err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s FAIL  %v\n", name, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s OK\n", name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d servers unreachable", failed, len(names))
			}
			return nil
		},
	}
}
