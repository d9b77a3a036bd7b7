package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered by the connected servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := startRuntime(commandContext(cmd.Context()), cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			snap := rt.Tools()
			if len(snap) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tools available.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tSERVER\tPARAMETERS\tDESCRIPTION")
			for _, d := range snap {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Server, d.Schema.Signature(), d.Description)
			}
			return tw.Flush()
		},
	}
}
