package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/scopedstore/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the scopedstore version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s %s\n", info.Module, info.Version); err != nil {
				return err
			}
			if !verbose {
				return nil
			}
			if info.Revision != "" {
				fmt.Fprintf(out, "revision: %s (modified=%t)\n", info.Revision, info.Modified)
			}
			if info.GoVersion != "" {
				fmt.Fprintf(out, "go: %s\n", info.GoVersion)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include VCS revision and Go version")
	return cmd
}
