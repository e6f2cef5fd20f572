package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hanpama/deferstream/internal/scenario"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Check scenario files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, file := range args {
				sc, err := scenario.Load(file)
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d records, %d steps)\n", file, len(sc.Records), len(sc.Steps))
			}
			return nil
		},
	}
}
