package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Select the PO and print its characteristics and those of the SAM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		t, err := openTerminal()
		if err != nil {
			return err
		}
		defer t.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, t.po.Describe())
		fmt.Fprintln(out, "=== CALYPSO SAM ===")
		fmt.Fprintf(out, "    - Revision: %s\n", t.sam.Revision)
		fmt.Fprintf(out, "    - Serial Number: %X\n", t.sam.SerialNumber)
		return nil
	},
}
