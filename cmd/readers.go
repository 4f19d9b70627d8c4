package cmd

import (
	"fmt"

	"github.com/ebfe/scard"
	"github.com/gregLibert/calypso-terminal/pkg/reader/pcsc"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var readersCmd = &cobra.Command{
	Use:   "readers",
	Short: "List the PC/SC readers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, err := scard.EstablishContext()
		if err != nil {
			return errors.Wrap(err, "establishing the PC/SC context")
		}
		defer func() { _ = ctx.Release() }()

		names, err := pcsc.ListReaders(ctx)
		if err != nil {
			return err
		}
		for i, n := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s\n", i, n)
		}
		return nil
	},
}
