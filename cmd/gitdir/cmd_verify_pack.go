package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gitdir/pkg/gitrepo"
)

func newVerifyPackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-pack",
		Short: "Re-hash every loose and packed object and report integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := gitrepo.Open(".")
			if err != nil {
				return err
			}
			defer r.Close()

			report, err := r.Objects.Verify()
			if err != nil {
				return fmt.Errorf("verify-pack: %w", err)
			}
			fmt.Fprintf(
				cmd.OutOrStdout(),
				"ok: verified %d loose object(s), %d pack file(s), %d packed object(s)\n",
				report.LooseObjects,
				report.PackFiles,
				report.PackObjects,
			)
			return nil
		},
	}
}
