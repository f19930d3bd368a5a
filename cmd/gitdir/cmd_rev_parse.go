package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gitdir/pkg/gitrepo"
)

func newRevParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rev-parse <revision>",
		Short: "Resolve a revision expression to an object id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := gitrepo.Open(".")
			if err != nil {
				return err
			}
			defer r.Close()

			id, err := r.Resolver.Resolve(args[0])
			if err != nil {
				return fmt.Errorf("rev-parse: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
