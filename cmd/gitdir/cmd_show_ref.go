package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gitdir/pkg/gitrepo"
)

func newShowRefCmd() *cobra.Command {
	var includeHead bool

	cmd := &cobra.Command{
		Use:   "show-ref",
		Short: "List every ref and the object id it resolves to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := gitrepo.Open(".")
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()

			if includeHead {
				if id, err := r.Refs.Resolve("HEAD"); err == nil {
					fmt.Fprintf(out, "%s HEAD\n", id)
				}
			}

			refs, err := r.Refs.GetRefs("refs")
			if err != nil {
				return fmt.Errorf("show-ref: %w", err)
			}
			names := make([]string, 0, len(refs))
			for name := range refs {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				id, err := r.Refs.Resolve(name)
				if err != nil {
					continue
				}
				fmt.Fprintf(out, "%s %s\n", id, name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&includeHead, "head", false, "also show HEAD's resolved id")
	return cmd
}
