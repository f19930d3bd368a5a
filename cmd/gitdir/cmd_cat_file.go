package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gitdir/pkg/gitrepo"
)

func newCatFileCmd() *cobra.Command {
	var showType, showSize, prettyPrint bool

	cmd := &cobra.Command{
		Use:   "cat-file <revision>",
		Short: "Print an object's type, size, or contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := gitrepo.Open(".")
			if err != nil {
				return err
			}
			defer r.Close()

			id, err := r.Resolver.Resolve(args[0])
			if err != nil {
				return fmt.Errorf("cat-file: %w", err)
			}
			typ, payload, err := r.Objects.Get(id)
			if err != nil {
				return fmt.Errorf("cat-file: %w", err)
			}

			out := cmd.OutOrStdout()
			switch {
			case showType:
				fmt.Fprintln(out, typ)
			case showSize:
				fmt.Fprintln(out, len(payload))
			case prettyPrint:
				out.Write(payload)
			default:
				return cmd.Usage()
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showType, "type", "t", false, "print the object's type")
	cmd.Flags().BoolVarP(&showSize, "size", "s", false, "print the object's payload size")
	cmd.Flags().BoolVarP(&prettyPrint, "print", "p", false, "print the object's payload")
	return cmd
}
