package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "gitdir",
		Short: "Read-only inspection of a git directory's object and ref stores",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newCatFileCmd())
	root.AddCommand(newRevParseCmd())
	root.AddCommand(newShowRefCmd())
	root.AddCommand(newVerifyPackCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gitdir 0.1.0-dev")
		},
	}
}
