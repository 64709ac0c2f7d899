package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/govm-net/pagevm/types"
	"github.com/govm-net/pagevm/vm"
)

var commitsCmd = &cobra.Command{
	Use:   "commits",
	Short: "List the commits known to the state directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		machine, err := vm.New(vm.Config{Dir: baseDir})
		if err != nil {
			return err
		}
		defer machine.Close()

		for _, root := range machine.Commits() {
			fmt.Println(root)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [root]",
	Short: "Delete a commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := types.HashFromString(args[0])
		if err != nil {
			return fmt.Errorf("invalid root: %w", err)
		}

		machine, err := vm.New(vm.Config{Dir: baseDir})
		if err != nil {
			return err
		}
		defer machine.Close()

		if err := machine.DeleteCommit(root); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("deleted %s\n", root)
		return nil
	},
}
