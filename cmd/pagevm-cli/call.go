package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/govm-net/pagevm/types"
	"github.com/govm-net/pagevm/vm"
)

var (
	callBase   string
	callArg    string
	callGas    uint64
	callCommit bool
)

var callCmd = &cobra.Command{
	Use:   "call [contract id] [function]",
	Short: "Call a contract function",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ContractIdFromString(args[0])
		if err != nil {
			return fmt.Errorf("invalid contract id: %w", err)
		}

		machine, err := vm.New(vm.Config{Dir: baseDir})
		if err != nil {
			return err
		}
		defer machine.Close()

		session, err := openSession(machine, callBase)
		if err != nil {
			return err
		}
		defer session.Discard()

		receipt, err := session.CallRaw(id, args[1], []byte(callArg), callGas)
		if receipt == nil && err != nil {
			return err
		}
		printReceipt(receipt)

		if callCommit && receipt.Err == nil {
			root, err := session.Commit()
			if err != nil {
				return fmt.Errorf("commit failed: %w", err)
			}
			fmt.Printf("root:     %s\n", root)
		}
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callBase, "base", "", "base commit root")
	callCmd.Flags().StringVar(&callArg, "arg", "", "raw argument bytes")
	callCmd.Flags().Uint64Var(&callGas, "gas", 1_000_000, "gas limit")
	callCmd.Flags().BoolVar(&callCommit, "commit", false, "commit after a successful call")
}
