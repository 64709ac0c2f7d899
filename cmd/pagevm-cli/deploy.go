package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/govm-net/pagevm/types"
	"github.com/govm-net/pagevm/vm"
)

var (
	deployOwner   string
	deployBase    string
	deployGas     uint64
	deployInitArg string
	deployNonce   uint64
)

var deployCmd = &cobra.Command{
	Use:   "deploy [wasm file]",
	Short: "Deploy a contract and commit the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bytecode, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read contract code: %w", err)
		}
		owner, err := hex.DecodeString(deployOwner)
		if err != nil {
			return fmt.Errorf("invalid owner: %w", err)
		}

		machine, err := vm.New(vm.Config{Dir: baseDir})
		if err != nil {
			return err
		}
		defer machine.Close()

		session, err := openSession(machine, deployBase)
		if err != nil {
			return err
		}
		defer session.Discard()

		var opts []vm.DeployOption
		if deployInitArg != "" {
			opts = append(opts, vm.WithInitArg([]byte(deployInitArg)))
		}
		if deployNonce != 0 {
			opts = append(opts, vm.WithNonce(deployNonce))
		}

		id, receipt, err := session.Deploy(bytecode, owner, deployGas, opts...)
		if err != nil {
			return fmt.Errorf("deployment failed: %w", err)
		}

		root, err := session.Commit()
		if err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}

		fmt.Printf("contract: %s\n", id)
		fmt.Printf("root:     %s\n", root)
		if receipt != nil {
			printReceipt(receipt)
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().StringVar(&deployOwner, "owner", "", "hex-encoded owner")
	deployCmd.Flags().StringVar(&deployBase, "base", "", "base commit root (defaults to genesis)")
	deployCmd.Flags().Uint64Var(&deployGas, "gas", 1_000_000, "gas limit for init")
	deployCmd.Flags().StringVar(&deployInitArg, "init-arg", "", "argument passed to init")
	deployCmd.Flags().Uint64Var(&deployNonce, "nonce", 0, "deployment nonce")
}

func openSession(machine *vm.VM, base string) (*vm.Session, error) {
	if base == "" {
		return machine.Session()
	}
	root, err := types.HashFromString(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base root: %w", err)
	}
	return machine.Session(root)
}

func printReceipt(receipt *types.CallReceipt) {
	fmt.Printf("gas:      %d / %d\n", receipt.GasSpent, receipt.GasLimit)
	if len(receipt.Data) > 0 {
		fmt.Printf("return:   %s\n", string(receipt.Data))
	}
	for _, ev := range receipt.Events {
		fmt.Printf("event:    %s %q %x\n", ev.Source, ev.Topic, ev.Data)
	}
	if receipt.CallTree != nil {
		fmt.Println("calls:")
		printCallTree(receipt.CallTree, 1)
	}
	if receipt.Err != nil {
		fmt.Printf("error:    %v\n", receipt.Err)
	}
}

func printCallTree(node *types.CallTreeNode, depth int) {
	for i := 0; i < depth; i++ {
		fmt.Print("  ")
	}
	fmt.Printf("%s.%s spent=%d limit=%d mem=%d\n",
		node.Elem.ContractId, node.Elem.Fn, node.Elem.Spent,
		node.Elem.Limit, node.Elem.MemLen)
	for _, child := range node.Children {
		printCallTree(child, depth+1)
	}
}
