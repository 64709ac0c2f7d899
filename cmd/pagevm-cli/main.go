package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var baseDir string

var rootCmd = &cobra.Command{
	Use:   "pagevm-cli",
	Short: "Contract VM management command line tool",
	Long: `pagevm-cli deploys and calls WebAssembly smart contracts against
an on-disk state directory, and inspects and deletes its commits.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "pagevm-state",
		"base directory of the virtual machine state")
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(commitsCmd)
	rootCmd.AddCommand(deleteCmd)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
