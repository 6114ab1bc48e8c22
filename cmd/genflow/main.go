package main

import (
	"fmt"
	"os"

	"github.com/ignatij/genflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "genflow",
	Short: "Run generation workflows as queued jobs",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
