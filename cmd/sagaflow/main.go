package main

import (
	"fmt"
	"os"

	"github.com/ignatij/sagaflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sagaflow",
	Short: "Durable saga workflows with compensation",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
