package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "billgate",
	Short: "billgate: bill payment API",
	Long:  "billgate serves subscriber bill queries, payments and bill administration over HTTP, with a per-subscriber daily query quota and a conversational assistant that drives the same operations through tool calls.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: none, environment only)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
