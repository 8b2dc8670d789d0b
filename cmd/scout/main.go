package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "scout",
	Short: "CRM entity research pipeline",
	Long: `scout runs background research jobs against CRM entities using a
tool-calling language model, serves the results over HTTP, and scores deals.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the scout version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scout version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
