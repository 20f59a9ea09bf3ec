package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var configFile string

func main() {
	rootCmd.AddCommand(newIdentityCmd())
	rootCmd.AddCommand(newPeerCmd())
	rootCmd.AddCommand(newRecoveryCmd())
	rootCmd.AddCommand(newSharesCmd())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "guardian-cli",
	Short: "Guardian administration",
	Long:  "Identity, trust registry and backup management for guardian nodes",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("guardian-cli version %s\n", Version)
	},
}
