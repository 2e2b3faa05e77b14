package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "guestkey",
	Short: "guestkey - door code provisioning for short-term rentals",
	Long: `guestkey watches booking calendars, provisions a temporary door code for
every stay, tells the operator about it and removes the code after check-out.

A second node can run in standby mode and take over when the primary stops
sending heartbeats.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"guestkey version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "./config/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "Path to the configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(standbyCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(usersCmd)
}
