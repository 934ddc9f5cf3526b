package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "command-center",
	Short: "In-process multi-agent command center",
	Long: `command-center runs a coordinator, an analyst and an executor on a
shared command bus and exposes them over HTTP.

Use "serve" to start the runtime. The other subcommands talk to a running
instance through its HTTP API.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.command_center/config.toml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8091", "base URL of a running command center")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(createTaskCmd)
	rootCmd.AddCommand(cancelTaskCmd)
}
