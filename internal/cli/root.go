// Package cli implements the deepchat command line.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "deepchat",
	Short: "Chat with DeepSeek models from the terminal",
	Long: `deepchat keeps chat threads in a local database and streams model
replies as they are generated.

Examples:
  deepchat chat
  deepchat chat --thread 3f1c... --model deepseek-reasoner
  deepchat threads
  deepchat prefs set --theme dark`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.deepchat/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log debug output to stderr")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(prefsCmd)
}

// Execute is the entry point called from main.
func Execute() error {
	return rootCmd.Execute()
}
