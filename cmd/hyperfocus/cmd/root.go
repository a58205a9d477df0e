package cmd

import (
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "hyperfocus",
	Short: "Hyperfocus AI - a distraction-aware chat assistant",
	Long: `Hyperfocus AI keeps conversations anchored to a single topic.

It runs a local-first chat store with an optional hosted mirror, talks to
OpenRouter for completions, and intercepts messages that drift away from
the active chat's topic while hyperfocus mode is on.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.hyperfocus/config.json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}
