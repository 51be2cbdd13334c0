// Package cmd provides the botfleet CLI.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "botfleet",
	Short:   "Botfleet - run a fleet of Telegram bots, one process per bot",
	Version: Version,
	Long: `Botfleet supervises a fleet of Telegram bot identities. Each bot runs
in its own isolated worker process so one bot's crash never takes down
another. The daemon publishes per-bot status and log history for the
status and logs commands to read.`,
	SilenceUsage: true,
}

var (
	flagConfig   string
	flagStateDir string
)

// Execute runs the root command and returns an exit code for main.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "botfleet.toml", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "state directory (default ~/.botfleet)")
}

// stateDir resolves the state directory, creating it if needed.
func stateDir() (string, error) {
	dir := flagStateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".botfleet")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
