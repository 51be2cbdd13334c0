package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagLogsTail int

var logsCmd = &cobra.Command{
	Use:   "logs <bot-id>",
	Short: "Show a bot's recent log history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := stateDir()
		if err != nil {
			return err
		}
		st, err := loadState(dir)
		if err != nil {
			return err
		}

		for _, b := range st.Bots {
			if b.BotID != args[0] {
				continue
			}
			lines := b.Logs
			if flagLogsTail > 0 && len(lines) > flagLogsTail {
				lines = lines[len(lines)-flagLogsTail:]
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		}
		return fmt.Errorf("bot %s not found", args[0])
	},
}

func init() {
	logsCmd.Flags().IntVarP(&flagLogsTail, "tail", "n", 0, "show only the last N lines")
	rootCmd.AddCommand(logsCmd)
}
