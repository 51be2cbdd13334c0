package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/botfleet/botfleet/internal/supervisor"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))

	statusStyles = map[supervisor.Status]lipgloss.Style{
		supervisor.StatusStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		supervisor.StatusRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("76")),
		supervisor.StatusStopping: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		supervisor.StatusStopped:  mutedStyle,
		supervisor.StatusCrashed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet status",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := stateDir()
		if err != nil {
			return err
		}
		st, err := loadState(dir)
		if err != nil {
			return err
		}

		age := time.Since(st.SavedAt).Round(time.Second)
		fmt.Printf("%s %s\n\n",
			headerStyle.Render("Fleet"),
			mutedStyle.Render(fmt.Sprintf("(daemon pid %d, updated %s ago)", st.PID, age)))

		fmt.Printf("%-12s %-10s %-8s %-20s %-16s %-8s %s\n",
			"BOT", "STATUS", "PID", "NAME", "USERNAME", "HEALTH", "UPTIME")
		for _, b := range st.Bots {
			style, ok := statusStyles[b.Status]
			if !ok {
				style = mutedStyle
			}
			healthCol := "-"
			if b.Healthy != nil {
				if *b.Healthy {
					healthCol = "ok"
				} else {
					healthCol = "failing"
				}
			}
			uptimeCol := "-"
			if b.UptimeMs > 0 {
				uptimeCol = (time.Duration(b.UptimeMs) * time.Millisecond).Round(time.Second).String()
			}
			fmt.Printf("%-12s %-10s %-8s %-20s %-16s %-8s %s\n",
				b.BotID,
				style.Render(string(b.Status)),
				orDash(b.PID),
				orDashStr(b.FullName),
				orDashStr(b.Username),
				healthCol,
				uptimeCol)
		}
		return nil
	},
}

func orDash(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

func orDashStr(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
