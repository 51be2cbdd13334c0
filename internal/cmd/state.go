package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/botfleet/botfleet/internal/supervisor"
)

// fleetState is the daemon's published view of the fleet, written
// periodically so status and logs commands work without talking to the
// daemon directly.
type fleetState struct {
	SavedAt time.Time  `json:"saved_at"`
	PID     int        `json:"pid"`
	Bots    []botState `json:"bots"`
}

type botState struct {
	BotID    string            `json:"bot_id"`
	Status   supervisor.Status `json:"status"`
	PID      int               `json:"pid,omitempty"`
	FullName string            `json:"full_name,omitempty"`
	Username string            `json:"username,omitempty"`
	UptimeMs int64             `json:"uptime_ms,omitempty"`
	Healthy  *bool             `json:"healthy,omitempty"`
	Logs     []string          `json:"logs,omitempty"`
}

const stateFileName = "state.json"

// saveState writes the state atomically: temp file then rename, so a
// concurrent reader never sees a torn file.
func saveState(dir string, st fleetState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, stateFileName))
}

func loadState(dir string) (fleetState, error) {
	var st fleetState
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return st, fmt.Errorf("no fleet state found; is the daemon running?")
		}
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("reading fleet state: %w", err)
	}
	return st, nil
}
