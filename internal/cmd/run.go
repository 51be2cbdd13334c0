package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/botfleet/botfleet/internal/config"
	"github.com/botfleet/botfleet/internal/logging"
	"github.com/botfleet/botfleet/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fleet daemon",
	Long: `Run starts one worker process per configured bot token and supervises
them until interrupted. Tokens come from the ` + config.TokensEnv + `
environment variable (or a .env file), never from the config file.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

const (
	statePublishInterval = 2 * time.Second
	healthSweepInterval  = 30 * time.Second
)

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	log, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	dir, err := stateDir()
	if err != nil {
		return err
	}

	// One daemon per state directory.
	lock := flock.New(filepath.Join(dir, "daemon.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another daemon already owns %s", dir)
	}
	defer lock.Unlock()

	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}

	host := &supervisor.ExecHost{
		WorkerBin: cfg.Supervisor.WorkerBin,
		LogDir:    filepath.Join(dir, "workers"),
		Log:       logrus.NewEntry(log),
	}
	sup := supervisor.New(host, supervisor.Config{
		ShutdownGrace:      cfg.Supervisor.ShutdownGrace.Std(),
		HealthCheckTimeout: cfg.Supervisor.HealthCheckTimeout.Std(),
		LogCapacity:        cfg.Supervisor.LogCapacity,
		OnExit: func(botID string, ev supervisor.ExitEvent) {
			log.WithFields(logrus.Fields{"bot": botID, "code": ev.Code}).
				Warn("worker down; restart it with a fresh daemon start")
		},
	}, logrus.NewEntry(log))

	fleet := make([]supervisor.Credential, len(creds))
	for i, c := range creds {
		fleet[i] = supervisor.Credential{BotID: c.BotID, Token: c.Token}
	}
	if err := sup.StartAll(fleet); err != nil {
		log.WithError(err).Error("some bots failed to start")
	}
	log.WithField("bots", len(fleet)).Info("fleet started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	publishTicker := time.NewTicker(statePublishInterval)
	defer publishTicker.Stop()
	healthTicker := time.NewTicker(healthSweepInterval)
	defer healthTicker.Stop()

	board := newHealthBoard()
	publish := func() {
		if err := saveState(dir, collectState(sup, board.snapshot())); err != nil {
			log.WithError(err).Warn("publishing fleet state failed")
		}
	}
	publish()

	// The sweep waits on per-bot health timeouts, so it runs off the main
	// loop; state publishing must stay fresh while a sweep is in flight.
	var sweeping atomic.Bool

	for {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("shutting down fleet")
			sup.StopAll()
			publish()
			return nil

		case <-publishTicker.C:
			publish()

		case <-healthTicker.C:
			if !sweeping.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer sweeping.Store(false)
				sweepHealth(sup, board, log)
			}()
		}
	}
}

// sweepHealth round-trips a health check to every running bot and records
// the verdicts. Bots that are not running drop off the board.
func sweepHealth(sup *supervisor.Supervisor, board *healthBoard, log *logrus.Logger) {
	for _, snap := range sup.StatusAll() {
		if snap.Status != supervisor.StatusRunning {
			board.forget(snap.BotID)
			continue
		}
		resp, err := sup.HealthCheck(snap.BotID)
		if err != nil {
			log.WithField("bot", snap.BotID).WithError(err).Warn("health check failed")
			board.set(snap.BotID, false)
			continue
		}
		board.set(snap.BotID, resp.Healthy)
	}
}

// healthBoard holds the latest sweep verdicts, shared between the sweep
// goroutine and the state publisher.
type healthBoard struct {
	mu      sync.Mutex
	verdict map[string]bool
}

func newHealthBoard() *healthBoard {
	return &healthBoard{verdict: make(map[string]bool)}
}

func (b *healthBoard) set(botID string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verdict[botID] = healthy
}

func (b *healthBoard) forget(botID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.verdict, botID)
}

func (b *healthBoard) snapshot() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool, len(b.verdict))
	for id, healthy := range b.verdict {
		out[id] = healthy
	}
	return out
}

func collectState(sup *supervisor.Supervisor, health map[string]bool) fleetState {
	st := fleetState{SavedAt: time.Now().UTC(), PID: os.Getpid()}
	for _, snap := range sup.StatusAll() {
		bot := botState{
			BotID:    snap.BotID,
			Status:   snap.Status,
			PID:      snap.PID,
			FullName: snap.FullName,
			Username: snap.Username,
			UptimeMs: snap.Uptime.Milliseconds(),
		}
		if healthy, ok := health[snap.BotID]; ok {
			h := healthy
			bot.Healthy = &h
		}
		if lines, err := sup.Logs(snap.BotID, 0); err == nil {
			bot.Logs = lines
		}
		st.Bots = append(st.Bots, bot)
	}
	return st
}
