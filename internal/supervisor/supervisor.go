// Package supervisor owns one isolated worker process per bot identity.
//
// It starts, stops, and restarts workers, consumes their IPC streams to
// maintain per-bot status records, and exposes aggregate status and log
// history. Workers are crash-isolated: one worker's fault can never
// corrupt another bot's record or the supervisor itself.
package supervisor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/ipc"
)

// Common errors.
var (
	ErrAlreadyRunning = errors.New("bot already running")
	ErrNotFound       = errors.New("bot not found")
	ErrNotRunning     = errors.New("bot not running")
	ErrHealthTimeout  = errors.New("health check timed out")
)

// ExitEvent describes a worker process exit.
type ExitEvent struct {
	Code   int
	Reason string
}

// ProcessHandle is a live worker incarnation: a typed control channel in,
// a typed status stream out, and an exit signal.
type ProcessHandle interface {
	PID() int
	Send(ipc.Message) error
	Messages() <-chan ipc.Message
	Wait() <-chan ExitEvent
	Terminate() error
}

// ProcessHost spawns isolated worker processes bound to a credential.
type ProcessHost interface {
	Spawn(botID, token string) (ProcessHandle, error)
}

// Config holds supervisor tuning. Zero values get defaults from New.
type Config struct {
	// ShutdownGrace bounds how long StopBot waits after sending shutdown
	// before force-terminating the worker.
	ShutdownGrace time.Duration

	// HealthCheckTimeout bounds the health-check round trip. The protocol
	// itself defines no deadline; this is the supervisor's.
	HealthCheckTimeout time.Duration

	// LogCapacity is the per-bot bounded log size.
	LogCapacity int

	// OnExit, if set, is called when a worker exits unexpectedly (without
	// a preceding shutdown). Restarting is the caller's decision.
	OnExit func(botID string, ev ExitEvent)
}

const (
	defaultShutdownGrace      = 5 * time.Second
	defaultHealthCheckTimeout = 5 * time.Second
	defaultLogCapacity        = 200
)

// Supervisor manages the fleet of worker processes.
type Supervisor struct {
	host ProcessHost
	cfg  Config
	log  *logrus.Entry

	mu      sync.Mutex
	records map[string]*record
}

// New creates a supervisor using host to spawn workers.
func New(host ProcessHost, cfg Config, log *logrus.Entry) *Supervisor {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = defaultLogCapacity
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		host:    host,
		cfg:     cfg,
		log:     log,
		records: make(map[string]*record),
	}
}

// StartBot spawns a worker for botID bound to the given credential token.
// Returns ErrAlreadyRunning if a live incarnation exists. Restarting a
// crashed or stopped bot reuses its record, so log history spans
// incarnations.
func (s *Supervisor) StartBot(botID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.records[botID]
	if r != nil && r.status.live() {
		return fmt.Errorf("starting %s: %w", botID, ErrAlreadyRunning)
	}
	if r == nil {
		r = s.newRecordLocked(botID)
	}

	r.status = StatusStarting
	r.stopRequested = false

	handle, err := s.host.Spawn(botID, token)
	if err != nil {
		r.status = StatusCrashed
		r.log.Append(fmt.Sprintf("spawn failed: %v", err))
		return fmt.Errorf("spawning worker for %s: %w", botID, err)
	}

	r.handle = handle
	r.pid = handle.PID()
	r.startedAt = time.Now()
	r.exited = make(chan struct{})
	r.log.Append(fmt.Sprintf("worker spawned (pid %d)", r.pid))
	s.log.WithFields(logrus.Fields{"bot": botID, "pid": r.pid}).Info("worker started")

	go s.consume(botID, handle)
	go s.watchExit(botID, handle, r.exited)
	return nil
}

// StopBot requests graceful shutdown and waits up to the grace window for
// the worker to exit, then force-terminates it. Returns ErrNotFound for an
// unknown bot and ErrNotRunning when no live incarnation exists.
func (s *Supervisor) StopBot(botID string) error {
	s.mu.Lock()
	r, ok := s.records[botID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("stopping %s: %w", botID, ErrNotFound)
	}
	if !r.status.live() || r.handle == nil {
		s.mu.Unlock()
		return fmt.Errorf("stopping %s: %w", botID, ErrNotRunning)
	}

	r.stopRequested = true
	r.status = StatusStopping
	handle := r.handle
	exited := r.exited

	msg, err := ipc.New(ipc.KindShutdown, botID, nil)
	if err == nil {
		err = handle.Send(msg)
	}
	if err != nil {
		r.log.Append(fmt.Sprintf("shutdown message failed: %v", err))
	}
	s.mu.Unlock()

	select {
	case <-exited:
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
	}

	s.log.WithField("bot", botID).Warn("worker ignored shutdown, force-terminating")
	if err := handle.Terminate(); err != nil {
		s.log.WithField("bot", botID).WithError(err).Warn("terminate failed")
	}

	select {
	case <-exited:
	case <-time.After(s.cfg.ShutdownGrace):
		// The exit notification never came. Close the books anyway so
		// the record doesn't stay Stopping forever.
		s.mu.Lock()
		if s.records[botID] == r && r.status == StatusStopping {
			r.status = StatusStopped
			r.pid = 0
			r.handle = nil
			r.log.Append("force-terminated; exit notification never arrived")
		}
		s.mu.Unlock()
	}
	return nil
}

// Status returns a snapshot for one bot.
func (s *Supervisor) Status(botID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[botID]
	if !ok {
		return Snapshot{}, fmt.Errorf("status of %s: %w", botID, ErrNotFound)
	}
	return r.snapshot(), nil
}

// StatusAll returns snapshots for every known bot, ordered by bot ID.
func (s *Supervisor) StatusAll() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// Logs returns up to limit recent log lines for botID, oldest first.
func (s *Supervisor) Logs(botID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[botID]
	if !ok {
		return nil, fmt.Errorf("logs of %s: %w", botID, ErrNotFound)
	}
	return r.log.Tail(limit), nil
}

// HealthCheck round-trips a health-check to the worker under the
// configured timeout.
func (s *Supervisor) HealthCheck(botID string) (ipc.HealthResponse, error) {
	s.mu.Lock()
	r, ok := s.records[botID]
	if !ok {
		s.mu.Unlock()
		return ipc.HealthResponse{}, fmt.Errorf("health of %s: %w", botID, ErrNotFound)
	}
	if !r.status.live() || r.handle == nil {
		s.mu.Unlock()
		return ipc.HealthResponse{}, fmt.Errorf("health of %s: %w", botID, ErrNotRunning)
	}
	handle := r.handle
	healthCh := r.healthCh
	// Drain a stale response from an earlier check that timed out.
	select {
	case <-healthCh:
	default:
	}
	s.mu.Unlock()

	msg, err := ipc.New(ipc.KindHealthCheck, botID, nil)
	if err == nil {
		err = handle.Send(msg)
	}
	if err != nil {
		return ipc.HealthResponse{}, fmt.Errorf("health of %s: %w", botID, err)
	}

	select {
	case resp := <-healthCh:
		return resp, nil
	case <-time.After(s.cfg.HealthCheckTimeout):
		return ipc.HealthResponse{}, fmt.Errorf("health of %s: %w", botID, ErrHealthTimeout)
	}
}

// StartAll starts one bot per credential. Individual failures are logged
// and do not stop the rest of the fleet; the first error is returned.
func (s *Supervisor) StartAll(creds []Credential) error {
	var firstErr error
	for _, c := range creds {
		if err := s.StartBot(c.BotID, c.Token); err != nil {
			s.log.WithField("bot", c.BotID).WithError(err).Error("start failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every live bot.
func (s *Supervisor) StopAll() {
	for _, snap := range s.StatusAll() {
		if !snap.Status.live() {
			continue
		}
		if err := s.StopBot(snap.BotID); err != nil {
			s.log.WithField("bot", snap.BotID).WithError(err).Warn("stop failed")
		}
	}
}

// Credential binds a bot identity to its token.
type Credential struct {
	BotID string
	Token string
}

func (s *Supervisor) newRecordLocked(botID string) *record {
	r := &record{
		botID:    botID,
		status:   StatusStarting,
		log:      newLogRing(s.cfg.LogCapacity),
		healthCh: make(chan ipc.HealthResponse, 1),
	}
	s.records[botID] = r
	return r
}

// consume folds the worker's message stream into its record. The loop ends
// when the worker's write pipe closes.
func (s *Supervisor) consume(spawnedID string, handle ProcessHandle) {
	for msg := range handle.Messages() {
		if msg.BotID == "" {
			msg.BotID = spawnedID
		}
		s.handleMessage(msg)
	}
}

// handleMessage applies one inbound message. Messages may arrive before
// the record exists (the record is created lazily), duplicated, or out of
// order; merging is last-write-wins per non-absent field.
func (s *Supervisor) handleMessage(m ipc.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[m.BotID]
	if !ok {
		r = s.newRecordLocked(m.BotID)
		s.log.WithField("bot", m.BotID).Debug("record created for unannounced bot")
	}

	switch m.Kind {
	case ipc.KindLog:
		var p ipc.LogLine
		if err := m.Decode(&p); err != nil {
			s.log.WithField("bot", m.BotID).WithError(err).Warn("bad log payload")
			return
		}
		r.log.Append(p.Line)

	case ipc.KindError:
		var p ipc.ErrorReport
		if err := m.Decode(&p); err != nil {
			s.log.WithField("bot", m.BotID).WithError(err).Warn("bad error payload")
			return
		}
		// A reported fault never changes status by itself; only process
		// exit does.
		r.log.Append("error: " + p.Message)

	case ipc.KindStatusUpdate:
		var p ipc.StatusUpdate
		if err := m.Decode(&p); err != nil {
			s.log.WithField("bot", m.BotID).WithError(err).Warn("bad status-update payload")
			return
		}
		if p.FullName != nil {
			r.fullName = *p.FullName
		}
		if p.Username != nil {
			r.username = *p.Username
		}
		if p.Ready != nil && *p.Ready && r.status == StatusStarting {
			r.status = StatusRunning
			r.log.Append("worker ready")
		}

	case ipc.KindHealthResponse:
		var p ipc.HealthResponse
		if err := m.Decode(&p); err != nil {
			s.log.WithField("bot", m.BotID).WithError(err).Warn("bad health-response payload")
			return
		}
		select {
		case r.healthCh <- p:
		default:
			// Nobody is waiting; a duplicate or unsolicited response.
		}

	default:
		s.log.WithFields(logrus.Fields{"bot": m.BotID, "type": m.Kind}).
			Warn("unexpected message kind from worker")
	}
}

// watchExit records the end of one worker incarnation. Exit after a
// requested shutdown is Stopped; anything else is Crashed and reported
// upward. The supervisor never auto-restarts.
func (s *Supervisor) watchExit(botID string, handle ProcessHandle, exited chan struct{}) {
	ev, ok := <-handle.Wait()
	if !ok {
		ev = ExitEvent{Code: -1, Reason: "exit channel closed"}
	}

	s.mu.Lock()
	r := s.records[botID]
	crashed := false
	if r != nil {
		r.pid = 0
		r.handle = nil
		if r.stopRequested {
			r.status = StatusStopped
			r.log.Append(fmt.Sprintf("worker exited after shutdown (%s)", ev.Reason))
		} else {
			crashed = true
			r.status = StatusCrashed
			r.log.Append(fmt.Sprintf("worker exited unexpectedly: %s (code %d)", ev.Reason, ev.Code))
		}
	}
	s.mu.Unlock()
	close(exited)

	if crashed {
		s.log.WithFields(logrus.Fields{"bot": botID, "code": ev.Code, "reason": ev.Reason}).
			Error("worker crashed")
		if s.cfg.OnExit != nil {
			s.cfg.OnExit(botID, ev)
		}
	}
}
