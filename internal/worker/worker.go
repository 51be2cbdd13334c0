// Package worker is the per-bot process. Each worker owns exactly one bot
// identity, announces itself over the supervisor pipe, and answers control
// messages until told to shut down.
//
// Stdout belongs to the IPC protocol; everything human-readable goes to
// stderr or upstream as log messages.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/ipc"
	"github.com/botfleet/botfleet/internal/telegram"
)

// Identity is the subset of Telegram's bot profile the worker announces.
type Identity interface {
	GetMe(ctx context.Context) (telegram.User, error)
}

// Worker runs one bot's session end of the supervisor protocol.
type Worker struct {
	botID string
	conn  *ipc.Conn
	tg    Identity
	log   *logrus.Entry
	start time.Time
}

func New(botID string, conn *ipc.Conn, tg Identity, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		botID: botID,
		conn:  conn,
		tg:    tg,
		log:   log.WithField("bot", botID),
		start: time.Now(),
	}
}

// Run announces the worker's identity and then serves control messages
// until shutdown is requested, ctx is cancelled, or the supervisor pipe
// closes.
func (w *Worker) Run(ctx context.Context) error {
	w.announce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-w.conn.Messages():
			if !ok {
				// Supervisor went away; there is nobody left to serve.
				w.log.Warn("supervisor pipe closed, exiting")
				return nil
			}
			if done := w.handle(m); done {
				return nil
			}
		}
	}
}

// announce looks up the bot's profile and reports it upstream. Identity
// lookup failure is reported but not fatal: the worker stays up so the
// supervisor can still health-check and stop it.
func (w *Worker) announce(ctx context.Context) {
	ready := true
	update := ipc.StatusUpdate{Ready: &ready}

	lookupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if me, err := w.tg.GetMe(lookupCtx); err != nil {
		w.log.WithError(err).Error("identity lookup failed")
		w.reportError(fmt.Sprintf("identity lookup failed: %v", err))
	} else {
		fullName := me.FullName()
		username := me.Username
		update.FullName = &fullName
		update.Username = &username
		w.log.WithField("username", username).Info("identity confirmed")
	}

	w.send(ipc.KindStatusUpdate, update)
}

// handle processes one control message and reports whether the worker
// should exit.
func (w *Worker) handle(m ipc.Message) bool {
	switch m.Kind {
	case ipc.KindHealthCheck:
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		w.send(ipc.KindHealthResponse, ipc.HealthResponse{
			Healthy:     true,
			UptimeMs:    time.Since(w.start).Milliseconds(),
			MemoryBytes: mem.Alloc,
		})
		return false

	case ipc.KindShutdown:
		w.log.Info("shutdown requested")
		return true

	default:
		w.log.WithField("type", m.Kind).Warn("ignoring unexpected message")
		return false
	}
}

// Logf forwards a formatted log line to the supervisor's per-bot history.
func (w *Worker) Logf(format string, args ...any) {
	w.send(ipc.KindLog, ipc.LogLine{Line: fmt.Sprintf(format, args...)})
}

func (w *Worker) reportError(msg string) {
	w.send(ipc.KindError, ipc.ErrorReport{Message: msg})
}

func (w *Worker) send(kind ipc.Kind, payload any) {
	m, err := ipc.New(kind, w.botID, payload)
	if err == nil {
		err = w.conn.Send(m)
	}
	if err != nil {
		w.log.WithError(err).WithField("type", kind).Error("send failed")
	}
}
