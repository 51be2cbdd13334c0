package monitor

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/session"
)

// ErrNoSession is returned when a watcher is attached to a user without a
// live terminal session. Callers treat it as an expected race, not a fault.
var ErrNoSession = errors.New("no terminal session for user")

// WatcherConfig controls the stabilization detector. Both values are
// configuration inputs, not constants of the design.
type WatcherConfig struct {
	// Tick is the polling period.
	Tick time.Duration

	// Threshold is how long the buffer must be unchanged before the
	// stabilization callback fires.
	Threshold time.Duration
}

// BufferWatcher polls one session's output buffer and fires a callback
// exactly once when the buffer has not changed for the configured
// threshold. After firing (or after the session disappears) it detaches
// itself and stops ticking.
type BufferWatcher struct {
	reg      *session.Registry
	userID   int64
	cfg      WatcherConfig
	onStable func()
	log      *logrus.Entry

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	// tick-loop state, touched only by the run goroutine
	sig        [sha256.Size]byte
	lastChange time.Time
}

// WatchBuffer attaches a buffer watcher to userID's session and starts it.
// If a watcher is already attached, it is stopped and replaced; a session
// has at most one live watcher at any instant. onStable is invoked at most
// once per attachment, never concurrently with a later attachment's
// callback for the same user.
func WatchBuffer(reg *session.Registry, userID int64, cfg WatcherConfig, onStable func(), log *logrus.Entry) (*BufferWatcher, error) {
	term, ok := reg.Get(userID)
	if !ok {
		return nil, ErrNoSession
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	w := &BufferWatcher{
		reg:      reg,
		userID:   userID,
		cfg:      cfg,
		onStable: onStable,
		log:      log.WithField("user", userID),
		done:     make(chan struct{}),
	}
	w.sig = term.Signature()
	w.lastChange = time.Now()

	if prev := term.SetWatcher(w); prev != nil {
		w.log.Debug("watcher: replacing previous attachment")
		prev.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return w, nil
}

// Stop cancels the watcher without firing the callback. Idempotent and safe
// to call after the watcher has already detached itself.
func (w *BufferWatcher) Stop() {
	w.stopOnce.Do(w.cancel)
}

// Done is closed when the watcher has detached, whether it fired or not.
func (w *BufferWatcher) Done() <-chan struct{} {
	return w.done
}

func (w *BufferWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.detach()

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fired, stop := w.tick()
			if fired {
				w.onStable()
			}
			if stop {
				return
			}
		}
	}
}

// tick runs one poll. It reports whether the stabilization event should
// fire and whether the watcher should stop.
func (w *BufferWatcher) tick() (fired, stop bool) {
	term, ok := w.reg.Get(w.userID)
	if !ok {
		w.log.Debug("watcher: session gone, detaching")
		return false, true
	}

	sig := term.Signature()
	if sig != w.sig {
		w.sig = sig
		w.lastChange = time.Now()
		return false, false
	}

	if time.Since(w.lastChange) >= w.cfg.Threshold {
		w.log.Debug("watcher: buffer stabilized")
		return true, true
	}
	return false, false
}

func (w *BufferWatcher) detach() {
	if term, ok := w.reg.Get(w.userID); ok {
		term.ClearWatcher(w)
	}
}
