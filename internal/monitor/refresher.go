package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/session"
)

// RefreshConfig controls the auto-refresh scheduler.
type RefreshConfig struct {
	// Interval is the period between refresh attempts.
	Interval time.Duration

	// MaxCount caps the number of refresh attempts per attachment.
	MaxCount int
}

// Refresher keeps a previously published screenshot visually current for a
// bounded window. Each tick it re-renders the session's current buffer and
// edits the published screenshot in place. It detaches itself when the
// session disappears, when another actor publishes a newer screenshot
// (its captured identity goes stale), or when the attempt cap is reached.
type Refresher struct {
	reg      *session.Registry
	userID   int64
	chatID   int64
	cfg      RefreshConfig
	renderer Renderer
	pub      Publisher
	log      *logrus.Entry

	// target is the screenshot identity captured at attach time. If the
	// session's current identity ever differs, this refresher is stale.
	target string

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	count int // attempts so far, run goroutine only
}

// StartRefresh attaches a refresher to userID's session and starts it.
//
// Preconditions: the session exists, a screenshot has been published for
// it, and no refresher is already attached. If any precondition fails the
// call is a no-op and returns nil — this is expected racing between user
// actions, not a fault, and is observable only via logs.
func StartRefresh(reg *session.Registry, userID, chatID int64, cfg RefreshConfig, renderer Renderer, pub Publisher, log *logrus.Entry) *Refresher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("user", userID)

	term, ok := reg.Get(userID)
	if !ok {
		log.Debug("refresh: no session, skipping")
		return nil
	}
	target := term.LastScreenshotID()
	if target == "" {
		log.Debug("refresh: no published screenshot, skipping")
		return nil
	}

	r := &Refresher{
		reg:      reg,
		userID:   userID,
		chatID:   chatID,
		cfg:      cfg,
		renderer: renderer,
		pub:      pub,
		log:      log,
		target:   target,
		done:     make(chan struct{}),
	}
	if !term.SetRefresher(r) {
		log.Debug("refresh: already attached, skipping")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
	return r
}

// Stop cancels the schedule. Idempotent; cancelling an already-stopped
// refresher is a no-op.
func (r *Refresher) Stop() {
	r.stopOnce.Do(r.cancel)
}

// Done is closed once the refresher has detached.
func (r *Refresher) Done() <-chan struct{} {
	return r.done
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		if term, ok := r.reg.Get(r.userID); ok {
			term.ClearRefresher(r)
		}
	}()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.tick(ctx) {
				return
			}
		}
	}
}

// tick runs one refresh attempt and reports whether the schedule is done.
// A failed render or publish is logged and does not abort the schedule;
// only staleness, session absence, or the attempt cap stops it.
func (r *Refresher) tick(ctx context.Context) (stop bool) {
	term, ok := r.reg.Get(r.userID)
	if !ok {
		r.log.Debug("refresh: session gone, detaching")
		return true
	}
	if current := term.LastScreenshotID(); current != r.target {
		r.log.WithField("current", current).Debug("refresh: superseded by newer screenshot, detaching")
		return true
	}

	r.count++
	if err := r.refreshOnce(ctx, term); err != nil {
		r.log.WithError(err).Warnf("refresh attempt %d/%d failed", r.count, r.cfg.MaxCount)
	}

	if r.count >= r.cfg.MaxCount {
		r.log.Debugf("refresh: reached %d attempts, detaching", r.count)
		return true
	}
	return false
}

func (r *Refresher) refreshOnce(ctx context.Context, term *session.Terminal) error {
	fragments, rows, cols := term.Buffer()
	image, err := r.renderer.Render(fragments, rows, cols)
	if err != nil {
		return err
	}
	return r.pub.Publish(ctx, r.chatID, r.target, image)
}
