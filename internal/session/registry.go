// Package session holds per-user terminal session state shared between the
// terminal side (which appends output) and the monitors (which poll it).
//
// The Registry is an owned, explicitly-scoped store: callers construct one
// per process and inject it into the components that need it. There is no
// package-level singleton.
package session

import (
	"crypto/sha256"
	"sync"
)

// Handle is a cancellable attachment (buffer watcher or refresher) bound to
// a session. Stop must be idempotent.
type Handle interface {
	Stop()
}

// Terminal is one user's terminal session. The output buffer is append-only
// from the terminal side and read-only to the monitors. At most one buffer
// watcher and one refresher may be attached at any instant.
type Terminal struct {
	mu sync.Mutex

	fragments  []string
	rows, cols int

	// lastScreenshotID identifies the most recently published rendered
	// screen, or empty if none has been published yet. A change during a
	// refresher's lifetime signals that its view is stale.
	lastScreenshotID string

	watcher   Handle
	refresher Handle
}

// AppendOutput appends one raw output fragment.
func (t *Terminal) AppendOutput(fragment string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fragments = append(t.fragments, fragment)
}

// Buffer returns a copy of the output fragments and the dimensions.
func (t *Terminal) Buffer() (fragments []string, rows, cols int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.fragments))
	copy(out, t.fragments)
	return out, t.rows, t.cols
}

// Resize updates the terminal dimensions.
func (t *Terminal) Resize(rows, cols int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows, t.cols = rows, cols
}

// Signature returns a digest of the current buffer contents. Watchers
// compare signatures across ticks rather than retaining buffer copies.
func (t *Terminal) Signature() [sha256.Size]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := sha256.New()
	for _, f := range t.fragments {
		h.Write([]byte(f))
	}
	var sig [sha256.Size]byte
	copy(sig[:], h.Sum(nil))
	return sig
}

// LastScreenshotID returns the identity of the most recently published
// rendered screen, or "" if none.
func (t *Terminal) LastScreenshotID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastScreenshotID
}

// SetLastScreenshotID records a newly published screen identity.
func (t *Terminal) SetLastScreenshotID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastScreenshotID = id
}

// SetWatcher attaches a buffer watcher, returning the previous one (which
// the caller owns and must stop) or nil.
func (t *Terminal) SetWatcher(h Handle) (previous Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous = t.watcher
	t.watcher = h
	return previous
}

// ClearWatcher clears the watcher field if it still refers to h. Only the
// owning watcher clears its own field, so a replacement attached in the
// meantime is never clobbered.
func (t *Terminal) ClearWatcher(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watcher == h {
		t.watcher = nil
	}
}

// Watcher returns the live buffer watcher, or nil.
func (t *Terminal) Watcher() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watcher
}

// SetRefresher attaches a refresher if none is live. Returns false when one
// is already attached (the caller's start becomes a no-op).
func (t *Terminal) SetRefresher(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refresher != nil {
		return false
	}
	t.refresher = h
	return true
}

// ClearRefresher clears the refresher field if it still refers to h.
func (t *Terminal) ClearRefresher(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refresher == h {
		t.refresher = nil
	}
}

// Refresher returns the live refresher, or nil.
func (t *Terminal) Refresher() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refresher
}

// Registry maps user identities to their terminal sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Terminal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Terminal)}
}

// Open creates a session for userID with the given dimensions, replacing
// any existing one. The replaced session's attachments, if any, notice the
// disappearance on their next tick.
func (r *Registry) Open(userID int64, rows, cols int) *Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &Terminal{rows: rows, cols: cols}
	r.sessions[userID] = t
	return t
}

// Get returns the session for userID, if any.
func (r *Registry) Get(userID int64) (*Terminal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.sessions[userID]
	return t, ok
}

// Close removes the session for userID and stops any live attachments.
// Closing an unknown user is a no-op.
func (r *Registry) Close(userID int64) {
	r.mu.Lock()
	t, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if w := t.Watcher(); w != nil {
		w.Stop()
	}
	if ref := t.Refresher(); ref != nil {
		ref.Stop()
	}
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
