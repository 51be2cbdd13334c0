// Package monitor provides the two background timers attached to terminal
// sessions: a buffer watcher that detects when output has stabilized and
// fires a one-shot notification, and a refresher that re-renders and
// re-publishes the last screen for a bounded number of iterations.
//
// Both poll the session registry on a fixed tick and terminate themselves
// based on registry state. Polling is deliberate: the producer of terminal
// output has no quiescence signal of its own, so sampling is the only
// robust way to detect silence regardless of what produces the output.
package monitor

import "context"

// Renderer turns a raw output buffer plus dimensions into an image.
// The terminal-emulation pipeline behind it is an external collaborator.
type Renderer interface {
	Render(fragments []string, rows, cols int) ([]byte, error)
}

// Publisher delivers rendered screens to a chat. Screenshot identities are
// opaque handles minted by PublishNew and edited in place by Publish.
type Publisher interface {
	// Publish replaces the image of a previously published screenshot.
	Publish(ctx context.Context, chatID int64, screenshotID string, image []byte) error

	// PublishNew publishes a fresh screenshot and returns its identity.
	PublishNew(ctx context.Context, chatID int64, image []byte) (string, error)
}
