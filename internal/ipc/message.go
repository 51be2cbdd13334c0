// Package ipc defines the message protocol between the supervisor and its
// worker processes.
//
// Messages travel as newline-delimited JSON over the worker's stdin
// (control) and stdout (status). The transport offers no delivery or
// ordering guarantees beyond what the pipes themselves provide: the
// supervisor must tolerate duplicates, reordering, and messages that
// arrive before it has any record of the sender.
//
// Message kinds:
//   - health-check:    supervisor → worker, liveness probe
//   - health-response: worker → supervisor, answer to health-check
//   - shutdown:        supervisor → worker, graceful termination request
//   - log:             worker → supervisor, one log line
//   - error:           worker → supervisor, a reported fault
//   - status-update:   worker → supervisor, evolving identity/readiness
package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the message type.
type Kind string

const (
	KindHealthCheck    Kind = "health-check"
	KindHealthResponse Kind = "health-response"
	KindShutdown       Kind = "shutdown"
	KindLog            Kind = "log"
	KindError          Kind = "error"
	KindStatusUpdate   Kind = "status-update"
)

// known reports whether k is part of the protocol taxonomy.
func (k Kind) known() bool {
	switch k {
	case KindHealthCheck, KindHealthResponse, KindShutdown,
		KindLog, KindError, KindStatusUpdate:
		return true
	}
	return false
}

// Message is the envelope for all supervisor↔worker traffic.
// Immutable once constructed; Data is a kind-specific payload.
type Message struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"type"`
	BotID     string          `json:"bot_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds a message envelope with a fresh ID and timestamp.
// payload may be nil for kinds that carry no data.
func New(kind Kind, botID string, payload any) (Message, error) {
	m := Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		BotID:     botID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshaling %s payload: %w", kind, err)
		}
		m.Data = data
	}
	return m, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Kind, err)
	}
	return nil
}

// HealthResponse answers a health-check.
type HealthResponse struct {
	Healthy     bool   `json:"healthy"`
	UptimeMs    int64  `json:"uptime_ms"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// LogLine carries one textual log line from a worker.
type LogLine struct {
	Line string `json:"line"`
}

// ErrorReport carries a fault reported by a worker. Receiving one does not
// change the worker's status; only process exit does that.
type ErrorReport struct {
	Message string `json:"message"`
}

// StatusUpdate carries evolving identity and readiness fields. Pointer
// fields distinguish "absent" from "present but empty": the supervisor
// merges only non-nil fields, last write wins per field.
type StatusUpdate struct {
	FullName *string `json:"full_name,omitempty"`
	Username *string `json:"username,omitempty"`
	Ready    *bool   `json:"ready,omitempty"`
}
