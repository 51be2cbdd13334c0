package supervisor

import (
	"time"

	"github.com/botfleet/botfleet/internal/ipc"
)

// Status is the lifecycle state of a bot's worker process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// live reports whether the status denotes a worker incarnation that is
// still expected to be running.
func (s Status) live() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// record is the supervisor's internal state for one bot identity. It is
// created when a start is requested (or lazily when a message arrives for
// an unknown bot) and mutated only by the supervisor under its lock.
type record struct {
	botID  string
	status Status

	// pid is set exactly once per process incarnation and cleared to
	// zero on exit.
	pid int

	// fullName and username are captured from the worker's own identity
	// lookup; empty until a status-update carries them.
	fullName string
	username string

	startedAt     time.Time
	log           *logRing
	handle        ProcessHandle
	stopRequested bool

	// healthCh receives the next health-response for this bot. Buffered;
	// stale responses are drained before each new check.
	healthCh chan ipc.HealthResponse

	// exited is closed by the exit watcher when this incarnation ends.
	exited chan struct{}
}

// Snapshot is a caller-facing view of a bot's state. Computed, never a
// window into live supervisor state.
type Snapshot struct {
	BotID    string
	Status   Status
	PID      int
	FullName string
	Username string
	Uptime   time.Duration
}

func (r *record) snapshot() Snapshot {
	s := Snapshot{
		BotID:    r.botID,
		Status:   r.status,
		PID:      r.pid,
		FullName: r.fullName,
		Username: r.username,
	}
	if r.status.live() && !r.startedAt.IsZero() {
		s.Uptime = time.Since(r.startedAt)
	}
	return s
}

// logRing is a bounded ordered log; the oldest line is evicted first.
type logRing struct {
	capacity int
	lines    []string
}

func newLogRing(capacity int) *logRing {
	return &logRing{capacity: capacity}
}

func (l *logRing) Append(line string) {
	l.lines = append(l.lines, line)
	if len(l.lines) > l.capacity {
		l.lines = l.lines[len(l.lines)-l.capacity:]
	}
}

// Tail returns up to limit of the most recent lines, oldest first.
// limit <= 0 means all retained lines.
func (l *logRing) Tail(limit int) []string {
	lines := l.lines
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}
