package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/botfleet/internal/ipc"
)

// fakeHandle is a scriptable worker: tests feed its message channel and
// close its exit channel to simulate worker behavior.
type fakeHandle struct {
	pid  int
	msgs chan ipc.Message
	exit chan ExitEvent

	mu         sync.Mutex
	sent       []ipc.Message
	sendErr    error
	terminates int
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{
		pid:  pid,
		msgs: make(chan ipc.Message, 16),
		exit: make(chan ExitEvent, 1),
	}
}

func (f *fakeHandle) PID() int                     { return f.pid }
func (f *fakeHandle) Messages() <-chan ipc.Message { return f.msgs }
func (f *fakeHandle) Wait() <-chan ExitEvent       { return f.exit }

func (f *fakeHandle) Send(m ipc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeHandle) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates++
	return nil
}

func (f *fakeHandle) sentKinds() []ipc.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]ipc.Kind, len(f.sent))
	for i, m := range f.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

func (f *fakeHandle) exitWith(ev ExitEvent) {
	f.exit <- ev
	close(f.exit)
	close(f.msgs)
}

// fakeHost hands out one fakeHandle per spawn, in order.
type fakeHost struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	spawnErr error
	nextPID  int
}

func (h *fakeHost) Spawn(botID, token string) (ProcessHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.spawnErr != nil {
		return nil, h.spawnErr
	}
	h.nextPID++
	handle := newFakeHandle(h.nextPID)
	h.handles = append(h.handles, handle)
	return handle, nil
}

func (h *fakeHost) handle(i int) *fakeHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handles[i]
}

func waitStatus(t *testing.T, s *Supervisor, botID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.Status(botID)
		if err == nil && snap.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, err := s.Status(botID)
	t.Fatalf("status never became %s (last: %+v, err: %v)", want, snap, err)
}

func sendToSupervisor(t *testing.T, h *fakeHandle, kind ipc.Kind, botID string, payload any) {
	t.Helper()
	m, err := ipc.New(kind, botID, payload)
	require.NoError(t, err)
	h.msgs <- m
}

func strptr(s string) *string { return &s }
func boolptr(b bool) *bool    { return &b }

func TestStartBotRejectsDoubleStart(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{}, nil)

	require.NoError(t, s.StartBot("alpha", "token-a"))
	err := s.StartBot("alpha", "token-a")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Only one worker was ever spawned.
	host.mu.Lock()
	assert.Len(t, host.handles, 1)
	host.mu.Unlock()
}

func TestUnknownBotErrors(t *testing.T) {
	s := New(&fakeHost{}, Config{}, nil)

	_, err := s.Status("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Logs("ghost", 10)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.StopBot("ghost"), ErrNotFound)

	_, err = s.HealthCheck("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartBotSpawnFailure(t *testing.T) {
	host := &fakeHost{spawnErr: errors.New("fork bomb averted")}
	s := New(host, Config{}, nil)

	err := s.StartBot("alpha", "token-a")
	require.Error(t, err)

	snap, err := s.Status("alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusCrashed, snap.Status)
}

func TestStatusUpdateMerging(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))
	h := host.handle(0)

	sendToSupervisor(t, h, ipc.KindStatusUpdate, "alpha", ipc.StatusUpdate{
		FullName: strptr("Alpha Bot"),
		Username: strptr("alpha_bot"),
		Ready:    boolptr(true),
	})
	waitStatus(t, s, "alpha", StatusRunning)

	// A later update with absent fields must not erase earlier values.
	sendToSupervisor(t, h, ipc.KindStatusUpdate, "alpha", ipc.StatusUpdate{
		Username: strptr("alpha_bot_v2"),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := s.Status("alpha")
		require.NoError(t, err)
		if snap.Username == "alpha_bot_v2" {
			assert.Equal(t, "Alpha Bot", snap.FullName)
			assert.Equal(t, h.pid, snap.PID)
			assert.Greater(t, snap.Uptime, time.Duration(0))
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("username never updated: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLazyRecordForUnannouncedBot(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))
	h := host.handle(0)

	// A message naming a bot nobody started still lands in a record.
	sendToSupervisor(t, h, ipc.KindLog, "phantom", ipc.LogLine{Line: "hello from nowhere"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		lines, err := s.Logs("phantom", 0)
		if err == nil && len(lines) == 1 {
			assert.Equal(t, "hello from nowhere", lines[0])
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("phantom record never materialized (err: %v)", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGracefulStop(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{ShutdownGrace: 2 * time.Second}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))
	h := host.handle(0)

	// A cooperative worker exits once told to.
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			for _, k := range h.sentKinds() {
				if k == ipc.KindShutdown {
					h.exitWith(ExitEvent{Code: 0, Reason: "exited"})
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.NoError(t, s.StopBot("alpha"))
	waitStatus(t, s, "alpha", StatusStopped)

	h.mu.Lock()
	assert.Zero(t, h.terminates, "cooperative worker must not be force-killed")
	h.mu.Unlock()

	snap, _ := s.Status("alpha")
	assert.Zero(t, snap.PID)
	assert.Zero(t, snap.Uptime)

	// Stopping again reports not running.
	assert.ErrorIs(t, s.StopBot("alpha"), ErrNotRunning)
}

func TestStopEscalatesToTerminate(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{ShutdownGrace: 30 * time.Millisecond}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))
	h := host.handle(0)

	// The worker ignores shutdown but dies when terminated.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			h.mu.Lock()
			killed := h.terminates > 0
			h.mu.Unlock()
			if killed {
				h.exitWith(ExitEvent{Code: -1, Reason: "signal: killed"})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.NoError(t, s.StopBot("alpha"))
	<-done
	waitStatus(t, s, "alpha", StatusStopped)

	h.mu.Lock()
	assert.Equal(t, 1, h.terminates)
	h.mu.Unlock()
}

func TestUnexpectedExitIsCrash(t *testing.T) {
	host := &fakeHost{}
	var exits []string
	var exitMu sync.Mutex
	s := New(host, Config{OnExit: func(botID string, ev ExitEvent) {
		exitMu.Lock()
		exits = append(exits, fmt.Sprintf("%s:%d", botID, ev.Code))
		exitMu.Unlock()
	}}, nil)

	require.NoError(t, s.StartBot("alpha", "token-a"))
	require.NoError(t, s.StartBot("beta", "token-b"))

	host.handle(0).exitWith(ExitEvent{Code: 137, Reason: "oom killed"})
	waitStatus(t, s, "alpha", StatusCrashed)

	// The crash is isolated: beta is untouched.
	snap, err := s.Status("beta")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, snap.Status)

	exitMu.Lock()
	assert.Equal(t, []string{"alpha:137"}, exits)
	exitMu.Unlock()

	lines, err := s.Logs("alpha", 0)
	require.NoError(t, err)
	assert.Contains(t, lines[len(lines)-1], "oom killed")
}

func TestRestartAfterCrashKeepsHistory(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))

	sendToSupervisor(t, host.handle(0), ipc.KindLog, "alpha", ipc.LogLine{Line: "first life"})
	host.handle(0).exitWith(ExitEvent{Code: 1, Reason: "exit status 1"})
	waitStatus(t, s, "alpha", StatusCrashed)

	require.NoError(t, s.StartBot("alpha", "token-a"))
	waitStatus(t, s, "alpha", StatusStarting)

	snap, _ := s.Status("alpha")
	assert.Equal(t, 2, snap.PID, "restart must get a fresh incarnation")

	lines, err := s.Logs("alpha", 0)
	require.NoError(t, err)
	assert.Contains(t, lines, "first life", "log history spans incarnations")
}

func TestHealthCheckRoundTrip(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{HealthCheckTimeout: time.Second}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))
	h := host.handle(0)

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			for _, k := range h.sentKinds() {
				if k == ipc.KindHealthCheck {
					m, _ := ipc.New(ipc.KindHealthResponse, "alpha", ipc.HealthResponse{
						Healthy:     true,
						UptimeMs:    4200,
						MemoryBytes: 1 << 20,
					})
					h.msgs <- m
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp, err := s.HealthCheck("alpha")
	require.NoError(t, err)
	assert.True(t, resp.Healthy)
	assert.EqualValues(t, 4200, resp.UptimeMs)
}

func TestHealthCheckTimesOut(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{HealthCheckTimeout: 30 * time.Millisecond}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))

	_, err := s.HealthCheck("alpha")
	assert.ErrorIs(t, err, ErrHealthTimeout)
}

func TestLogRingIsBounded(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{LogCapacity: 5}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))
	h := host.handle(0)

	for i := 0; i < 20; i++ {
		sendToSupervisor(t, h, ipc.KindLog, "alpha", ipc.LogLine{Line: fmt.Sprintf("line %d", i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		lines, err := s.Logs("alpha", 0)
		require.NoError(t, err)
		if len(lines) > 0 && lines[len(lines)-1] == "line 19" {
			// "worker spawned" plus 20 lines went in; only 5 remain.
			assert.Equal(t, []string{"line 15", "line 16", "line 17", "line 18", "line 19"}, lines)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never caught up: %v", lines)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogsTailLimit(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))
	h := host.handle(0)

	for i := 0; i < 4; i++ {
		sendToSupervisor(t, h, ipc.KindLog, "alpha", ipc.LogLine{Line: fmt.Sprintf("line %d", i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		all, err := s.Logs("alpha", 0)
		require.NoError(t, err)
		if len(all) >= 5 { // spawn line + 4
			tail, err := s.Logs("alpha", 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"line 2", "line 3"}, tail)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never caught up: %v", all)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestErrorReportDoesNotChangeStatus(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))
	h := host.handle(0)

	sendToSupervisor(t, h, ipc.KindStatusUpdate, "alpha", ipc.StatusUpdate{Ready: boolptr(true)})
	waitStatus(t, s, "alpha", StatusRunning)

	sendToSupervisor(t, h, ipc.KindError, "alpha", ipc.ErrorReport{Message: "telegram API hiccup"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		lines, _ := s.Logs("alpha", 0)
		if len(lines) > 0 && lines[len(lines)-1] == "error: telegram API hiccup" {
			snap, _ := s.Status("alpha")
			assert.Equal(t, StatusRunning, snap.Status, "a reported error is not a crash")
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("error report never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusAllOrderedAndIndependent(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{}, nil)
	require.NoError(t, s.StartBot("zulu", "token-z"))
	require.NoError(t, s.StartBot("alpha", "token-a"))

	snaps := s.StatusAll()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha", snaps[0].BotID)
	assert.Equal(t, "zulu", snaps[1].BotID)

	// Snapshots are copies: mutating one must not reach the supervisor.
	snaps[0].Status = StatusCrashed
	snap, _ := s.Status("alpha")
	assert.Equal(t, StatusStarting, snap.Status)
}

func TestStartAllContinuesPastFailures(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))

	err := s.StartAll([]Credential{
		{BotID: "alpha", Token: "token-a"}, // already running
		{BotID: "beta", Token: "token-b"},
	})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	snap, err := s.Status("beta")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, snap.Status)
}

func TestStopAll(t *testing.T) {
	host := &fakeHost{}
	s := New(host, Config{ShutdownGrace: 50 * time.Millisecond}, nil)
	require.NoError(t, s.StartBot("alpha", "token-a"))
	require.NoError(t, s.StartBot("beta", "token-b"))

	for i := 0; i < 2; i++ {
		h := host.handle(i)
		go func() {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				for _, k := range h.sentKinds() {
					if k == ipc.KindShutdown {
						h.exitWith(ExitEvent{Reason: "exited"})
						return
					}
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	s.StopAll()
	waitStatus(t, s, "alpha", StatusStopped)
	waitStatus(t, s, "beta", StatusStopped)
}
