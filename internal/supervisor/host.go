package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/ipc"
)

// ExecHost spawns real worker processes. Each worker runs the configured
// binary with its bot ID on the command line and its credential in the
// environment, speaking the IPC protocol over stdin/stdout. Stderr goes to
// a per-bot file so a panicking worker still leaves a trace.
type ExecHost struct {
	// WorkerBin is the worker executable. Defaults to the running binary's
	// sibling "botfleet-worker".
	WorkerBin string

	// LogDir receives per-bot stderr files. Empty discards stderr.
	LogDir string

	Log *logrus.Entry
}

// Spawn starts a worker for botID. The returned handle's Wait channel
// delivers exactly one ExitEvent and is then closed.
func (h *ExecHost) Spawn(botID, token string) (ProcessHandle, error) {
	bin := h.WorkerBin
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker binary: %w", err)
		}
		bin = filepath.Join(filepath.Dir(self), "botfleet-worker")
	}
	log := h.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("bot", botID)

	cmd := exec.Command(bin, "--bot-id", botID)
	cmd.Env = append(os.Environ(), "BOTFLEET_BOT_TOKEN="+token)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	var stderr *os.File
	if h.LogDir != "" {
		if err := os.MkdirAll(h.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("worker log dir: %w", err)
		}
		stderr, err = os.OpenFile(filepath.Join(h.LogDir, botID+".stderr.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("worker stderr log: %w", err)
		}
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		if stderr != nil {
			stderr.Close()
		}
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	handle := &execHandle{
		cmd:  cmd,
		conn: ipc.NewConn(stdin, stdout, log),
		exit: make(chan ExitEvent, 1),
	}

	go func() {
		err := cmd.Wait()
		if stderr != nil {
			stderr.Close()
		}
		ev := ExitEvent{Reason: "exited"}
		if err != nil {
			ev.Reason = err.Error()
			if ee, ok := err.(*exec.ExitError); ok {
				ev.Code = ee.ExitCode()
			} else {
				ev.Code = -1
			}
		}
		handle.exit <- ev
		close(handle.exit)
	}()

	return handle, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	conn *ipc.Conn
	exit chan ExitEvent
}

func (h *execHandle) PID() int                     { return h.cmd.Process.Pid }
func (h *execHandle) Send(m ipc.Message) error     { return h.conn.Send(m) }
func (h *execHandle) Messages() <-chan ipc.Message { return h.conn.Messages() }
func (h *execHandle) Wait() <-chan ExitEvent       { return h.exit }

// Terminate force-kills the worker and anything it spawned.
func (h *execHandle) Terminate() error {
	return killProcess(h.cmd)
}
