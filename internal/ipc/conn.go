package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// maxLineSize bounds a single serialized message. Anything larger is a
// protocol violation and gets dropped with the rest of the line.
const maxLineSize = 1 << 20

// Conn is one side of a supervisor↔worker pipe pair. Sends are serialized;
// received messages are delivered on a channel that closes when the peer's
// write end closes (worker exit, or supervisor closing stdin).
//
// Malformed input degrades to "log and skip": a worker writing garbage to
// stdout must never take the supervisor down.
type Conn struct {
	w  io.Writer
	mu sync.Mutex // guards w

	messages chan Message
	log      *logrus.Entry
}

// NewConn wraps a write pipe and a read pipe and starts the read loop.
// The returned Conn owns neither pipe; closing them is the caller's job.
func NewConn(w io.Writer, r io.Reader, log *logrus.Entry) *Conn {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Conn{
		w:        w,
		messages: make(chan Message, 64),
		log:      log,
	}
	go c.readLoop(r)
	return c
}

// Send writes one message as a JSON line. Safe for concurrent use.
func (c *Conn) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing %s message: %w", m.Kind, err)
	}
	return nil
}

// Messages returns the inbound message channel. It is closed when the read
// side reaches EOF or a read error.
func (c *Conn) Messages() <-chan Message {
	return c.messages
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.messages)

	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	discarding := false

	for {
		chunk, err := br.ReadSlice('\n')
		if !discarding {
			line = append(line, chunk...)
			if len(line) > maxLineSize {
				c.log.Warn("ipc: dropping oversized message")
				line = nil
				discarding = true
			}
		}
		switch err {
		case bufio.ErrBufferFull:
			continue
		case nil:
			// Complete line. An oversized one has already been dropped;
			// keep reading either way.
			if discarding {
				discarding = false
			} else {
				c.deliver(bytes.TrimSuffix(line, []byte{'\n'}))
				line = nil
			}
		default:
			if !discarding {
				c.deliver(line)
			}
			if err != io.EOF {
				c.log.WithError(err).Debug("ipc: read loop ended")
			}
			return
		}
	}
}

// deliver parses one line and hands it to the channel. Malformed or
// unknown input is logged and skipped.
func (c *Conn) deliver(line []byte) {
	if len(line) == 0 {
		return
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		c.log.WithError(err).Warn("ipc: dropping malformed message")
		return
	}
	if !m.Kind.known() {
		c.log.WithField("type", m.Kind).Warn("ipc: dropping message of unknown type")
		return
	}
	c.messages <- m
}
