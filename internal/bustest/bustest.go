// Package bustest provides an in-memory transport pair and a harness for
// driving internal/bus without a real socket or event loop poll cycle.
// It plays the role dbustest.go plays for the client SDK -- a
// no-external-process way to exercise the broker -- but the broker being
// tested here has no analog in that package, since dbustest.go drives a
// real dbus-daemon rather than implementing one.
package bustest

import (
	"bytes"
	"fmt"

	"github.com/danderson/dbusd/internal/bus"
	"github.com/danderson/dbusd/internal/loop"
)

// MemTransport is a bus.Transport backed by an in-memory byte buffer fed
// directly by its peer's Write calls, with no intermediate socket. It has
// no real file descriptor: tests drive message flow by calling Pump
// rather than by polling.
type MemTransport struct {
	buf    bytes.Buffer
	peer   *MemTransport
	closed bool
}

// NewPair returns two MemTransports wired to each other: writes to a
// arrive readably on b, and vice versa.
func NewPair() (a, b *MemTransport) {
	a = &MemTransport{}
	b = &MemTransport{}
	a.peer, b.peer = b, a
	return a, b
}

// Read returns whatever bytes are currently buffered, or (0, nil) if
// none are available yet -- the same "not ready" contract a non-blocking
// socket read gives internal/bus.Connection.fill.
func (m *MemTransport) Read(p []byte) (int, error) {
	if m.buf.Len() == 0 {
		return 0, nil
	}
	return m.buf.Read(p)
}

// Write delivers p directly into the peer's readable buffer.
func (m *MemTransport) Write(p []byte) (int, error) {
	if m.closed {
		return 0, fmt.Errorf("bustest: write to closed transport")
	}
	if m.peer == nil || m.peer.closed {
		return 0, fmt.Errorf("bustest: peer is closed")
	}
	return m.peer.buf.Write(p)
}

// Close marks the transport closed. Further writes to it fail.
func (m *MemTransport) Close() error {
	m.closed = true
	return nil
}

// Fd returns -1: MemTransport has no real file descriptor and is never
// registered with a live event loop's poll set.
func (m *MemTransport) Fd() int { return -1 }

// Harness wires a bus.Bus to a set of in-memory peers and drives message
// flow between them without a real poll loop.
type Harness struct {
	Bus  *bus.Bus
	Loop *loop.Loop

	conns []*bus.Connection
}

// New creates a Harness around a freshly constructed bus.
func New(ctx bus.Context) *Harness {
	l := loop.New()
	return &Harness{
		Bus:  bus.New(l, ctx),
		Loop: l,
	}
}

// Connect accepts a new peer into the harness's bus and returns the
// client-side end of its transport pair, for the test to write requests
// into and read replies from, plus the resulting *bus.Connection.
func (h *Harness) Connect() (*MemTransport, *bus.Connection) {
	client, server := NewPair()
	conn := h.Bus.Accept(server)
	h.conns = append(h.conns, conn)
	return client, conn
}

// Pump drains every connected peer's pending input to quiescence,
// repeating until no connection reports more work, then delivers every
// message queued along the way to its client end. It stands in for the
// event loop's poll-driven dispatch in a test that has no real file
// descriptors to poll.
func (h *Harness) Pump() {
	for {
		progress := false
		for _, c := range h.conns {
			for {
				switch c.Dispatch() {
				case loop.DataRemains:
					progress = true
					continue
				case loop.NeedMemory:
				}
				break
			}
		}
		if !progress {
			break
		}
	}
	// Dispatch flushes a connection's outgoing queue before reading, so one
	// more pass writes out the replies and fan-out copies queued above.
	// Flushing only writes to client ends, so it creates no new input.
	for _, c := range h.conns {
		c.Dispatch()
	}
}
