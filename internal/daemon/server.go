// Package daemon wires internal/loop, internal/bus and internal/transport
// into a runnable broker process, the way cmd/dbus/main.go wires the
// client SDK's Conn into its CLI commands.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/danderson/dbusd/internal/bus"
	"github.com/danderson/dbusd/internal/loop"
	"github.com/danderson/dbusd/internal/message"
	"github.com/danderson/dbusd/internal/transport"
)

// Config holds the collaborators and tunables a Server needs at startup.
// Policy and Activate are the same external-collaborator hooks
// internal/bus.Context exposes; a nil Policy allows everything.
type Config struct {
	SocketPath string
	OOMWait    time.Duration
	Policy     func(sender, dest *bus.Connection, msg *message.Message) bool
	Activate   func(ctx context.Context, name string) (bus.ActivationResult, error)
	Log        *slog.Logger
}

// Server owns the listening socket, the bus, and the event loop that
// drives both. It is not safe for concurrent use beyond calling Run once
// and Close from another goroutine.
type Server struct {
	loop *loop.Loop
	bus  *bus.Bus
	ln   *transport.Listener

	wakeR, wakeW int
}

// New binds the listening socket and constructs the bus and loop, but
// does not start serving; call Run to do that.
func New(cfg Config) (*Server, error) {
	ln, err := transport.ListenUnix(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	l := loop.New()
	if cfg.OOMWait > 0 {
		l.SetOOMWait(cfg.OOMWait)
	}
	busCtx := bus.Context{Log: cfg.Log, Activate: cfg.Activate, Policy: cfg.Policy}
	b := bus.New(l, busCtx)

	s := &Server{loop: l, bus: b, ln: ln}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		ln.Close()
		return nil, fmt.Errorf("daemon: creating wakeup pipe: %w", err)
	}
	s.wakeR, s.wakeW = fds[0], fds[1]

	l.AddWatch(&loop.Watch{
		Fd:     ln.Fd(),
		Events: unix.POLLIN,
		Callback: func(int16) bool {
			s.acceptOne()
			return false
		},
	})
	l.AddWatch(&loop.Watch{
		Fd:     s.wakeR,
		Events: unix.POLLIN,
		Callback: func(int16) bool {
			var buf [64]byte
			unix.Read(s.wakeR, buf[:])
			l.Quit()
			return false
		},
	})

	return s, nil
}

// acceptOne accepts and registers as many pending peers as are ready
// without blocking, since listen sockets can report more than one
// connection ready per poll wakeup.
func (s *Server) acceptOne() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		if c == nil {
			return
		}
		s.bus.Accept(c)
	}
}

// Run drives the event loop until ctx is canceled, then returns
// ctx.Err(). The loop itself is only ever touched from this goroutine;
// cancellation is delivered by writing to a wakeup pipe the loop has
// registered as a watch, so Quit is always called from the loop's own
// goroutine rather than racing it.
func (s *Server) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			unix.Write(s.wakeW, []byte{0})
		case <-done:
		}
	}()
	defer close(done)

	s.loop.Run()
	return ctx.Err()
}

// Close releases the listening socket and wakeup pipe.
func (s *Server) Close() error {
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	return s.ln.Close()
}
