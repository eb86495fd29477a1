// Package transport implements the accept side of the broker's unix-domain
// socket protocol: listening, per-peer SASL EXTERNAL authentication, and
// the non-blocking byte stream internal/bus.Connection drives from the
// event loop.
package transport

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// authTimeout bounds how long a peer has to complete the SASL handshake
// before the broker gives up on it. The handshake runs synchronously on
// the accept call, so this also bounds how long Accept can be blocked by
// one slow or malicious peer.
const authTimeout = 5 * time.Second

// Listener is a non-blocking unix-domain socket accepting broker peers.
type Listener struct {
	fd   int
	path string
}

// ListenUnix creates a listening socket at path, replacing any stale
// socket file left behind by a previous run at the same path.
func ListenUnix(path string) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}
	os.Remove(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &Listener{fd: fd, path: path}, nil
}

// Fd returns the listening socket's file descriptor, for registration with
// the event loop.
func (l *Listener) Fd() int { return l.fd }

// Close closes the listening socket and removes its path from the
// filesystem.
func (l *Listener) Close() error {
	os.Remove(l.path)
	return unix.Close(l.fd)
}

// Accept accepts and authenticates one pending peer. It returns (nil, nil)
// if the readiness notification that led here was spurious (EAGAIN).
func (l *Listener) Accept() (*Conn, error) {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	c := &Conn{fd: nfd, fds: queue.New[*os.File]()}
	if err := c.authenticate(); err != nil {
		c.Close()
		return nil, fmt.Errorf("transport: authenticating peer: %w", err)
	}
	return c, nil
}

// Conn is one authenticated peer's byte stream, satisfying
// internal/bus.Transport. It never blocks: Read and Write treat EAGAIN as
// "no progress yet" rather than an error, since they are only ever called
// after the event loop's poll reported readiness.
type Conn struct {
	fd  int
	oob [512]byte
	fds *queue.Queue[*os.File]

	closed bool
}

// Fd returns the connection's file descriptor.
func (c *Conn) Fd() int { return c.fd }

// Read reads whatever is currently available, parsing and retaining any
// SCM_RIGHTS ancillary data along the way. It returns (0, nil), not an
// error, when the socket is simply not ready yet.
func (c *Conn) Read(buf []byte) (int, error) {
	n, oobn, flags, _, err := unix.Recvmsg(c.fd, buf, c.oob[:], 0)
	if flags&unix.MSG_CTRUNC != 0 {
		return 0, fmt.Errorf("transport: control message truncated")
	}
	if oobn > 0 {
		if oobErr := c.parseFDs(c.oob[:oobn]); oobErr != nil {
			return n, oobErr
		}
	}
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// Write writes as much of buf as the socket will currently accept.
func (c *Conn) Write(buf []byte) (int, error) {
	n, err := unix.Write(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// WriteWithFiles writes buf with fs attached as SCM_RIGHTS ancillary data.
func (c *Conn) WriteWithFiles(buf []byte, fs []*os.File) (int, error) {
	if len(fs) == 0 {
		return c.Write(buf)
	}
	fds := make([]int, len(fs))
	for i, f := range fs {
		fds[i] = int(f.Fd())
	}
	oob := unix.UnixRights(fds...)
	n, err := unix.SendmsgN(c.fd, buf, oob, nil, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// GetFiles returns n files previously received as ancillary data, in the
// order they arrived. It errors if fewer than n are available, mirroring
// the client-side transport's contract for UNIX_FDS body arguments.
func (c *Conn) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := c.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, fmt.Errorf("transport: requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

// Close closes the connection and any file descriptors it received but
// were never claimed via GetFiles.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	c.fds.Clear()
	return unix.Close(c.fd)
}

func (c *Conn) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on peer socket", fd))
				continue
			}
			c.fds.Add(f)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("transport: %v", errs)
	}
	return nil
}

// authenticate runs the broker's side of the abbreviated SASL exchange the
// teacher's client dials with: EXTERNAL auth keyed on the peer's uid (which
// the kernel, not the client, vouches for via SO_PEERCRED), followed by
// unconditionally agreeing to unix-fd passing.
//
// This runs before the connection is handed to the event loop, so it is
// allowed to block this one accept call; authTimeout bounds how long a
// slow or hostile peer can hold it up.
func (c *Conn) authenticate() error {
	deadline := time.Now().Add(authTimeout)

	cred, err := unix.GetsockoptUcred(c.fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return fmt.Errorf("reading peer credentials: %w", err)
	}
	wantUID := hex.EncodeToString([]byte(strconv.Itoa(int(cred.Uid))))

	line, err := c.readLine(deadline)
	if err != nil {
		return fmt.Errorf("reading AUTH line: %w", err)
	}
	// A leading NUL byte is the SASL credential-passing kickoff the client
	// always sends first.
	line = bytes.TrimPrefix(line, []byte{0})
	want := "AUTH EXTERNAL " + wantUID
	if string(bytes.TrimRight(line, "\r\n")) != want {
		c.writeAll(deadline, []byte("REJECTED EXTERNAL\r\n"))
		return fmt.Errorf("unexpected AUTH line %q", line)
	}
	if err := c.writeAll(deadline, []byte("OK 0000000000000000000000000000000000000000000000000000000000000000\r\n")); err != nil {
		return err
	}

	line, err = c.readLine(deadline)
	if err != nil {
		return fmt.Errorf("reading NEGOTIATE_UNIX_FD line: %w", err)
	}
	if string(bytes.TrimRight(line, "\r\n")) != "NEGOTIATE_UNIX_FD" {
		return fmt.Errorf("unexpected line %q, wanted NEGOTIATE_UNIX_FD", line)
	}
	if err := c.writeAll(deadline, []byte("AGREE_UNIX_FD\r\n")); err != nil {
		return err
	}

	line, err = c.readLine(deadline)
	if err != nil {
		return fmt.Errorf("reading BEGIN line: %w", err)
	}
	if string(bytes.TrimRight(line, "\r\n")) != "BEGIN" {
		return fmt.Errorf("unexpected line %q, wanted BEGIN", line)
	}
	return nil
}

// readLine reads up to and including the next '\n', polling the
// non-blocking socket until data arrives or deadline passes.
func (c *Conn) readLine(deadline time.Time) ([]byte, error) {
	var buf []byte
	one := make([]byte, 1)
	for {
		n, err := unix.Read(c.fd, one)
		if err != nil {
			if err == unix.EAGAIN {
				if err := c.waitReadable(deadline); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("peer closed during handshake")
		}
		buf = append(buf, one[0])
		if one[0] == '\n' {
			return buf, nil
		}
		if len(buf) > 16384 {
			return nil, fmt.Errorf("handshake line too long")
		}
	}
}

func (c *Conn) writeAll(deadline time.Time, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(c.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				if err := c.waitWritable(deadline); err != nil {
					return err
				}
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (c *Conn) waitReadable(deadline time.Time) error {
	return c.waitFor(deadline, unix.POLLIN)
}

func (c *Conn) waitWritable(deadline time.Time) error {
	return c.waitFor(deadline, unix.POLLOUT)
}

func (c *Conn) waitFor(deadline time.Time, events int16) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return fmt.Errorf("handshake timed out")
	}
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	if _, err := unix.Poll(pfd, int(remaining/time.Millisecond)+1); err != nil {
		return err
	}
	return nil
}
