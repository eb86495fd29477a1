// Package loop implements the broker's single-threaded, cooperative event
// loop: file-descriptor readiness, timeouts, and a per-connection dispatch
// FIFO, all driven from one goroutine with out-of-memory back-off.
package loop

import (
	"reflect"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// DefaultOOMWait is the interval the loop waits before retrying a watch or
// dispatch that reported out-of-memory.
const DefaultOOMWait = 500 * time.Millisecond

// Dispatcher is implemented by anything the loop can drain a pending
// message from — normally a *bus.Connection. Dispatch processes as much of
// the connection's pending input as it can without blocking and reports
// whether more work remains.
type Dispatcher interface {
	Dispatch() Status
}

// Status is the result of one Dispatch call.
type Status int

const (
	// Complete means the connection has no more fully-parsed messages
	// waiting.
	Complete Status = iota
	// DataRemains means at least one more message is ready to dispatch.
	DataRemains
	// NeedMemory means dispatch could not proceed because an allocation
	// failed; the loop will retry after the OOM interval.
	NeedMemory
)

// Watch is a file descriptor the loop polls for readiness.
type Watch struct {
	Fd     int
	Events int16 // unix.POLLIN / unix.POLLOUT, bitwise-or'd

	// Callback is invoked with the events that were actually ready.
	// oom reports that the callback couldn't do its work due to an
	// allocation failure and should be skipped next iteration.
	Callback func(readyEvents int16) (oom bool)
}

// Timeout fires Callback approximately every Interval.
type Timeout struct {
	Interval time.Duration
	Callback func() (oom bool)

	lastFired time.Time
	removed   bool
}

// Loop is the broker's event loop. It is not safe for concurrent use: all
// bus state lives behind the single goroutine that calls Run or Iterate.
type Loop struct {
	watches   []*Watch
	timeouts  *heapq.Queue[*Timeout]
	dispatch  queue.Queue[Dispatcher]
	depth     int
	listSerial int

	oomWait     time.Duration
	oomWatches  mapset.Set[*Watch]
	oomDispatch mapset.Set[Dispatcher]

	// restartAt is the index at which the next poll pass starts scanning
	// the watch list; it advances by one every pass. Ready watches are
	// always fired from the poll snapshot, even if a callback mutates the
	// watch list mid-iteration.
	restartAt int

	// now is overridable so tests can exercise clock-rewind handling
	// without sleeping in real time.
	now func() time.Time
}

// New creates an empty Loop.
func New() *Loop {
	l := &Loop{
		timeouts:    heapq.New(timeoutLess),
		oomWait:     DefaultOOMWait,
		oomWatches:  mapset.New[*Watch](),
		oomDispatch: mapset.New[Dispatcher](),
		now:         time.Now,
	}
	return l
}

func timeoutLess(a, b *Timeout) int {
	an, bn := a.nextFire(), b.nextFire()
	switch {
	case an.Before(bn):
		return -1
	case an.After(bn):
		return 1
	default:
		return 0
	}
}

func (t *Timeout) nextFire() time.Time { return t.lastFired.Add(t.Interval) }

// SetOOMWait overrides the interval a watch or dispatch that reported
// out-of-memory is skipped before being retried. It only affects OOM
// intervals scheduled after the call.
func (l *Loop) SetOOMWait(d time.Duration) { l.oomWait = d }

// AddWatch registers w for readiness polling. Adding a watch invalidates
// any Iterate call currently unwinding its callback list.
func (l *Loop) AddWatch(w *Watch) {
	l.watches = append(l.watches, w)
	l.listSerial++
}

// RemoveWatch unregisters w. It is a no-op if w is not registered.
func (l *Loop) RemoveWatch(w *Watch) {
	for i, cand := range l.watches {
		if cand == w {
			l.watches = append(l.watches[:i:i], l.watches[i+1:]...)
			l.listSerial++
			delete(l.oomWatches, w)
			return
		}
	}
}

// AddTimeout registers t to fire every t.Interval, starting one interval
// from now.
func (l *Loop) AddTimeout(t *Timeout) {
	t.lastFired = l.now()
	l.timeouts.Add(t)
	l.listSerial++
}

// RemoveTimeout unregisters t. Since the underlying heap has no efficient
// arbitrary-element removal, t is marked and lazily dropped the next time
// it would otherwise fire.
func (l *Loop) RemoveTimeout(t *Timeout) {
	t.removed = true
	l.listSerial++
}

// QueueDispatch appends d to the dispatch FIFO. Duplicates are allowed: a
// connection may be queued more than once if more input arrived while it
// was already pending.
func (l *Loop) QueueDispatch(d Dispatcher) {
	l.dispatch.Add(d)
}

// Run iterates, blocking, until Quit restores the loop's entry depth.
func (l *Loop) Run() {
	origDepth := l.depth
	l.depth++
	for l.depth > origDepth {
		l.Iterate(true)
	}
}

// Quit ends the innermost active Run call.
func (l *Loop) Quit() {
	if l.depth > 0 {
		l.depth--
	}
}

// Iterate runs one pass: poll ready watches, fire due timeouts, drain one
// pass of the dispatch FIFO. If block is false and nothing is immediately
// ready, Iterate returns promptly without waiting. It reports whether any
// work was done.
func (l *Loop) Iterate(block bool) bool {
	didWork := false
	now := l.now()

	// Timeouts that are due fire before this iteration's watch events, then
	// dispatch (timeouts -> watches -> dispatch). The heap has no in-place
	// peek, so the minimum is popped and (if not yet due, or removed) pushed
	// straight back.
	for {
		t, ok := l.timeouts.Pop()
		if !ok {
			break
		}
		if t.removed {
			continue
		}
		remaining := t.nextFire().Sub(now)
		if remaining > 0 {
			// Clock-rewind guard: if the wait would exceed the interval
			// itself, the wall clock moved backward. Reset the timeout's
			// origin to now instead of stalling indefinitely.
			if remaining > t.Interval {
				t.lastFired = now
				l.timeouts.Add(t)
				continue
			}
			l.timeouts.Add(t)
			break
		}
		if t.Callback() {
			// OOM: reschedule from now plus the OOM wait instead of the
			// normal interval, then fall through — the loop still made
			// progress this iteration.
			t.lastFired = now.Add(l.oomWait - t.Interval)
		} else {
			t.lastFired = now
		}
		l.timeouts.Add(t)
		didWork = true
	}

	timeout := l.nextPollTimeout(now, block)
	if l.dispatch.Len() > 0 {
		timeout = 0
	}

	ready, _ := l.pollWatches(timeout)
	didWork = didWork || ready

	if l.drainDispatch() {
		didWork = true
	}

	return didWork
}

// nextPollTimeout returns how long the loop may block in poll before the
// earliest timeout needs servicing. As with the firing loop above, the
// minimum is found via pop-then-push since the heap has no peek. If any
// watch is currently OOM-skipped, the result is clamped to oomWait so a
// poll pass with nothing else to wait on still retries the skipped watch
// promptly instead of blocking indefinitely.
func (l *Loop) nextPollTimeout(now time.Time, block bool) time.Duration {
	if !block {
		return 0
	}
	timeout := time.Duration(-1) // block indefinitely
	if t, ok := l.timeouts.Pop(); ok {
		l.timeouts.Add(t)
		switch {
		case t.removed:
			timeout = 0
		default:
			if remaining := t.nextFire().Sub(now); remaining >= 0 {
				timeout = remaining
			} else {
				timeout = 0
			}
		}
	}
	if len(l.oomWatches) > 0 && (timeout < 0 || timeout > l.oomWait) {
		timeout = l.oomWait
	}
	return timeout
}

// pollWatches builds a poll vector from enabled watches (skipping any that
// reported OOM on the previous iteration), polls once, and fires ready
// callbacks. If a callback mutates the watch list or changes the loop's
// depth, the remaining watches from the pre-poll snapshot are still fired:
// this implementation always fires every ready watch from the poll
// snapshot, and uses restartAt only to rotate which watch starts the scan on
// the *next* Iterate call, so a consistently early watch in the list can't
// starve the ones after it.
func (l *Loop) pollWatches(timeout time.Duration) (didWork bool, anyPolled bool) {
	type entry struct {
		w   *Watch
		idx int
	}
	var polled []entry
	var pfds []unix.PollFd
	n := len(l.watches)
	for i := 0; i < n; i++ {
		idx := (l.restartAt + i) % n
		w := l.watches[idx]
		if _, skip := l.oomWatches[w]; skip {
			// Skipped for exactly one iteration; re-enabled below.
			delete(l.oomWatches, w)
			didWork = true
			continue
		}
		polled = append(polled, entry{w, idx})
		pfds = append(pfds, unix.PollFd{Fd: int32(w.Fd), Events: w.Events})
	}
	if n > 0 {
		l.restartAt = (l.restartAt + 1) % n
	}
	if len(pfds) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return didWork, false
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	nReady, err := unix.Poll(pfds, ms)
	if err != nil || nReady == 0 {
		return didWork, true
	}

	serialAtStart := l.listSerial
	for i, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		w := polled[i].w
		if w.Callback(pfd.Revents) {
			l.oomWatches.Add(w)
		}
		didWork = true
		if l.listSerial != serialAtStart {
			// The watch list changed underneath us (add/remove). Later
			// entries in this snapshot are still valid *Watch pointers, so
			// continuing to fire them is safe; we simply don't re-derive
			// the poll set mid-pass.
			serialAtStart = l.listSerial
		}
	}
	return didWork, true
}

// drainDispatch pops every connection currently queued and dispatches it
// once. A connection reporting DataRemains is re-queued for the next
// iteration rather than looped on immediately, so one busy connection can't
// starve the loop. A connection reporting NeedMemory is parked until the
// OOM interval elapses.
func (l *Loop) drainDispatch() bool {
	if l.dispatch.Len() == 0 {
		return false
	}
	pending := l.dispatch.Len()
	didWork := false
	for i := 0; i < pending; i++ {
		d, ok := l.dispatch.Pop()
		if !ok {
			break
		}
		didWork = true
		switch d.Dispatch() {
		case Complete:
		case DataRemains:
			l.dispatch.Add(d)
		case NeedMemory:
			// A Dispatcher whose dynamic type is not comparable (a func,
			// say) cannot key oomDispatch, so it is parked without
			// deduplication.
			hashable := reflect.TypeOf(d).Comparable()
			if hashable {
				if _, ok := l.oomDispatch[d]; ok {
					continue
				}
				l.oomDispatch[d] = struct{}{}
			}
			var t *Timeout
			t = &Timeout{
				Interval: l.oomWait,
				Callback: func() bool {
					l.RemoveTimeout(t)
					if hashable {
						delete(l.oomDispatch, d)
					}
					l.dispatch.Add(d)
					return false
				},
			}
			l.AddTimeout(t)
		}
	}
	return didWork
}
