package loop_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/danderson/dbusd/internal/loop"
)

// pipeFd returns a readable/writable fd pair, closing both at test cleanup.
func pipeFd(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestWatchFiresOnReadable(t *testing.T) {
	l := loop.New()
	r, w := pipeFd(t)

	fired := make(chan int16, 1)
	l.AddWatch(&loop.Watch{
		Fd:     r,
		Events: unix.POLLIN,
		Callback: func(events int16) bool {
			fired <- events
			return false
		},
	})

	unix.Write(w, []byte("x"))
	l.Iterate(true)

	select {
	case ev := <-fired:
		if ev&unix.POLLIN == 0 {
			t.Errorf("callback fired with events=%d, want POLLIN set", ev)
		}
	default:
		t.Fatal("watch callback did not fire for a readable fd")
	}
}

func TestTimeoutFiresApproximatelyOnInterval(t *testing.T) {
	l := loop.New()
	fires := 0
	l.AddTimeout(&loop.Timeout{
		Interval: time.Millisecond,
		Callback: func() bool {
			fires++
			return false
		},
	})

	deadline := time.Now().Add(time.Second)
	for fires == 0 && time.Now().Before(deadline) {
		l.Iterate(false)
		time.Sleep(time.Millisecond)
	}
	if fires == 0 {
		t.Fatal("timeout never fired within one second")
	}
}

func TestDispatchOOMBacksOffThenRetries(t *testing.T) {
	l := loop.New()
	l.SetOOMWait(50 * time.Millisecond)
	attempts := 0
	d := dispatcherFunc(func() loop.Status {
		attempts++
		if attempts == 1 {
			return loop.NeedMemory
		}
		return loop.Complete
	})

	l.QueueDispatch(d)
	l.Iterate(false)
	if attempts != 1 {
		t.Fatalf("attempts after first Iterate = %d, want 1", attempts)
	}

	// Immediately re-running the dispatch loop must not retry before the
	// OOM interval elapses.
	l.Iterate(false)
	if attempts != 1 {
		t.Fatalf("attempts after immediate re-Iterate = %d, want still 1 (OOM back-off)", attempts)
	}

	// Once the OOM interval has elapsed, the dispatcher is retried.
	time.Sleep(60 * time.Millisecond)
	l.Iterate(false)
	if attempts != 2 {
		t.Fatalf("attempts after OOM interval = %d, want 2 (retried)", attempts)
	}
}

func TestDataRemainsRequeuesWithoutStarvingOtherWork(t *testing.T) {
	l := loop.New()
	var order []string

	busy := dispatcherFunc(func() loop.Status {
		order = append(order, "busy")
		return loop.DataRemains
	})
	quiet := dispatcherFunc(func() loop.Status {
		order = append(order, "quiet")
		return loop.Complete
	})

	l.QueueDispatch(busy)
	l.QueueDispatch(quiet)
	l.Iterate(false)

	if len(order) != 2 || order[0] != "busy" || order[1] != "quiet" {
		t.Fatalf("dispatch order = %v, want [busy quiet] (one pass over the pending FIFO)", order)
	}
}

func TestOOMWatchSkipSleepsInsteadOfSpinning(t *testing.T) {
	l := loop.New()
	l.SetOOMWait(30 * time.Millisecond)
	r, w := pipeFd(t)
	unix.Write(w, []byte("x"))

	first := true
	l.AddWatch(&loop.Watch{
		Fd:     r,
		Events: unix.POLLIN,
		Callback: func(int16) bool {
			oom := first
			first = false
			return oom
		},
	})

	l.Iterate(true) // watch fires, reports OOM, gets parked in oomWatches

	// No timeouts are registered and the only watch is OOM-skipped, so
	// this pass has nothing to poll: it must sleep out the OOM wait
	// rather than returning immediately and busy-spinning.
	start := time.Now()
	l.Iterate(true)
	elapsed := time.Since(start)

	if elapsed < 20*time.Millisecond {
		t.Fatalf("second Iterate returned after %v, want it to block roughly the OOM wait instead of busy-spinning", elapsed)
	}
}

type dispatcherFunc func() loop.Status

func (f dispatcherFunc) Dispatch() loop.Status { return f() }
