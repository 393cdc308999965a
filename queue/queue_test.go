package queue

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSubmitRunsWorkAndSignalsEventFD(t *testing.T) {
	q, err := New("test", 2)
	if err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	var ran atomic.Bool
	doneCh := make(chan struct{}, 1)
	q.Submit(&Work{
		Fn:   func(int) { ran.Store(true) },
		Done: func() { doneCh <- struct{}{} },
	})

	if !waitReadable(t, q.EventFD(), 2*time.Second) {
		t.Fatal("eventfd never became readable")
	}
	q.Drain()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("Done callback never ran")
	}
	if !ran.Load() {
		t.Fatal("Fn never ran")
	}
}

func TestStopDrainsPendingBeforeExit(t *testing.T) {
	q, err := New("test2", 1)
	if err != nil {
		t.Fatal(err)
	}
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		q.Submit(&Work{Fn: func(int) { count.Add(1) }, Done: func() {}})
	}
	q.Stop()
	if count.Load() != 5 {
		t.Fatalf("expected all 5 items to run before Stop returns, got %d", count.Load())
	}
}

func waitReadable(t *testing.T, fd int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 50)
		if err != nil {
			continue
		}
		if n > 0 {
			return true
		}
	}
	return false
}
