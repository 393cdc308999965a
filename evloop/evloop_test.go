package evloop

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestRegisterFiresOnReadableAndStops(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		t.Fatal(err)
	}

	fired := make(chan uint32, 1)
	if err := l.Register(int(r.Fd()), unix.EPOLLIN, func(fd int, events uint32, userData interface{}) {
		fired <- events
		l.Stop()
	}, nil); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	if _, err := w.Write([]byte{1}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-fired:
		if ev&unix.EPOLLIN == 0 {
			t.Fatalf("expected EPOLLIN, got %x", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after Stop")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		t.Fatal(err)
	}

	calls := 0
	if err := l.Register(int(r.Fd()), unix.EPOLLIN, func(fd int, events uint32, userData interface{}) {
		calls++
	}, nil); err != nil {
		t.Fatal(err)
	}
	l.Unregister(int(r.Fd()))

	go l.Run()
	defer l.Stop()

	if _, err := w.Write([]byte{1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("expected no callbacks after Unregister, got %d", calls)
	}
}

func TestSignalFDReturnsSelfPipeReadEnd(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if l.SignalFD() <= 0 {
		t.Fatalf("expected a valid fd, got %d", l.SignalFD())
	}
}
