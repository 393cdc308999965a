// Package evloop is the single-threaded edge-triggered I/O multiplexer of
// spec §4.5, built on golang.org/x/sys/unix epoll — the Go analogue of the
// C sources' libevent-style registration table (sheep/sheep.c registers the
// listen socket, the cluster-driver fd, each worker pool's signalfd/eventfd,
// and a signalfd for SIGTERM/SIGUSR2 with one epoll instance).
//
// Go's runtime owns SIGTERM/SIGUSR2 delivery itself (there is no safe
// equivalent of signalfd(2) alongside the Go scheduler), so the signal leg
// here is adapted to an os/signal channel feeding a self-pipe registered as
// an ordinary fd — the loop still learns about a signal only by epoll
// waking on a registered fd, matching the spec's "no I/O happens off the
// loop" invariant.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package evloop

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sheepd/sheepd/sdlog"
)

// Callback is invoked on the loop thread when fd becomes ready for events.
type Callback func(fd int, events uint32, userData interface{})

type registration struct {
	cb       Callback
	userData interface{}
}

// Loop is the single-threaded multiplexer. All methods except Register/
// Unregister/Stop from another goroutine must be called from the thread
// running Run.
type Loop struct {
	epfd int

	mu   sync.Mutex
	regs map[int]registration

	sigR, sigW *os.File
	stopCh     chan struct{}
}

func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	l := &Loop{epfd: epfd, regs: make(map[int]registration), stopCh: make(chan struct{})}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	l.sigR, l.sigW = r, w
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		return nil, err
	}

	l.registerSignals()
	return l, nil
}

func (l *Loop) registerSignals() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGUSR2)
	go func() {
		for range ch {
			if _, err := l.sigW.Write([]byte{1}); err != nil {
				sdlog.Warningf("evloop: signal self-pipe write: %v", err)
			}
		}
	}()
	// caller registers l.sigR.Fd() via Register once it has a userData/cb
	// it wants invoked for termination handling (server.Prepare does this).
}

// SignalFD returns the self-pipe read end the caller should Register for
// SIGTERM/SIGUSR2 notification, matching the spec's signalfd registration.
func (l *Loop) SignalFD() int { return int(l.sigR.Fd()) }

func (l *Loop) drainSignalFD() {
	var buf [64]byte
	for {
		n, err := unix.Read(int(l.sigR.Fd()), buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Register adds fd to the epoll set with edge-triggered readiness.
func (l *Loop) Register(fd int, events uint32, cb Callback, userData interface{}) error {
	l.mu.Lock()
	l.regs[fd] = registration{cb: cb, userData: userData}
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: events | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify changes the interest set for an already-registered fd, used by
// proto.Conn to add/remove EPOLLOUT as its transmit state machine needs it.
func (l *Loop) Modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Unregister removes fd from the epoll set and its callback table.
func (l *Loop) Unregister(fd int) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	l.mu.Lock()
	delete(l.regs, fd)
	l.mu.Unlock()
}

// Stop causes Run to return after its current wait.
func (l *Loop) Stop() { close(l.stopCh) }

// Run is the loop body: epoll_wait, dispatch each ready fd's callback, on
// the signal fd drain and invoke its registered callback for graceful
// shutdown. Never blocks anywhere but inside EpollWait (spec §5 "the loop
// thread never blocks except inside its multiplexer wait").
func (l *Loop) Run() error {
	const maxEvents = 256
	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			l.mu.Lock()
			reg, ok := l.regs[fd]
			l.mu.Unlock()
			if !ok {
				continue
			}
			if fd == int(l.sigR.Fd()) {
				l.drainSignalFD()
			}
			reg.cb(fd, events[i].Events, reg.userData)
		}
	}
}

// Close tears down the epoll instance and the signal self-pipe.
func (l *Loop) Close() error {
	signal.Reset(syscall.SIGTERM, syscall.SIGUSR2)
	l.sigR.Close()
	l.sigW.Close()
	if l.epfd >= 0 {
		return syscall.Close(l.epfd)
	}
	return nil
}
