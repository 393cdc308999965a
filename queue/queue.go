// Package queue implements the named fixed-size worker pools of spec §4.4,
// ported directly from the Sheepdog C worker pool
// (sheep/work.c: worker_routine, bs_thread_request_done, queue_work):
// a pending FIFO workers block on, a finished list drained by the event
// loop on an eventfd wakeup. Each completed item adds one to the eventfd
// counter; the counter coalesces them, so one wakeup drains a whole batch.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package queue

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sheepd/sheepd/metrics"
	"github.com/sheepd/sheepd/sdlog"
)

// Work is one unit of queued execution. Fn runs on a worker thread and may
// block; Done runs later, on the event-loop thread, once the item has been
// drained from the finished list.
type Work struct {
	Fn   func(workerIdx int)
	Done func()

	enqueuedAt time.Time
}

// Queue is a named fixed-size worker pool with completion signalled via an
// eventfd registered with the event loop (spec §4.4/§9 "signal-driven
// worker completion").
type Queue struct {
	Name string

	pendingMu sync.Mutex
	pendingCv *sync.Cond
	pending   []*Work

	finishedMu sync.Mutex
	finished   []*Work

	eventFD int
	stop    bool
	wg      sync.WaitGroup
}

// New starts nWorkers goroutines pulling from a FIFO, and returns the queue
// along with the eventfd the caller must register with its event loop.
func New(name string, nWorkers int) (*Queue, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	q := &Queue{Name: name, eventFD: efd}
	q.pendingCv = sync.NewCond(&q.pendingMu)

	for i := 0; i < nWorkers; i++ {
		q.wg.Add(1)
		go q.workerRoutine(i)
	}
	return q, nil
}

// EventFD is the fd the owning event loop should register for readability;
// on wakeup the loop must call Drain.
func (q *Queue) EventFD() int { return q.eventFD }

func (q *Queue) workerRoutine(idx int) {
	defer q.wg.Done()
	for {
		q.pendingMu.Lock()
		for len(q.pending) == 0 && !q.stop {
			q.pendingCv.Wait()
		}
		if q.stop && len(q.pending) == 0 {
			q.pendingMu.Unlock()
			return
		}
		w := q.pending[0]
		q.pending = q.pending[1:]
		q.pendingMu.Unlock()

		start := time.Now()
		w.Fn(idx)
		metrics.QueueItemLatency.WithLabelValues(q.Name).Observe(time.Since(start).Seconds())

		q.finishedMu.Lock()
		q.finished = append(q.finished, w)
		q.finishedMu.Unlock()

		var one [8]byte // eventfd writes must be an 8-byte counter increment
		binary.NativeEndian.PutUint64(one[:], 1)
		if _, err := unix.Write(q.eventFD, one[:]); err != nil {
			sdlog.Warningf("queue %s: eventfd write: %v", q.Name, err)
		}
	}
}

// Submit enqueues work and wakes one idle worker. Matches queue_work in
// work.c.
func (q *Queue) Submit(w *Work) {
	w.enqueuedAt = time.Now()
	q.pendingMu.Lock()
	q.pending = append(q.pending, w)
	depth := len(q.pending)
	q.pendingMu.Unlock()
	metrics.QueueDepth.WithLabelValues(q.Name).Set(float64(depth))
	q.pendingCv.Signal()
}

// Drain runs every finished item's Done callback. Called by the event loop
// on eventfd readiness; must run on the loop thread since Done may touch
// the connection table (spec §4.4 contract).
func (q *Queue) Drain() {
	var buf [8]byte
	_, _ = unix.Read(q.eventFD, buf[:]) // clears the eventfd counter

	q.finishedMu.Lock()
	items := q.finished
	q.finished = nil
	q.finishedMu.Unlock()

	for _, w := range items {
		w.Done()
	}
}

// Len reports the current pending depth, used for queue-depth metrics and
// back-pressure decisions upstream in proto.
func (q *Queue) Len() int {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	return len(q.pending)
}

// Stop drains in-flight work after the current item, matching exit_worker
// in work.c: set stop, broadcast, join. The finished list is still flushed
// by a final Drain from the caller.
func (q *Queue) Stop() {
	q.pendingMu.Lock()
	q.stop = true
	q.pendingCv.Broadcast()
	q.pendingMu.Unlock()
	q.wg.Wait()
	unix.Close(q.eventFD)
}

// DefaultSizes mirrors the named-queue table in spec §4.4.
var DefaultSizes = map[string]int{
	"gway":     8,
	"io":       4, // N_disk, configuration-dependent; 4 is a reasonable default
	"recovery": 2,
	"deletion": 1,
	"block":    1,
	"sockfd":   1,
}
