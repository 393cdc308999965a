package proto

import (
	"golang.org/x/sys/unix"

	"github.com/sheepd/sheepd/sderr"
)

type rxState int

const (
	rxIdle rxState = iota
	rxHeader
	rxBody
)

type txState int

const (
	txIdle txState = iota
	txInProgress
)

// Request is one decoded frame in flight on a connection. It is owned by
// the Conn that received it; queues and workers hold a borrowed pointer,
// never taking ownership (spec §9: "queues hold borrowed handles").
type Request struct {
	Header Header
	Body   []byte

	Conn *Conn

	Result Header // filled in by the handler, then transmitted
	Reply  []byte

	orphaned bool // connection closed before this request completed
}

// Dispatcher routes a fully-decoded request to the right execution path
// (spec §4.6 DISPATCH): local io queue, gateway fan-out queue, or the
// cluster state machine. Implemented by package server so that proto
// itself has no dependency on queue/gateway/cluster.
type Dispatcher interface {
	Dispatch(req *Request)
}

// backpressureThreshold bounds |reqs|+|doneReqs| before a connection is
// removed from read-readiness (spec §4.6 "Back-pressure").
const backpressureThreshold = 256

// Conn holds per-connection state: the in-progress rx frame, the FIFO of
// decoded-but-unrun requests, the FIFO of completed requests awaiting
// transmission, and the in-progress tx. Exactly the state spec §4.6
// describes, operating on a raw, non-blocking fd registered with the loop.
type Conn struct {
	Fd     int
	Remote string

	rxState  rxState
	rxHeader [HeaderSize]byte
	rxHave   int
	rxReq    *Request // header decoded, accumulating body

	reqs     []*Request
	doneReqs []*Request

	tx        txState
	txBuf     []byte
	txOff     int

	readRegistered bool
	closed         bool

	Dispatcher Dispatcher
}

func NewConn(fd int, remote string, d Dispatcher) *Conn {
	return &Conn{Fd: fd, Remote: remote, Dispatcher: d, readRegistered: true}
}

// OnReadable runs the receive state machine per spec §4.6:
// IDLE -> HEADER (48 bytes) -> BODY (data-length bytes) -> DISPATCH -> IDLE.
// Any short read returns so the event loop can wait for the next
// readiness edge.
func (c *Conn) OnReadable() error {
	for {
		switch c.rxState {
		case rxIdle:
			c.rxHave = 0
			c.rxState = rxHeader
			continue

		case rxHeader:
			n, err := unix.Read(c.Fd, c.rxHeader[c.rxHave:HeaderSize])
			if n > 0 {
				c.rxHave += n
			}
			if err == unix.EAGAIN {
				return nil
			}
			if err != nil {
				return err
			}
			if n == 0 {
				return errConnClosed
			}
			if c.rxHave < HeaderSize {
				return nil // short read, wait for more
			}
			hdr, err := UnmarshalHeader(c.rxHeader[:])
			if err != nil {
				return err
			}
			c.rxReq = &Request{Header: hdr, Conn: c}
			if hdr.DataLength > 0 {
				c.rxReq.Body = make([]byte, hdr.DataLength)
				c.rxHave = 0
				c.rxState = rxBody
			} else {
				c.rxState = rxIdle
				c.enqueueDecoded(c.rxReq)
				c.rxReq = nil
			}
			continue

		case rxBody:
			n, err := unix.Read(c.Fd, c.rxReq.Body[c.rxHave:])
			if n > 0 {
				c.rxHave += n
			}
			if err == unix.EAGAIN {
				return nil
			}
			if err != nil {
				return err
			}
			if n == 0 {
				return errConnClosed
			}
			if c.rxHave < len(c.rxReq.Body) {
				return nil
			}
			c.rxState = rxIdle
			c.enqueueDecoded(c.rxReq)
			c.rxReq = nil
			continue
		}
	}
}

func (c *Conn) enqueueDecoded(req *Request) {
	c.reqs = append(c.reqs, req)
	if c.Dispatcher != nil {
		c.Dispatcher.Dispatch(req)
	}
}

// Backlog reports |reqs|+|doneReqs|, used by the server loop to decide
// whether to drop this connection out of the read-readiness set.
func (c *Conn) Backlog() int { return len(c.reqs) + len(c.doneReqs) }

// OverBackpressure reports whether Backlog has crossed the threshold.
func (c *Conn) OverBackpressure() bool { return c.Backlog() > backpressureThreshold }

// Complete moves req from reqs to doneReqs once its handler has produced a
// result, ready for transmission. It is a no-op (the response is discarded,
// per spec §5 cancellation) if the request was marked orphaned by Close.
func (c *Conn) Complete(req *Request) {
	for i, r := range c.reqs {
		if r == req {
			c.reqs = append(c.reqs[:i], c.reqs[i+1:]...)
			break
		}
	}
	if req.orphaned {
		return
	}
	c.doneReqs = append(c.doneReqs, req)
}

// OnWritable runs the transmit state machine: dequeue from doneReqs, write
// header then body; on short write, the caller must keep this connection
// registered for EPOLLOUT and call OnWritable again.
func (c *Conn) OnWritable() error {
	for {
		if c.tx == txIdle {
			if len(c.doneReqs) == 0 {
				return nil
			}
			req := c.doneReqs[0]
			c.doneReqs = c.doneReqs[1:]
			req.Result.DataLength = uint32(len(req.Reply))
			c.txBuf = append(req.Result.Marshal(), req.Reply...)
			c.txOff = 0
			c.tx = txInProgress
		}

		n, err := unix.Write(c.Fd, c.txBuf[c.txOff:])
		if n > 0 {
			c.txOff += n
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
		if c.txOff >= len(c.txBuf) {
			c.tx = txIdle
			c.txBuf = nil
			continue
		}
		return nil // short write, wait for next writable edge
	}
}

// HasPendingWrites reports whether OnWritable has more to do, used to
// decide whether EPOLLOUT should stay registered.
func (c *Conn) HasPendingWrites() bool {
	return c.tx == txInProgress || len(c.doneReqs) > 0
}

// Close marks every outstanding request on this connection orphaned (spec
// §5: "on close the entry node marks in-flight requests orphaned: done
// still runs but the response is discarded") and closes the fd.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, r := range c.reqs {
		r.orphaned = true
	}
	for _, r := range c.doneReqs {
		r.orphaned = true
	}
	return unix.Close(c.Fd)
}

var errConnClosed = sderr.Wrapf(sderr.SystemError, "proto: connection closed by peer")
