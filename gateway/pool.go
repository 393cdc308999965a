// Package gateway implements the entry-node fan-out protocol of spec §4.7:
// turning a client read/write into a multi-replica operation, plus the
// bounded idle connection pool to peer sheep it's built on.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package gateway

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sheepd/sheepd/ring"
)

// peerReadTimeout bounds how long the gateway waits on a single replica's
// response before treating it as failed for this request (spec §5
// "Peer connections inside the pool carry a read timeout").
const peerReadTimeout = 5 * time.Second

const idleTimeout = 30 * time.Second

type pooledConn struct {
	conn    net.Conn
	idleAt  time.Time
}

// Pool is a pool of idle TCP connections keyed by peer (addr, port),
// reaped after an idle timeout and rebuilt lazily on next use (spec §4.7
// "Connection pool"). The number of idle connections kept per peer is not
// capped: Put always keeps the returned connection.
type Pool struct {
	mu    sync.Mutex
	idle  map[string][]*pooledConn
	stopCh chan struct{}
}

func NewPool() *Pool {
	p := &Pool{idle: make(map[string][]*pooledConn), stopCh: make(chan struct{})}
	go p.reapLoop()
	return p
}

func peerKey(id ring.NodeID) string { return fmt.Sprintf("%s:%d", id.Addr.String(), id.Port) }

// Get returns an idle connection to peer if one exists, otherwise dials a
// fresh one.
func (p *Pool) Get(id ring.NodeID) (net.Conn, error) {
	key := peerKey(id)

	p.mu.Lock()
	if conns := p.idle[key]; len(conns) > 0 {
		pc := conns[len(conns)-1]
		p.idle[key] = conns[:len(conns)-1]
		p.mu.Unlock()
		return pc.conn, nil
	}
	p.mu.Unlock()

	return net.DialTimeout("tcp", key, peerReadTimeout)
}

// Put returns conn to the idle pool for reuse.
func (p *Pool) Put(id ring.NodeID, conn net.Conn) {
	key := peerKey(id)
	p.mu.Lock()
	p.idle[key] = append(p.idle[key], &pooledConn{conn: conn, idleAt: time.Now()})
	p.mu.Unlock()
}

// Discard closes conn instead of returning it to the pool, used when a
// request on it failed and the connection's state is now unknown.
func (p *Pool) Discard(conn net.Conn) { _ = conn.Close() }

func (p *Pool) reapLoop() {
	t := time.NewTicker(idleTimeout)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	cutoff := time.Now().Add(-idleTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, conns := range p.idle {
		kept := conns[:0]
		for _, pc := range conns {
			if pc.idleAt.Before(cutoff) {
				_ = pc.conn.Close()
				continue
			}
			kept = append(kept, pc)
		}
		p.idle[key] = kept
	}
}

func (p *Pool) Close() {
	close(p.stopCh)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.idle {
		for _, pc := range conns {
			_ = pc.conn.Close()
		}
	}
}
