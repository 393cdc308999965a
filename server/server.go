// Package server wires the per-component packages into one running sheep
// node: the event loop, named queues, the listen socket, the cluster state
// machine, the gateway, and the recovery engine. Grounded on the teacher's
// daemon bootstrap shape (aistore's target/proxy Run methods assembling
// their registries and starting their own listeners) adapted to this
// project's single-threaded event-loop model instead of net/http.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package server

import (
	"context"
	"net"
	"time"

	"github.com/teris-io/shortid"
	"golang.org/x/sys/unix"

	"github.com/sheepd/sheepd/cluster"
	"github.com/sheepd/sheepd/config"
	"github.com/sheepd/sheepd/epoch"
	"github.com/sheepd/sheepd/evloop"
	"github.com/sheepd/sheepd/gateway"
	"github.com/sheepd/sheepd/proto"
	"github.com/sheepd/sheepd/queue"
	"github.com/sheepd/sheepd/recovery"
	"github.com/sheepd/sheepd/ring"
	"github.com/sheepd/sheepd/sderr"
	"github.com/sheepd/sheepd/sdlog"
	"github.com/sheepd/sheepd/store"
	"github.com/sheepd/sheepd/vdi"
)

// Server is one running sheep node: the assembled event loop, queues,
// store, cluster state machine, gateway, recovery engine, and VDI index.
type Server struct {
	cfg  *config.Cluster
	self ring.NodeID

	loop   *evloop.Loop
	queues map[string]*queue.Queue

	store    *store.Store
	epochLog *epoch.Log
	sm       *cluster.StateMachine
	gw       *gateway.Gateway
	pool     *gateway.Pool
	vdiIdx   *vdi.Index

	listenFD int
	conns    map[int]*proto.Conn

	idGen *shortid.Shortid
}

// New assembles every component but does not start listening; call Run to
// enter the event loop.
func New(cfg *config.Cluster, driver cluster.Driver) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	elog, err := epoch.Open(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	vdiIdx, err := vdi.OpenIndex(cfg.BaseDir + "/vdi.db")
	if err != nil {
		return nil, err
	}

	ip, port, err := cfg.Addr()
	if err != nil {
		return nil, err
	}
	self := ring.Node{ID: ring.NewNodeID(ip, port), Zone: cfg.Zone, NrVnodes: cfg.Vnodes}

	sm := cluster.New(self, cfg.Copies, driver, elog)

	loop, err := evloop.New()
	if err != nil {
		return nil, err
	}

	idGen, err := shortid.New(1, shortid.DefaultABC, uint64(1))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		self:     self.ID,
		loop:     loop,
		queues:   make(map[string]*queue.Queue),
		store:    st,
		epochLog: elog,
		sm:       sm,
		vdiIdx:   vdiIdx,
		conns:    make(map[int]*proto.Conn),
		idGen:    idGen,
	}

	s.pool = gateway.NewPool()
	s.gw = gateway.New(&ringView{sm: sm, self: self.ID}, st, s.pool)
	if cfg.WriteDurability == config.DurabilityDegraded {
		s.gw.Durability = gateway.DurabilityDegraded
	}

	sm.OnRecovery = s.onRecovery

	for name, n := range queue.DefaultSizes {
		q, err := queue.New(name, n)
		if err != nil {
			return nil, err
		}
		s.queues[name] = q
	}

	return s, nil
}

// ringView adapts cluster.StateMachine to gateway.RingView without gateway
// importing cluster (the same inversion pattern used for vdi/cluster).
type ringView struct {
	sm   *cluster.StateMachine
	self ring.NodeID
}

func (v *ringView) Ring() []ring.Vnode { return v.sm.Ring() }
func (v *ringView) Epoch() uint32      { return v.sm.Epoch() }
func (v *ringView) Self() ring.NodeID  { return v.self }

// onRecovery is StateMachine's RecoveryTrigger hook: build a push/pull plan
// from the ring diff and run it on the "recovery" queue (spec §4.9 trigger:
// any epoch change starts recovery, restartable from the new diff).
func (s *Server) onRecovery(oldRing, newRing []ring.Vnode, oldEpoch, newEpoch uint32) {
	rq := s.queues["recovery"]
	if rq == nil {
		return
	}
	rq.Submit(&queue.Work{
		Fn: func(workerIdx int) {
			s.runRecoveryPass(oldRing, newRing, oldEpoch, newEpoch)
		},
		Done: func() {},
	})
}

func (s *Server) runRecoveryPass(oldRing, newRing []ring.Vnode, oldEpoch, newEpoch uint32) {
	self := s.selfNodeID()
	localOids, err := s.store.ListByRange(0, 0, func(oid uint64) uint64 { return oid })
	if err != nil {
		sdlog.Warningf("recovery: list local objects: %v", err)
		return
	}
	plans := recovery.Diff(self, oldRing, newRing, oldEpoch, newEpoch, s.cfg.Copies, localOids, func(uint64) []uint64 { return nil })

	eng := &recovery.Engine{
		Self:     self,
		Store:    s.store,
		Peer:     &peerIO{pool: s.pool},
		Compress: s.cfg.RecoveryCompression,
		Workers:  queue.DefaultSizes["recovery"],
	}
	if err := eng.Run(context.Background(), plans, oldEpoch, newEpoch); err != nil {
		sdlog.Warningf("recovery: pass epoch %d->%d: %v", oldEpoch, newEpoch, err)
	}
}

func (s *Server) selfNodeID() ring.NodeID { return s.self }

// peerIO implements recovery.PeerIO over the gateway connection pool using
// OpReadObj (pull) and OpCreateAndWriteObj (push) with FlagNoRedirect, the same framing the gateway
// itself uses for client fan-out (spec §4.9 "push/pull over the ordinary
// object wire opcodes").
type peerIO struct{ pool *gateway.Pool }

func (p *peerIO) Push(ctx context.Context, peer ring.NodeID, oid uint64, data []byte, e uint32) error {
	conn, err := p.pool.Get(peer)
	if err != nil {
		return sderr.Wrap(sderr.EIO, err)
	}
	hdr := proto.Header{Code: proto.OpCreateAndWriteObj, Flags: proto.FlagNoRedirect, Epoch: e, DataLength: uint32(len(data))}
	hdr.PutOpaqueUint64At(proto.OpaqueOidOff, oid)
	hdr.PutOpaqueUint64At(proto.OpaqueLenOff, uint64(len(data)))
	respHdr, _, err := roundTripConn(conn, hdr, data)
	if err != nil {
		p.pool.Discard(conn)
		return sderr.Wrap(sderr.EIO, err)
	}
	p.pool.Put(peer, conn)
	if respHdr.Code != uint8(sderr.Success) {
		return sderr.Code(respHdr.Code)
	}
	return nil
}

func (p *peerIO) Pull(ctx context.Context, peer ring.NodeID, oid uint64, e uint32) ([]byte, error) {
	conn, err := p.pool.Get(peer)
	if err != nil {
		return nil, sderr.Wrap(sderr.EIO, err)
	}
	hdr := proto.Header{Code: proto.OpReadObj, Flags: proto.FlagNoRedirect, Epoch: e}
	hdr.PutOpaqueUint64At(proto.OpaqueOidOff, oid)
	hdr.PutOpaqueUint64At(proto.OpaqueLenOff, uint64(store.ObjSize))
	respHdr, body, err := roundTripConn(conn, hdr, nil)
	if err != nil {
		p.pool.Discard(conn)
		return nil, sderr.Wrap(sderr.EIO, err)
	}
	p.pool.Put(peer, conn)
	if respHdr.Code != uint8(sderr.Success) {
		return nil, sderr.Code(respHdr.Code)
	}
	return body, nil
}

const peerRPCTimeout = 10 * time.Second

func roundTripConn(conn net.Conn, hdr proto.Header, body []byte) (proto.Header, []byte, error) {
	hdr.DataLength = uint32(len(body))
	if err := conn.SetDeadline(time.Now().Add(peerRPCTimeout)); err != nil {
		return proto.Header{}, nil, err
	}
	if _, err := conn.Write(hdr.Marshal()); err != nil {
		return proto.Header{}, nil, err
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return proto.Header{}, nil, err
		}
	}
	var respBuf [proto.HeaderSize]byte
	if _, err := readFull(conn, respBuf[:]); err != nil {
		return proto.Header{}, nil, err
	}
	respHdr, err := proto.UnmarshalHeader(respBuf[:])
	if err != nil {
		return proto.Header{}, nil, err
	}
	var respBody []byte
	if respHdr.DataLength > 0 {
		respBody = make([]byte, respHdr.DataLength)
		if _, err := readFull(conn, respBody); err != nil {
			return proto.Header{}, nil, err
		}
	}
	return respHdr, respBody, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Listen opens the TCP listen socket and registers it with the event loop.
func (s *Server) Listen() error {
	lsnr, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	tl, ok := lsnr.(*net.TCPListener)
	if !ok {
		return sderr.Wrapf(sderr.InvalidParams, "server: listener is not TCP")
	}
	f, err := tl.File()
	if err != nil {
		return err
	}
	s.listenFD = int(f.Fd())
	if err := unix.SetNonblock(s.listenFD, true); err != nil {
		return err
	}
	return s.loop.Register(s.listenFD, unix.EPOLLIN, s.onListenReadable, nil)
}

func (s *Server) onListenReadable(fd int, events uint32, _ interface{}) {
	for {
		nfd, sa, err := unix.Accept(fd)
		if err != nil {
			return
		}
		_ = unix.SetNonblock(nfd, true)
		remote := remoteString(sa)
		conn := proto.NewConn(nfd, remote, s)
		s.conns[nfd] = conn
		if err := s.loop.Register(nfd, unix.EPOLLIN, s.onConnEvent, conn); err != nil {
			sdlog.Warningf("server: register conn %s: %v", remote, err)
			_ = conn.Close()
			delete(s.conns, nfd)
		}
	}
}

func remoteString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(v.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(v.Addr[:]).String()
	default:
		return "unknown"
	}
}

func (s *Server) onConnEvent(fd int, events uint32, userData interface{}) {
	conn, _ := userData.(*proto.Conn)
	if conn == nil {
		return
	}
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if err := conn.OnReadable(); err != nil {
			s.closeConn(conn)
			return
		}
	}
	if events&unix.EPOLLOUT != 0 || conn.HasPendingWrites() {
		if err := conn.OnWritable(); err != nil {
			s.closeConn(conn)
			return
		}
	}
	s.syncWriteInterest(conn)
}

func (s *Server) syncWriteInterest(conn *proto.Conn) {
	events := uint32(unix.EPOLLIN)
	if conn.HasPendingWrites() {
		events |= unix.EPOLLOUT
	}
	_ = s.loop.Modify(conn.Fd, events)
}

func (s *Server) closeConn(conn *proto.Conn) {
	_ = conn.Close()
	s.loop.Unregister(conn.Fd)
	delete(s.conns, conn.Fd)
}

// Prepare registers every queue's eventfd, the signal fd, and starts the
// cluster state machine (replaying the epoch log or entering
// WAIT_FOR_FORMAT). Call it before Format/Join/Serve.
func (s *Server) Prepare() error {
	for name, q := range s.queues {
		name, q := name, q
		if err := s.loop.Register(q.EventFD(), unix.EPOLLIN, func(int, uint32, interface{}) { q.Drain() }, nil); err != nil {
			return sderr.Wrapf(sderr.SystemError, "server: register queue %s eventfd: %v", name, err)
		}
	}
	if err := s.loop.Register(s.loop.SignalFD(), unix.EPOLLIN, s.onSignal, nil); err != nil {
		return err
	}
	return s.sm.Start()
}

// Format bootstraps a fresh cluster at epoch 1, spec §4.8 "Formatting".
// Only meaningful while the node is in WAIT_FOR_FORMAT; callers reach this
// from a one-shot CLI bootstrap flag rather than a wire opcode, since
// formatting a cluster is a process-lifecycle action, not a per-request one.
func (s *Server) Format(ctime uint64, copies int) error {
	return s.sm.Format(ctime, copies)
}

// Join broadcasts this node's intent to join an already-formatted cluster,
// spec §4.8 "Join". Like Format, reached via a CLI bootstrap flag.
func (s *Server) Join() error {
	return s.sm.RequestJoin()
}

// Serve blocks in the event loop until Stop is called (spec §5 "the loop
// thread is the only thread that touches connection/request state"). Call
// Prepare (and, if bootstrapping, Format/Join) first.
func (s *Server) Serve() error {
	return s.loop.Run()
}

// Run is the common case: Prepare then Serve, with no bootstrap action.
// Nodes joining an already-formatted cluster via the CLI's -join flag, or
// formatting a fresh one via -format, call Prepare/Format/Join/Serve
// directly instead.
func (s *Server) Run() error {
	if err := s.Prepare(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) onSignal(int, uint32, interface{}) {
	sdlog.Infof("server: shutdown signal received")
	s.loop.Stop()
}

// Stop tears every component down in reverse dependency order.
func (s *Server) Stop() {
	for _, q := range s.queues {
		q.Stop()
	}
	s.pool.Close()
	_ = s.vdiIdx.Close()
	s.store.Close()
	_ = s.loop.Close()
}

func (s *Server) NextCorrelationID() string {
	id, err := s.idGen.Generate()
	if err != nil {
		return ""
	}
	return id
}
