package gateway

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"

	"github.com/sheepd/sheepd/proto"
	"github.com/sheepd/sheepd/ring"
	"github.com/sheepd/sheepd/sderr"
)

// fakeStore is an in-memory LocalOwner standing in for store.Store.
type fakeStore struct {
	mu   sync.Mutex
	objs map[uint64][]byte
	fail bool
}

func newFakeStore() *fakeStore { return &fakeStore{objs: map[uint64][]byte{}} }

func (s *fakeStore) WriteObj(oid uint64, offset int64, data []byte, epoch uint32, create bool) error {
	if s.fail {
		return sderr.Wrapf(sderr.EIO, "fake store failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[oid] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) ReadObj(oid uint64, offset int64, n int, epoch uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objs[oid]
	if !ok {
		return nil, sderr.Wrapf(sderr.NoObj, "fake store: no object %x", oid)
	}
	return data, nil
}

func (s *fakeStore) Exists(oid uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objs[oid]
	return ok
}

func (s *fakeStore) RemoveObj(oid uint64, epoch uint32) error {
	if s.fail {
		return sderr.Wrapf(sderr.EIO, "fake store failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[oid]; !ok {
		return sderr.Wrapf(sderr.NoObj, "fake store: no object %x", oid)
	}
	delete(s.objs, oid)
	return nil
}

// fakeRingView pins a fixed two-node ring (self + one remote, distinct
// zones) so Owners always selects both regardless of which oid is hashed.
type fakeRingView struct {
	self  ring.NodeID
	ring  []ring.Vnode
	epoch uint32
}

func (v *fakeRingView) Ring() []ring.Vnode { return v.ring }
func (v *fakeRingView) Epoch() uint32      { return v.epoch }
func (v *fakeRingView) Self() ring.NodeID  { return v.self }

// fakePeer is a minimal TCP listener speaking just enough of the wire
// protocol to stand in for a remote sheep during gateway fan-out tests.
type fakePeer struct {
	ln       net.Listener
	received chan []byte
	respCode sderr.Code
	respBody []byte
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &fakePeer{ln: ln, received: make(chan []byte, 4)}
	go p.serve()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *fakePeer) addrPort() (net.IP, uint16) {
	addr := p.ln.Addr().(*net.TCPAddr)
	return addr.IP, uint16(addr.Port)
}

func (p *fakePeer) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *fakePeer) handle(conn net.Conn) {
	defer conn.Close()
	var hdrBuf [proto.HeaderSize]byte
	for {
		if _, err := readFull(conn, hdrBuf[:]); err != nil {
			return
		}
		hdr, err := proto.UnmarshalHeader(hdrBuf[:])
		if err != nil {
			return
		}
		body := make([]byte, hdr.DataLength)
		if hdr.DataLength > 0 {
			if _, err := readFull(conn, body); err != nil {
				return
			}
		}
		p.received <- body

		resp := proto.Header{Code: uint8(p.respCode), ID: hdr.ID, DataLength: uint32(len(p.respBody))}
		if _, err := conn.Write(append(resp.Marshal(), p.respBody...)); err != nil {
			return
		}
	}
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

func buildTwoNodeView(self ring.NodeID, remote ring.NodeID) []ring.Vnode {
	return []ring.Vnode{
		{Hash: 0, Owner: self, Zone: 1},
		{Hash: 1 << 62, Owner: remote, Zone: 2},
	}
}

func TestGatewayWriteFansOutToLocalAndRemote(t *testing.T) {
	peer := newFakePeer(t)
	peer.respCode = sderr.Success

	ip, port := peer.addrPort()
	remoteID := ring.NewNodeID(ip, port)
	selfID := ring.NewNodeID(net.ParseIP("127.0.0.1"), 1)

	local := newFakeStore()
	view := &fakeRingView{self: selfID, ring: buildTwoNodeView(selfID, remoteID), epoch: 1}
	pool := NewPool()
	t.Cleanup(pool.Close)
	gw := New(view, local, pool)

	data := []byte("hello-sheepd")
	if err := gw.Write(context.Background(), 0x42, 0, data, 2, true); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(local.objs[0x42], data) {
		t.Fatalf("expected local store to receive the write, got %q", local.objs[0x42])
	}
	select {
	case got := <-peer.received:
		if !bytes.Equal(got, data) {
			t.Fatalf("remote peer received %q, want %q", got, data)
		}
	default:
		t.Fatal("expected the remote peer to receive a forwarded write")
	}
}

func TestGatewayWriteHaltsByDefaultOnPartialFailure(t *testing.T) {
	peer := newFakePeer(t)
	peer.respCode = sderr.EIO // remote always reports failure

	ip, port := peer.addrPort()
	remoteID := ring.NewNodeID(ip, port)
	selfID := ring.NewNodeID(net.ParseIP("127.0.0.1"), 1)

	local := newFakeStore()
	view := &fakeRingView{self: selfID, ring: buildTwoNodeView(selfID, remoteID), epoch: 1}
	pool := NewPool()
	t.Cleanup(pool.Close)
	gw := New(view, local, pool)

	err := gw.Write(context.Background(), 0x43, 0, []byte("x"), 2, true)
	if sderr.CodeOf(err) != sderr.Halt {
		t.Fatalf("expected Halt on partial failure under default durability, got %v", err)
	}
}

func TestGatewayWriteDegradedSurvivesPartialFailure(t *testing.T) {
	peer := newFakePeer(t)
	peer.respCode = sderr.EIO

	ip, port := peer.addrPort()
	remoteID := ring.NewNodeID(ip, port)
	selfID := ring.NewNodeID(net.ParseIP("127.0.0.1"), 1)

	local := newFakeStore()
	view := &fakeRingView{self: selfID, ring: buildTwoNodeView(selfID, remoteID), epoch: 1}
	pool := NewPool()
	t.Cleanup(pool.Close)
	gw := New(view, local, pool)
	gw.Durability = DurabilityDegraded

	if err := gw.Write(context.Background(), 0x44, 0, []byte("x"), 2, true); err != nil {
		t.Fatalf("expected degraded durability to tolerate one failed replica, got %v", err)
	}
	if !local.Exists(0x44) {
		t.Fatal("expected the surviving local replica to have the write")
	}
}

func TestGatewayReadFallsBackToNextOwnerOnFailure(t *testing.T) {
	peer := newFakePeer(t)
	peer.respCode = sderr.Success
	peer.respBody = []byte("from-remote")

	ip, port := peer.addrPort()
	remoteID := ring.NewNodeID(ip, port)
	selfID := ring.NewNodeID(net.ParseIP("127.0.0.1"), 1)

	local := newFakeStore() // empty: local read will fail with NoObj
	view := &fakeRingView{self: selfID, ring: buildTwoNodeView(selfID, remoteID), epoch: 1}
	pool := NewPool()
	t.Cleanup(pool.Close)
	gw := New(view, local, pool)

	data, err := gw.Read(context.Background(), 0x45, 0, 16, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("from-remote")) {
		t.Fatalf("expected fallback read from remote, got %q", data)
	}
}

func TestGatewayRemoveFansOutToLocalAndRemote(t *testing.T) {
	peer := newFakePeer(t)
	peer.respCode = sderr.Success

	ip, port := peer.addrPort()
	remoteID := ring.NewNodeID(ip, port)
	selfID := ring.NewNodeID(net.ParseIP("127.0.0.1"), 1)

	local := newFakeStore()
	local.objs[0x47] = []byte("bye")
	view := &fakeRingView{self: selfID, ring: buildTwoNodeView(selfID, remoteID), epoch: 1}
	pool := NewPool()
	t.Cleanup(pool.Close)
	gw := New(view, local, pool)

	if err := gw.Remove(context.Background(), 0x47, 2); err != nil {
		t.Fatal(err)
	}
	if local.Exists(0x47) {
		t.Fatal("expected local copy to be removed")
	}
	select {
	case <-peer.received:
	default:
		t.Fatal("expected the remote peer to receive a forwarded remove")
	}
}

func TestGatewayRemoveHaltsByDefaultOnPartialFailure(t *testing.T) {
	peer := newFakePeer(t)
	peer.respCode = sderr.EIO

	ip, port := peer.addrPort()
	remoteID := ring.NewNodeID(ip, port)
	selfID := ring.NewNodeID(net.ParseIP("127.0.0.1"), 1)

	local := newFakeStore()
	local.objs[0x48] = []byte("bye")
	view := &fakeRingView{self: selfID, ring: buildTwoNodeView(selfID, remoteID), epoch: 1}
	pool := NewPool()
	t.Cleanup(pool.Close)
	gw := New(view, local, pool)

	err := gw.Remove(context.Background(), 0x48, 2)
	if sderr.CodeOf(err) != sderr.Halt {
		t.Fatalf("expected Halt on partial failure under default durability, got %v", err)
	}
}

func TestGatewayReadReturnsLastErrorWhenAllOwnersFail(t *testing.T) {
	peer := newFakePeer(t)
	peer.respCode = sderr.NoObj

	ip, port := peer.addrPort()
	remoteID := ring.NewNodeID(ip, port)
	selfID := ring.NewNodeID(net.ParseIP("127.0.0.1"), 1)

	local := newFakeStore()
	view := &fakeRingView{self: selfID, ring: buildTwoNodeView(selfID, remoteID), epoch: 1}
	pool := NewPool()
	t.Cleanup(pool.Close)
	gw := New(view, local, pool)

	_, err := gw.Read(context.Background(), 0x46, 0, 16, 2)
	if sderr.CodeOf(err) != sderr.NoObj {
		t.Fatalf("expected NoObj when every owner fails, got %v", err)
	}
}
