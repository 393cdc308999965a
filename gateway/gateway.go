package gateway

import (
	"context"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheepd/sheepd/proto"
	"github.com/sheepd/sheepd/ring"
	"github.com/sheepd/sheepd/sderr"
	"github.com/sheepd/sheepd/sdlog"
	"github.com/sheepd/sheepd/metrics"
)

// LocalOwner is implemented by the node's own store for the "self is one of
// the owners" fast path (spec §4.7 step 2: "for every owner, including
// self if present").
type LocalOwner interface {
	WriteObj(oid uint64, offset int64, data []byte, epoch uint32, create bool) error
	ReadObj(oid uint64, offset int64, n int, epoch uint32) ([]byte, error)
	RemoveObj(oid uint64, epoch uint32) error
	Exists(oid uint64) bool
}

// RingView is how the gateway learns the current placement and epoch,
// backed by cluster.StateMachine in the running server.
type RingView interface {
	Ring() []ring.Vnode
	Epoch() uint32
	Self() ring.NodeID
}

// Durability selects the write-success policy under partial replica
// failure (spec open question, resolved in SPEC_FULL.md §9: configurable,
// "halt" is the safe default).
type Durability int

const (
	DurabilityHalt Durability = iota
	DurabilityDegraded
)

// Gateway turns a client read/write on the entry node into a multi-replica
// operation (spec §4.7).
type Gateway struct {
	View  RingView
	Local LocalOwner
	Pool  *Pool

	Durability Durability
}

func New(view RingView, local LocalOwner, pool *Pool) *Gateway {
	return &Gateway{View: view, Local: local, Pool: pool, Durability: DurabilityHalt}
}

// Write implements spec §4.7 "Write": fan out to every owner, retry once on
// epoch disagreement, require all acks (or, in degraded mode, at least one
// surviving replica) before reporting success.
func (g *Gateway) Write(ctx context.Context, oid uint64, offset int64, data []byte, copies int, create bool) error {
	start := time.Now()
	defer func() { metrics.GatewayFanoutLatency.WithLabelValues("write").Observe(time.Since(start).Seconds()) }()

	retried := false
	for {
		owners, err := ring.OwnerNodes(g.View.Ring(), oid, copies)
		if err != nil {
			return err
		}
		epoch := g.View.Epoch()

		err = g.fanoutWrite(ctx, owners, oid, offset, data, epoch, create)
		if err == nil {
			return nil
		}

		code := sderr.CodeOf(err)
		if (code == sderr.OldNodeVer || code == sderr.NewNodeVer) && !retried {
			retried = true
			sdlog.Warningf("gateway: write oid %x saw %s, refreshing ring and retrying once", oid, code)
			continue
		}
		if (code == sderr.OldNodeVer || code == sderr.NewNodeVer) && retried {
			return sderr.Wrapf(sderr.SystemError, "gateway: persistent epoch disagreement on oid %x", oid)
		}
		return err
	}
}

func (g *Gateway) fanoutWrite(ctx context.Context, owners []ring.NodeID, oid uint64, offset int64, data []byte, epoch uint32, create bool) error {
	g2, ctx := errgroup.WithContext(ctx)
	results := make([]error, len(owners))

	for i, owner := range owners {
		i, owner := i, owner
		g2.Go(func() error {
			if owner.Cmp(g.View.Self()) == 0 {
				results[i] = g.Local.WriteObj(oid, offset, data, epoch, create)
				return nil
			}
			results[i] = g.forwardWrite(ctx, owner, oid, offset, data, epoch, create)
			return nil
		})
	}
	_ = g2.Wait()

	var failures int
	for _, r := range results {
		if r != nil {
			code := sderr.CodeOf(r)
			if code == sderr.OldNodeVer || code == sderr.NewNodeVer {
				return r
			}
			failures++
		}
	}
	if failures == 0 {
		return nil
	}

	// Partial failure: spec §4.7 step 4. Strict policy requires every
	// replica to have succeeded; degraded policy accepts the write as long
	// as at least one replica durably has it, trading redundancy for
	// availability until recovery catches the rest up.
	surviving := len(owners) - failures
	if g.Durability == DurabilityDegraded && surviving > 0 {
		return nil
	}
	return sderr.Wrapf(sderr.Halt, "gateway: write oid %x, %d/%d replicas failed", oid, failures, len(owners))
}

func (g *Gateway) forwardWrite(ctx context.Context, owner ring.NodeID, oid uint64, offset int64, data []byte, epoch uint32, create bool) error {
	conn, err := g.Pool.Get(owner)
	if err != nil {
		return sderr.Wrap(sderr.EIO, err)
	}

	op := proto.OpWriteObj
	if create {
		op = proto.OpCreateAndWriteObj
	}
	hdr := proto.Header{Code: op, Flags: proto.FlagNoRedirect, Epoch: epoch, DataLength: uint32(len(data))}
	hdr.PutOpaqueUint64At(proto.OpaqueOidOff, oid)
	hdr.PutOpaqueUint64At(proto.OpaqueOffOff, uint64(offset))
	hdr.PutOpaqueUint64At(proto.OpaqueLenOff, uint64(len(data)))

	respHdr, _, err := roundTrip(conn, hdr, data)
	if err != nil {
		g.Pool.Discard(conn)
		return sderr.Wrap(sderr.EIO, err)
	}
	g.Pool.Put(owner, conn)

	if respHdr.Code != uint8(sderr.Success) {
		return sderr.Code(respHdr.Code)
	}
	return nil
}

// Remove implements spec §6 REMOVE_OBJ with the same fan-out/durability
// policy as Write: every owner must drop its copy (or, in degraded mode, at
// least one must), so a removed object cannot resurface from a stale
// replica after recovery.
func (g *Gateway) Remove(ctx context.Context, oid uint64, copies int) error {
	owners, err := ring.OwnerNodes(g.View.Ring(), oid, copies)
	if err != nil {
		return err
	}
	epoch := g.View.Epoch()

	g2, ctx := errgroup.WithContext(ctx)
	results := make([]error, len(owners))
	for i, owner := range owners {
		i, owner := i, owner
		g2.Go(func() error {
			if owner.Cmp(g.View.Self()) == 0 {
				results[i] = g.Local.RemoveObj(oid, epoch)
				return nil
			}
			results[i] = g.forwardRemove(ctx, owner, oid, epoch)
			return nil
		})
	}
	_ = g2.Wait()

	var failures int
	for _, r := range results {
		if r != nil {
			failures++
		}
	}
	if failures == 0 {
		return nil
	}
	surviving := len(owners) - failures
	if g.Durability == DurabilityDegraded && surviving > 0 {
		return nil
	}
	return sderr.Wrapf(sderr.Halt, "gateway: remove oid %x, %d/%d replicas failed", oid, failures, len(owners))
}

func (g *Gateway) forwardRemove(ctx context.Context, owner ring.NodeID, oid uint64, epoch uint32) error {
	conn, err := g.Pool.Get(owner)
	if err != nil {
		return sderr.Wrap(sderr.EIO, err)
	}

	hdr := proto.Header{Code: proto.OpRemoveObj, Flags: proto.FlagNoRedirect, Epoch: epoch}
	hdr.PutOpaqueUint64At(proto.OpaqueOidOff, oid)

	respHdr, _, err := roundTrip(conn, hdr, nil)
	if err != nil {
		g.Pool.Discard(conn)
		return sderr.Wrap(sderr.EIO, err)
	}
	g.Pool.Put(owner, conn)

	if respHdr.Code != uint8(sderr.Success) {
		return sderr.Code(respHdr.Code)
	}
	return nil
}

// Read implements spec §4.7 "Read": try owners in ring order, advancing past
// no-obj/transport failures, returning the last error if every owner fails.
func (g *Gateway) Read(ctx context.Context, oid uint64, offset int64, n int, copies int) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.GatewayFanoutLatency.WithLabelValues("read").Observe(time.Since(start).Seconds()) }()

	owners, err := ring.OwnerNodes(g.View.Ring(), oid, copies)
	if err != nil {
		return nil, err
	}
	epoch := g.View.Epoch()

	var lastErr error
	for _, owner := range owners {
		var data []byte
		var err error
		if owner.Cmp(g.View.Self()) == 0 {
			data, err = g.Local.ReadObj(oid, offset, n, epoch)
		} else {
			data, err = g.forwardRead(ctx, owner, oid, offset, n, epoch)
		}
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (g *Gateway) forwardRead(ctx context.Context, owner ring.NodeID, oid uint64, offset int64, n int, epoch uint32) ([]byte, error) {
	conn, err := g.Pool.Get(owner)
	if err != nil {
		return nil, sderr.Wrap(sderr.EIO, err)
	}

	hdr := proto.Header{Code: proto.OpReadObj, Flags: proto.FlagNoRedirect, Epoch: epoch}
	hdr.PutOpaqueUint64At(proto.OpaqueOidOff, oid)
	hdr.PutOpaqueUint64At(proto.OpaqueOffOff, uint64(offset))
	hdr.PutOpaqueUint64At(proto.OpaqueLenOff, uint64(n))

	respHdr, body, err := roundTrip(conn, hdr, nil)
	if err != nil {
		g.Pool.Discard(conn)
		return nil, sderr.Wrap(sderr.EIO, err)
	}
	g.Pool.Put(owner, conn)

	if respHdr.Code != uint8(sderr.Success) {
		return nil, sderr.Code(respHdr.Code)
	}
	return body, nil
}

// roundTrip writes one framed request and reads its framed response,
// synchronously, on a pooled peer connection — the gateway's own worker
// goroutine is allowed to block here (spec §5 "Workers may block on ...
// peer TCP I/O").
func roundTrip(conn net.Conn, hdr proto.Header, body []byte) (proto.Header, []byte, error) {
	hdr.DataLength = uint32(len(body))
	if err := conn.SetDeadline(time.Now().Add(peerReadTimeout)); err != nil {
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
	if _, err := io.ReadFull(conn, respBuf[:]); err != nil {
		return proto.Header{}, nil, err
	}
	respHdr, err := proto.UnmarshalHeader(respBuf[:])
	if err != nil {
		return proto.Header{}, nil, err
	}
	var respBody []byte
	if respHdr.DataLength > 0 {
		respBody = make([]byte, respHdr.DataLength)
		if _, err := io.ReadFull(conn, respBody); err != nil {
			return proto.Header{}, nil, err
		}
	}
	return respHdr, respBody, nil
}
