package cluster

import (
	"sync"

	"github.com/sheepd/sheepd/ring"
)

// MemHub is the shared, totally-ordered broadcast bus backing a set of
// MemDriver instances in the same process. Used by tests and the
// in-process harness (spec §8 end-to-end scenarios); a real deployment
// swaps this for a corosync/zookeeper/accord adapter behind the same
// Driver interface.
type MemHub struct {
	mu      sync.Mutex
	members []*MemDriver
}

func NewMemHub() *MemHub { return &MemHub{} }

// MemDriver is an in-memory reference Driver implementation. A broadcast
// snapshots the member list under the hub's mutex and then delivers
// synchronously, outside the mutex, to every member in join order. Broadcasts
// issued one after another are delivered in that order; concurrent
// broadcasts from different goroutines are not ordered against each other.
type MemDriver struct {
	hub     *MemHub
	self    ring.Node
	deliver DeliverFunc
	confchg ConfChangeFunc
}

func NewMemDriver(hub *MemHub) *MemDriver {
	return &MemDriver{hub: hub}
}

func (d *MemDriver) Register(deliver DeliverFunc, confchg ConfChangeFunc) error {
	d.deliver = deliver
	d.confchg = confchg
	return nil
}

func (d *MemDriver) Join(self ring.Node) error {
	d.self = self

	d.hub.mu.Lock()
	joined := []ring.Node{self}
	d.hub.members = append(d.hub.members, d)
	members := make([]ring.Node, 0, len(d.hub.members))
	for _, m := range d.hub.members {
		members = append(members, m.self)
	}
	peers := make([]*MemDriver, len(d.hub.members))
	copy(peers, d.hub.members)
	d.hub.mu.Unlock()

	for _, m := range peers {
		if m.confchg != nil {
			m.confchg(joined, nil, members)
		}
	}
	return nil
}

func (d *MemDriver) Leave() error {
	d.hub.mu.Lock()
	var left []ring.Node
	kept := d.hub.members[:0]
	for _, m := range d.hub.members {
		if m == d {
			left = append(left, m.self)
			continue
		}
		kept = append(kept, m)
	}
	d.hub.members = kept
	members := make([]ring.Node, 0, len(kept))
	peers := make([]*MemDriver, len(kept))
	copy(peers, kept)
	for _, m := range kept {
		members = append(members, m.self)
	}
	d.hub.mu.Unlock()

	for _, m := range peers {
		if m.confchg != nil {
			m.confchg(nil, left, members)
		}
	}
	return nil
}

// Broadcast delivers msg synchronously to every currently-registered member
// including the sender. The hub mutex only guards the member snapshot;
// delivery runs after it is released, so two concurrent Broadcast calls may
// interleave their deliveries.
func (d *MemDriver) Broadcast(msg Msg) error {
	d.hub.mu.Lock()
	peers := make([]*MemDriver, len(d.hub.members))
	copy(peers, d.hub.members)
	d.hub.mu.Unlock()

	for _, m := range peers {
		if m.deliver != nil {
			m.deliver(d.self.ID, msg)
		}
	}
	return nil
}
