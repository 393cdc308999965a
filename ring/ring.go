// Package ring implements the consistent-hash placement described in
// spec §4.1, ported directly from the Sheepdog C sources
// (include/sheep.h: nodes_to_vnodes, get_vnode_pos, get_nth_node,
// obj_to_sheeps).
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package ring

import (
	"net"
	"sort"

	"github.com/sheepd/sheepd/sderr"
)

const fnv1aInit uint64 = 0xcbf29ce484222325
const fnv1aPrime uint64 = 0x100000001b3

func fnv1aByte(hval uint64, b byte) uint64 {
	return (hval ^ uint64(b)) * fnv1aPrime
}

func fnv1aBytes(hval uint64, bs []byte) uint64 {
	for _, b := range bs {
		hval = fnv1aByte(hval, b)
	}
	return hval
}

// Fnv1a64 hashes buf from the FNV1A_64_INIT seed, the same primitive used
// both for the oid->ring-position hash and (via vdi.HashName) VDI name
// hashing, matching sheep.h's single fnv_64a_buf routine.
func Fnv1a64(buf []byte) uint64 {
	return fnv1aBytes(fnv1aInit, buf)
}

// NodeID identifies a sheep by address and port, matching sheep.h's
// node_id{addr, port}.
type NodeID struct {
	Addr net.IP // normalized to 16 bytes (To16) at construction
	Port uint16
}

func NewNodeID(addr net.IP, port uint16) NodeID {
	return NodeID{Addr: addr.To16(), Port: port}
}

// Cmp orders two NodeIDs by address bytes then port, mirroring
// sheep.h's node_id_cmp. This is also the tie-break used for vnodes with
// equal hashes and the basis for master election in cluster (lowest-ranked
// live node).
func (a NodeID) Cmp(b NodeID) int {
	c := compareBytes(a.Addr, b.Addr)
	if c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Node is a cluster member: its identity, failure-domain zone, and how many
// vnode slots it claims on the ring (spec §3 "Node identity"). NrVnodes==0
// is a gateway-only node: it participates in placement computation for
// forwarding purposes but owns no ring positions.
type Node struct {
	ID        NodeID
	Zone      uint32
	NrVnodes  int
}

// Vnode is one hashed ring position, spec §3 "Virtual node".
type Vnode struct {
	Hash    uint64
	Owner   NodeID
	Zone    uint32
	NodeIdx uint16 // index of Owner within the canonicalized node slice
}

// BuildRing canonicalizes nodes by (addr, port), then expands each into
// NrVnodes hashed positions by iteratively folding port and the
// reversed address bytes into one running FNV1A-64 accumulator per node —
// exactly nodes_to_vnodes in sheep.h. The result is sorted by hash.
func BuildRing(nodes []Node) []Vnode {
	canon := make([]Node, len(nodes))
	copy(canon, nodes)
	sort.Slice(canon, func(i, j int) bool { return canon[i].ID.Cmp(canon[j].ID) < 0 })

	var vnodes []Vnode
	for idx, n := range canon {
		hval := fnv1aInit
		for i := 0; i < n.NrVnodes; i++ {
			var portBuf [2]byte
			portBuf[0] = byte(n.ID.Port)
			portBuf[1] = byte(n.ID.Port >> 8)
			hval = fnv1aBytes(hval, portBuf[:])
			for j := len(n.ID.Addr) - 1; j >= 0; j-- {
				hval = fnv1aByte(hval, n.ID.Addr[j])
			}
			vnodes = append(vnodes, Vnode{
				Hash:    hval,
				Owner:   n.ID,
				Zone:    n.Zone,
				NodeIdx: uint16(idx),
			})
		}
	}

	sort.Slice(vnodes, func(i, j int) bool {
		if vnodes[i].Hash != vnodes[j].Hash {
			return vnodes[i].Hash < vnodes[j].Hash
		}
		return vnodes[i].Owner.Cmp(vnodes[j].Owner) < 0
	})
	return vnodes
}

// oidHash hashes an object id the way get_vnode_pos does: the 8-byte oid,
// FNV1A-64, with no surrounding structure.
func oidHash(oid uint64) uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(oid >> (8 * i))
	}
	return Fnv1a64(buf[:])
}

// vnodePos is get_vnode_pos: binary search for the ring position owning
// oid's hash, wrapping to the last entry when the hash falls outside the
// ring's covered range.
func vnodePos(vnodes []Vnode, oid uint64) int {
	id := oidHash(oid)
	end := len(vnodes) - 1
	if id > vnodes[end].Hash || id < vnodes[0].Hash {
		return end
	}
	start := 0
	for {
		pos := (end-start)/2 + start
		if vnodes[pos].Hash < id {
			if vnodes[pos+1].Hash >= id {
				return pos
			}
			start = pos
		} else {
			end = pos
		}
	}
}

// ErrInsufficientRedundancy is returned by Owners when the ring cannot
// produce N distinct-zone replicas (spec §4.1 "insufficient-redundancy").
// The caller decides between halt and serve-degraded per cluster policy.
var ErrInsufficientRedundancy = sderr.Wrapf(sderr.NoSpace, "ring: fewer usable zones than requested copies")

// Owners walks the ring clockwise from the object's position selecting N
// distinct nodes, skipping any vnode whose owner node or zone has already
// been chosen — get_nth_node/obj_to_sheeps in sheep.h, collapsed into a
// single forward walk that maintains the running selection instead of
// re-walking from scratch per replica (same result, O(n) instead of O(n^2)).
func Owners(vnodes []Vnode, oid uint64, n int) ([]Vnode, error) {
	if len(vnodes) == 0 || n <= 0 {
		return nil, ErrInsufficientRedundancy
	}
	pos := vnodePos(vnodes, oid)
	base := (pos + 1) % len(vnodes)

	result := make([]Vnode, 0, n)
	idx := base
	for i := 0; i < len(vnodes); i++ {
		cand := vnodes[idx]
		dup := false
		for _, chosen := range result {
			if sameNode(cand, chosen) || sameZone(cand, chosen) {
				dup = true
				break
			}
		}
		if !dup {
			result = append(result, cand)
			if len(result) == n {
				return result, nil
			}
		}
		idx = (idx + 1) % len(vnodes)
		if idx == base {
			break
		}
	}
	return nil, ErrInsufficientRedundancy
}

func sameNode(a, b Vnode) bool { return a.Owner.Cmp(b.Owner) == 0 }

func sameZone(a, b Vnode) bool { return a.Zone != 0 && a.Zone == b.Zone }

// OwnerNodes is a convenience over Owners that returns just the distinct
// physical NodeIDs (a vnode-level result may repeat a physical node only
// when Owners itself permits it, which it never does — Owners always
// returns vnodes from N distinct physical nodes).
func OwnerNodes(vnodes []Vnode, oid uint64, n int) ([]NodeID, error) {
	vs, err := Owners(vnodes, oid, n)
	if err != nil {
		return nil, err
	}
	out := make([]NodeID, len(vs))
	for i, v := range vs {
		out[i] = v.Owner
	}
	return out, nil
}
