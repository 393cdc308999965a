// Package cluster implements the membership/epoch state machine of spec
// §4.8, driven through the Driver seam of spec §6: the only integration
// point to a real group-communication bus (corosync/zookeeper/accord in the
// original system). Grounded on the teacher's "explicit capability
// interface, no dynamic plugin loading" pattern (aistore's xreg.Renewable
// registry is the same shape: a small interface implemented by each
// concrete backend, selected at startup).
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package cluster

import "github.com/sheepd/sheepd/ring"

// MsgKind distinguishes the three totally-ordered message types the driver
// delivers (spec §4.8).
type MsgKind uint8

const (
	MsgJoin MsgKind = iota
	MsgLeave
	MsgVdiOp
)

// JoinPayload is carried in a MsgJoin message.
type JoinPayload struct {
	Node           ring.Node
	LatestEpoch    uint32
	Ctime          uint64
}

// LeavePayload is carried in a MsgLeave message.
type LeavePayload struct {
	Node ring.Node
}

// VdiOpPayload is carried in a MsgVdiOp message. StateMachine acts on Op
// "format"; any other Op is only passed to the WithVdiHandler hook.
type VdiOpPayload struct {
	Op      string
	Name    string
	Ctime   uint64
	Copies  int
	Payload []byte
}

// Msg is one totally-ordered message as delivered by the driver.
type Msg struct {
	Kind MsgKind
	Join *JoinPayload
	Leave *LeavePayload
	VdiOp *VdiOpPayload
}

// DeliverFunc receives one totally-ordered message from sender.
type DeliverFunc func(sender ring.NodeID, msg Msg)

// ConfChangeFunc fires on a membership view change, reporting the nodes that
// joined, left, and the resulting member set.
type ConfChangeFunc func(joined, left, members []ring.Node)

// Driver is the only seam to the group-communication bus (spec §6). The
// only implementation in this repository is the in-memory MemDriver, which
// cmd/sheep constructs directly; there is no driver registry and no dynamic
// plugin loading.
type Driver interface {
	// Register installs the callbacks invoked for delivered messages and
	// configuration changes. deliver_cb and confchg_cb must be invoked in
	// delivery order, consistent per the bus's own ordering guarantee.
	Register(deliver DeliverFunc, confchg ConfChangeFunc) error

	// Broadcast totally-orders msg against every other broadcast in the
	// cluster and eventually delivers it to every member's deliver_cb,
	// including the sender's own.
	Broadcast(msg Msg) error

	// Join announces self to the bus; the driver is responsible for
	// bringing a new member into the totally-ordered delivery stream, not
	// for cluster-level join semantics (those live in StateMachine).
	Join(self ring.Node) error

	// Leave announces a clean departure.
	Leave() error
}
