package cluster

import (
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sheepd/sheepd/epoch"
	"github.com/sheepd/sheepd/metrics"
	"github.com/sheepd/sheepd/ring"
	"github.com/sheepd/sheepd/sderr"
	"github.com/sheepd/sheepd/sdlog"
)

// NodeState is this node's lifecycle state (spec §3 "Lifecycle" /
// §4.8 "States per local node").
type NodeState int

const (
	WaitForFormat NodeState = iota
	WaitForJoin
	Joining
	Serving
	Halted
	ShuttingDown
	Killed
)

func (s NodeState) String() string {
	return [...]string{
		"wait-for-format", "wait-for-join", "joining", "serving",
		"halted", "shutting-down", "killed",
	}[s]
}

// RecoveryTrigger is called once a new epoch has been durably appended and
// the in-memory ring advanced, so the caller can start the recovery engine
// (spec §4.9 trigger: epoch change).
type RecoveryTrigger func(oldRing, newRing []ring.Vnode, oldEpoch, newEpoch uint32)

// StateMachine is the cluster control-plane state described in spec §4.8.
// It runs entirely on the event-loop thread (spec §5): Driver callbacks are
// dispatched there, and every field below is only ever touched from that
// thread except through the atomic ring/epoch snapshot workers read.
type StateMachine struct {
	self   ring.Node
	copies int
	driver Driver
	log    *epoch.Log

	mu      sync.Mutex
	state   NodeState
	ctime   uint64
	members []ring.Node

	curEpoch atomic.Uint32
	curRing  atomic.Pointer[[]ring.Vnode]

	OnRecovery RecoveryTrigger
	vdiHandler vdiOpObserver
}

func New(self ring.Node, copies int, driver Driver, log *epoch.Log) *StateMachine {
	sm := &StateMachine{self: self, copies: copies, driver: driver, log: log, state: WaitForFormat}
	empty := []ring.Vnode{}
	sm.curRing.Store(&empty)
	return sm
}

// Start registers with the driver and replays any existing epoch log,
// entering WAIT_FOR_FORMAT if none exists or rejoining at the last known
// epoch otherwise.
func (sm *StateMachine) Start() error {
	if err := sm.driver.Register(sm.onDeliver, sm.onConfChange); err != nil {
		return errors.Wrap(err, "cluster: register driver")
	}

	ctime, formatted, err := sm.log.GetCtime()
	if err != nil {
		return err
	}
	latest, err := sm.log.Latest()
	if err != nil {
		return err
	}

	sm.mu.Lock()
	sm.ctime = ctime
	sm.mu.Unlock()

	if !formatted || latest == 0 {
		sm.setState(WaitForFormat)
	} else {
		nodes, err := sm.log.Read(latest)
		if err != nil {
			return err
		}
		sm.mu.Lock()
		sm.members = nodes
		sm.mu.Unlock()
		sm.curEpoch.Store(latest)
		sm.swapRing(nodes)
		sm.setState(WaitForJoin)
	}

	return sm.driver.Join(sm.self)
}

func (sm *StateMachine) setState(s NodeState) {
	sm.mu.Lock()
	sm.state = s
	sm.mu.Unlock()
}

// State returns the current lifecycle state, safe from any goroutine (spec
// §7: "the main loop checks status alongside nr_outstanding_reqs").
func (sm *StateMachine) State() NodeState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Epoch returns the current in-memory epoch. Safe for concurrent readers
// (spec §5 "pointer swapped atomically").
func (sm *StateMachine) Epoch() uint32 { return sm.curEpoch.Load() }

// Ring returns a snapshot of the current placement ring. Safe for
// concurrent readers; workers take no lock beyond this atomic load
// (spec §5).
func (sm *StateMachine) Ring() []ring.Vnode { return *sm.curRing.Load() }

func (sm *StateMachine) swapRing(nodes []ring.Node) {
	r := ring.BuildRing(nodes)
	sm.curRing.Store(&r)
}

// Master is the lowest-ranked live node by (addr, port), spec §4.8.
func (sm *StateMachine) Master() ring.NodeID {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if len(sm.members) == 0 {
		return sm.self.ID
	}
	best := sm.members[0].ID
	for _, m := range sm.members[1:] {
		if m.ID.Cmp(best) < 0 {
			best = m.ID
		}
	}
	return best
}

func (sm *StateMachine) IsMaster() bool { return sm.Master().Cmp(sm.self.ID) == 0 }

// Format transitions WAIT_FOR_FORMAT -> SERVING at epoch 1, broadcasting a
// VDI-OP("format") so every observer applies it in the same total order
// (spec §4.8 "Formatting").
func (sm *StateMachine) Format(ctime uint64, copies int) error {
	if sm.State() != WaitForFormat {
		return sderr.Wrapf(sderr.InvalidParams, "cluster: format called outside wait-for-format")
	}
	sm.copies = copies
	return sm.driver.Broadcast(Msg{Kind: MsgVdiOp, VdiOp: &VdiOpPayload{Op: "format", Ctime: ctime, Copies: copies}})
}

// RequestJoin broadcasts this node's join intent; acceptance arrives back
// through onDeliver/onConfChange like any other member's view.
func (sm *StateMachine) RequestJoin() error {
	ctime, _, err := sm.log.GetCtime()
	if err != nil {
		return err
	}
	latest, err := sm.log.Latest()
	if err != nil {
		return err
	}
	return sm.driver.Broadcast(Msg{Kind: MsgJoin, Join: &JoinPayload{Node: sm.self, LatestEpoch: latest, Ctime: ctime}})
}

// onDeliver handles one totally-ordered message (spec §4.8). Every member
// (master included) validates join/format preconditions against its own
// state and applies the resulting epoch bump identically, since the
// message itself — not a master-only decision — is what's totally
// ordered.
func (sm *StateMachine) onDeliver(sender ring.NodeID, msg Msg) {
	switch msg.Kind {
	case MsgVdiOp:
		if msg.VdiOp.Op == "format" {
			sm.applyFormat(msg.VdiOp.Ctime, msg.VdiOp.Copies)
		}
		// other VDI-OPs are passed to the hook installed via WithVdiHandler,
		// if any; the state machine itself acts only on "format".
		if sm.vdiHandler != nil {
			sm.vdiHandler(sender, msg.VdiOp)
		}
	case MsgJoin:
		sm.applyJoin(*msg.Join)
	case MsgLeave:
		sm.applyLeave(*msg.Leave)
	}
}

// onConfChange handles departures reported directly by the driver's
// membership view, with no corresponding MsgLeave broadcast (spec §4.8:
// a bus that only exposes confchg still must feed applyLeave so every
// epoch bump goes through the log-then-pointer sequence of invariant 3).
// Joins are intentionally ignored here: they already flow through
// RequestJoin's MsgJoin broadcast and applyJoin, so handling them again
// from confchg would double-bump the epoch.
func (sm *StateMachine) onConfChange(joined, left, members []ring.Node) {
	for _, n := range left {
		sm.applyLeave(LeavePayload{Node: n})
	}
}

func (sm *StateMachine) applyFormat(ctime uint64, copies int) {
	sm.mu.Lock()
	if sm.state != WaitForFormat {
		sm.mu.Unlock()
		return
	}
	sm.ctime = ctime
	sm.copies = copies
	sm.members = []ring.Node{sm.self}
	sm.mu.Unlock()

	if err := sm.log.SetCtime(ctime); err != nil {
		sdlog.Errorf("cluster: persist ctime: %v", err)
		return
	}
	sm.bumpEpoch([]ring.Node{sm.self}, 1)
	sm.setState(Serving)
}

func (sm *StateMachine) applyJoin(j JoinPayload) {
	sm.mu.Lock()
	localCtime := sm.ctime
	curMembers := append([]ring.Node(nil), sm.members...)
	sm.mu.Unlock()

	if sm.State() == WaitForFormat {
		return // not formatted: this node ignores the join
	}
	if j.Ctime != localCtime {
		sdlog.Warningf("cluster: rejecting join from %v: invalid-ctime", j.Node.ID)
		return
	}
	curEpoch := sm.Epoch()
	if j.LatestEpoch > curEpoch {
		sdlog.Warningf("cluster: rejecting join from %v: new-node-ver (joiner epoch %d > cluster %d)", j.Node.ID, j.LatestEpoch, curEpoch)
		return
	}

	for _, m := range curMembers {
		if m.ID.Cmp(j.Node.ID) == 0 {
			return // already a member, idempotent redelivery
		}
	}
	newMembers := append(curMembers, j.Node)
	sm.bumpEpoch(newMembers, curEpoch+1)
	if sm.State() == WaitForJoin || sm.State() == Joining {
		sm.setState(Serving)
	}
}

func (sm *StateMachine) applyLeave(l LeavePayload) {
	sm.mu.Lock()
	curMembers := append([]ring.Node(nil), sm.members...)
	sm.mu.Unlock()

	kept := curMembers[:0:0]
	for _, m := range curMembers {
		if m.ID.Cmp(l.Node.ID) != 0 {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(curMembers) {
		return // unknown node, ignore
	}
	sm.bumpEpoch(kept, sm.Epoch()+1)
}

// bumpEpoch appends the new snapshot to the epoch log *before* advancing
// the in-memory pointer (spec §3 invariant 3 / §4.8 "every member appends
// ... before advancing"), then triggers recovery and checks the quorum
// rule.
func (sm *StateMachine) bumpEpoch(members []ring.Node, newEpoch uint32) {
	if err := sm.log.Append(newEpoch, members); err != nil {
		sdlog.Errorf("cluster: append epoch %d: %v", newEpoch, err)
		return
	}

	oldRing := sm.Ring()
	oldEpoch := sm.Epoch()

	sm.mu.Lock()
	sm.members = members
	sm.mu.Unlock()
	sm.swapRing(members)
	sm.curEpoch.Store(newEpoch)
	metrics.ClusterEpoch.Set(float64(newEpoch))

	if sm.quorumShort() {
		sm.setState(Halted)
	} else if sm.State() == Halted {
		sm.setState(Serving)
	}

	if sm.OnRecovery != nil {
		sm.OnRecovery(oldRing, sm.Ring(), oldEpoch, newEpoch)
	}
}

// quorumShort implements spec §4.8 "Quorum / halt": below N live members or
// live zones, new writes halt.
func (sm *StateMachine) quorumShort() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if len(sm.members) < sm.copies {
		return true
	}
	zones := map[uint32]bool{}
	for _, m := range sm.members {
		zones[m.Zone] = true
	}
	return len(zones) < sm.copies
}

// vdiOpObserver is the optional hook WithVdiHandler installs to observe
// VDI-OP delivery without cluster importing the package that handles them.
type vdiOpObserver func(sender ring.NodeID, payload *VdiOpPayload)

func (sm *StateMachine) WithVdiHandler(h vdiOpObserver) { sm.vdiHandler = h }

// DebugSnapshot renders the current membership/epoch view as JSON for the
// STAT_CLUSTER opcode and operator tooling, using json-iterator the way the
// teacher's CLI layer does for its own status output.
func (sm *StateMachine) DebugSnapshot() ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	type snap struct {
		State   string      `json:"state"`
		Epoch   uint32      `json:"epoch"`
		Ctime   uint64      `json:"ctime"`
		Copies  int         `json:"copies"`
		Members []ring.Node `json:"members"`
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(snap{
		State:   sm.state.String(),
		Epoch:   sm.curEpoch.Load(),
		Ctime:   sm.ctime,
		Copies:  sm.copies,
		Members: sm.members,
	})
}
