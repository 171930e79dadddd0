// Package lock implements the distributed lock manager (spec §4.3) as
// a Raft state machine: the lock table and wait queue only change in
// response to committed acquire/release commands, so every node that
// applies the same log ends up with the same table. The wait-for
// graph used for deadlock detection is derived from that table on
// demand and is never itself persisted or replicated.
package lock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuemby/syncd/pkg/errs"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/raft"
	"github.com/cuemby/syncd/pkg/types"
)

type opKind string

const (
	opAcquire opKind = "acquire"
	opRelease opKind = "release"
)

// command is the Raft log payload for a lock table mutation.
type command struct {
	Op   opKind         `json:"op"`
	Name string         `json:"name"`
	Node types.NodeID   `json:"node"`
	Type types.LockType `json:"type,omitempty"`
}

type applyResult struct {
	granted bool
	err     error
}

type waiterKey struct {
	name string
	node types.NodeID
}

// Engine is the subset of *raft.Raft the lock manager needs to submit
// commands. A narrow interface keeps this package testable without a
// live Raft cluster.
type Engine interface {
	Start(command []byte) (index int, term int, err error)
	IsLeader() bool
	Leader() types.NodeID
}

// Manager is the lock table state machine. It implements
// raft.StateMachine so it can be handed directly to raft.Config.Apply.
type Manager struct {
	mu      sync.Mutex
	table   map[string]*types.LockRecord
	waiters map[waiterKey]int // waiterKey -> log index awaiting delivery

	pendMu  sync.Mutex
	pending map[int]chan applyResult

	engine Engine
}

// New constructs an empty lock manager. Attach must be called with
// the Raft engine before Acquire/Release are used.
func New() *Manager {
	return &Manager{
		table:   map[string]*types.LockRecord{},
		waiters: map[waiterKey]int{},
		pending: map[int]chan applyResult{},
	}
}

// Attach wires the Raft engine used to submit commands. Split from
// New because the engine's Config.Apply must reference this Manager,
// creating a construction cycle that an explicit two-step avoids.
func (m *Manager) Attach(engine Engine) {
	m.engine = engine
}

// Acquire submits an acquire command and blocks until it is either
// granted, aborted (deadlock), or ctx is cancelled. Spec §4.3: callers
// must be directed to the current leader before calling this; a
// non-leader Start returns a TRANSIENT error immediately.
func (m *Manager) Acquire(ctx context.Context, name string, node types.NodeID, typ types.LockType) error {
	data, err := json.Marshal(command{Op: opAcquire, Name: name, Node: node, Type: typ})
	if err != nil {
		return errs.Wrap(errs.Unknown, err)
	}
	index, _, err := m.engine.Start(data)
	if err != nil {
		return err
	}
	return m.await(ctx, index)
}

// Release submits a release command and blocks until it is applied.
func (m *Manager) Release(ctx context.Context, name string, node types.NodeID) error {
	data, err := json.Marshal(command{Op: opRelease, Name: name, Node: node})
	if err != nil {
		return errs.Wrap(errs.Unknown, err)
	}
	index, _, err := m.engine.Start(data)
	if err != nil {
		return err
	}
	return m.await(ctx, index)
}

func (m *Manager) await(ctx context.Context, index int) error {
	ch := make(chan applyResult, 1)
	m.pendMu.Lock()
	m.pending[index] = ch
	m.pendMu.Unlock()

	select {
	case res := <-ch:
		return res.err
	case <-ctx.Done():
		m.pendMu.Lock()
		delete(m.pending, index)
		m.pendMu.Unlock()
		return ctx.Err()
	}
}

func (m *Manager) deliver(index int, res applyResult) {
	m.pendMu.Lock()
	ch, ok := m.pending[index]
	if ok {
		delete(m.pending, index)
	}
	m.pendMu.Unlock()
	if ok {
		ch <- res
	}
}

// Apply implements raft.StateMachine. It is invoked once per
// committed log entry, in order, on every node.
func (m *Manager) Apply(index int, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.WithComponent("lock").Error().Err(err).Int("index", index).Msg("dropping malformed lock command")
		return
	}

	m.mu.Lock()
	var res applyResult
	switch cmd.Op {
	case opAcquire:
		res = m.applyAcquireLocked(index, cmd.Name, cmd.Node, cmd.Type)
	case opRelease:
		res = m.applyReleaseLocked(cmd.Name, cmd.Node)
	default:
		res = applyResult{err: errs.Newf(errs.InvariantViolation, "unknown lock op %q", cmd.Op)}
	}
	m.mu.Unlock()

	// applyAcquireLocked may choose not to deliver yet (the request is
	// queued); it signals that by returning the errPending sentinel
	// below as the result's err.
	if res.err != errPending {
		m.deliver(index, res)
	}
}

// errPending is a sentinel meaning "don't deliver yet, this request is
// queued and will be resolved by a future release". It is never
// returned to a caller.
var errPending = errs.New(errs.Unknown, "lock request queued")

func recordOrNew(table map[string]*types.LockRecord, name string) *types.LockRecord {
	rec, ok := table[name]
	if !ok {
		rec = &types.LockRecord{Name: name}
		table[name] = rec
	}
	return rec
}

// compatible implements spec §4.3's grant rule: a new holder may join
// only an empty lock, or a SHARED lock with no waiters ahead of it.
// Waiters present block new shared holders to prevent writer starvation.
func compatible(rec *types.LockRecord, typ types.LockType) bool {
	if len(rec.Holders) == 0 {
		return true
	}
	return typ == types.Shared && rec.Type == types.Shared && len(rec.Waiters) == 0
}

func removeNode(nodes []types.NodeID, node types.NodeID) []types.NodeID {
	out := nodes[:0]
	for _, n := range nodes {
		if n != node {
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) applyAcquireLocked(index int, name string, node types.NodeID, typ types.LockType) applyResult {
	rec := recordOrNew(m.table, name)

	alreadyHolder := false
	for _, h := range rec.Holders {
		if h == node {
			alreadyHolder = true
		}
	}
	if alreadyHolder {
		return applyResult{granted: true}
	}

	if compatible(rec, typ) {
		rec.Holders = append(rec.Holders, node)
		rec.Type = typ
		return applyResult{granted: true}
	}

	rec.Waiters = append(rec.Waiters, types.Waiter{Node: node, Type: typ})
	m.waiters[waiterKey{name, node}] = index

	if cycle := m.detectDeadlockLocked(); cycle {
		rec.Waiters = removeWaiter(rec.Waiters, node)
		delete(m.waiters, waiterKey{name, node})
		log.WithLock(name).Warn().Str("node", string(node)).Msg("acquire would deadlock, request aborted")
		return applyResult{granted: false, err: errs.Newf(errs.Conflict, "acquiring %q by %s would deadlock, request aborted", name, node)}
	}

	return applyResult{err: errPending}
}

func removeWaiter(waiters []types.Waiter, node types.NodeID) []types.Waiter {
	out := waiters[:0]
	for _, w := range waiters {
		if w.Node != node {
			out = append(out, w)
		}
	}
	return out
}

func (m *Manager) applyReleaseLocked(name string, node types.NodeID) applyResult {
	rec, ok := m.table[name]
	if !ok {
		return applyResult{err: errs.Newf(errs.NotFound, "lock %q not found", name)}
	}

	before := len(rec.Holders)
	rec.Holders = removeNode(rec.Holders, node)
	if len(rec.Holders) == before {
		return applyResult{err: errs.Newf(errs.InvariantViolation, "%s does not hold lock %q", node, name)}
	}

	if len(rec.Holders) == 0 {
		m.promoteWaitersLocked(rec)
	}
	return applyResult{granted: true}
}

// promoteWaitersLocked grants the lock to the next compatible waiters
// in FIFO order: a single EXCLUSIVE waiter, or a run of leading SHARED
// waiters.
func (m *Manager) promoteWaitersLocked(rec *types.LockRecord) {
	if len(rec.Waiters) == 0 {
		return
	}

	head := rec.Waiters[0]
	var promoted []types.Waiter
	if head.Type == types.Exclusive {
		promoted = rec.Waiters[:1]
	} else {
		i := 0
		for i < len(rec.Waiters) && rec.Waiters[i].Type == types.Shared {
			i++
		}
		promoted = rec.Waiters[:i]
	}

	rec.Waiters = rec.Waiters[len(promoted):]
	rec.Type = head.Type
	for _, w := range promoted {
		rec.Holders = append(rec.Holders, w.Node)
		key := waiterKey{rec.Name, w.Node}
		if idx, ok := m.waiters[key]; ok {
			delete(m.waiters, key)
			m.deliver(idx, applyResult{granted: true})
		}
	}
}

// buildWaitForGraphLocked builds the wait-for graph from the current
// lock table: an edge from a waiter to each current holder of the
// lock it is waiting on. Never stored; always recomputed (spec §9).
func (m *Manager) buildWaitForGraphLocked() map[types.NodeID][]types.NodeID {
	graph := map[types.NodeID][]types.NodeID{}
	for _, rec := range m.table {
		for _, w := range rec.Waiters {
			for _, h := range rec.Holders {
				if h != w.Node {
					graph[w.Node] = append(graph[w.Node], h)
				}
			}
		}
	}
	return graph
}

// WaitForGraph returns a snapshot of the derived wait-for graph, for
// the GET /locks operator surface (spec §6.1).
func (m *Manager) WaitForGraph() map[types.NodeID][]types.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	graph := m.buildWaitForGraphLocked()
	out := make(map[types.NodeID][]types.NodeID, len(graph))
	for k, v := range graph {
		out[k] = append([]types.NodeID(nil), v...)
	}
	return out
}

// detectDeadlockLocked runs a three-color DFS over the current
// wait-for graph.
func (m *Manager) detectDeadlockLocked() bool {
	graph := m.buildWaitForGraphLocked()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[types.NodeID]int{}

	var visit func(types.NodeID) bool
	visit = func(n types.NodeID) bool {
		color[n] = gray
		for _, next := range graph[n] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	for n := range graph {
		if color[n] == white {
			if visit(n) {
				return true
			}
		}
	}
	return false
}

// IsLeader reports whether this node's Raft engine currently believes
// itself the leader (spec §4.3: the leader-only mutating path).
func (m *Manager) IsLeader() bool {
	return m.engine.IsLeader()
}

// LeaderHint returns the last known leader id, possibly empty, for
// error messages and the GET /locks operator surface.
func (m *Manager) LeaderHint() types.NodeID {
	return m.engine.Leader()
}

// Status returns a snapshot of one lock's record. Reads are served
// from local state, never routed through Raft (spec §4.2 Failure
// semantics).
func (m *Manager) Status(name string) (types.LockRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.table[name]
	if !ok {
		return types.LockRecord{}, false
	}
	return cloneRecord(rec), true
}

// List returns a snapshot of every known lock record.
func (m *Manager) List() []types.LockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.LockRecord, 0, len(m.table))
	for _, rec := range m.table {
		out = append(out, cloneRecord(rec))
	}
	return out
}

func cloneRecord(rec *types.LockRecord) types.LockRecord {
	holders := append([]types.NodeID(nil), rec.Holders...)
	waiters := append([]types.Waiter(nil), rec.Waiters...)
	return types.LockRecord{Name: rec.Name, Type: rec.Type, Holders: holders, Waiters: waiters}
}
