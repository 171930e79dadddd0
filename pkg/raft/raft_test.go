package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/syncd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTransport wires a fixed set of Raft engines together in-process,
// routing RequestVote/AppendEntries calls directly to the target's
// handler. A node can be "partitioned" to simulate the failure
// semantics spec §4.2 requires callers to tolerate.
type memTransport struct {
	mu         sync.RWMutex
	engines    map[types.NodeID]*Raft
	partitioned map[types.NodeID]bool
}

func newMemTransport() *memTransport {
	return &memTransport{
		engines:     map[types.NodeID]*Raft{},
		partitioned: map[types.NodeID]bool{},
	}
}

func (t *memTransport) register(id types.NodeID, r *Raft) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engines[id] = r
}

func (t *memTransport) partition(id types.NodeID, cut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitioned[id] = cut
}

func (t *memTransport) blocked(a, b types.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitioned[a] || t.partitioned[b]
}

func (t *memTransport) RequestVote(ctx context.Context, target types.NodeID, args RequestVoteArgs) (RequestVoteReply, error) {
	if t.blocked(args.CandidateID, target) {
		return RequestVoteReply{}, fmt.Errorf("partitioned")
	}
	t.mu.RLock()
	engine := t.engines[target]
	t.mu.RUnlock()
	if engine == nil {
		return RequestVoteReply{}, fmt.Errorf("unknown node %s", target)
	}
	return engine.RequestVote(args), nil
}

func (t *memTransport) AppendEntries(ctx context.Context, target types.NodeID, args AppendEntriesArgs) (AppendEntriesReply, error) {
	if t.blocked(args.LeaderID, target) {
		return AppendEntriesReply{}, fmt.Errorf("partitioned")
	}
	t.mu.RLock()
	engine := t.engines[target]
	t.mu.RUnlock()
	if engine == nil {
		return AppendEntriesReply{}, fmt.Errorf("unknown node %s", target)
	}
	return engine.AppendEntries(args), nil
}

// recordingMachine captures applied commands in order for assertions.
type recordingMachine struct {
	mu      sync.Mutex
	applied []string
}

func (m *recordingMachine) Apply(index int, command []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, string(command))
}

func (m *recordingMachine) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.applied))
	copy(out, m.applied)
	return out
}

func fastTiming() Timing {
	return Timing{
		ElectionMin: 40 * time.Millisecond,
		ElectionMax: 80 * time.Millisecond,
		Heartbeat:   10 * time.Millisecond,
		RPCTimeout:  50 * time.Millisecond,
	}
}

type cluster3 struct {
	transport *memTransport
	engines   map[types.NodeID]*Raft
	machines  map[types.NodeID]*recordingMachine
	nodeIDs   []types.NodeID
}

func newCluster3() *cluster3 {
	nodes := []types.NodeID{"N1", "N2", "N3"}
	transport := newMemTransport()
	c := &cluster3{
		transport: transport,
		engines:   map[types.NodeID]*Raft{},
		machines:  map[types.NodeID]*recordingMachine{},
		nodeIDs:   nodes,
	}
	for _, id := range nodes {
		machine := &recordingMachine{}
		engine := New(Config{
			Cluster:   types.Cluster{Self: id, Nodes: nodes},
			Transport: transport,
			Apply:     machine,
			Timing:    fastTiming(),
		})
		transport.register(id, engine)
		c.engines[id] = engine
		c.machines[id] = machine
	}
	return c
}

func (c *cluster3) start() {
	for _, e := range c.engines {
		e.Run()
	}
}

func (c *cluster3) stop() {
	for _, e := range c.engines {
		e.Stop()
	}
}

func (c *cluster3) awaitLeader(t *testing.T) *Raft {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range c.engines {
			if e.IsLeader() {
				return e
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected in time")
	return nil
}

func TestElectsExactlyOneLeaderPerTerm(t *testing.T) {
	c := newCluster3()
	c.start()
	defer c.stop()

	leader := c.awaitLeader(t)
	term, _, _ := leader.GetState()

	leaderCount := 0
	for _, e := range c.engines {
		et, state, _ := e.GetState()
		if state == Leader {
			leaderCount++
			assert.Equal(t, term, et)
		}
	}
	assert.Equal(t, 1, leaderCount)
}

func TestCommittedCommandAppliedOnAllReachableNodes(t *testing.T) {
	c := newCluster3()
	c.start()
	defer c.stop()

	leader := c.awaitLeader(t)
	_, _, err := leader.Start([]byte("acquire:orders"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allApplied := true
		for _, m := range c.machines {
			if len(m.snapshot()) == 0 {
				allApplied = false
			}
		}
		if allApplied {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for id, m := range c.machines {
		applied := m.snapshot()
		require.Len(t, applied, 1, "node %s should have applied exactly one command", id)
		assert.Equal(t, "acquire:orders", applied[0])
	}
}

func TestFollowerRejectsStaleTerm(t *testing.T) {
	c := newCluster3()
	c.start()
	defer c.stop()

	c.awaitLeader(t)

	var follower types.NodeID
	for id, e := range c.engines {
		if !e.IsLeader() {
			follower = id
			break
		}
	}
	reply := c.engines[follower].AppendEntries(AppendEntriesArgs{Term: -1, LeaderID: "ghost"})
	assert.False(t, reply.Success)
}

func TestNonLeaderStartReturnsTransientError(t *testing.T) {
	c := newCluster3()
	c.start()
	defer c.stop()

	c.awaitLeader(t)
	for _, e := range c.engines {
		if e.IsLeader() {
			continue
		}
		_, _, err := e.Start([]byte("x"))
		assert.Error(t, err)
		return
	}
	t.Fatal("expected at least one follower")
}

// boundaryGrantTransport grants RequestVote only from the nodes listed
// in grant, letting a test pin the exact number of votes a candidate
// receives regardless of real peer behavior.
type boundaryGrantTransport struct {
	grant map[types.NodeID]bool
}

func (t *boundaryGrantTransport) RequestVote(ctx context.Context, target types.NodeID, args RequestVoteArgs) (RequestVoteReply, error) {
	return RequestVoteReply{Term: args.Term, VoteGranted: t.grant[target]}, nil
}

func (t *boundaryGrantTransport) AppendEntries(ctx context.Context, target types.NodeID, args AppendEntriesArgs) (AppendEntriesReply, error) {
	return AppendEntriesReply{Term: args.Term, Success: true}, nil
}

// TestMajorityBoundaryAtEvenClusterSize pins down spec §8's exact
// majority arithmetic on an even-sized cluster: with n=4, a candidate
// holding exactly n/2=2 votes (itself plus one peer) must not become
// leader, but n/2+1=3 must.
func TestMajorityBoundaryAtEvenClusterSize(t *testing.T) {
	nodes := []types.NodeID{"N1", "N2", "N3", "N4"}

	half := &boundaryGrantTransport{grant: map[types.NodeID]bool{"N2": true}}
	r := New(Config{Cluster: types.Cluster{Self: "N1", Nodes: nodes}, Transport: half, Timing: fastTiming()})
	r.startElection()
	_, state, _ := r.GetState()
	assert.NotEqual(t, Leader, state, "2 of 4 votes (n/2) must not elect a leader")

	majority := &boundaryGrantTransport{grant: map[types.NodeID]bool{"N2": true, "N3": true}}
	r2 := New(Config{Cluster: types.Cluster{Self: "N1", Nodes: nodes}, Transport: majority, Timing: fastTiming()})
	r2.startElection()
	_, state2, _ := r2.GetState()
	assert.Equal(t, Leader, state2, "3 of 4 votes (n/2+1) must elect a leader")
}

// TestElectionDeadlineJitterStaysWithinConfiguredRange samples
// resetElectionDeadlineLocked many times and asserts every sampled
// deadline falls within [ElectionMin, ElectionMax) of the time it was
// set, covering both endpoints of the jitter range statistically.
func TestElectionDeadlineJitterStaysWithinConfiguredRange(t *testing.T) {
	timing := Timing{ElectionMin: 50 * time.Millisecond, ElectionMax: 100 * time.Millisecond, Heartbeat: 10 * time.Millisecond, RPCTimeout: 20 * time.Millisecond}
	r := New(Config{Cluster: types.Cluster{Self: "N1", Nodes: []types.NodeID{"N1", "N2", "N3"}}, Timing: timing})

	const samples = 500
	minSeen := timing.ElectionMax
	maxSeen := time.Duration(0)
	for i := 0; i < samples; i++ {
		before := time.Now()
		r.mu.Lock()
		r.resetElectionDeadlineLocked()
		deadline := r.electionDeadline
		r.mu.Unlock()

		delta := deadline.Sub(before)
		require.GreaterOrEqual(t, delta, timing.ElectionMin, "deadline must never fire before ElectionMin")
		require.Less(t, delta, timing.ElectionMax+5*time.Millisecond, "deadline must not exceed ElectionMax beyond scheduling slack")
		if delta < minSeen {
			minSeen = delta
		}
		if delta > maxSeen {
			maxSeen = delta
		}
	}
	// Over enough samples the jitter should have touched both ends of
	// its range, not clustered near a single value.
	assert.Less(t, minSeen, timing.ElectionMin+15*time.Millisecond)
	assert.Greater(t, maxSeen, timing.ElectionMax-15*time.Millisecond)
}

func TestNewLeaderElectedAfterPartition(t *testing.T) {
	c := newCluster3()
	c.start()
	defer c.stop()

	first := c.awaitLeader(t)
	firstTerm, _, _ := first.GetState()

	var firstID types.NodeID
	for id, e := range c.engines {
		if e == first {
			firstID = id
		}
	}
	c.transport.partition(firstID, true)

	deadline := time.Now().Add(2 * time.Second)
	var newLeader *Raft
	for time.Now().Before(deadline) {
		for id, e := range c.engines {
			if id != firstID && e.IsLeader() {
				newLeader = e
			}
		}
		if newLeader != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, newLeader, "expected a new leader after partitioning the old one")
	newTerm, _, _ := newLeader.GetState()
	assert.Greater(t, newTerm, firstTerm)
}
