// Package raft implements the per-process Raft role machine described
// in spec §4.2: term progression, leader election over a fixed peer
// set, heartbeats, and log replication, with committed entries handed
// to a pluggable state machine in order.
//
// The shape is adapted from the two hand-rolled MIT 6.824-style Raft
// implementations in the retrieval pack (timer-driven run loop,
// per-peer next/match index, fire-and-collect RPC fan-out over a
// channel) rather than wrapping a production Raft library, because
// the spec requires the role transitions and log-matching invariant
// to be directly inspectable.
package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/syncd/pkg/errs"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/types"
)

// State is a node's role in the Raft cluster.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// LogEntry is one Raft log record (spec §3). Index is 1-based.
type LogEntry struct {
	Term    int
	Index   int
	Command []byte
}

// RequestVoteArgs is the RequestVote RPC request (spec §4.2).
type RequestVoteArgs struct {
	Term         int
	CandidateID  types.NodeID
	LastLogIndex int
	LastLogTerm  int
}

// RequestVoteReply is the RequestVote RPC response.
type RequestVoteReply struct {
	Term        int
	VoteGranted bool
}

// AppendEntriesArgs is the AppendEntries RPC request (spec §4.2).
type AppendEntriesArgs struct {
	Term         int
	LeaderID     types.NodeID
	PrevLogIndex int
	PrevLogTerm  int
	Entries      []LogEntry
	LeaderCommit int
}

// AppendEntriesReply is the AppendEntries RPC response.
type AppendEntriesReply struct {
	Term       int
	Success    bool
	MatchIndex int
}

// Transport is the peer-RPC capability the engine needs (spec §6.2).
// Every call may block up to its own deadline; failures are reported
// as an error and absorbed into the next timer tick rather than
// retried inline (spec §4.2 Failure semantics).
type Transport interface {
	RequestVote(ctx context.Context, target types.NodeID, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, target types.NodeID, args AppendEntriesArgs) (AppendEntriesReply, error)
}

// StateMachine receives committed commands in log order. Apply must
// be deterministic: it is the only mutator of whatever state it owns.
type StateMachine interface {
	Apply(index int, command []byte)
}

// Timing bundles the election/heartbeat timing spec §4.2 constrains.
type Timing struct {
	ElectionMin time.Duration
	ElectionMax time.Duration
	Heartbeat   time.Duration
	RPCTimeout  time.Duration
}

// DefaultTiming satisfies spec §4.2's T_max >= 2*T_min and
// T_min >= 5*heartbeat constraints.
func DefaultTiming() Timing {
	return Timing{
		ElectionMin: 150 * time.Millisecond,
		ElectionMax: 300 * time.Millisecond,
		Heartbeat:   30 * time.Millisecond,
		RPCTimeout:  100 * time.Millisecond,
	}
}

// Config constructs a Raft engine.
type Config struct {
	Cluster   types.Cluster
	Transport Transport
	Apply     StateMachine
	Timing    Timing
}

// Raft is one node's Raft engine instance.
type Raft struct {
	mu        sync.Mutex
	cluster   types.Cluster
	transport Transport
	applyTo   StateMachine
	timing    Timing

	currentTerm int
	votedFor    types.NodeID
	entries     []LogEntry // 1-indexed: entries[0] is index 1

	commitIndex int
	lastApplied int
	state       State
	leaderID    types.NodeID

	nextIndex  map[types.NodeID]int
	matchIndex map[types.NodeID]int

	electionDeadline time.Time
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
}

// New constructs a Raft engine in the FOLLOWER state. Run must be
// called to begin the background election/heartbeat driver.
func New(cfg Config) *Raft {
	timing := cfg.Timing
	if timing.ElectionMin == 0 {
		timing = DefaultTiming()
	}
	r := &Raft{
		cluster:     cfg.Cluster,
		transport:   cfg.Transport,
		applyTo:     cfg.Apply,
		timing:      timing,
		state:       Follower,
		nextIndex:   map[types.NodeID]int{},
		matchIndex:  map[types.NodeID]int{},
		commitIndex: 0,
		lastApplied: 0,
		stopCh:      make(chan struct{}),
	}
	r.resetElectionDeadlineLocked()
	return r
}

// Run starts the background driver goroutine (election timer,
// heartbeat ticker). It returns immediately; call Stop to cancel.
func (r *Raft) Run() {
	r.wg.Add(1)
	go r.driveLoop()
}

// Stop cancels the background driver. Safe to call multiple times.
func (r *Raft) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Raft) driveLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.timing.Heartbeat / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick is invoked on every half-heartbeat-period wakeup: a
// follower/candidate starts an election if its deadline elapsed, and
// a leader sends an AppendEntries round on every tick. This polling shape keeps the timer logic
// inside one goroutine instead of juggling two independent
// time.Timer resets under the lock.
func (r *Raft) tick() {
	r.mu.Lock()
	state := r.state
	electionDue := time.Now().After(r.electionDeadline)
	r.mu.Unlock()

	switch state {
	case Leader:
		r.broadcastAppendEntries()
	case Follower, Candidate:
		if electionDue {
			r.startElection()
		}
	}
}

func (r *Raft) resetElectionDeadlineLocked() {
	span := r.timing.ElectionMax - r.timing.ElectionMin
	jitter := time.Duration(0)
	if span > 0 {
		jitter = time.Duration(rand.Int63n(int64(span)))
	}
	r.electionDeadline = time.Now().Add(r.timing.ElectionMin + jitter)
}

// GetState returns (term, role, leader hint) for a best-effort local
// read (spec §4.2 Failure semantics: reads are served locally).
func (r *Raft) GetState() (int, State, types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm, r.state, r.leaderID
}

func (r *Raft) lastLogIndexLocked() int {
	return len(r.entries)
}

func (r *Raft) lastLogTermLocked() int {
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[len(r.entries)-1].Term
}

func (r *Raft) termAtLocked(index int) (int, bool) {
	if index <= 0 || index > len(r.entries) {
		return 0, false
	}
	return r.entries[index-1].Term, true
}

// becomeFollowerLocked reverts to FOLLOWER, adopting newTerm if it is
// greater than the current term (spec §4.2 transitions).
func (r *Raft) becomeFollowerLocked(newTerm int) {
	if newTerm > r.currentTerm {
		r.currentTerm = newTerm
		r.votedFor = ""
	}
	if r.state != Follower {
		r.state = Follower
	}
}

// RequestVote handles an incoming RequestVote RPC (spec §4.2).
func (r *Raft) RequestVote(args RequestVoteArgs) RequestVoteReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if args.Term > r.currentTerm {
		r.becomeFollowerLocked(args.Term)
	}

	reply := RequestVoteReply{Term: r.currentTerm, VoteGranted: false}
	if args.Term < r.currentTerm {
		return reply
	}

	alreadyVoted := r.votedFor != "" && r.votedFor != args.CandidateID
	if alreadyVoted {
		return reply
	}

	upToDate := args.LastLogTerm > r.lastLogTermLocked() ||
		(args.LastLogTerm == r.lastLogTermLocked() && args.LastLogIndex >= r.lastLogIndexLocked())
	if !upToDate {
		return reply
	}

	r.votedFor = args.CandidateID
	reply.VoteGranted = true
	r.resetElectionDeadlineLocked()
	return reply
}

// AppendEntries handles an incoming AppendEntries RPC (spec §4.2),
// covering both heartbeats (Entries empty) and replication.
func (r *Raft) AppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	r.mu.Lock()

	if args.Term > r.currentTerm {
		r.becomeFollowerLocked(args.Term)
	}

	reply := AppendEntriesReply{Term: r.currentTerm}
	if args.Term < r.currentTerm {
		r.mu.Unlock()
		return reply
	}

	// A valid leader in the current term: step down if we were
	// candidate/leader and reset the election clock.
	r.state = Follower
	r.leaderID = args.LeaderID
	r.resetElectionDeadlineLocked()

	if args.PrevLogIndex > 0 {
		term, ok := r.termAtLocked(args.PrevLogIndex)
		if !ok || term != args.PrevLogTerm {
			r.mu.Unlock()
			return reply
		}
	}

	// Truncate any conflicting suffix and append.
	for i, entry := range args.Entries {
		idx := args.PrevLogIndex + 1 + i
		if idx <= len(r.entries) && r.entries[idx-1].Term == entry.Term {
			continue
		}
		r.entries = append(r.entries[:idx-1], args.Entries[i:]...)
		break
	}
	reply.Success = true
	reply.MatchIndex = args.PrevLogIndex + len(args.Entries)

	if args.LeaderCommit > r.commitIndex {
		newCommit := args.LeaderCommit
		if newCommit > reply.MatchIndex {
			newCommit = reply.MatchIndex
		}
		r.commitIndex = newCommit
	}
	toApply := r.drainApplicableLocked()
	r.mu.Unlock()

	r.applyEntries(toApply)
	return reply
}

// drainApplicableLocked returns the entries between lastApplied+1 and
// commitIndex and advances lastApplied. Must be called with mu held.
func (r *Raft) drainApplicableLocked() []LogEntry {
	if r.commitIndex <= r.lastApplied {
		return nil
	}
	start := r.lastApplied
	out := append([]LogEntry(nil), r.entries[start:r.commitIndex]...)
	r.lastApplied = r.commitIndex
	return out
}

func (r *Raft) applyEntries(entries []LogEntry) {
	if r.applyTo == nil {
		return
	}
	for _, e := range entries {
		r.applyTo.Apply(e.Index, e.Command)
	}
}

// Start submits command for replication. It returns the index the
// command occupies and the current term. Before returning it runs one
// AppendEntries round to every peer (each bounded by RPCTimeout), so
// when a majority has the entry by then (always, in a single-node
// cluster) the entry is committed and applied to the state machine
// before Start returns. Submitting to a non-leader is a TRANSIENT
// error (spec §4.3's leader-only mutating path relies on this to
// decide whether to forward).
func (r *Raft) Start(command []byte) (index int, term int, err error) {
	r.mu.Lock()
	if r.state != Leader {
		leader := r.leaderID
		r.mu.Unlock()
		if leader == "" {
			return 0, 0, errs.New(errs.Transient, "no leader known")
		}
		return 0, 0, errs.Newf(errs.Transient, "not leader, known leader is %s", leader)
	}

	entry := LogEntry{Term: r.currentTerm, Index: len(r.entries) + 1, Command: command}
	r.entries = append(r.entries, entry)
	r.matchIndex[r.cluster.Self] = entry.Index
	term = r.currentTerm
	index = entry.Index
	r.mu.Unlock()

	r.broadcastAppendEntries()
	return index, term, nil
}

// IsLeader is a convenience best-effort local check.
func (r *Raft) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Leader
}

// Leader returns the last known leader hint, possibly empty.
func (r *Raft) Leader() types.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderID
}

// CommitIndex returns the highest log index known committed, for the
// metrics/status surfaces (spec §6.1's GET /metrics).
func (r *Raft) CommitIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}

func (r *Raft) startElection() {
	r.mu.Lock()
	r.state = Candidate
	r.currentTerm++
	r.votedFor = r.cluster.Self
	term := r.currentTerm
	lastIndex := r.lastLogIndexLocked()
	lastTerm := r.lastLogTermLocked()
	r.resetElectionDeadlineLocked()
	r.mu.Unlock()

	log.WithComponent("raft").Info().Msg(fmt.Sprintf("%s starting election for term %d", r.cluster.Self, term))

	peers := r.cluster.Peers()
	votes := 1 // vote for self
	majority := r.cluster.N()/2 + 1
	if votes >= majority {
		r.becomeLeader(term)
		return
	}

	type result struct {
		reply RequestVoteReply
		ok    bool
	}
	resultCh := make(chan result, len(peers))
	args := RequestVoteArgs{Term: term, CandidateID: r.cluster.Self, LastLogIndex: lastIndex, LastLogTerm: lastTerm}

	for _, p := range peers {
		peer := p
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.timing.RPCTimeout)
			defer cancel()
			reply, err := r.transport.RequestVote(ctx, peer, args)
			resultCh <- result{reply: reply, ok: err == nil}
		}()
	}

	for i := 0; i < len(peers); i++ {
		res := <-resultCh
		if !res.ok {
			continue
		}
		r.mu.Lock()
		if res.reply.Term > r.currentTerm {
			r.becomeFollowerLocked(res.reply.Term)
			r.mu.Unlock()
			return
		}
		stillCandidate := r.state == Candidate && r.currentTerm == term
		r.mu.Unlock()
		if !stillCandidate {
			return
		}
		if res.reply.VoteGranted {
			votes++
			if votes >= majority {
				r.becomeLeader(term)
				return
			}
		}
	}
}

func (r *Raft) becomeLeader(term int) {
	r.mu.Lock()
	if r.currentTerm != term || r.state != Candidate {
		r.mu.Unlock()
		return
	}
	r.state = Leader
	r.leaderID = r.cluster.Self
	nextIdx := r.lastLogIndexLocked() + 1
	r.nextIndex = map[types.NodeID]int{}
	r.matchIndex = map[types.NodeID]int{r.cluster.Self: r.lastLogIndexLocked()}
	for _, p := range r.cluster.Peers() {
		r.nextIndex[p] = nextIdx
		r.matchIndex[p] = 0
	}
	r.mu.Unlock()

	log.WithComponent("raft").Info().Msg(fmt.Sprintf("%s became leader for term %d", r.cluster.Self, term))
	r.broadcastAppendEntries()
}

// broadcastAppendEntries sends AppendEntries (heartbeat or with
// entries, depending on each peer's nextIndex) to every peer and
// advances matchIndex/commitIndex from the replies.
func (r *Raft) broadcastAppendEntries() {
	r.mu.Lock()
	if r.state != Leader {
		r.mu.Unlock()
		return
	}
	term := r.currentTerm
	leaderCommit := r.commitIndex
	peers := r.cluster.Peers()

	type peerArgs struct {
		peer types.NodeID
		args AppendEntriesArgs
	}
	var fanout []peerArgs
	for _, p := range peers {
		next := r.nextIndex[p]
		if next == 0 {
			next = r.lastLogIndexLocked() + 1
		}
		prevIndex := next - 1
		prevTerm := 0
		if prevIndex > 0 {
			prevTerm, _ = r.termAtLocked(prevIndex)
		}
		var entries []LogEntry
		if next <= len(r.entries) {
			entries = append([]LogEntry(nil), r.entries[next-1:]...)
		}
		fanout = append(fanout, peerArgs{peer: p, args: AppendEntriesArgs{
			Term:         term,
			LeaderID:     r.cluster.Self,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: leaderCommit,
		}})
	}
	r.mu.Unlock()

	type result struct {
		peer  types.NodeID
		reply AppendEntriesReply
		ok    bool
		sent  int
	}
	resultCh := make(chan result, len(fanout))
	for _, pa := range fanout {
		pa := pa
		sentUpTo := pa.args.PrevLogIndex + len(pa.args.Entries)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.timing.RPCTimeout)
			defer cancel()
			reply, err := r.transport.AppendEntries(ctx, pa.peer, pa.args)
			resultCh <- result{peer: pa.peer, reply: reply, ok: err == nil, sent: sentUpTo}
		}()
	}

	for i := 0; i < len(fanout); i++ {
		res := <-resultCh
		if !res.ok {
			continue
		}
		r.mu.Lock()
		if res.reply.Term > r.currentTerm {
			r.becomeFollowerLocked(res.reply.Term)
			r.mu.Unlock()
			continue
		}
		if r.state != Leader || r.currentTerm != term {
			r.mu.Unlock()
			continue
		}
		if res.reply.Success {
			r.matchIndex[res.peer] = res.reply.MatchIndex
			r.nextIndex[res.peer] = res.reply.MatchIndex + 1
		} else if r.nextIndex[res.peer] > 1 {
			r.nextIndex[res.peer]--
		}
		r.mu.Unlock()
	}

	toApply := r.advanceCommitIndex(term)
	r.applyEntries(toApply)
}

// advanceCommitIndex implements spec §4.2: an entry at index i in the
// leader's current term commits once a majority of match indexes
// (including the leader) are >= i. Entries from earlier terms commit
// only transitively, once a current-term entry commits.
func (r *Raft) advanceCommitIndex(term int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Leader || r.currentTerm != term {
		return nil
	}

	majority := r.cluster.N()/2 + 1
	for idx := r.lastLogIndexLocked(); idx > r.commitIndex; idx-- {
		entryTerm, ok := r.termAtLocked(idx)
		if !ok || entryTerm != term {
			continue // only current-term entries drive the majority rule directly
		}
		count := 0
		for _, m := range r.matchIndex {
			if m >= idx {
				count++
			}
		}
		if count >= majority {
			r.commitIndex = idx
			break
		}
	}
	return r.drainApplicableLocked()
}
