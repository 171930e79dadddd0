// Package pbft implements the three-phase Byzantine agreement engine
// described in spec §4.4: PRE-PREPARE, PREPARE, COMMIT over a fixed
// view with f tolerated faults and a 2f+1 quorum. It is a sibling to
// pkg/raft rather than a layer on top of it: both are hand-rolled
// consensus engines sharing the same request/reply-over-Transport
// shape, because the spec requires each protocol's message flow to be
// directly inspectable rather than hidden behind a generic consensus
// library.
package pbft

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/syncd/pkg/errs"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/types"
)

// MessageType names the three phases plus the client-facing request.
type MessageType string

const (
	PrePrepare MessageType = "PRE_PREPARE"
	Prepare    MessageType = "PREPARE"
	Commit     MessageType = "COMMIT"
)

// SuspicionThreshold is the number of verification failures from one
// peer before it is marked Byzantine (spec §4.4).
const SuspicionThreshold = 3

// Message is one protocol message, sent peer to peer or broadcast.
type Message struct {
	Type    MessageType  `json:"type"`
	View    int          `json:"view"`
	Seq     int          `json:"seq"`
	Digest  string       `json:"digest"`
	Tag     string       `json:"tag"`
	From    types.NodeID `json:"from"`
	Request []byte       `json:"request,omitempty"`
}

// Transport is the peer capability the engine needs to exchange
// protocol messages (spec §6.2).
type Transport interface {
	SendMessage(ctx context.Context, target types.NodeID, msg Message) error
}

// StateMachine receives each request once it commits, keyed by its
// assigned sequence number.
type StateMachine interface {
	Apply(seq int, request []byte)
}

type seqKey struct {
	view int
	seq  int
}

type requestLog struct {
	request     []byte
	digest      string
	prePrepared bool
	prepares    map[types.NodeID]bool
	commits     map[types.NodeID]bool
	committed   bool
}

func newRequestLog() *requestLog {
	return &requestLog{
		prepares: map[types.NodeID]bool{},
		commits:  map[types.NodeID]bool{},
	}
}

// Config constructs an Engine.
type Config struct {
	Cluster        types.Cluster
	F              int // tolerated Byzantine faults
	Key            []byte
	Transport      Transport
	Apply          StateMachine
	PrimaryTimeout time.Duration
}

// Engine is one node's PBFT agreement state.
type Engine struct {
	mu        sync.Mutex
	cluster   types.Cluster
	f         int
	key       []byte
	transport Transport
	applyTo   StateMachine

	view       int
	seqCounter int
	logs       map[seqKey]*requestLog

	nextToApply int
	pending     map[int]*requestLog
	lastApplied int
	appliedCnt  int

	suspicion map[types.NodeID]int
	byzantine map[types.NodeID]bool

	primaryTimeout   time.Duration
	lastPrimaryMsg   time.Time
	primaryTimeoutCh chan struct{}
}

// New constructs a PBFT engine at view 0.
func New(cfg Config) *Engine {
	timeout := cfg.PrimaryTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Engine{
		cluster:          cfg.Cluster,
		f:                cfg.F,
		key:              cfg.Key,
		transport:        cfg.Transport,
		applyTo:          cfg.Apply,
		logs:             map[seqKey]*requestLog{},
		nextToApply:      1,
		pending:          map[int]*requestLog{},
		suspicion:        map[types.NodeID]int{},
		byzantine:        map[types.NodeID]bool{},
		primaryTimeout:   timeout,
		lastPrimaryMsg:   time.Now(),
		primaryTimeoutCh: make(chan struct{}, 1),
	}
}

// Quorum is 2f+1, the number of matching messages required to move a
// request from one phase to the next.
func (e *Engine) Quorum() int {
	return 2*e.f + 1
}

// Primary returns the node responsible for the current view.
func (e *Engine) Primary() types.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primaryLocked()
}

func (e *Engine) primaryLocked() types.NodeID {
	n := e.cluster.N()
	if n == 0 {
		return ""
	}
	return e.cluster.Nodes[e.view%n]
}

// IsPrimary reports whether this node is the current view's primary.
func (e *Engine) IsPrimary() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primaryLocked() == e.cluster.Self
}

func digestOf(request []byte) string {
	sum := sha256.Sum256(request)
	return hex.EncodeToString(sum[:])
}

// Digest exposes the request digest computation for callers that need
// to echo it back without holding an Engine (spec §6.1's POST
// /pbft/request response body).
func Digest(request []byte) string {
	return digestOf(request)
}

// tagOf computes the keyed integrity tag spec §4.4 requires in place
// of a full signature scheme: SHA256 over the sender, view, sequence,
// digest and the shared secret. Any node holding the cluster's key
// can verify it; it does not provide non-repudiation.
func tagOf(key []byte, sender types.NodeID, view, seq int, digest string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d:%d:%s:", sender, view, seq, digest)
	h.Write(key)
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) verify(msg Message) bool {
	return tagOf(e.key, msg.From, msg.View, msg.Seq, msg.Digest) == msg.Tag
}

func (e *Engine) flagSuspicionLocked(peer types.NodeID) {
	e.suspicion[peer]++
	if e.suspicion[peer] >= SuspicionThreshold {
		e.byzantine[peer] = true
		log.WithPeer(string(peer)).Warn().Int("suspicion_count", e.suspicion[peer]).Msg("peer marked byzantine")
	}
}

// Propose is called on the primary to start agreement on a new
// request. It assigns the next sequence number, locally records its
// own pre-prepare and prepare, then broadcasts PRE_PREPARE and its
// own PREPARE to every peer.
func (e *Engine) Propose(ctx context.Context, request []byte) (int, error) {
	e.mu.Lock()
	if e.primaryLocked() != e.cluster.Self {
		e.mu.Unlock()
		return 0, errs.Newf(errs.Transient, "not primary, current primary is %s", e.primaryLocked())
	}
	e.seqCounter++
	seq := e.seqCounter
	view := e.view
	digest := digestOf(request)
	tag := tagOf(e.key, e.cluster.Self, view, seq, digest)

	rl := newRequestLog()
	rl.request = request
	rl.digest = digest
	rl.prePrepared = true
	rl.prepares[e.cluster.Self] = true
	key := seqKey{view, seq}
	e.logs[key] = rl
	selfPrepared := e.tryAdvanceToPreparedLocked(key, rl)
	e.mu.Unlock()

	msg := Message{Type: PrePrepare, View: view, Seq: seq, Digest: digest, Tag: tag, From: e.cluster.Self, Request: request}
	e.broadcast(ctx, msg)

	prepareMsg := Message{Type: Prepare, View: view, Seq: seq, Digest: digest, Tag: tag, From: e.cluster.Self}
	e.broadcast(ctx, prepareMsg)

	// A single-replica cluster (f=0, quorum=1) has no peers to supply
	// the matching prepares/commits handlePrepare/handleCommit wait
	// for, so the primary must drive its own request to commit here.
	if selfPrepared {
		e.advanceToCommitLocked(ctx, key)
	}

	return seq, nil
}

func (e *Engine) broadcast(ctx context.Context, msg Message) {
	for _, p := range e.cluster.Peers() {
		peer := p
		go func() {
			if err := e.transport.SendMessage(ctx, peer, msg); err != nil {
				log.WithPeer(string(peer)).Warn().Err(err).Str("type", string(msg.Type)).Msg("send failed")
			}
		}()
	}
}

// Handle dispatches an incoming protocol message to its phase
// handler. It is the single entry point transport implementations
// should call.
func (e *Engine) Handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case PrePrepare:
		e.handlePrePrepare(ctx, msg)
	case Prepare:
		e.handlePrepare(ctx, msg)
	case Commit:
		e.handleCommit(msg)
	}
}

func (e *Engine) handlePrePrepare(ctx context.Context, msg Message) {
	e.mu.Lock()
	if e.byzantine[msg.From] {
		e.mu.Unlock()
		return
	}
	if msg.View != e.view {
		e.mu.Unlock()
		return
	}
	if msg.From != e.primaryLocked() {
		e.flagSuspicionLocked(msg.From)
		e.mu.Unlock()
		return
	}
	if digestOf(msg.Request) != msg.Digest || !e.verify(msg) {
		e.flagSuspicionLocked(msg.From)
		e.mu.Unlock()
		return
	}
	e.lastPrimaryMsg = time.Now()

	key := seqKey{msg.View, msg.Seq}
	rl, ok := e.logs[key]
	if ok && rl.prePrepared && rl.digest != msg.Digest {
		// The primary has equivocated: two different pre-prepares for
		// the same (view, sequence). Spec §4.4 treats this as a
		// suspicion trigger rather than silently accepting the newer one.
		e.flagSuspicionLocked(msg.From)
		e.mu.Unlock()
		return
	}
	if !ok {
		rl = newRequestLog()
		e.logs[key] = rl
	}
	rl.request = msg.Request
	rl.digest = msg.Digest
	rl.prePrepared = true
	rl.prepares[e.cluster.Self] = true
	view, seq, digest := e.view, msg.Seq, msg.Digest
	selfPrepared := e.tryAdvanceToPreparedLocked(key, rl)
	e.mu.Unlock()

	tag := tagOf(e.key, e.cluster.Self, view, seq, digest)
	prepareMsg := Message{Type: Prepare, View: view, Seq: seq, Digest: digest, Tag: tag, From: e.cluster.Self}
	e.broadcast(ctx, prepareMsg)

	if selfPrepared {
		e.advanceToCommitLocked(ctx, key)
	}
}

func (e *Engine) handlePrepare(ctx context.Context, msg Message) {
	e.mu.Lock()
	if e.byzantine[msg.From] {
		e.mu.Unlock()
		return
	}
	if msg.View != e.view {
		e.mu.Unlock()
		return
	}
	if !e.verify(msg) {
		e.flagSuspicionLocked(msg.From)
		e.mu.Unlock()
		return
	}

	key := seqKey{msg.View, msg.Seq}
	rl, ok := e.logs[key]
	if !ok {
		rl = newRequestLog()
		rl.digest = msg.Digest
		e.logs[key] = rl
	}
	if rl.prePrepared && msg.Digest != rl.digest {
		e.flagSuspicionLocked(msg.From)
		e.mu.Unlock()
		return
	}
	rl.prepares[msg.From] = true
	ready := e.tryAdvanceToPreparedLocked(key, rl)
	e.mu.Unlock()

	if ready {
		e.advanceToCommitLocked(ctx, key)
	}
}

// tryAdvanceToPreparedLocked reports whether rl just became prepared
// (pre-prepared plus at least quorum matching prepares including its
// own, spec §4.4's quorum rule applied to the PREPARE phase). Must be
// called with e.mu held.
func (e *Engine) tryAdvanceToPreparedLocked(key seqKey, rl *requestLog) bool {
	if !rl.prePrepared {
		return false
	}
	return len(rl.prepares) >= e.Quorum()
}

func (e *Engine) advanceToCommitLocked(ctx context.Context, key seqKey) {
	e.mu.Lock()
	rl, ok := e.logs[key]
	if !ok || rl.commits[e.cluster.Self] {
		e.mu.Unlock()
		return
	}
	rl.commits[e.cluster.Self] = true
	view, seq, digest := key.view, key.seq, rl.digest
	committed := e.tryCommitLocked(key, rl)
	e.mu.Unlock()

	tag := tagOf(e.key, e.cluster.Self, view, seq, digest)
	commitMsg := Message{Type: Commit, View: view, Seq: seq, Digest: digest, Tag: tag, From: e.cluster.Self}
	e.broadcast(ctx, commitMsg)

	if committed {
		e.applyCommittedLocked(key)
	}
}

func (e *Engine) handleCommit(msg Message) {
	e.mu.Lock()
	if e.byzantine[msg.From] {
		e.mu.Unlock()
		return
	}
	if msg.View != e.view {
		e.mu.Unlock()
		return
	}
	if !e.verify(msg) {
		e.flagSuspicionLocked(msg.From)
		e.mu.Unlock()
		return
	}

	key := seqKey{msg.View, msg.Seq}
	rl, ok := e.logs[key]
	if !ok {
		rl = newRequestLog()
		rl.digest = msg.Digest
		e.logs[key] = rl
	}
	if rl.prePrepared && msg.Digest != rl.digest {
		e.flagSuspicionLocked(msg.From)
		e.mu.Unlock()
		return
	}
	rl.commits[msg.From] = true
	committed := e.tryCommitLocked(key, rl)
	e.mu.Unlock()

	if committed {
		e.applyCommittedLocked(key)
	}
}

// tryCommitLocked reports whether rl just reached the COMMIT quorum
// (2f+1 matching commits). Must be called with e.mu held.
func (e *Engine) tryCommitLocked(key seqKey, rl *requestLog) bool {
	if rl.committed {
		return false
	}
	if len(rl.commits) >= e.Quorum() {
		rl.committed = true
		return true
	}
	return false
}

// applyCommittedLocked records key.seq as ready to apply and then
// drains every contiguous ready sequence starting at nextToApply, so a
// sequence that commits out of order (e.g. seq 3 before seq 2) waits
// for its predecessor instead of applying early (spec §4.4: "applies
// ... in strict sequence order").
func (e *Engine) applyCommittedLocked(key seqKey) {
	e.mu.Lock()
	rl, ok := e.logs[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.pending[key.seq] = rl

	type ready struct {
		seq     int
		request []byte
	}
	var toApply []ready
	for {
		next, ok := e.pending[e.nextToApply]
		if !ok {
			break
		}
		toApply = append(toApply, ready{seq: e.nextToApply, request: next.request})
		delete(e.pending, e.nextToApply)
		e.lastApplied = e.nextToApply
		e.appliedCnt++
		e.nextToApply++
	}
	e.mu.Unlock()

	if e.applyTo == nil {
		return
	}
	for _, r := range toApply {
		e.applyTo.Apply(r.seq, r.request)
	}
}

// Status is a point-in-time summary for the operator surface
// (spec §6.1 /pbft/status).
type Status struct {
	View           int          `json:"view"`
	Primary        types.NodeID `json:"primary"`
	F              int          `json:"f"`
	Quorum         int          `json:"quorum"`
	ByzantineNodes []types.NodeID `json:"byzantine_nodes"`
	SingleReplica  bool         `json:"single_replica"`
	LastExecuted   int          `json:"last_executed"`
	ExecutedCount  int          `json:"executed_count"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	var byz []types.NodeID
	for n, bad := range e.byzantine {
		if bad {
			byz = append(byz, n)
		}
	}
	return Status{
		View:           e.view,
		Primary:        e.primaryLocked(),
		F:              e.f,
		Quorum:         e.Quorum(),
		ByzantineNodes: byz,
		SingleReplica:  e.f == 0,
		LastExecuted:   e.lastApplied,
		ExecutedCount:  e.appliedCnt,
	}
}

// Warnings surfaces operator-facing caveats about the current
// configuration (spec.md §9's open question: n<4 collapses f to 0,
// quorum to 1, and the protocol no longer tolerates any Byzantine
// replica even though it still runs).
func (e *Engine) Warnings() []string {
	e.mu.Lock()
	n := e.cluster.N()
	f := e.f
	e.mu.Unlock()
	if n < 4 {
		return []string{fmt.Sprintf("cluster of %d nodes runs PBFT with f=0, quorum=1: no Byzantine fault tolerance, protocol flow only", n)}
	}
	if n < 3*f+1 {
		return []string{fmt.Sprintf("cluster of %d nodes cannot safely tolerate f=%d Byzantine faults (need n >= 3f+1)", n, f)}
	}
	return nil
}

// PrimaryTimeout returns a channel that receives a signal whenever
// primaryTimeout elapses without a valid PRE_PREPARE from the current
// primary. View-change itself is out of scope; the node layer decides
// how to react (log, alert, operator-triggered view bump).
func (e *Engine) PrimaryTimeout(ctx context.Context) <-chan struct{} {
	go func() {
		ticker := time.NewTicker(e.primaryTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.mu.Lock()
				elapsed := time.Since(e.lastPrimaryMsg)
				e.mu.Unlock()
				if elapsed > e.primaryTimeout {
					select {
					case e.primaryTimeoutCh <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
	return e.primaryTimeoutCh
}
