// Package api is the HTTP+JSON client and peer surface of spec §6.1
// and §6.2, translating the teacher's gRPC `Server` (pkg/api/server.go:
// a manager reference, an ensureLeader guard, one method per RPC) into
// `gorilla/mux` routes over `net/http`, since this system's transport
// security is an explicit non-goal and its client surface is itself
// HTTP-shaped.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/syncd/pkg/errs"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/metrics"
	"github.com/cuemby/syncd/pkg/node"
	"github.com/cuemby/syncd/pkg/pbft"
	"github.com/cuemby/syncd/pkg/queue"
	"github.com/cuemby/syncd/pkg/raft"
	"github.com/cuemby/syncd/pkg/transport"
	"github.com/cuemby/syncd/pkg/types"
)

// defaultAcquireWait bounds how long a lock acquire request blocks
// before the handler reports 423 (queued) instead of waiting
// indefinitely for a grant (spec.md scenario 2: an incompatible
// acquire is expected to come back queued, not hang the connection).
const defaultAcquireWait = 250 * time.Millisecond

// Server is one node's client+peer HTTP surface.
type Server struct {
	node        *node.Node
	router      *mux.Router
	http        *http.Server
	acquireWait time.Duration
	rpcTimeout  time.Duration
}

// NewServer builds the router over n and binds it to bindAddr.
// rpcTimeout bounds every handler's call into a component that itself
// may forward to a peer (spec §5's per-call deadline).
func NewServer(n *node.Node, bindAddr string, rpcTimeout time.Duration) *Server {
	if rpcTimeout <= 0 {
		rpcTimeout = 100 * time.Millisecond
	}
	s := &Server{node: n, acquireWait: defaultAcquireWait, rpcTimeout: rpcTimeout}
	s.router = mux.NewRouter()
	s.routes()
	s.http = &http.Server{Addr: bindAddr, Handler: s.router}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)

	// Registered before /queue/{name} so a literal "ack" segment
	// never gets captured as a queue name.
	r.HandleFunc("/queue/ack/{processing_key:.+}", s.handleQueueAck).Methods(http.MethodPost)
	r.HandleFunc("/queue/{name}", s.handleQueueProduce).Methods(http.MethodPost)
	r.HandleFunc("/queue/{name}", s.handleQueueConsume).Methods(http.MethodGet)

	r.HandleFunc("/lock/{name}", s.handleLockAcquire).Methods(http.MethodPost)
	r.HandleFunc("/lock/{name}", s.handleLockRelease).Methods(http.MethodDelete)
	r.HandleFunc("/lock/{name}", s.handleLockStatus).Methods(http.MethodGet)
	r.HandleFunc("/locks", s.handleLockList).Methods(http.MethodGet)

	r.HandleFunc("/cache/{key}", s.handleCacheGet).Methods(http.MethodGet)
	r.HandleFunc("/cache/{key}", s.handleCachePut).Methods(http.MethodPost)

	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.Handle("/metrics/prom", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/pbft/request", s.handlePBFTRequest).Methods(http.MethodPost)
	r.HandleFunc("/pbft/status", s.handlePBFTStatus).Methods(http.MethodGet)

	r.HandleFunc("/internal/raft/request-vote", s.handleRaftRequestVote).Methods(http.MethodPost)
	r.HandleFunc("/internal/raft/append-entries", s.handleRaftAppendEntries).Methods(http.MethodPost)
	r.HandleFunc("/internal/pbft/message", s.handlePBFTMessage).Methods(http.MethodPost)
	r.HandleFunc("/internal/cache/invalidate/{key}", s.handleCacheInvalidate).Methods(http.MethodPost)
	r.HandleFunc("/internal/queue/{name}/produce", s.handleInternalQueueProduce).Methods(http.MethodPost)
	r.HandleFunc("/internal/queue/{name}/consume", s.handleInternalQueueConsume).Methods(http.MethodPost)
	r.HandleFunc("/internal/queue/{name}/ack", s.handleInternalQueueAck).Methods(http.MethodPost)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.http.Addr).Msg("listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an errs.Kind to its HTTP status family (spec §7) and
// includes the current leader hint when known, so a client can retry
// against another node. An INVARIANT_VIOLATION is fatal: the response
// is written first, then the process is stopped for a supervisor to
// restart, matching spec §7's "the process must stop serving".
func (s *Server) writeError(w http.ResponseWriter, route string, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.Transient:
		status = http.StatusServiceUnavailable
	case errs.Conflict:
		status = http.StatusConflict
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.InvariantViolation:
		status = http.StatusInternalServerError
	}

	body := map[string]interface{}{"error": err.Error()}
	if kind == errs.Transient {
		if leader := s.node.Lock.LeaderHint(); leader != "" {
			body["leader"] = leader
		}
	}
	metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	writeJSON(w, status, body)

	if kind == errs.InvariantViolation {
		log.WithComponent("api").Error().Err(err).Str("route", route).Msg("invariant violation")
		log.Fatal("stopping: invariant violation in " + route)
	}
}

func parseLockType(raw string) (types.LockType, bool) {
	switch raw {
	case "exclusive", "EXCLUSIVE":
		return types.Exclusive, true
	case "shared", "SHARED":
		return types.Shared, true
	default:
		return "", false
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": s.node.Cluster().Self,
	})
}

// handleLockAcquire waits up to acquireWait for the request to be
// granted. A request still queued when the wait expires is reported
// as 423 rather than left to block the connection open-endedly; it
// remains queued server-side and a later GET /lock/{name} will show
// it granted once promoted.
func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	typ, ok := parseLockType(r.URL.Query().Get("lock_type"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lock_type must be shared or exclusive"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.acquireWait)
	defer cancel()
	self := s.node.Cluster().Self
	err := s.node.Lock.Acquire(ctx, name, self, typ)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusLocked, map[string]string{"status": "queued"})
		return
	}
	s.writeError(w, "lock_acquire", err)
}

// handleLockRelease checks holdership before submitting a release
// command: a release of a lock this node does not hold is an
// ordinary client mistake (spec §6.1: 404), not the log-level
// invariant violation Manager.Apply guards against for a command that
// reaches the state machine at all.
func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	self := s.node.Cluster().Self

	rec, found := s.node.Lock.Status(name)
	held := false
	if found {
		for _, h := range rec.Holders {
			if h == self {
				held = true
				break
			}
		}
	}
	if !held {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "lock not held"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	if err := s.node.Lock.Release(ctx, name, self); err != nil {
		s.writeError(w, "lock_release", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, _ := s.node.Lock.Status(name)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLockList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Locks        []types.LockRecord              `json:"locks"`
		IsLeader     bool                             `json:"is_leader"`
		Leader       types.NodeID                     `json:"leader"`
		WaitForGraph map[types.NodeID][]types.NodeID  `json:"wait_for_graph"`
	}{
		Locks:        s.node.Lock.List(),
		IsLeader:     s.node.Lock.IsLeader(),
		Leader:       s.node.Lock.LeaderHint(),
		WaitForGraph: s.node.Lock.WaitForGraph(),
	})
}

func (s *Server) handleQueueProduce(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	if err := s.node.Queue.Produce(ctx, name, msg); err != nil {
		s.writeError(w, "queue_produce", err)
		return
	}
	metrics.QueueProducedTotal.WithLabelValues(name).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "produced"})
}

func (s *Server) handleQueueConsume(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	env, err := s.node.Queue.Consume(ctx, name)
	if err != nil {
		s.writeError(w, "queue_consume", err)
		return
	}
	metrics.QueueConsumedTotal.WithLabelValues(name).Inc()
	writeJSON(w, http.StatusOK, env)
}

// handleQueueAck recovers the queue name from the compound processing
// key (spec §6.1's route has no separate queue-name segment).
func (s *Server) handleQueueAck(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["processing_key"]
	name, ok := queue.SplitProcessingKey(key)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed processing_key"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	if err := s.node.Queue.Ack(ctx, name, key); err != nil {
		s.writeError(w, "queue_ack", err)
		return
	}
	metrics.QueueAckedTotal.WithLabelValues(name).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

// handleCacheGet serves a local hit directly; a miss (including an
// entry tagged INVALID) refetches from the backing source and
// installs the refreshed value as SHARED, per spec §4.5.
func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if val, state, ok := s.node.Cache.Get(key); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"key": key, "data": json.RawMessage(val), "source": "cache", "cache_state": state,
		})
		return
	}

	raw, found, err := s.node.FetchBacking(key)
	if err != nil {
		s.writeError(w, "cache_get", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "data": nil, "source": "miss"})
		return
	}
	s.node.Cache.Refresh(key, raw)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key": key, "data": json.RawMessage(raw), "source": "backing", "cache_state": types.SharedC,
	})
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	if err := s.node.Cache.Put(ctx, key, body.Data); err != nil {
		s.writeError(w, "cache_put", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.MetricsSnapshot())
}

func (s *Server) handlePBFTRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	seq, err := s.node.PBFT.Propose(ctx, body)
	if err != nil {
		s.writeError(w, "pbft_request", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "proposed",
		"sequence": seq,
		"digest":   pbft.Digest(body),
	})
}

func (s *Server) handlePBFTStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		pbft.Status
		Warnings []string `json:"warnings,omitempty"`
	}{
		Status:   s.node.PBFT.Status(),
		Warnings: s.node.PBFT.Warnings(),
	})
}

func (s *Server) handleRaftRequestVote(w http.ResponseWriter, r *http.Request) {
	var args raft.RequestVoteArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	writeJSON(w, http.StatusOK, s.node.Raft.RequestVote(args))
}

func (s *Server) handleRaftAppendEntries(w http.ResponseWriter, r *http.Request) {
	var args raft.AppendEntriesArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	writeJSON(w, http.StatusOK, s.node.Raft.AppendEntries(args))
}

func (s *Server) handlePBFTMessage(w http.ResponseWriter, r *http.Request) {
	var msg pbft.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	s.node.PBFT.Handle(r.Context(), msg)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	s.node.Cache.Invalidate(key)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInternalQueueProduce(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	if err := s.node.Queue.Produce(ctx, name, msg); err != nil {
		s.writeError(w, "internal_queue_produce", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInternalQueueConsume(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	env, err := s.node.Queue.Consume(ctx, name)
	if err != nil {
		s.writeError(w, "internal_queue_consume", err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleInternalQueueAck(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req transport.ForwardAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	if err := s.node.Queue.Ack(ctx, name, req.ProcessingKey); err != nil {
		s.writeError(w, "internal_queue_ack", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
