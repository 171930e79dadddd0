package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/syncd/pkg/errs"
	"github.com/cuemby/syncd/pkg/pbft"
	"github.com/cuemby/syncd/pkg/raft"
	"github.com/cuemby/syncd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestVoteRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var args raft.RequestVoteArgs
		require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
		assert.Equal(t, types.NodeID("N1"), args.CandidateID)
		json.NewEncoder(w).Encode(raft.RequestVoteReply{Term: 3, VoteGranted: true})
	}))
	defer srv.Close()

	c := NewHTTPPeer(map[types.NodeID]string{"N2": srv.URL}, time.Second)
	reply, err := c.RequestVote(context.Background(), "N2", raft.RequestVoteArgs{Term: 3, CandidateID: "N1"})
	require.NoError(t, err)
	assert.True(t, reply.VoteGranted)
	assert.Equal(t, 3, reply.Term)
}

func TestAppendEntriesRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(raft.AppendEntriesReply{Term: 1, Success: true, MatchIndex: 5})
	}))
	defer srv.Close()

	c := NewHTTPPeer(map[types.NodeID]string{"N2": srv.URL}, time.Second)
	reply, err := c.AppendEntries(context.Background(), "N2", raft.AppendEntriesArgs{Term: 1, LeaderID: "N1"})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, 5, reply.MatchIndex)
}

func TestSendMessagePostsPBFTPayload(t *testing.T) {
	var received pbft.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPPeer(map[types.NodeID]string{"N2": srv.URL}, time.Second)
	err := c.SendMessage(context.Background(), "N2", pbft.Message{Type: pbft.Prepare, View: 1, Seq: 2, From: "N1"})
	require.NoError(t, err)
	assert.Equal(t, pbft.Prepare, received.Type)
	assert.Equal(t, 2, received.Seq)
}

func TestInvalidateHitsKeyedPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPPeer(map[types.NodeID]string{"N2": srv.URL}, time.Second)
	require.NoError(t, c.Invalidate(context.Background(), "N2", "orders"))
	assert.Equal(t, "/internal/cache/invalidate/orders", gotPath)
}

func TestUnknownPeerReturnsTransientError(t *testing.T) {
	c := NewHTTPPeer(map[types.NodeID]string{}, time.Second)
	_, err := c.RequestVote(context.Background(), "N9", raft.RequestVoteArgs{})
	require.Error(t, err)
	assert.Equal(t, errs.Transient, errs.KindOf(err))
}

func TestNonSuccessStatusIsTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPPeer(map[types.NodeID]string{"N2": srv.URL}, time.Second)
	err := c.SendMessage(context.Background(), "N2", pbft.Message{})
	require.Error(t, err)
	assert.Equal(t, errs.Transient, errs.KindOf(err))
}

func TestForwardProduceConsumeAck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/queue/orders/produce", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/internal/queue/orders/consume", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Envelope{ProcessingKey: "k1", Message: types.Message{"id": "1"}})
	})
	mux.HandleFunc("/internal/queue/orders/ack", func(w http.ResponseWriter, r *http.Request) {
		var req ForwardAckRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "k1", req.ProcessingKey)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPPeer(map[types.NodeID]string{"N2": srv.URL}, time.Second)
	require.NoError(t, c.ForwardProduce(context.Background(), "N2", "orders", types.Message{"id": "1"}))

	env, err := c.ForwardConsume(context.Background(), "N2", "orders")
	require.NoError(t, err)
	assert.Equal(t, "k1", env.ProcessingKey)

	require.NoError(t, c.ForwardAck(context.Background(), "N2", "orders", "k1"))
}
