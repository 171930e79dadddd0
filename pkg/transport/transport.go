// Package transport is the peer-to-peer side of spec §6.2: a plain
// HTTP+JSON client the Raft engine, the PBFT engine, the coherent
// cache, and the queue partitioner all share to reach other nodes.
// The teacher dials peers over gRPC with mTLS (pkg/client); this
// system is addressed by the spec's external interface table as a
// JSON-over-HTTP surface, so the transport swaps the wire format but
// keeps the same per-call, per-peer, deadline-bound client shape.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/syncd/pkg/cache"
	"github.com/cuemby/syncd/pkg/errs"
	"github.com/cuemby/syncd/pkg/pbft"
	"github.com/cuemby/syncd/pkg/raft"
	"github.com/cuemby/syncd/pkg/types"
)

// Peer is the full peer capability surface every consensus and
// coherence component needs: Raft RPCs, PBFT messages, cache
// invalidation, and queue forwarding.
type Peer interface {
	raft.Transport
	pbft.Transport
	cache.Transport
	ForwardProduce(ctx context.Context, target types.NodeID, queueName string, msg types.Message) error
	ForwardConsume(ctx context.Context, target types.NodeID, queueName string) (*types.Envelope, error)
	ForwardAck(ctx context.Context, target types.NodeID, queueName, processingKey string) error
}

// HTTPPeer is the outbound peer transport. It implements
// raft.Transport, pbft.Transport and cache.Transport so a single
// instance can be wired into every consensus/coherence component.
type HTTPPeer struct {
	http      *http.Client
	addresses map[types.NodeID]string
}

var _ Peer = (*HTTPPeer)(nil)

// NewHTTPPeer constructs an HTTPPeer. addresses maps every peer's
// NodeID to its base HTTP address (e.g. "http://10.0.0.2:7946").
func NewHTTPPeer(addresses map[types.NodeID]string, timeout time.Duration) *HTTPPeer {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &HTTPPeer{
		http:      &http.Client{Timeout: timeout},
		addresses: addresses,
	}
}

// kindForStatus maps a peer's HTTP status back to the errs.Kind it was
// raised with (spec §7), so a forwarded operation (e.g. queue consume
// on an empty queue) preserves its error kind across the wire instead
// of collapsing every non-2xx response into TRANSIENT.
func kindForStatus(status int) errs.Kind {
	switch status {
	case http.StatusNotFound:
		return errs.NotFound
	case http.StatusConflict:
		return errs.Conflict
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errs.Transient
	default:
		return errs.Transient
	}
}

func (c *HTTPPeer) urlFor(target types.NodeID, path string) (string, error) {
	base, ok := c.addresses[target]
	if !ok {
		return "", errs.Newf(errs.Transient, "no known address for peer %s", target)
	}
	return base + path, nil
}

func (c *HTTPPeer) doJSON(ctx context.Context, target types.NodeID, path string, reqBody, respBody interface{}) error {
	url, err := c.urlFor(target, path)
	if err != nil {
		return err
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return errs.Wrap(errs.Unknown, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.Unknown, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errs.Newf(kindForStatus(resp.StatusCode), "peer %s returned status %d for %s", target, resp.StatusCode, path)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return errs.Wrap(errs.Unknown, err)
	}
	return nil
}

// RequestVote implements raft.Transport.
func (c *HTTPPeer) RequestVote(ctx context.Context, target types.NodeID, args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	err := c.doJSON(ctx, target, "/internal/raft/request-vote", args, &reply)
	return reply, err
}

// AppendEntries implements raft.Transport.
func (c *HTTPPeer) AppendEntries(ctx context.Context, target types.NodeID, args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	err := c.doJSON(ctx, target, "/internal/raft/append-entries", args, &reply)
	return reply, err
}

// SendMessage implements pbft.Transport.
func (c *HTTPPeer) SendMessage(ctx context.Context, target types.NodeID, msg pbft.Message) error {
	return c.doJSON(ctx, target, "/internal/pbft/message", msg, nil)
}

// Invalidate implements cache.Transport.
func (c *HTTPPeer) Invalidate(ctx context.Context, target types.NodeID, key string) error {
	return c.doJSON(ctx, target, fmt.Sprintf("/internal/cache/invalidate/%s", key), struct{}{}, nil)
}

// ForwardProduce sends a message to the queue's responsible node
// (spec §4.5: only the responsible node may mutate a queue's lists).
func (c *HTTPPeer) ForwardProduce(ctx context.Context, target types.NodeID, queueName string, msg types.Message) error {
	return c.doJSON(ctx, target, fmt.Sprintf("/internal/queue/%s/produce", queueName), msg, nil)
}

// ForwardConsume asks the responsible node to pop-left/push-right a
// message into its processing list on our behalf.
func (c *HTTPPeer) ForwardConsume(ctx context.Context, target types.NodeID, queueName string) (*types.Envelope, error) {
	var env types.Envelope
	if err := c.doJSON(ctx, target, fmt.Sprintf("/internal/queue/%s/consume", queueName), struct{}{}, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ForwardAckRequest is the payload for ForwardAck.
type ForwardAckRequest struct {
	ProcessingKey string `json:"processing_key"`
}

// ForwardAck asks the responsible node to remove processingKey from
// its processing list.
func (c *HTTPPeer) ForwardAck(ctx context.Context, target types.NodeID, queueName, processingKey string) error {
	return c.doJSON(ctx, target, fmt.Sprintf("/internal/queue/%s/ack", queueName), ForwardAckRequest{ProcessingKey: processingKey}, nil)
}
