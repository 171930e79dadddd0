// Package queue implements the stateless queue partitioner of spec
// §4.5: every queue name maps to exactly one responsible node via
// pkg/hashring, and only that node may mutate the queue's backing
// lists. A request landing on any other node is forwarded over the
// peer transport rather than served locally.
package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/cuemby/syncd/pkg/errs"
	"github.com/cuemby/syncd/pkg/hashring"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/types"
)

// Transport is the peer capability the partitioner needs when this
// node is not responsible for a queue (spec §6.2).
type Transport interface {
	ForwardProduce(ctx context.Context, target types.NodeID, queueName string, msg types.Message) error
	ForwardConsume(ctx context.Context, target types.NodeID, queueName string) (*types.Envelope, error)
	ForwardAck(ctx context.Context, target types.NodeID, queueName, processingKey string) error
}

// Manager is the per-node queue partitioner.
type Manager struct {
	cluster   types.Cluster
	store     storage.DurableList
	transport Transport
}

// New constructs a Manager.
func New(cluster types.Cluster, store storage.DurableList, transport Transport) *Manager {
	return &Manager{cluster: cluster, store: store, transport: transport}
}

// processingListName is the sibling list Consume moves entries into
// (spec §4.5, §8 scenario 4: "the durable list named queue_name:processing").
// Only the responsible node for queueName ever touches it, so no
// per-node suffix is needed.
func processingListName(queueName string) string {
	return queueName + ":processing"
}

func (m *Manager) responsible(queueName string) types.NodeID {
	return hashring.Responsible(m.cluster, queueName)
}

// Produce appends msg to queueName's tail, forwarding to the
// responsible node if this one isn't it.
func (m *Manager) Produce(ctx context.Context, queueName string, msg types.Message) error {
	target := m.responsible(queueName)
	if target != m.cluster.Self {
		log.WithQueue(queueName).Debug().Str("target", string(target)).Msg("forwarding produce")
		return m.transport.ForwardProduce(ctx, target, queueName, msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.Unknown, err)
	}
	if err := m.store.AppendRight(queueName, data); err != nil {
		return errs.Wrap(errs.Unknown, err)
	}
	return nil
}

// Consume moves the head of queueName into this node's processing
// list and returns it as an Envelope. The envelope's ProcessingKey
// encodes the exact bytes stored in the processing list, so Ack can
// locate and remove it by value without a second index.
func (m *Manager) Consume(ctx context.Context, queueName string) (*types.Envelope, error) {
	target := m.responsible(queueName)
	if target != m.cluster.Self {
		return m.transport.ForwardConsume(ctx, target, queueName)
	}

	processing := processingListName(queueName)
	raw, ok, err := m.store.PopLeftPushRight(queueName, processing)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err)
	}
	if !ok {
		return nil, errs.Newf(errs.NotFound, "queue %q is empty", queueName)
	}

	var msg types.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errs.Wrap(errs.Unknown, err)
	}

	return &types.Envelope{
		ProcessingKey: queueName + ":" + base64.StdEncoding.EncodeToString(raw),
		Message:       msg,
		DeliveredAt:   time.Now(),
	}, nil
}

// Ack removes processingKey from this node's processing list,
// completing at-least-once delivery for that message. Forwarded to
// the responsible node when called elsewhere. processingKey is
// normally the compound "queueName:base64" value Consume produced,
// which is what lets the HTTP surface expose a single path segment
// (spec §6.1: POST /queue/ack/{processing_key}) with no separate
// queue name; a bare base64 value is also accepted for callers that
// already know the queue.
//
// Acking a key that is not present — because it was already acked, or
// because it never existed — is a no-op, not an error (spec §8 Q1).
func (m *Manager) Ack(ctx context.Context, queueName, processingKey string) error {
	target := m.responsible(queueName)
	if target != m.cluster.Self {
		return m.transport.ForwardAck(ctx, target, queueName, processingKey)
	}

	encoded := processingKey
	if rest, ok := strings.CutPrefix(processingKey, queueName+":"); ok {
		encoded = rest
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errs.Wrap(errs.Unknown, err)
	}

	processing := processingListName(queueName)
	if _, err := m.store.RemoveByValue(processing, raw); err != nil {
		return errs.Wrap(errs.Unknown, err)
	}
	return nil
}

// Depth reports how many messages are waiting in queueName on this
// node. Meaningful only when called on the responsible node; callers
// should check Responsible first.
func (m *Manager) Depth(queueName string) (int, error) {
	return m.store.Len(queueName)
}

// Responsible exposes the routing decision for the API layer so it
// can decide whether to serve a request locally or forward it.
func (m *Manager) Responsible(queueName string) types.NodeID {
	return m.responsible(queueName)
}

// SplitProcessingKey recovers the queue name from a compound
// processing key produced by Consume, for the HTTP surface's
// single-segment ack route which carries no queue name of its own.
func SplitProcessingKey(processingKey string) (queueName string, ok bool) {
	queueName, _, ok = strings.Cut(processingKey, ":")
	return queueName, ok
}
