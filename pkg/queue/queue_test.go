package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/syncd/pkg/errs"
	"github.com/cuemby/syncd/pkg/hashring"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport fails every forwarded call with a TRANSIENT error and
// records nothing; it only satisfies the interface for single-node
// tests, and TestNonResponsibleNodeForwards uses its error as proof
// that a call was forwarded.
type fakeTransport struct{}

func (fakeTransport) ForwardProduce(ctx context.Context, target types.NodeID, queueName string, msg types.Message) error {
	return errs.New(errs.Transient, "unexpected forward")
}
func (fakeTransport) ForwardConsume(ctx context.Context, target types.NodeID, queueName string) (*types.Envelope, error) {
	return nil, errs.New(errs.Transient, "unexpected forward")
}
func (fakeTransport) ForwardAck(ctx context.Context, target types.NodeID, queueName, processingKey string) error {
	return errs.New(errs.Transient, "unexpected forward")
}

func singleNodeCluster() types.Cluster {
	return types.Cluster{Self: "N1", Nodes: []types.NodeID{"N1"}}
}

func TestProduceConsumeAckRoundTrip(t *testing.T) {
	cluster := singleNodeCluster()
	m := New(cluster, storage.NewMemoryList(), fakeTransport{})
	ctx := context.Background()

	require.NoError(t, m.Produce(ctx, "orders", types.Message{"id": "1"}))

	env, err := m.Consume(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "1", env.Message["id"])

	depth, _ := m.Depth("orders")
	assert.Equal(t, 0, depth)

	require.NoError(t, m.Ack(ctx, "orders", env.ProcessingKey))
}

func TestConsumeLeavesMessageInProcessingListUntilAck(t *testing.T) {
	store := storage.NewMemoryList()
	m := New(singleNodeCluster(), store, fakeTransport{})
	ctx := context.Background()

	require.NoError(t, m.Produce(ctx, "orders", types.Message{"id": float64(1)}))
	env, err := m.Consume(ctx, "orders")
	require.NoError(t, err)

	items, err := store.All("orders:processing")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var decoded types.Message
	require.NoError(t, json.Unmarshal(items[0], &decoded))
	assert.Equal(t, env.Message, decoded)

	require.NoError(t, m.Ack(ctx, "orders", env.ProcessingKey))
	items, err = store.All("orders:processing")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestConsumeOnEmptyQueueIsNotFound(t *testing.T) {
	m := New(singleNodeCluster(), storage.NewMemoryList(), fakeTransport{})
	_, err := m.Consume(context.Background(), "orders")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestAckOfUnknownKeyIsNoOp(t *testing.T) {
	m := New(singleNodeCluster(), storage.NewMemoryList(), fakeTransport{})
	assert.NoError(t, m.Ack(context.Background(), "orders", "bm9wZQ=="))
}

func TestDoubleAckIsNoOp(t *testing.T) {
	m := New(singleNodeCluster(), storage.NewMemoryList(), fakeTransport{})
	ctx := context.Background()

	require.NoError(t, m.Produce(ctx, "orders", types.Message{"id": "1"}))
	env, err := m.Consume(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, m.Ack(ctx, "orders", env.ProcessingKey))
	assert.NoError(t, m.Ack(ctx, "orders", env.ProcessingKey), "second ack of the same key must succeed silently")
}

func TestNonResponsibleNodeForwards(t *testing.T) {
	nodes := []types.NodeID{"N1", "N2", "N3"}
	queueName := "orders"
	responsible := hashring.Responsible(types.Cluster{Nodes: nodes}, queueName)

	var notResponsible types.NodeID
	for _, n := range nodes {
		if n != responsible {
			notResponsible = n
			break
		}
	}

	m := New(types.Cluster{Self: notResponsible, Nodes: nodes}, storage.NewMemoryList(), fakeTransport{})
	err := m.Produce(context.Background(), queueName, types.Message{"id": "1"})
	require.Error(t, err)
	assert.Equal(t, errs.Transient, errs.KindOf(err)) // fakeTransport always errors; proves it forwarded
}

func TestFIFOOrderPreservedAcrossMultipleProduces(t *testing.T) {
	m := New(singleNodeCluster(), storage.NewMemoryList(), fakeTransport{})
	ctx := context.Background()

	require.NoError(t, m.Produce(ctx, "orders", types.Message{"id": "1"}))
	require.NoError(t, m.Produce(ctx, "orders", types.Message{"id": "2"}))

	first, err := m.Consume(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "1", first.Message["id"])

	second, err := m.Consume(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "2", second.Message["id"])
}
