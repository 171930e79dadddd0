package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listImpls(t *testing.T) map[string]DurableList {
	t.Helper()
	dir, err := os.MkdirTemp("", "syncd-storage-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	boltList, err := NewBoltList(dir)
	require.NoError(t, err)
	t.Cleanup(func() { boltList.Close() })

	return map[string]DurableList{
		"memory": NewMemoryList(),
		"bolt":   boltList,
	}
}

func TestAppendRightPreservesOrder(t *testing.T) {
	for name, l := range listImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.AppendRight("orders", []byte("a")))
			require.NoError(t, l.AppendRight("orders", []byte("b")))
			require.NoError(t, l.AppendRight("orders", []byte("c")))

			all, err := l.All("orders")
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, all)
		})
	}
}

func TestPopLeftPushRightMovesHeadAtomically(t *testing.T) {
	for name, l := range listImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.AppendRight("orders", []byte("a")))
			require.NoError(t, l.AppendRight("orders", []byte("b")))

			item, ok, err := l.PopLeftPushRight("orders", "orders:processing:N1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("a"), item)

			n, _ := l.Len("orders")
			assert.Equal(t, 1, n)
			n, _ = l.Len("orders:processing:N1")
			assert.Equal(t, 1, n)
		})
	}
}

func TestPopLeftPushRightEmptySource(t *testing.T) {
	for name, l := range listImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := l.PopLeftPushRight("empty", "dst")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRemoveByValueDeletesFirstMatch(t *testing.T) {
	for name, l := range listImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.AppendRight("processing", []byte("env-1")))
			require.NoError(t, l.AppendRight("processing", []byte("env-2")))

			removed, err := l.RemoveByValue("processing", []byte("env-1"))
			require.NoError(t, err)
			assert.True(t, removed)

			all, _ := l.All("processing")
			assert.Equal(t, [][]byte{[]byte("env-2")}, all)
		})
	}
}

func TestRemoveByValueNoMatch(t *testing.T) {
	for name, l := range listImpls(t) {
		t.Run(name, func(t *testing.T) {
			removed, err := l.RemoveByValue("processing", []byte("missing"))
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}
