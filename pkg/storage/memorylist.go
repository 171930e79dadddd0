package storage

import (
	"bytes"
	"sync"
)

// MemoryList is an in-process DurableList used by tests and by a
// single-node run with no configured data directory. It has the same
// ordering and atomicity semantics as BoltList, just without the
// persistence.
type MemoryList struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func NewMemoryList() *MemoryList {
	return &MemoryList{lists: map[string][][]byte{}}
}

func (m *MemoryList) AppendRight(listName string, item []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[listName] = append(m.lists[listName], append([]byte(nil), item...))
	return nil
}

func (m *MemoryList) PopLeftPushRight(srcList, dstList string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.lists[srcList]
	if len(src) == 0 {
		return nil, false, nil
	}
	item := src[0]
	m.lists[srcList] = src[1:]
	m.lists[dstList] = append(m.lists[dstList], item)
	return append([]byte(nil), item...), true, nil
}

func (m *MemoryList) RemoveByValue(listName string, item []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[listName]
	for i, v := range list {
		if bytes.Equal(v, item) {
			m.lists[listName] = append(list[:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryList) Len(listName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[listName]), nil
}

func (m *MemoryList) All(listName string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.lists[listName]))
	copy(out, m.lists[listName])
	return out, nil
}

func (m *MemoryList) Close() error {
	return nil
}
