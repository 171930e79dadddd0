// Package storage provides the durable list backing the queue
// partitioner (spec §4.5, §6.3): an ordered, named list of opaque
// byte payloads supporting append-right, atomic pop-left/push-right
// (the produce->processing transition) and remove-by-value (ack).
//
// Two implementations are provided: BoltList persists to an embedded
// bbolt database the way the teacher's BoltStore persists cluster
// state, one bucket per list; MemoryList is an in-process equivalent
// for tests and for a single-node dev run with no data directory.
package storage

import "encoding/binary"

// DurableList is the list-shaped primitive the queue partitioner is
// built on. Every method is safe for concurrent use.
type DurableList interface {
	// AppendRight pushes item onto the tail of listName.
	AppendRight(listName string, item []byte) error

	// PopLeftPushRight atomically removes the head of srcList and
	// appends it to the tail of dstList, returning the moved item.
	// ok is false if srcList was empty.
	PopLeftPushRight(srcList, dstList string) (item []byte, ok bool, err error)

	// RemoveByValue deletes the first occurrence of item in listName,
	// scanning head to tail. removed is false if no match was found.
	RemoveByValue(listName string, item []byte) (removed bool, err error)

	// Len returns the number of items currently in listName.
	Len(listName string) (int, error)

	// All returns every item in listName, head to tail. Intended for
	// status/debug surfaces, not the hot produce/consume/ack path.
	All(listName string) ([][]byte, error)

	// Close releases any underlying resources.
	Close() error
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
