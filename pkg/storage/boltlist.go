package storage

import (
	"bytes"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// BoltList is a DurableList backed by a single bbolt database file,
// one bucket per list name, created on first use the way the
// teacher's BoltStore pre-creates its fixed bucket set (here the set
// is open-ended, since queue names are not known ahead of time).
type BoltList struct {
	db *bolt.DB
}

// NewBoltList opens (creating if needed) a bbolt database under
// dataDir for durable list storage.
func NewBoltList(dataDir string) (*BoltList, error) {
	path := filepath.Join(dataDir, "syncd.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltList{db: db}, nil
}

func (s *BoltList) Close() error {
	return s.db.Close()
}

func bucketFor(tx *bolt.Tx, listName string) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists([]byte(listName))
}

func (s *BoltList) AppendRight(listName string, item []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketFor(tx, listName)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), item)
	})
}

func (s *BoltList) PopLeftPushRight(srcList, dstList string) ([]byte, bool, error) {
	var item []byte
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		src, err := bucketFor(tx, srcList)
		if err != nil {
			return err
		}
		k, v := src.Cursor().First()
		if k == nil {
			return nil
		}
		item = append([]byte(nil), v...)
		ok = true
		if err := src.Delete(k); err != nil {
			return err
		}

		dst, err := bucketFor(tx, dstList)
		if err != nil {
			return err
		}
		seq, err := dst.NextSequence()
		if err != nil {
			return err
		}
		return dst.Put(itob(seq), item)
	})
	if err != nil {
		return nil, false, err
	}
	return item, ok, nil
}

func (s *BoltList) RemoveByValue(listName string, item []byte) (bool, error) {
	var removed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketFor(tx, listName)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytes.Equal(v, item) {
				removed = true
				return b.Delete(k)
			}
		}
		return nil
	})
	return removed, err
}

func (s *BoltList) Len(listName string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(listName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

func (s *BoltList) All(listName string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(listName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}
