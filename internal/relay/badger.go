package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps envelopes on disk. Keys:
//
//	env:<id>              -> envelope
//	room:<room>:<seq>     -> id   (seq is big-endian so keys sort in arrival order)
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	mu  sync.Mutex // serializes Put so the existence check and write are atomic
}

// OpenBadger opens the store at path, or an in-memory one when path is empty.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Put(_ context.Context, room, id string, envelope []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	envKey := []byte("env:" + id)
	stored := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(envKey); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		n, err := s.seq.Next()
		if err != nil {
			return err
		}
		if err := txn.Set(envKey, envelope); err != nil {
			return err
		}
		stored = true
		return txn.Set(roomKey(room, n), []byte(id))
	})
	if err != nil {
		return false, fmt.Errorf("badger put: %w", err)
	}
	return stored, nil
}

func (s *BadgerStore) List(_ context.Context, room string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("room:" + room + ":")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get([]byte("env:" + string(id)))
			if err != nil {
				return err
			}
			env, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}

func roomKey(room string, n uint64) []byte {
	key := []byte("room:" + room + ":")
	return binary.BigEndian.AppendUint64(key, n)
}
