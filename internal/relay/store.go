package relay

import (
	"context"
	"slices"
	"sync"
)

// Store keeps every accepted envelope once, in arrival order per room.
type Store interface {
	// Put stores envelope under id and reports whether it was new.
	Put(ctx context.Context, room, id string, envelope []byte) (bool, error)
	List(ctx context.Context, room string) ([][]byte, error)
	Close() error
}

type MemoryStore struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	rooms map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{}), rooms: make(map[string][][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, room, id string, envelope []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false, nil
	}
	s.seen[id] = struct{}{}
	s.rooms[room] = append(s.rooms[room], slices.Clone(envelope))
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, room string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rooms[room]), nil
}

func (s *MemoryStore) Close() error { return nil }
