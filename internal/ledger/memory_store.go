package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory mutation store for devices running without a
// local database, and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Mutation
	seq     map[string]int // insertion sequence, tie-break for equal timestamps
	nextSeq int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*Mutation),
		seq:  make(map[string]int),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, m *Mutation) error {
	if m.Status == StatusUndefined {
		return ErrNoStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.byID[m.ID] = &cp
	s.seq[m.ID] = s.nextSeq
	s.nextSeq++
	return nil
}

func (s *MemoryStore) GetByEntity(ctx context.Context, t EntityType, key string) (*Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byID {
		if m.EntityType == t && m.EntityKey == key {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(ctx context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; !ok {
		return ErrNotFound
	}
	cp := *m
	s.byID[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status SyncStatus) error {
	if status == StatusUndefined {
		return ErrNoStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Mutation
	for _, m := range s.byID {
		if f.Matches(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return s.seq[out[i].ID] < s.seq[out[j].ID]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.seq, id)
	return nil
}
