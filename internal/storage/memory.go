package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and single-node demos.
// Mutation events fire synchronously after the write completes, which stands
// in for "after commit" since every mutation here is its own transaction.
type MemoryStore struct {
	mu      sync.RWMutex
	entity  string
	records map[string]map[string]any
	order   []string

	sinkMu sync.RWMutex
	sinks  []func(Event)
}

// NewMemoryStore creates an empty store for the named entity.
func NewMemoryStore(entity string) *MemoryStore {
	return &MemoryStore{
		entity:  entity,
		records: make(map[string]map[string]any),
	}
}

func (s *MemoryStore) Entity() string { return s.entity }

func (s *MemoryStore) Notify(sink func(Event)) {
	s.sinkMu.Lock()
	s.sinks = append(s.sinks, sink)
	s.sinkMu.Unlock()
}

func (s *MemoryStore) emit(evt Event) {
	s.sinkMu.RLock()
	sinks := make([]func(Event), len(s.sinks))
	copy(sinks, s.sinks)
	s.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink(evt)
	}
}

func (s *MemoryStore) Get(_ context.Context, pk string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[pk]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// List returns records matching every filter key, in insertion order. A nil
// filter returns everything.
func (s *MemoryStore) List(_ context.Context, filter map[string]any) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]map[string]any, 0, len(s.order))
	for _, pk := range s.order {
		rec, ok := s.records[pk]
		if !ok {
			continue
		}
		if matches(rec, filter) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, data map[string]any) (map[string]any, error) {
	rec := cloneRecord(data)
	pk, _ := rec["id"].(string)
	if pk == "" {
		pk = uuid.NewString()
		rec["id"] = pk
	}

	s.mu.Lock()
	if _, exists := s.records[pk]; exists {
		s.mu.Unlock()
		return nil, ErrConflict
	}
	s.records[pk] = rec
	s.order = append(s.order, pk)
	s.mu.Unlock()

	s.emit(Event{Entity: s.entity, Kind: KindCreate, PK: pk, Record: cloneRecord(rec)})
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Update(_ context.Context, pk string, data map[string]any, partial bool) (map[string]any, error) {
	s.mu.Lock()
	old, ok := s.records[pk]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	var rec map[string]any
	if partial {
		rec = cloneRecord(old)
		for k, v := range data {
			if k == "id" {
				continue
			}
			rec[k] = v
		}
	} else {
		rec = cloneRecord(data)
		rec["id"] = pk
	}
	s.records[pk] = rec
	s.mu.Unlock()

	s.emit(Event{Entity: s.entity, Kind: KindUpdate, PK: pk, Record: cloneRecord(rec)})
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Delete(_ context.Context, pk string) error {
	s.mu.Lock()
	rec, ok := s.records[pk]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.records, pk)
	for i, id := range s.order {
		if id == pk {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.emit(Event{Entity: s.entity, Kind: KindDelete, PK: pk, Record: cloneRecord(rec)})
	return nil
}

func matches(rec, filter map[string]any) bool {
	for k, want := range filter {
		if rec[k] != want {
			return false
		}
	}
	return true
}

func cloneRecord(rec map[string]any) map[string]any {
	cp := make(map[string]any, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	return cp
}
