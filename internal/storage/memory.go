package storage

import (
	"context"
	"sort"
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"
)

// MemoryStore keeps the local event set in memory. It backs tests and
// short-lived CLI runs that have no database configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]nostr.Event
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]nostr.Event)}
}

// SaveEvent persists one event, skipping ids already present.
func (s *MemoryStore) SaveEvent(_ context.Context, evt *nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[evt.ID]; !ok {
		s.events[evt.ID] = *evt
	}
	return nil
}

// SaveEvents persists a batch, skipping ids already present.
func (s *MemoryStore) SaveEvents(_ context.Context, events []*nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		if _, ok := s.events[evt.ID]; !ok {
			s.events[evt.ID] = *evt
		}
	}
	return nil
}

// EventByID returns the full event for an id, or ErrNotFound.
func (s *MemoryStore) EventByID(_ context.Context, id string) (*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &evt, nil
}

// QueryEvents returns stored events matching the filter.
func (s *MemoryStore) QueryEvents(_ context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []nostr.Event
	for _, evt := range s.events {
		evt := evt
		if filter.Matches(&evt) {
			matched = append(matched, evt)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt < matched[j].CreatedAt
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[len(matched)-filter.Limit:]
	}
	return matched, nil
}

// SyncItems returns the (id, created_at) pairs matching the filter.
func (s *MemoryStore) SyncItems(ctx context.Context, filter nostr.Filter) ([]SyncItem, error) {
	events, err := s.QueryEvents(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]SyncItem, 0, len(events))
	for _, evt := range events {
		items = append(items, SyncItem{ID: evt.ID, CreatedAt: evt.CreatedAt})
	}
	return items, nil
}

// Len reports the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
