package storage

import (
	"context"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
)

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = fmt.Errorf("event not found")

// SyncItem is one (id, created_at) pair of the local set, the unit the
// reconciler works with.
type SyncItem struct {
	ID        string
	CreatedAt nostr.Timestamp
}

// Store is the local event set the pool reconciles against relays. Both
// implementations de-duplicate on event id.
type Store interface {
	// SaveEvent persists one event. Saving an already-present id is a
	// no-op.
	SaveEvent(ctx context.Context, evt *nostr.Event) error

	// SaveEvents persists a batch, skipping ids already present.
	SaveEvents(ctx context.Context, events []*nostr.Event) error

	// EventByID returns the full event for an id, or ErrNotFound.
	EventByID(ctx context.Context, id string) (*nostr.Event, error)

	// QueryEvents returns the stored events matching the filter, newest
	// first unless the filter is since-only.
	QueryEvents(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error)

	// SyncItems returns the (id, created_at) pairs matching the filter,
	// for feeding a reconciliation session.
	SyncItems(ctx context.Context, filter nostr.Filter) ([]SyncItem, error)

	// Close releases the store's resources.
	Close() error
}
