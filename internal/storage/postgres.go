package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaDDL string

const (
	connectAttempts   = 5
	connectBackoff    = 2 * time.Second
	queryTimeout      = 5 * time.Second
	insertBatchSize   = 50
	bloomCapacity     = 1_000_000
	bloomFalsePosRate = 0.01
)

// PostgresStore keeps the local event set in Postgres (or CockroachDB). A
// bloom filter tracks every stored id, so a bloom miss is an authoritative
// not-found and lookups can skip the round trip. Bloom hits prove nothing
// (the filter has false positives) and never gate a write.
type PostgresStore struct {
	pool  db
	bloom *bloom.BloomFilter
	log   *zap.Logger
}

// db is the slice of pgxpool.Pool the store uses, split out so tests can
// substitute a recorder.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// OpenPostgres connects with retries, applies the schema and warms the bloom
// filter from the stored ids.
func OpenPostgres(ctx context.Context, dbURI string, log *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}
	config.HealthCheckPeriod = 30 * time.Second

	var pool *pgxpool.Pool
	backoff := connectBackoff
	for i := 0; i < connectAttempts; i++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
			pool = nil
		}
		log.Warn("failed to connect to database, retrying",
			zap.Error(err),
			zap.Int("attempt", i+1),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if pool == nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", connectAttempts, err)
	}

	s := &PostgresStore{
		pool:  pool,
		bloom: bloom.NewWithEstimates(bloomCapacity, bloomFalsePosRate),
		log:   log.Named("storage"),
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.warmBloom(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.log.Info("local event store ready")
	return s, nil
}

func (s *PostgresStore) warmBloom(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT id FROM events`)
	if err != nil {
		return fmt.Errorf("failed to fetch event ids: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		s.bloom.AddString(id)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed scanning event ids: %w", err)
	}
	s.log.Debug("bloom filter warmed", zap.Int("events", count))
	return nil
}

// SaveEvent persists one event, skipping ids already present. The insert
// always runs: ON CONFLICT is what deduplicates, a bloom hit is only a
// "maybe" and must not drop a genuinely new event.
func (s *PostgresStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		evt.ID, evt.PubKey, evt.CreatedAt.Time().Unix(),
		evt.Kind, evt.Tags, evt.Content, evt.Sig)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	s.bloom.AddString(evt.ID)
	return nil
}

// SaveEvents persists a batch in bounded-size transactions.
func (s *PostgresStore) SaveEvents(ctx context.Context, events []*nostr.Event) error {
	if len(events) == 0 {
		return nil
	}
	for start := 0; start < len(events); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(events) {
			end = len(events)
		}
		if err := s.insertBatch(ctx, events[start:end]); err != nil {
			return fmt.Errorf("batch insert failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) insertBatch(ctx context.Context, events []*nostr.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, evt := range events {
		batch.Queue(
			`INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			evt.ID, evt.PubKey, evt.CreatedAt.Time().Unix(),
			evt.Kind, evt.Tags, evt.Content, evt.Sig)
	}
	results := tx.SendBatch(ctx, batch)
	if err := results.Close(); err != nil {
		return fmt.Errorf("batch execution failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transaction commit failed: %w", err)
	}
	for _, evt := range events {
		s.bloom.AddString(evt.ID)
	}
	return nil
}

// EventByID returns the full event for an id, or ErrNotFound. A bloom miss
// short-circuits: the filter holds every stored id, so a miss cannot be
// stale.
func (s *PostgresStore) EventByID(ctx context.Context, id string) (*nostr.Event, error) {
	if !s.bloom.TestString(id) {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT id, pubkey, kind, created_at, content, tags, sig FROM events WHERE id = $1`, id)

	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch event: %w", err)
	}
	return evt, nil
}

// QueryEvents returns stored events matching the filter.
func (s *PostgresStore) QueryEvents(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	query, args, err := buildEventQuery(filter, "id, pubkey, kind, created_at, content, tags, sig")
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []nostr.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			s.log.Warn("row scan failed", zap.Error(err))
			continue
		}
		events = append(events, *evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed scanning events: %w", err)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt < events[j].CreatedAt
	})
	return events, nil
}

// SyncItems returns the (id, created_at) pairs matching the filter.
func (s *PostgresStore) SyncItems(ctx context.Context, filter nostr.Filter) ([]SyncItem, error) {
	query, args, err := buildEventQuery(filter, "id, created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync items: %w", err)
	}
	defer rows.Close()

	var items []SyncItem
	for rows.Next() {
		var id string
		var createdAt int64
		if err := rows.Scan(&id, &createdAt); err != nil {
			continue
		}
		items = append(items, SyncItem{ID: id, CreatedAt: nostr.Timestamp(createdAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed scanning sync items: %w", err)
	}
	return items, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanEvent(row pgx.Row) (*nostr.Event, error) {
	var evt nostr.Event
	var createdAt int64
	var rawTags []byte
	if err := row.Scan(&evt.ID, &evt.PubKey, &evt.Kind, &createdAt, &evt.Content, &rawTags, &evt.Sig); err != nil {
		return nil, err
	}
	evt.CreatedAt = nostr.Timestamp(createdAt)
	if len(rawTags) > 0 {
		if err := json.Unmarshal(rawTags, &evt.Tags); err != nil {
			evt.Tags = nostr.Tags{}
		}
	}
	return &evt, nil
}
