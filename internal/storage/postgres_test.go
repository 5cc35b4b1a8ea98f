package storage

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

// fakeDB records statements without talking to a server.
type fakeDB struct {
	execs     []string
	queryRows int
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queryRows++
	return noRow{}
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) { return nil, pgx.ErrTxClosed }

func (f *fakeDB) Close() {}

type noRow struct{}

func (noRow) Scan(dest ...any) error { return pgx.ErrNoRows }

func newFakePostgresStore(conn db) *PostgresStore {
	return &PostgresStore{
		pool:  conn,
		bloom: bloom.NewWithEstimates(1000, 0.01),
		log:   zap.NewNop(),
	}
}

func TestPostgresSaveEventInsertsDespiteBloomHit(t *testing.T) {
	fake := &fakeDB{}
	store := newFakePostgresStore(fake)
	evt := testEvent(0, 1, 1000)

	// Simulate a false positive for an id that was never stored. The
	// insert must still run; only ON CONFLICT may suppress a write.
	store.bloom.AddString(evt.ID)

	require.NoError(t, store.SaveEvent(context.Background(), evt))
	require.Len(t, fake.execs, 1)
	assert.Contains(t, fake.execs[0], "ON CONFLICT")
}

func TestPostgresEventByIDShortCircuitsOnBloomMiss(t *testing.T) {
	fake := &fakeDB{}
	store := newFakePostgresStore(fake)

	_, err := store.EventByID(context.Background(), testEvent(5, 1, 1000).ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, fake.queryRows)
}

func TestPostgresEventByIDQueriesOnBloomHit(t *testing.T) {
	fake := &fakeDB{}
	store := newFakePostgresStore(fake)
	id := testEvent(5, 1, 1000).ID
	store.bloom.AddString(id)

	_, err := store.EventByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, fake.queryRows)
}
