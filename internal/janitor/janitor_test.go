package janitor

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
	"github.com/DoyleJ11/tactics-room-backend/internal/memstore"
)

func TestSweepOnce_DeletesOnlyExpiredRooms(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewHub(ctx, zap.NewNop())
	defer store.Close()

	require.NoError(t, store.Create(ctx, "111111", []byte(`{}`)))
	require.NoError(t, store.Create(ctx, "222222", []byte(`{}`)))

	j := New(store, time.Hour, time.Minute, zap.NewNop())

	n, err := j.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh rooms survive")

	j.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = j.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, "111111")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestSweepOnce_ClosesSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := memstore.NewHub(ctx, zap.NewNop())
	defer store.Close()

	require.NoError(t, store.Create(ctx, "111111", []byte(`{}`)))
	out, err := store.Subscribe(ctx, "111111")
	require.NoError(t, err)
	<-out

	j := New(store, 0, time.Minute, zap.NewNop())
	j.now = func() time.Time { return time.Now().Add(time.Second) }
	_, err = j.SweepOnce(ctx)
	require.NoError(t, err)

	select {
	case snap := <-out:
		assert.False(t, snap.Exists)
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("no tombstone after sweep")
	}
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) SweepOlderThan(context.Context, time.Time) (int, error) {
	c.calls.Add(1)
	return 0, c.err
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	sw := &countingSweeper{err: errors.New("database is down")}
	j := New(sw, time.Hour, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.calls.Load() >= 3 }, time.Second, 5*time.Millisecond,
		"failed sweeps keep being retried")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestGormSweeper(t *testing.T) {
	dsn := os.Getenv("TACTICS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TACTICS_TEST_DATABASE_URL not set")
	}
	g, err := NewGormSweeper(dsn)
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.db.Exec(`CREATE TABLE IF NOT EXISTS rooms (
		code TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`).Error)

	// nothing is older than the epoch
	n, err := g.SweepOlderThan(context.Background(), time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
