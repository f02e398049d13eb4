// Package pgstore is a docstore.Store on PostgreSQL. Documents live in one
// JSONB column; transactions lock the row with SELECT ... FOR UPDATE and
// subscriptions are fed by a trigger that NOTIFYs on every write.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
)

const channel = "room_changes"

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	code       TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS rooms_created_at_idx ON rooms (created_at);

CREATE OR REPLACE FUNCTION notify_room_change() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('room_changes', OLD.code);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('room_changes', NEW.code);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS rooms_notify ON rooms;
CREATE TRIGGER rooms_notify
	AFTER INSERT OR UPDATE OR DELETE ON rooms
	FOR EACH ROW EXECUTE FUNCTION notify_room_change();
`

// maxTxAttempts bounds retries after serialization failures and deadlocks.
const maxTxAttempts = 5

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ docstore.Store = (*Store)(nil)

func New(ctx context.Context, connString string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:   pool,
		log:    log.Named("pgstore"),
		subs:   make(map[string]map[*subscription]struct{}),
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.listen()
	return s, nil
}

// Migrate creates the rooms table and its change-notification trigger.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.cancel()
	<-s.done

	s.mu.Lock()
	for key, set := range s.subs {
		for sub := range set {
			sub.close()
		}
		delete(s.subs, key)
	}
	s.mu.Unlock()

	s.pool.Close()
}

func (s *Store) Create(ctx context.Context, key string, doc []byte) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO rooms (code, doc) VALUES ($1, $2::jsonb)`, key, string(doc))
	if err != nil {
		var pgErr *pgconn.PgError
		// "23505" is the PostgreSQL error code for unique_violation
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return docstore.ErrExists
		}
		return wrap(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (docstore.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT doc::text, version, created_at FROM rooms WHERE code = $1`, key)
	return scanSnapshot(key, row)
}

func (s *Store) Transact(ctx context.Context, key string, fn docstore.TxFunc) (docstore.Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		snap, err := s.transactOnce(ctx, key, fn)
		if !retryable(err) {
			return snap, err
		}
		lastErr = err
		s.log.Debug("retrying transaction", zap.String("key", key), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return docstore.Snapshot{}, wrap(lastErr)
}

func (s *Store) transactOnce(ctx context.Context, key string, fn docstore.TxFunc) (docstore.Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return docstore.Snapshot{}, wrap(err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT doc::text, version, created_at FROM rooms WHERE code = $1 FOR UPDATE`, key)
	cur, err := scanSnapshot(key, row)
	if err != nil {
		return docstore.Snapshot{}, err
	}

	mut, err := fn(cur.Data)
	if err != nil {
		return docstore.Snapshot{}, err
	}

	next := cur
	switch mut.Op {
	case docstore.OpKeep:
		return cur, nil
	case docstore.OpPut:
		err = tx.QueryRow(ctx,
			`UPDATE rooms SET doc = $2::jsonb, version = version + 1 WHERE code = $1 RETURNING version`,
			key, string(mut.Data),
		).Scan(&next.Version)
		next.Data = mut.Data
	case docstore.OpDelete:
		_, err = tx.Exec(ctx, `DELETE FROM rooms WHERE code = $1`, key)
		next = docstore.Snapshot{Key: key, Version: cur.Version + 1, CreatedAt: cur.CreatedAt}
	}
	if err != nil {
		return docstore.Snapshot{}, wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return docstore.Snapshot{}, wrap(err)
	}
	return next, nil
}

func (s *Store) UpdateFields(ctx context.Context, key string, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("pgstore: encode fields: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE rooms SET doc = doc || $2::jsonb, version = version + 1 WHERE code = $1`,
		key, string(patch),
	)
	if err != nil {
		return wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE code = $1`, key); err != nil {
		return wrap(err)
	}
	return nil
}

func scanSnapshot(key string, row pgx.Row) (docstore.Snapshot, error) {
	var (
		doc     string
		version int64
		created time.Time
	)
	if err := row.Scan(&doc, &version, &created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docstore.Snapshot{}, docstore.ErrNotFound
		}
		return docstore.Snapshot{}, wrap(err)
	}
	return docstore.Snapshot{
		Key:       key,
		Version:   version,
		Exists:    true,
		Data:      []byte(doc),
		CreatedAt: created,
	}, nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// wrap keeps context errors as they are and tags the rest as store errors.
func wrap(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("pgstore: %w", err)
}
