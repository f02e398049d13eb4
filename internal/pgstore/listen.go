package pgstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
)

type subscription struct {
	mu     sync.Mutex
	out    chan docstore.Snapshot // buffer of one, newest pending snapshot
	last   int64
	closed bool
}

func newSubscription() *subscription {
	return &subscription{out: make(chan docstore.Snapshot, 1)}
}

// deliver hands snap to the reader unless it is older than what was already
// delivered. A tombstone closes the subscription.
func (s *subscription) deliver(snap docstore.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if snap.Exists && snap.Version <= s.last {
		return
	}
	if !snap.Exists {
		snap.Version = s.last + 1
	}
	offer(s.out, snap)
	s.last = snap.Version
	if !snap.Exists {
		close(s.out)
		s.closed = true
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.out)
		s.closed = true
	}
}

// offer swaps a pending snapshot for the newer one. Callers hold the
// subscription lock, so nobody else sends in between.
func offer(ch chan docstore.Snapshot, snap docstore.Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- snap
}

func (s *Store) Subscribe(ctx context.Context, key string) (<-chan docstore.Snapshot, error) {
	if s.ctx.Err() != nil {
		return nil, docstore.ErrClosed
	}

	// Register before reading so a write landing in between is not missed.
	sub := newSubscription()
	s.mu.Lock()
	set, ok := s.subs[key]
	if !ok {
		set = make(map[*subscription]struct{})
		s.subs[key] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()

	snap, err := s.Get(ctx, key)
	if err != nil {
		s.unsubscribe(key, sub)
		return nil, err
	}
	sub.deliver(snap)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.unsubscribe(key, sub)
	}()
	return sub.out, nil
}

func (s *Store) unsubscribe(key string, sub *subscription) {
	s.mu.Lock()
	if set, ok := s.subs[key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subs, key)
		}
	}
	s.mu.Unlock()
	sub.close()
}

func (s *Store) watched(key string) []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subs[key]
	out := make([]*subscription, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

func (s *Store) watchedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.subs))
	for key := range s.subs {
		keys = append(keys, key)
	}
	return keys
}

// listen holds one connection in LISTEN mode for the lifetime of the store
// and reconnects with backoff when it drops.
func (s *Store) listen() {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 10 * time.Second

	for {
		err := s.listenOnce(bo)
		if s.ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		s.log.Warn("listener dropped, reconnecting", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-time.After(wait):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Store) listenOnce(bo backoff.BackOff) error {
	conn, err := s.pool.Acquire(s.ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(s.ctx, "LISTEN "+channel); err != nil {
		return err
	}
	bo.Reset()

	// Notifications sent while we were not listening are lost; catch up.
	for _, key := range s.watchedKeys() {
		s.refresh(key)
	}

	for {
		n, err := conn.Conn().WaitForNotification(s.ctx)
		if err != nil {
			return err
		}
		s.refresh(n.Payload)
	}
}

// refresh re-reads key and pushes the result to its subscribers.
func (s *Store) refresh(key string) {
	subs := s.watched(key)
	if len(subs) == 0 {
		return
	}

	snap, err := s.Get(s.ctx, key)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		snap = docstore.Snapshot{Key: key}
	case err != nil:
		s.log.Warn("refresh failed", zap.String("key", key), zap.Error(err))
		return
	}

	for _, sub := range subs {
		sub.deliver(snap)
		if !snap.Exists {
			s.unsubscribe(key, sub)
		}
	}
}
