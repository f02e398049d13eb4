// Package memstore is an in-process docstore.Store. A single hub goroutine
// owns every document, so each transaction runs to completion before the
// next one starts and never needs a retry.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
)

type hubMsg interface{ isHubMsg() }

type createDoc struct {
	Key   string
	Data  []byte
	Reply chan error
}

type getDoc struct {
	Key   string
	Reply chan result
}

type transactDoc struct {
	Key   string
	Fn    docstore.TxFunc
	Reply chan result
}

type deleteDoc struct {
	Key   string
	Reply chan error
}

type subscribeDoc struct {
	Key   string
	ID    string
	Sub   *subscriber
	Reply chan error
}

type unsubscribeDoc struct {
	Key string
	ID  string
}

type sweepDocs struct {
	Cutoff time.Time
	Reply  chan int
}

type result struct {
	Snap docstore.Snapshot
	Err  error
}

func (createDoc) isHubMsg()      {}
func (getDoc) isHubMsg()         {}
func (transactDoc) isHubMsg()    {}
func (deleteDoc) isHubMsg()      {}
func (subscribeDoc) isHubMsg()   {}
func (unsubscribeDoc) isHubMsg() {}
func (sweepDocs) isHubMsg()      {}

type Hub struct {
	inbox     chan hubMsg
	docs      map[string]*document
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ docstore.Store = (*Hub)(nil)
var _ docstore.Sweeper = (*Hub)(nil)

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan hubMsg, 64),
		docs:   make(map[string]*document),
		log:    log.Named("memstore"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

// Close stops the hub and closes every open subscription.
func (h *Hub) Close() {
	h.closeOnce.Do(h.cancel)
	<-h.done
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case createDoc:
				if _, ok := h.docs[msg.Key]; ok {
					msg.Reply <- docstore.ErrExists
					break
				}
				h.docs[msg.Key] = newDocument(msg.Key, msg.Data, time.Now().UTC())
				msg.Reply <- nil

			case getDoc:
				d, ok := h.docs[msg.Key]
				if !ok {
					msg.Reply <- result{Err: docstore.ErrNotFound}
					break
				}
				msg.Reply <- result{Snap: d.snapshot()}

			case transactDoc:
				msg.Reply <- h.transact(msg.Key, msg.Fn)

			case deleteDoc:
				h.remove(msg.Key)
				msg.Reply <- nil

			case subscribeDoc:
				d, ok := h.docs[msg.Key]
				if !ok {
					msg.Reply <- docstore.ErrNotFound
					break
				}
				d.join(msg.ID, msg.Sub)
				msg.Reply <- nil

			case unsubscribeDoc:
				if d, ok := h.docs[msg.Key]; ok {
					d.leave(msg.ID)
				}

			case sweepDocs:
				n := 0
				for key, d := range h.docs {
					if d.createdAt.Before(msg.Cutoff) {
						h.remove(key)
						n++
					}
				}
				msg.Reply <- n
			}
		}
	}
}

func (h *Hub) transact(key string, fn docstore.TxFunc) result {
	d, ok := h.docs[key]
	if !ok {
		return result{Err: docstore.ErrNotFound}
	}

	mut, err := fn(bytes.Clone(d.data))
	if err != nil {
		return result{Err: err}
	}

	switch mut.Op {
	case docstore.OpPut:
		if mut.Data == nil {
			return result{Err: errors.New("memstore: put without data")}
		}
		return result{Snap: d.put(mut.Data)}
	case docstore.OpDelete:
		snap := docstore.Snapshot{Key: key, Version: d.version + 1, CreatedAt: d.createdAt}
		h.remove(key)
		return result{Snap: snap}
	default:
		return result{Snap: d.snapshot()}
	}
}

func (h *Hub) remove(key string) {
	d, ok := h.docs[key]
	if !ok {
		return
	}
	delete(h.docs, key)
	d.tombstone()
	h.log.Debug("document removed", zap.String("key", key))
}

func (h *Hub) shutdown() {
	for key, d := range h.docs {
		d.shutdown()
		delete(h.docs, key)
	}
}

// send hands msg to the loop unless ctx or the hub ends first.
func (h *Hub) send(ctx context.Context, msg hubMsg) error {
	select {
	case h.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return docstore.ErrClosed
	}
}

func await[T any](h *Hub, reply chan T) (T, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		var zero T
		return zero, docstore.ErrClosed
	}
}

func (h *Hub) Create(ctx context.Context, key string, doc []byte) error {
	reply := make(chan error, 1)
	if err := h.send(ctx, createDoc{Key: key, Data: doc, Reply: reply}); err != nil {
		return err
	}
	err, closedErr := await(h, reply)
	if closedErr != nil {
		return closedErr
	}
	return err
}

func (h *Hub) Get(ctx context.Context, key string) (docstore.Snapshot, error) {
	reply := make(chan result, 1)
	if err := h.send(ctx, getDoc{Key: key, Reply: reply}); err != nil {
		return docstore.Snapshot{}, err
	}
	res, err := await(h, reply)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	return res.Snap, res.Err
}

func (h *Hub) Transact(ctx context.Context, key string, fn docstore.TxFunc) (docstore.Snapshot, error) {
	reply := make(chan result, 1)
	if err := h.send(ctx, transactDoc{Key: key, Fn: fn, Reply: reply}); err != nil {
		return docstore.Snapshot{}, err
	}
	res, err := await(h, reply)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	return res.Snap, res.Err
}

func (h *Hub) UpdateFields(ctx context.Context, key string, fields map[string]any) error {
	_, err := h.Transact(ctx, key, func(current []byte) (docstore.Mutation, error) {
		merged, err := docstore.MergeFields(current, fields)
		if err != nil {
			return docstore.Mutation{}, fmt.Errorf("memstore: update %s: %w", key, err)
		}
		return docstore.Put(merged), nil
	})
	return err
}

func (h *Hub) Delete(ctx context.Context, key string) error {
	reply := make(chan error, 1)
	if err := h.send(ctx, deleteDoc{Key: key, Reply: reply}); err != nil {
		return err
	}
	_, err := await(h, reply)
	return err
}

func (h *Hub) Subscribe(ctx context.Context, key string) (<-chan docstore.Snapshot, error) {
	id := uuid.NewString()
	sub := &subscriber{
		outbox: make(chan docstore.Snapshot, 1),
		gone:   make(chan struct{}),
	}

	reply := make(chan error, 1)
	if err := h.send(ctx, subscribeDoc{Key: key, ID: id, Sub: sub, Reply: reply}); err != nil {
		return nil, err
	}
	err, closedErr := await(h, reply)
	if closedErr != nil {
		return nil, closedErr
	}
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = h.send(context.Background(), unsubscribeDoc{Key: key, ID: id})
		case <-sub.gone:
		case <-h.done:
		}
	}()
	return sub.outbox, nil
}

func (h *Hub) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	reply := make(chan int, 1)
	if err := h.send(ctx, sweepDocs{Cutoff: cutoff, Reply: reply}); err != nil {
		return 0, err
	}
	return await(h, reply)
}
