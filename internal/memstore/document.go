package memstore

import (
	"bytes"
	"time"

	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
)

type subscriber struct {
	outbox chan docstore.Snapshot // buffer of one, always holds the newest pending snapshot
	gone   chan struct{}          // closed when the hub drops the subscriber
}

// document is only touched from the hub loop.
type document struct {
	key       string
	data      []byte
	version   int64
	createdAt time.Time
	subs      map[string]*subscriber
}

func newDocument(key string, data []byte, now time.Time) *document {
	return &document{
		key:       key,
		data:      bytes.Clone(data),
		version:   1,
		createdAt: now,
		subs:      make(map[string]*subscriber),
	}
}

func (d *document) snapshot() docstore.Snapshot {
	return docstore.Snapshot{
		Key:       d.key,
		Version:   d.version,
		Exists:    true,
		Data:      bytes.Clone(d.data),
		CreatedAt: d.createdAt,
	}
}

func (d *document) put(data []byte) docstore.Snapshot {
	d.data = bytes.Clone(data)
	d.version++
	snap := d.snapshot()
	d.broadcast(snap)
	return snap
}

func (d *document) join(id string, sub *subscriber) {
	d.subs[id] = sub
	// New subscribers get the current state right away.
	offer(sub.outbox, d.snapshot())
}

func (d *document) leave(id string) {
	sub, ok := d.subs[id]
	if !ok {
		return
	}
	delete(d.subs, id)
	close(sub.outbox)
	close(sub.gone)
}

func (d *document) broadcast(snap docstore.Snapshot) {
	for _, sub := range d.subs {
		offer(sub.outbox, snap)
	}
}

// tombstone tells every subscriber the document is gone and drops them.
func (d *document) tombstone() {
	dead := docstore.Snapshot{Key: d.key, Version: d.version + 1, CreatedAt: d.createdAt}
	d.broadcast(dead)
	for id := range d.subs {
		d.leave(id)
	}
}

// shutdown drops subscribers without a tombstone: the document still exists,
// the store just stopped serving it.
func (d *document) shutdown() {
	for id := range d.subs {
		d.leave(id)
	}
}

// offer replaces a pending, unread snapshot with snap instead of blocking the
// hub on a slow reader. The hub is the only sender, so after draining the
// buffer the second send always succeeds.
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
	select {
	case ch <- snap:
	default:
	}
}
