// Package docstore defines the document store the room coordinator runs on:
// point reads and writes, single-document transactions, and push
// subscriptions delivering the latest snapshot of a document.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
	ErrClosed   = errors.New("store closed")
)

// Snapshot is the committed state of one document. Exists is false once the
// document has been deleted; Data is nil in that case.
type Snapshot struct {
	Key       string
	Version   int64
	Exists    bool
	Data      []byte
	CreatedAt time.Time
}

type MutationOp int

const (
	OpKeep MutationOp = iota
	OpPut
	OpDelete
)

// Mutation is what a TxFunc decides to commit.
type Mutation struct {
	Op   MutationOp
	Data []byte
}

func Keep() Mutation           { return Mutation{Op: OpKeep} }
func Put(data []byte) Mutation { return Mutation{Op: OpPut, Data: data} }
func DeleteDoc() Mutation      { return Mutation{Op: OpDelete} }

// TxFunc receives the latest committed bytes of the document. It may be
// invoked more than once when the store retries after a conflicting write,
// so it must be free of side effects and must not call back into the store.
// Returning an error aborts the transaction without writing.
type TxFunc func(current []byte) (Mutation, error)

type Store interface {
	Create(ctx context.Context, key string, doc []byte) error
	Get(ctx context.Context, key string) (Snapshot, error)
	// Transact returns the snapshot that was committed (or read, for Keep).
	Transact(ctx context.Context, key string, fn TxFunc) (Snapshot, error)
	// UpdateFields shallow-merges top-level JSON fields into the document.
	UpdateFields(ctx context.Context, key string, fields map[string]any) error
	Delete(ctx context.Context, key string) error
	// Subscribe delivers the current snapshot first, then every change in
	// version order. Intermediate versions may be skipped for slow readers.
	// After a deletion one Snapshot{Exists: false} is sent and the channel
	// is closed. Cancelling ctx closes the channel.
	Subscribe(ctx context.Context, key string) (<-chan Snapshot, error)
}

// Sweeper deletes documents created before cutoff.
type Sweeper interface {
	SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
