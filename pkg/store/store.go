// Package store is the transaction primitive the scheduler core is built
// on: async get, atomic put_multi, and bounded-retry transactions scoped to
// one entity group, backed by Redis.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get/GetAsync when the key has no value.
var ErrNotFound = errors.New("store: not found")

// ErrAbort is a sentinel a Transaction callback can return to mean "stop,
// do not commit, do not retry, this isn't a conflict" — the Go mapping of
// the original's transactions that `return None`/`return False` without
// raising (stale reap race, §7.3).
var ErrAbort = errors.New("store: aborted (not a conflict)")

// CommitError is surfaced when a Transaction exhausts its retries against
// repeated commit conflicts (spec.md §4.B, §7.2).
type CommitError struct {
	Attempts int
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("store: commit failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Future is a handle to an in-flight asynchronous read, awaited at a join
// point (spec.md §4.B, §9 "coroutines / async").
type Future struct {
	ch chan futureResult
}

type futureResult struct {
	val []byte
	err error
}

func newFuture() *Future {
	return &Future{ch: make(chan futureResult, 1)}
}

func (f *Future) deliver(val []byte, err error) {
	f.ch <- futureResult{val: val, err: err}
}

// Await blocks until the read completes or ctx is canceled.
func (f *Future) Await(ctx context.Context) ([]byte, error) {
	select {
	case r := <-f.ch:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Item is a key/value pair for PutMulti.
type Item struct {
	Key   []byte
	Value []byte
}

// RedisKeyer lets callers address entities without importing pkg/ids here,
// keeping Store a small capability interface per spec.md §9 ("Dynamic
// dispatch / duck-typed mocking... do not embed a concrete store client in
// core types").
type RedisKeyer interface {
	RedisKey() string
}

// Store is the capability the scheduler core depends on. It is satisfied
// by *RedisStore in production and can be faked in tests.
type Store interface {
	// GetAsync issues a read for key and returns a Future joined later.
	GetAsync(ctx context.Context, key RedisKeyer) *Future

	// PutMulti writes every item atomically as a single Redis round trip.
	// It does not participate in optimistic locking; use Transaction when
	// the write depends on a prior read of the same keys.
	PutMulti(ctx context.Context, items ...Item) error

	// Transaction runs fn with a Tx scoped to groupRoot's entity group,
	// retrying up to retries times on a commit conflict. fn may return
	// ErrAbort to cancel without retrying and without error.
	Transaction(ctx context.Context, groupRoot uint64, retries int, fn func(tx *Tx) error) error

	// DedupeLookup returns the packed ResultSummary key of the most
	// recently created entry in the idempotent-dedupe index for hash, or
	// "" if none exists. It is an eventually-consistent cross-group query
	// (spec.md §4.B).
	DedupeLookup(ctx context.Context, hash string) (string, bool, error)

	// DedupeIndex registers resultSummaryPacked under hash so future
	// idempotent requests can find it once it completes successfully.
	DedupeIndex(ctx context.Context, hash string, root uint64, resultSummaryPacked string) error
}
