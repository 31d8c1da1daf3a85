// Package index is the best-effort search-index side effect of
// schedule_request (spec.md §4.E step 3): a document of {name, packed_id}
// is indexed so a task can be found by name. Failures are logged and
// swallowed by the caller, never fatal to scheduling.
package index

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Document is the searchable record for one scheduled Request.
type Document struct {
	Name     string
	PackedID string
}

// Index is the capability the scheduler core depends on.
type Index interface {
	PutAsync(ctx context.Context, docs ...Document) <-chan error
}

// RedisIndex implements Index directly against the same Redis instance the
// store adapter uses: no third-party search engine in the example pack is
// wired for this kind of auxiliary lookup, so rather than adding an
// unrelated dependency the index reuses the store's Redis connection as a
// simple packed_id -> name hash, queryable with HSCAN/HGET. See
// SPEC_FULL.md's DOMAIN STACK section for why this is the one place we
// chose not to introduce a new dependency.
type RedisIndex struct {
	rdb *redis.Client
}

// NewRedisIndex wraps a Redis client.
func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

const indexKey = "tf:index:requests"

// PutAsync indexes docs in the background and reports the first error (if
// any) on the returned channel, mirroring search.Index.put_async's
// fire-and-forget future.
func (i *RedisIndex) PutAsync(ctx context.Context, docs ...Document) <-chan error {
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		for _, d := range docs {
			if err := i.rdb.HSet(ctx, indexKey, d.PackedID, d.Name).Err(); err != nil {
				errc <- err
				return
			}
		}
	}()
	return errc
}
