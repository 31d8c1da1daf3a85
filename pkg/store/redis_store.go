package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/guido-cesarano/taskforge/pkg/ids"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store, backed by a single Redis instance
// (or cluster using hash-tagged keys, see pkg/ids.GroupPrefix).
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// GetAsync issues the read in a goroutine and returns immediately, the Go
// mapping of ndb's get_async.
func (s *RedisStore) GetAsync(ctx context.Context, key RedisKeyer) *Future {
	fut := newFuture()
	go func() {
		b, err := s.rdb.Get(ctx, key.RedisKey()).Bytes()
		if errors.Is(err, redis.Nil) {
			fut.deliver(nil, ErrNotFound)
			return
		}
		fut.deliver(b, err)
	}()
	return fut
}

// PutMulti writes every item as one atomic pipelined round trip.
func (s *RedisStore) PutMulti(ctx context.Context, items ...Item) error {
	if len(items) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for _, it := range items {
		pipe.Set(ctx, string(it.Key), it.Value, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Transaction runs fn against the entity group rooted at groupRoot, using
// Redis WATCH/MULTI/EXEC for optimistic concurrency: if any watched key
// changes between the read and the write phase, go-redis returns
// redis.TxFailedErr and the whole callback is retried, up to retries times.
// This is the Go analogue of the original's ndb transaction with
// `retries=N`; retries=0 means "fail fast, let the caller move on"
// (used by reap, per spec.md §5).
func (s *RedisStore) Transaction(ctx context.Context, groupRoot uint64, retries int, fn func(tx *Tx) error) error {
	keys := ids.GroupKeys(groupRoot)
	attempt := 0
	for {
		var abort error
		txErr := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			tx := newTx(ctx, rtx)
			if err := fn(tx); err != nil {
				if errors.Is(err, ErrAbort) {
					abort = err
					return nil
				}
				return err
			}
			if len(tx.writes) == 0 && len(tx.dels) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for k, v := range tx.writes {
					pipe.Set(ctx, k, v, 0)
				}
				for k := range tx.dels {
					pipe.Del(ctx, k)
				}
				return nil
			})
			return err
		}, keys...)

		if abort != nil {
			return nil
		}
		if txErr == nil {
			return nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			attempt++
			if attempt > retries {
				return &CommitError{Attempts: attempt, Err: txErr}
			}
			continue
		}
		return txErr
	}
}

func dedupeKey(hash string) string {
	return fmt.Sprintf("tf:dedupe:%s", hash)
}

// DedupeIndex adds resultSummaryPacked to hash's dedupe ZSET. Members are
// zero-padded-hex(root) + packed key so ZRANGEBYLEX ascending gives
// newest-first order (see pkg/ids.NewRequestKey and SPEC_FULL.md, Open
// Question 1), without needing a composite index on created_ts.
func (s *RedisStore) DedupeIndex(ctx context.Context, hash string, root uint64, resultSummaryPacked string) error {
	member := fmt.Sprintf("%016x:%s", root, resultSummaryPacked)
	return s.rdb.ZAdd(ctx, dedupeKey(hash), redis.Z{Score: 0, Member: member}).Err()
}

// DedupeLookup returns the newest indexed ResultSummary packed key for
// hash, if any.
func (s *RedisStore) DedupeLookup(ctx context.Context, hash string) (string, bool, error) {
	members, err := s.rdb.ZRangeByLex(ctx, dedupeKey(hash), &redis.ZRangeBy{
		Min:   "-",
		Max:   "+",
		Count: 1,
	}).Result()
	if err != nil {
		return "", false, err
	}
	if len(members) == 0 {
		return "", false, nil
	}
	m := members[0]
	idx := len("0000000000000000:")
	if len(m) <= idx {
		return "", false, fmt.Errorf("store: malformed dedupe member %q", m)
	}
	return m[idx:], true, nil
}
