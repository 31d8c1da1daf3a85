// Package queue implements the dispatchable ToRun index: computing
// queue_number, yielding pending and expired entries in priority/time
// order, and the negative lookup cache that keeps hot-task contention off
// the store.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guido-cesarano/taskforge/pkg/ids"
	"github.com/redis/go-redis/v9"
)

const (
	pendingKey    = "tf:torun:pending"
	expirationKey = "tf:torun:expiration"
	runningKey    = "tf:running"
	timestampBits = 48
	timestampMask = int64(1)<<timestampBits - 1
)

// GenQueueNumber packs priority and the current time into the 63-bit
// ordering key of spec.md §4.C: the high bits are the priority (lower
// numeric priority sorts first, i.e. dispatches first), the low 48 bits
// are milliseconds since epoch, so ascending sort is
// highest-priority-oldest-first. Called at schedule time and again on
// retry, when it must be regenerated with the current timestamp so the
// retried attempt queues fairly.
func GenQueueNumber(priority int, now time.Time) int64 {
	ms := now.UnixMilli() & timestampMask
	return int64(priority)<<timestampBits | ms
}

func memberFor(queueNumber int64, toRunKey ids.Key) string {
	return fmt.Sprintf("%016x:%s", uint64(queueNumber), ids.Pack(toRunKey))
}

func parseMember(member string) (Candidate, bool) {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return Candidate{}, false
	}
	qn, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return Candidate{}, false
	}
	k, err := ids.Unpack(parts[1])
	if err != nil {
		return Candidate{}, false
	}
	return Candidate{ToRunKey: k, QueueNumber: int64(qn)}, true
}

// Candidate is one entry yielded by the dispatch queue: a reapable ToRun
// key and the queue_number it was scored under.
type Candidate struct {
	ToRunKey    ids.Key
	QueueNumber int64
}

// Queue is the ToRun dispatch index, backed by a Redis sorted set keyed
// lexicographically (not by ZSET score, to avoid the 53-bit float64
// precision loss a 63-bit queue_number would otherwise suffer) plus a
// parallel hash tracking each entry's expiration.
type Queue struct {
	rdb   *redis.Client
	Cache *LookupCache
}

// New builds a Queue. ttl is the negative lookup cache's advisory TTL.
func New(rdb *redis.Client, ttl time.Duration) *Queue {
	return &Queue{rdb: rdb, Cache: NewLookupCache(ttl)}
}

// Add makes toRunKey dispatchable at queueNumber, expiring at expirationTS.
func (q *Queue) Add(ctx context.Context, toRunKey ids.Key, queueNumber int64, expirationTS time.Time) error {
	member := memberFor(queueNumber, toRunKey)
	val := fmt.Sprintf("%d:%d", expirationTS.Unix(), queueNumber)
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: 0, Member: member})
	pipe.HSet(ctx, expirationKey, ids.Pack(toRunKey), val)
	_, err := pipe.Exec(ctx)
	if err == nil {
		// Overwrite any non-reapable hint left by an earlier Remove (e.g. a
		// dead bot's task being re-enqueued for its retry).
		q.Cache.Set(ids.Pack(toRunKey), true, time.Now())
	}
	return err
}

// Remove unschedules toRunKey: it is removed from the dispatch index and
// the negative lookup cache is primed so other bots stop considering it
// without a store round trip.
func (q *Queue) Remove(ctx context.Context, toRunKey ids.Key) error {
	packed := ids.Pack(toRunKey)
	val, err := q.rdb.HGet(ctx, expirationKey, packed).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("queue: malformed expiration entry %q", val)
	}
	qn, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return err
	}
	member := memberFor(qn, toRunKey)
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, pendingKey, member)
	pipe.HDel(ctx, expirationKey, packed)
	_, err = pipe.Exec(ctx)
	if err == nil {
		q.Cache.Set(packed, false, time.Now())
	}
	return err
}

// Cursor lazily walks the dispatch queue in ascending queue_number order,
// skipping entries the negative lookup cache currently hints are
// non-reapable. It is the Go analogue of
// yield_next_available_task_to_dispatch's generator.
type Cursor struct {
	q          *Queue
	after      string
	batch      []string
	idx        int
	exhausted  bool
	batchSize  int64
}

// Yield returns a cursor over currently-pending candidates.
func (q *Queue) Yield(ctx context.Context) *Cursor {
	return &Cursor{q: q, batchSize: 200}
}

// Next returns the next candidate, or (nil, nil) once the queue is
// exhausted. The caller is responsible for the dimension-subset filter and
// the transactional reap attempt (pkg/scheduler); Next only advances
// through the cache-filtered ordering.
func (c *Cursor) Next(ctx context.Context) (*Candidate, error) {
	for {
		if c.idx >= len(c.batch) {
			if c.exhausted {
				return nil, nil
			}
			if err := c.fetchBatch(ctx); err != nil {
				return nil, err
			}
			if len(c.batch) == 0 {
				c.exhausted = true
				return nil, nil
			}
		}
		member := c.batch[c.idx]
		c.idx++
		c.after = member
		cand, ok := parseMember(member)
		if !ok {
			continue
		}
		if c.q.Cache.IsHintedNonReapable(ids.Pack(cand.ToRunKey), time.Now()) {
			continue
		}
		return &cand, nil
	}
}

func (c *Cursor) fetchBatch(ctx context.Context) error {
	min := "-"
	if c.after != "" {
		min = "(" + c.after
	}
	members, err := c.q.rdb.ZRangeByLex(ctx, pendingKey, &redis.ZRangeBy{
		Min:   min,
		Max:   "+",
		Count: c.batchSize,
	}).Result()
	if err != nil {
		return err
	}
	c.idx = 0
	c.batch = members
	if len(members) > 0 {
		c.after = members[len(members)-1]
	} else {
		c.exhausted = true
	}
	return nil
}

// TouchRunning records (or refreshes) the last-seen time for a RunResult
// that is actively RUNNING, so cron_handle_bot_died (pkg/cron) can find bots
// that have gone quiet. Called on reap and on every subsequent bot ping.
func (q *Queue) TouchRunning(ctx context.Context, runResultKey ids.Key, now time.Time) error {
	return q.rdb.ZAdd(ctx, runningKey, redis.Z{
		Score:  float64(now.Unix()),
		Member: ids.Pack(runResultKey),
	}).Err()
}

// ClearRunning removes runResultKey from the running index once it reaches
// a terminal state, so it stops being a dead-bot candidate.
func (q *Queue) ClearRunning(ctx context.Context, runResultKey ids.Key) error {
	return q.rdb.ZRem(ctx, runningKey, ids.Pack(runResultKey)).Err()
}

// YieldStaleRunning returns every RunResult key whose last TouchRunning call
// was at or before cutoff, the candidate set for cron_handle_bot_died.
func (q *Queue) YieldStaleRunning(ctx context.Context, cutoff time.Time) ([]ids.Key, error) {
	members, err := q.rdb.ZRangeByScore(ctx, runningKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ids.Key, 0, len(members))
	for _, m := range members {
		k, err := ids.Unpack(m)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// YieldExpired returns every currently-pending candidate whose expiration
// has passed, for the cron reconciler (spec.md §4.C
// yield_expired_task_to_run). Scanning the whole expiration hash is
// acceptable at cron cadence and the scale this scheduler targets.
func (q *Queue) YieldExpired(ctx context.Context, now time.Time) ([]Candidate, error) {
	all, err := q.rdb.HGetAll(ctx, expirationKey).Result()
	if err != nil {
		return nil, err
	}
	var out []Candidate
	cutoff := now.Unix()
	for packed, val := range all {
		parts := strings.SplitN(val, ":", 2)
		if len(parts) != 2 {
			continue
		}
		ts, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || ts > cutoff {
			continue
		}
		qn, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		k, err := ids.Unpack(packed)
		if err != nil {
			continue
		}
		out = append(out, Candidate{ToRunKey: k, QueueNumber: qn})
	}
	return out, nil
}
