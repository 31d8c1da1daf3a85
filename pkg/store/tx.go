package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Tx is the read/write handle passed to a Transaction callback. Reads are
// dispatched together in GetMulti (a single pipelined round trip — the Go
// stand-in for "issue reads in parallel"); writes are staged with Put/Del
// and flushed atomically by the Store once fn returns successfully.
type Tx struct {
	rtx    *redis.Tx
	ctx    context.Context
	writes map[string][]byte
	dels   map[string]bool
}

func newTx(ctx context.Context, rtx *redis.Tx) *Tx {
	return &Tx{
		rtx:    rtx,
		ctx:    ctx,
		writes: make(map[string][]byte),
		dels:   make(map[string]bool),
	}
}

// Get reads a single key, returning ErrNotFound if absent.
func (t *Tx) Get(key RedisKeyer) ([]byte, error) {
	vals, err := t.GetMulti(key)
	if err != nil {
		return nil, err
	}
	if vals[0] == nil {
		return nil, ErrNotFound
	}
	return vals[0], nil
}

// GetMulti reads every key in one pipelined round trip and joins the
// results, returning nil for any key with no value (callers check
// presence themselves, mirroring the original's `if not to_run:` checks
// rather than treating absence as an error at this layer).
func (t *Tx) GetMulti(keys ...RedisKeyer) ([][]byte, error) {
	cmds := make([]*redis.StringCmd, len(keys))
	_, err := t.rtx.Pipelined(t.ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.Get(t.ctx, k.RedisKey())
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, cmd := range cmds {
		b, cerr := cmd.Bytes()
		if cerr != nil {
			if cerr == redis.Nil {
				continue
			}
			return nil, cerr
		}
		out[i] = b
	}
	return out, nil
}

// Put stages key=value to be written atomically when the transaction
// commits.
func (t *Tx) Put(key RedisKeyer, value []byte) {
	rk := key.RedisKey()
	delete(t.dels, rk)
	t.writes[rk] = value
}

// Del stages key for deletion when the transaction commits.
func (t *Tx) Del(key RedisKeyer) {
	rk := key.RedisKey()
	delete(t.writes, rk)
	t.dels[rk] = true
}
