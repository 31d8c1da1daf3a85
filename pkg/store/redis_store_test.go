package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskforge/pkg/ids"
	"github.com/redis/go-redis/v9"
)

type testKey string

func (k testKey) RedisKey() string { return string(k) }

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return s, NewRedisStore(rdb)
}

func TestPutMultiThenGetAsync(t *testing.T) {
	s, st := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	err := st.PutMulti(ctx, Item{Key: []byte("k1"), Value: []byte("v1")})
	if err != nil {
		t.Fatalf("PutMulti: %v", err)
	}

	fut := st.GetAsync(ctx, testKey("k1"))
	val, err := fut.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(val) != "v1" {
		t.Errorf("got %q, want v1", val)
	}
}

func TestGetAsyncNotFound(t *testing.T) {
	s, st := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	_, err := st.GetAsync(ctx, testKey("missing")).Await(ctx)
	if err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestTransactionCommits(t *testing.T) {
	s, st := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	reqKey := ids.Key{Kind: ids.KindRequest, Root: 0xABCD}
	err := st.Transaction(ctx, 0xABCD, 3, func(tx *Tx) error {
		tx.Put(reqKey, []byte("hello"))
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	val, err := st.GetAsync(ctx, reqKey).Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(val) != "hello" {
		t.Errorf("got %q, want hello", val)
	}
}

func TestTransactionAbort(t *testing.T) {
	s, st := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	err := st.Transaction(ctx, 1, 3, func(tx *Tx) error {
		return ErrAbort
	})
	if err != nil {
		t.Fatalf("Transaction should swallow ErrAbort, got %v", err)
	}
}

func TestDedupeLookupOrdersNewestFirst(t *testing.T) {
	s, st := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	// Smaller root = newer request (see pkg/ids.NewRequestKey).
	if err := st.DedupeIndex(ctx, "hash1", 200, "rs_older"); err != nil {
		t.Fatalf("DedupeIndex: %v", err)
	}
	if err := st.DedupeIndex(ctx, "hash1", 100, "rs_newer"); err != nil {
		t.Fatalf("DedupeIndex: %v", err)
	}

	packed, ok, err := st.DedupeLookup(ctx, "hash1")
	if err != nil {
		t.Fatalf("DedupeLookup: %v", err)
	}
	if !ok {
		t.Fatal("expected a dedupe hit")
	}
	if packed != "rs_newer" {
		t.Errorf("got %q, want rs_newer (smaller root sorts first)", packed)
	}
}
