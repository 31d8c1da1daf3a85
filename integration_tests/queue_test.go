package integration_tests

import (
	"context"
	"testing"
	"time"

	"github.com/guido-cesarano/taskforge/pkg/appcontext"
	"github.com/guido-cesarano/taskforge/pkg/clock"
	"github.com/guido-cesarano/taskforge/pkg/config"
	"github.com/guido-cesarano/taskforge/pkg/ids"
	"github.com/guido-cesarano/taskforge/pkg/index"
	"github.com/guido-cesarano/taskforge/pkg/model"
	"github.com/guido-cesarano/taskforge/pkg/queue"
	"github.com/guido-cesarano/taskforge/pkg/scheduler"
	"github.com/guido-cesarano/taskforge/pkg/stats"
	"github.com/guido-cesarano/taskforge/pkg/store"
	"github.com/redis/go-redis/v9"
)

// setupIntegrationScheduler connects to the local Redis instance.
// Requires a real Redis (or cmd/devredis) listening at localhost:6379.
func setupIntegrationScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at localhost:6379 (%v)", err)
	}
	rdb.FlushDB(context.Background())

	st := store.NewRedisStore(rdb)
	q := queue.New(rdb, time.Second)
	ix := index.NewRedisIndex(rdb)
	cl := clock.Real{}
	cfg := config.Default()
	ac := appcontext.New("integration-test", cfg, true)

	return scheduler.New(st, q, stats.Noop{}, ix, cl, ac, cfg)
}

func TestIntegrationScheduleReapUpdate(t *testing.T) {
	sched := setupIntegrationScheduler(t)
	ctx := context.Background()

	req := &model.Request{
		Key:          ids.NewRequestKey(time.Now().UnixNano(), 2),
		CreatedTS:    time.Now(),
		Name:         "integration-test-1",
		User:         "integration",
		ExpirationTS: time.Now().Add(time.Hour),
		Properties: model.Properties{
			Commands:   [][]string{{"echo", "hello"}},
			Dimensions: map[string][]string{"os": {"linux"}},
		},
	}

	rs, err := sched.ScheduleRequest(ctx, req)
	if err != nil {
		t.Fatalf("ScheduleRequest failed: %v", err)
	}
	if rs.State != model.StatePending {
		t.Fatalf("expected PENDING, got %v", rs.State)
	}

	tr, rr, err := sched.BotReapTask(ctx, "integration-bot", "v1", map[string][]string{"os": {"linux"}})
	if err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}
	if tr == nil || rr == nil {
		t.Fatalf("expected a reapable task, got nil")
	}

	exitCode := 0
	duration := 0.5
	cost := 0.001
	chunkStart := 0
	ok, completed, err := sched.BotUpdateTask(ctx, rr.Key, "integration-bot", []byte("hello\n"), &chunkStart, &exitCode, &duration, false, false, &cost)
	if err != nil {
		t.Fatalf("BotUpdateTask failed: %v", err)
	}
	if !ok || !completed {
		t.Fatalf("expected ok=true completed=true, got ok=%v completed=%v", ok, completed)
	}
}
