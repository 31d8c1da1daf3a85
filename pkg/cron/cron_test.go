package cron

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
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

func setupReconciler(t *testing.T) (*Reconciler, *scheduler.Scheduler, *clock.Fake, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := store.NewRedisStore(rdb)
	q := queue.New(rdb, time.Second)
	ix := index.NewRedisIndex(rdb)
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Default()
	cfg.ShardingLevel = 2
	ac := appcontext.New("test", cfg, true)

	sched := scheduler.New(st, q, stats.Noop{}, ix, fc, ac, cfg)
	return New(sched, q, 5*time.Minute), sched, fc, q
}

func TestAbortExpiredTaskToRunReconciles(t *testing.T) {
	r, sched, fc, _ := setupReconciler(t)
	ctx := context.Background()

	key := ids.NewRequestKey(fc.Now().UnixNano(), 2)
	req := &model.Request{
		Key:          key,
		CreatedTS:    fc.Now(),
		Name:         "sweep-me",
		ExpirationTS: fc.Now().Add(time.Minute),
		Properties: model.Properties{
			Commands:   [][]string{{"echo"}},
			Dimensions: map[string][]string{"os": {"linux"}},
		},
	}
	if _, err := sched.ScheduleRequest(ctx, req); err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}

	fc.Advance(2 * time.Minute)
	r.abortExpiredTaskToRun()

	tr, rr, err := sched.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil {
		t.Fatalf("BotReapTask: %v", err)
	}
	if tr != nil || rr != nil {
		t.Fatalf("expected the expired candidate to already be gone, got %+v %+v", tr, rr)
	}
}

func TestHandleBotDiedReconciles(t *testing.T) {
	r, sched, fc, _ := setupReconciler(t)
	ctx := context.Background()

	key := ids.NewRequestKey(fc.Now().UnixNano(), 2)
	req := &model.Request{
		Key:          key,
		CreatedTS:    fc.Now(),
		Name:         "orphan-me",
		ExpirationTS: fc.Now().Add(time.Hour),
		Properties: model.Properties{
			Commands:   [][]string{{"echo"}},
			Dimensions: map[string][]string{"os": {"linux"}},
		},
	}
	if _, err := sched.ScheduleRequest(ctx, req); err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}
	_, rr, err := sched.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil || rr == nil {
		t.Fatalf("BotReapTask: %v, rr=%v", err, rr)
	}

	fc.Advance(10 * time.Minute)
	r.handleBotDied()

	_, rr2, err := sched.BotReapTask(ctx, "bot2", "v1", map[string][]string{"os": {"linux"}})
	if err != nil {
		t.Fatalf("BotReapTask after bot died: %v", err)
	}
	if rr2 == nil || rr2.TryNumber != 2 {
		t.Fatalf("expected the dead bot's task to be retried on try 2, got %+v", rr2)
	}
}
