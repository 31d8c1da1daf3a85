package scheduler

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
	"github.com/guido-cesarano/taskforge/pkg/stats"
	"github.com/guido-cesarano/taskforge/pkg/store"
	"github.com/redis/go-redis/v9"
)

func setupScheduler(t *testing.T) (*Scheduler, *clock.Fake) {
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

	return New(st, q, stats.Noop{}, ix, fc, ac, cfg), fc
}

func newRequest(fc *clock.Fake, priority int, idempotent bool) *model.Request {
	key := ids.NewRequestKey(fc.Now().UnixNano(), 2)
	req := &model.Request{
		Key:          key,
		CreatedTS:    fc.Now(),
		Name:         "build",
		User:         "alice",
		Priority:     priority,
		ExpirationTS: fc.Now().Add(time.Hour),
		Properties: model.Properties{
			Commands:   [][]string{{"echo", "hi"}},
			Dimensions: map[string][]string{"os": {"linux"}},
			Idempotent: idempotent,
		},
	}
	if idempotent {
		req.Properties.Idempotent = true
	}
	req.Properties.ComputeHash()
	return req
}

func TestScheduleRequestThenReap(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	rs, err := s.ScheduleRequest(ctx, req)
	if err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}
	if rs.State != model.StatePending {
		t.Fatalf("got state %v, want PENDING", rs.State)
	}

	tr, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux", "mac"}})
	if err != nil {
		t.Fatalf("BotReapTask: %v", err)
	}
	if tr == nil || rr == nil {
		t.Fatal("expected a reapable task")
	}
	if rr.State != model.StateRunning {
		t.Errorf("got state %v, want RUNNING", rr.State)
	}

	// The queue should now be empty: a second reap attempt finds nothing.
	tr2, rr2, err := s.BotReapTask(ctx, "bot2", "v1", map[string][]string{"os": {"linux"}})
	if err != nil {
		t.Fatalf("BotReapTask (2nd): %v", err)
	}
	if tr2 != nil || rr2 != nil {
		t.Fatalf("expected no reapable task, got %+v %+v", tr2, rr2)
	}
}

func TestBotReapTaskSkipsMismatchedDimensions(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	req.Properties.Dimensions = map[string][]string{"os": {"windows"}}
	if _, err := s.ScheduleRequest(ctx, req); err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}

	tr, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil {
		t.Fatalf("BotReapTask: %v", err)
	}
	if tr != nil || rr != nil {
		t.Fatalf("expected no reapable task for mismatched dimensions, got %+v %+v", tr, rr)
	}
}

func TestBotUpdateTaskHappyPath(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	if _, err := s.ScheduleRequest(ctx, req); err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}
	_, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil || rr == nil {
		t.Fatalf("BotReapTask: %v, rr=%v", err, rr)
	}

	exitCode := 0
	duration := 1.5
	ok, completed, err := s.BotUpdateTask(ctx, rr.Key, "bot1", []byte("hello"), nil, &exitCode, &duration, false, false, nil)
	if err != nil {
		t.Fatalf("BotUpdateTask: %v", err)
	}
	if !ok || !completed {
		t.Fatalf("got ok=%v completed=%v, want true,true", ok, completed)
	}
}

func TestBotUpdateTaskDuplicateIsIdempotent(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	if _, err := s.ScheduleRequest(ctx, req); err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}
	_, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil || rr == nil {
		t.Fatalf("BotReapTask: %v, rr=%v", err, rr)
	}

	exitCode := 0
	duration := 1.5
	ok1, completed1, err := s.BotUpdateTask(ctx, rr.Key, "bot1", nil, nil, &exitCode, &duration, false, false, nil)
	if err != nil || !ok1 || !completed1 {
		t.Fatalf("first update: ok=%v completed=%v err=%v", ok1, completed1, err)
	}

	// Retry with the identical exit code: idempotent no-op.
	ok2, completed2, err := s.BotUpdateTask(ctx, rr.Key, "bot1", nil, nil, &exitCode, &duration, false, false, nil)
	if err != nil || !ok2 || !completed2 {
		t.Fatalf("duplicate update: ok=%v completed=%v err=%v", ok2, completed2, err)
	}

	// A different exit code for the same run is rejected.
	otherExit := 1
	ok3, _, err := s.BotUpdateTask(ctx, rr.Key, "bot1", nil, nil, &otherExit, &duration, false, false, nil)
	if err != nil {
		t.Fatalf("conflicting update: %v", err)
	}
	if ok3 {
		t.Fatal("expected conflicting exit code update to be rejected")
	}
}

func TestBotUpdateTaskRejectsBotMismatch(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	if _, err := s.ScheduleRequest(ctx, req); err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}
	_, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil || rr == nil {
		t.Fatalf("BotReapTask: %v, rr=%v", err, rr)
	}

	ok, _, err := s.BotUpdateTask(ctx, rr.Key, "impostor", nil, nil, nil, nil, false, false, nil)
	if err != nil {
		t.Fatalf("BotUpdateTask: %v", err)
	}
	if ok {
		t.Fatal("expected bot-id mismatch to be rejected")
	}
}

func TestBotUpdateTaskRejectsNegativeCost(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	if _, err := s.ScheduleRequest(ctx, req); err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}
	_, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil || rr == nil {
		t.Fatalf("BotReapTask: %v, rr=%v", err, rr)
	}

	negative := -1.0
	_, _, err = s.BotUpdateTask(ctx, rr.Key, "bot1", nil, nil, nil, nil, false, false, &negative)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("got err %v, want *ValidationError", err)
	}
}

func TestDedupeReusesCompletedResult(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req1 := newRequest(fc, 10, true)
	if _, err := s.ScheduleRequest(ctx, req1); err != nil {
		t.Fatalf("ScheduleRequest 1: %v", err)
	}
	_, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil || rr == nil {
		t.Fatalf("BotReapTask: %v, rr=%v", err, rr)
	}
	exitCode := 0
	duration := 1.0
	cost := 0.05
	if ok, completed, err := s.BotUpdateTask(ctx, rr.Key, "bot1", nil, nil, &exitCode, &duration, false, false, &cost); err != nil || !ok || !completed {
		t.Fatalf("BotUpdateTask: ok=%v completed=%v err=%v", ok, completed, err)
	}

	fc.Advance(time.Minute)
	req2 := newRequest(fc, 10, true)
	req2.Properties = req1.Properties // identical schedulable content
	req2.Properties.ComputeHash()

	rs2, err := s.ScheduleRequest(ctx, req2)
	if err != nil {
		t.Fatalf("ScheduleRequest 2: %v", err)
	}
	if rs2.DedupedFrom == "" {
		t.Fatal("expected the second request to be deduped against the first")
	}
	if rs2.State != model.StateCompleted {
		t.Errorf("got state %v, want COMPLETED", rs2.State)
	}
	if rs2.CostSavedUSD == nil || *rs2.CostSavedUSD != cost {
		t.Errorf("got cost_saved_usd %v, want %v", rs2.CostSavedUSD, cost)
	}

	// No new work should have been enqueued for the deduped request.
	tr, rrOut, err := s.BotReapTask(ctx, "bot2", "v1", map[string][]string{"os": {"linux"}})
	if err != nil {
		t.Fatalf("BotReapTask after dedupe: %v", err)
	}
	if tr != nil || rrOut != nil {
		t.Fatalf("expected nothing reapable after dedupe, got %+v %+v", tr, rrOut)
	}
}

func TestHandleDeadBotRetriesFirstTryThenAbandonsSecond(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	if _, err := s.ScheduleRequest(ctx, req); err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}
	_, rr1, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil || rr1 == nil {
		t.Fatalf("BotReapTask: %v, rr=%v", err, rr1)
	}

	fc.Advance(10 * time.Minute)
	retried, err := s.HandleDeadBot(ctx, rr1.Key)
	if err != nil {
		t.Fatalf("HandleDeadBot: %v", err)
	}
	if !retried {
		t.Fatal("expected try 1 of a dead bot to be retried")
	}

	_, rr2, err := s.BotReapTask(ctx, "bot2", "v1", map[string][]string{"os": {"linux"}})
	if err != nil || rr2 == nil {
		t.Fatalf("BotReapTask (retry): %v, rr=%v", err, rr2)
	}
	if rr2.TryNumber != 2 {
		t.Fatalf("got try_number %d, want 2", rr2.TryNumber)
	}

	fc.Advance(10 * time.Minute)
	retried2, err := s.HandleDeadBot(ctx, rr2.Key)
	if err != nil {
		t.Fatalf("HandleDeadBot (2nd): %v", err)
	}
	if retried2 {
		t.Fatal("expected try 2 of a dead bot to be abandoned, not retried")
	}
}

func TestExpireTaskRemovesUnreapedWork(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	req.ExpirationTS = fc.Now().Add(time.Minute)
	rs, err := s.ScheduleRequest(ctx, req)
	if err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}

	fc.Advance(2 * time.Minute)
	toRunKey := ids.ToRunKey(req.Key)
	ok, err := s.ExpireTask(ctx, toRunKey)
	if err != nil {
		t.Fatalf("ExpireTask: %v", err)
	}
	if !ok {
		t.Fatal("expected the expired candidate to be expired")
	}

	tr, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil {
		t.Fatalf("BotReapTask: %v", err)
	}
	if tr != nil || rr != nil {
		t.Fatalf("expected nothing reapable after expiry, got %+v %+v", tr, rr)
	}
	_ = rs
}

func TestCancelPendingTask(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	rs, err := s.ScheduleRequest(ctx, req)
	if err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}

	ok, wasRunning, err := s.CancelTask(ctx, rs.Key, false)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if !ok || wasRunning {
		t.Fatalf("got ok=%v wasRunning=%v, want true,false", ok, wasRunning)
	}

	tr, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil {
		t.Fatalf("BotReapTask: %v", err)
	}
	if tr != nil || rr != nil {
		t.Fatalf("expected a canceled task to never be reaped, got %+v %+v", tr, rr)
	}
}

func TestCancelRunningTaskFlagsForKill(t *testing.T) {
	s, fc := setupScheduler(t)
	ctx := context.Background()

	req := newRequest(fc, 10, false)
	rs, err := s.ScheduleRequest(ctx, req)
	if err != nil {
		t.Fatalf("ScheduleRequest: %v", err)
	}
	_, rr, err := s.BotReapTask(ctx, "bot1", "v1", map[string][]string{"os": {"linux"}})
	if err != nil || rr == nil {
		t.Fatalf("BotReapTask: %v, rr=%v", err, rr)
	}

	ok, wasRunning, err := s.CancelTask(ctx, rs.Key, true)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if !ok || !wasRunning {
		t.Fatalf("got ok=%v wasRunning=%v, want true,true", ok, wasRunning)
	}

	killed, err := s.BotKillTask(ctx, rr.Key, "bot1")
	if err != nil {
		t.Fatalf("BotKillTask: %v", err)
	}
	if !killed {
		t.Fatal("expected BotKillTask to succeed after CancelTask flagged it")
	}
}

func TestExponentialBackoffQuickComeback(t *testing.T) {
	s, _ := setupScheduler(t)
	wait := s.ExponentialBackoff(5, func() float64 { return 0 })
	if wait != time.Second {
		t.Errorf("got %v, want 1s when uniform draw is below the quick-comeback probability", wait)
	}
}

func TestExponentialBackoffCapsOnCanary(t *testing.T) {
	s, _ := setupScheduler(t)
	s.Config.Canary = true
	wait := s.ExponentialBackoff(50, func() float64 { return 0.99 })
	if wait != 3*time.Second {
		t.Errorf("got %v, want 3s canary cap", wait)
	}
}
