// Package main implements the taskforge bot process: it polls the
// scheduler for dispatchable work, executes the claimed command line with
// os/exec, and reports progress back, retrying with exponential backoff
// when nothing is available.
//
// Features:
//   - Concurrent-safe against other bots via pkg/scheduler's optimistic
//     transactions (no coordination needed between bot processes)
//   - Prometheus metrics exposed on :8080/metrics
//   - Exponential backoff between empty polls
//
// Usage:
//
//	go run cmd/bot/main.go
//
// The bot connects to Redis at REDIS_ADDR (default 127.0.0.1:6379) and
// exposes metrics at :8080.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskforge/pkg/appcontext"
	"github.com/guido-cesarano/taskforge/pkg/clock"
	"github.com/guido-cesarano/taskforge/pkg/config"
	"github.com/guido-cesarano/taskforge/pkg/index"
	"github.com/guido-cesarano/taskforge/pkg/logger"
	"github.com/guido-cesarano/taskforge/pkg/metrics"
	"github.com/guido-cesarano/taskforge/pkg/model"
	"github.com/guido-cesarano/taskforge/pkg/queue"
	"github.com/guido-cesarano/taskforge/pkg/scheduler"
	"github.com/guido-cesarano/taskforge/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const serverVersion = "bot-v1"

// main initializes the bot, starts the metrics server, and begins polling.
// It supports graceful shutdown via SIGINT/SIGTERM.
func main() {
	cfg := config.FromEnv()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	st := store.NewRedisStore(rdb)
	q := queue.New(rdb, 2*time.Second)
	sk := metrics.NewSink(prometheus.DefaultRegisterer)
	ix := index.NewRedisIndex(rdb)
	cl := clock.Real{}
	ac := appcontext.New(serverVersion, cfg, false)
	sched := scheduler.New(st, q, sk, ix, cl, ac, cfg)

	botID := os.Getenv("BOT_ID")
	if botID == "" {
		botID = "bot-" + uuid.New().String()
	}
	dims := map[string][]string{"os": {"linux"}, "pool": {"default"}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Msg("Metrics server listening on :8080")
		http.ListenAndServe(":8080", nil)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Str("bot_id", botID).Msg("Shutting down bot...")
		cancel()
	}()

	logger.Log.Info().Str("bot_id", botID).Msg("Bot started, polling for work...")
	pollLoop(ctx, sched, botID, dims)
}

// pollLoop reaps one task at a time, executes it, and reports the result,
// sleeping with ExponentialBackoff whenever nothing is dispatchable.
func pollLoop(ctx context.Context, sched *scheduler.Scheduler, botID string, dims map[string][]string) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tr, rr, err := sched.BotReapTask(ctx, botID, serverVersion, dims)
		if err != nil {
			logger.Log.Error().Err(err).Msg("bot_reap_task failed")
			time.Sleep(time.Second)
			continue
		}
		if rr == nil {
			attempt++
			wait := sched.ExponentialBackoff(attempt, rand.Float64)
			time.Sleep(wait)
			continue
		}
		attempt = 0
		executeAndReport(ctx, sched, botID, tr, rr)
	}
}

// executeAndReport runs the claimed command line and reports its exit code,
// duration, and output back to the scheduler.
func executeAndReport(ctx context.Context, sched *scheduler.Scheduler, botID string, tr *model.ToRun, rr *model.RunResult) {
	req, err := fetchRequest(ctx, sched, rr.RequestKey)
	if err != nil || req == nil || len(req.Properties.Commands) == 0 {
		logger.Log.Error().Err(err).Msg("could not load request for claimed run")
		return
	}

	cmdLine := req.Properties.Commands[0]
	logger.Log.Info().Str("run_id", rr.Key.RedisKey()).Strs("cmd", cmdLine).Msg("executing task")

	start := time.Now()
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, cmdLine[0], cmdLine[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()
	duration := time.Since(start).Seconds()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	chunkStart := 0
	cost := estimateCostUSD(duration)

	ok, completed, err := sched.BotUpdateTask(ctx, rr.Key, botID, out.Bytes(), &chunkStart, &exitCode, &duration, false, false, &cost)
	if err != nil {
		logger.Log.Error().Err(err).Msg("bot_update_task failed")
		return
	}
	if !ok {
		logger.Log.Warn().Str("run_id", rr.Key.RedisKey()).Msg("bot_update_task rejected")
		return
	}
	logger.Log.Info().Bool("completed", completed).Int("exit_code", exitCode).Msg("task update reported")
}

func fetchRequest(ctx context.Context, sched *scheduler.Scheduler, requestKey interface{ RedisKey() string }) (*model.Request, error) {
	fut := sched.Store.GetAsync(ctx, requestKey)
	b, err := fut.Await(ctx)
	if err != nil {
		return nil, err
	}
	var req model.Request
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// estimateCostUSD is a placeholder cost model: a flat per-second rate, the
// way a real bot would translate machine time into a billing figure.
func estimateCostUSD(durationSecs float64) float64 {
	const ratePerHour = 0.05
	return durationSecs / 3600 * ratePerHour
}
