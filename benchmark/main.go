// Package main provides a benchmark tool for taskforge to measure
// schedule/reap throughput end to end against a Redis instance.
//
// Usage:
//
//	go run benchmark/main.go -tasks 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
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

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to schedule")
	numWorkers := flag.Int("workers", 10, "Number of concurrent schedulers")
	redisAddr := flag.String("redis", "127.0.0.1:6379", "Redis address")
	flag.Parse()

	cfg := config.Default()
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	st := store.NewRedisStore(rdb)
	q := queue.New(rdb, time.Second)
	ix := index.NewRedisIndex(rdb)
	cl := clock.Real{}
	ac := appcontext.New("benchmark", cfg, false)
	sched := scheduler.New(st, q, stats.Noop{}, ix, cl, ac, cfg)
	ctx := context.Background()

	fmt.Printf("taskforge Benchmark\n")
	fmt.Printf("====================\n")
	fmt.Printf("Tasks to schedule: %d\n", *numTasks)
	fmt.Printf("Concurrent schedulers: %d\n\n", *numWorkers)

	fmt.Printf("Starting schedule phase...\n")
	startSchedule := time.Now()

	var wg sync.WaitGroup
	var scheduled atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				req := &model.Request{
					Key:          ids.NewRequestKey(time.Now().UnixNano(), cfg.ShardingLevel),
					CreatedTS:    time.Now(),
					Name:         fmt.Sprintf("bench-%d-%d", workerID, j),
					ExpirationTS: time.Now().Add(time.Hour),
					Properties: model.Properties{
						Commands:   [][]string{{"true"}},
						Dimensions: map[string][]string{"os": {"linux"}},
					},
				}
				if _, err := sched.ScheduleRequest(ctx, req); err != nil {
					fmt.Printf("Error scheduling: %v\n", err)
					return
				}
				scheduled.Add(1)
			}
		}(i)
	}

	wg.Wait()
	scheduleTime := time.Since(startSchedule)

	fmt.Printf("Scheduled %d tasks in %s\n", scheduled.Load(), scheduleTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(scheduled.Load())/scheduleTime.Seconds())

	fmt.Printf("Reaping until the queue drains...\n")
	startReap := time.Now()

	var reaped atomic.Int64
	for {
		_, rr, err := sched.BotReapTask(ctx, "bench-bot", "v1", map[string][]string{"os": {"linux"}})
		if err != nil {
			fmt.Printf("Error reaping: %v\n", err)
			break
		}
		if rr == nil {
			break
		}
		reaped.Add(1)
	}
	reapTime := time.Since(startReap)

	fmt.Printf("\nReaped %d tasks in %s\n", reaped.Load(), reapTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(reaped.Load())/reapTime.Seconds())

	totalTime := scheduleTime + reapTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
}
