// Package main implements the taskforge HTTP API server: the client-facing
// surface for submitting, canceling, and inspecting tasks, and the bot-facing
// surface for polling, updating, and killing them.
//
// API Endpoints:
//
//	POST /tasks/new    - Schedule a new task (client)
//	GET  /tasks/result - Fetch a task's current ResultSummary (client)
//	POST /tasks/cancel - Cancel a pending (or kill-flag a running) task (client)
//	POST /bots/poll    - Reap the next dispatchable task, or sleep (bot)
//	POST /bots/update  - Report progress on a claimed task (bot)
//	POST /bots/kill    - Acknowledge a kill request (bot)
//	GET  /stats        - Prometheus metrics in text exposition format
//
// Usage:
//
//	go run cmd/server/main.go
//
// The server listens on :8081 and connects to Redis at REDIS_ADDR
// (default 127.0.0.1:6379).
package main

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/guido-cesarano/taskforge/pkg/appcontext"
	"github.com/guido-cesarano/taskforge/pkg/clock"
	"github.com/guido-cesarano/taskforge/pkg/config"
	"github.com/guido-cesarano/taskforge/pkg/cron"
	"github.com/guido-cesarano/taskforge/pkg/ids"
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

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// newTaskRequest is the wire shape of POST /tasks/new.
type newTaskRequest struct {
	Name           string              `json:"name"`
	User           string              `json:"user"`
	Priority       int                 `json:"priority"`
	ExpirationSecs int64               `json:"expiration_secs"`
	Commands       [][]string          `json:"commands"`
	Dimensions     map[string][]string `json:"dimensions"`
	Idempotent     bool                `json:"idempotent"`
	ParentTaskID   string              `json:"parent_task_id,omitempty"`
}

func setupRouter(sched *scheduler.Scheduler, cl clock.Clock, shardingLevel int, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/tasks/new", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var in newTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := cl.Now()
		req := &model.Request{
			Key:          ids.NewRequestKey(now.UnixNano(), shardingLevel),
			CreatedTS:    now,
			Name:         in.Name,
			User:         in.User,
			Priority:     in.Priority,
			ExpirationTS: now.Add(time.Duration(in.ExpirationSecs) * time.Second),
			ParentTaskID: in.ParentTaskID,
			Properties: model.Properties{
				Commands:   in.Commands,
				Dimensions: in.Dimensions,
				Idempotent: in.Idempotent,
			},
		}
		rs, err := sched.ScheduleRequest(r.Context(), req)
		if _, ok := err.(*model.ValidationError); ok {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"task_id": ids.Pack(rs.Key)})
	}, apiKey)))

	mux.HandleFunc("/tasks/result", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("id")
		if taskID == "" {
			http.Error(w, "Missing id", http.StatusBadRequest)
			return
		}
		key, err := ids.Unpack(taskID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, err := sched.Store.GetAsync(r.Context(), key).Await(r.Context())
		if err == store.ErrNotFound {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	}, apiKey)))

	mux.HandleFunc("/tasks/cancel", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		taskID := r.URL.Query().Get("id")
		key, err := ids.Unpack(taskID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		killRunning := r.URL.Query().Get("kill_running") == "true"
		ok, wasRunning, err := sched.CancelTask(r.Context(), key, killRunning)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]bool{"ok": ok, "was_running": wasRunning})
	}, apiKey)))

	mux.HandleFunc("/bots/poll", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var in struct {
			BotID      string              `json:"bot_id"`
			BotVersion string              `json:"bot_version"`
			Dimensions map[string][]string `json:"dimensions"`
			Attempt    int                 `json:"attempt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tr, rr, err := sched.BotReapTask(r.Context(), in.BotID, in.BotVersion, in.Dimensions)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rr == nil {
			wait := sched.ExponentialBackoff(in.Attempt, rand.Float64)
			writeJSON(w, map[string]any{"type": "sleep", "wait_ms": wait.Milliseconds()})
			return
		}
		writeJSON(w, map[string]any{
			"type":       "run",
			"run_id":     ids.Pack(rr.Key),
			"try_number": tr.TryNumber,
		})
	}, apiKey)))

	mux.HandleFunc("/bots/update", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var in struct {
			RunID            string `json:"run_id"`
			BotID            string `json:"bot_id"`
			Output           []byte `json:"output"`
			OutputChunkStart *int   `json:"output_chunk_start"`
			ExitCode         *int   `json:"exit_code"`
			Duration         *float64 `json:"duration"`
			HardTimeout      bool   `json:"hard_timeout"`
			IOTimeout        bool   `json:"io_timeout"`
			CostUSD          *float64 `json:"cost_usd"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		runKey, err := ids.Unpack(in.RunID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ok, completed, err := sched.BotUpdateTask(r.Context(), runKey, in.BotID, in.Output, in.OutputChunkStart, in.ExitCode, in.Duration, in.HardTimeout, in.IOTimeout, in.CostUSD)
		if _, isValidation := err.(*scheduler.ValidationError); isValidation {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]bool{"ok": ok, "completed": completed})
	}, apiKey)))

	mux.HandleFunc("/bots/kill", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var in struct {
			RunID string `json:"run_id"`
			BotID string `json:"bot_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		runKey, err := ids.Unpack(in.RunID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ok, err := sched.BotKillTask(r.Context(), runKey, in.BotID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]bool{"ok": ok})
	}, apiKey)))

	mux.Handle("/stats", promhttp.Handler())

	return mux
}

func main() {
	cfg := config.FromEnv()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	st := store.NewRedisStore(rdb)
	q := queue.New(rdb, 2*time.Second)
	sk := metrics.NewSink(prometheus.DefaultRegisterer)
	ix := index.NewRedisIndex(rdb)
	cl := clock.Real{}
	ac := appcontext.New(os.Getenv("APP_VERSION"), cfg, false)

	sched := scheduler.New(st, q, sk, ix, cl, ac, cfg)

	reconciler := cron.New(sched, q, cfg.BotPingTolerance)
	if err := reconciler.Start(); err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to start cron reconciler")
	}
	defer reconciler.Stop()

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API authentication enabled.")
	}

	mux := setupRouter(sched, cl, cfg.ShardingLevel, cfg.APIKey)

	logger.Log.Info().Msg("Server listening on :8081")
	if err := http.ListenAndServe(":8081", mux); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
