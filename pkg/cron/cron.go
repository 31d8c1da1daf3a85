// Package cron wraps robfig/cron/v3 into the two background reconciliation
// jobs task_scheduler.py runs outside any client/bot request:
// cron_abort_expired_task_to_run and cron_handle_bot_died.
package cron

import (
	"context"
	"time"

	"github.com/guido-cesarano/taskforge/pkg/ids"
	"github.com/guido-cesarano/taskforge/pkg/logger"
	"github.com/guido-cesarano/taskforge/pkg/queue"
	"github.com/guido-cesarano/taskforge/pkg/scheduler"
	"github.com/robfig/cron/v3"
)

// Reconciler owns the scheduled sweeps that keep Redis consistent with the
// passage of time: expiring ToRun entries nobody reaped, and retrying or
// abandoning tasks whose bot stopped pinging.
type Reconciler struct {
	cron             *cron.Cron
	scheduler        *scheduler.Scheduler
	queue            *queue.Queue
	botPingTolerance time.Duration
}

// New builds a Reconciler. Call Start to begin running its jobs.
func New(sched *scheduler.Scheduler, q *queue.Queue, botPingTolerance time.Duration) *Reconciler {
	return &Reconciler{
		cron:             cron.New(cron.WithSeconds()),
		scheduler:        sched,
		queue:            q,
		botPingTolerance: botPingTolerance,
	}
}

// Start registers both jobs and begins the cron scheduler's own goroutine.
// spec.md §4.F, "every 60s" and "every 30s" respectively.
func (r *Reconciler) Start() error {
	if _, err := r.cron.AddFunc("*/60 * * * * *", r.abortExpiredTaskToRun); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("*/30 * * * * *", r.handleBotDied); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop blocks until any in-flight job finishes, then stops the scheduler.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// abortExpiredTaskToRun is cron_abort_expired_task_to_run: every pending
// ToRun past its expiration_ts with nobody having reaped it is marked
// EXPIRED and dropped from the dispatch queue.
func (r *Reconciler) abortExpiredTaskToRun() {
	ctx := context.Background()
	now := time.Now().UTC()
	log := logger.GetLogger()

	candidates, err := r.queue.YieldExpired(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("cron_abort_expired_task_to_run: yield_expired")
		return
	}
	expired := 0
	for _, c := range candidates {
		ok, err := r.scheduler.ExpireTask(ctx, c.ToRunKey)
		if err != nil {
			log.Error().Err(err).Str("to_run", ids.Pack(c.ToRunKey)).Msg("cron_abort_expired_task_to_run: expire_task")
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		log.Info().Int("count", expired).Msg("cron_abort_expired_task_to_run")
	}
}

// handleBotDied is cron_handle_bot_died: every RunResult still RUNNING that
// hasn't been touched within botPingTolerance is retried (try 1) or
// abandoned as BOT_DIED (try 2).
func (r *Reconciler) handleBotDied() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-r.botPingTolerance)
	log := logger.GetLogger()

	stale, err := r.queue.YieldStaleRunning(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("cron_handle_bot_died: yield_stale_running")
		return
	}
	retried, abandoned := 0, 0
	for _, runResultKey := range stale {
		wasRetried, err := r.scheduler.HandleDeadBot(ctx, runResultKey)
		if err != nil {
			log.Error().Err(err).Str("run_result", ids.Pack(runResultKey)).Msg("cron_handle_bot_died: handle_dead_bot")
			continue
		}
		if wasRetried {
			retried++
		} else {
			abandoned++
		}
	}
	if retried+abandoned > 0 {
		log.Info().Int("retried", retried).Int("abandoned", abandoned).Msg("cron_handle_bot_died")
	}
}
