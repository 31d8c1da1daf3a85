// Package scheduler is the core of taskforge: it owns the Request/ToRun/
// RunResult/ResultSummary state machine, grounded line-by-line in
// task_scheduler.py (schedule_request, bot_reap_task, bot_update_task,
// bot_kill_task, cancel_task, _expire_task and _handle_dead_bot) and
// re-expressed against pkg/store's Redis-backed entity-group transactions
// instead of ndb.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/guido-cesarano/taskforge/pkg/appcontext"
	"github.com/guido-cesarano/taskforge/pkg/clock"
	"github.com/guido-cesarano/taskforge/pkg/config"
	"github.com/guido-cesarano/taskforge/pkg/ids"
	"github.com/guido-cesarano/taskforge/pkg/index"
	"github.com/guido-cesarano/taskforge/pkg/model"
	"github.com/guido-cesarano/taskforge/pkg/queue"
	"github.com/guido-cesarano/taskforge/pkg/stats"
	"github.com/guido-cesarano/taskforge/pkg/store"
)

// reapRetries is 0: a reap that loses the optimistic-concurrency race should
// fail fast and let the bot try the next candidate, never retry the same
// one (spec.md §5, mirroring the original's transactions(retries=0) on
// _reap_task).
const reapRetries = 0

// mutateRetries bounds update/kill/cancel/expire/dead-bot transactions:
// these are rarer and worth a few attempts against incidental contention
// before surfacing a CommitError to the caller.
const mutateRetries = 3

// maxReapSkip caps the Gamma-sampled contention-avoidance jump (spec.md §5).
const maxReapSkip = 30

// Scheduler is the task-execution core. Apart from the Redis-backed
// *queue.Queue, it depends on capability interfaces (store.Store,
// stats.Sink, index.Index, clock.Clock, appcontext.Context) that can be
// replaced by fakes in tests, per spec.md §9.
type Scheduler struct {
	Store  store.Store
	Queue  *queue.Queue
	Stats  stats.Sink
	Index  index.Index
	Clock  clock.Clock
	AppCtx appcontext.Context
	Config config.Config
}

// New builds a Scheduler from its collaborators.
func New(st store.Store, q *queue.Queue, sk stats.Sink, ix index.Index, cl clock.Clock, ac appcontext.Context, cfg config.Config) *Scheduler {
	return &Scheduler{Store: st, Queue: q, Stats: sk, Index: ix, Clock: cl, AppCtx: ac, Config: cfg}
}

func putItem(k ids.Key, v []byte) store.Item {
	return store.Item{Key: []byte(k.RedisKey()), Value: v}
}

func marshal(v any) []byte {
	b, err := jsonMarshal(v)
	if err != nil {
		panic(fmt.Sprintf("scheduler: marshal %T: %v", v, err))
	}
	return b
}

// ScheduleRequest persists req and either reuses a prior successful result
// (idempotent dedupe) or enqueues a fresh ToRun, mirroring
// task_scheduler.schedule_request.
func (s *Scheduler) ScheduleRequest(ctx context.Context, req *model.Request) (*model.ResultSummary, error) {
	req.Properties.ComputeHash()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.Properties.Idempotent {
		rs, ok, err := s.tryDedupe(ctx, req)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := s.attachToParent(ctx, req, rs.Key); err != nil {
				return nil, err
			}
			return rs, nil
		}
	}

	rs := model.NewResultSummary(req)
	qn := queue.GenQueueNumber(req.Priority, s.Clock.Now())
	tr := &model.ToRun{
		Key:          ids.ToRunKey(req.Key),
		RequestKey:   req.Key,
		QueueNumber:  &qn,
		TryNumber:    1,
		ExpirationTS: req.ExpirationTS,
	}

	if err := s.Store.PutMulti(ctx,
		putItem(req.Key, marshal(req)),
		putItem(rs.Key, marshal(rs)),
		putItem(tr.Key, marshal(tr)),
	); err != nil {
		return nil, fmt.Errorf("scheduler: persist request: %w", err)
	}
	if err := s.Queue.Add(ctx, tr.Key, qn, req.ExpirationTS); err != nil {
		return nil, fmt.Errorf("scheduler: enqueue: %w", err)
	}

	if req.Properties.Idempotent {
		if err := s.Store.DedupeIndex(ctx, req.Properties.PropertiesHash, req.Key.Root, ids.Pack(rs.Key)); err != nil {
			return nil, fmt.Errorf("scheduler: dedupe index: %w", err)
		}
	}

	s.Stats.AddTaskEntry("task_enqueued", ids.Pack(rs.Key), stats.Fields{
		"priority": req.Priority, "user": req.User,
	})
	errc := s.Index.PutAsync(ctx, index.Document{Name: req.Name, PackedID: ids.Pack(rs.Key)})
	go func() { <-errc }() // best-effort, per spec.md §4.E step 3

	if err := s.attachToParent(ctx, req, rs.Key); err != nil {
		return nil, err
	}
	return rs, nil
}

// tryDedupe looks up a reusable prior ResultSummary for req's
// properties_hash and, if one is young enough and succeeded, builds the new
// ResultSummary as a reference to it instead of scheduling new work
// (task_scheduler._dedupe_result_summary).
func (s *Scheduler) tryDedupe(ctx context.Context, req *model.Request) (*model.ResultSummary, bool, error) {
	packed, found, err := s.Store.DedupeLookup(ctx, req.Properties.PropertiesHash)
	if err != nil {
		return nil, false, fmt.Errorf("scheduler: dedupe lookup: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	donorKey, err := ids.Unpack(packed)
	if err != nil {
		return nil, false, nil
	}
	fut := s.Store.GetAsync(ctx, donorKey)
	b, err := fut.Await(ctx)
	if err != nil {
		return nil, false, nil
	}
	var donor model.ResultSummary
	if err := jsonUnmarshal(b, &donor); err != nil {
		return nil, false, nil
	}
	if donor.State != model.StateCompleted || donor.InternalFailure {
		return nil, false, nil
	}
	age := time.Duration(0)
	if donor.CompletedTS != nil {
		age = s.Clock.Now().Sub(*donor.CompletedTS)
	}
	if age > time.Duration(s.Config.ReusableTaskAgeSecs)*time.Second {
		return nil, false, nil
	}

	rs := model.NewResultSummary(req)
	rs.State = model.StateCompleted
	rs.RunResultKey = donor.RunResultKey
	rs.BotID = donor.BotID
	rs.BotVersion = donor.BotVersion
	rs.TryNumber = donor.TryNumber
	rs.ExitCodes = append([]int(nil), donor.ExitCodes...)
	rs.Durations = append([]float64(nil), donor.Durations...)
	rs.StartedTS = donor.StartedTS
	rs.CompletedTS = donor.CompletedTS
	rs.PropertiesHash = req.Properties.PropertiesHash
	rs.DedupedFrom = packed
	rs.CostUSD = 0
	saved := donor.CostUSD
	rs.CostSavedUSD = &saved

	if err := s.Store.PutMulti(ctx,
		putItem(req.Key, marshal(req)),
		putItem(rs.Key, marshal(rs)),
	); err != nil {
		return nil, false, fmt.Errorf("scheduler: persist deduped request: %w", err)
	}
	s.Stats.AddTaskEntry("task_deduped", ids.Pack(rs.Key), stats.Fields{"deduped_from": packed})
	return rs, true, nil
}

// attachToParent appends childSummaryKey to the parent task's RunResult and
// ResultSummary children_task_ids, mirroring schedule_request's
// parent_task_id handling. It is a no-op when req has no parent.
func (s *Scheduler) attachToParent(ctx context.Context, req *model.Request, childSummaryKey ids.Key) error {
	if req.ParentTaskID == "" {
		return nil
	}
	parentRunKey, err := ids.Unpack(req.ParentTaskID)
	if err != nil {
		return fmt.Errorf("scheduler: malformed parent_task_id: %w", err)
	}
	parentSummaryKey := ids.ResultSummaryKey(ids.RequestKeyOf(parentRunKey))
	childPacked := ids.Pack(childSummaryKey)

	return s.Store.Transaction(ctx, parentRunKey.Root, mutateRetries, func(tx *store.Tx) error {
		vals, err := tx.GetMulti(parentRunKey, parentSummaryKey)
		if err != nil {
			return err
		}
		if vals[0] == nil || vals[1] == nil {
			return store.ErrAbort
		}
		var rr model.RunResult
		var rs model.ResultSummary
		if err := jsonUnmarshal(vals[0], &rr); err != nil {
			return err
		}
		if err := jsonUnmarshal(vals[1], &rs); err != nil {
			return err
		}
		rr.Key = parentRunKey
		rs.Key = parentSummaryKey
		rr.ChildrenTaskIDs = append(rr.ChildrenTaskIDs, childPacked)
		rs.ChildrenTaskIDs = append(rs.ChildrenTaskIDs, childPacked)
		tx.Put(parentRunKey, marshal(&rr))
		tx.Put(parentSummaryKey, marshal(&rs))
		return nil
	})
}

// BotReapTask walks the dispatch queue looking for a ToRun whose Request's
// dimensions are satisfied by the bot's, claiming the first one it can win
// the optimistic-concurrency race for. It returns (nil, nil, nil) once the
// queue is exhausted with nothing reapable (yield_next_available_task_to_dispatch
// + bot_reap_task).
func (s *Scheduler) BotReapTask(ctx context.Context, botID, botVersion string, botDimensions map[string][]string) (*model.ToRun, *model.RunResult, error) {
	cur := s.Queue.Yield(ctx)
	// failures counts consecutive optimistic-concurrency losses within this
	// one walk of the queue, driving the every-3rd-loss Gamma skip-forward
	// (spec.md §5, task_scheduler.py:416 "(failures % 3) == 1").
	failures := 0
	for {
		cand, err := cur.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if cand == nil {
			return nil, nil, nil
		}

		req, err := s.fetchRequest(ctx, cand.ToRunKey)
		if err != nil {
			return nil, nil, err
		}
		if req == nil {
			continue
		}
		if !dimensionsSatisfy(req.Properties.Dimensions, botDimensions) {
			continue
		}

		tr, rr, won, err := s.reapTask(ctx, cand.ToRunKey, req, botID, botVersion)
		if err != nil {
			return nil, nil, err
		}
		if won {
			_ = s.Queue.Remove(ctx, cand.ToRunKey)
			return tr, rr, nil
		}

		failures++
		if failures%3 == 1 {
			skip := int(math.Round(sampleGamma(3, 1, rand.Float64, rand.NormFloat64)))
			if skip > maxReapSkip {
				skip = maxReapSkip
			}
			for i := 0; i < skip; i++ {
				if _, err := cur.Next(ctx); err != nil {
					return nil, nil, err
				}
			}
		}
	}
}

func (s *Scheduler) fetchRequest(ctx context.Context, toRunKey ids.Key) (*model.Request, error) {
	fut := s.Store.GetAsync(ctx, ids.RequestKeyOf(toRunKey))
	b, err := fut.Await(ctx)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var req model.Request
	if err := jsonUnmarshal(b, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// dimensionsSatisfy reports whether every dimension value the request
// requires is present among the bot's values for that dimension
// (bot_management.bot_can_run_task's subset check).
func dimensionsSatisfy(required, offered map[string][]string) bool {
	for k, vals := range required {
		have := make(map[string]bool, len(offered[k]))
		for _, v := range offered[k] {
			have[v] = true
		}
		for _, v := range vals {
			if !have[v] {
				return false
			}
		}
	}
	return true
}

// reapTask is the zero-retry transactional claim of one ToRun
// (task_scheduler._reap_task). won is false whenever the ToRun was already
// claimed or expired out from under the caller - not an error, just a lost
// race the caller should move past.
func (s *Scheduler) reapTask(ctx context.Context, toRunKey ids.Key, req *model.Request, botID, botVersion string) (*model.ToRun, *model.RunResult, bool, error) {
	var outTR *model.ToRun
	var outRR *model.RunResult
	won := false

	err := s.Store.Transaction(ctx, toRunKey.Root, reapRetries, func(tx *store.Tx) error {
		rsKey := ids.ResultSummaryKey(req.Key)
		vals, err := tx.GetMulti(toRunKey, rsKey)
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return store.ErrAbort
		}
		var tr model.ToRun
		if err := jsonUnmarshal(vals[0], &tr); err != nil {
			return err
		}
		if !tr.IsReapable() {
			return store.ErrAbort
		}
		now := s.Clock.Now()
		if !tr.ExpirationTS.After(now) {
			return store.ErrAbort
		}

		var rs model.ResultSummary
		if vals[1] != nil {
			if err := jsonUnmarshal(vals[1], &rs); err != nil {
				return err
			}
		} else {
			rs = *model.NewResultSummary(req)
		}

		rr := model.NewRunResult(req, tr.TryNumber, botID, botVersion, now)
		rs.SetFromRunResult(rr, req)

		tx.Put(rr.Key, marshal(rr))
		tx.Put(rsKey, marshal(&rs))
		// Logical delete only: the ToRun shares the Request's lifetime and
		// is never physically removed, just marked unreapable (spec.md §3).
		tr.QueueNumber = nil
		tx.Put(toRunKey, marshal(&tr))

		outTR, outRR, won = &tr, rr, true
		return nil
	})
	if err != nil {
		if _, ok := err.(*store.CommitError); ok {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	if won {
		_ = s.Queue.TouchRunning(ctx, outRR.Key, s.Clock.Now())
		s.Stats.AddRunEntry("run_started", ids.Pack(outRR.Key), stats.Fields{"bot_id": botID})
	}
	return outTR, outRR, won, nil
}

// BotUpdateTask applies one progress report from the bot executing
// runResultKey, per task_scheduler.bot_update_task. ok is false (with no
// state change) for every case spec.md §4.B lists as "Reject": the
// RunResult is missing, bot_id doesn't match the active attempt, or a
// different exit code is reported for the command already recorded
// (task_result.TaskRunResult compares only the first command's exit code,
// a limitation this mirrors rather than silently fixing - see DESIGN.md).
func (s *Scheduler) BotUpdateTask(ctx context.Context, runResultKey ids.Key, botID string, output []byte, outputChunkStart *int, exitCode *int, duration *float64, hardTimeout, ioTimeout bool, costUSD *float64) (ok bool, taskCompleted bool, err error) {
	if costUSD != nil && *costUSD < 0 {
		return false, false, &ValidationError{Field: "cost_usd", Msg: "must be >= 0"}
	}
	if (duration == nil) != (exitCode == nil) {
		return false, false, &ValidationError{Field: "exit_code/duration", Msg: "must both be present or both absent"}
	}

	var failMsg string
	var completed bool
	var finalState model.State

	txErr := s.Store.Transaction(ctx, runResultKey.Root, mutateRetries, func(tx *store.Tx) error {
		reqKey := ids.RequestKeyOf(runResultKey)
		rsKey := ids.ResultSummaryKey(reqKey)
		vals, err := tx.GetMulti(runResultKey, rsKey, reqKey)
		if err != nil {
			return err
		}
		if vals[0] == nil {
			failMsg = "run_result is missing"
			return store.ErrAbort
		}
		var rr model.RunResult
		if err := jsonUnmarshal(vals[0], &rr); err != nil {
			return err
		}
		if rr.BotID != botID {
			failMsg = fmt.Sprintf("expected bot %s, got %s", rr.BotID, botID)
			return store.ErrAbort
		}

		var req model.Request
		if vals[2] != nil {
			if err := jsonUnmarshal(vals[2], &req); err != nil {
				return err
			}
		}
		var rs model.ResultSummary
		if vals[1] != nil {
			if err := jsonUnmarshal(vals[1], &rs); err != nil {
				return err
			}
		}

		if exitCode != nil {
			if len(rr.ExitCodes) > 0 {
				if rr.ExitCodes[0] != *exitCode {
					failMsg = "got 2 different exit_codes"
					return store.ErrAbort
				}
				// Same exit code reported again: an idempotent HTTP retry,
				// not a new command completing. Nothing to append.
			} else {
				rr.ExitCodes = append(rr.ExitCodes, *exitCode)
				rr.Durations = append(rr.Durations, *duration)
			}
		}
		if output != nil {
			start := 0
			if outputChunkStart != nil {
				start = *outputChunkStart
			}
			rr.AppendOutput(0, output, start)
		}

		numCommands := len(req.Properties.Commands)
		if numCommands == 0 {
			numCommands = 1
		}
		completed = len(rr.ExitCodes) >= numCommands

		if !rr.State.IsTerminal() {
			now := s.Clock.Now()
			switch {
			case hardTimeout || ioTimeout:
				rr.State = model.StateTimedOut
				rr.CompletedTS = &now
				completed = true
			case completed:
				rr.State = model.StateCompleted
				rr.CompletedTS = &now
			default:
				rr.State = model.StateRunning
			}
		}
		if costUSD != nil {
			rr.CostUSD = *costUSD
		}

		if rs.TryNumber <= rr.TryNumber {
			rs.SetFromRunResult(&rr, &req)
		} else if costUSD != nil {
			// summary already reflects a newer try; don't clobber its fields
			// with this stale report, just reconcile the retained per-try
			// cost (task_scheduler.bot_update_task's costs_usd[try-1] write).
			idx := rr.TryNumber - 1
			for len(rs.CostsUSD) <= idx {
				rs.CostsUSD = append(rs.CostsUSD, 0)
			}
			rs.CostsUSD[idx] = *costUSD
		}
		finalState = rr.State

		tx.Put(runResultKey, marshal(&rr))
		tx.Put(rsKey, marshal(&rs))
		return nil
	})

	if txErr != nil {
		if _, isCommit := txErr.(*store.CommitError); isCommit {
			return false, false, nil
		}
		return false, false, txErr
	}
	if failMsg != "" {
		return false, false, nil
	}
	if finalState.IsTerminal() {
		_ = s.Queue.ClearRunning(ctx, runResultKey)
	} else {
		_ = s.Queue.TouchRunning(ctx, runResultKey, s.Clock.Now())
	}
	s.Stats.AddRunEntry("run_updated", ids.Pack(runResultKey), stats.Fields{"completed": completed})
	return true, completed, nil
}

// BotKillTask lets a bot report that it aborted runResultKey in response to
// a KillRequested flag set by CancelTask (task_scheduler.bot_kill_task).
func (s *Scheduler) BotKillTask(ctx context.Context, runResultKey ids.Key, botID string) (ok bool, err error) {
	var failMsg string
	txErr := s.Store.Transaction(ctx, runResultKey.Root, mutateRetries, func(tx *store.Tx) error {
		rsKey := ids.ResultSummaryKey(ids.RequestKeyOf(runResultKey))
		vals, err := tx.GetMulti(runResultKey, rsKey)
		if err != nil {
			return err
		}
		if vals[0] == nil {
			failMsg = "run_result is missing"
			return store.ErrAbort
		}
		var rr model.RunResult
		if err := jsonUnmarshal(vals[0], &rr); err != nil {
			return err
		}
		if rr.BotID != botID {
			failMsg = "bot_id does not match"
			return store.ErrAbort
		}
		if rr.State.IsTerminal() {
			return store.ErrAbort
		}
		now := s.Clock.Now()
		rr.State = model.StateCanceled
		rr.CompletedTS = &now

		var rs model.ResultSummary
		if vals[1] != nil {
			if err := jsonUnmarshal(vals[1], &rs); err != nil {
				return err
			}
		}
		rs.SetFromRunResult(&rr, nil)
		rs.KillRequested = false

		tx.Put(runResultKey, marshal(&rr))
		tx.Put(rsKey, marshal(&rs))
		return nil
	})
	if txErr != nil {
		if _, isCommit := txErr.(*store.CommitError); isCommit {
			return false, nil
		}
		return false, txErr
	}
	if failMsg == "" {
		_ = s.Queue.ClearRunning(ctx, runResultKey)
		return true, nil
	}
	return false, nil
}

// CancelTask cancels a PENDING task outright, or - when killRunning is set
// and the task is already RUNNING - flags it for the bot to tear down via
// BotKillTask, mirroring task_scheduler.cancel_task's two outcomes.
func (s *Scheduler) CancelTask(ctx context.Context, resultSummaryKey ids.Key, killRunning bool) (ok bool, wasRunning bool, err error) {
	reqKey := ids.RequestKeyOf(resultSummaryKey)
	toRunKey := ids.ToRunKey(reqKey)

	txErr := s.Store.Transaction(ctx, resultSummaryKey.Root, mutateRetries, func(tx *store.Tx) error {
		vals, err := tx.GetMulti(resultSummaryKey, toRunKey)
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return store.ErrAbort
		}
		var rs model.ResultSummary
		if err := jsonUnmarshal(vals[0], &rs); err != nil {
			return err
		}

		if rs.CanBeCanceled() {
			rs.State = model.StateCanceled
			tx.Put(resultSummaryKey, marshal(&rs))
			// Logical delete only: the ToRun shares the Request's lifetime
			// and is never physically removed (spec.md §3).
			if vals[1] != nil {
				var tr model.ToRun
				if err := jsonUnmarshal(vals[1], &tr); err != nil {
					return err
				}
				tr.QueueNumber = nil
				tx.Put(toRunKey, marshal(&tr))
			}
			ok = true
			return nil
		}
		if rs.State.IsRunning() {
			wasRunning = true
			if killRunning {
				rs.KillRequested = true
				tx.Put(resultSummaryKey, marshal(&rs))
				ok = true
			}
			return nil
		}
		return store.ErrAbort
	})
	if txErr != nil {
		if _, isCommit := txErr.(*store.CommitError); isCommit {
			return false, false, nil
		}
		return false, false, txErr
	}
	if ok && !wasRunning {
		_ = s.Queue.Remove(ctx, toRunKey)
		s.Stats.AddTaskEntry("task_canceled", ids.Pack(resultSummaryKey), nil)
	}
	return ok, wasRunning, nil
}

// ExpireTask pulls toRunKey off the dispatch queue and marks its
// ResultSummary EXPIRED, for candidates cron_abort_expired_task_to_run finds
// past their expiration_ts with no bot ever having reaped them
// (task_scheduler._expire_task). ok is false when a bot reaped the task in
// the race window between the cron scan and this call - not an error.
func (s *Scheduler) ExpireTask(ctx context.Context, toRunKey ids.Key) (ok bool, err error) {
	reqKey := ids.RequestKeyOf(toRunKey)
	rsKey := ids.ResultSummaryKey(reqKey)

	txErr := s.Store.Transaction(ctx, toRunKey.Root, mutateRetries, func(tx *store.Tx) error {
		vals, err := tx.GetMulti(toRunKey, rsKey)
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return store.ErrAbort
		}
		var tr model.ToRun
		if err := jsonUnmarshal(vals[0], &tr); err != nil {
			return err
		}
		if !tr.IsReapable() {
			return store.ErrAbort
		}

		var rs model.ResultSummary
		if vals[1] != nil {
			if err := jsonUnmarshal(vals[1], &rs); err != nil {
				return err
			}
		}
		now := s.Clock.Now()
		rs.State = model.StateExpired
		rs.AbandonedTS = &now

		tx.Put(rsKey, marshal(&rs))
		// Logical delete only: the ToRun shares the Request's lifetime and
		// is never physically removed (spec.md §3).
		tr.QueueNumber = nil
		tx.Put(toRunKey, marshal(&tr))
		ok = true
		return nil
	})
	if txErr != nil {
		if _, isCommit := txErr.(*store.CommitError); isCommit {
			return false, nil
		}
		return false, txErr
	}
	if ok {
		_ = s.Queue.Remove(ctx, toRunKey)
		s.Stats.AddTaskEntry("task_request_expired", ids.Pack(rsKey), nil)
	}
	return ok, nil
}

// HandleDeadBot reacts to cron_handle_bot_died finding a RUNNING RunResult
// whose bot hasn't pinged within BotPingTolerance
// (task_scheduler._handle_dead_bot): try_number 1 is reset to PENDING with a
// fresh queue_number so another bot can pick it up; try_number 2 is the
// final attempt and is abandoned as BOT_DIED.
func (s *Scheduler) HandleDeadBot(ctx context.Context, runResultKey ids.Key) (retried bool, err error) {
	reqKey := ids.RequestKeyOf(runResultKey)
	rsKey := ids.ResultSummaryKey(reqKey)
	toRunKey := ids.ToRunKey(reqKey)

	var req model.Request
	var newQN int64
	var doRetry bool

	txErr := s.Store.Transaction(ctx, runResultKey.Root, mutateRetries, func(tx *store.Tx) error {
		vals, err := tx.GetMulti(runResultKey, rsKey, reqKey)
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return store.ErrAbort
		}
		var rr model.RunResult
		if err := jsonUnmarshal(vals[0], &rr); err != nil {
			return err
		}
		if rr.State != model.StateRunning {
			return store.ErrAbort
		}
		if vals[2] != nil {
			if err := jsonUnmarshal(vals[2], &req); err != nil {
				return err
			}
		}

		now := s.Clock.Now()
		rr.State = model.StateBotDied
		rr.AbandonedTS = &now
		tx.Put(runResultKey, marshal(&rr))

		var rs model.ResultSummary
		if vals[1] != nil {
			if err := jsonUnmarshal(vals[1], &rs); err != nil {
				return err
			}
		}

		if rr.TryNumber < 2 {
			rs.ResetToPending()
			newQN = queue.GenQueueNumber(req.Priority, now)
			tr := &model.ToRun{
				Key:          toRunKey,
				RequestKey:   reqKey,
				QueueNumber:  &newQN,
				TryNumber:    rr.TryNumber + 1,
				ExpirationTS: req.ExpirationTS,
			}
			tx.Put(toRunKey, marshal(tr))
			doRetry = true
		} else {
			rs.SetFromRunResult(&rr, &req)
		}
		tx.Put(rsKey, marshal(&rs))
		return nil
	})
	if txErr != nil {
		if _, isCommit := txErr.(*store.CommitError); isCommit {
			return false, nil
		}
		return false, txErr
	}
	_ = s.Queue.ClearRunning(ctx, runResultKey)
	if doRetry {
		if err := s.Queue.Add(ctx, toRunKey, newQN, req.ExpirationTS); err != nil {
			return false, fmt.Errorf("scheduler: re-enqueue after dead bot: %w", err)
		}
		s.Stats.AddRunEntry("run_bot_died", ids.Pack(runResultKey), stats.Fields{"retried": true})
		return true, nil
	}
	s.Stats.AddRunEntry("run_bot_died", ids.Pack(runResultKey), stats.Fields{"retried": false})
	return false, nil
}

// ExponentialBackoff computes how long a bot should sleep before its next
// poll after attempt consecutive empty polls, mirroring
// bot_management.exponential_backoff: a flat 5% chance of an occasional
// quick recall (1s), otherwise 1.5^(min(attempt,10)+1) seconds capped at 3s
// on canary (to keep contention tests fast) or 60s in production.
func (s *Scheduler) ExponentialBackoff(attempt int, uniform func() float64) time.Duration {
	if uniform() < config.ProbabilityOfQuickComeback() {
		return time.Second
	}
	maxWait := 60 * time.Second
	if s.Config.Canary {
		maxWait = 3 * time.Second
	}
	wait := time.Duration(float64(time.Second) * pow15(attempt))
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}

// pow15 computes 1.5^(min(attempt,10)+1), the spec.md §4.E backoff curve.
func pow15(attempt int) float64 {
	n := attempt
	if n > 10 {
		n = 10
	}
	v := 1.0
	for i := 0; i <= n; i++ {
		v *= 1.5
	}
	return v
}
