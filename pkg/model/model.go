// Package model defines the four core entities of a task's lifecycle:
// Request, ToRun, RunResult, and ResultSummary, and the state machine
// shared by RunResult and ResultSummary.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/guido-cesarano/taskforge/pkg/ids"
)

// State is a RunResult/ResultSummary lifecycle state.
type State string

const (
	StatePending  State = "PENDING"
	StateRunning  State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateTimedOut  State = "TIMED_OUT"
	StateBotDied   State = "BOT_DIED"
	StateExpired   State = "EXPIRED"
	StateCanceled  State = "CANCELED"
)

// IsRunning reports whether s is one of the two non-terminal states.
func (s State) IsRunning() bool {
	return s == StatePending || s == StateRunning
}

// IsTerminal reports whether s cannot be left except via the explicit
// PENDING reset performed on retry.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateBotDied, StateExpired, StateCanceled:
		return true
	}
	return false
}

// Properties describes the schedulable work of a Request: commands to run,
// the dimensions required of the executing bot, and idempotency.
type Properties struct {
	Commands        [][]string          `json:"commands"`
	Dimensions      map[string][]string `json:"dimensions"`
	Idempotent      bool                `json:"idempotent"`
	PropertiesHash  string              `json:"properties_hash,omitempty"`
}

// ComputeHash fills PropertiesHash with a deterministic digest of the
// schedulable content (commands + dimensions), used for dedupe lookups.
// When Idempotent is unset it clears PropertiesHash instead, matching the
// invariant that properties_hash is non-null iff idempotent.
func (p *Properties) ComputeHash() {
	if !p.Idempotent {
		p.PropertiesHash = ""
		return
	}
	h := sha256.New()
	enc := json.NewEncoder(h)
	enc.Encode(p.Commands)
	keys := make([]string, 0, len(p.Dimensions))
	for k := range p.Dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), p.Dimensions[k]...)
		sort.Strings(vals)
		enc.Encode(k)
		enc.Encode(vals)
	}
	p.PropertiesHash = hex.EncodeToString(h.Sum(nil))
}

// Request is immutable after creation.
type Request struct {
	Key           ids.Key    `json:"key"`
	CreatedTS     time.Time  `json:"created_ts"`
	Name          string     `json:"name"`
	User          string     `json:"user"`
	Priority      int        `json:"priority"`
	ExpirationTS  time.Time  `json:"expiration_ts"`
	ParentTaskID  string     `json:"parent_task_id,omitempty"`
	Properties    Properties `json:"properties"`
}

// Validate enforces the Request invariants of spec.md §3.
func (r *Request) Validate() error {
	if r.Priority < 0 || r.Priority > 255 {
		return &ValidationError{Field: "priority", Msg: "must be in [0,255]"}
	}
	if !r.ExpirationTS.After(r.CreatedTS) {
		return &ValidationError{Field: "expiration_ts", Msg: "must be after created_ts"}
	}
	if r.Properties.Idempotent && r.Properties.PropertiesHash == "" {
		return &ValidationError{Field: "properties_hash", Msg: "required when idempotent"}
	}
	if !r.Properties.Idempotent && r.Properties.PropertiesHash != "" {
		return &ValidationError{Field: "properties_hash", Msg: "must be empty unless idempotent"}
	}
	return nil
}

// ValidationError reports a caller-bug precondition failure (spec.md §7.1).
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return "model: invalid " + e.Field + ": " + e.Msg
}

// ToRun is the dispatchable unit for a Request.
type ToRun struct {
	Key          ids.Key   `json:"key"`
	RequestKey   ids.Key   `json:"request_key"`
	QueueNumber  *int64    `json:"queue_number"`
	TryNumber    int       `json:"try_number"`
	ExpirationTS time.Time `json:"expiration_ts"`
}

// IsReapable mirrors TaskToRun.is_reapable: only non-null queue numbers can
// be claimed.
func (t *ToRun) IsReapable() bool {
	return t.QueueNumber != nil
}

// RunResult is one attempt at executing a Request.
type RunResult struct {
	Key            ids.Key    `json:"key"`
	RequestKey     ids.Key    `json:"request_key"`
	BotID          string     `json:"bot_id"`
	BotVersion     string     `json:"bot_version"`
	TryNumber      int        `json:"try_number"`
	State          State      `json:"state"`
	ExitCodes      []int      `json:"exit_codes"`
	Durations      []float64  `json:"durations"`
	Output         [][]byte   `json:"output,omitempty"`
	CostUSD        float64    `json:"cost_usd"`
	StartedTS      time.Time  `json:"started_ts"`
	CompletedTS    *time.Time `json:"completed_ts,omitempty"`
	AbandonedTS    *time.Time `json:"abandoned_ts,omitempty"`
	InternalFailure bool      `json:"internal_failure"`
	ChildrenTaskIDs []string  `json:"children_task_ids,omitempty"`
}

// NewRunResult constructs a fresh RunResult in state RUNNING, the
// counterpart of task_result.new_run_result.
func NewRunResult(request *Request, tryNumber int, botID, botVersion string, now time.Time) *RunResult {
	rsKey := ids.ResultSummaryKey(request.Key)
	return &RunResult{
		Key:        ids.RunResultKey(rsKey, tryNumber),
		RequestKey: request.Key,
		BotID:      botID,
		BotVersion: botVersion,
		TryNumber:  tryNumber,
		State:      StateRunning,
		StartedTS:  now,
	}
}

// SignalServerVersion records the scheduler's app version against the run,
// mirroring run_result.signal_server_version.
func (r *RunResult) SignalServerVersion(version string) {
	r.BotVersion = version
}

// AppendOutput appends bytes for cmdIndex at the given byte offset,
// tolerating an idempotent retry (same offset, same bytes is a no-op).
// Output is modeled per-command as an append-only byte slice; cmdIndex
// indexes into Output, growing it as needed.
func (r *RunResult) AppendOutput(cmdIndex int, chunk []byte, offset int) {
	for len(r.Output) <= cmdIndex {
		r.Output = append(r.Output, nil)
	}
	cur := r.Output[cmdIndex]
	if offset < len(cur) {
		// Entirely or partially covered by data we already have: idempotent
		// retry of an HTTP call whose response was lost. Only append the
		// genuinely new suffix, if any.
		overlap := len(cur) - offset
		if overlap >= len(chunk) {
			return
		}
		chunk = chunk[overlap:]
		offset = len(cur)
	}
	if offset > len(cur) {
		cur = append(cur, make([]byte, offset-len(cur))...)
	}
	r.Output[cmdIndex] = append(cur, chunk...)
}

// ResultSummary is the client-visible rollup of a Request's RunResult(s).
type ResultSummary struct {
	Key              ids.Key    `json:"key"`
	RequestKey       ids.Key    `json:"request_key"`
	RunResultKey     *ids.Key   `json:"run_result_key,omitempty"`
	BotID            string     `json:"bot_id"`
	BotVersion       string     `json:"bot_version"`
	TryNumber        int        `json:"try_number"`
	State            State      `json:"state"`
	ExitCodes        []int      `json:"exit_codes"`
	Durations        []float64  `json:"durations"`
	CostUSD          float64    `json:"cost_usd"`
	CostsUSD         []float64  `json:"costs_usd"`
	CostSavedUSD     *float64   `json:"cost_saved_usd,omitempty"`
	DedupedFrom      string     `json:"deduped_from,omitempty"`
	PropertiesHash   string     `json:"properties_hash,omitempty"`
	CreatedTS        time.Time  `json:"created_ts"`
	Name             string     `json:"name"`
	User             string     `json:"user"`
	StartedTS        time.Time  `json:"started_ts"`
	CompletedTS      *time.Time `json:"completed_ts,omitempty"`
	AbandonedTS      *time.Time `json:"abandoned_ts,omitempty"`
	InternalFailure  bool       `json:"internal_failure"`
	ChildrenTaskIDs  []string   `json:"children_task_ids,omitempty"`

	// KillRequested is set by CancelTask when a client cancels a task that
	// is already RUNNING: the bot has no synchronous channel to receive the
	// cancellation, so the flag is stored on the summary and cleared by
	// BotKillTask (result_summary.kill_requested in the original's
	// cancel_task/bot_kill_task pair). Neither BotReapTask nor BotUpdateTask
	// reports the flag back to the bot.
	KillRequested bool `json:"kill_requested,omitempty"`
}

// NewResultSummary builds the un-persisted ResultSummary for a fresh
// Request, state PENDING, try_number 0 (not yet reaped).
func NewResultSummary(request *Request) *ResultSummary {
	return &ResultSummary{
		Key:        ids.ResultSummaryKey(request.Key),
		RequestKey: request.Key,
		State:      StatePending,
		CreatedTS:  request.CreatedTS,
		Name:       request.Name,
		User:       request.User,
	}
}

// CanBeCanceled mirrors result_summary.can_be_canceled.
func (rs *ResultSummary) CanBeCanceled() bool {
	return rs.State == StatePending
}

// SetFromRunResult copies observable state from a RunResult into rs,
// the explicit projection replacing the original's reflection-based
// _copy_entity (see SPEC_FULL.md / DESIGN.md "Reflection-based entity
// copy"). request is optional; when non-nil, dimensions-derived fields
// could be refreshed, but none are currently mirrored onto ResultSummary.
func (rs *ResultSummary) SetFromRunResult(rr *RunResult, request *Request) {
	key := rr.Key
	rs.RunResultKey = &key
	rs.BotID = rr.BotID
	rs.BotVersion = rr.BotVersion
	rs.TryNumber = rr.TryNumber
	rs.State = rr.State
	rs.ExitCodes = append([]int(nil), rr.ExitCodes...)
	rs.Durations = append([]float64(nil), rr.Durations...)
	rs.CostUSD = rr.CostUSD
	rs.StartedTS = rr.StartedTS
	rs.CompletedTS = rr.CompletedTS
	rs.AbandonedTS = rr.AbandonedTS
	rs.InternalFailure = rr.InternalFailure
	for len(rs.CostsUSD) < rr.TryNumber {
		rs.CostsUSD = append(rs.CostsUSD, 0)
	}
	if rr.TryNumber > 0 {
		rs.CostsUSD[rr.TryNumber-1] = rr.CostUSD
	}
}

// ResetToPending returns the summary to PENDING for a retry, without
// copying the dead attempt's failure state (result_summary.reset_to_pending).
func (rs *ResultSummary) ResetToPending() {
	rs.State = StatePending
	rs.RunResultKey = nil
}
