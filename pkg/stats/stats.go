// Package stats declares the fire-and-forget statistics sink the
// scheduler core reports events through (spec.md §6). It is a capability
// interface so the core never depends on a concrete metrics backend.
package stats

// Sink receives scheduler lifecycle events. Implementations must not
// block or fail the caller: emission errors are swallowed, matching
// spec.md §7.4 ("best-effort side effects").
type Sink interface {
	// AddRunEntry records an event scoped to one RunResult (e.g.
	// "run_started", "run_completed", "run_bot_died", "run_updated").
	AddRunEntry(event string, runResultKey string, fields Fields)

	// AddTaskEntry records an event scoped to one ResultSummary (e.g.
	// "task_enqueued", "task_completed", "task_request_expired").
	AddTaskEntry(event string, resultSummaryKey string, fields Fields)
}

// Fields are the free-form labels attached to an event: bot id,
// dimensions, user, timing, etc.
type Fields map[string]any

// Noop discards every event; used where a Sink is required but metrics
// aren't wired, e.g. in unit tests that don't assert on stats.
type Noop struct{}

func (Noop) AddRunEntry(string, string, Fields)  {}
func (Noop) AddTaskEntry(string, string, Fields) {}
