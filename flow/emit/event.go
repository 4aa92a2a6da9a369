// Package emit defines the run-event model and pluggable emitters for
// ProcFlow-Go. Every state-changing operation in the engine produces an
// Event; the store appends it to the durable per-run log and the
// configured Emitter mirrors it for observability.
package emit

import "time"

// EventType names the lifecycle points the engine reports.
type EventType string

const (
	RunCreated               EventType = "run_created"
	RunStarted               EventType = "run_started"
	RunCompleted             EventType = "run_completed"
	RunFailed                EventType = "run_failed"
	RunCanceled              EventType = "run_canceled"
	StepStarted              EventType = "step_started"
	StepCompleted            EventType = "step_completed"
	StepFailed               EventType = "step_failed"
	RetryAttempted           EventType = "retry_attempted"
	ApprovalRequested        EventType = "approval_requested"
	ApprovalDecisionReceived EventType = "approval_decision_received"
	WorkflowDelegated        EventType = "workflow_delegated"
	LoopIteration            EventType = "loop_iteration"
	CheckpointSaved          EventType = "checkpoint_saved"
	NodeEntered              EventType = "node_entered"

	// RetentionPruned is emitter-only; it belongs to no run and is
	// never appended to a run log.
	RetentionPruned EventType = "retention_pruned"
)

// Event is one entry of a run's append-only log.
//
// Within one run, Seq is strictly increasing with causal order; it is
// assigned by the store when the event is appended (zero until then).
// Payload must already be redacted of secret fields when the event is
// constructed — emitters and stores never see raw credentials.
type Event struct {
	// Seq is the monotonic event id within the run. Assigned on append.
	Seq int64 `json:"seq"`

	RunID string    `json:"run_id"`
	Type  EventType `json:"type"`

	// NodeID and StepID locate the event in the graph; empty for
	// run-level events.
	NodeID string `json:"node_id,omitempty"`
	StepID string `json:"step_id,omitempty"`

	// Attempt is the retry attempt the event belongs to (1-based),
	// zero when not applicable.
	Attempt int `json:"attempt,omitempty"`

	// Payload carries event-specific structured data. Common keys:
	//   - "error": failure message
	//   - "error_kind": machine-readable failure kind
	//   - "result": redacted step result
	//   - "iteration", "total", "item": loop progress
	//   - "prompt", "decision_type": approval context
	Payload map[string]any `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
