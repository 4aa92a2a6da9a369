package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/store"
)

const (
	// DefaultMaxSteps bounds node transitions per run so a mis-wired
	// graph cannot spin forever.
	DefaultMaxSteps = 1000

	// DefaultLeaseTTL is how long a resource lease stays valid without
	// renewal; an expired lease stops counting against the resource.
	DefaultLeaseTTL = 5 * time.Minute

	// DefaultLeaseBudget bounds how long a step waits for a free lease
	// slot before failing with a lease-timeout error.
	DefaultLeaseBudget = 30 * time.Second

	// DefaultRateWaitTimeout bounds the wait for a rate-limit token
	// when the step declares no timeout of its own.
	DefaultRateWaitTimeout = 5 * time.Second

	leasePollInterval = 200 * time.Millisecond

	onFailureThreadSuffix = ":on_failure"
)

// ProcedureLoader resolves a procedure id and version (0 = latest) to
// its compiled form. Subflow nodes use it to start child runs.
type ProcedureLoader func(ctx context.Context, procedureID string, version int) (*Procedure, error)

// StoreLoader builds a ProcedureLoader over a procedure store,
// compiling the stored document on every load.
func StoreLoader(procs store.ProcedureStore) ProcedureLoader {
	return func(ctx context.Context, procedureID string, version int) (*Procedure, error) {
		rec, err := procs.GetProcedure(ctx, procedureID, version)
		if err != nil {
			return nil, Errorf(KindValidation, "procedure %s v%d not found: %v", procedureID, version, err)
		}
		return Compile(rec.Document)
	}
}

// Env bundles the dependencies a Runner needs. Zero-value optional
// fields get working defaults from NewRunner; Store and Dispatcher are
// required for any run that persists or dispatches.
type Env struct {
	Store      store.Store
	Emitter    emit.Emitter
	Dispatcher Dispatcher
	Limiter    *RateLimiter
	Cancels    *CancelRegistry
	Metrics    *Metrics

	// Secrets is the vault-hydrated secret namespace for template
	// rendering. Values pass through rendering only; they are never
	// written to checkpoints, events, or results.
	Secrets map[string]any

	// Procedures resolves subflow targets.
	Procedures ProcedureLoader

	LeaseTTL    time.Duration
	LeaseBudget time.Duration
	MaxSteps    int

	// Sleep is the delay primitive (wait_ms, backoff). Overridable so
	// tests run wall-clock free.
	Sleep func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Runner drives one compiled procedure against a RunState.
//
// Run is synchronous: it returns when the run reaches a terminal
// status, suspends (approval, async delegation), or fails. The worker
// package owns the surrounding queue claim/heartbeat lifecycle.
type Runner struct {
	env  Env
	proc *Procedure
}

// NewRunner creates a runner, filling Env defaults.
func NewRunner(env Env, proc *Procedure) *Runner {
	if env.Emitter == nil {
		env.Emitter = emit.NewNullEmitter()
	}
	if env.Limiter == nil {
		env.Limiter = NewRateLimiter()
	}
	if env.Cancels == nil {
		env.Cancels = NewCancelRegistry()
	}
	if env.LeaseTTL <= 0 {
		env.LeaseTTL = DefaultLeaseTTL
	}
	if env.LeaseBudget <= 0 {
		env.LeaseBudget = DefaultLeaseBudget
	}
	if env.MaxSteps <= 0 {
		env.MaxSteps = DefaultMaxSteps
	}
	if env.Sleep == nil {
		env.Sleep = sleepCtx
	}
	return &Runner{env: env, proc: proc}
}

// Run executes the procedure from the state's resume position (or the
// start node for a fresh run).
//
// On return:
//   - err == nil and state.TerminalStatus terminal: run finished; run
//     row and run_completed / run_failed events are already written.
//   - err == nil and state suspended (AwaitingApproval or
//     WorkflowPending): the run is parked; a checkpoint was saved and
//     the run row moved to waiting_approval.
//   - err != nil: the run failed or was cancelled; the run row is
//     final and leases are released.
func (r *Runner) Run(ctx context.Context, state *RunState) error {
	if err := r.env.Store.SetRunStatus(ctx, state.RunID, store.RunRunning); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Errorf(KindInternal, "failed to mark run running: %v", err)
	}
	r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.RunStarted})

	startNodeID := state.NextNodeID
	if startNodeID == "" {
		switch {
		case (state.AwaitingApproval || state.WorkflowPending) && state.LoopNodeID != "":
			// Suspended inside a loop body: the loop node owns the resume
			// so the remaining iterations still run after the suspended
			// one resolves.
			startNodeID = state.LoopNodeID
		case state.AwaitingApproval && state.ApprovalNodeID != "":
			startNodeID = state.ApprovalNodeID
		case state.WorkflowPending && state.WorkflowResumeNode != "":
			startNodeID = state.WorkflowResumeNode
		case state.CurrentNodeID != "":
			startNodeID = state.CurrentNodeID
		default:
			startNodeID = r.proc.StartNodeID
		}
	}
	state.NextNodeID = ""

	err := r.loop(ctx, state, startNodeID, state.RunID)

	switch {
	case err != nil:
		return r.finishFailed(ctx, state, err)
	case state.AwaitingApproval || state.WorkflowPending:
		return r.suspend(ctx, state)
	default:
		return r.finishTerminal(ctx, state)
	}
}

// loop drives node transitions from startNodeID until the chain ends,
// the run suspends, or a node fails. threadID names the checkpoint
// thread; parallel branches and the on-failure path pass their own.
func (r *Runner) loop(ctx context.Context, state *RunState, startNodeID, threadID string) error {
	nodeID := startNodeID
	for transitions := 0; nodeID != ""; transitions++ {
		if transitions >= r.env.MaxSteps {
			return Errorf(KindInternal, "run %s: %v (%d)", state.RunID, ErrMaxStepsExceeded, r.env.MaxSteps)
		}
		if err := r.checkCancelled(ctx, state); err != nil {
			return err
		}

		node, ok := r.proc.Nodes[nodeID]
		if !ok {
			return Errorf(KindValidation, "node %q not found in procedure %s", nodeID, r.proc.ProcedureID)
		}
		state.CurrentNodeID = node.NodeID
		r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.NodeEntered, NodeID: node.NodeID,
			Payload: map[string]any{"node_type": string(node.Type)}})
		if err := r.env.Store.UpdateRunPosition(ctx, state.RunID, node.NodeID, state.LastStepID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return Errorf(KindInternal, "failed to update run position: %v", err)
		}

		next, err := r.execNode(ctx, state, node)
		if err != nil {
			return err
		}

		if node.IsCheckpoint {
			if err := r.saveCheckpoint(ctx, state, threadID); err != nil {
				return err
			}
		}
		if state.AwaitingApproval || state.WorkflowPending || state.TerminalStatus != "" {
			return nil
		}
		nodeID = next
	}
	return nil
}

func (r *Runner) execNode(ctx context.Context, state *RunState, node *Node) (string, error) {
	switch node.Type {
	case NodeSequence, NodeProcessing, NodeVerification, NodeLLMAction, NodeTransform:
		return r.execSequence(ctx, state, node)
	case NodeLogic:
		return r.execLogic(ctx, state, node)
	case NodeLoop:
		return r.execLoop(ctx, state, node)
	case NodeParallel:
		return r.execParallel(ctx, state, node)
	case NodeApproval:
		return r.execApproval(ctx, state, node)
	case NodeSubflow:
		return r.execSubflow(ctx, state, node)
	case NodeTerminate:
		return r.execTerminate(ctx, state, node)
	default:
		return "", Errorf(KindValidation, "node %q has unknown type %q", node.NodeID, node.Type)
	}
}

// checkCancelled honors both the in-process cancel registry and the
// persisted cross-process flag.
func (r *Runner) checkCancelled(ctx context.Context, state *RunState) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if r.env.Cancels.Cancelled(state.RunID) {
		return ErrRunCancelled
	}
	requested, err := r.env.Store.CancellationRequested(ctx, state.RunID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Errorf(KindInternal, "failed to read cancellation flag: %v", err)
	}
	if requested {
		r.env.Cancels.Cancel(state.RunID)
		return ErrRunCancelled
	}
	return nil
}

// templateContext exposes the run's vars, the vault secrets, and the
// node-local step results to the renderer.
func (r *Runner) templateContext(state *RunState, results map[string]any) TemplateContext {
	return TemplateContext{Vars: state.Vars, Secrets: r.env.Secrets, Results: results}
}

// emitEvent appends to the durable log (assigning seq) and mirrors to
// the configured emitter. Payloads must be redacted by the caller.
func (r *Runner) emitEvent(ctx context.Context, event emit.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if _, err := r.env.Store.AppendEvent(ctx, &event); err != nil {
		// The run must not die because observability did; the mirror
		// still sees the event, just without a durable seq.
		event.Seq = 0
	}
	r.env.Emitter.Emit(event)
}

func (r *Runner) saveCheckpoint(ctx context.Context, state *RunState, threadID string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return Errorf(KindInternal, "failed to marshal state for checkpoint: %v", err)
	}
	cp := &store.Checkpoint{ThreadID: threadID, StateJSON: data}
	cpID, err := r.env.Store.PutCheckpoint(ctx, cp)
	if err != nil {
		return Errorf(KindInternal, "failed to save checkpoint: %v", err)
	}
	r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.CheckpointSaved, NodeID: state.CurrentNodeID,
		Payload: map[string]any{"checkpoint_id": cpID, "step": cp.Step}})
	return nil
}

func (r *Runner) suspend(ctx context.Context, state *RunState) error {
	if err := r.saveCheckpoint(ctx, state, state.RunID); err != nil {
		return err
	}
	if err := r.env.Store.SetRunStatus(ctx, state.RunID, store.RunWaitingApproval); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Errorf(KindInternal, "failed to park run: %v", err)
	}
	return nil
}

func (r *Runner) finishTerminal(ctx context.Context, state *RunState) error {
	status := store.RunCompleted
	eventType := emit.RunCompleted
	if state.TerminalStatus == "failed" {
		status = store.RunFailed
		eventType = emit.RunFailed
	}
	if state.TerminalStatus == "" {
		state.TerminalStatus = "completed"
	}
	_ = r.env.Store.ReleaseRunLeases(ctx, state.RunID)
	if err := r.env.Store.SetRunStatus(ctx, state.RunID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Errorf(KindInternal, "failed to finish run: %v", err)
	}
	r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: eventType,
		Payload: map[string]any{
			"steps_executed": state.Telemetry.StepsExecuted,
			"steps_replayed": state.Telemetry.StepsReplayed,
			"retries_issued": state.Telemetry.RetriesIssued,
		}})
	if status == store.RunFailed {
		r.runOnFailureThread(ctx, state, fmt.Errorf("terminated with status failed"))
		return Errorf(KindInternal, "run terminated with status failed")
	}
	return nil
}

// finishFailed finalizes a failed or cancelled run: leases are
// released, the terminal event and status are written, and the
// on-failure thread (if configured) gets its chance to clean up. The
// run stays failed regardless of what that thread does.
func (r *Runner) finishFailed(ctx context.Context, state *RunState, cause error) error {
	_ = r.env.Store.ReleaseRunLeases(ctx, state.RunID)

	if errors.Is(cause, ErrRunCancelled) || errors.Is(cause, context.Canceled) {
		state.TerminalStatus = "canceled"
		_ = r.env.Store.SetRunStatus(ctx, state.RunID, store.RunCanceled)
		r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.RunCanceled,
			NodeID: state.CurrentNodeID})
		return ErrRunCancelled
	}

	state.TerminalStatus = "failed"
	_ = r.env.Store.SetRunStatus(ctx, state.RunID, store.RunFailed)
	r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.RunFailed,
		NodeID: state.CurrentNodeID, StepID: state.LastStepID,
		Payload: map[string]any{
			"error":      cause.Error(),
			"error_kind": string(KindOf(cause)),
		}})
	r.runOnFailureThread(ctx, state, cause)
	return cause
}

// runOnFailureThread executes the procedure's on_failure node chain on
// a clone of the failed state, under a separate checkpoint thread.
// Failures inside the cleanup chain are reported but never mask the
// original failure.
func (r *Runner) runOnFailureThread(ctx context.Context, state *RunState, cause error) {
	nodeID := r.proc.Global.OnFailureNodeID
	if nodeID == "" {
		return
	}
	cleanup, err := state.Clone()
	if err != nil {
		return
	}
	cleanup.TerminalStatus = ""
	cleanup.AwaitingApproval = false
	cleanup.WorkflowPending = false
	cleanup.SetVar("failure_reason", cause.Error())
	cleanup.SetVar("failure_kind", string(KindOf(cause)))

	if err := r.loop(ctx, cleanup, nodeID, state.RunID+onFailureThreadSuffix); err != nil {
		r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.StepFailed,
			NodeID: nodeID, Payload: map[string]any{
				"error": err.Error(),
				"phase": "on_failure",
			}})
	}
}
