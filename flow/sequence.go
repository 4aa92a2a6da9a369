package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/store"
)

// execSequence runs a step-list node (sequence, processing,
// verification, llm_action, transform all share the payload).
//
// Per step: cancellation check, idempotent replay, pre-wait, template
// rendering, lease acquisition, rate-limit token, dispatch (or
// in-process action), result capture, post-wait. Failures go through
// the retry policy first and the node's error handlers second.
func (r *Runner) execSequence(ctx context.Context, state *RunState, node *Node) (string, error) {
	if node.Sequence == nil {
		return node.NextNodeID, nil
	}
	results := make(map[string]any)

	// An async delegation suspended this node mid-way; fast-forward to
	// the step after the delegated one.
	skipUntil := ""
	if state.WorkflowPending && state.WorkflowResumeNode == node.NodeID {
		skipUntil = state.WorkflowResumeStep
		state.WorkflowPending = false
		state.WorkflowResumeNode = ""
		state.WorkflowResumeStep = ""
	}
	skipping := skipUntil != ""

	for i := range node.Sequence.Steps {
		step := &node.Sequence.Steps[i]
		if skipping {
			if step.StepID == skipUntil {
				skipping = false
			}
			continue
		}
		if err := r.checkCancelled(ctx, state); err != nil {
			return "", err
		}

		fallback, suspended, err := r.runStep(ctx, state, node, step, results)
		if err != nil {
			return "", err
		}
		if suspended {
			return "", nil
		}
		if fallback != "" {
			return fallback, nil
		}
	}
	return node.NextNodeID, nil
}

// runStep executes one step end to end: replay check, retry loop,
// error handlers. Returns a fallback node id when a handler redirects
// the flow, or suspended=true when the step parked the run.
func (r *Runner) runStep(ctx context.Context, state *RunState, node *Node, step *Step, results map[string]any) (fallback string, suspended bool, err error) {
	state.LastStepID = step.StepID

	external := !isInternalStep(step)
	if external {
		if replayed, rerr := r.tryReplay(ctx, state, node, step, results); rerr != nil {
			return "", false, rerr
		} else if replayed {
			return "", false, nil
		}
	}

	if step.WaitMS > 0 {
		if err := r.env.Sleep(ctx, time.Duration(step.WaitMS)*time.Millisecond); err != nil {
			return "", false, err
		}
	}

	suspended, err = r.attemptWithRetry(ctx, state, node, step, results)
	if err == nil {
		if !suspended && step.WaitAfterMS > 0 {
			if serr := r.env.Sleep(ctx, time.Duration(step.WaitAfterMS)*time.Millisecond); serr != nil {
				return "", false, serr
			}
		}
		return "", suspended, nil
	}
	if errors.Is(err, ErrRunCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", false, err
	}

	return r.applyErrorHandlers(ctx, state, node, step, results, err)
}

// attemptWithRetry drives the step's retry policy: execute, and on a
// retryable failure back off and try again until attempts run out.
func (r *Runner) attemptWithRetry(ctx context.Context, state *RunState, node *Node, step *Step, results map[string]any) (bool, error) {
	policy := policyFor(step, r.proc.Global)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := r.checkCancelled(ctx, state); err != nil {
			return false, err
		}

		suspended, err := r.executeStepOnce(ctx, state, node, step, results, attempt)
		if err == nil {
			return suspended, nil
		}
		lastErr = err

		r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.StepFailed,
			NodeID: node.NodeID, StepID: step.StepID, Attempt: attempt,
			Payload: map[string]any{
				"error":      err.Error(),
				"error_kind": string(KindOf(err)),
			}})

		if !Retryable(err) || attempt == policy.MaxAttempts {
			break
		}

		delay := computeBackoff(attempt-1, policy.BaseDelay, policy.MaxDelay)
		state.Telemetry.RetriesIssued++
		r.env.Metrics.IncrementRetries(string(KindOf(err)))
		r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.RetryAttempted,
			NodeID: node.NodeID, StepID: step.StepID, Attempt: attempt,
			Payload: map[string]any{
				"delay_ms":   delay.Milliseconds(),
				"error_kind": string(KindOf(err)),
			}})
		if serr := r.env.Sleep(ctx, delay); serr != nil {
			return false, serr
		}
	}

	if isExternalStep(step) {
		detail, _ := json.Marshal(map[string]any{"error": lastErr.Error()})
		_ = r.env.Store.PutIdempotency(ctx, &store.IdempotencyRecord{
			RunID: state.RunID, NodeID: node.NodeID, StepID: idemStepID(state, step),
			Status: store.IdemFailed, ResultJSON: detail,
		})
	}
	return false, lastErr
}

// executeStepOnce performs a single attempt: render, lease, rate
// token, dispatch, record. The lease is released on every exit path.
func (r *Runner) executeStepOnce(ctx context.Context, state *RunState, node *Node, step *Step, results map[string]any, attempt int) (suspended bool, err error) {
	tctx := r.templateContext(state, results)
	rendered := RenderParams(step.Params, tctx)

	r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.StepStarted,
		NodeID: node.NodeID, StepID: step.StepID, Attempt: attempt,
		Payload: map[string]any{"action": step.Action}})

	started := time.Now()
	external := isExternalStep(step)

	if external {
		resourceKey := leaseResourceKey(node, rendered)
		if resourceKey != "" {
			lease, lerr := r.acquireLease(ctx, state, node, step, resourceKey)
			if lerr != nil {
				return false, lerr
			}
			defer func() { _ = r.env.Store.ReleaseLease(ctx, lease.LeaseID) }()
		}

		if rate := r.proc.Global.RatePerMinute; rate > 0 {
			waitBudget := DefaultRateWaitTimeout
			if step.TimeoutMS > 0 {
				waitBudget = time.Duration(step.TimeoutMS) * time.Millisecond
			}
			r.env.Metrics.IncrementRateLimitWaits()
			if lerr := r.env.Limiter.Acquire(ctx, r.proc.ProcedureID, rate, waitBudget); lerr != nil {
				return false, lerr
			}
		}

		_ = r.env.Store.PutIdempotency(ctx, &store.IdempotencyRecord{
			RunID: state.RunID, NodeID: node.NodeID, StepID: idemStepID(state, step),
			Status: store.IdemStarted,
		})
	}

	var result map[string]any
	if external {
		result, err = r.dispatchStep(ctx, state, node, step, rendered)
	} else {
		result, err = r.runInternalAction(ctx, state, step, rendered)
	}
	if err != nil {
		r.env.Metrics.RecordStepLatency(string(node.Type), time.Since(started), "error")
		return false, err
	}

	// Async delegation: the agent acknowledged; park the run until the
	// external workflow calls back.
	if external && step.DispatchMode == "async" {
		state.WorkflowPending = true
		state.WorkflowResumeNode = node.NodeID
		state.WorkflowResumeStep = step.StepID
		r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.WorkflowDelegated,
			NodeID: node.NodeID, StepID: step.StepID,
			Payload: map[string]any{"action": step.Action}})
		return true, nil
	}

	r.recordStepSuccess(ctx, state, node, step, results, result, attempt, false)
	r.env.Metrics.RecordStepLatency(string(node.Type), time.Since(started), "success")
	return false, nil
}

// tryReplay consults the idempotency ledger; a succeeded record means
// the external call already happened and its cached result is reused
// without touching the network.
func (r *Runner) tryReplay(ctx context.Context, state *RunState, node *Node, step *Step, results map[string]any) (bool, error) {
	rec, err := r.env.Store.GetIdempotency(ctx, state.RunID, node.NodeID, idemStepID(state, step))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, Errorf(KindInternal, "failed to read idempotency record: %v", err)
	}
	if rec.Status != store.IdemSucceeded {
		return false, nil
	}

	var result map[string]any
	if len(rec.ResultJSON) > 0 {
		if err := json.Unmarshal(rec.ResultJSON, &result); err != nil {
			return false, Errorf(KindInternal, "cached result for step %s is corrupt: %v", step.StepID, err)
		}
	}
	state.Telemetry.StepsReplayed++
	r.env.Metrics.RecordStepLatency(string(node.Type), 0, "replayed")
	r.recordStepSuccess(ctx, state, node, step, results, result, 0, true)
	return true, nil
}

func (r *Runner) recordStepSuccess(ctx context.Context, state *RunState, node *Node, step *Step, results map[string]any, result map[string]any, attempt int, replayed bool) {
	if step.OutputVariable != "" {
		state.SetVar(step.OutputVariable, anyResult(result))
	}
	results[step.StepID] = anyResult(result)
	state.Telemetry.StepsExecuted++

	if !replayed && isExternalStep(step) {
		resultJSON, _ := json.Marshal(result)
		_ = r.env.Store.PutIdempotency(ctx, &store.IdempotencyRecord{
			RunID: state.RunID, NodeID: node.NodeID, StepID: idemStepID(state, step),
			Status: store.IdemSucceeded, ResultJSON: resultJSON,
		})
	}

	payload := map[string]any{"action": step.Action}
	if replayed {
		payload["replayed"] = true
	}
	if len(result) > 0 {
		payload["result"] = Redact(result)
	}
	r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.StepCompleted,
		NodeID: node.NodeID, StepID: step.StepID, Attempt: attempt, Payload: payload})
}

// idemStepID scopes idempotency records to the loop iteration a step
// ran in. Without the scope, the second iteration of a loop body would
// replay the first iteration's cached result instead of dispatching.
func idemStepID(state *RunState, step *Step) string {
	if state.LoopNodeID != "" {
		return step.StepID + "#" + strconv.Itoa(state.LoopIndex)
	}
	return step.StepID
}

// anyResult unwraps the single-value envelope so output variables hold
// scalars when the agent returned one.
func anyResult(result map[string]any) any {
	if len(result) == 1 {
		if v, ok := result["value"]; ok {
			return v
		}
	}
	return result
}

func (r *Runner) dispatchStep(ctx context.Context, state *RunState, node *Node, step *Step, rendered map[string]any) (map[string]any, error) {
	if r.env.Dispatcher == nil {
		return nil, Errorf(KindNoExecutor, "no dispatcher configured for action %q", step.Action)
	}
	req := DispatchRequest{
		RunID:   state.RunID,
		NodeID:  node.NodeID,
		StepID:  step.StepID,
		Action:  step.Action,
		Channel: node.Agent,
		Params:  rendered,
		Async:   step.DispatchMode == "async",
	}
	if step.Binding != nil {
		req.Binding = *step.Binding
	}
	if step.TimeoutMS > 0 {
		req.Timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	return r.env.Dispatcher.Dispatch(ctx, req)
}

// acquireLease polls for a free slot on the resource until the lease
// budget runs out. A lease-timeout error is retryable, so the step's
// retry policy gets a say before the run fails.
func (r *Runner) acquireLease(ctx context.Context, state *RunState, node *Node, step *Step, resourceKey string) (*store.Lease, error) {
	deadline := time.Now().Add(r.env.LeaseBudget)
	for {
		lease, err := r.env.Store.TryAcquireLease(ctx, resourceKey, state.RunID, node.NodeID, step.StepID, r.env.LeaseTTL)
		if err != nil {
			return nil, Errorf(KindInternal, "lease acquisition failed: %v", err)
		}
		if lease != nil {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, Errorf(KindLeaseTimeout,
				"resource %q still saturated after %s", resourceKey, r.env.LeaseBudget)
		}
		if err := r.env.Sleep(ctx, leasePollInterval); err != nil {
			return nil, err
		}
	}
}

// applyErrorHandlers consults the node's handlers after retries are
// exhausted. The first handler matching the error kind (empty kind
// matches any) runs its recovery steps, then its action decides the
// step's fate.
func (r *Runner) applyErrorHandlers(ctx context.Context, state *RunState, node *Node, step *Step, results map[string]any, cause error) (string, bool, error) {
	kind := KindOf(cause)
	for i := range node.ErrorHandlers {
		handler := &node.ErrorHandlers[i]
		if handler.Kind != "" && handler.Kind != kind {
			continue
		}

		for j := range handler.RecoverySteps {
			recovery := &handler.RecoverySteps[j]
			if _, err := r.executeStepOnce(ctx, state, node, recovery, results, 1); err != nil {
				// Recovery failing doesn't change the outcome; the
				// original error stands.
				break
			}
		}

		switch handler.Action {
		case HandlerRetry:
			suspended, err := r.attemptWithRetry(ctx, state, node, step, results)
			if err != nil {
				return "", false, err
			}
			return "", suspended, nil
		case HandlerIgnore:
			r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.StepCompleted,
				NodeID: node.NodeID, StepID: step.StepID,
				Payload: map[string]any{"ignored_error": cause.Error()}})
			return "", false, nil
		case HandlerFallback:
			return handler.FallbackNode, false, nil
		case HandlerEscalate:
			r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.StepFailed,
				NodeID: node.NodeID, StepID: step.StepID,
				Payload: map[string]any{
					"error":     cause.Error(),
					"escalated": true,
				}})
			return "", false, cause
		default: // HandlerFail
			return "", false, cause
		}
	}
	return "", false, cause
}

// runInternalAction executes whitelisted in-process actions. These are
// cheap, deterministic, and deliberately not idempotency-cached.
func (r *Runner) runInternalAction(ctx context.Context, state *RunState, step *Step, rendered map[string]any) (map[string]any, error) {
	switch step.Action {
	case "log":
		message, _ := rendered["message"].(string)
		return map[string]any{"logged": true, "message": message}, nil
	case "wait":
		ms, ok := toNumber(rendered["duration_ms"])
		if !ok || ms < 0 {
			return nil, Errorf(KindValidation, "wait action requires a non-negative duration_ms")
		}
		if err := r.env.Sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
			return nil, err
		}
		return map[string]any{"waited_ms": ms}, nil
	case "set_variable":
		name, _ := rendered["name"].(string)
		if name == "" {
			return nil, Errorf(KindValidation, "set_variable action requires a name")
		}
		state.SetVar(name, rendered["value"])
		return map[string]any{"name": name}, nil
	case "noop":
		return map[string]any{}, nil
	default:
		return nil, Errorf(KindNoExecutor, "unknown internal action %q", step.Action)
	}
}

func isInternalStep(step *Step) bool {
	if step.Binding != nil && step.Binding.Type == BindInternal {
		return true
	}
	return IsInternalAction(step.Action)
}

func isExternalStep(step *Step) bool { return !isInternalStep(step) }

// leaseResourceKey picks the concurrency domain of a step: an explicit
// resource_key parameter wins, otherwise the node's agent channel.
func leaseResourceKey(node *Node, rendered map[string]any) string {
	if key, ok := rendered["resource_key"].(string); ok && key != "" {
		return key
	}
	return node.Agent
}
