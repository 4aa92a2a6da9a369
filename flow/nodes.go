package flow

import (
	"context"

	"github.com/dshills/procflow-go/flow/emit"
)

// execLogic routes on the first matching rule. Conditions that fail to
// parse evaluate to false rather than failing the run; an unmatched
// rule set without a default ends the chain (the run completes).
func (r *Runner) execLogic(_ context.Context, state *RunState, node *Node) (string, error) {
	if node.Logic == nil {
		return node.NextNodeID, nil
	}
	tctx := r.templateContext(state, nil)
	for _, rule := range node.Logic.Rules {
		if EvalCondition(rule.Condition, tctx) {
			return rule.Next, nil
		}
	}
	return node.Logic.DefaultNext, nil
}

// execLoop iterates the body chain over the iterator variable's
// sequence. Loop position lives on the state, so a run resumed from a
// checkpoint continues at the iteration it stopped in.
func (r *Runner) execLoop(ctx context.Context, state *RunState, node *Node) (string, error) {
	payload := node.Loop
	if payload == nil {
		return node.NextNodeID, nil
	}

	items, ok := sequenceItems(state.Vars[payload.IteratorVariable])
	if !ok {
		return "", Errorf(KindValidation,
			"loop node %q: variable %q does not hold a sequence", node.NodeID, payload.IteratorVariable)
	}

	total := len(items)
	if payload.MaxIterations > 0 && total > payload.MaxIterations {
		total = payload.MaxIterations
	}

	start := 0
	resumeEntry := ""
	if state.LoopNodeID == node.NodeID {
		if state.LoopIndex > 0 {
			start = state.LoopIndex
		}
		// The body suspended mid-iteration on a previous visit. Re-enter
		// the iteration at the suspended node so the approval (or
		// delegation callback) resolves there; earlier body steps of
		// this iteration already ran.
		if state.AwaitingApproval && state.ApprovalNodeID != "" {
			resumeEntry = state.ApprovalNodeID
		} else if state.WorkflowPending && state.WorkflowResumeNode != "" {
			resumeEntry = state.WorkflowResumeNode
		}
	}
	state.LoopNodeID = node.NodeID

	for i := start; i < total; i++ {
		if err := r.checkCancelled(ctx, state); err != nil {
			return "", err
		}

		entry := payload.BodyNodeID
		if resumeEntry != "" {
			entry = resumeEntry
			resumeEntry = ""
		} else {
			state.LoopIndex = i
			state.LoopItem = items[i]
			if payload.ItemVariable != "" {
				state.SetVar(payload.ItemVariable, items[i])
			}
			if payload.IndexVariable != "" {
				state.SetVar(payload.IndexVariable, i)
			}
			state.Telemetry.LoopIterations++
			r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.LoopIteration,
				NodeID: node.NodeID,
				Payload: map[string]any{
					"iteration": i,
					"total":     total,
				}})
		}

		err := r.loop(ctx, state, entry, state.RunID)
		if err != nil {
			// Cancellation always unwinds, continue_on_error or not.
			if KindOf(err) == KindCancelled || !payload.ContinueOnError {
				return "", err
			}
			state.LoopResults = append(state.LoopResults, map[string]any{
				"index": i, "ok": false, "error": err.Error(),
			})
			continue
		}
		if state.AwaitingApproval || state.WorkflowPending || state.TerminalStatus != "" {
			// The body suspended or terminated; the loop picks up at
			// this index when the run resumes.
			return "", nil
		}
		state.LoopResults = append(state.LoopResults, map[string]any{"index": i, "ok": true})
	}

	// Loop done; clear position so a later visit starts fresh.
	state.LoopIndex = 0
	state.LoopItem = nil
	state.LoopNodeID = ""
	return node.NextNodeID, nil
}

// sequenceItems normalizes the iterable shapes procedures use.
func sequenceItems(v any) ([]any, bool) {
	switch items := v.(type) {
	case []any:
		return items, true
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(items))
		for i, m := range items {
			out[i] = m
		}
		return out, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}

// execTerminate stamps the terminal status; the runner's finish path
// does the rest.
func (r *Runner) execTerminate(_ context.Context, state *RunState, node *Node) (string, error) {
	status := "completed"
	reason := ""
	if node.Terminate != nil {
		if node.Terminate.Status != "" {
			status = node.Terminate.Status
		}
		reason = node.Terminate.Reason
	}
	state.TerminalStatus = status
	if reason != "" {
		state.SetVar("termination_reason", reason)
	}
	return "", nil
}
