package flow

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/store"
)

// execApproval suspends the run for a human decision, and on re-entry
// routes by the recorded outcome.
//
// First visit: persist a pending approval, emit approval_requested,
// flag the state, and stop the loop; the runner checkpoints and parks
// the run as waiting_approval. The queue job completes — nothing polls.
//
// Re-entry (after a decision requeued the run): read the latest
// approval for this node and route on_approve / on_reject /
// on_timeout. A still-pending approval past its timeout is marked
// timed out here, so expiry needs no dedicated timer.
func (r *Runner) execApproval(ctx context.Context, state *RunState, node *Node) (string, error) {
	payload := node.Approval
	if payload == nil {
		return node.NextNodeID, nil
	}

	if state.AwaitingApproval && state.ApprovalNodeID == node.NodeID {
		return r.resumeApproval(ctx, state, node, payload)
	}

	tctx := r.templateContext(state, nil)
	prompt := RenderString(payload.Prompt, tctx)

	approval := &store.Approval{
		RunID:        state.RunID,
		NodeID:       node.NodeID,
		Prompt:       prompt,
		DecisionType: payload.DecisionType,
	}
	if err := r.env.Store.CreateApproval(ctx, approval); err != nil {
		return "", Errorf(KindInternal, "failed to create approval: %v", err)
	}

	state.AwaitingApproval = true
	state.ApprovalNodeID = node.NodeID
	state.ApprovalPrompt = prompt
	state.ApprovalDecision = ""

	r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.ApprovalRequested,
		NodeID: node.NodeID,
		Payload: map[string]any{
			"approval_id":   approval.ApprovalID,
			"prompt":        prompt,
			"decision_type": payload.DecisionType,
		}})
	return "", nil
}

func (r *Runner) resumeApproval(ctx context.Context, state *RunState, node *Node, payload *ApprovalPayload) (string, error) {
	approval, err := r.env.Store.LatestApproval(ctx, state.RunID, node.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", Errorf(KindInternal, "run %s awaits approval on %s but none is recorded", state.RunID, node.NodeID)
		}
		return "", Errorf(KindInternal, "failed to load approval: %v", err)
	}

	if approval.Status == store.ApprovalPending {
		if payload.TimeoutMS > 0 && time.Since(approval.CreatedAt) >= time.Duration(payload.TimeoutMS)*time.Millisecond {
			if err := r.env.Store.DecideApproval(ctx, approval.ApprovalID, store.ApprovalTimedOut, "timeout"); err != nil {
				return "", Errorf(KindInternal, "failed to expire approval: %v", err)
			}
			approval.Status = store.ApprovalTimedOut
			approval.Decision = "timeout"
		} else {
			// Woken without a decision; park again.
			return "", nil
		}
	}

	state.AwaitingApproval = false
	state.ApprovalNodeID = ""
	state.ApprovalPrompt = ""
	state.ApprovalDecision = approval.Decision

	r.emitEvent(ctx, emit.Event{RunID: state.RunID, Type: emit.ApprovalDecisionReceived,
		NodeID: node.NodeID,
		Payload: map[string]any{
			"approval_id": approval.ApprovalID,
			"status":      string(approval.Status),
			"decision":    approval.Decision,
		}})

	switch approval.Status {
	case store.ApprovalApproved:
		if payload.OnApprove != "" {
			return payload.OnApprove, nil
		}
		return node.NextNodeID, nil
	case store.ApprovalRejected:
		if payload.OnReject != "" {
			return payload.OnReject, nil
		}
		return "", Errorf(KindValidation, "approval on node %q rejected with no on_reject route", node.NodeID)
	case store.ApprovalTimedOut:
		if payload.OnTimeout != "" {
			return payload.OnTimeout, nil
		}
		return "", Errorf(KindApprovalTimeout, "approval on node %q timed out", node.NodeID)
	default:
		return "", Errorf(KindInternal, "approval on node %q has unexpected status %q", node.NodeID, approval.Status)
	}
}
