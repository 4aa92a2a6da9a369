package flow

import (
	"context"
	"sync"
)

// branchResult is the outcome of one parallel branch.
type branchResult struct {
	index int
	state *RunState
	err   error
}

// execParallel runs each branch chain concurrently against a clone of
// the state, joins per the wait strategy, and merges the winners back
// in branch index order so the merge is deterministic.
//
// Scalar variable conflicts resolve last-writer-wins in that order;
// artifacts and loop results append. Branches must not suspend:
// approval and async delegation inside a branch are a validation
// error, because a half-parked fan-out cannot be resumed coherently.
func (r *Runner) execParallel(ctx context.Context, state *RunState, node *Node) (string, error) {
	payload := node.Parallel
	if payload == nil || len(payload.BranchNodeIDs) == 0 {
		return node.NextNodeID, nil
	}

	baseline := branchBaseline{telemetry: state.Telemetry, artifacts: len(state.Artifacts)}

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	resultCh := make(chan branchResult, len(payload.BranchNodeIDs))
	var wg sync.WaitGroup
	for i, branchNodeID := range payload.BranchNodeIDs {
		clone, err := state.Clone()
		if err != nil {
			return "", Errorf(KindInternal, "failed to clone state for branch %q: %v", branchNodeID, err)
		}
		clone.TerminalStatus = ""

		wg.Add(1)
		go func(index int, startNodeID string, branchState *RunState) {
			defer wg.Done()
			err := r.loop(branchCtx, branchState, startNodeID, branchState.RunID)
			if err == nil && (branchState.AwaitingApproval || branchState.WorkflowPending) {
				err = Errorf(KindValidation,
					"branch %q suspended inside a parallel node", startNodeID)
			}
			resultCh <- branchResult{index: index, state: branchState, err: err}
		}(i, branchNodeID, clone)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	needed := len(payload.BranchNodeIDs)
	switch payload.WaitStrategy {
	case WaitAny:
		needed = 1
	case WaitN:
		if payload.WaitCount > 0 && payload.WaitCount < needed {
			needed = payload.WaitCount
		}
	}
	failFast := payload.BranchFailure == "fail_fast"

	succeeded := make([]*branchResult, 0, len(payload.BranchNodeIDs))
	var failures []*branchResult
	var firstFailure error

	for res := range resultCh {
		res := res
		if res.err != nil {
			if KindOf(res.err) == KindCancelled {
				cancelBranches()
				return "", res.err
			}
			failures = append(failures, &res)
			if firstFailure == nil {
				firstFailure = res.err
			}
			if failFast {
				cancelBranches()
				// Drain so the goroutines can exit.
				for range resultCh {
				}
				return "", firstFailure
			}
			continue
		}
		succeeded = append(succeeded, &res)
		if len(succeeded) >= needed {
			cancelBranches()
			for range resultCh {
			}
			break
		}
	}

	if len(succeeded) < needed {
		if firstFailure != nil {
			return "", firstFailure
		}
		return "", Errorf(KindInternal,
			"parallel node %q: %d branches finished, %d required", node.NodeID, len(succeeded), needed)
	}

	mergeBranches(state, baseline, succeeded, failures)
	return node.NextNodeID, nil
}

// branchBaseline captures the parent's counters before fan-out so the
// merge can fold in only each branch's increments.
type branchBaseline struct {
	telemetry Telemetry
	artifacts int
}

// mergeBranches folds branch outcomes into the parent state. Winners
// merge in branch index order; failures (branch_failure=continue) are
// recorded in BranchErrors for downstream routing.
func mergeBranches(parent *RunState, base branchBaseline, succeeded, failed []*branchResult) {
	ordered := make([]*branchResult, len(succeeded))
	copy(ordered, succeeded)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].index < ordered[j-1].index; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	for _, res := range ordered {
		for k, v := range res.state.Vars {
			parent.SetVar(k, v)
		}
		if len(res.state.Artifacts) > base.artifacts {
			parent.Artifacts = append(parent.Artifacts, res.state.Artifacts[base.artifacts:]...)
		}
		parent.Telemetry.StepsExecuted += res.state.Telemetry.StepsExecuted - base.telemetry.StepsExecuted
		parent.Telemetry.StepsReplayed += res.state.Telemetry.StepsReplayed - base.telemetry.StepsReplayed
		parent.Telemetry.RetriesIssued += res.state.Telemetry.RetriesIssued - base.telemetry.RetriesIssued
		parent.Telemetry.LoopIterations += res.state.Telemetry.LoopIterations - base.telemetry.LoopIterations
	}

	for _, res := range failed {
		if parent.BranchErrors == nil {
			parent.BranchErrors = make(map[string]string)
		}
		parent.BranchErrors[res.state.CurrentNodeID] = res.err.Error()
	}
}
