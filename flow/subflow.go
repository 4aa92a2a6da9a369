package flow

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/dshills/procflow-go/flow/store"
)

// execSubflow runs a child procedure synchronously under its own run
// id and event stream, maps inputs in and outputs back, and routes by
// the child's outcome.
//
// Input map entries are "childVar: parentPathOrTemplate"; a plain name
// reads the parent variable, a {{...}} value renders against the
// parent state. Output map entries are "parentVar: childVar".
func (r *Runner) execSubflow(ctx context.Context, state *RunState, node *Node) (string, error) {
	payload := node.Subflow
	if payload == nil {
		return node.NextNodeID, nil
	}
	if r.env.Procedures == nil {
		return "", Errorf(KindValidation, "subflow node %q: no procedure loader configured", node.NodeID)
	}

	childProc, err := r.env.Procedures(ctx, payload.ProcedureID, payload.Version)
	if err != nil {
		return "", err
	}

	tctx := r.templateContext(state, nil)
	inputs := make(map[string]any, len(payload.InputMap))
	for childVar, source := range payload.InputMap {
		if strings.Contains(source, "{{") {
			inputs[childVar] = RenderValue(source, tctx)
			continue
		}
		if v, ok := resolvePath(source, tctx); ok {
			inputs[childVar] = v
			continue
		}
		inputs[childVar] = source
	}
	if err := ValidateInputs(childProc, inputs); err != nil {
		return "", err
	}

	childRunID := uuid.NewString()
	inputJSON, _ := json.Marshal(inputs)
	if err := r.env.Store.CreateRun(ctx, &store.Run{
		RunID:            childRunID,
		ProcedureID:      childProc.ProcedureID,
		ProcedureVersion: childProc.Version,
		InputVarsJSON:    inputJSON,
	}); err != nil {
		return "", Errorf(KindInternal, "failed to create child run: %v", err)
	}

	childState := NewRunState(childRunID, childProc, inputs)
	childRunner := NewRunner(r.env, childProc)
	childErr := childRunner.Run(ctx, childState)

	if childErr == nil && (childState.AwaitingApproval || childState.WorkflowPending) {
		childErr = Errorf(KindValidation,
			"subflow %s suspended; synchronous subflows cannot contain approvals", childProc.ProcedureID)
	}

	if childErr != nil {
		if KindOf(childErr) == KindCancelled {
			return "", childErr
		}
		if payload.OnFailure == "continue" {
			state.SetVar("subflow_error", childErr.Error())
			return node.NextNodeID, nil
		}
		return "", Errorf(KindOf(childErr), "subflow %s failed: %v", childProc.ProcedureID, childErr)
	}

	for parentVar, childVar := range payload.OutputMap {
		if v, ok := childState.Vars[childVar]; ok {
			state.SetVar(parentVar, v)
		}
	}
	state.SetVar("subflow_run_id", childRunID)
	return node.NextNodeID, nil
}
