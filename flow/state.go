package flow

import (
	"encoding/json"
	"fmt"
)

// RunState is the single state object owned by the graph runner. Node
// executors mutate only the fields they own and set NextNodeID to steer
// routing. The whole struct is the unit of checkpointing.
//
// Secrets are deliberately absent: they live in the template context
// only for the duration of a step render and are re-hydrated from the
// vault on resume, never persisted.
type RunState struct {
	RunID            string `json:"run_id"`
	ProcedureID      string `json:"procedure_id"`
	ProcedureVersion int    `json:"procedure_version"`

	// Vars holds declared input variables plus step outputs keyed by
	// output_variable.
	Vars map[string]any `json:"vars"`

	CurrentNodeID string `json:"current_node_id"`
	NextNodeID    string `json:"next_node_id"`

	// Loop context, owned by the loop executor.
	LoopIndex   int    `json:"loop_index"`
	LoopItem    any    `json:"loop_item,omitempty"`
	LoopResults []any  `json:"loop_results,omitempty"`
	LoopNodeID  string `json:"loop_node_id,omitempty"`

	// Approval context, owned by the approval executor.
	AwaitingApproval bool   `json:"awaiting_approval"`
	ApprovalNodeID   string `json:"approval_node_id,omitempty"`
	ApprovalPrompt   string `json:"approval_prompt,omitempty"`
	ApprovalDecision string `json:"approval_decision,omitempty"`

	// Async workflow delegation, reified so it survives restarts.
	WorkflowPending    bool   `json:"_workflow_pending,omitempty"`
	WorkflowResumeNode string `json:"_workflow_resume_node,omitempty"`
	WorkflowResumeStep string `json:"_workflow_resume_step,omitempty"`

	// Artifacts collected by steps (references, not blobs).
	Artifacts []Artifact `json:"artifacts,omitempty"`

	// Telemetry accumulates cheap counters for the run summary.
	Telemetry Telemetry `json:"telemetry"`

	// TerminalStatus is set by the terminate executor; empty while the
	// run is live.
	TerminalStatus string `json:"terminal_status,omitempty"`

	LastStepID string `json:"last_step_id,omitempty"`

	// BranchErrors records per-branch failures of a parallel node when
	// branch_failure=continue.
	BranchErrors map[string]string `json:"branch_errors,omitempty"`
}

// Artifact is a reference to an output a step produced out-of-band.
type Artifact struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Ref    string `json:"ref"`
	NodeID string `json:"node_id"`
	StepID string `json:"step_id"`
}

// Telemetry is the per-run counter block.
type Telemetry struct {
	StepsExecuted  int `json:"steps_executed"`
	StepsReplayed  int `json:"steps_replayed"`
	RetriesIssued  int `json:"retries_issued"`
	LoopIterations int `json:"loop_iterations"`
}

// NewRunState initializes state for a fresh run with the procedure's
// variable defaults overlaid by the caller's input vars.
func NewRunState(runID string, p *Procedure, inputVars map[string]any) *RunState {
	vars := make(map[string]any, len(p.Variables)+len(inputVars))
	for name, spec := range p.Variables {
		if spec.Default != nil {
			vars[name] = spec.Default
		}
	}
	for k, v := range inputVars {
		vars[k] = v
	}
	return &RunState{
		RunID:            runID,
		ProcedureID:      p.ProcedureID,
		ProcedureVersion: p.Version,
		Vars:             vars,
	}
}

// ValidateInputs checks required variables against the procedure's
// schema. Missing required vars are a validation error.
func ValidateInputs(p *Procedure, inputVars map[string]any) error {
	for name, spec := range p.Variables {
		if !spec.Required {
			continue
		}
		if _, ok := inputVars[name]; !ok && spec.Default == nil {
			return Errorf(KindValidation, "missing required input variable %q", name)
		}
	}
	return nil
}

// Clone deep-copies the state via a JSON round-trip. Works for any
// state content that is JSON-serializable, which RunState guarantees by
// construction (vars and results come in through JSON documents).
//
// Parallel branches each execute against a Clone so sibling branches
// never observe each other's writes before the join merge.
func (s *RunState) Clone() (*RunState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var copied RunState
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &copied, nil
}

// SetVar writes a variable, allocating the map on first use.
func (s *RunState) SetVar(name string, v any) {
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	s.Vars[name] = v
}
