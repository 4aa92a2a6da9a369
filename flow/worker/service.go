package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/procflow-go/flow"
	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/store"
)

// ResumePriority outranks freshly submitted runs so a human who just
// decided an approval sees the run move immediately.
const ResumePriority = 10

// Service is the control surface around the queue: submitting runs,
// cancelling them, and resuming suspended ones. API handlers and CLIs
// wrap these; workers only consume their output.
type Service struct {
	store   store.Store
	cancels *flow.CancelRegistry
	emitter emit.Emitter
}

// NewService creates a Service. cancels should be the same registry
// the in-process Worker uses so local cancellation is immediate;
// remote workers pick the flag up on their next heartbeat.
func NewService(st store.Store, cancels *flow.CancelRegistry, emitter emit.Emitter) *Service {
	if cancels == nil {
		cancels = flow.NewCancelRegistry()
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Service{store: st, cancels: cancels, emitter: emitter}
}

// RegisterProcedure validates and stores a procedure document as the
// given version.
func (s *Service) RegisterProcedure(ctx context.Context, document []byte, version int) (*flow.Procedure, error) {
	proc, err := flow.Compile(document)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		version = proc.Version
	}
	if version == 0 {
		version = 1
	}
	err = s.store.PutProcedure(ctx, &store.ProcedureRecord{
		ProcedureID: proc.ProcedureID,
		Version:     version,
		Document:    document,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store procedure: %w", err)
	}
	return proc, nil
}

// SubmitRun validates inputs against the procedure, creates the run
// row, appends run_created, and enqueues the job. The returned run id
// is the handle for everything that follows.
func (s *Service) SubmitRun(ctx context.Context, procedureID string, version int, inputs map[string]any) (string, error) {
	rec, err := s.store.GetProcedure(ctx, procedureID, version)
	if err != nil {
		return "", flow.Errorf(flow.KindValidation, "procedure %s v%d not found: %v", procedureID, version, err)
	}
	proc, err := flow.Compile(rec.Document)
	if err != nil {
		return "", err
	}
	if err := flow.ValidateInputs(proc, inputs); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	inputJSON, err := json.Marshal(flow.Redact(inputs))
	if err != nil {
		return "", flow.Errorf(flow.KindValidation, "inputs are not serializable: %v", err)
	}
	// The stored vars must be replayable, so the unredacted inputs go
	// in the row; only the event payload is redacted.
	rawJSON, _ := json.Marshal(inputs)

	if err := s.store.CreateRun(ctx, &store.Run{
		RunID:            runID,
		ProcedureID:      proc.ProcedureID,
		ProcedureVersion: rec.Version,
		InputVarsJSON:    rawJSON,
	}); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	if _, err := s.store.Enqueue(ctx, runID, 0, 3); err != nil {
		return "", fmt.Errorf("failed to enqueue run: %w", err)
	}

	event := emit.Event{RunID: runID, Type: emit.RunCreated,
		Payload: map[string]any{
			"procedure_id": proc.ProcedureID,
			"version":      rec.Version,
			"inputs":       json.RawMessage(inputJSON),
		}}
	if _, err := s.store.AppendEvent(ctx, &event); err == nil {
		s.emitter.Emit(event)
	}
	return runID, nil
}

// CancelRun requests cancellation: the persisted flag reaches remote
// workers on their next heartbeat, and the local registry interrupts a
// run executing in this process immediately. Idempotent; cancelling a
// terminal run is a no-op.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := s.store.RequestCancel(ctx, runID); err != nil {
		return err
	}
	s.cancels.Cancel(runID)

	// A parked run has no worker to notice the flag; finalize it here.
	if run.Status == store.RunWaitingApproval {
		_ = s.store.ReleaseRunLeases(ctx, runID)
		if err := s.store.SetRunStatus(ctx, runID, store.RunCanceled); err != nil {
			return err
		}
		event := emit.Event{RunID: runID, Type: emit.RunCanceled}
		if _, err := s.store.AppendEvent(ctx, &event); err == nil {
			s.emitter.Emit(event)
		}
	}
	return nil
}

// ResumeApproval records a human decision and requeues the run at
// resume priority. decision is free-form ("approved", "rejected", a
// choice label); approve selects the approved path.
func (s *Service) ResumeApproval(ctx context.Context, runID, nodeID string, approve bool, decision string) error {
	approval, err := s.store.LatestApproval(ctx, runID, nodeID)
	if err != nil {
		return flow.Errorf(flow.KindValidation, "no approval pending on run %s node %s", runID, nodeID)
	}
	if approval.Status != store.ApprovalPending {
		return flow.Errorf(flow.KindValidation, "approval %s already decided (%s)", approval.ApprovalID, approval.Status)
	}
	status := store.ApprovalRejected
	if approve {
		status = store.ApprovalApproved
	}
	if decision == "" {
		decision = string(status)
	}
	if err := s.store.DecideApproval(ctx, approval.ApprovalID, status, decision); err != nil {
		return err
	}
	// Back to created so the queue owns the run again; the claiming
	// worker moves it to running.
	if err := s.store.SetRunStatus(ctx, runID, store.RunCreated); err != nil {
		return err
	}
	return s.store.Requeue(ctx, runID, ResumePriority)
}

// ResumeWorkflow is the callback for async delegation: the external
// workflow finished, optionally depositing a result into a variable,
// and the run resumes at the step after the delegated one.
func (s *Service) ResumeWorkflow(ctx context.Context, runID string, outputVariable string, result any) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return flow.Errorf(flow.KindValidation, "run %s is already %s", runID, run.Status)
	}

	if outputVariable != "" {
		cp, err := s.store.GetCheckpoint(ctx, runID, "")
		if err != nil {
			return fmt.Errorf("run %s has no checkpoint to resume from: %w", runID, err)
		}
		var state flow.RunState
		if err := json.Unmarshal(cp.StateJSON, &state); err != nil {
			return fmt.Errorf("checkpoint is corrupt: %w", err)
		}
		if !state.WorkflowPending {
			return flow.Errorf(flow.KindValidation, "run %s is not awaiting a workflow callback", runID)
		}
		state.SetVar(outputVariable, result)
		data, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		next := &store.Checkpoint{
			ThreadID:           runID,
			ParentCheckpointID: cp.CheckpointID,
			Step:               cp.Step + 1,
			StateJSON:          data,
		}
		if _, err := s.store.PutCheckpoint(ctx, next); err != nil {
			return fmt.Errorf("failed to save resume checkpoint: %w", err)
		}
	}
	if run.Status == store.RunWaitingApproval {
		if err := s.store.SetRunStatus(ctx, runID, store.RunCreated); err != nil {
			return err
		}
	}
	return s.store.Requeue(ctx, runID, ResumePriority)
}

// PendingSince reports how long a run has been waiting for approval,
// for dashboards and reminder sweeps.
func (s *Service) PendingSince(ctx context.Context, runID, nodeID string) (time.Duration, error) {
	approval, err := s.store.LatestApproval(ctx, runID, nodeID)
	if err != nil {
		return 0, err
	}
	if approval.Status != store.ApprovalPending {
		return 0, flow.Errorf(flow.KindValidation, "approval is %s", approval.Status)
	}
	return time.Since(approval.CreatedAt), nil
}

// Events pages the run's durable event stream.
func (s *Service) Events(ctx context.Context, runID string, afterSeq int64, limit int) ([]emit.Event, error) {
	return s.store.ListEvents(ctx, runID, afterSeq, limit)
}
