// Package store provides persistence for ProcFlow-Go runs: the run
// rows themselves, the durable job queue, the append-only event log,
// checkpoints, step idempotency records, resource leases, agent
// instances, approvals, and worker registration.
//
// Three backends ship with the engine:
//   - MemStore: in-memory, for tests and examples
//   - SQLiteStore: single-file database, single-process deployments
//   - PostgresStore: multi-worker deployments with SKIP LOCKED pickup
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/procflow-go/flow/emit"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated
// (one job per run, one procedure per version).
var ErrDuplicate = errors.New("duplicate")

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunCreated         RunStatus = "created"
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCanceled        RunStatus = "canceled"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// Run is one execution of one procedure version. RunID doubles as the
// default checkpoint thread id.
type Run struct {
	RunID                 string
	ProcedureID           string
	ProcedureVersion      int
	Status                RunStatus
	InputVarsJSON         []byte
	LastNodeID            string
	LastStepID            string
	CancellationRequested bool
	CreatedAt             time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
}

// JobStatus is the lifecycle state of a queue row.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is the queue row that drives the execution of one run. Unique on
// RunID; resume of an approval reuses the existing row.
type Job struct {
	JobID       string
	RunID       string
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	AvailableAt time.Time
	LockedBy    string
	LockedUntil *time.Time
	CreatedAt   time.Time
}

// IdemStatus is the state of a step idempotency record.
type IdemStatus string

const (
	IdemStarted   IdemStatus = "started"
	IdemSucceeded IdemStatus = "succeeded"
	IdemFailed    IdemStatus = "failed"
)

// IdempotencyRecord is the persisted ledger entry for one dispatched
// step, keyed by (run, node, step). A succeeded record suppresses the
// external call on replay.
type IdempotencyRecord struct {
	RunID      string
	NodeID     string
	StepID     string
	Status     IdemStatus
	ResultJSON []byte
	UpdatedAt  time.Time
}

// Lease is a time-bounded reservation of a shared resource. Active
// means ReleasedAt is nil and ExpiresAt is in the future; expired
// leases are ignored by the concurrency counter, so a crashed worker
// frees its resources without cleanup.
type Lease struct {
	LeaseID     string
	ResourceKey string
	RunID       string
	NodeID      string
	StepID      string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	ReleasedAt  *time.Time
}

// AgentStatus is the availability state of an agent instance.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDegraded AgentStatus = "degraded"
)

// AgentInstance is a registered external agent process. Capabilities
// empty or containing "*" means any action in the channel.
type AgentInstance struct {
	AgentID             string
	Channel             string
	BaseURL             string
	Status              AgentStatus
	ConcurrencyLimit    int
	ResourceKey         string
	Capabilities        []string
	CircuitOpenAt       *time.Time
	ConsecutiveFailures int
	PoolID              string
}

// ApprovalStatus is the state of a human approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timeout"
)

// Approval is one pending or decided human decision.
type Approval struct {
	ApprovalID   string
	RunID        string
	NodeID       string
	Prompt       string
	DecisionType string
	Status       ApprovalStatus
	Decision     string
	CreatedAt    time.Time
	DecidedAt    *time.Time
}

// Checkpoint is one snapshot in a thread's append-only sequence. The
// state payload is the JSON-encoded RunState; secrets are never part
// of it.
type Checkpoint struct {
	ThreadID           string
	CheckpointID       string
	ParentCheckpointID string
	Step               int
	StateJSON          []byte
	CreatedAt          time.Time
}

// WorkerRecord tracks a live orchestrator worker process.
type WorkerRecord struct {
	WorkerID        string
	Status          string
	LastHeartbeatAt time.Time
	IsLeader        bool
}

// ProcedureRecord is a stored procedure version document.
type ProcedureRecord struct {
	ProcedureID string
	Version     int
	Status      string // draft | active | deprecated | archived
	Document    []byte
	CreatedAt   time.Time
}

// RunStore persists run rows and the cross-process cancellation flag.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	SetRunStatus(ctx context.Context, runID string, status RunStatus) error
	UpdateRunPosition(ctx context.Context, runID, lastNodeID, lastStepID string) error

	// RequestCancel sets cancellation_requested. Idempotent.
	RequestCancel(ctx context.Context, runID string) error
	CancellationRequested(ctx context.Context, runID string) (bool, error)
}

// ProcedureStore persists procedure version documents.
type ProcedureStore interface {
	PutProcedure(ctx context.Context, rec *ProcedureRecord) error

	// GetProcedure resolves version 0 to the latest stored version.
	GetProcedure(ctx context.Context, procedureID string, version int) (*ProcedureRecord, error)
}

// JobQueue is the durable queue of run jobs. Claim semantics differ by
// backend: Postgres uses FOR UPDATE SKIP LOCKED; SQLite uses an
// optimistic conditional UPDATE (safe because SQLite serializes writes
// within one process); MemStore claims under its mutex.
type JobQueue interface {
	// Enqueue inserts the job row for a run. One row per run.
	Enqueue(ctx context.Context, runID string, priority, maxAttempts int) (*Job, error)

	// Requeue resets an existing run's job to queued with the given
	// priority (upsert on run_id). Used to resume approvals.
	Requeue(ctx context.Context, runID string, priority int) error

	// ClaimJobs atomically claims up to limit due jobs for workerID,
	// including stalled jobs whose lock has expired. Claimed jobs move
	// to running with locked_until = now + lockDuration and attempts
	// incremented.
	ClaimJobs(ctx context.Context, workerID string, limit int, lockDuration time.Duration) ([]*Job, error)

	// ExtendJobLock renews the claim while the job is still running
	// and owned by workerID.
	ExtendJobLock(ctx context.Context, jobID, workerID string, lockDuration time.Duration) error

	// MarkJobDone finishes the job (terminal or suspended-for-approval).
	MarkJobDone(ctx context.Context, jobID string) error

	// MarkJobFailed fails the job. When retryAt is non-nil and the job
	// has attempts left, the row returns to queued with available_at =
	// retryAt; otherwise it goes to failed.
	MarkJobFailed(ctx context.Context, jobID string, retryAt *time.Time) error

	GetJob(ctx context.Context, runID string) (*Job, error)
}

// EventLog is the append-only per-run event stream. Append assigns the
// monotonic per-run sequence number.
type EventLog interface {
	AppendEvent(ctx context.Context, event *emit.Event) (int64, error)
	ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]emit.Event, error)
}

// IdempotencyStore is the (run, node, step) result ledger.
type IdempotencyStore interface {
	PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error
	GetIdempotency(ctx context.Context, runID, nodeID, stepID string) (*IdempotencyRecord, error)
}

// LeaseStore manages bounded-concurrency resource leases. The
// count-and-insert in TryAcquireLease must be atomic per backend to
// avoid oversubscription.
type LeaseStore interface {
	// TryAcquireLease returns a new lease when the active count on
	// resourceKey is below the owning agent's concurrency limit
	// (default 1 with no agent row), or (nil, nil) when the resource is
	// saturated.
	TryAcquireLease(ctx context.Context, resourceKey, runID, nodeID, stepID string, ttl time.Duration) (*Lease, error)

	ReleaseLease(ctx context.Context, leaseID string) error

	// ReleaseRunLeases releases every unreleased lease of a run; used
	// when a run unwinds on cancel or failure.
	ReleaseRunLeases(ctx context.Context, runID string) error

	// ListActiveLeases lists unexpired, unreleased leases, optionally
	// filtered by resource key ("" = all).
	ListActiveLeases(ctx context.Context, resourceKey string) ([]*Lease, error)
}

// AgentStore persists agent instances and their circuit state.
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *AgentInstance) error
	GetAgent(ctx context.Context, agentID string) (*AgentInstance, error)
	ListAgentsByChannel(ctx context.Context, channel string) ([]*AgentInstance, error)
	SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error

	// RecordAgentFailure increments the consecutive failure counter and
	// stamps circuit_open_at once the counter reaches threshold.
	RecordAgentFailure(ctx context.Context, agentID string, threshold int) error

	// RecordAgentSuccess resets the failure counter and closes the
	// circuit.
	RecordAgentSuccess(ctx context.Context, agentID string) error
}

// ApprovalStore persists human approval requests and decisions.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, approval *Approval) error
	DecideApproval(ctx context.Context, approvalID string, status ApprovalStatus, decision string) error

	// LatestApproval returns the most recent approval for (run, node).
	LatestApproval(ctx context.Context, runID, nodeID string) (*Approval, error)
}

// CheckpointStore is the append-only per-thread snapshot sequence.
type CheckpointStore interface {
	// PutCheckpoint appends a checkpoint, assigning CheckpointID and
	// Step when unset, and returns the checkpoint id.
	PutCheckpoint(ctx context.Context, cp *Checkpoint) (string, error)

	// ListCheckpoints returns the thread's checkpoints ordered by step
	// ascending.
	ListCheckpoints(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// GetCheckpoint returns the named checkpoint, or the latest of the
	// thread when checkpointID is empty.
	GetCheckpoint(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)
}

// WorkerStore tracks orchestrator worker liveness.
type WorkerStore interface {
	RegisterWorker(ctx context.Context, workerID string) error
	WorkerHeartbeat(ctx context.Context, workerID string) error

	// PruneWorkers removes workers whose heartbeat is older than the
	// cutoff; returns the number removed.
	PruneWorkers(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionStore prunes terminal runs past the retention horizon,
// cascading to events, checkpoints, idempotency records, leases,
// approvals, and the job row.
type RetentionStore interface {
	PruneTerminalRuns(ctx context.Context, horizon time.Time) (int, error)
}

// Store is the full persistence surface the engine and worker use.
type Store interface {
	RunStore
	ProcedureStore
	JobQueue
	EventLog
	IdempotencyStore
	LeaseStore
	AgentStore
	ApprovalStore
	CheckpointStore
	WorkerStore
	RetentionStore
}
