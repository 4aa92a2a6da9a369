package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/procflow-go/flow/emit"
)

// MemStore is the in-memory Store implementation. All operations run
// under one mutex, which gives the same atomicity the SQL backends get
// from transactions. Data is lost on process exit; use it for tests,
// examples, and local development.
type MemStore struct {
	mu sync.Mutex

	runs       map[string]*Run
	procedures map[string][]*ProcedureRecord // by procedure id, append order
	jobs       map[string]*Job               // by run id (one job per run)
	events     map[string][]emit.Event       // by run id
	idem       map[string]*IdempotencyRecord // by run|node|step
	leases     map[string]*Lease             // by lease id
	agents     map[string]*AgentInstance
	approvals  map[string][]*Approval       // by run id, append order
	cps        map[string][]*Checkpoint     // by thread id, append order
	workers    map[string]*WorkerRecord
	now        func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:       make(map[string]*Run),
		procedures: make(map[string][]*ProcedureRecord),
		jobs:       make(map[string]*Job),
		events:     make(map[string][]emit.Event),
		idem:       make(map[string]*IdempotencyRecord),
		leases:     make(map[string]*Lease),
		agents:     make(map[string]*AgentInstance),
		approvals:  make(map[string][]*Approval),
		cps:        make(map[string][]*Checkpoint),
		workers:    make(map[string]*WorkerRecord),
		now:        time.Now,
	}
}

// SetClock overrides the store's time source. Test hook.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func idemKey(runID, nodeID, stepID string) string {
	return runID + "|" + nodeID + "|" + stepID
}

func copyRun(r *Run) *Run {
	cp := *r
	return &cp
}

func copyJob(j *Job) *Job {
	cp := *j
	return &cp
}

// --- RunStore ---

func (m *MemStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.RunID]; ok {
		return ErrDuplicate
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = m.now()
	}
	if run.Status == "" {
		run.Status = RunCreated
	}
	m.runs[run.RunID] = copyRun(run)
	return nil
}

func (m *MemStore) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

func (m *MemStore) SetRunStatus(_ context.Context, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	now := m.now()
	if status == RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.Terminal() && run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	return nil
}

func (m *MemStore) UpdateRunPosition(_ context.Context, runID, lastNodeID, lastStepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.LastNodeID = lastNodeID
	run.LastStepID = lastStepID
	return nil
}

func (m *MemStore) RequestCancel(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.CancellationRequested = true
	return nil
}

func (m *MemStore) CancellationRequested(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	return run.CancellationRequested, nil
}

// --- ProcedureStore ---

func (m *MemStore) PutProcedure(_ context.Context, rec *ProcedureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.procedures[rec.ProcedureID] {
		if existing.Version == rec.Version {
			return ErrDuplicate
		}
	}
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	if cp.Status == "" {
		cp.Status = "active"
	}
	m.procedures[rec.ProcedureID] = append(m.procedures[rec.ProcedureID], &cp)
	return nil
}

func (m *MemStore) GetProcedure(_ context.Context, procedureID string, version int) (*ProcedureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *ProcedureRecord
	for _, rec := range m.procedures[procedureID] {
		if version != 0 {
			if rec.Version == version {
				cp := *rec
				return &cp, nil
			}
			continue
		}
		if best == nil || rec.Version > best.Version {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// --- JobQueue ---

func (m *MemStore) Enqueue(_ context.Context, runID string, priority, maxAttempts int) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[runID]; ok {
		return nil, ErrDuplicate
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := &Job{
		JobID:       uuid.NewString(),
		RunID:       runID,
		Status:      JobQueued,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		AvailableAt: m.now(),
		CreatedAt:   m.now(),
	}
	m.jobs[runID] = job
	return copyJob(job), nil
}

func (m *MemStore) Requeue(_ context.Context, runID string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[runID]
	if !ok {
		job = &Job{
			JobID:       uuid.NewString(),
			RunID:       runID,
			MaxAttempts: 3,
			CreatedAt:   m.now(),
		}
		m.jobs[runID] = job
	}
	job.Status = JobQueued
	job.Priority = priority
	job.Attempts = 0
	job.AvailableAt = m.now()
	job.LockedBy = ""
	job.LockedUntil = nil
	return nil
}

func (m *MemStore) ClaimJobs(_ context.Context, workerID string, limit int, lockDuration time.Duration) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var due []*Job
	for _, job := range m.jobs {
		switch {
		case job.Status == JobQueued && !job.AvailableAt.After(now):
			due = append(due, job)
		case job.Status == JobRunning && job.LockedUntil != nil && job.LockedUntil.Before(now):
			// Stalled: the previous owner's lock expired.
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].AvailableAt.Before(due[j].AvailableAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	locked := now.Add(lockDuration)
	claimed := make([]*Job, 0, len(due))
	for _, job := range due {
		job.Status = JobRunning
		job.LockedBy = workerID
		job.LockedUntil = &locked
		job.Attempts++
		claimed = append(claimed, copyJob(job))
	}
	return claimed, nil
}

func (m *MemStore) ExtendJobLock(_ context.Context, jobID, workerID string, lockDuration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.JobID != jobID {
			continue
		}
		if job.Status != JobRunning || job.LockedBy != workerID {
			return ErrNotFound
		}
		locked := m.now().Add(lockDuration)
		job.LockedUntil = &locked
		return nil
	}
	return ErrNotFound
}

func (m *MemStore) MarkJobDone(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.JobID == jobID {
			job.Status = JobDone
			job.LockedBy = ""
			job.LockedUntil = nil
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) MarkJobFailed(_ context.Context, jobID string, retryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.JobID != jobID {
			continue
		}
		if retryAt != nil && job.Attempts < job.MaxAttempts {
			job.Status = JobQueued
			job.AvailableAt = *retryAt
		} else {
			job.Status = JobFailed
		}
		job.LockedBy = ""
		job.LockedUntil = nil
		return nil
	}
	return ErrNotFound
}

func (m *MemStore) GetJob(_ context.Context, runID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

// --- EventLog ---

func (m *MemStore) AppendEvent(_ context.Context, event *emit.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := int64(len(m.events[event.RunID]) + 1)
	event.Seq = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	m.events[event.RunID] = append(m.events[event.RunID], *event)
	return seq, nil
}

func (m *MemStore) ListEvents(_ context.Context, runID string, afterSeq int64, limit int) ([]emit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []emit.Event
	for _, ev := range m.events[runID] {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- IdempotencyStore ---

func (m *MemStore) PutIdempotency(_ context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = m.now()
	m.idem[idemKey(rec.RunID, rec.NodeID, rec.StepID)] = &cp
	return nil
}

func (m *MemStore) GetIdempotency(_ context.Context, runID, nodeID, stepID string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[idemKey(runID, nodeID, stepID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// --- LeaseStore ---

func (m *MemStore) activeLeaseCountLocked(resourceKey string, now time.Time) int {
	count := 0
	for _, l := range m.leases {
		if l.ResourceKey == resourceKey && l.ReleasedAt == nil && l.ExpiresAt.After(now) {
			count++
		}
	}
	return count
}

func (m *MemStore) leaseLimitLocked(resourceKey string) int {
	limit := 1
	for _, a := range m.agents {
		if a.ResourceKey == resourceKey && a.ConcurrencyLimit > 0 {
			limit = a.ConcurrencyLimit
		}
	}
	return limit
}

func (m *MemStore) TryAcquireLease(_ context.Context, resourceKey, runID, nodeID, stepID string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.activeLeaseCountLocked(resourceKey, now) >= m.leaseLimitLocked(resourceKey) {
		return nil, nil
	}
	lease := &Lease{
		LeaseID:     uuid.NewString(),
		ResourceKey: resourceKey,
		RunID:       runID,
		NodeID:      nodeID,
		StepID:      stepID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	m.leases[lease.LeaseID] = lease
	cp := *lease
	return &cp, nil
}

func (m *MemStore) ReleaseLease(_ context.Context, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[leaseID]
	if !ok {
		return ErrNotFound
	}
	if lease.ReleasedAt == nil {
		now := m.now()
		lease.ReleasedAt = &now
	}
	return nil
}

func (m *MemStore) ReleaseRunLeases(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, lease := range m.leases {
		if lease.RunID == runID && lease.ReleasedAt == nil {
			released := now
			lease.ReleasedAt = &released
		}
	}
	return nil
}

func (m *MemStore) ListActiveLeases(_ context.Context, resourceKey string) ([]*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*Lease
	for _, lease := range m.leases {
		if lease.ReleasedAt != nil || !lease.ExpiresAt.After(now) {
			continue
		}
		if resourceKey != "" && lease.ResourceKey != resourceKey {
			continue
		}
		cp := *lease
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

// --- AgentStore ---

func (m *MemStore) UpsertAgent(_ context.Context, agent *AgentInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	cp.Capabilities = append([]string(nil), agent.Capabilities...)
	if cp.Status == "" {
		cp.Status = AgentOnline
	}
	m.agents[agent.AgentID] = &cp
	return nil
}

func (m *MemStore) GetAgent(_ context.Context, agentID string) (*AgentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	cp.Capabilities = append([]string(nil), agent.Capabilities...)
	return &cp, nil
}

func (m *MemStore) ListAgentsByChannel(_ context.Context, channel string) ([]*AgentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AgentInstance
	for _, agent := range m.agents {
		if !strings.EqualFold(agent.Channel, channel) {
			continue
		}
		cp := *agent
		cp.Capabilities = append([]string(nil), agent.Capabilities...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *MemStore) SetAgentStatus(_ context.Context, agentID string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	agent.Status = status
	return nil
}

func (m *MemStore) RecordAgentFailure(_ context.Context, agentID string, threshold int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	agent.ConsecutiveFailures++
	if threshold > 0 && agent.ConsecutiveFailures >= threshold && agent.CircuitOpenAt == nil {
		now := m.now()
		agent.CircuitOpenAt = &now
	}
	return nil
}

func (m *MemStore) RecordAgentSuccess(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	agent.ConsecutiveFailures = 0
	agent.CircuitOpenAt = nil
	return nil
}

// --- ApprovalStore ---

func (m *MemStore) CreateApproval(_ context.Context, approval *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *approval
	if cp.ApprovalID == "" {
		cp.ApprovalID = uuid.NewString()
		approval.ApprovalID = cp.ApprovalID
	}
	if cp.Status == "" {
		cp.Status = ApprovalPending
		approval.Status = ApprovalPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.approvals[approval.RunID] = append(m.approvals[approval.RunID], &cp)
	return nil
}

func (m *MemStore) DecideApproval(_ context.Context, approvalID string, status ApprovalStatus, decision string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.approvals {
		for _, approval := range list {
			if approval.ApprovalID != approvalID {
				continue
			}
			approval.Status = status
			approval.Decision = decision
			now := m.now()
			approval.DecidedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) LatestApproval(_ context.Context, runID, nodeID string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.approvals[runID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].NodeID == nodeID {
			cp := *list[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- CheckpointStore ---

func (m *MemStore) PutCheckpoint(_ context.Context, cp *Checkpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := *cp
	if rec.CheckpointID == "" {
		rec.CheckpointID = uuid.NewString()
	}
	existing := m.cps[cp.ThreadID]
	if rec.Step == 0 {
		rec.Step = len(existing) + 1
	}
	if rec.ParentCheckpointID == "" && len(existing) > 0 {
		rec.ParentCheckpointID = existing[len(existing)-1].CheckpointID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	rec.StateJSON = append([]byte(nil), cp.StateJSON...)
	m.cps[cp.ThreadID] = append(existing, &rec)
	return rec.CheckpointID, nil
}

func (m *MemStore) ListCheckpoints(_ context.Context, threadID string) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.cps[threadID]
	out := make([]*Checkpoint, 0, len(list))
	for _, cp := range list {
		rec := *cp
		rec.StateJSON = append([]byte(nil), cp.StateJSON...)
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (m *MemStore) GetCheckpoint(_ context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.cps[threadID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	if checkpointID == "" {
		latest := list[0]
		for _, cp := range list[1:] {
			if cp.Step > latest.Step {
				latest = cp
			}
		}
		rec := *latest
		rec.StateJSON = append([]byte(nil), latest.StateJSON...)
		return &rec, nil
	}
	for _, cp := range list {
		if cp.CheckpointID == checkpointID {
			rec := *cp
			rec.StateJSON = append([]byte(nil), cp.StateJSON...)
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

// --- WorkerStore ---

func (m *MemStore) RegisterWorker(_ context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[workerID] = &WorkerRecord{
		WorkerID:        workerID,
		Status:          "active",
		LastHeartbeatAt: m.now(),
	}
	return nil
}

func (m *MemStore) WorkerHeartbeat(_ context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	rec.LastHeartbeatAt = m.now()
	return nil
}

func (m *MemStore) PruneWorkers(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, rec := range m.workers {
		if rec.LastHeartbeatAt.Before(cutoff) {
			delete(m.workers, id)
			pruned++
		}
	}
	return pruned, nil
}

// --- RetentionStore ---

func (m *MemStore) PruneTerminalRuns(_ context.Context, horizon time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for runID, run := range m.runs {
		if !run.Status.Terminal() || run.FinishedAt == nil || !run.FinishedAt.Before(horizon) {
			continue
		}
		delete(m.runs, runID)
		delete(m.jobs, runID)
		delete(m.events, runID)
		delete(m.approvals, runID)
		delete(m.cps, runID)
		for key := range m.idem {
			if strings.HasPrefix(key, runID+"|") {
				delete(m.idem, key)
			}
		}
		for id, lease := range m.leases {
			if lease.RunID == runID {
				delete(m.leases, id)
			}
		}
		pruned++
	}
	return pruned, nil
}

var _ Store = (*MemStore)(nil)
