package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/procflow-go/flow"
	"github.com/dshills/procflow-go/flow/store"
)

// Worker claims run jobs from the durable queue and executes them.
//
// Three loops run concurrently under Start:
//   - claim loop: polls the queue and launches runs up to Concurrency
//   - heartbeat loop: renews job locks, reports worker liveness, and
//     bridges persisted cancellation requests into in-flight runs
//   - the caller usually pairs Start with a Cleaner (retention.go)
//
// Crash recovery needs no handler here: a dead worker's job locks
// expire and the claim query hands the jobs to a living worker, which
// resumes each run from its latest checkpoint with succeeded steps
// replayed from the idempotency ledger.
type Worker struct {
	cfg     Config
	env     flow.Env
	cancels *flow.CancelRegistry

	mu       sync.Mutex
	inflight map[string]*store.Job // job id -> job
}

// New creates a worker over the environment. env.Store is required;
// env.Cancels is shared with the control Service so cancellation
// reaches in-flight runs.
func New(cfg Config, env flow.Env) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if env.Cancels == nil {
		env.Cancels = flow.NewCancelRegistry()
	}
	if env.LeaseTTL <= 0 {
		env.LeaseTTL = cfg.LeaseTTL
	}
	return &Worker{
		cfg:      cfg,
		env:      env,
		cancels:  env.Cancels,
		inflight: make(map[string]*store.Job),
	}
}

// ID returns the worker's queue identity.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Start registers the worker and runs the claim and heartbeat loops
// until ctx is cancelled, then waits for in-flight runs to finish.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.env.Store.RegisterWorker(ctx, w.cfg.WorkerID); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.claimLoop(ctx, &wg)
	}()
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		capacity := w.cfg.Concurrency - w.inflightCount()
		if capacity <= 0 {
			continue
		}
		jobs, err := w.env.Store.ClaimJobs(ctx, w.cfg.WorkerID, capacity, w.cfg.LockDuration)
		if err != nil {
			continue
		}
		if len(jobs) == 0 {
			continue
		}
		w.env.Metrics.IncrementJobsClaimed(len(jobs))
		for _, job := range jobs {
			w.track(job)
			wg.Add(1)
			go func(job *store.Job) {
				defer wg.Done()
				defer w.untrack(job)
				w.runJob(ctx, job)
			}(job)
		}
	}
}

// heartbeatLoop keeps this worker and its claims alive and polls the
// persisted cancellation flag for every in-flight run, closing the
// run's cancel channel when an operator requested cancellation from
// another process.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_ = w.env.Store.WorkerHeartbeat(ctx, w.cfg.WorkerID)

		for _, job := range w.snapshot() {
			_ = w.env.Store.ExtendJobLock(ctx, job.JobID, w.cfg.WorkerID, w.cfg.LockDuration)
			requested, err := w.env.Store.CancellationRequested(ctx, job.RunID)
			if err == nil && requested {
				w.cancels.Cancel(job.RunID)
			}
		}
	}
}

// runJob executes one claimed run to its next stopping point: terminal
// status, suspension, or failure.
func (w *Worker) runJob(ctx context.Context, job *store.Job) {
	run, err := w.env.Store.GetRun(ctx, job.RunID)
	if err != nil {
		// Transient infrastructure failure: the run row could not even
		// be read, so nothing is terminally wrong with the run itself.
		// Schedule another attempt; the store fails the job for good
		// once attempts run out.
		_ = w.env.Store.MarkJobFailed(ctx, job.JobID, w.retryAfter(job))
		w.env.Metrics.IncrementJobsFinished("retried")
		return
	}

	proc, err := w.loadProcedure(ctx, run)
	if err != nil {
		_ = w.env.Store.MarkJobFailed(ctx, job.JobID, nil)
		_ = w.env.Store.SetRunStatus(ctx, run.RunID, store.RunFailed)
		w.env.Metrics.IncrementJobsFinished("failed")
		return
	}

	state, err := w.rehydrate(ctx, run, proc)
	if err != nil {
		_ = w.env.Store.MarkJobFailed(ctx, job.JobID, nil)
		_ = w.env.Store.SetRunStatus(ctx, run.RunID, store.RunFailed)
		w.env.Metrics.IncrementJobsFinished("failed")
		return
	}

	w.cancels.Register(run.RunID)
	defer w.cancels.Remove(run.RunID)

	runner := flow.NewRunner(w.env, proc)
	runErr := runner.Run(ctx, state)

	switch {
	case runErr == nil:
		// Finished or suspended; either way this job is complete. A
		// suspended run gets a fresh job when its approval or callback
		// arrives.
		_ = w.env.Store.MarkJobDone(ctx, job.JobID)
		w.env.Metrics.IncrementJobsFinished("done")
	case errors.Is(runErr, flow.ErrRunCancelled):
		_ = w.env.Store.MarkJobDone(ctx, job.JobID)
		w.env.Metrics.IncrementJobsFinished("done")
	case errors.Is(runErr, context.Canceled):
		// Worker shutdown mid-run. Leave the job locked; the lock
		// expires and another worker resumes from the checkpoint.
		w.env.Metrics.IncrementJobsFinished("requeued")
	default:
		// The run is terminally failed; the runner wrote the run row
		// and events.
		_ = w.env.Store.MarkJobFailed(ctx, job.JobID, nil)
		w.env.Metrics.IncrementJobsFinished("failed")
	}
}

// retryAfter schedules a transiently failed job a couple of poll
// cycles out, stretched by how often it has already been tried.
func (w *Worker) retryAfter(job *store.Job) *time.Time {
	delay := time.Duration(job.Attempts) * 2 * w.cfg.PollInterval
	if delay > 2*time.Minute {
		delay = 2 * time.Minute
	}
	at := time.Now().Add(delay)
	return &at
}

func (w *Worker) loadProcedure(ctx context.Context, run *store.Run) (*flow.Procedure, error) {
	rec, err := w.env.Store.GetProcedure(ctx, run.ProcedureID, run.ProcedureVersion)
	if err != nil {
		return nil, fmt.Errorf("procedure %s v%d: %w", run.ProcedureID, run.ProcedureVersion, err)
	}
	return flow.Compile(rec.Document)
}

// rehydrate rebuilds the run state: the latest checkpoint wins, a
// fresh run starts from the stored input vars.
func (w *Worker) rehydrate(ctx context.Context, run *store.Run, proc *flow.Procedure) (*flow.RunState, error) {
	cp, err := w.env.Store.GetCheckpoint(ctx, run.RunID, "")
	if err == nil {
		var state flow.RunState
		if uerr := json.Unmarshal(cp.StateJSON, &state); uerr != nil {
			return nil, fmt.Errorf("checkpoint %s is corrupt: %w", cp.CheckpointID, uerr)
		}
		return &state, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var inputs map[string]any
	if len(run.InputVarsJSON) > 0 {
		if uerr := json.Unmarshal(run.InputVarsJSON, &inputs); uerr != nil {
			return nil, fmt.Errorf("run input vars are corrupt: %w", uerr)
		}
	}
	if verr := flow.ValidateInputs(proc, inputs); verr != nil {
		return nil, verr
	}
	return flow.NewRunState(run.RunID, proc, inputs), nil
}

func (w *Worker) track(job *store.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[job.JobID] = job
	w.env.Metrics.UpdateInflightRuns(len(w.inflight))
}

func (w *Worker) untrack(job *store.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, job.JobID)
	w.env.Metrics.UpdateInflightRuns(len(w.inflight))
}

func (w *Worker) inflightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

func (w *Worker) snapshot() []*store.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	jobs := make([]*store.Job, 0, len(w.inflight))
	for _, job := range w.inflight {
		jobs = append(jobs, job)
	}
	return jobs
}
