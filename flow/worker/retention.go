package worker

import (
	"context"
	"time"

	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/store"
)

// workerExpiry is how long a worker may miss heartbeats before its row
// is pruned. Job locks expire independently, so a pruned worker's runs
// are already recoverable.
const workerExpiry = 5 * time.Minute

// Cleaner periodically prunes terminal runs past the retention horizon
// and worker rows that stopped heartbeating. Expired resource leases
// need no sweep: the lease queries ignore rows past expires_at.
type Cleaner struct {
	store    store.Store
	emitter  emit.Emitter
	horizon  time.Duration
	interval time.Duration
}

// NewCleaner builds a cleaner from the worker config.
func NewCleaner(st store.Store, emitter emit.Emitter, cfg Config) *Cleaner {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Cleaner{
		store:    st,
		emitter:  emitter,
		horizon:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval: cfg.RetentionInterval,
	}
}

// Start sweeps once immediately, then on every interval until ctx is
// cancelled.
func (c *Cleaner) Start(ctx context.Context) {
	c.Sweep(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass and returns the number of runs pruned.
// Prune errors are swallowed; the next sweep retries.
func (c *Cleaner) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	pruned, err := c.store.PruneTerminalRuns(ctx, now.Add(-c.horizon))
	if err != nil {
		return 0
	}
	_, _ = c.store.PruneWorkers(ctx, now.Add(-workerExpiry))
	if pruned > 0 {
		c.emitter.Emit(emit.Event{Type: emit.RetentionPruned, Timestamp: now,
			Payload: map[string]any{"runs_pruned": pruned}})
	}
	return pruned
}
