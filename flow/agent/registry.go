// Package agent routes step dispatches to external agent processes.
//
// Agents register themselves (channel, base URL, capabilities) in the
// store; the Registry selects a capable, healthy instance for each
// dispatch and tracks per-agent circuit state so a failing agent is
// taken out of rotation instead of absorbing every retry.
package agent

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/dshills/procflow-go/flow"
	"github.com/dshills/procflow-go/flow/store"
)

const (
	// DefaultFailureThreshold opens an agent's circuit after this many
	// consecutive dispatch failures.
	DefaultFailureThreshold = 3

	// DefaultCircuitReset is how long an open circuit keeps the agent
	// out of rotation before it becomes eligible again.
	DefaultCircuitReset = 5 * time.Minute
)

// Registry selects agent instances for dispatch and maintains their
// circuit state in the store.
type Registry struct {
	agents           store.AgentStore
	failureThreshold int
	circuitReset     time.Duration
	rand             *rand.Rand
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFailureThreshold overrides the consecutive-failure count that
// opens the circuit.
func WithFailureThreshold(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.failureThreshold = n
		}
	}
}

// WithCircuitReset overrides how long an open circuit lasts.
func WithCircuitReset(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.circuitReset = d
		}
	}
}

// NewRegistry creates a Registry over the given agent store.
func NewRegistry(agents store.AgentStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		agents:           agents,
		failureThreshold: DefaultFailureThreshold,
		circuitReset:     DefaultCircuitReset,
		// #nosec G404 -- load spreading across candidates, not crypto
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindCapableAgent returns an online agent on the channel that can
// perform the action and whose circuit is closed (or has cooled down).
// Candidates are shuffled so repeated dispatches spread across the
// pool. Returns a no-executor error when nothing qualifies.
func (r *Registry) FindCapableAgent(ctx context.Context, channel, action string) (*store.AgentInstance, error) {
	instances, err := r.agents.ListAgentsByChannel(ctx, channel)
	if err != nil {
		return nil, flow.Errorf(flow.KindInternal, "failed to list agents for channel %q: %v", channel, err)
	}

	now := time.Now()
	var candidates []*store.AgentInstance
	for _, inst := range instances {
		if inst.Status != store.AgentOnline {
			continue
		}
		if r.circuitOpen(inst, now) {
			continue
		}
		if !capableOf(inst.Capabilities, action) {
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		return nil, flow.Errorf(flow.KindNoExecutor,
			"no capable agent for action %q on channel %q", action, channel)
	}
	return candidates[r.rand.Intn(len(candidates))], nil
}

// Resolve returns the agent named by id, regardless of channel, as
// long as it is online and its circuit allows dispatch.
func (r *Registry) Resolve(ctx context.Context, agentID string) (*store.AgentInstance, error) {
	inst, err := r.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, flow.Errorf(flow.KindNoExecutor, "agent %q not registered", agentID)
	}
	if inst.Status != store.AgentOnline {
		return nil, flow.Errorf(flow.KindNoExecutor, "agent %q is %s", agentID, inst.Status)
	}
	if r.circuitOpen(inst, time.Now()) {
		return nil, flow.Errorf(flow.KindNoExecutor, "agent %q circuit is open", agentID)
	}
	return inst, nil
}

// RecordFailure notes a failed dispatch against the agent; the store
// opens the circuit once the consecutive count hits the threshold.
func (r *Registry) RecordFailure(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	_ = r.agents.RecordAgentFailure(ctx, agentID, r.failureThreshold)
}

// RecordSuccess resets the agent's failure streak and closes its
// circuit.
func (r *Registry) RecordSuccess(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	_ = r.agents.RecordAgentSuccess(ctx, agentID)
}

func (r *Registry) circuitOpen(inst *store.AgentInstance, now time.Time) bool {
	if inst.CircuitOpenAt == nil {
		return false
	}
	// Past the reset window the agent gets another chance; the next
	// failure re-opens the circuit immediately because the streak is
	// still at threshold.
	return now.Sub(*inst.CircuitOpenAt) < r.circuitReset
}

// capableOf reports whether the capability list admits the action.
// An empty list or a "*" entry means the agent handles anything on its
// channel.
func capableOf(capabilities []string, action string) bool {
	if len(capabilities) == 0 {
		return true
	}
	for _, cap := range capabilities {
		if cap == "*" || strings.EqualFold(cap, action) {
			return true
		}
	}
	return false
}
