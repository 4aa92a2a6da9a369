package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/store"
)

func compileT(t *testing.T, doc string) *Procedure {
	t.Helper()
	p, err := Compile([]byte(doc))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return p
}

// instantSleep removes wall-clock waits from backoff and wait_ms while
// still honoring context cancellation.
func instantSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestEnv(st *store.MemStore, d Dispatcher) (Env, *emit.BufferedEmitter) {
	buf := emit.NewBufferedEmitter()
	return Env{
		Store:      st,
		Emitter:    buf,
		Dispatcher: d,
		Sleep:      instantSleep,
	}, buf
}

func createTestRun(t *testing.T, st *store.MemStore, runID string, p *Procedure) {
	t.Helper()
	err := st.CreateRun(context.Background(), &store.Run{
		RunID:       runID,
		ProcedureID: p.ProcedureID,
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
}

// recordingDispatcher counts calls per action and answers from a
// scripted response table.
type recordingDispatcher struct {
	mu       sync.Mutex
	calls    []DispatchRequest
	handlers map[string]func(call int, req DispatchRequest) (map[string]any, error)
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{handlers: make(map[string]func(int, DispatchRequest) (map[string]any, error))}
}

func (d *recordingDispatcher) on(action string, fn func(call int, req DispatchRequest) (map[string]any, error)) {
	d.handlers[action] = fn
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req DispatchRequest) (map[string]any, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	n := 0
	for _, c := range d.calls {
		if c.Action == req.Action {
			n++
		}
	}
	fn := d.handlers[req.Action]
	d.mu.Unlock()
	if fn == nil {
		return map[string]any{"ok": true}, nil
	}
	return fn(n, req)
}

func (d *recordingDispatcher) callCount(action string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

func eventTypes(events []emit.Event) []emit.EventType {
	out := make([]emit.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func hasEvent(events []emit.Event, typ emit.EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestRunnerCompletesMinimalProcedure(t *testing.T) {
	doc := `{
	  "procedure_id": "hello",
	  "start_node": "greet",
	  "nodes": [
	    {"node_id": "greet", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"step_id": "say", "action": "log", "params": {"message": "hi"}},
	      {"step_id": "mark", "action": "set_variable", "params": {"name": "greeted", "value": true}}
	    ]}},
	    {"node_id": "finish", "type": "terminate", "payload": {"status": "completed", "reason": "all done"}}
	  ]
	}`
	proc := compileT(t, doc)
	st := store.NewMemStore()
	env, buf := newTestEnv(st, nil)
	createTestRun(t, st, "run-1", proc)

	state := NewRunState("run-1", proc, nil)
	if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if state.TerminalStatus != "completed" {
		t.Errorf("expected terminal status completed, got %q", state.TerminalStatus)
	}
	if state.Vars["greeted"] != true {
		t.Errorf("set_variable did not take: %v", state.Vars["greeted"])
	}
	if state.Vars["termination_reason"] != "all done" {
		t.Errorf("termination reason missing: %v", state.Vars["termination_reason"])
	}
	if state.Telemetry.StepsExecuted != 2 {
		t.Errorf("expected 2 executed steps, got %d", state.Telemetry.StepsExecuted)
	}

	run, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("expected run completed, got %s", run.Status)
	}

	history := buf.History("run-1")
	for _, want := range []emit.EventType{emit.RunStarted, emit.NodeEntered, emit.StepStarted, emit.StepCompleted, emit.RunCompleted} {
		if !hasEvent(history, want) {
			t.Errorf("missing event %s in %v", want, eventTypes(history))
		}
	}
	// Durable log and mirror must agree.
	logged, err := st.ListEvents(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(logged) != len(history) {
		t.Errorf("durable log has %d events, mirror has %d", len(logged), len(history))
	}
	for i, ev := range logged {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d, want %d", i, ev.Seq, i+1)
		}
	}
}

const retryProcDoc = `{
  "procedure_id": "flaky",
  "start_node": "work",
  "nodes": [
    {"node_id": "work", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
      {"step_id": "call", "action": "call_api", "params": {"path": "/x"}, "output_variable": "response",
       "retry_on_failure": true, "retry": {"max_retries": 2, "base_delay_ms": 1, "max_delay_ms": 5}}
    ]}},
    {"node_id": "finish", "type": "terminate"}
  ]
}`

func TestRunnerRetriesTransientFailures(t *testing.T) {
	t.Run("succeeds after two dispatch failures", func(t *testing.T) {
		proc := compileT(t, retryProcDoc)
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("call_api", func(call int, _ DispatchRequest) (map[string]any, error) {
			if call <= 2 {
				return nil, Errorf(KindDispatch, "HTTP 500")
			}
			return map[string]any{"value": "payload"}, nil
		})
		env, buf := newTestEnv(st, disp)
		createTestRun(t, st, "run-r", proc)

		state := NewRunState("run-r", proc, nil)
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if got := disp.callCount("call_api"); got != 3 {
			t.Errorf("expected 3 dispatch attempts, got %d", got)
		}
		if state.Vars["response"] != "payload" {
			t.Errorf("output variable not set: %v", state.Vars["response"])
		}
		if state.Telemetry.RetriesIssued != 2 {
			t.Errorf("expected 2 retries issued, got %d", state.Telemetry.RetriesIssued)
		}

		retries := buf.HistoryWithFilter("run-r", emit.HistoryFilter{Type: emit.RetryAttempted})
		if len(retries) != 2 {
			t.Fatalf("expected 2 retry_attempted events, got %d", len(retries))
		}
		for i, ev := range retries {
			if ev.Attempt != i+1 {
				t.Errorf("retry event %d has attempt %d", i, ev.Attempt)
			}
			if ev.Payload["error_kind"] != "dispatch" {
				t.Errorf("retry event carries kind %v", ev.Payload["error_kind"])
			}
		}
	})

	t.Run("exhausted retries fail the run", func(t *testing.T) {
		proc := compileT(t, retryProcDoc)
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("call_api", func(int, DispatchRequest) (map[string]any, error) {
			return nil, Errorf(KindDispatch, "HTTP 503")
		})
		env, buf := newTestEnv(st, disp)
		createTestRun(t, st, "run-x", proc)

		state := NewRunState("run-x", proc, nil)
		err := NewRunner(env, proc).Run(context.Background(), state)
		if err == nil {
			t.Fatal("expected the run to fail")
		}
		if KindOf(err) != KindDispatch {
			t.Errorf("expected dispatch kind, got %s", KindOf(err))
		}
		if got := disp.callCount("call_api"); got != 3 {
			t.Errorf("expected 3 attempts, got %d", got)
		}

		run, _ := st.GetRun(context.Background(), "run-x")
		if run.Status != store.RunFailed {
			t.Errorf("expected run failed, got %s", run.Status)
		}
		failed := buf.HistoryWithFilter("run-x", emit.HistoryFilter{Type: emit.RunFailed})
		if len(failed) != 1 || failed[0].Payload["error_kind"] != "dispatch" {
			t.Errorf("run_failed event missing or mis-kinded: %v", failed)
		}

		// A failed external step must leave a failed idempotency record
		// so a takeover worker does not replay a phantom success.
		rec, err := st.GetIdempotency(context.Background(), "run-x", "work", "call")
		if err != nil {
			t.Fatalf("idempotency record missing: %v", err)
		}
		if rec.Status != store.IdemFailed {
			t.Errorf("expected failed record, got %s", rec.Status)
		}
		if !strings.Contains(string(rec.ResultJSON), "HTTP 503") {
			t.Errorf("failed record should carry the error message, got %s", rec.ResultJSON)
		}
	})

	t.Run("validation failures are not retried", func(t *testing.T) {
		proc := compileT(t, retryProcDoc)
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("call_api", func(int, DispatchRequest) (map[string]any, error) {
			return nil, Errorf(KindValidation, "bad params")
		})
		env, buf := newTestEnv(st, disp)
		createTestRun(t, st, "run-v", proc)

		err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-v", proc, nil))
		if KindOf(err) != KindValidation {
			t.Fatalf("expected validation failure, got %v", err)
		}
		if got := disp.callCount("call_api"); got != 1 {
			t.Errorf("expected a single attempt, got %d", got)
		}
		if hasEvent(buf.History("run-v"), emit.RetryAttempted) {
			t.Error("validation failure must not emit retry_attempted")
		}
	})
}

func TestRunnerNoExecutor(t *testing.T) {
	proc := compileT(t, retryProcDoc)
	st := store.NewMemStore()
	env, _ := newTestEnv(st, nil) // no dispatcher configured
	createTestRun(t, st, "run-ne", proc)

	err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-ne", proc, nil))
	if err == nil {
		t.Fatal("expected failure without a dispatcher")
	}
	if KindOf(err) != KindNoExecutor {
		t.Errorf("expected no-executor kind, got %s", KindOf(err))
	}
	run, _ := st.GetRun(context.Background(), "run-ne")
	if run.Status != store.RunFailed {
		t.Errorf("expected run failed, got %s", run.Status)
	}
}

func TestRunnerReplaysSucceededSteps(t *testing.T) {
	proc := compileT(t, retryProcDoc)
	st := store.NewMemStore()
	disp := newRecordingDispatcher()
	env, buf := newTestEnv(st, disp)
	createTestRun(t, st, "run-rp", proc)

	// A previous incarnation of the worker already completed the step.
	cached, _ := json.Marshal(map[string]any{"value": "cached"})
	err := st.PutIdempotency(context.Background(), &store.IdempotencyRecord{
		RunID: "run-rp", NodeID: "work", StepID: "call",
		Status: store.IdemSucceeded, ResultJSON: cached,
	})
	if err != nil {
		t.Fatalf("seed idempotency failed: %v", err)
	}

	state := NewRunState("run-rp", proc, nil)
	if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := disp.callCount("call_api"); got != 0 {
		t.Errorf("replayed step must not re-dispatch, saw %d calls", got)
	}
	if state.Vars["response"] != "cached" {
		t.Errorf("cached result not applied: %v", state.Vars["response"])
	}
	if state.Telemetry.StepsReplayed != 1 {
		t.Errorf("expected 1 replayed step, got %d", state.Telemetry.StepsReplayed)
	}
	completed := buf.HistoryWithFilter("run-rp", emit.HistoryFilter{Type: emit.StepCompleted})
	if len(completed) != 1 || completed[0].Payload["replayed"] != true {
		t.Errorf("step_completed should be marked replayed: %v", completed)
	}
}

func TestRunnerCancellation(t *testing.T) {
	doc := `{
	  "procedure_id": "long",
	  "start_node": "work",
	  "nodes": [
	    {"node_id": "work", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"step_id": "first", "action": "slow_op"},
	      {"step_id": "second", "action": "slow_op"}
	    ]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`

	t.Run("registry cancel interrupts at the step boundary", func(t *testing.T) {
		proc := compileT(t, doc)
		st := store.NewMemStore()
		cancels := NewCancelRegistry()
		disp := newRecordingDispatcher()
		disp.on("slow_op", func(int, DispatchRequest) (map[string]any, error) {
			cancels.Cancel("run-c")
			return map[string]any{"ok": true}, nil
		})
		env, buf := newTestEnv(st, disp)
		env.Cancels = cancels
		createTestRun(t, st, "run-c", proc)

		err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-c", proc, nil))
		if !errors.Is(err, ErrRunCancelled) {
			t.Fatalf("expected ErrRunCancelled, got %v", err)
		}
		if got := disp.callCount("slow_op"); got != 1 {
			t.Errorf("second step must not run after cancel, saw %d dispatches", got)
		}
		run, _ := st.GetRun(context.Background(), "run-c")
		if run.Status != store.RunCanceled {
			t.Errorf("expected canceled status, got %s", run.Status)
		}
		if !hasEvent(buf.History("run-c"), emit.RunCanceled) {
			t.Error("missing run_canceled event")
		}
	})

	t.Run("persisted flag cancels before the first step", func(t *testing.T) {
		proc := compileT(t, doc)
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-p", proc)
		if err := st.RequestCancel(context.Background(), "run-p"); err != nil {
			t.Fatalf("RequestCancel failed: %v", err)
		}

		err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-p", proc, nil))
		if !errors.Is(err, ErrRunCancelled) {
			t.Fatalf("expected ErrRunCancelled, got %v", err)
		}
		if got := disp.callCount("slow_op"); got != 0 {
			t.Errorf("no step should dispatch after a pre-set flag, saw %d", got)
		}
	})
}

func TestRunnerLogicRouting(t *testing.T) {
	doc := `{
	  "procedure_id": "router",
	  "start_node": "route",
	  "variables": {"tier": {"type": "string"}},
	  "nodes": [
	    {"node_id": "route", "type": "logic", "payload": {
	      "rules": [
	        {"condition": "tier == 'gold'", "next": "gold_path"},
	        {"condition": "tier == 'silver'", "next": "silver_path"}
	      ],
	      "default_next": "default_path"
	    }},
	    {"node_id": "gold_path", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"action": "set_variable", "params": {"name": "path", "value": "gold"}}]}},
	    {"node_id": "silver_path", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"action": "set_variable", "params": {"name": "path", "value": "silver"}}]}},
	    {"node_id": "default_path", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"action": "set_variable", "params": {"name": "path", "value": "default"}}]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`
	proc := compileT(t, doc)

	cases := []struct {
		tier string
		want string
	}{
		{"gold", "gold"},
		{"silver", "silver"},
		{"bronze", "default"},
	}
	for _, tc := range cases {
		t.Run(tc.tier, func(t *testing.T) {
			st := store.NewMemStore()
			env, _ := newTestEnv(st, nil)
			runID := "run-" + tc.tier
			createTestRun(t, st, runID, proc)

			state := NewRunState(runID, proc, map[string]any{"tier": tc.tier})
			if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if state.Vars["path"] != tc.want {
				t.Errorf("tier %s routed to %v, want %s", tc.tier, state.Vars["path"], tc.want)
			}
		})
	}
}

const loopProcDoc = `{
  "procedure_id": "batch",
  "start_node": "each",
  "variables": {"items": {"type": "array"}},
  "nodes": [
    {"node_id": "each", "type": "loop", "next_node_id": "finish", "payload": {
      "iterator_variable": "items", "item_variable": "item", "index_variable": "idx",
      "body_node_id": "body", "continue_on_error": %s
    }},
    {"node_id": "body", "type": "sequence", "payload": {"steps": [
      {"step_id": "handle", "action": "handle_item", "params": {"item": "{{item}}", "index": "{{idx}}"}}
    ]}},
    {"node_id": "finish", "type": "terminate"}
  ]
}`

func TestRunnerLoop(t *testing.T) {
	t.Run("iterates every item in order", func(t *testing.T) {
		proc := compileT(t, strings.Replace(loopProcDoc, "%s", "false", 1))
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		var seen []any
		var mu sync.Mutex
		disp.on("handle_item", func(_ int, req DispatchRequest) (map[string]any, error) {
			mu.Lock()
			seen = append(seen, req.Params["item"])
			mu.Unlock()
			return map[string]any{"ok": true}, nil
		})
		env, buf := newTestEnv(st, disp)
		createTestRun(t, st, "run-l", proc)

		state := NewRunState("run-l", proc, map[string]any{"items": []any{"a", "b", "c"}})
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
			t.Errorf("items visited out of order: %v", seen)
		}
		if state.Telemetry.LoopIterations != 3 {
			t.Errorf("expected 3 loop iterations, got %d", state.Telemetry.LoopIterations)
		}
		iters := buf.HistoryWithFilter("run-l", emit.HistoryFilter{Type: emit.LoopIteration})
		if len(iters) != 3 {
			t.Errorf("expected 3 loop_iteration events, got %d", len(iters))
		}
	})

	t.Run("continue_on_error records the failure and moves on", func(t *testing.T) {
		proc := compileT(t, strings.Replace(loopProcDoc, "%s", "true", 1))
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("handle_item", func(_ int, req DispatchRequest) (map[string]any, error) {
			if req.Params["item"] == "bad" {
				return nil, Errorf(KindAgentError, "cannot handle bad item")
			}
			return map[string]any{"ok": true}, nil
		})
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-le", proc)

		state := NewRunState("run-le", proc, map[string]any{"items": []any{"a", "bad", "c"}})
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("expected the run to survive the bad item: %v", err)
		}
		if got := disp.callCount("handle_item"); got != 3 {
			t.Errorf("all items should be attempted, got %d dispatches", got)
		}
		if len(state.LoopResults) == 0 {
			t.Fatal("expected a recorded per-item failure")
		}
	})

	t.Run("failure without continue_on_error fails the run", func(t *testing.T) {
		proc := compileT(t, strings.Replace(loopProcDoc, "%s", "false", 1))
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("handle_item", func(_ int, req DispatchRequest) (map[string]any, error) {
			if req.Params["item"] == "bad" {
				return nil, Errorf(KindAgentError, "nope")
			}
			return map[string]any{"ok": true}, nil
		})
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-lf", proc)

		state := NewRunState("run-lf", proc, map[string]any{"items": []any{"a", "bad", "c"}})
		err := NewRunner(env, proc).Run(context.Background(), state)
		if err == nil {
			t.Fatal("expected the run to fail on the bad item")
		}
		if got := disp.callCount("handle_item"); got != 2 {
			t.Errorf("expected the loop to stop after the failure, got %d dispatches", got)
		}
	})

	t.Run("missing item_variable writes no variable", func(t *testing.T) {
		doc := `{
		  "procedure_id": "batch-anon",
		  "start_node": "each",
		  "variables": {"items": {"type": "array"}},
		  "nodes": [
		    {"node_id": "each", "type": "loop", "next_node_id": "finish", "payload": {
		      "iterator_variable": "items", "body_node_id": "body"
		    }},
		    {"node_id": "body", "type": "sequence", "payload": {"steps": [
		      {"step_id": "skip", "action": "noop", "params": {}}
		    ]}},
		    {"node_id": "finish", "type": "terminate"}
		  ]
		}`
		proc := compileT(t, doc)
		st := store.NewMemStore()
		env, _ := newTestEnv(st, nil)
		createTestRun(t, st, "run-la", proc)

		state := NewRunState("run-la", proc, map[string]any{"items": []any{"a", "b"}})
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if _, ok := state.Vars[""]; ok {
			t.Error("loop without item_variable must not write an empty-named variable")
		}
	})
}

// Each iteration of the loop body parks on a human gate. The decision
// resumes the run from its checkpoint; the loop must pick up the
// remaining iterations instead of draining out after the gated one.
func TestRunnerApprovalInsideLoop(t *testing.T) {
	doc := `{
	  "procedure_id": "batch-gated",
	  "start_node": "each",
	  "variables": {"items": {"type": "array"}},
	  "nodes": [
	    {"node_id": "each", "type": "loop", "next_node_id": "finish", "payload": {
	      "iterator_variable": "items", "item_variable": "item", "body_node_id": "gate"
	    }},
	    {"node_id": "gate", "type": "human_approval", "payload": {
	      "prompt": "Process {{item}}?", "decision_type": "binary", "on_approve": "work"
	    }},
	    {"node_id": "work", "type": "sequence", "payload": {"steps": [
	      {"step_id": "handle", "action": "handle_item", "params": {"item": "{{item}}"}}
	    ]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`
	proc := compileT(t, doc)
	st := store.NewMemStore()
	disp := newRecordingDispatcher()
	var mu sync.Mutex
	var handled []any
	disp.on("handle_item", func(_ int, req DispatchRequest) (map[string]any, error) {
		mu.Lock()
		handled = append(handled, req.Params["item"])
		mu.Unlock()
		return map[string]any{"ok": true}, nil
	})
	env, _ := newTestEnv(st, disp)
	createTestRun(t, st, "run-gl", proc)
	ctx := context.Background()

	state := NewRunState("run-gl", proc, map[string]any{"items": []any{"a", "b", "c"}})
	if err := NewRunner(env, proc).Run(ctx, state); err != nil {
		t.Fatalf("initial Run failed: %v", err)
	}

	for _, want := range []string{"Process a?", "Process b?", "Process c?"} {
		approval, err := st.LatestApproval(ctx, "run-gl", "gate")
		if err != nil {
			t.Fatalf("no approval pending for %q: %v", want, err)
		}
		if approval.Status != store.ApprovalPending || approval.Prompt != want {
			t.Fatalf("expected pending approval %q, got %s %q", want, approval.Status, approval.Prompt)
		}
		if err := st.DecideApproval(ctx, approval.ApprovalID, store.ApprovalApproved, "go"); err != nil {
			t.Fatalf("DecideApproval failed: %v", err)
		}

		// A fresh worker rehydrates from the checkpoint, so the resumed
		// state must carry the loop position, not just the gate.
		cp, err := st.GetCheckpoint(ctx, "run-gl", "")
		if err != nil {
			t.Fatalf("parked run has no checkpoint: %v", err)
		}
		resumed := &RunState{}
		if err := json.Unmarshal(cp.StateJSON, resumed); err != nil {
			t.Fatalf("checkpoint state is corrupt: %v", err)
		}
		if err := NewRunner(env, proc).Run(ctx, resumed); err != nil {
			t.Fatalf("resumed Run failed: %v", err)
		}
		state = resumed
	}

	mu.Lock()
	got := append([]any(nil), handled...)
	mu.Unlock()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("every iteration must execute after its approval, got %v", got)
	}
	if state.Telemetry.LoopIterations != 3 {
		t.Errorf("expected 3 loop iterations, got %d", state.Telemetry.LoopIterations)
	}
	run, _ := st.GetRun(ctx, "run-gl")
	if run.Status != store.RunCompleted {
		t.Errorf("expected run completed, got %s", run.Status)
	}
}

func TestRunnerParallel(t *testing.T) {
	doc := `{
	  "procedure_id": "fanout",
	  "start_node": "split",
	  "nodes": [
	    {"node_id": "split", "type": "parallel", "next_node_id": "finish", "payload": {
	      "branch_node_ids": ["left", "right"], "wait_strategy": "all", "branch_failure": "%s"
	    }},
	    {"node_id": "left", "type": "sequence", "payload": {"steps": [
	      {"step_id": "l", "action": "left_op", "output_variable": "left_result"}]}},
	    {"node_id": "right", "type": "sequence", "payload": {"steps": [
	      {"step_id": "r", "action": "right_op", "output_variable": "right_result"}]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`

	t.Run("wait all merges both branches", func(t *testing.T) {
		proc := compileT(t, strings.Replace(doc, "%s", "continue", 1))
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("left_op", func(int, DispatchRequest) (map[string]any, error) {
			return map[string]any{"value": "L"}, nil
		})
		disp.on("right_op", func(int, DispatchRequest) (map[string]any, error) {
			return map[string]any{"value": "R"}, nil
		})
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-par", proc)

		state := NewRunState("run-par", proc, nil)
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if state.Vars["left_result"] != "L" || state.Vars["right_result"] != "R" {
			t.Errorf("branch outputs not merged: left=%v right=%v",
				state.Vars["left_result"], state.Vars["right_result"])
		}
		if state.Telemetry.StepsExecuted != 2 {
			t.Errorf("telemetry should sum branch deltas, got %d", state.Telemetry.StepsExecuted)
		}
	})

	t.Run("fail_fast propagates the branch failure", func(t *testing.T) {
		proc := compileT(t, strings.Replace(doc, "%s", "fail_fast", 1))
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("left_op", func(int, DispatchRequest) (map[string]any, error) {
			return nil, Errorf(KindAgentError, "left broke")
		})
		disp.on("right_op", func(int, DispatchRequest) (map[string]any, error) {
			return map[string]any{"value": "R"}, nil
		})
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-ff", proc)

		err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-ff", proc, nil))
		if err == nil {
			t.Fatal("expected the parallel node to fail")
		}
		if KindOf(err) != KindAgentError {
			t.Errorf("expected agent-error kind, got %s", KindOf(err))
		}
	})

	t.Run("continue records branch errors and keeps successes", func(t *testing.T) {
		proc := compileT(t, strings.Replace(doc, "%s", "continue", 1))
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("left_op", func(int, DispatchRequest) (map[string]any, error) {
			return nil, Errorf(KindAgentError, "left broke")
		})
		disp.on("right_op", func(int, DispatchRequest) (map[string]any, error) {
			return map[string]any{"value": "R"}, nil
		})
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-pc", proc)

		state := NewRunState("run-pc", proc, nil)
		err := NewRunner(env, proc).Run(context.Background(), state)
		// wait=all with one failed branch cannot satisfy the join.
		if err == nil {
			t.Fatal("expected wait=all to fail with a failed branch")
		}
	})
}

func TestRunnerApproval(t *testing.T) {
	doc := `{
	  "procedure_id": "gated",
	  "start_node": "gate",
	  "variables": {"amount": {"type": "number"}},
	  "nodes": [
	    {"node_id": "gate", "type": "human_approval", "next_node_id": "approved_path", "payload": {
	      "prompt": "Release {{amount}}?", "decision_type": "binary",
	      "on_approve": "approved_path", "on_reject": "rejected_path",
	      "on_timeout": "timeout_path", "timeout_ms": %d
	    }},
	    {"node_id": "approved_path", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"action": "set_variable", "params": {"name": "outcome", "value": "released"}}]}},
	    {"node_id": "rejected_path", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"action": "set_variable", "params": {"name": "outcome", "value": "held"}}]}},
	    {"node_id": "timeout_path", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"action": "set_variable", "params": {"name": "outcome", "value": "expired"}}]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`

	startGated := func(t *testing.T, timeoutMS int, runID string) (*Procedure, *store.MemStore, Env, *emit.BufferedEmitter, *RunState) {
		t.Helper()
		proc := compileT(t, strings.Replace(doc, "%d", strconv.Itoa(timeoutMS), 1))
		st := store.NewMemStore()
		env, buf := newTestEnv(st, nil)
		createTestRun(t, st, runID, proc)

		state := NewRunState(runID, proc, map[string]any{"amount": float64(500)})
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("initial run failed: %v", err)
		}
		if !state.AwaitingApproval || state.ApprovalNodeID != "gate" {
			t.Fatalf("run should be parked on the gate: %+v", state)
		}
		run, _ := st.GetRun(context.Background(), runID)
		if run.Status != store.RunWaitingApproval {
			t.Fatalf("expected waiting_approval, got %s", run.Status)
		}
		return proc, st, env, buf, state
	}

	decide := func(t *testing.T, st *store.MemStore, runID string, status store.ApprovalStatus, decision string) {
		t.Helper()
		approval, err := st.LatestApproval(context.Background(), runID, "gate")
		if err != nil {
			t.Fatalf("LatestApproval failed: %v", err)
		}
		if approval.Status != store.ApprovalPending {
			t.Fatalf("approval should be pending, got %s", approval.Status)
		}
		if approval.Prompt != "Release 500?" {
			t.Errorf("prompt not rendered: %q", approval.Prompt)
		}
		if err := st.DecideApproval(context.Background(), approval.ApprovalID, status, decision); err != nil {
			t.Fatalf("DecideApproval failed: %v", err)
		}
	}

	t.Run("pause then approve", func(t *testing.T) {
		proc, st, env, buf, state := startGated(t, 0, "run-ap")
		if !hasEvent(buf.History("run-ap"), emit.ApprovalRequested) {
			t.Error("missing approval_requested event")
		}
		cps, _ := st.ListCheckpoints(context.Background(), "run-ap")
		if len(cps) == 0 {
			t.Error("suspension should have checkpointed the state")
		}

		decide(t, st, "run-ap", store.ApprovalApproved, "looks good")
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("resume failed: %v", err)
		}
		if state.Vars["outcome"] != "released" {
			t.Errorf("approve should take the approved path, got %v", state.Vars["outcome"])
		}
		if state.ApprovalDecision != "looks good" {
			t.Errorf("decision not captured: %q", state.ApprovalDecision)
		}
		if !hasEvent(buf.History("run-ap"), emit.ApprovalDecisionReceived) {
			t.Error("missing approval_decision_received event")
		}
	})

	t.Run("pause then reject", func(t *testing.T) {
		proc, st, env, _, state := startGated(t, 0, "run-rj")
		decide(t, st, "run-rj", store.ApprovalRejected, "too risky")
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("resume failed: %v", err)
		}
		if state.Vars["outcome"] != "held" {
			t.Errorf("reject should take the rejected path, got %v", state.Vars["outcome"])
		}
	})

	t.Run("undecided past timeout takes the timeout path", func(t *testing.T) {
		proc, st, env, _, state := startGated(t, 10, "run-to")
		time.Sleep(25 * time.Millisecond)
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("resume failed: %v", err)
		}
		if state.Vars["outcome"] != "expired" {
			t.Errorf("timeout should take the timeout path, got %v", state.Vars["outcome"])
		}
		approval, _ := st.LatestApproval(context.Background(), "run-to", "gate")
		if approval.Status != store.ApprovalTimedOut {
			t.Errorf("approval should be marked timed out, got %s", approval.Status)
		}
	})

	t.Run("woken without a decision parks again", func(t *testing.T) {
		proc, st, env, _, state := startGated(t, 0, "run-wk")
		if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
			t.Fatalf("spurious wake failed: %v", err)
		}
		if !state.AwaitingApproval {
			t.Error("run should still be awaiting approval")
		}
		run, _ := st.GetRun(context.Background(), "run-wk")
		if run.Status != store.RunWaitingApproval {
			t.Errorf("expected waiting_approval, got %s", run.Status)
		}
	})
}


func TestRunnerLeases(t *testing.T) {
	doc := `{
	  "procedure_id": "printer-job",
	  "start_node": "print",
	  "nodes": [
	    {"node_id": "print", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"step_id": "p", "action": "print_doc", "params": {"resource_key": "printer-1"}}
	    ]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`

	t.Run("saturated resource times out with lease-timeout", func(t *testing.T) {
		proc := compileT(t, doc)
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		env, _ := newTestEnv(st, disp)
		env.LeaseBudget = 30 * time.Millisecond
		createTestRun(t, st, "run-sat", proc)

		// Another run holds the only slot.
		lease, err := st.TryAcquireLease(context.Background(), "printer-1", "other-run", "n", "s", time.Hour)
		if err != nil || lease == nil {
			t.Fatalf("failed to pre-acquire lease: %v %v", lease, err)
		}

		runErr := NewRunner(env, proc).Run(context.Background(), NewRunState("run-sat", proc, nil))
		if runErr == nil {
			t.Fatal("expected the run to fail on lease saturation")
		}
		if KindOf(runErr) != KindLeaseTimeout {
			t.Errorf("expected lease-timeout kind, got %s", KindOf(runErr))
		}
		if got := disp.callCount("print_doc"); got != 0 {
			t.Errorf("step must not dispatch without a lease, saw %d calls", got)
		}
	})

	t.Run("lease is released after a successful step", func(t *testing.T) {
		proc := compileT(t, doc)
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-ok", proc)

		if err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-ok", proc, nil)); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		active, err := st.ListActiveLeases(context.Background(), "printer-1")
		if err != nil {
			t.Fatalf("ListActiveLeases failed: %v", err)
		}
		if len(active) != 0 {
			t.Errorf("expected no active leases after the run, got %d", len(active))
		}
	})

	t.Run("agent concurrency limit raises the slot count", func(t *testing.T) {
		proc := compileT(t, doc)
		st := store.NewMemStore()
		err := st.UpsertAgent(context.Background(), &store.AgentInstance{
			AgentID: "printer-pool", Channel: "print", BaseURL: "http://x",
			ResourceKey: "printer-1", ConcurrencyLimit: 2,
		})
		if err != nil {
			t.Fatalf("UpsertAgent failed: %v", err)
		}
		if _, err := st.TryAcquireLease(context.Background(), "printer-1", "other", "n", "s", time.Hour); err != nil {
			t.Fatalf("pre-acquire failed: %v", err)
		}

		disp := newRecordingDispatcher()
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-two", proc)
		if err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-two", proc, nil)); err != nil {
			t.Fatalf("second slot should be free: %v", err)
		}
	})
}

func TestRunnerRateLimit(t *testing.T) {
	doc := `{
	  "procedure_id": "throttled",
	  "version": 1,
	  "global_config": {"rate_per_minute": 1},
	  "start_node": "work",
	  "nodes": [
	    {"node_id": "work", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"step_id": "a", "action": "op", "timeout_ms": 30},
	      {"step_id": "b", "action": "op", "timeout_ms": 30}
	    ]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`
	proc := compileT(t, doc)
	st := store.NewMemStore()
	disp := newRecordingDispatcher()
	env, _ := newTestEnv(st, disp)
	createTestRun(t, st, "run-rl", proc)

	err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-rl", proc, nil))
	if err == nil {
		t.Fatal("expected the second step to starve the one-per-minute bucket")
	}
	if KindOf(err) != KindRateLimit {
		t.Errorf("expected rate-limit kind, got %s", KindOf(err))
	}
	if got := disp.callCount("op"); got != 1 {
		t.Errorf("expected exactly one dispatch, got %d", got)
	}
}

func TestRunnerErrorHandlers(t *testing.T) {
	doc := `{
	  "procedure_id": "handled",
	  "start_node": "work",
	  "nodes": [
	    {"node_id": "work", "type": "sequence", "next_node_id": "finish",
	     "error_handlers": [
	       {"error_kind": "agent-error", "action": "%s", "fallback_node": "plan_b",
	        "recovery_steps": [{"step_id": "rec", "action": "log", "params": {"message": "recovering"}}]}
	     ],
	     "payload": {"steps": [{"step_id": "w", "action": "fragile_op"}]}},
	    {"node_id": "plan_b", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"action": "set_variable", "params": {"name": "via", "value": "plan_b"}}]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`

	run := func(t *testing.T, action string, fail bool) (*RunState, error, *recordingDispatcher) {
		t.Helper()
		proc := compileT(t, strings.Replace(doc, "%s", action, 1))
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("fragile_op", func(call int, _ DispatchRequest) (map[string]any, error) {
			if fail || call == 1 {
				return nil, Errorf(KindAgentError, "fragile")
			}
			return map[string]any{"ok": true}, nil
		})
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-h", proc)
		state := NewRunState("run-h", proc, nil)
		err := NewRunner(env, proc).Run(context.Background(), state)
		return state, err, disp
	}

	t.Run("ignore swallows the failure", func(t *testing.T) {
		state, err, _ := run(t, "ignore", true)
		if err != nil {
			t.Fatalf("ignore handler should complete the run: %v", err)
		}
		if state.TerminalStatus != "completed" {
			t.Errorf("expected completed, got %q", state.TerminalStatus)
		}
	})

	t.Run("fallback_node redirects the flow", func(t *testing.T) {
		state, err, _ := run(t, "fallback_node", true)
		if err != nil {
			t.Fatalf("fallback handler should complete the run: %v", err)
		}
		if state.Vars["via"] != "plan_b" {
			t.Errorf("fallback path not taken: %v", state.Vars["via"])
		}
	})

	t.Run("retry gives the step another round", func(t *testing.T) {
		_, err, disp := run(t, "retry", false)
		if err != nil {
			t.Fatalf("handler retry should recover: %v", err)
		}
		if got := disp.callCount("fragile_op"); got != 2 {
			t.Errorf("expected 2 attempts (original + handler retry), got %d", got)
		}
	})

	t.Run("escalate fails the run", func(t *testing.T) {
		_, err, _ := run(t, "escalate", true)
		if err == nil {
			t.Fatal("escalate should propagate the failure")
		}
		if KindOf(err) != KindAgentError {
			t.Errorf("original kind should survive escalation, got %s", KindOf(err))
		}
	})

	t.Run("unmatched kind falls through to failure", func(t *testing.T) {
		proc := compileT(t, strings.Replace(doc, "%s", "ignore", 1))
		st := store.NewMemStore()
		disp := newRecordingDispatcher()
		disp.on("fragile_op", func(int, DispatchRequest) (map[string]any, error) {
			return nil, Errorf(KindDispatch, "network down") // handler matches agent-error only
		})
		env, _ := newTestEnv(st, disp)
		createTestRun(t, st, "run-um", proc)
		err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-um", proc, nil))
		if KindOf(err) != KindDispatch {
			t.Errorf("expected dispatch failure to pass through, got %v", err)
		}
	})
}

func TestRunnerOnFailureThread(t *testing.T) {
	doc := `{
	  "procedure_id": "with-cleanup",
	  "global_config": {"on_failure": "cleanup"},
	  "start_node": "work",
	  "nodes": [
	    {"node_id": "work", "type": "sequence", "payload": {"steps": [
	      {"step_id": "w", "action": "doomed_op"}]}},
	    {"node_id": "cleanup", "type": "sequence", "payload": {"steps": [
	      {"step_id": "c", "action": "log", "params": {"message": "cleanup after {{failure_kind}}"}}]}}
	  ]
	}`
	proc := compileT(t, doc)
	st := store.NewMemStore()
	disp := newRecordingDispatcher()
	disp.on("doomed_op", func(int, DispatchRequest) (map[string]any, error) {
		return nil, Errorf(KindAgentError, "doomed")
	})
	env, buf := newTestEnv(st, disp)
	createTestRun(t, st, "run-cl", proc)

	state := NewRunState("run-cl", proc, nil)
	err := NewRunner(env, proc).Run(context.Background(), state)
	if err == nil {
		t.Fatal("expected the run to fail")
	}

	// The cleanup chain ran after run_failed, with the failure context
	// rendered into its step.
	var sawCleanup bool
	for _, ev := range buf.History("run-cl") {
		if ev.Type == emit.StepCompleted && ev.NodeID == "cleanup" {
			sawCleanup = true
			result, _ := ev.Payload["result"].(map[string]any)
			if msg, _ := result["message"].(string); !strings.Contains(msg, "agent-error") {
				t.Errorf("failure kind not rendered into cleanup: %v", ev.Payload)
			}
		}
	}
	if !sawCleanup {
		t.Error("cleanup node did not execute")
	}

	// Cleanup runs on a clone; the failed state keeps its own vars.
	if _, ok := state.Vars["failure_reason"]; ok {
		t.Error("cleanup vars leaked into the failed run state")
	}
}

func TestRunnerAsyncDelegation(t *testing.T) {
	doc := `{
	  "procedure_id": "delegated",
	  "start_node": "work",
	  "nodes": [
	    {"node_id": "work", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"step_id": "handoff", "action": "external_flow", "workflow_dispatch_mode": "async"},
	      {"step_id": "after", "action": "log", "params": {"message": "resumed"}}
	    ]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`
	proc := compileT(t, doc)
	st := store.NewMemStore()
	disp := newRecordingDispatcher()
	disp.on("external_flow", func(int, DispatchRequest) (map[string]any, error) {
		return nil, nil // 2xx acknowledgment, no result yet
	})
	env, buf := newTestEnv(st, disp)
	createTestRun(t, st, "run-async", proc)

	state := NewRunState("run-async", proc, nil)
	if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !state.WorkflowPending || state.WorkflowResumeNode != "work" || state.WorkflowResumeStep != "handoff" {
		t.Fatalf("run should be parked on the delegation: %+v", state)
	}
	if !hasEvent(buf.History("run-async"), emit.WorkflowDelegated) {
		t.Error("missing workflow_delegated event")
	}
	run, _ := st.GetRun(context.Background(), "run-async")
	if run.Status != store.RunWaitingApproval {
		t.Errorf("delegated run should be parked, got %s", run.Status)
	}

	// External callback arrived; resuming skips the delegated step and
	// continues with the rest of the sequence.
	if err := NewRunner(env, proc).Run(context.Background(), state); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if state.TerminalStatus != "completed" {
		t.Errorf("expected completed after resume, got %q", state.TerminalStatus)
	}
	if got := disp.callCount("external_flow"); got != 1 {
		t.Errorf("delegated step must not re-dispatch on resume, saw %d calls", got)
	}
}

func TestRunnerSubflow(t *testing.T) {
	childDoc := `{
	  "procedure_id": "child",
	  "version": 1,
	  "variables": {"input_id": {"type": "string", "required": true}},
	  "start_node": "work",
	  "nodes": [
	    {"node_id": "work", "type": "sequence", "next_node_id": "finish", "payload": {"steps": [
	      {"action": "set_variable", "params": {"name": "child_output", "value": "done-{{input_id}}"}}]}},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`
	parentDoc := `{
	  "procedure_id": "parent",
	  "start_node": "call-child",
	  "variables": {"order_id": {"type": "string", "required": true}},
	  "nodes": [
	    {"node_id": "call-child", "type": "subflow", "next_node_id": "finish", "payload": {
	      "procedure_id": "child", "version": 1,
	      "input_map": {"input_id": "order_id"},
	      "output_map": {"result": "child_output"}
	    }},
	    {"node_id": "finish", "type": "terminate"}
	  ]
	}`

	t.Run("child runs synchronously and maps outputs back", func(t *testing.T) {
		parent := compileT(t, parentDoc)
		st := store.NewMemStore()
		err := st.PutProcedure(context.Background(), &store.ProcedureRecord{
			ProcedureID: "child", Version: 1, Document: []byte(childDoc),
		})
		if err != nil {
			t.Fatalf("PutProcedure failed: %v", err)
		}
		env, _ := newTestEnv(st, nil)
		env.Procedures = StoreLoader(st)
		createTestRun(t, st, "run-parent", parent)

		state := NewRunState("run-parent", parent, map[string]any{"order_id": "ORD-7"})
		if err := NewRunner(env, parent).Run(context.Background(), state); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if state.Vars["result"] != "done-ORD-7" {
			t.Errorf("child output not mapped: %v", state.Vars["result"])
		}
		childRunID, _ := state.Vars["subflow_run_id"].(string)
		if childRunID == "" {
			t.Fatal("subflow_run_id not recorded")
		}
		childRun, err := st.GetRun(context.Background(), childRunID)
		if err != nil {
			t.Fatalf("child run row missing: %v", err)
		}
		if childRun.Status != store.RunCompleted {
			t.Errorf("child run should be completed, got %s", childRun.Status)
		}
	})

	t.Run("missing child procedure fails the parent", func(t *testing.T) {
		parent := compileT(t, parentDoc)
		st := store.NewMemStore()
		env, _ := newTestEnv(st, nil)
		env.Procedures = StoreLoader(st)
		createTestRun(t, st, "run-np", parent)

		err := NewRunner(env, parent).Run(context.Background(),
			NewRunState("run-np", parent, map[string]any{"order_id": "X"}))
		if KindOf(err) != KindValidation {
			t.Errorf("expected validation failure, got %v", err)
		}
	})
}

func TestRunnerMaxStepsGuard(t *testing.T) {
	doc := `{
	  "procedure_id": "spinner",
	  "start_node": "a",
	  "nodes": [
	    {"node_id": "a", "type": "sequence", "next_node_id": "b", "payload": {"steps": [{"action": "noop"}]}},
	    {"node_id": "b", "type": "sequence", "next_node_id": "a", "payload": {"steps": [{"action": "noop"}]}}
	  ]
	}`
	proc := compileT(t, doc)
	st := store.NewMemStore()
	env, _ := newTestEnv(st, nil)
	env.MaxSteps = 10
	createTestRun(t, st, "run-spin", proc)

	err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-spin", proc, nil))
	if err == nil {
		t.Fatal("expected the step guard to trip")
	}
	if !strings.Contains(err.Error(), ErrMaxStepsExceeded.Error()) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunnerTerminateFailed(t *testing.T) {
	doc := `{
	  "procedure_id": "give-up",
	  "start_node": "stop",
	  "nodes": [
	    {"node_id": "stop", "type": "terminate", "payload": {"status": "failed", "reason": "manual abort"}}
	  ]
	}`
	proc := compileT(t, doc)
	st := store.NewMemStore()
	env, buf := newTestEnv(st, nil)
	createTestRun(t, st, "run-gu", proc)

	state := NewRunState("run-gu", proc, nil)
	err := NewRunner(env, proc).Run(context.Background(), state)
	if err == nil {
		t.Fatal("terminate with failed status should report an error")
	}
	run, _ := st.GetRun(context.Background(), "run-gu")
	if run.Status != store.RunFailed {
		t.Errorf("expected failed status, got %s", run.Status)
	}
	if !hasEvent(buf.History("run-gu"), emit.RunFailed) {
		t.Error("missing run_failed event")
	}
}

func TestRunnerCheckpointsMarkedNodes(t *testing.T) {
	doc := `{
	  "procedure_id": "cp",
	  "start_node": "a",
	  "nodes": [
	    {"node_id": "a", "type": "sequence", "is_checkpoint": true, "next_node_id": "b",
	     "payload": {"steps": [{"action": "set_variable", "params": {"name": "x", "value": 1}}]}},
	    {"node_id": "b", "type": "terminate"}
	  ]
	}`
	proc := compileT(t, doc)
	st := store.NewMemStore()
	env, buf := newTestEnv(st, nil)
	createTestRun(t, st, "run-cp", proc)

	if err := NewRunner(env, proc).Run(context.Background(), NewRunState("run-cp", proc, nil)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	cps, err := st.ListCheckpoints(context.Background(), "run-cp")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(cps) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(cps))
	}
	var snapshot RunState
	if err := json.Unmarshal(cps[0].StateJSON, &snapshot); err != nil {
		t.Fatalf("checkpoint state undecodable: %v", err)
	}
	if snapshot.Vars["x"] != float64(1) {
		t.Errorf("checkpoint missing the step's write: %v", snapshot.Vars)
	}
	if !hasEvent(buf.History("run-cp"), emit.CheckpointSaved) {
		t.Error("missing checkpoint_saved event")
	}
}
