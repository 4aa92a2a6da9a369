package agent

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/procflow-go/flow"
	"github.com/dshills/procflow-go/flow/store"
)

func seedAgent(t *testing.T, st *store.MemStore, inst *store.AgentInstance) {
	t.Helper()
	if err := st.UpsertAgent(context.Background(), inst); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}
}

func TestFindCapableAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("picks an online capable agent on the channel", func(t *testing.T) {
		st := store.NewMemStore()
		seedAgent(t, st, &store.AgentInstance{
			AgentID: "web-1", Channel: "web", BaseURL: "http://web-1",
			Capabilities: []string{"click", "scrape"},
		})
		reg := NewRegistry(st)

		inst, err := reg.FindCapableAgent(ctx, "web", "scrape")
		if err != nil {
			t.Fatalf("FindCapableAgent failed: %v", err)
		}
		if inst.AgentID != "web-1" {
			t.Errorf("expected web-1, got %s", inst.AgentID)
		}
	})

	t.Run("empty capabilities and wildcard both admit any action", func(t *testing.T) {
		st := store.NewMemStore()
		seedAgent(t, st, &store.AgentInstance{AgentID: "any-1", Channel: "web", BaseURL: "http://a"})
		seedAgent(t, st, &store.AgentInstance{
			AgentID: "any-2", Channel: "desktop", BaseURL: "http://b",
			Capabilities: []string{"*"},
		})
		reg := NewRegistry(st)

		if _, err := reg.FindCapableAgent(ctx, "web", "anything"); err != nil {
			t.Errorf("empty capability list should match: %v", err)
		}
		if _, err := reg.FindCapableAgent(ctx, "desktop", "anything"); err != nil {
			t.Errorf("wildcard should match: %v", err)
		}
	})

	t.Run("capability match is case-insensitive", func(t *testing.T) {
		st := store.NewMemStore()
		seedAgent(t, st, &store.AgentInstance{
			AgentID: "e1", Channel: "email", BaseURL: "http://e",
			Capabilities: []string{"Send_Email"},
		})
		reg := NewRegistry(st)
		if _, err := reg.FindCapableAgent(ctx, "email", "send_email"); err != nil {
			t.Errorf("case difference should not matter: %v", err)
		}
	})

	t.Run("offline and incapable agents are skipped", func(t *testing.T) {
		st := store.NewMemStore()
		seedAgent(t, st, &store.AgentInstance{
			AgentID: "off", Channel: "web", BaseURL: "http://off", Status: store.AgentOffline,
		})
		seedAgent(t, st, &store.AgentInstance{
			AgentID: "narrow", Channel: "web", BaseURL: "http://n",
			Capabilities: []string{"click"},
		})
		reg := NewRegistry(st)

		_, err := reg.FindCapableAgent(ctx, "web", "scrape")
		if flow.KindOf(err) != flow.KindNoExecutor {
			t.Errorf("expected no-executor, got %v", err)
		}
	})

	t.Run("empty channel yields no-executor", func(t *testing.T) {
		reg := NewRegistry(store.NewMemStore())
		_, err := reg.FindCapableAgent(ctx, "web", "anything")
		if flow.KindOf(err) != flow.KindNoExecutor {
			t.Errorf("expected no-executor, got %v", err)
		}
	})
}

func TestRegistryCircuit(t *testing.T) {
	ctx := context.Background()

	t.Run("opens after the failure threshold and excludes the agent", func(t *testing.T) {
		st := store.NewMemStore()
		seedAgent(t, st, &store.AgentInstance{AgentID: "a1", Channel: "web", BaseURL: "http://a"})
		reg := NewRegistry(st, WithFailureThreshold(3))

		for i := 0; i < 2; i++ {
			reg.RecordFailure(ctx, "a1")
		}
		if _, err := reg.FindCapableAgent(ctx, "web", "x"); err != nil {
			t.Fatalf("agent should stay in rotation below the threshold: %v", err)
		}

		reg.RecordFailure(ctx, "a1")
		if _, err := reg.FindCapableAgent(ctx, "web", "x"); flow.KindOf(err) != flow.KindNoExecutor {
			t.Errorf("open circuit should exclude the agent, got %v", err)
		}
	})

	t.Run("cooled-down circuit readmits the agent", func(t *testing.T) {
		st := store.NewMemStore()
		seedAgent(t, st, &store.AgentInstance{AgentID: "a1", Channel: "web", BaseURL: "http://a"})
		reg := NewRegistry(st, WithFailureThreshold(1), WithCircuitReset(10*time.Millisecond))

		reg.RecordFailure(ctx, "a1")
		if _, err := reg.FindCapableAgent(ctx, "web", "x"); err == nil {
			t.Fatal("circuit should be open")
		}

		time.Sleep(20 * time.Millisecond)
		if _, err := reg.FindCapableAgent(ctx, "web", "x"); err != nil {
			t.Errorf("agent should be back after the reset window: %v", err)
		}
	})

	t.Run("success closes the circuit and resets the streak", func(t *testing.T) {
		st := store.NewMemStore()
		seedAgent(t, st, &store.AgentInstance{AgentID: "a1", Channel: "web", BaseURL: "http://a"})
		reg := NewRegistry(st, WithFailureThreshold(2))

		reg.RecordFailure(ctx, "a1")
		reg.RecordFailure(ctx, "a1")
		reg.RecordSuccess(ctx, "a1")

		if _, err := reg.FindCapableAgent(ctx, "web", "x"); err != nil {
			t.Errorf("success should restore the agent: %v", err)
		}
		inst, _ := st.GetAgent(ctx, "a1")
		if inst.ConsecutiveFailures != 0 {
			t.Errorf("streak should reset, got %d", inst.ConsecutiveFailures)
		}
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedAgent(t, st, &store.AgentInstance{AgentID: "a1", Channel: "web", BaseURL: "http://a"})
	seedAgent(t, st, &store.AgentInstance{
		AgentID: "down", Channel: "web", BaseURL: "http://d", Status: store.AgentOffline,
	})
	reg := NewRegistry(st, WithFailureThreshold(1))

	t.Run("by id", func(t *testing.T) {
		inst, err := reg.Resolve(ctx, "a1")
		if err != nil || inst.BaseURL != "http://a" {
			t.Errorf("unexpected resolve: %+v %v", inst, err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, err := reg.Resolve(ctx, "ghost"); flow.KindOf(err) != flow.KindNoExecutor {
			t.Errorf("expected no-executor, got %v", err)
		}
	})

	t.Run("offline agent", func(t *testing.T) {
		if _, err := reg.Resolve(ctx, "down"); flow.KindOf(err) != flow.KindNoExecutor {
			t.Errorf("expected no-executor, got %v", err)
		}
	})

	t.Run("open circuit", func(t *testing.T) {
		reg.RecordFailure(ctx, "a1")
		if _, err := reg.Resolve(ctx, "a1"); flow.KindOf(err) != flow.KindNoExecutor {
			t.Errorf("expected no-executor, got %v", err)
		}
	})
}
