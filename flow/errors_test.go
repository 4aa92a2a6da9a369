package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	t.Run("kind and message", func(t *testing.T) {
		err := Errorf(KindDispatch, "boom %d", 42)
		if err.Error() != "dispatch: boom 42" {
			t.Errorf("unexpected message: %q", err.Error())
		}
	})

	t.Run("node and step coordinates", func(t *testing.T) {
		err := &Error{Kind: KindAgentError, Msg: "refused", NodeID: "n1", StepID: "s2"}
		want := "agent-error: refused (node=n1 step=s2)"
		if err.Error() != want {
			t.Errorf("expected %q, got %q", want, err.Error())
		}
	})

	t.Run("unwrap exposes the cause", func(t *testing.T) {
		cause := errors.New("tcp reset")
		err := &Error{Kind: KindDispatch, Msg: "post failed", Cause: cause}
		if !errors.Is(err, cause) {
			t.Error("errors.Is should find the cause")
		}
	})
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", Errorf(KindRateLimit, "x"), KindRateLimit},
		{"wrapped", fmt.Errorf("outer: %w", Errorf(KindLeaseTimeout, "x")), KindLeaseTimeout},
		{"cancellation sentinel", ErrRunCancelled, KindCancelled},
		{"wrapped sentinel", fmt.Errorf("run: %w", ErrRunCancelled), KindCancelled},
		{"plain error", errors.New("mystery"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindDispatch, KindAgentError, KindRateLimit, KindLeaseTimeout}
	for _, k := range retryable {
		if !Retryable(Errorf(k, "x")) {
			t.Errorf("kind %s should be retryable", k)
		}
	}
	terminal := []Kind{KindValidation, KindNoExecutor, KindCancelled, KindApprovalTimeout, KindInternal}
	for _, k := range terminal {
		if Retryable(Errorf(k, "x")) {
			t.Errorf("kind %s should not be retryable", k)
		}
	}
	if Retryable(context.Canceled) {
		t.Error("context cancellation should not be retryable")
	}
}
