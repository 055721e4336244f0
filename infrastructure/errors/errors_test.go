package errors

import (
	"errors"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "error without underlying error",
			err:  User("bad mapper output"),
			want: "[user] bad mapper output",
		},
		{
			name: "error with underlying error",
			err:  Internal("ref-count invariant violated", errors.New("handle 7 unknown")),
			want: "[internal] ref-count invariant violated: handle 7 unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Adapter("httpfeed", underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestEngineError_WithDetail(t *testing.T) {
	err := Contract("getUnique found 2 values")
	err.WithDetail("key", "3").WithDetail("count", 2)

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["key"] != "3" {
		t.Errorf("Details[key] = %v, want 3", err.Details["key"])
	}
}

func TestCycle(t *testing.T) {
	err := Cycle("nodeL", "fp-5")
	if err.Kind != KindCycle {
		t.Errorf("Kind = %v, want %v", err.Kind, KindCycle)
	}
	if err.Details["node"] != "nodeL" {
		t.Errorf("Details[node] = %v, want nodeL", err.Details["node"])
	}
	if !err.Kind.Recoverable() {
		t.Errorf("expected cycle errors to be recoverable")
	}
}

func TestInternalNotRecoverable(t *testing.T) {
	err := Internal("bug", nil)
	if err.Kind.Recoverable() {
		t.Errorf("expected internal errors to be unrecoverable")
	}
}

func TestIsAndAs(t *testing.T) {
	err := Adapter("testfeed", errors.New("timeout"))
	if !Is(err, KindAdapter) {
		t.Errorf("expected Is(err, KindAdapter) to be true")
	}
	if Is(err, KindUser) {
		t.Errorf("expected Is(err, KindUser) to be false")
	}
	ee, ok := As(err)
	if !ok || ee.Kind != KindAdapter {
		t.Errorf("As() = %v, %v; want KindAdapter, true", ee, ok)
	}
	if _, ok := As(errors.New("plain")); ok {
		t.Errorf("expected As() to fail for a plain error")
	}
}
