package domain

import "testing"

func TestCanTransitionRunStatus(t *testing.T) {
	tests := []struct {
		current RunStatus
		next    RunStatus
		want    bool
	}{
		{RunStatusPending, RunStatusRunning, true},
		{RunStatusPending, RunStatusFailed, true},
		{RunStatusPending, RunStatusSucceeded, false},
		{RunStatusPending, RunStatusTimedOut, false},
		{RunStatusRunning, RunStatusSucceeded, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusRunning, RunStatusTimedOut, true},
		{RunStatusRunning, RunStatusPending, false},
		{RunStatusSucceeded, RunStatusFailed, false},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusTimedOut, RunStatusFailed, false},
		{"", RunStatusRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransitionRunStatus(tt.current, tt.next); got != tt.want {
			t.Fatalf("%s -> %s: got %v, want %v", tt.current, tt.next, got, tt.want)
		}
	}
}

func TestNormalizeRunStatus(t *testing.T) {
	if got := NormalizeRunStatus(" running "); got != RunStatusRunning {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeRunStatus("bogus"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
