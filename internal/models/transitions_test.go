package models

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from  string
		to    string
		valid bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusDelivered, true},
		{StatusPending, StatusDeadLettered, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusPending, true},
		{StatusSent, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusDeadLettered, true},
		{StatusSent, StatusCancelled, false},
		{StatusSent, StatusExpired, true},
		{StatusDelivered, StatusPending, false},
		{StatusDelivered, StatusDeadLettered, false},
		{StatusDeadLettered, StatusPending, false},
		{StatusCancelled, StatusDelivered, false},
		{StatusExpired, StatusPending, false},
		{StatusSent, StatusPending, false},
		{"unknown", StatusDelivered, false},
		{StatusPending, "unknown", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	sources := TransitionSources(StatusExpired)
	if len(sources) != 2 || sources[0] != StatusPending || sources[1] != StatusSent {
		t.Fatalf("unexpected sources for expired: %v", sources)
	}
	if got := TransitionSources("unknown"); len(got) != 0 {
		t.Fatalf("expected no sources for unknown status, got %v", got)
	}
}

func TestTerminalStatus(t *testing.T) {
	terminal := []string{StatusDelivered, StatusDeadLettered, StatusCancelled, StatusExpired}
	for _, status := range terminal {
		if !TerminalStatus(status) {
			t.Fatalf("expected %q to be terminal", status)
		}
	}
	for _, status := range []string{StatusPending, StatusSent} {
		if TerminalStatus(status) {
			t.Fatalf("expected %q not to be terminal", status)
		}
	}
}
