package queue

import "testing"

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     State
		to       State
		expected bool
	}{
		{name: "Valid: waiting to active", from: StateWaiting, to: StateActive, expected: true},
		{name: "Valid: active to completed", from: StateActive, to: StateCompleted, expected: true},
		{name: "Valid: active to failed", from: StateActive, to: StateFailed, expected: true},
		{name: "Valid: failed to waiting", from: StateFailed, to: StateWaiting, expected: true},
		{name: "Invalid: waiting to completed", from: StateWaiting, to: StateCompleted, expected: false},
		{name: "Invalid: completed to waiting", from: StateCompleted, to: StateWaiting, expected: false},
		{name: "Invalid: completed to failed", from: StateCompleted, to: StateFailed, expected: false},
		{name: "Invalid: failed to active", from: StateFailed, to: StateActive, expected: false},
		{name: "Invalid: active to waiting", from: StateActive, to: StateWaiting, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTransition(tt.from, tt.to); got != tt.expected {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.expected)
			}
		})
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range AllStates {
		want := s == StateCompleted || s == StateFailed
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}
