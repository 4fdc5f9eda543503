package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is one phase of a harness lifetime.
type State string

const (
	Uninitialized State = "uninitialized"
	Validating    State = "validating"
	Launching     State = "launching"
	Running       State = "running"
	Terminated    State = "terminated"
	// Failed is terminal for a construction attempt that did not reach Running.
	Failed State = "failed"
)

var allowedTransitions = map[State]map[State]struct{}{
	Uninitialized: {
		Validating: {},
	},
	Validating: {
		Launching: {},
		Failed:    {},
	},
	Launching: {
		Running: {},
		Failed:  {},
	},
	Running: {
		Terminated: {},
	},
}

// TransitionRecord stores one accepted transition.
type TransitionRecord struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition harness from %q to %q", e.From, e.To)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks the current harness state and rejects out-of-order moves.
type Machine struct {
	mu      sync.Mutex
	current State
	history []TransitionRecord
	now     func() time.Time
}

// NewMachine returns a machine in the Uninitialized state.
func NewMachine() *Machine {
	return &Machine{
		current: Uninitialized,
		history: []TransitionRecord{},
		now:     time.Now,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	if m == nil {
		return Uninitialized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to next, recording a span event on the span in ctx.
func (m *Machine) Transition(ctx context.Context, next State, reason string) error {
	if m == nil {
		return fmt.Errorf("lifecycle machine is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !isAllowed(from, next) {
		return &IllegalTransitionError{From: from, To: next}
	}

	record := TransitionRecord{
		From:      from,
		To:        next,
		Reason:    strings.TrimSpace(reason),
		Timestamp: m.now().UTC(),
	}
	m.current = next
	m.history = append(m.history, record)

	if ctx != nil {
		trace.SpanFromContext(ctx).AddEvent("lifecycle.transition", trace.WithAttributes(
			attribute.String("from_state", string(from)),
			attribute.String("to_state", string(next)),
			attribute.String("reason", record.Reason),
		))
	}
	return nil
}

// History returns a copy of accepted transitions.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	_, ok := allowedTransitions[s]
	return !ok
}

func isAllowed(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
