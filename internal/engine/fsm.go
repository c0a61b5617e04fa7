package engine

import (
	"slices"
	"sync"

	"github.com/rendis/chatflow/pkg/schema"
)

// TransitionHook is called before or after a status transition.
type TransitionHook func(from, to schema.EngineStatus) error

type hookKey struct {
	from, to schema.EngineStatus
}

// StatusFSM validates run status transitions and runs hooks around them.
// It holds no status of its own; the engine owns the current value.
type StatusFSM struct {
	mu     sync.Mutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewStatusFSM creates a StatusFSM with no hooks.
func NewStatusFSM() *StatusFSM {
	return &StatusFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error vetoes it.
func (f *StatusFSM) OnBefore(from, to schema.EngineStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *StatusFSM) OnAfter(from, to schema.EngineStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from → to, runs the before hooks, calls apply and then
// runs the after hooks. Hooks run on the engine's goroutine with its state
// locked and must not call back into the engine.
func (f *StatusFSM) Transition(from, to schema.EngineStatus, apply func()) error {
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid status transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	key := hookKey{from, to}
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	if apply != nil {
		apply()
	}
	for _, hook := range after {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from → to is allowed. stop() and
// reset() are accepted from every status.
func IsValidTransition(from, to schema.EngineStatus) bool {
	if to == schema.StatusStopped || to == schema.StatusIdle {
		return true
	}
	return slices.Contains(ValidTransitions[from], to)
}

// ValidTransitions defines the allowed run status transitions besides the
// universal → stopped and → idle.
var ValidTransitions = map[schema.EngineStatus][]schema.EngineStatus{
	schema.StatusIdle:      {schema.StatusRunning},
	schema.StatusRunning:   {schema.StatusWaiting, schema.StatusCompleted, schema.StatusRunning},
	schema.StatusWaiting:   {schema.StatusRunning},
	schema.StatusCompleted: {},
	schema.StatusStopped:   {},
}
