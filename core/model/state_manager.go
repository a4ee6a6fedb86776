// Package model provides estimation state tracking and persistence shared by
// the random-effects model and the boosting trainer.
package model

import (
	"sync"

	"github.com/YuminosukeSato/gpboost/pkg/errors"
)

// StateManager tracks whether parameters have been estimated, in a
// thread-safe manner.
type StateManager struct {
	mu sync.RWMutex

	Estimated  bool
	Iterations int
	NSamples   int
}

// NewStateManager creates a new StateManager instance.
func NewStateManager() *StateManager {
	return &StateManager{}
}

// IsEstimated returns whether an estimation call has succeeded.
func (s *StateManager) IsEstimated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Estimated
}

// SetEstimated records a successful estimation run of the given length.
func (s *StateManager) SetEstimated(iterations, nSamples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Estimated = true
	s.Iterations = iterations
	s.NSamples = nSamples
}

// Reset resets the estimated state.
func (s *StateManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Estimated = false
	s.Iterations = 0
	s.NSamples = 0
}

// NumIterations returns the iteration count of the last successful run.
func (s *StateManager) NumIterations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Iterations
}

// RequireEstimated returns a NotEstimatedError naming method if no
// estimation has succeeded yet.
func (s *StateManager) RequireEstimated(method string) error {
	if !s.IsEstimated() {
		return errors.NewNotEstimatedError(method)
	}
	return nil
}

// ModelState is the serializable form of StateManager.
type ModelState struct {
	Estimated  bool `json:"estimated"`
	Iterations int  `json:"iterations,omitempty"`
	NSamples   int  `json:"n_samples,omitempty"`
}

// GetState returns the current state as a ModelState struct.
func (s *StateManager) GetState() ModelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ModelState{Estimated: s.Estimated, Iterations: s.Iterations, NSamples: s.NSamples}
}

// SetState sets the state from a ModelState struct.
func (s *StateManager) SetState(state ModelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Estimated = state.Estimated
	s.Iterations = state.Iterations
	s.NSamples = state.NSamples
}
