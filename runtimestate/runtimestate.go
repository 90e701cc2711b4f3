// Package runtimestate holds the small, atomically-updated runtime state
// block shared by the Front-End and Mapper: vision_initialized,
// reset_required, and p3p_required. Per the teacher's "split global
// mutable Params" design, everything else (thresholds, budgets) is
// immutable Config passed by reference into each component instead.
package runtimestate

import "sync"

// State is the mutex-guarded runtime state block.
type State struct {
	mu                sync.Mutex
	visionInitialized bool
	resetRequired     bool
	p3pRequired       bool
}

// New returns an uninitialized runtime state.
func New() *State {
	return &State{}
}

// VisionInitialized reports whether the system has completed
// initialization-by-parallax.
func (s *State) VisionInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visionInitialized
}

// SetVisionInitialized sets the initialization flag.
func (s *State) SetVisionInitialized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visionInitialized = v
}

// ResetRequired reports whether a reset has been requested.
func (s *State) ResetRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetRequired
}

// SetResetRequired sets or clears the reset request. An external driver
// must observe it and clear it once handled (§7).
func (s *State) SetResetRequired(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetRequired = v
}

// P3PRequired reports whether the last tracking pass fell below the 3D
// prior success ratio that would warrant P3P-based pose recovery. Set but
// not consumed: the pose-recovery path itself is out of scope (§9 open
// question).
func (s *State) P3PRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p3pRequired
}

// SetP3PRequired sets the p3p_required flag.
func (s *State) SetP3PRequired(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p3pRequired = v
}

// Reset clears all three flags, e.g. after a reset has been fully handled.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visionInitialized = false
	s.resetRequired = false
	s.p3pRequired = false
}
