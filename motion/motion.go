// Package motion implements the constant-velocity motion model the
// Front-End uses to seed a pose prior for the next frame.
package motion

import (
	"sync"
	"time"

	"github.com/fieldrobotics/vslam/spatial"
)

// Model is stateless between calls except for the last observed
// (timestamp, pose) pair and the relative transform (velocity) derived
// from the last two observations.
type Model struct {
	mu          sync.Mutex
	initialized bool
	lastPose    spatial.Pose
	lastTime    time.Time
	velocity    spatial.Pose
}

// New returns a motion model with no history.
func New() *Model {
	return &Model{}
}

// Predict extrapolates the next world-from-camera pose given the
// previously observed pose and the new frame's timestamp. On the first
// call, and after Reset, it returns prevPose unchanged (identity delta)
// since no velocity estimate exists yet.
func (m *Model) Predict(prevPose spatial.Pose, t time.Time) spatial.Pose {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		m.initialized = true
		m.lastPose = prevPose
		m.lastTime = t
		m.velocity = spatial.Identity()
		return prevPose
	}

	m.velocity = prevPose.Compose(m.lastPose.Inverse())
	predicted := m.velocity.Compose(prevPose)

	m.lastPose = prevPose
	m.lastTime = t
	return predicted
}

// Reset clears history; the next Predict call behaves as if called for the
// first time.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.velocity = spatial.Identity()
}
