package slammap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/fieldrobotics/vslam/spatial"
)

// ErrInvariantViolation marks a broken map invariant: per spec this is a
// bug, not a recoverable condition, and callers are expected to treat it as
// fatal rather than repair around it.
type ErrInvariantViolation struct {
	Detail string
}

func (e *ErrInvariantViolation) Error() string {
	return fmt.Sprintf("slammap: invariant violation: %s", e.Detail)
}

// Store is the thread-safe custodian of all persistent map entities. One
// RWMutex (mu, the spec's map_lock) guards every frame/keyframe/keypoint/
// map-point mutation and lookup; a second mutex (optLock, the
// optimization_lock) is taken only around local-map merges, always acquired
// before mu per the documented lock order.
type Store struct {
	logger golog.Logger

	mu      sync.RWMutex
	optLock sync.Mutex

	nextFrameID  uint64
	currentFrame *Frame
	keyframes    map[FrameID]*Frame
	mapPoints    map[KeypointID]*MapPoint
}

// NewStore constructs an empty map store.
func NewStore(logger golog.Logger) *Store {
	return &Store{
		logger:    logger,
		keyframes: make(map[FrameID]*Frame),
		mapPoints: make(map[KeypointID]*MapPoint),
	}
}

// OptimizationLock exposes the optimization_lock for callers (local-map
// matching, the Estimator) that must serialize against structural map
// changes. Acquire this before any Store operation that also takes mu.
func (s *Store) OptimizationLock() sync.Locker { return &s.optLock }

// Stats summarizes store occupancy, mainly for tests and metrics.
type Stats struct {
	Keyframes int
	MapPoints int
	MapPoints3D int
}

// Stats returns a point-in-time snapshot of store occupancy.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Keyframes: len(s.keyframes), MapPoints: len(s.mapPoints)}
	for _, mp := range s.mapPoints {
		if mp.Is3D {
			st.MapPoints3D++
		}
	}
	return st
}

// NewCurrentFrame allocates the next frame id and installs it as the
// current (non-keyframe) frame, discarding any previous current frame.
// Only keyframes persist past this call; the returned Frame is the
// Front-End's working frame for this tick.
func (s *Store) NewCurrentFrame(refKf FrameID) *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := atomic.AddUint64(&s.nextFrameID, 1)
	f := newFrame(id)
	f.KfID = refKf
	s.currentFrame = f
	return f
}

// CurrentFrame returns the in-flight current frame, or nil before the first
// call to NewCurrentFrame.
func (s *Store) CurrentFrame() *Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentFrame
}

// SetCurrentFrameKeypoint inserts or overwrites a tracked keypoint directly
// on the in-flight current frame. Non-keyframe frames are not indexed by
// map point observer lists; they simply hold whichever keypoints the
// Front-End's optical flow carried forward this tick.
func (s *Store) SetCurrentFrameKeypoint(kp *Keypoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFrame == nil {
		return
	}
	s.currentFrame.Keypoints[kp.ID] = kp
	s.currentFrame.recountKeypoints()
}

// GetFrame looks up a frame by id, checking the current frame first and
// falling back to persisted keyframes.
func (s *Store) GetFrame(id FrameID) (*Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentFrame != nil && s.currentFrame.ID == id {
		return s.currentFrame, true
	}
	kf, ok := s.keyframes[id]
	return kf, ok
}

// GetKeyframe looks up a persisted keyframe by id.
func (s *Store) GetKeyframe(kfid FrameID) (*Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kf, ok := s.keyframes[kfid]
	return kf, ok
}

// GetMapPoint looks up a map point by id.
func (s *Store) GetMapPoint(kpid KeypointID) (*MapPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mp, ok := s.mapPoints[kpid]
	return mp, ok
}

// GetKeypoint looks up a keypoint by (owning frame, keypoint) id pair.
func (s *Store) GetKeypoint(kfid FrameID, kpid KeypointID) (*Keypoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var owner *Frame
	if s.currentFrame != nil && s.currentFrame.ID == kfid {
		owner = s.currentFrame
	} else {
		owner = s.keyframes[kfid]
	}
	if owner == nil {
		return nil, false
	}
	kp, ok := owner.Keypoints[kpid]
	return kp, ok
}

// CreateKeyframe promotes the current frame into the persisted keyframe
// index, keyed by its existing frame id, and returns it.
func (s *Store) CreateKeyframe() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFrame == nil {
		return nil, fmt.Errorf("slammap: no current frame to promote")
	}
	kf := s.currentFrame
	kf.KfID = kf.ID
	s.keyframes[kf.ID] = kf
	for kpid := range kf.Keypoints {
		mp, ok := s.mapPoints[kpid]
		if !ok {
			continue
		}
		if !mp.hasObserver(kf.ID) {
			mp.Observers = append(mp.Observers, kf.ID)
		}
	}
	s.logger.Debugw("promoted frame to keyframe", "kfid", kf.ID, "nb_keypoints", kf.NbKeypoints)
	s.assertInvariantsLocked()
	return kf, nil
}

// MergeMapPoints merges the map point identified by prevID into newID (or
// vice versa is not supported: newID survives). Observer lists are unioned
// without duplicates; the surviving point keeps newID's 3D state only if it
// was already 3D or prevID was. Merging a point with itself is a no-op.
func (s *Store) MergeMapPoints(prevID, newID KeypointID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prevID == newID {
		return nil
	}
	prev, ok := s.mapPoints[prevID]
	if !ok {
		return nil // already gone; self-heal
	}
	cur, ok := s.mapPoints[newID]
	if !ok {
		return nil
	}
	for _, kfid := range prev.Observers {
		kf, ok := s.keyframes[kfid]
		if !ok {
			continue // stale observer; self-heal by dropping it
		}
		kp, hadKp := kf.Keypoints[prevID]
		delete(kf.Keypoints, prevID)
		if !cur.hasObserver(kfid) {
			cur.Observers = append(cur.Observers, kfid)
		}
		// The surviving map point keeps newID; retarget this keyframe's
		// keypoint to that id unless it already tracks newID directly.
		if hadKp {
			if _, exists := kf.Keypoints[newID]; !exists {
				kp.ID = newID
				kf.Keypoints[newID] = kp
			}
		}
		kf.recountKeypoints()
	}
	if prev.Is3D && !cur.Is3D {
		cur.Is3D = true
		cur.World = prev.World
	}
	delete(s.mapPoints, prevID)
	s.assertInvariantsLocked()
	return nil
}

// RemoveMapPointObs removes kfid's observation of kpid: kfid's keypoint
// entry is always dropped, and if the observer list becomes empty as a
// result the map point itself is deleted.
func (s *Store) RemoveMapPointObs(kpid KeypointID, kfid FrameID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kf, ok := s.keyframes[kfid]; ok {
		if _, ok := kf.Keypoints[kpid]; ok {
			delete(kf.Keypoints, kpid)
			kf.recountKeypoints()
		}
	}
	mp, ok := s.mapPoints[kpid]
	if !ok {
		return nil
	}
	for i, o := range mp.Observers {
		if o == kfid {
			mp.Observers = append(mp.Observers[:i], mp.Observers[i+1:]...)
			break
		}
	}
	if len(mp.Observers) == 0 {
		delete(s.mapPoints, kpid)
	}
	s.assertInvariantsLocked()
	return nil
}

// RemoveStereoKeypoint clears a keypoint's right-image pairing without
// removing the 2D keypoint itself.
func (s *Store) RemoveStereoKeypoint(frame *Frame, kpid KeypointID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := frame.Keypoints[kpid]
	if !ok {
		return nil
	}
	kp.RightPixel = nil
	frame.recountKeypoints()
	s.assertInvariantsLocked()
	return nil
}

// RemoveObsFromCurrentFrame is the Front-End-side helper invoked when
// optical flow fails to track a keypoint into the current frame.
func (s *Store) RemoveObsFromCurrentFrame(kpid KeypointID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFrame == nil {
		return nil
	}
	delete(s.currentFrame.Keypoints, kpid)
	s.currentFrame.recountKeypoints()
	err := s.removeMapPointObsLocked(kpid, s.currentFrame.ID)
	s.assertInvariantsLocked()
	return err
}

func (s *Store) removeMapPointObsLocked(kpid KeypointID, kfid FrameID) error {
	mp, ok := s.mapPoints[kpid]
	if !ok {
		return nil
	}
	for i, o := range mp.Observers {
		if o == kfid {
			mp.Observers = append(mp.Observers[:i], mp.Observers[i+1:]...)
			break
		}
	}
	if len(mp.Observers) == 0 {
		delete(s.mapPoints, kpid)
	}
	return nil
}

// UpdateFrameCovisibility recomputes kf's covisibility map and
// local_map_ids by walking its keypoints and accumulating observer counts
// from each keypoint's map point. It is a pure function of map state at
// call time: re-running it with no intervening mutation is idempotent.
func (s *Store) UpdateFrameCovisibility(kf *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	covis := make(map[FrameID]int)
	localMap := make(map[KeypointID]struct{})
	for kpid, kp := range kf.Keypoints {
		mp, ok := s.mapPoints[kpid]
		if !ok {
			continue // stale reference; self-heal by skipping
		}
		localMap[kpid] = struct{}{}
		for _, observer := range mp.Observers {
			if observer == kf.ID {
				continue
			}
			covis[observer]++
		}
		_ = kp
	}
	kf.Covisibility = covis
	kf.LocalMapIDs = localMap
	s.assertInvariantsLocked()
	return nil
}

// CreateMapPoint2D registers a new bearing-only map point for a keypoint
// just extracted in frame, with frame as its sole (and first) observer.
// frame is usually still the in-flight current frame, not yet a keyframe, so
// this does not assert invariants: checkInvariantsLocked only walks
// s.keyframes, and the new map point's sole observer wouldn't be found
// there until CreateKeyframe promotes frame, which does assert.
func (s *Store) CreateMapPoint2D(frame *Frame, kp *Keypoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame.Keypoints[kp.ID] = kp
	s.mapPoints[kp.ID] = &MapPoint{ID: kp.ID, Observers: []FrameID{frame.ID}}
	frame.recountKeypoints()
}

// AddObservation records that kfid observes the existing map point kpid,
// wiring its keypoint kp into that keyframe's index.
func (s *Store) AddObservation(kfid FrameID, kpid KeypointID, kp *Keypoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kf, ok := s.keyframes[kfid]
	if !ok {
		return nil
	}
	mp, ok := s.mapPoints[kpid]
	if !ok {
		return nil
	}
	kf.Keypoints[kpid] = kp
	if !mp.hasObserver(kfid) {
		mp.Observers = append(mp.Observers, kfid)
	}
	kf.recountKeypoints()
	s.assertInvariantsLocked()
	return nil
}

// PromoteMapPoint3D sets world and flips is_3d on the map point and on
// every observer keyframe's copy of the corresponding keypoint, adjusting
// each touched frame's 2D/3D counters.
func (s *Store) PromoteMapPoint3D(kpid KeypointID, world r3.Vec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mp, ok := s.mapPoints[kpid]
	if !ok {
		return nil
	}
	mp.World = world
	mp.Is3D = true
	for _, kfid := range mp.Observers {
		kf, ok := s.keyframes[kfid]
		if !ok {
			continue
		}
		if kp, ok := kf.Keypoints[kpid]; ok && !kp.Is3D {
			kp.Is3D = true
			kf.recountKeypoints()
		}
	}
	if cur := s.currentFrame; cur != nil {
		if kp, ok := cur.Keypoints[kpid]; ok && !kp.Is3D {
			kp.Is3D = true
			cur.recountKeypoints()
		}
	}
	s.assertInvariantsLocked()
	return nil
}

// UpdateKeypointPixel updates kpid's observed pixel, undistorted pixel, and
// bearing on frame.
func (s *Store) UpdateKeypointPixel(frame *Frame, kpid KeypointID, pixel, undistorted spatial.Pixel, bearing r3.Vec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := frame.Keypoints[kpid]
	if !ok {
		return
	}
	kp.Pixel = pixel
	kp.UndistortedPixel = undistorted
	kp.Position = bearing
}

// CheckInvariants validates the invariants spec.md §3 requires to hold at
// every lock release. The Store also runs this check itself, inline, at the
// end of every structural mutation (assertInvariantsLocked below); this
// exported form is for callers that want to check without triggering the
// panic-on-violation behavior directly, e.g. tests asserting ShouldBeNil.
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkInvariantsLocked()
}

// assertInvariantsLocked panics with the violating *ErrInvariantViolation if
// the map's invariants are broken. Called with mu already held, at the end
// of every mutation that can touch already-persisted keyframes or map
// points: per spec.md, a violation here is a bug, not a recoverable
// condition, and must never be silently swallowed.
func (s *Store) assertInvariantsLocked() {
	if err := s.checkInvariantsLocked(); err != nil {
		panic(err)
	}
}

// checkInvariantsLocked is CheckInvariants' lock-free body, callable both
// under s.mu.RLock() (CheckInvariants) and under s.mu.Lock()
// (assertInvariantsLocked).
func (s *Store) checkInvariantsLocked() error {
	for kfid, kf := range s.keyframes {
		if kf.NbKeypoints != kf.Nb2DKpts+kf.Nb3DKpts {
			return &ErrInvariantViolation{Detail: fmt.Sprintf("kf %d: nb_keypoints mismatch", kfid)}
		}
		if kf.NbStereoKpts > kf.NbKeypoints {
			return &ErrInvariantViolation{Detail: fmt.Sprintf("kf %d: nb_stereo_kpts exceeds nb_keypoints", kfid)}
		}
		for kpid, kp := range kf.Keypoints {
			if !kp.Is3D {
				continue
			}
			mp, ok := s.mapPoints[kpid]
			if !ok || !mp.Is3D || mp.ID != kp.ID {
				return &ErrInvariantViolation{Detail: fmt.Sprintf("kp %d: 3D keypoint has no matching 3D map point", kpid)}
			}
		}
	}
	for kpid, mp := range s.mapPoints {
		seen := make(map[FrameID]struct{}, len(mp.Observers))
		for _, kfid := range mp.Observers {
			if _, dup := seen[kfid]; dup {
				return &ErrInvariantViolation{Detail: fmt.Sprintf("mp %d: duplicate observer %d", kpid, kfid)}
			}
			seen[kfid] = struct{}{}
			kf, ok := s.keyframes[kfid]
			if !ok {
				return &ErrInvariantViolation{Detail: fmt.Sprintf("mp %d: observer %d does not exist", kpid, kfid)}
			}
			if _, ok := kf.Keypoints[kpid]; !ok {
				return &ErrInvariantViolation{Detail: fmt.Sprintf("mp %d: observer %d missing keypoint", kpid, kfid)}
			}
		}
	}
	return nil
}
