// Package slammap is the thread-safe store of frames, keyframes, keypoints,
// and map points: the single custodian of the SLAM map's persistent state.
package slammap

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/fieldrobotics/vslam/spatial"
)

// FrameID identifies a Frame. Keyframe ids are drawn from the same
// monotonic sequence: a keyframe's id is the id of the Frame it was
// promoted from.
type FrameID = uint64

// KeypointID identifies a Keypoint, globally unique across the map's
// lifetime. A MapPoint reuses the id of the keypoint that first observed it.
type KeypointID = uint64

// Keypoint is one tracked image feature.
type Keypoint struct {
	ID                KeypointID
	Pixel             spatial.Pixel
	UndistortedPixel  spatial.Pixel
	RightPixel        *spatial.Pixel // non-nil when stereo-matched
	Position          r3.Vec         // unit bearing ray in camera frame
	Is3D              bool
	Descriptor        []byte
}

// Clone returns a deep copy safe to hand out past a lock release.
func (k *Keypoint) Clone() *Keypoint {
	if k == nil {
		return nil
	}
	c := *k
	if k.RightPixel != nil {
		rp := *k.RightPixel
		c.RightPixel = &rp
	}
	if k.Descriptor != nil {
		c.Descriptor = append([]byte(nil), k.Descriptor...)
	}
	return &c
}

// MapPoint is a 3D (or still-2D bearing-only) landmark, identified by the
// id of the keypoint that first observed it.
type MapPoint struct {
	ID         KeypointID
	World      r3.Vec
	Is3D       bool
	Observers  []FrameID // ordered; Observers[0] is the canonical first observer
	Descriptor []byte
}

// Clone returns a deep copy safe to hand out past a lock release.
func (m *MapPoint) Clone() *MapPoint {
	if m == nil {
		return nil
	}
	c := *m
	c.Observers = append([]FrameID(nil), m.Observers...)
	if m.Descriptor != nil {
		c.Descriptor = append([]byte(nil), m.Descriptor...)
	}
	return &c
}

// hasObserver reports whether kfid is already in the observer list.
func (m *MapPoint) hasObserver(kfid FrameID) bool {
	for _, o := range m.Observers {
		if o == kfid {
			return true
		}
	}
	return false
}

// Frame is one tracked image: either the ephemeral current frame or a
// persisted keyframe.
type Frame struct {
	ID    FrameID
	KfID  FrameID // reference keyframe this frame tracked against (0 if none yet)
	Wc    spatial.Pose
	Cw    spatial.Pose
	Keypoints map[KeypointID]*Keypoint

	NbKeypoints   int
	Nb2DKpts      int
	Nb3DKpts      int
	NbStereoKpts  int

	Covisibility map[FrameID]int // keyframe id -> shared observation count
	LocalMapIDs  map[KeypointID]struct{}
}

// WorldFromCamera implements kernel.FramePose.
func (f *Frame) WorldFromCamera() spatial.Pose { return f.Wc }

// CameraFromWorld implements kernel.FramePose.
func (f *Frame) CameraFromWorld() spatial.Pose { return f.Cw }

func newFrame(id FrameID) *Frame {
	return &Frame{
		ID:           id,
		Wc:           spatial.Identity(),
		Cw:           spatial.Identity(),
		Keypoints:    make(map[KeypointID]*Keypoint),
		Covisibility: make(map[FrameID]int),
		LocalMapIDs:  make(map[KeypointID]struct{}),
	}
}

// SetPose sets both redundant pose halves from a world-from-camera pose.
func (f *Frame) SetPose(wc spatial.Pose) {
	f.Wc = wc
	f.Cw = wc.Inverse()
}

func (f *Frame) recountKeypoints() {
	f.NbKeypoints, f.Nb2DKpts, f.Nb3DKpts, f.NbStereoKpts = 0, 0, 0, 0
	for _, kp := range f.Keypoints {
		f.NbKeypoints++
		if kp.Is3D {
			f.Nb3DKpts++
		} else {
			f.Nb2DKpts++
		}
		if kp.RightPixel != nil {
			f.NbStereoKpts++
		}
	}
}

// KeyFrameJob is the message the Front-End posts to the Mapper's queue.
type KeyFrameJob struct {
	KfID        FrameID
	LeftImage   interface{} // optional precomputed left-image pyramid
	RightImage  interface{} // optional right stereo image
}
