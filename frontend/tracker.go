// Package frontend implements the per-frame sparse optical-flow tracker:
// KLT tracking against the previous image, initialization-by-parallax
// detection, and the keyframe promotion trigger.
package frontend

import (
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"

	"github.com/fieldrobotics/vslam/kernel"
	"github.com/fieldrobotics/vslam/motion"
	"github.com/fieldrobotics/vslam/runtimestate"
	"github.com/fieldrobotics/vslam/slammap"
	"github.com/fieldrobotics/vslam/spatial"
)

// SteadyStatePolicy decides, once the map is initialized, whether the
// current frame should be promoted to a keyframe. Spec.md leaves the
// precise steady-state criterion as an open question ("a stub in the
// source"); NewTracker installs DeferredPolicy, which always defers.
type SteadyStatePolicy interface {
	NeedsKeyframe(cur *slammap.Frame, ref *slammap.Frame) bool
}

// DeferredPolicy never requests a keyframe on its own; it leaves the
// decision to the Mapper's downstream heuristics, per spec §4.3 step 6.
type DeferredPolicy struct{}

// NeedsKeyframe implements SteadyStatePolicy.
func (DeferredPolicy) NeedsKeyframe(*slammap.Frame, *slammap.Frame) bool { return false }

// MapperSink is the subset of *mapper.Mapper the Front-End needs: posting a
// promoted keyframe's job to the Mapper's queue. Kept as a small interface,
// the way kernel.FramePose lets slammap.Frame satisfy kernel without an
// import back from kernel, so frontend never has to import mapper's own
// dependency set.
type MapperSink interface {
	Enqueue(job slammap.KeyFrameJob)
}

// Tracker is the Front-End's single public entry point, §4.3.
type Tracker struct {
	logger    golog.Logger
	store     *slammap.Store
	camera    spatial.Camera
	cfg       Config
	klt       kernel.Tracker
	extractor kernel.Extractor
	motion    *motion.Model
	policy    SteadyStatePolicy
	state     *runtimestate.State
	mapper    MapperSink

	nextKpID uint64

	prevFrame *slammap.Frame
	prevImage kernel.Image
	curImage  kernel.Image
	curRight  kernel.Image
	lastKfID  slammap.FrameID
}

// NewTracker constructs a Front-End tracker. state is the runtime block
// shared with the Mapper (vision_initialized, reset_required, p3p_required).
// mapper receives every keyframe this Tracker promotes, per spec §2's
// data flow ("enqueues a keyframe job to the Mapper"); a nil mapper leaves
// promotion purely a Map Store operation, for standalone operation and
// tests that only exercise the Front-End in isolation.
func NewTracker(logger golog.Logger, store *slammap.Store, camera spatial.Camera, cfg Config, klt kernel.Tracker, extractor kernel.Extractor, state *runtimestate.State, mapper MapperSink) *Tracker {
	return &Tracker{
		logger:    logger,
		store:     store,
		camera:    camera,
		cfg:       cfg,
		klt:       klt,
		extractor: extractor,
		motion:    motion.New(),
		policy:    DeferredPolicy{},
		state:     state,
		mapper:    mapper,
	}
}

// enqueueKeyframeJob hands kf off to the Mapper, per spec §2: the Front-End
// promotes, then enqueues a job carrying whatever image data the Mapper's
// stereo step (§4.4.1) needs. rightImage is nil when this tick had none.
func (t *Tracker) enqueueKeyframeJob(kf *slammap.Frame, leftImage, rightImage kernel.Image) {
	if t.mapper == nil {
		return
	}
	job := slammap.KeyFrameJob{KfID: kf.ID}
	if leftImage != nil {
		job.LeftImage = leftImage
	}
	if rightImage != nil {
		job.RightImage = rightImage
	}
	t.mapper.Enqueue(job)
}

func (t *Tracker) newKeypointID() slammap.KeypointID {
	return atomic.AddUint64(&t.nextKpID, 1)
}

// Track is the Front-End's public entry point. It returns true when a new
// keyframe was promoted this call. rightImage is the paired stereo frame,
// nil for monocular operation; either way it travels into the Mapper's
// keyframe job (§4.4.1) on every promotion.
func (t *Tracker) Track(image, rightImage kernel.Image, at time.Time) (bool, error) {
	// 1. Preprocess: rotate image buffers.
	t.prevImage, t.curImage = t.curImage, image
	t.curRight = rightImage

	// 2. Bootstrap.
	if t.prevFrame == nil {
		return t.bootstrap(image)
	}

	// 3. Pose prior.
	predicted := t.motion.Predict(t.prevFrame.Wc, at)
	cur := t.store.NewCurrentFrame(t.lastKfID)
	cur.SetPose(predicted)

	// 4. KLT tracking.
	t.kltTrack(cur)

	// 5. Initialization gate.
	if !t.state.VisionInitialized() {
		return t.checkInitialization(cur)
	}

	// 6. Steady state.
	ref, _ := t.store.GetKeyframe(t.lastKfID)
	if t.policy.NeedsKeyframe(cur, ref) {
		kf, err := t.store.CreateKeyframe()
		if err != nil {
			t.prevFrame = cur
			return false, err
		}
		t.lastKfID = kf.ID
		t.prevFrame = kf
		t.enqueueKeyframeJob(kf, t.curImage, t.curRight)
		return true, nil
	}
	t.prevFrame = cur
	return false, nil
}

func (t *Tracker) bootstrap(image kernel.Image) (bool, error) {
	frame := t.store.NewCurrentFrame(0)
	pixels, err := t.extractor.Extract(image, t.cfg.MaxNbKeypoints)
	if err != nil {
		return false, err
	}
	for _, px := range pixels {
		bearing := t.camera.Unproject(px)
		undist, _ := t.camera.ProjectUndistort(bearing)
		kp := &slammap.Keypoint{
			ID:               t.newKeypointID(),
			Pixel:            px,
			UndistortedPixel: undist,
			Position:         bearing,
		}
		t.store.CreateMapPoint2D(frame, kp)
	}
	kf, err := t.store.CreateKeyframe()
	if err != nil {
		return false, err
	}
	t.lastKfID = kf.ID
	t.prevFrame = kf
	t.enqueueKeyframeJob(kf, t.curImage, t.curRight)
	return true, nil
}

type kltCandidate struct {
	kpid  slammap.KeypointID
	kp    *slammap.Keypoint
	prior spatial.Pixel
}

// kltTrack partitions the previous frame's keypoints into 3D-prior and
// plain-prior groups, runs forward-backward KLT first on the 3D priors
// with a shallow pyramid, then on the plain priors plus any 3D-prior
// failures with the full pyramid, and applies results to cur. Sets
// p3p_required when fewer than a third of 3D priors are tracked. §4.3 step 4.
func (t *Tracker) kltTrack(cur *slammap.Frame) {
	var group3D, groupPlain []kltCandidate
	for kpid, kp := range t.prevFrame.Keypoints {
		if t.cfg.UsePrior && kp.Is3D {
			if mp, ok := t.store.GetMapPoint(kpid); ok && mp.Is3D {
				if px, ok := kernel.ProjectWorldToImageDistort(cur, t.camera, mp.World); ok {
					group3D = append(group3D, kltCandidate{kpid, kp, px})
					continue
				}
			}
		}
		groupPlain = append(groupPlain, kltCandidate{kpid, kp, kp.UndistortedPixel})
	}

	shallow := kernel.KLTParams{
		PyramidLevels:  1,
		WindowSize:     t.cfg.WindowSize,
		MaxFBDistance:  t.cfg.MaxKLTDistance,
		ShallowPyramid: true,
	}
	full := kernel.KLTParams{
		PyramidLevels: t.cfg.PyramidLevels,
		PyramidSigma:  t.cfg.PyramidSigma,
		WindowSize:    t.cfg.WindowSize,
		MaxFBDistance: t.cfg.MaxKLTDistance,
	}

	priors3D := make([]spatial.Pixel, len(group3D))
	for i, c := range group3D {
		priors3D[i] = c.prior
	}
	tracked3D, status3D, err := t.klt.Track(t.prevImage, t.curImage, priors3D, shallow)
	if err != nil {
		status3D = make([]bool, len(group3D))
	}

	nb3DSuccess := 0
	secondPass := append([]kltCandidate(nil), groupPlain...)
	for i, c := range group3D {
		if i < len(status3D) && status3D[i] {
			nb3DSuccess++
			t.applyTrackedKeypoint(c.kp, tracked3D[i])
			continue
		}
		// Retry 3D-prior failures alongside plain priors, full pyramid.
		secondPass = append(secondPass, kltCandidate{c.kpid, c.kp, c.kp.UndistortedPixel})
	}

	if len(group3D) > 0 && float64(nb3DSuccess)/float64(len(group3D)) < 0.33 {
		t.state.SetP3PRequired(true)
	}

	priors2 := make([]spatial.Pixel, len(secondPass))
	for i, c := range secondPass {
		priors2[i] = c.prior
	}
	tracked2, status2, err := t.klt.Track(t.prevImage, t.curImage, priors2, full)
	if err != nil {
		status2 = make([]bool, len(secondPass))
	}
	for i, c := range secondPass {
		if i < len(status2) && status2[i] {
			t.applyTrackedKeypoint(c.kp, tracked2[i])
			continue
		}
		if err := t.store.RemoveObsFromCurrentFrame(c.kpid); err != nil {
			t.logger.Warnw("failed to drop tracking observation", "kpid", c.kpid, "err", err)
		}
	}
}

func (t *Tracker) applyTrackedKeypoint(old *slammap.Keypoint, newPixel spatial.Pixel) {
	bearing := t.camera.Unproject(newPixel)
	undist, _ := t.camera.ProjectUndistort(bearing)
	newKp := old.Clone()
	newKp.Pixel = newPixel
	newKp.UndistortedPixel = undist
	newKp.Position = bearing
	t.store.SetCurrentFrameKeypoint(newKp)
}

// checkInitialization implements §4.3 step 5.
func (t *Tracker) checkInitialization(cur *slammap.Frame) (bool, error) {
	if cur.NbKeypoints < 50 {
		t.state.SetResetRequired(true)
		t.prevFrame = cur
		return false, nil
	}

	ref, _ := t.store.GetKeyframe(t.lastKfID)
	p := Parallax(cur, ref, t.camera, ParallaxOptions{})
	if p > t.cfg.InitialParallax && cur.NbKeypoints >= 8 {
		t.state.SetVisionInitialized(true)
		kf, err := t.store.CreateKeyframe()
		if err != nil {
			t.prevFrame = cur
			return false, err
		}
		t.lastKfID = kf.ID
		t.prevFrame = kf
		t.enqueueKeyframeJob(kf, t.curImage, t.curRight)
		return true, nil
	}
	t.prevFrame = cur
	return false, nil
}
