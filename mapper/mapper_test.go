package mapper

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/spatial/r3"

	"go.viam.com/test"

	"github.com/fieldrobotics/vslam/estimator"
	"github.com/fieldrobotics/vslam/kernel"
	"github.com/fieldrobotics/vslam/runtimestate"
	"github.com/fieldrobotics/vslam/slammap"
	"github.com/fieldrobotics/vslam/spatial"
)

func testCamera() spatial.Camera {
	return spatial.Camera{
		Intrinsics: spatial.Intrinsics{Fx: 400, Fy: 400, Cx: 320, Cy: 240, Width: 640, Height: 480},
	}
}

// presetTracker is a kernel.Tracker test double returning a fixed matched
// pixel and status regardless of its priors, for pinning down exactly what
// the triangulation stages see.
type presetTracker struct {
	pixel  spatial.Pixel
	status bool
}

func (p presetTracker) Track(_, _ kernel.Image, priors []spatial.Pixel, _ kernel.KLTParams) ([]spatial.Pixel, []bool, error) {
	out := make([]spatial.Pixel, len(priors))
	status := make([]bool, len(priors))
	for i := range priors {
		out[i] = p.pixel
		status[i] = p.status
	}
	return out, status, nil
}

type fakeImage struct{}

func (fakeImage) Bounds() (int, int) { return 640, 480 }

func newTestMapper(t *testing.T) *Mapper {
	logger := golog.NewTestLogger(t)
	store := slammap.NewStore(logger)
	return &Mapper{
		logger:   logger,
		store:    store,
		cfg:      DefaultConfig(),
		state:    runtimestate.New(),
		leftCam:  testCamera(),
		rightCam: testCamera(),
		triCache: kernel.NewTriangulateCache(),
		estimatorQueue: estimator.NewQueue(logger, 0),
	}
}

// TestStereoTriangulationAcceptAndReject exercises spec scenario 4: a
// reprojection error under max_reprojection_error promotes the map point,
// while an error over it drops the stereo pairing.
func TestStereoTriangulationAcceptAndReject(t *testing.T) {
	baseline := spatial.Pose{Rotation: spatial.Identity().Rotation, Translation: mgl64.Vec3{0.1, 0, 0}}

	run := func(errorPixels float64) (rightPixelSet bool, is3D bool) {
		m := newTestMapper(t)
		m.rightCam.Ti0 = baseline
		m.cfg.MaxReprojectionError = 1.0

		world := r3.Vec{X: 0.3, Y: -0.2, Z: 3}
		leftPixel, ok := m.leftCam.Project(world)
		test.That(t, ok, test.ShouldBeTrue)
		rightCamPoint := baseline.Transform(world)
		rightPixel, ok := m.rightCam.Project(rightCamPoint)
		test.That(t, ok, test.ShouldBeTrue)
		// Offset along y: both cameras share their y projection, so this
		// cannot be absorbed as a depth change the way an x offset would.
		rightPixel.Y += errorPixels

		frame := m.store.NewCurrentFrame(0)
		kp := &slammap.Keypoint{ID: 1, Pixel: leftPixel, UndistortedPixel: leftPixel, Position: m.leftCam.Unproject(leftPixel)}
		m.store.CreateMapPoint2D(frame, kp)
		kf, err := m.store.CreateKeyframe()
		test.That(t, err, test.ShouldBeNil)

		m.stereoTracker = presetTracker{pixel: rightPixel, status: true}
		err = m.stereoStep(kf, slammap.KeyFrameJob{LeftImage: fakeImage{}, RightImage: fakeImage{}})
		test.That(t, err, test.ShouldBeNil)

		gotKp, _ := m.store.GetKeypoint(kf.ID, 1)
		mp, _ := m.store.GetMapPoint(1)
		return gotKp.RightPixel != nil, mp.Is3D
	}

	rightSet, is3D := run(0.5)
	test.That(t, rightSet, test.ShouldBeTrue)
	test.That(t, is3D, test.ShouldBeTrue)

	rightSet, is3D = run(5.0)
	test.That(t, rightSet, test.ShouldBeFalse)
	test.That(t, is3D, test.ShouldBeFalse)
}

// TestTemporalTriangulationDeferral exercises spec scenario 5: low parallax
// leaves the observation as a retryable 2D keypoint instead of dropping it.
func TestTemporalTriangulationDeferral(t *testing.T) {
	m := newTestMapper(t)

	frame1 := m.store.NewCurrentFrame(0)
	px := spatial.Pixel{X: 320, Y: 240}
	kp := &slammap.Keypoint{ID: 1, Pixel: px, UndistortedPixel: px, Position: m.leftCam.Unproject(px)}
	m.store.CreateMapPoint2D(frame1, kp)
	kf1, err := m.store.CreateKeyframe()
	test.That(t, err, test.ShouldBeNil)

	frame2 := m.store.NewCurrentFrame(kf1.ID)
	kp2 := kp.Clone()
	frame2.Keypoints[1] = kp2
	kf2, err := m.store.CreateKeyframe()
	test.That(t, err, test.ShouldBeNil)

	err = m.temporalStep(kf2)
	test.That(t, err, test.ShouldBeNil)

	mp, ok := m.store.GetMapPoint(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, mp.Is3D, test.ShouldBeFalse)
	_, stillObserved := m.store.GetKeypoint(kf2.ID, 1)
	test.That(t, stillObserved, test.ShouldBeTrue)
}

// TestLocalMapMatchMergesCloseCandidate exercises spec scenario 6: two map
// points with disjoint observers and matching descriptors within
// max_projection_distance merge, the surviving id being the best-match
// surrounding keypoint's id.
func TestLocalMapMatchMergesCloseCandidate(t *testing.T) {
	m := newTestMapper(t)
	m.cfg.MaxProjectionDistance = 10
	m.cfg.MaxDescriptorDistance = 50

	// oldKf holds the soon-to-be-duplicate point (1, never seen again
	// directly) plus a continuously tracked point (3) that keeps oldKf
	// covisible with newKf, so point 1 enters newKf's local map candidate
	// pool even though newKf never observed it.
	oldFrame := m.store.NewCurrentFrame(0)
	oldWorld := r3.Vec{X: 0, Y: 0, Z: 5}
	oldPixel, ok := m.leftCam.Project(oldWorld)
	test.That(t, ok, test.ShouldBeTrue)
	oldKp := &slammap.Keypoint{ID: 1, Pixel: oldPixel, UndistortedPixel: oldPixel, Position: m.leftCam.Unproject(oldPixel), Descriptor: []byte{0x0F}}
	m.store.CreateMapPoint2D(oldFrame, oldKp)
	sharedPixel := spatial.Pixel{X: 550, Y: 400}
	sharedKp := &slammap.Keypoint{ID: 3, Pixel: sharedPixel, UndistortedPixel: sharedPixel, Position: m.leftCam.Unproject(sharedPixel)}
	m.store.CreateMapPoint2D(oldFrame, sharedKp)
	oldKf, err := m.store.CreateKeyframe()
	test.That(t, err, test.ShouldBeNil)
	err = m.store.PromoteMapPoint3D(1, oldWorld)
	test.That(t, err, test.ShouldBeNil)
	err = m.store.UpdateFrameCovisibility(oldKf)
	test.That(t, err, test.ShouldBeNil)

	newFrame := m.store.NewCurrentFrame(oldKf.ID)
	newPixel := spatial.Pixel{X: oldPixel.X + 3, Y: oldPixel.Y}
	newKp := &slammap.Keypoint{ID: 2, Pixel: newPixel, UndistortedPixel: newPixel, Position: m.leftCam.Unproject(newPixel), Descriptor: []byte{0x0F}}
	m.store.CreateMapPoint2D(newFrame, newKp)
	newFrame.Keypoints[3] = sharedKp.Clone()
	newKf, err := m.store.CreateKeyframe()
	test.That(t, err, test.ShouldBeNil)

	err = m.store.UpdateFrameCovisibility(newKf)
	test.That(t, err, test.ShouldBeNil)

	err = m.localMapMatch(newKf)
	test.That(t, err, test.ShouldBeNil)

	_, oldStillThere := m.store.GetMapPoint(1)
	test.That(t, oldStillThere, test.ShouldBeFalse)
	merged, ok := m.store.GetMapPoint(2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, len(merged.Observers), test.ShouldEqual, 2)
}
