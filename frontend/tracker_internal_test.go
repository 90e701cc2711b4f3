package frontend

import (
	"testing"

	"github.com/edaniels/golog"

	"go.viam.com/test"

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

// TestCheckInitializationFlipsOnSufficientParallax exercises spec scenario 2
// directly against checkInitialization, sidestepping the (deterministic but
// motion-blind) NearestNeighborTracker test double used elsewhere: it seeds
// 60 common keypoints shifted 30px in x between the reference keyframe and
// the current frame, well past initial_parallax = 20.
func TestCheckInitializationFlipsOnSufficientParallax(t *testing.T) {
	store := slammap.NewStore(golog.NewTestLogger(t))
	cam := testCamera()
	state := runtimestate.New()
	tr := NewTracker(golog.NewTestLogger(t), store, cam, DefaultConfig(), kernel.NearestNeighborTracker{}, kernel.GridExtractor{}, state, nil)

	refFrame := store.NewCurrentFrame(0)
	for i := uint64(1); i <= 60; i++ {
		px := spatial.Pixel{X: float64(i%10)*40 + 50, Y: float64(i/10)*40 + 50}
		kp := &slammap.Keypoint{ID: i, Pixel: px, UndistortedPixel: px, Position: cam.Unproject(px)}
		store.CreateMapPoint2D(refFrame, kp)
	}
	refKf, err := store.CreateKeyframe()
	test.That(t, err, test.ShouldBeNil)
	tr.lastKfID = refKf.ID

	cur := store.NewCurrentFrame(refKf.ID)
	for kpid, refKp := range refKf.Keypoints {
		shifted := spatial.Pixel{X: refKp.UndistortedPixel.X + 30, Y: refKp.UndistortedPixel.Y}
		kp := &slammap.Keypoint{ID: kpid, Pixel: shifted, UndistortedPixel: shifted, Position: cam.Unproject(shifted)}
		store.SetCurrentFrameKeypoint(kp)
	}

	promoted, err := tr.checkInitialization(cur)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, promoted, test.ShouldBeTrue)
	test.That(t, state.VisionInitialized(), test.ShouldBeTrue)
}

func TestCheckInitializationRequestsResetOnTooFewKeypoints(t *testing.T) {
	store := slammap.NewStore(golog.NewTestLogger(t))
	cam := testCamera()
	state := runtimestate.New()
	tr := NewTracker(golog.NewTestLogger(t), store, cam, DefaultConfig(), kernel.NearestNeighborTracker{}, kernel.GridExtractor{}, state, nil)

	refFrame := store.NewCurrentFrame(0)
	kp := &slammap.Keypoint{ID: 1, Pixel: spatial.Pixel{X: 100, Y: 100}, UndistortedPixel: spatial.Pixel{X: 100, Y: 100}}
	store.CreateMapPoint2D(refFrame, kp)
	refKf, err := store.CreateKeyframe()
	test.That(t, err, test.ShouldBeNil)
	tr.lastKfID = refKf.ID

	cur := store.NewCurrentFrame(refKf.ID)

	promoted, err := tr.checkInitialization(cur)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, promoted, test.ShouldBeFalse)
	test.That(t, state.VisionInitialized(), test.ShouldBeFalse)
	test.That(t, state.ResetRequired(), test.ShouldBeTrue)
}
