package frontend_test

import (
	"testing"
	"time"

	"github.com/edaniels/golog"

	"go.viam.com/test"

	"github.com/fieldrobotics/vslam/frontend"
	"github.com/fieldrobotics/vslam/kernel"
	"github.com/fieldrobotics/vslam/runtimestate"
	"github.com/fieldrobotics/vslam/slammap"
	"github.com/fieldrobotics/vslam/spatial"
)

type fakeImage struct{ w, h int }

func (f fakeImage) Bounds() (int, int) { return f.w, f.h }

func testCamera() spatial.Camera {
	return spatial.Camera{
		Intrinsics: spatial.Intrinsics{Fx: 400, Fy: 400, Cx: 320, Cy: 240, Width: 640, Height: 480},
	}
}

// recordingMapperSink is a frontend.MapperSink test double recording every
// job posted, so tests can assert the Front-End actually hands promoted
// keyframes off instead of only promoting them in the Map Store.
type recordingMapperSink struct {
	jobs []slammap.KeyFrameJob
}

func (s *recordingMapperSink) Enqueue(job slammap.KeyFrameJob) {
	s.jobs = append(s.jobs, job)
}

func newTracker(t *testing.T) (*frontend.Tracker, *slammap.Store, *runtimestate.State, *recordingMapperSink) {
	store := slammap.NewStore(golog.NewTestLogger(t))
	state := runtimestate.New()
	cfg := frontend.DefaultConfig()
	cfg.MaxNbKeypoints = 64
	sink := &recordingMapperSink{}
	tr := frontend.NewTracker(golog.NewTestLogger(t), store, testCamera(), cfg, kernel.NearestNeighborTracker{}, kernel.GridExtractor{}, state, sink)
	return tr, store, state, sink
}

// TestBootstrap exercises spec scenario 1: the first call to Track always
// promotes a keyframe and leaves vision_initialized false. It also exercises
// spec §2's data flow: promoting a keyframe must enqueue its job to the
// Mapper, not merely persist it in the Map Store.
func TestBootstrap(t *testing.T) {
	tr, store, state, sink := newTracker(t)
	left := fakeImage{w: 640, h: 480}
	right := fakeImage{w: 640, h: 480}
	promoted, err := tr.Track(left, right, time.Now())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, promoted, test.ShouldBeTrue)
	test.That(t, state.VisionInitialized(), test.ShouldBeFalse)

	stats := store.Stats()
	test.That(t, stats.Keyframes, test.ShouldEqual, 1)
	test.That(t, stats.MapPoints3D, test.ShouldEqual, 0)

	test.That(t, len(sink.jobs), test.ShouldEqual, 1)
	test.That(t, sink.jobs[0].KfID, test.ShouldEqual, uint64(1))
	test.That(t, sink.jobs[0].LeftImage, test.ShouldEqual, left)
	test.That(t, sink.jobs[0].RightImage, test.ShouldEqual, right)
}

// TestResetOnDrift exercises spec scenario 3: a degenerate second frame
// drives nb_keypoints below 50 and sets reset_required.
func TestResetOnDrift(t *testing.T) {
	tr, _, state, sink := newTracker(t)
	_, err := tr.Track(fakeImage{w: 640, h: 480}, nil, time.Now())
	test.That(t, err, test.ShouldBeNil)

	// A degenerate image too small to contain any tracked prior pixel
	// fails every KLT track, mimicking a blank/black frame.
	promoted, err := tr.Track(fakeImage{w: 1, h: 1}, nil, time.Now().Add(time.Second))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, promoted, test.ShouldBeFalse)
	test.That(t, state.ResetRequired(), test.ShouldBeTrue)

	// Bootstrap promoted once; the failed second tick must not enqueue
	// another job.
	test.That(t, len(sink.jobs), test.ShouldEqual, 1)
}
