// Package mapper implements the background map-maintenance worker: stereo
// and temporal triangulation, the reset gate, covisibility bookkeeping, and
// local-map matching, handing finished keyframes off to the Estimator.
package mapper

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/fieldrobotics/vslam/estimator"
	"github.com/fieldrobotics/vslam/kernel"
	"github.com/fieldrobotics/vslam/runtimestate"
	"github.com/fieldrobotics/vslam/slammap"
	"github.com/fieldrobotics/vslam/spatial"
)

const pollInterval = 5 * time.Millisecond

// Mapper is the background worker described in spec §4.4: it drains a FIFO
// of finished keyframe jobs and runs the heavy per-keyframe map maintenance
// the Front-End cannot afford to do inline.
type Mapper struct {
	logger golog.Logger
	store  *slammap.Store
	cfg    Config
	state  *runtimestate.State

	leftCam, rightCam spatial.Camera
	stereoTracker     kernel.Tracker
	stereoKLTParams   kernel.KLTParams
	triCache          *kernel.TriangulateCache

	estimatorQueue *estimator.Queue
	sink           estimator.Sink

	queueMu sync.Mutex
	queue   []slammap.KeyFrameJob

	workers *goutils.StoppableWorkers
}

// NewMapper constructs a Mapper. state is the runtime block shared with the
// Front-End (vision_initialized, reset_required, p3p_required). sink is the
// real bundle-adjustment consumer; a nil sink falls back to one that just
// logs receipt, for standalone operation and tests.
func NewMapper(
	logger golog.Logger,
	store *slammap.Store,
	cfg Config,
	state *runtimestate.State,
	leftCam, rightCam spatial.Camera,
	stereoTracker kernel.Tracker,
	stereoKLTParams kernel.KLTParams,
	estimatorQueue *estimator.Queue,
	sink estimator.Sink,
) *Mapper {
	if sink == nil {
		sink = estimatorSink{logger}
	}
	return &Mapper{
		logger:          logger,
		store:           store,
		cfg:             cfg,
		state:           state,
		leftCam:         leftCam,
		rightCam:        rightCam,
		stereoTracker:   stereoTracker,
		stereoKLTParams: stereoKLTParams,
		triCache:        kernel.NewTriangulateCache(),
		estimatorQueue:  estimatorQueue,
		sink:            sink,
	}
}

// Enqueue posts a finished keyframe job to the Mapper's FIFO, producer-side
// (the Front-End). Thread-safe; never blocks.
func (m *Mapper) Enqueue(job slammap.KeyFrameJob) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.queue = append(m.queue, job)
}

func (m *Mapper) dequeue() (slammap.KeyFrameJob, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return slammap.KeyFrameJob{}, false
	}
	job := m.queue[0]
	m.queue = m.queue[1:]
	return job, true
}

func (m *Mapper) drainQueue() {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.queue = nil
}

// Start starts the Estimator queue's consumer, then spawns the Mapper's
// worker goroutine.
func (m *Mapper) Start() {
	m.estimatorQueue.Run(m.sink)
	m.workers = goutils.NewBackgroundStoppableWorkers(m.run)
}

// Stop stops and joins the worker, then stops and joins the Estimator
// queue's consumer.
func (m *Mapper) Stop() {
	if m.workers != nil {
		m.workers.Stop()
	}
	m.estimatorQueue.Stop()
}

func (m *Mapper) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok := m.dequeue()
		if !ok {
			if !goutils.SelectContextOrWait(ctx, pollInterval) {
				return
			}
			continue
		}
		if err := m.processKeyframe(job); err != nil {
			m.logger.Warnw("mapper failed to process keyframe", "kfid", job.KfID, "err", err)
		}
	}
}

// processKeyframe runs spec §4.4 steps 2-8 in order for one keyframe job,
// accumulating non-fatal per-stage errors rather than aborting partway.
func (m *Mapper) processKeyframe(job slammap.KeyFrameJob) error {
	kf, ok := m.store.GetKeyframe(job.KfID)
	if !ok {
		return nil // stale job past a concurrent reset; self-heal
	}

	var errs error
	if m.cfg.Stereo {
		if err := m.stereoStep(kf, job); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if kf.Nb2DKpts > 0 {
		if err := m.temporalStep(kf); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if m.state.VisionInitialized() {
		nb3D := kf.Nb3DKpts
		if (kf.ID == 1 && nb3D < 30) || (kf.ID < 10 && nb3D < 3) {
			m.state.SetResetRequired(true)
			m.drainQueue()
			return errs
		}
	}

	if err := m.store.UpdateFrameCovisibility(kf); err != nil {
		errs = multierr.Append(errs, err)
	}

	if m.cfg.DoLocalMatching && kf.ID > 1 {
		if err := m.localMapMatch(kf); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	m.estimatorQueue.Enqueue(kf)
	return errs
}

// estimatorSink is the default Sink used when no real bundle-adjustment
// estimator is wired in: it just logs receipt.
type estimatorSink struct {
	logger golog.Logger
}

// Consume implements estimator.Sink.
func (s estimatorSink) Consume(kf *slammap.Frame) error {
	s.logger.Debugw("estimator received keyframe", "kfid", kf.ID, "nb_3d_kpts", kf.Nb3DKpts)
	return nil
}
