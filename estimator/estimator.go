// Package estimator implements the bounded handoff queue between the
// Mapper and the external bundle-adjustment estimator.
package estimator

import (
	"context"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"github.com/fieldrobotics/vslam/slammap"
)

// DefaultCapacity is the channel capacity NewQueue falls back to when given
// a non-positive value.
const DefaultCapacity = 64

// Sink is the consumer-side contract a real bundle-adjustment estimator
// implements; tests substitute a fake.
type Sink interface {
	Consume(kf *slammap.Frame) error
}

// Queue is a bounded, channel-backed FIFO of finished keyframes: the Mapper
// enqueues, and a consumer goroutine (started via Run) drains it into a
// Sink. Capacity bounds how far the Mapper can run ahead of a slow
// estimator; Enqueue blocks once it's full, exerting backpressure on the
// Mapper's own run loop rather than growing without limit.
type Queue struct {
	logger golog.Logger
	items  chan *slammap.Frame

	workers *goutils.StoppableWorkers
}

// NewQueue constructs an empty handoff queue buffered to capacity slots.
// A non-positive capacity falls back to DefaultCapacity.
func NewQueue(logger golog.Logger, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{logger: logger, items: make(chan *slammap.Frame, capacity)}
}

// Enqueue appends a finished keyframe, producer-side (the Mapper). Blocks
// once the queue is at capacity.
func (q *Queue) Enqueue(kf *slammap.Frame) {
	q.items <- kf
}

// Dequeue pops the oldest keyframe, FIFO. ok is false when empty.
func (q *Queue) Dequeue() (*slammap.Frame, bool) {
	select {
	case kf := <-q.items:
		return kf, true
	default:
		return nil, false
	}
}

// NewKeyframeAvailable reports whether the queue currently holds at least
// one keyframe.
func (q *Queue) NewKeyframeAvailable() bool {
	return len(q.items) > 0
}

// Reset drains the queue.
func (q *Queue) Reset() {
	for {
		select {
		case <-q.items:
		default:
			return
		}
	}
}

// Run starts the consumer goroutine draining the queue into sink, blocking
// on the channel itself rather than polling. Call Stop to shut down and
// join.
func (q *Queue) Run(sink Sink) {
	q.workers = goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case kf := <-q.items:
				if err := sink.Consume(kf); err != nil {
					q.logger.Warnw("estimator failed to consume keyframe", "kfid", kf.ID, "err", err)
				}
			}
		}
	})
}

// Stop joins the consumer goroutine, forwarding shutdown from the Mapper.
func (q *Queue) Stop() {
	if q.workers != nil {
		q.workers.Stop()
	}
}
