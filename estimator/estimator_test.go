package estimator_test

import (
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"

	"go.viam.com/test"

	"github.com/fieldrobotics/vslam/estimator"
	"github.com/fieldrobotics/vslam/slammap"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := estimator.NewQueue(golog.NewTestLogger(t), 0)
	test.That(t, q.NewKeyframeAvailable(), test.ShouldBeFalse)

	kf1 := &slammap.Frame{ID: 1}
	kf2 := &slammap.Frame{ID: 2}
	q.Enqueue(kf1)
	q.Enqueue(kf2)
	test.That(t, q.NewKeyframeAvailable(), test.ShouldBeTrue)

	got1, ok := q.Dequeue()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got1.ID, test.ShouldEqual, uint64(1))
	test.That(t, q.NewKeyframeAvailable(), test.ShouldBeTrue)

	got2, ok := q.Dequeue()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got2.ID, test.ShouldEqual, uint64(2))
	test.That(t, q.NewKeyframeAvailable(), test.ShouldBeFalse)

	_, ok = q.Dequeue()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestReset(t *testing.T) {
	q := estimator.NewQueue(golog.NewTestLogger(t), 0)
	q.Enqueue(&slammap.Frame{ID: 1})
	q.Reset()
	test.That(t, q.NewKeyframeAvailable(), test.ShouldBeFalse)
	_, ok := q.Dequeue()
	test.That(t, ok, test.ShouldBeFalse)
}

type recordingSink struct {
	mu  sync.Mutex
	ids []slammap.FrameID
}

func (s *recordingSink) Consume(kf *slammap.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, kf.ID)
	return nil
}

func (s *recordingSink) snapshot() []slammap.FrameID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]slammap.FrameID(nil), s.ids...)
}

func TestRunDrainsIntoSink(t *testing.T) {
	q := estimator.NewQueue(golog.NewTestLogger(t), 0)
	sink := &recordingSink{}
	q.Run(sink)
	defer q.Stop()

	q.Enqueue(&slammap.Frame{ID: 1})
	q.Enqueue(&slammap.Frame{ID: 2})

	test.That(t, func() bool {
		for i := 0; i < 100; i++ {
			if len(sink.snapshot()) == 2 {
				return true
			}
			time.Sleep(5 * time.Millisecond)
		}
		return false
	}(), test.ShouldBeTrue)
	test.That(t, sink.snapshot(), test.ShouldResemble, []slammap.FrameID{1, 2})
}
