package mapper

import (
	"github.com/fieldrobotics/vslam/kernel"
	"github.com/fieldrobotics/vslam/slammap"
	"github.com/fieldrobotics/vslam/spatial"
)

type relPose struct {
	rel    spatial.Pose
	relInv spatial.Pose
}

// temporalStep implements §4.4.2: triangulate the keyframe's still-2D
// keypoints against each map point's first observer, caching the relative
// pose per observer since consecutive keypoints usually share one. A map
// point only acquires a second observer once a later keyframe re-sees it,
// so the very first keyframe's points are naturally skipped below without a
// separate guard.
func (m *Mapper) temporalStep(kf *slammap.Frame) error {
	cache := make(map[slammap.FrameID]relPose)
	for kpid, kp := range kf.Keypoints {
		if kp.Is3D {
			continue
		}
		mp, ok := m.store.GetMapPoint(kpid)
		if !ok || len(mp.Observers) < 2 {
			continue
		}
		firstObserver := mp.Observers[0]
		if firstObserver == kf.ID {
			continue
		}
		observerFrame, ok := m.store.GetKeyframe(firstObserver)
		if !ok {
			continue
		}
		observerKp, ok := m.store.GetKeypoint(firstObserver, kpid)
		if !ok {
			continue
		}

		rp, ok := cache[firstObserver]
		if !ok {
			rel := observerFrame.Cw.Compose(kf.Wc)
			rp = relPose{rel: rel, relInv: rel.Inverse()}
			cache[firstObserver] = rp
		}

		leftP := kernel.ProjectionMatrix(m.leftCam, spatial.Identity())
		rightP := kernel.ProjectionMatrix(m.leftCam, rp.relInv)

		camPoint, _, err := kernel.Triangulate(observerKp.UndistortedPixel, kp.UndistortedPixel, leftP, rightP, m.triCache)
		if err != nil {
			m.logger.Debugw("temporal triangulation failed", "kpid", kpid, "err", err)
			continue
		}
		camPointCur := rp.relInv.Transform(camPoint)

		rotatedBearing := rp.rel.RotateOnly(kp.Position)
		rotatedPixel, _ := m.leftCam.ProjectUndistort(rotatedBearing)
		parallax := pixelDist(observerKp.UndistortedPixel, rotatedPixel)

		if parallax <= 20 {
			// Low-parallax failures are left in place for retry on a later keyframe.
			continue
		}

		reprojA, okA := m.leftCam.Project(camPoint)
		reprojB, okB := m.leftCam.Project(camPointCur)
		badDepth := camPoint.Z < 0 || camPointCur.Z < 0
		badReproj := !okA || !okB ||
			pixelDist(reprojA, observerKp.UndistortedPixel) > m.cfg.MaxReprojectionError ||
			pixelDist(reprojB, kp.UndistortedPixel) > m.cfg.MaxReprojectionError
		if badDepth || badReproj {
			if err := m.store.RemoveMapPointObs(kpid, kf.ID); err != nil {
				return err
			}
			continue
		}

		world := observerFrame.Wc.Transform(camPoint)
		if err := m.store.PromoteMapPoint3D(kpid, world); err != nil {
			return err
		}
	}
	return nil
}
