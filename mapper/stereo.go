package mapper

import (
	"math"

	"github.com/fieldrobotics/vslam/kernel"
	"github.com/fieldrobotics/vslam/slammap"
	"github.com/fieldrobotics/vslam/spatial"
)

// stereoStep implements §4.4.1: pair left keypoints with right-image
// locations via optical flow, then triangulate the newly-formed pairs.
func (m *Mapper) stereoStep(kf *slammap.Frame, job slammap.KeyFrameJob) error {
	leftImg, okL := job.LeftImage.(kernel.Image)
	rightImg, okR := job.RightImage.(kernel.Image)
	if !okL || !okR {
		return nil
	}

	var candidates []*slammap.Keypoint
	var priors []spatial.Pixel
	for _, kp := range kf.Keypoints {
		if kp.RightPixel != nil {
			continue
		}
		candidates = append(candidates, kp)
		priors = append(priors, kp.UndistortedPixel)
	}
	if len(candidates) == 0 {
		return nil
	}

	matched, status, err := m.stereoTracker.Track(leftImg, rightImg, priors, m.stereoKLTParams)
	if err != nil {
		return err
	}

	formed := 0
	for i, kp := range candidates {
		if i < len(status) && status[i] {
			px := matched[i]
			kp.RightPixel = &px
			formed++
		}
	}
	if formed == 0 {
		return nil
	}

	leftP := kernel.ProjectionMatrix(m.leftCam, spatial.Identity())
	rightP := kernel.ProjectionMatrix(m.rightCam, m.rightCam.Ti0)

	for i, kp := range candidates {
		if i >= len(status) || !status[i] {
			continue
		}
		camPoint, _, err := kernel.Triangulate(kp.UndistortedPixel, *kp.RightPixel, leftP, rightP, m.triCache)
		if err != nil {
			m.logger.Warnw("stereo triangulation failed", "kpid", kp.ID, "err", err)
			if err := m.store.RemoveStereoKeypoint(kf, kp.ID); err != nil {
				return err
			}
			continue
		}

		camPointB := m.rightCam.Ti0.Transform(camPoint)
		if camPoint.Z < 0.1 || camPointB.Z < 0.1 {
			if err := m.store.RemoveStereoKeypoint(kf, kp.ID); err != nil {
				return err
			}
			continue
		}

		reprojA, okA := m.leftCam.Project(camPoint)
		reprojB, okB := m.rightCam.Project(camPointB)
		if !okA || !okB ||
			pixelDist(reprojA, kp.UndistortedPixel) > m.cfg.MaxReprojectionError ||
			pixelDist(reprojB, *kp.RightPixel) > m.cfg.MaxReprojectionError {
			if err := m.store.RemoveStereoKeypoint(kf, kp.ID); err != nil {
				return err
			}
			continue
		}

		world := kf.Wc.Transform(camPoint)
		if err := m.store.PromoteMapPoint3D(kp.ID, world); err != nil {
			return err
		}
	}
	return nil
}

func pixelDist(a, b spatial.Pixel) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
