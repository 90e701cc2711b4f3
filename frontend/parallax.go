package frontend

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/fieldrobotics/vslam/slammap"
	"github.com/fieldrobotics/vslam/spatial"
)

// ParallaxOptions configures one parallax computation (spec §4.3.1).
type ParallaxOptions struct {
	// Only2D restricts the comparison to keypoints not yet promoted to 3D.
	Only2D bool
	// CompensateRotation projects the rotated current bearing into the
	// reference keyframe instead of comparing raw undistorted pixels.
	CompensateRotation bool
	// UseMean selects the mean instead of the default median.
	UseMean bool
}

// Parallax computes the average pixel-space parallax between cur and ref
// over their common keypoints. It is undefined (returns 0) when no common
// keypoints exist, and is zero whenever cur and ref are identical frames
// with CompensateRotation off.
func Parallax(cur, ref *slammap.Frame, cam spatial.Camera, opts ParallaxOptions) float64 {
	var relRotation spatial.Pose
	if opts.CompensateRotation {
		relRotation = ref.Cw.Compose(cur.Wc)
	}

	samples := make([]float64, 0, len(ref.Keypoints))
	for kpid, refKp := range ref.Keypoints {
		if opts.Only2D && refKp.Is3D {
			continue
		}
		curKp, ok := cur.Keypoints[kpid]
		if !ok {
			continue
		}
		var curPixel spatial.Pixel
		if opts.CompensateRotation {
			rotated := relRotation.RotateOnly(curKp.Position)
			curPixel, ok = cam.ProjectUndistort(rotated)
			if !ok {
				continue
			}
		} else {
			curPixel = curKp.UndistortedPixel
		}
		dx := refKp.UndistortedPixel.X - curPixel.X
		dy := refKp.UndistortedPixel.Y - curPixel.Y
		samples = append(samples, math.Hypot(dx, dy))
	}

	if len(samples) == 0 {
		return 0
	}
	if opts.UseMean {
		return stat.Mean(samples, nil)
	}
	sort.Float64s(samples)
	return stat.Quantile(0.5, stat.Empirical, samples, nil)
}
