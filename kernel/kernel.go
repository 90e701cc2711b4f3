// Package kernel declares the pure mathematical contracts the SLAM core
// consumes from the outside: projection, unprojection, triangulation, and
// forward-backward optical flow. Per spec these are external collaborators;
// the geometry-only ones (projection, inversion, linear triangulation) are
// implemented here since they are pure functions over the data model, while
// the pyramidal Lucas-Kanade tracker is specified by interface only.
package kernel

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/fieldrobotics/vslam/spatial"
)

// ErrBehindCamera reports a triangulated point that falls behind one of its
// observing cameras. Triangulate does not check depth and does not return
// it; the Mapper's triangulation steps apply their own depth gates.
var ErrBehindCamera = errors.New("kernel: triangulated point behind camera")

// FramePose is the minimal view of a frame's pose a kernel function needs:
// enough to move points between world and camera coordinates without
// importing the map store (which in turn depends on kernel).
type FramePose interface {
	WorldFromCamera() spatial.Pose
	CameraFromWorld() spatial.Pose
}

// Project is the pinhole projection contract: a 3D point in camera
// coordinates to a pixel, ideal (no distortion).
func Project(cam spatial.Camera, point3 r3.Vec) (spatial.Pixel, bool) {
	return cam.Project(point3)
}

// ProjectUndistort projects point3 the way Keypoint.UndistortedPixel is
// produced: always through the ideal pinhole model.
func ProjectUndistort(cam spatial.Camera, point3 r3.Vec) (spatial.Pixel, bool) {
	return cam.ProjectUndistort(point3)
}

// InImage reports whether px lies within cam's pixel bounds.
func InImage(cam spatial.Camera, px spatial.Pixel) bool {
	return cam.InImage(px)
}

// ProjectWorldToCamera transforms a world-frame point into frame's camera
// coordinates.
func ProjectWorldToCamera(frame FramePose, world r3.Vec) r3.Vec {
	return frame.CameraFromWorld().Transform(world)
}

// ProjectCameraToWorld transforms a point in frame's camera coordinates into
// the world frame.
func ProjectCameraToWorld(frame FramePose, camPoint r3.Vec) r3.Vec {
	return frame.WorldFromCamera().Transform(camPoint)
}

// ProjectWorldToImageDistort projects a world point into frame's image
// plane using the (possibly distorted) sensor model, composing the
// world-to-camera transform with cam's distortion.
func ProjectWorldToImageDistort(frame FramePose, cam spatial.Camera, world r3.Vec) (spatial.Pixel, bool) {
	camPoint := ProjectWorldToCamera(frame, world)
	return cam.ProjectDistort(camPoint)
}

// InvSE3 returns the rigid inverse of an SE(3) pose.
func InvSE3(p spatial.Pose) spatial.Pose {
	return p.Inverse()
}

// TriangulateCache holds the reusable scratch matrix for the DLT linear
// triangulation solve, avoiding a fresh allocation per keypoint.
type TriangulateCache struct {
	a *mat.Dense
}

// NewTriangulateCache allocates a cache ready for repeated Triangulate calls.
func NewTriangulateCache() *TriangulateCache {
	return &TriangulateCache{a: mat.NewDense(4, 4, nil)}
}

// Triangulate recovers the homogeneous 3D point seen as pixelA by camera A
// (projection matrix pA) and pixelB by camera B (projection matrix pB),
// via the standard direct linear transform: stack the two cross-product
// constraints per view into a 4x4 matrix and take the right singular vector
// of smallest singular value as the homogeneous solution.
func Triangulate(pixelA, pixelB spatial.Pixel, pA, pB *mat.Dense, cache *TriangulateCache) (r3.Vec, float64, error) {
	if cache == nil {
		cache = NewTriangulateCache()
	}
	a := cache.a
	fillDLTRow(a, 0, pixelA.X, pA, 0)
	fillDLTRow(a, 1, pixelA.Y, pA, 1)
	fillDLTRow(a, 2, pixelB.X, pB, 0)
	fillDLTRow(a, 3, pixelB.Y, pB, 1)

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vec{}, 0, fmt.Errorf("kernel: triangulation SVD failed to factorize")
	}
	var v mat.Dense
	svd.VTo(&v)
	// Smallest singular value's right singular vector is the last column.
	w := v.At(3, 3)
	if w == 0 {
		return r3.Vec{}, 0, fmt.Errorf("kernel: degenerate homogeneous triangulation")
	}
	x := v.At(0, 3) / w
	y := v.At(1, 3) / w
	z := v.At(2, 3) / w
	return r3.Vec{X: x, Y: y, Z: z}, z, nil
}

// fillDLTRow writes row `row` of the DLT constraint matrix for one
// (pixel-coordinate, projection-matrix) pair: coordinate * P[2,:] - P[axis,:].
func fillDLTRow(a *mat.Dense, row int, coord float64, p *mat.Dense, axis int) {
	for col := 0; col < 4; col++ {
		a.Set(row, col, coord*p.At(2, col)-p.At(axis, col))
	}
}

// ProjectionMatrix builds the 3x4 camera projection matrix K*[R|t] for a
// camera with the given pose (world-from-camera inverse, i.e. the
// camera-from-world extrinsic) and intrinsics.
func ProjectionMatrix(cam spatial.Camera, cameraFromReference spatial.Pose) *mat.Dense {
	k := mat.NewDense(3, 3, []float64{
		cam.Intrinsics.Fx, 0, cam.Intrinsics.Cx,
		0, cam.Intrinsics.Fy, cam.Intrinsics.Cy,
		0, 0, 1,
	})
	m := cameraFromReference.Mat4()
	rt := mat.NewDense(3, 4, []float64{
		m[0], m[4], m[8], m[12],
		m[1], m[5], m[9], m[13],
		m[2], m[6], m[10], m[14],
	})
	var p mat.Dense
	p.Mul(k, rt)
	return &p
}

// Tracker is the forward-backward Lucas-Kanade pyramidal optical-flow
// contract: given the previous and current images and a set of prior pixel
// positions in the current image, it returns the tracked pixel for each
// prior plus a per-keypoint success flag. The real pyramidal LK
// implementation is out of scope; only the contract and a deterministic
// test double live here.
type Tracker interface {
	Track(prevImage, curImage Image, priors []spatial.Pixel, params KLTParams) ([]spatial.Pixel, []bool, error)
}

// Image is an opaque grayscale image handle; the real pixel buffer and
// pyramid construction are an external concern.
type Image interface {
	Bounds() (width, height int)
}

// KLTParams configures one forward-backward KLT pass.
type KLTParams struct {
	PyramidLevels   int
	PyramidSigma    float64
	WindowSize      int
	MaxFBDistance   float64
	ShallowPyramid  bool
}

// NearestNeighborTracker is a deterministic Tracker test double: it reports
// every prior as successfully tracked at its given position, unless it
// falls outside the current image bounds. It exists to drive front-end
// tests without a real pyramidal LK implementation.
type NearestNeighborTracker struct{}

// Track implements Tracker.
func (NearestNeighborTracker) Track(_, curImage Image, priors []spatial.Pixel, _ KLTParams) ([]spatial.Pixel, []bool, error) {
	w, h := curImage.Bounds()
	out := make([]spatial.Pixel, len(priors))
	status := make([]bool, len(priors))
	for i, p := range priors {
		out[i] = p
		status[i] = p.X >= 0 && p.Y >= 0 && p.X < float64(w) && p.Y < float64(h)
	}
	return out, status, nil
}

// Extractor is the feature-extraction contract: given an image and a
// keypoint budget, it returns up to budget pixel locations of new features.
// The real detector/descriptor kernel is out of scope; only the contract
// and a deterministic test double live here.
type Extractor interface {
	Extract(image Image, budget int) ([]spatial.Pixel, error)
}

// GridExtractor is a deterministic Extractor test double: it lays out up
// to budget points on a regular grid covering the image.
type GridExtractor struct{}

// Extract implements Extractor.
func (GridExtractor) Extract(image Image, budget int) ([]spatial.Pixel, error) {
	w, h := image.Bounds()
	if budget <= 0 {
		return nil, nil
	}
	cols := 1
	for cols*cols < budget {
		cols++
	}
	rows := (budget + cols - 1) / cols
	out := make([]spatial.Pixel, 0, budget)
	for r := 0; r < rows && len(out) < budget; r++ {
		for c := 0; c < cols && len(out) < budget; c++ {
			out = append(out, spatial.Pixel{
				X: float64(w) * (float64(c) + 0.5) / float64(cols),
				Y: float64(h) * (float64(r) + 0.5) / float64(rows),
			})
		}
	}
	return out, nil
}
