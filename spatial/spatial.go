// Package spatial provides the rigid-body pose and pinhole camera math
// shared by the tracker, mapper, and map store.
package spatial

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pixel is a 2D image-plane coordinate.
type Pixel struct {
	X, Y float64
}

// Pose is a rigid-body (SE(3)) transform: a rotation followed by a
// translation. Composition and inversion follow standard transform-group
// semantics so that a.Compose(b).Transform(p) == a.Transform(b.Transform(p)).
type Pose struct {
	Rotation    mgl64.Quat
	Translation mgl64.Vec3
}

// Identity returns the zero transform.
func Identity() Pose {
	return Pose{Rotation: mgl64.QuatIdent()}
}

// Transform applies the pose to a point, p' = R*p + t.
func (p Pose) Transform(v r3.Vec) r3.Vec {
	rotated := p.Rotation.Rotate(mgl64.Vec3{v.X, v.Y, v.Z})
	return r3.Vec{
		X: rotated[0] + p.Translation[0],
		Y: rotated[1] + p.Translation[1],
		Z: rotated[2] + p.Translation[2],
	}
}

// RotateOnly applies the pose's rotation to a direction vector, ignoring
// translation — used for bearings, which have no fixed origin.
func (p Pose) RotateOnly(v r3.Vec) r3.Vec {
	rotated := p.Rotation.Rotate(mgl64.Vec3{v.X, v.Y, v.Z})
	return r3.Vec{X: rotated[0], Y: rotated[1], Z: rotated[2]}
}

// Compose returns a pose equivalent to applying other first, then p:
// p.Compose(other).Transform(v) == p.Transform(other.Transform(v)).
func (p Pose) Compose(other Pose) Pose {
	rot := p.Rotation.Mul(other.Rotation)
	t := p.Transform(r3.Vec{X: other.Translation[0], Y: other.Translation[1], Z: other.Translation[2]})
	return Pose{Rotation: rot, Translation: mgl64.Vec3{t.X, t.Y, t.Z}}
}

// Inverse returns the pose such that p.Compose(p.Inverse()) is the identity.
func (p Pose) Inverse() Pose {
	rinv := p.Rotation.Inverse()
	negT := rinv.Rotate(mgl64.Vec3{-p.Translation[0], -p.Translation[1], -p.Translation[2]})
	return Pose{Rotation: rinv, Translation: negT}
}

// Point returns the pose's translation component as a plain vector.
func (p Pose) Point() r3.Vec {
	return r3.Vec{X: p.Translation[0], Y: p.Translation[1], Z: p.Translation[2]}
}

// Mat4 returns the pose as a homogeneous 4x4 matrix, column-major as mathgl
// expects, useful when building projection matrices for triangulation.
func (p Pose) Mat4() mgl64.Mat4 {
	m := p.Rotation.Mat4()
	m[12], m[13], m[14] = p.Translation[0], p.Translation[1], p.Translation[2]
	return m
}

// Distortion holds radial/tangential distortion coefficients (k1, k2, p1,
// p2, k3). A nil or zero-length Distortion means the camera is ideal
// pinhole.
type Distortion []float64

// Intrinsics are the pinhole calibration parameters.
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
	Width  int
	Height int
}

// Camera is a single physical camera: intrinsics, optional distortion, and
// its extrinsic transform Ti0 from the reference (left) camera frame. Ti0
// is identity for the reference camera itself.
type Camera struct {
	Intrinsics Intrinsics
	Distortion Distortion
	Ti0        Pose
}

// Project maps a 3D point in this camera's frame to a pixel using the ideal
// pinhole model (no distortion applied). ok is false when the point is
// behind the camera (non-positive depth).
func (c Camera) Project(p r3.Vec) (Pixel, bool) {
	if p.Z <= 0 {
		return Pixel{}, false
	}
	return Pixel{
		X: c.Intrinsics.Fx*p.X/p.Z + c.Intrinsics.Cx,
		Y: c.Intrinsics.Fy*p.Y/p.Z + c.Intrinsics.Cy,
	}, true
}

// ProjectUndistort behaves like Project: it is the pixel an ideal
// (distortion-free) camera would observe for p. Keypoint.UndistortedPixel
// is always produced through this path, even on a distorted camera, so
// downstream geometry (parallax, triangulation) never has to invert the
// distortion model.
func (c Camera) ProjectUndistort(p r3.Vec) (Pixel, bool) {
	return c.Project(p)
}

// ProjectDistort maps a 3D point to the pixel a real (possibly distorted)
// sensor would record, applying the Brown-Conrady radial/tangential model
// when Distortion is populated.
func (c Camera) ProjectDistort(p r3.Vec) (Pixel, bool) {
	ideal, ok := c.Project(p)
	if !ok || len(c.Distortion) == 0 {
		return ideal, ok
	}
	xn := (ideal.X - c.Intrinsics.Cx) / c.Intrinsics.Fx
	yn := (ideal.Y - c.Intrinsics.Cy) / c.Intrinsics.Fy
	r2 := xn*xn + yn*yn
	k1, k2, p1, p2, k3 := coeff(c.Distortion, 0), coeff(c.Distortion, 1), coeff(c.Distortion, 2), coeff(c.Distortion, 3), coeff(c.Distortion, 4)
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := xn*radial + 2*p1*xn*yn + p2*(r2+2*xn*xn)
	yd := yn*radial + p1*(r2+2*yn*yn) + 2*p2*xn*yn
	return Pixel{
		X: xd*c.Intrinsics.Fx + c.Intrinsics.Cx,
		Y: yd*c.Intrinsics.Fy + c.Intrinsics.Cy,
	}, true
}

func coeff(d Distortion, i int) float64 {
	if i < len(d) {
		return d[i]
	}
	return 0
}

// InImage reports whether px falls within the camera's pixel bounds.
func (c Camera) InImage(px Pixel) bool {
	return px.X >= 0 && px.Y >= 0 && px.X < float64(c.Intrinsics.Width) && px.Y < float64(c.Intrinsics.Height)
}

// Unproject returns the unit bearing ray, in this camera's frame, for a
// pixel observation.
func (c Camera) Unproject(px Pixel) r3.Vec {
	x := (px.X - c.Intrinsics.Cx) / c.Intrinsics.Fx
	y := (px.Y - c.Intrinsics.Cy) / c.Intrinsics.Fy
	v := r3.Vec{X: x, Y: y, Z: 1}
	n := math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
	if n == 0 {
		return r3.Vec{Z: 1}
	}
	return r3.Scale(1/n, v)
}

// HalfFOVCosine returns cos(theta) where theta is the camera's half
// diagonal field of view, used by local-map matching's view-angle gate.
func (c Camera) HalfFOVCosine() float64 {
	halfDiag := math.Hypot(float64(c.Intrinsics.Width)/2, float64(c.Intrinsics.Height)/2)
	focal := (c.Intrinsics.Fx + c.Intrinsics.Fy) / 2
	return focal / math.Hypot(focal, halfDiag)
}
