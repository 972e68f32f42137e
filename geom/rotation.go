package geom

import "math"

type Quaternion = Vector4

func NewQuaternion(x, y, z, w Element) *Quaternion {
	return &Quaternion{X: x, Y: y, Z: z, W: w}
}

func (v *Vector4) Add(v2 *Vector4) *Vector4 {
	return &Vector4{X: v.X + v2.X, Y: v.Y + v2.Y, Z: v.Z + v2.Z, W: v.W + v2.W}
}

func (v *Vector4) Sub(v2 *Vector4) *Vector4 {
	return &Vector4{X: v.X - v2.X, Y: v.Y - v2.Y, Z: v.Z - v2.Z, W: v.W - v2.W}
}

func (v *Vector4) LenSqr() Element {
	return v.X*v.X + v.Y*v.Y + v.Z*v.Z + v.W*v.W
}

func (v *Vector4) Normalize() *Vector4 {
	l := v.Len()
	if l > 0 {
		v.X /= l
		v.Y /= l
		v.Z /= l
		v.W /= l
	} else {
		v.W = 1
	}
	return v
}

func NewRotationMatrix4FromQuaternion(q *Quaternion) *Matrix4 {
	var (
		x = q.X
		y = q.Y
		z = q.Z
		w = q.W
	)
	return &Matrix4{
		1 - 2*y*y - 2*z*z, 2*x*y - 2*z*w, 2*x*z + 2*y*w, 0,
		2*x*y + 2*z*w, 1 - 2*x*x - 2*z*z, 2*y*z - 2*x*w, 0,
		2*x*z - 2*y*w, 2*y*z + 2*x*w, 1 - 2*x*x - 2*y*y, 0,
		0, 0, 0, 1,
	}
}

// NewQuaternionFromMatrix4 extracts the rotation of mat. The basis of mat
// must be orthonormal; scale and shear are not handled.
func NewQuaternionFromMatrix4(mat *Matrix4) *Quaternion {
	trace := mat[0] + mat[5] + mat[10]
	if trace > 0 {
		s := Element(2 * math.Sqrt(float64(1+trace)))
		return &Quaternion{
			X: (mat[9] - mat[6]) / s,
			Y: (mat[2] - mat[8]) / s,
			Z: (mat[4] - mat[1]) / s,
			W: s / 4,
		}
	} else if mat[0] > mat[5] && mat[0] > mat[10] {
		s := Element(2 * math.Sqrt(float64(1+mat[0]-mat[5]-mat[10])))
		return &Quaternion{
			X: s / 4,
			Y: (mat[1] + mat[4]) / s,
			Z: (mat[2] + mat[8]) / s,
			W: (mat[9] - mat[6]) / s,
		}
	} else if mat[5] > mat[10] {
		s := Element(2 * math.Sqrt(float64(1+mat[5]-mat[0]-mat[10])))
		return &Quaternion{
			X: (mat[1] + mat[4]) / s,
			Y: s / 4,
			Z: (mat[6] + mat[9]) / s,
			W: (mat[2] - mat[8]) / s,
		}
	}
	s := Element(2 * math.Sqrt(float64(1+mat[10]-mat[0]-mat[5])))
	return &Quaternion{
		X: (mat[2] + mat[8]) / s,
		Y: (mat[6] + mat[9]) / s,
		Z: s / 4,
		W: (mat[4] - mat[1]) / s,
	}
}

type RotationOrder int

const (
	RotationOrderXYZ = iota
	RotationOrderYXZ
	RotationOrderZXY
	RotationOrderZYX
)

type EulerAngles struct {
	Vector3
	Order RotationOrder
}

func NewEuler(x, y, z float32, order RotationOrder) *EulerAngles {
	return &EulerAngles{Vector3: Vector3{x, y, z}, Order: order}
}

func (v *EulerAngles) ToQuaternion() *Quaternion {
	cx := math.Cos(float64(v.X / 2))
	cy := math.Cos(float64(v.Y / 2))
	cz := math.Cos(float64(v.Z / 2))
	sx := math.Sin(float64(v.X / 2))
	sy := math.Sin(float64(v.Y / 2))
	sz := math.Sin(float64(v.Z / 2))

	switch v.Order {
	case RotationOrderXYZ:
		return &Vector4{
			X: float32(sx*cy*cz + cx*sy*sz),
			Y: float32(cx*sy*cz - sx*cy*sz),
			Z: float32(cx*cy*sz + sx*sy*cz),
			W: float32(cx*cy*cz - sx*sy*sz)}
	case RotationOrderYXZ:
		return &Vector4{
			X: float32(sx*cy*cz + cx*sy*sz),
			Y: float32(cx*sy*cz - sx*cy*sz),
			Z: float32(cx*cy*sz - sx*sy*cz),
			W: float32(cx*cy*cz + sx*sy*sz)}
	case RotationOrderZXY:
		return &Vector4{
			X: float32(sx*cy*cz - cx*sy*sz),
			Y: float32(cx*sy*cz + sx*cy*sz),
			Z: float32(cx*cy*sz + sx*sy*cz),
			W: float32(cx*cy*cz - sx*sy*sz)}
	case RotationOrderZYX:
		return &Vector4{
			X: float32(sx*cy*cz - cx*sy*sz),
			Y: float32(cx*sy*cz + sx*cy*sz),
			Z: float32(cx*cy*sz - sx*sy*cz),
			W: float32(cx*cy*cz + sx*sy*sz)}
	default:
		return &Quaternion{0, 0, 0, 1}
	}
}
