package geom

import (
	"math"
	"testing"
)

func TestMatrix4Mul(t *testing.T) {
	const eps = 0.000001

	m := NewTranslateMatrix4(1, 2, 3).Mul(NewScaleMatrix4(2, 2, 2))
	v := m.ApplyTo(NewVector3(1, 1, 1))
	if v.Sub(NewVector3(3, 4, 5)).Len() > eps {
		t.Error("ApplyTo: ", v)
	}

	id := NewMatrix4().Mul(NewMatrix4())
	for i, e := range id {
		want := Element(0)
		if i%5 == 0 {
			want = 1
		}
		if e != want {
			t.Error("identity Mul: ", id)
			break
		}
	}
}

func TestMatrix4Inverse(t *testing.T) {
	const eps = 0.0001

	m := NewTranslateMatrix4(1, 2, 3).Mul(NewScaleMatrix4(2, 4, 8))
	id := m.Mul(m.Inverse())
	for i, e := range id {
		want := Element(0)
		if i%5 == 0 {
			want = 1
		}
		if math.Abs(float64(e-want)) > eps {
			t.Error("Inverse: ", id)
			break
		}
	}

	if (&Matrix4{}).Det() != 0 {
		t.Error("Det of zero matrix")
	}
}

func TestTriangulate(t *testing.T) {
	quad := []*Vector3{
		NewVector3(0, 0, 0),
		NewVector3(1, 0, 0),
		NewVector3(1, 1, 0),
		NewVector3(0, 1, 0),
	}
	tris := Triangulate(quad)
	if len(tris) != 2 {
		t.Error("tris: ", tris)
	}
}
