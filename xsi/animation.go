package xsi

import "fmt"

// KeyType selects the transform component a track animates. The type fixes
// the vector width of every key in the track.
type KeyType int

const (
	KeyQuaternionRotation KeyType = iota // WXYZ
	KeyScale                             // XYZ
	KeyTranslation                       // XYZ
	KeyEulerRotation                     // XYZ
)

var keyVectorSize = [...]int{4, 3, 3, 3}

// VectorSize returns the key width for the type, or 0 if the type is
// out of range.
func (t KeyType) VectorSize() int {
	if t < 0 || int(t) >= len(keyVectorSize) {
		return 0
	}
	return keyVectorSize[t]
}

type Keyframe struct {
	Time  int
	Value []float32
}

// AnimationKey is one animation track. Keys keep insertion order; they are
// not sorted by time.
type AnimationKey struct {
	KeyType KeyType
	Keys    []Keyframe
}

func NewAnimationKey(keyType KeyType) (*AnimationKey, error) {
	if keyType.VectorSize() == 0 {
		return nil, &ValidationError{Msg: fmt.Sprintf("invalid animation key type %d", keyType)}
	}
	return &AnimationKey{KeyType: keyType}, nil
}

// AddKey appends a keyframe. The value width must match the track type.
func (a *AnimationKey) AddKey(time int, value []float32) error {
	if len(value) != a.KeyType.VectorSize() {
		return &ValidationError{Msg: fmt.Sprintf(
			"animation key type %d requires %d components, got %d", a.KeyType, a.KeyType.VectorSize(), len(value))}
	}
	a.Keys = append(a.Keys, Keyframe{Time: time, Value: value})
	return nil
}

type VertexWeight struct {
	Index  int
	Weight float32
}

// Envelope binds a skinned frame's vertices to a bone. Bone is a
// non-owning reference into the document's frame table. Weights are
// percentages; no normalization is enforced.
type Envelope struct {
	Bone     *Frame
	Vertices []VertexWeight
}

// AddWeight records how strongly the vertex at index follows the bone.
func (e *Envelope) AddWeight(index int, weight float32) {
	e.Vertices = append(e.Vertices, VertexWeight{Index: index, Weight: weight})
}
