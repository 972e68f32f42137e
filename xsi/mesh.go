package xsi

import (
	"fmt"

	"github.com/binzume/xsiconv/geom"
)

// Material defaults, matching the SOFTIMAGE exporter conventions.
var (
	DefaultDiffuse  = geom.Vector4{X: 0.7, Y: 0.7, Z: 0.7, W: 1.0}
	DefaultSpecular = geom.Vector3{X: 0.35, Y: 0.35, Z: 0.35}
	DefaultEmissive = geom.Vector3{}
	DefaultAmbient  = geom.Vector3{X: 0.5, Y: 0.5, Z: 0.5}
)

const (
	DefaultHardness    float32 = 200.0
	DefaultShadingType         = 2
)

// Matrix is a right-handed affine basis plus translation, stored as four
// row vectors. It is a pure value: components are exactly what the caller
// supplied, no identity defaults are injected.
type Matrix struct {
	Right geom.Vector4
	Up    geom.Vector4
	Front geom.Vector4
	Posit geom.Vector4
}

func NewMatrix(right, up, front, posit geom.Vector4) *Matrix {
	return &Matrix{Right: right, Up: up, Front: front, Posit: posit}
}

// NewPositionMatrix returns an identity basis with the given translation.
func NewPositionMatrix(x, y, z geom.Element) *Matrix {
	return &Matrix{
		Right: geom.Vector4{X: 1},
		Up:    geom.Vector4{Y: 1},
		Front: geom.Vector4{Z: 1},
		Posit: geom.Vector4{X: x, Y: y, Z: z, W: 1},
	}
}

// ToMatrix4 returns the rows packed into a 16-element matrix
// (translation in the last row, as in the file format).
func (m *Matrix) ToMatrix4() *geom.Matrix4 {
	mat := &geom.Matrix4{}
	m.Right.ToArray(mat[0:4])
	m.Up.ToArray(mat[4:8])
	m.Front.ToArray(mat[8:12])
	m.Posit.ToArray(mat[12:16])
	return mat
}

// Mesh holds polygon geometry. Faces are variable-length vertex index
// lists; normals, texture coordinates and vertex colors each have their own
// vertex array and face-index array, independent of the base face list.
type Mesh struct {
	Name string

	Vertices []*geom.Vector3
	Faces    [][]int

	NormalVertices []*geom.Vector3
	NormalFaces    [][]int

	UVVertices []*geom.Vector2
	UVFaces    [][]int

	VertexColors     []*geom.Vector4
	VertexColorFaces [][]int

	// FaceMaterials assigns a material to each face. When non-empty its
	// length must equal len(Faces).
	FaceMaterials []*Material
}

func NewMesh(name string) *Mesh {
	return &Mesh{Name: name}
}

// MaterialIndices de-duplicates FaceMaterials by structural equality.
// It returns one index per face and the distinct materials in encounter
// order; indices reference that list.
func (m *Mesh) MaterialIndices() ([]int, []*Material) {
	var materials []*Material
	var indices []int
	for _, material := range m.FaceMaterials {
		found := -1
		for i, known := range materials {
			if known.Equals(material) {
				found = i
				break
			}
		}
		if found < 0 {
			found = len(materials)
			materials = append(materials, material)
		}
		indices = append(indices, found)
	}
	return indices, materials
}

type Material struct {
	Diffuse     geom.Vector4
	Specular    geom.Vector3
	Emissive    geom.Vector3
	Ambient     geom.Vector3
	Hardness    float32
	ShadingType int
	Texture     string
}

// NewMaterial builds a material from color channel slices. Nil slices take
// the defaults. Diffuse accepts RGB (alpha extended to 1.0) or RGBA; the
// other colors must be RGB.
func NewMaterial(diffuse, specular, emissive, ambient []float32) (*Material, error) {
	m := &Material{
		Diffuse:     DefaultDiffuse,
		Specular:    DefaultSpecular,
		Emissive:    DefaultEmissive,
		Ambient:     DefaultAmbient,
		Hardness:    DefaultHardness,
		ShadingType: DefaultShadingType,
	}
	if diffuse != nil {
		switch len(diffuse) {
		case 3:
			m.Diffuse = geom.Vector4{X: diffuse[0], Y: diffuse[1], Z: diffuse[2], W: 1.0}
		case 4:
			m.Diffuse = *geom.NewVector4FromSlice(diffuse)
		default:
			return nil, &ValidationError{Msg: "material diffuse color must be RGB or RGBA"}
		}
	}
	set3 := func(dst *geom.Vector3, src []float32, name string) error {
		if src == nil {
			return nil
		}
		if len(src) != 3 {
			return &ValidationError{Msg: fmt.Sprintf("material %s color must be RGB", name)}
		}
		*dst = *geom.NewVector3FromSlice(src)
		return nil
	}
	if err := set3(&m.Specular, specular, "specular"); err != nil {
		return nil, err
	}
	if err := set3(&m.Emissive, emissive, "emissive"); err != nil {
		return nil, err
	}
	if err := set3(&m.Ambient, ambient, "ambient"); err != nil {
		return nil, err
	}
	return m, nil
}

// Equals reports structural equality over all fields, texture included.
// The writer relies on it to coalesce repeated materials.
func (m *Material) Equals(other *Material) bool {
	return *m == *other
}
