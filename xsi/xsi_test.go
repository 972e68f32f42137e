package xsi

import (
	"testing"

	"github.com/binzume/xsiconv/geom"
)

func buildScene(t *testing.T) *Document {
	doc := NewDocument("test")
	root, err := doc.AddFrame("Root")
	if err != nil {
		t.Fatal(err)
	}
	root.Transform = NewPositionMatrix(1, 2, 3)

	bone, _ := root.AddFrame("Bone")
	bone.IsBone = true

	body, _ := root.AddFrame("Body")
	body.Mesh = NewMesh("")
	body.Mesh.Vertices = []*geom.Vector3{
		geom.NewVector3(0, 0, 0),
		geom.NewVector3(1, 0, 0),
		geom.NewVector3(1, 1, 0),
		geom.NewVector3(0, 1, 0),
	}
	body.Mesh.Faces = [][]int{{0, 1, 2, 3}}

	env := body.AddEnvelope(bone)
	env.AddWeight(0, 100)
	env.AddWeight(1, 50)

	track, err := bone.AddAnimationKey(KeyTranslation)
	if err != nil {
		t.Fatal(err)
	}
	track.AddKey(1, []float32{0, 0, 0})
	track.AddKey(10, []float32{0, 5, 0})
	return doc
}

func TestAddFrame(t *testing.T) {
	doc := buildScene(t)

	if len(doc.Roots) != 1 || len(doc.FrameTable) != 3 {
		t.Error("frames: ", doc.Roots, doc.FrameTable)
	}
	if doc.FindFrame("Bone") != doc.FrameTable["Bone"] {
		t.Error("FindFrame mismatch")
	}
	if doc.FindFrame("nope") != nil {
		t.Error("FindFrame should return nil")
	}
	if doc.FrameTable["Bone"].Parent != doc.FrameTable["Root"] {
		t.Error("parent not set")
	}
	if doc.FrameTable["Bone"].ChainedName(" -> ") != "Root -> Bone" {
		t.Error("ChainedName: ", doc.FrameTable["Bone"].ChainedName(" -> "))
	}
}

func TestAddFrameDuplicate(t *testing.T) {
	doc := NewDocument("")
	a, err := doc.AddFrame("A")
	if err != nil {
		t.Fatal(err)
	}
	_, err = doc.AddFrame("A")
	if _, ok := err.(*DuplicateNameError); !ok {
		t.Error("expected DuplicateNameError, got ", err)
	}
	if len(doc.FrameTable) != 1 || doc.FrameTable["A"] != a || len(doc.Roots) != 1 {
		t.Error("table changed after failed AddFrame")
	}
}

// When duplicate names are allowed, the newer frame takes over the name
// table entry while the older frame stays linked in the tree. A name lookup
// can then disagree with the tree. This documents the behavior, it is not
// an endorsement.
func TestDuplicateFrameOverwrite(t *testing.T) {
	doc := NewDocument("")
	doc.AllowDuplicateNames = true
	old, _ := doc.AddFrame("X")
	sub, _ := old.AddFrame("Sub")
	newer, err := sub.AddFrame("X")
	if err != nil {
		t.Fatal(err)
	}

	if doc.FrameTable["X"] != newer {
		t.Error("name table should hold the newer frame")
	}
	if doc.Roots[0] != old {
		t.Error("older frame should stay in the tree")
	}
	// pre-order search still finds the older frame first
	if doc.FindFrame("X") != old {
		t.Error("FindFrame should return the first match in tree order")
	}
}

func TestEachFramePreOrder(t *testing.T) {
	doc := NewDocument("")
	a, _ := doc.AddFrame("a")
	a1, _ := a.AddFrame("a1")
	a1.AddFrame("a1x")
	a.AddFrame("a2")
	doc.AddFrame("b")

	var order []string
	doc.EachFrame(func(f *Frame) bool {
		order = append(order, f.Name)
		return true
	})
	want := []string{"a", "a1", "a1x", "a2", "b"}
	if len(order) != len(want) {
		t.Fatal("order: ", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Error("order: ", order)
			break
		}
	}

	// aborting and restarting
	n := 0
	doc.EachFrame(func(f *Frame) bool { n++; return n < 2 })
	if n != 2 {
		t.Error("abort: ", n)
	}
	n = 0
	doc.EachFrame(func(f *Frame) bool { n++; return true })
	if n != 5 {
		t.Error("restart: ", n)
	}
}

func TestQueries(t *testing.T) {
	doc := buildScene(t)

	if len(doc.AnimatedFrames()) != 1 || doc.AnimatedFrames()[0].Name != "Bone" {
		t.Error("AnimatedFrames: ", doc.AnimatedFrames())
	}
	if len(doc.SkinnedFrames()) != 1 || doc.SkinnedFrames()[0].Name != "Body" {
		t.Error("SkinnedFrames: ", doc.SkinnedFrames())
	}
	if len(doc.BoneFrames()) != 1 || doc.BoneFrames()[0].Name != "Bone" {
		t.Error("BoneFrames: ", doc.BoneFrames())
	}
	if len(doc.Meshes()) != 1 {
		t.Error("Meshes: ", doc.Meshes())
	}
	if doc.EnvelopeCount() != 1 {
		t.Error("EnvelopeCount: ", doc.EnvelopeCount())
	}
	if !doc.IsSkinned() || !doc.IsAnimated() {
		t.Error("IsSkinned/IsAnimated")
	}
	if NewDocument("").IsSkinned() || NewDocument("").IsAnimated() {
		t.Error("empty document should be neither skinned nor animated")
	}
}

func TestMaterialValidation(t *testing.T) {
	m, err := NewMaterial(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Diffuse != DefaultDiffuse || m.Hardness != DefaultHardness || m.ShadingType != DefaultShadingType {
		t.Error("defaults: ", m)
	}

	m, err = NewMaterial([]float32{1, 0, 0}, nil, nil, nil)
	if err != nil || m.Diffuse.W != 1.0 {
		t.Error("RGB diffuse should gain alpha 1: ", m, err)
	}

	if _, err := NewMaterial([]float32{1, 0}, nil, nil, nil); err == nil {
		t.Error("2 channel diffuse should fail")
	}
	if _, err := NewMaterial(nil, []float32{1, 0, 0, 0}, nil, nil); err == nil {
		t.Error("RGBA specular should fail")
	}
	if _, err := NewMaterial(nil, nil, nil, nil); err != nil {
		t.Error(err)
	}
}

func TestMaterialEquals(t *testing.T) {
	a, _ := NewMaterial([]float32{1, 0, 0}, nil, nil, nil)
	b, _ := NewMaterial([]float32{1, 0, 0}, nil, nil, nil)
	if !a.Equals(b) {
		t.Error("equal materials")
	}
	b.Texture = "x.png"
	if a.Equals(b) {
		t.Error("texture should break equality")
	}
}

func TestAnimationKeyVectorSize(t *testing.T) {
	scale, err := NewAnimationKey(KeyScale)
	if err != nil {
		t.Fatal(err)
	}
	if err := scale.AddKey(0, []float32{1, 1, 1, 1}); err == nil {
		t.Error("scale track should reject 4 components")
	}
	if _, ok := scale.AddKey(0, []float32{1, 1, 1, 1}).(*ValidationError); !ok {
		t.Error("expected ValidationError")
	}
	if err := scale.AddKey(0, []float32{1, 1, 1}); err != nil {
		t.Error(err)
	}

	quat, _ := NewAnimationKey(KeyQuaternionRotation)
	if err := quat.AddKey(0, []float32{1, 0, 0, 0}); err != nil {
		t.Error(err)
	}

	if _, err := NewAnimationKey(KeyType(4)); err == nil {
		t.Error("key type 4 should fail")
	}
	if _, err := NewAnimationKey(KeyType(-1)); err == nil {
		t.Error("key type -1 should fail")
	}
}

func TestAnimationFrameRange(t *testing.T) {
	doc := buildScene(t)
	bone := doc.FrameTable["Bone"]
	start, end, ok := bone.AnimationFrameRange()
	if !ok || start != 1 || end != 10 {
		t.Error("range: ", start, end, ok)
	}

	if _, _, ok := doc.FrameTable["Body"].AnimationFrameRange(); ok {
		t.Error("no keys, no range")
	}
}

func TestMaterialIndices(t *testing.T) {
	red, _ := NewMaterial([]float32{1, 0, 0}, nil, nil, nil)
	red2, _ := NewMaterial([]float32{1, 0, 0}, nil, nil, nil)
	blue, _ := NewMaterial([]float32{0, 0, 1}, nil, nil, nil)

	mesh := NewMesh("m")
	mesh.FaceMaterials = []*Material{red, blue, red2, blue}
	indices, materials := mesh.MaterialIndices()
	if len(materials) != 2 {
		t.Fatal("materials: ", materials)
	}
	want := []int{0, 1, 0, 1}
	for i := range want {
		if indices[i] != want[i] {
			t.Error("indices: ", indices)
			break
		}
	}
}
