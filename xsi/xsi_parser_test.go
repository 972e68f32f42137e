package xsi

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/binzume/xsiconv/geom"
)

const sampleDocument = `xsi 0101txt 0032

SI_CoordinateSystem coord {
	1;
	0;
	1;
	0;
	2;
	5;
}

SI_Angle {
	0;
}

SI_Ambience {
	0.000000; 0.000000; 0.000000;;
}

Frame frm-Root {
	FrameTransformMatrix {
		1.000000,0.000000,0.000000,0.000000,
		0.000000,1.000000,0.000000,0.000000,
		0.000000,0.000000,1.000000,0.000000,
		1.000000,2.000000,3.000000,1.000000;;
	}
	Frame frm-Bone {
		SI_FrameBasePoseMatrix {
			1.000000,0.000000,0.000000,0.000000,
			0.000000,1.000000,0.000000,0.000000,
			0.000000,0.000000,1.000000,0.000000,
			0.000000,0.000000,0.000000,1.000000;;
		}
	}
	Frame frm-Body {
		Mesh Body {
			4;
			0.000000;0.000000;0.000000;,
			1.000000;0.000000;0.000000;,
			1.000000;1.000000;0.000000;,
			0.000000;1.000000;0.000000;;
			2;
			3;0,1,2;,
			3;0,2,3;;
			MeshMaterialList {
				2;
				2;
				0,
				1;
				SI_Material {
					1.000000;0.000000;0.000000;1.000000;;
					200.000000;
					0.350000;0.350000;0.350000;;
					0.000000;0.000000;0.000000;;
					2;
					0.500000;0.500000;0.500000;;
					SI_Texture2D {
						"red.png";
					}
				}
				SI_Material {
					0.000000;0.000000;1.000000;1.000000;;
					50.000000;
					0.350000;0.350000;0.350000;;
					0.000000;0.000000;0.000000;;
					2;
					0.500000;0.500000;0.500000;;
				}
			}
			SI_MeshNormals {
				1;
				0.000000;0.000000;1.000000;;
				2;
				0;3;0,0,0;,
				1;3;0,0,0;;
			}
			SI_MeshTextureCoords {
				2;
				0.000000;0.000000;,
				1.000000;1.000000;;
				2;
				0;3;0,1,1;,
				1;3;0,1,0;;
			}
		}
	}
}

AnimationSet {
	Animation anim-Bone {
		{frm-Bone}
		SI_AnimationKey {
			2;
			2;
			1; 3; 0.000000, 0.000000, 0.000000;;,
			10; 3; 0.000000, 5.000000, 0.000000;;;
		}
	}
}

SI_EnvelopeList {
	1;
	SI_Envelope {
		"frm-Body";
		"frm-Bone";
		2;
		0;100.000000;,
		1;50.000000;;
	}
}
`

func parseString(t *testing.T, text string) *Document {
	doc, err := NewParser(strings.NewReader(text), "test").Parse()
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestParseDocument(t *testing.T) {
	doc := parseString(t, sampleDocument)

	root := doc.FrameTable["Root"]
	if root == nil || len(doc.Roots) != 1 || doc.Roots[0] != root {
		t.Fatal("root frame: ", doc.Roots)
	}
	if root.Transform == nil || root.Transform.Posit.X != 1 || root.Transform.Posit.Z != 3 {
		t.Error("root transform: ", root.Transform)
	}

	bone := doc.FrameTable["Bone"]
	if bone == nil || bone.Parent != root || bone.Pose == nil {
		t.Fatal("bone frame: ", bone)
	}
	if !bone.IsBone {
		t.Error("envelope reference should mark the frame as bone")
	}

	body := doc.FrameTable["Body"]
	if body == nil || body.Mesh == nil {
		t.Fatal("body frame: ", body)
	}
	mesh := body.Mesh
	if mesh.Name != "Body" || len(mesh.Vertices) != 4 || len(mesh.Faces) != 2 {
		t.Error("mesh: ", mesh.Name, len(mesh.Vertices), len(mesh.Faces))
	}
	if *mesh.Vertices[2] != (geom.Vector3{X: 1, Y: 1}) {
		t.Error("vertex 2: ", mesh.Vertices[2])
	}
	if len(mesh.Faces[1]) != 3 || mesh.Faces[1][2] != 3 {
		t.Error("face 1: ", mesh.Faces[1])
	}

	if len(mesh.FaceMaterials) != 2 {
		t.Fatal("face materials: ", mesh.FaceMaterials)
	}
	if mesh.FaceMaterials[0].Texture != "red.png" || mesh.FaceMaterials[0].Diffuse.X != 1 {
		t.Error("material 0: ", mesh.FaceMaterials[0])
	}
	if mesh.FaceMaterials[1].Hardness != 50 || mesh.FaceMaterials[1].Texture != "" {
		t.Error("material 1: ", mesh.FaceMaterials[1])
	}

	if len(mesh.NormalVertices) != 1 || len(mesh.NormalFaces) != 2 {
		t.Error("normals: ", mesh.NormalVertices, mesh.NormalFaces)
	}
	if len(mesh.UVVertices) != 2 || mesh.UVFaces[0][1] != 1 {
		t.Error("uv: ", mesh.UVVertices, mesh.UVFaces)
	}

	if len(bone.AnimationKeys) != 1 {
		t.Fatal("animation keys: ", bone.AnimationKeys)
	}
	track := bone.AnimationKeys[0]
	if track.KeyType != KeyTranslation || len(track.Keys) != 2 {
		t.Error("track: ", track)
	}
	if track.Keys[1].Time != 10 || track.Keys[1].Value[1] != 5 {
		t.Error("key 1: ", track.Keys[1])
	}

	if len(body.Envelopes) != 1 {
		t.Fatal("envelopes: ", body.Envelopes)
	}
	env := body.Envelopes[0]
	if env.Bone != bone || len(env.Vertices) != 2 || env.Vertices[1].Weight != 50 {
		t.Error("envelope: ", env)
	}
}

func TestRoundTrip(t *testing.T) {
	doc := buildScene(t)
	doc.FrameTable["Body"].Mesh.VertexColors = []*geom.Vector4{
		{X: 1, W: 1}, {Y: 1, W: 1}, {Z: 1, W: 1}, {X: 1, Y: 1, W: 1},
	}
	doc.FrameTable["Body"].Mesh.VertexColorFaces = [][]int{{0, 1, 2, 3}}

	var buf bytes.Buffer
	if err := Write(doc, &buf); err != nil {
		t.Fatal(err)
	}
	got, err := NewParser(bytes.NewReader(buf.Bytes()), "roundtrip").Parse()
	if err != nil {
		t.Fatal(err, "\n", buf.String())
	}

	if len(got.FrameTable) != len(doc.FrameTable) {
		t.Fatal("frame table: ", got.FrameTable)
	}
	root := got.FrameTable["Root"]
	if root == nil || root.Transform == nil || root.Transform.Posit != (geom.Vector4{X: 1, Y: 2, Z: 3, W: 1}) {
		t.Error("root: ", root)
	}

	body := got.FrameTable["Body"]
	mesh := body.Mesh
	want := doc.FrameTable["Body"].Mesh
	if len(mesh.Vertices) != len(want.Vertices) {
		t.Fatal("vertices: ", mesh.Vertices)
	}
	for i := range want.Vertices {
		if *mesh.Vertices[i] != *want.Vertices[i] {
			t.Error("vertex ", i, ": ", mesh.Vertices[i])
		}
	}
	if len(mesh.Faces) != 1 || len(mesh.Faces[0]) != 4 {
		t.Error("faces: ", mesh.Faces)
	}
	for i := range want.VertexColors {
		if *mesh.VertexColors[i] != *want.VertexColors[i] {
			t.Error("color ", i, ": ", mesh.VertexColors[i])
		}
	}

	bone := got.FrameTable["Bone"]
	if !bone.IsBone || len(bone.AnimationKeys) != 1 {
		t.Fatal("bone: ", bone)
	}
	if bone.AnimationKeys[0].Keys[1].Time != 10 {
		t.Error("key time: ", bone.AnimationKeys[0].Keys)
	}
	if len(body.Envelopes) != 1 || body.Envelopes[0].Bone != bone {
		t.Fatal("envelope: ", body.Envelopes)
	}
	if body.Envelopes[0].Vertices[1] != (VertexWeight{Index: 1, Weight: 50}) {
		t.Error("weights: ", body.Envelopes[0].Vertices)
	}
	if got.EnvelopeCount() != 1 || !got.IsAnimated() {
		t.Error("queries after round trip")
	}
}

// The envelope count's terminator sits between the count and the first
// SI_Envelope keyword; the list loop must read past it.
func TestParseEnvelopeList(t *testing.T) {
	text := `xsi 0101txt 0032

Frame frm-Body {
	Frame frm-Bone {
	}
}

SI_EnvelopeList {
	1;
	SI_Envelope {
		"frm-Body";
		"frm-Bone";
		2;
		0;100.000000;,
		1;50.000000;;
	}
}
`
	doc := parseString(t, text)
	body := doc.FrameTable["Body"]
	if len(body.Envelopes) != 1 {
		t.Fatal("envelopes: ", body.Envelopes)
	}
	env := body.Envelopes[0]
	if env.Bone != doc.FrameTable["Bone"] || !env.Bone.IsBone {
		t.Error("bone: ", env.Bone)
	}
	if len(env.Vertices) != 2 || env.Vertices[0].Weight != 100 || env.Vertices[1].Index != 1 {
		t.Error("weights: ", env.Vertices)
	}
	if doc.EnvelopeCount() != 1 {
		t.Error("EnvelopeCount: ", doc.EnvelopeCount())
	}
}

func TestParseUnresolvedReference(t *testing.T) {
	text := `xsi 0101txt 0032

Frame frm-Body {
}

SI_EnvelopeList {
	1;
	SI_Envelope {
		"frm-Body";
		"frm-Missing";
		1;
		0;100.000000;;
	}
}
`
	_, err := NewParser(strings.NewReader(text), "test").Parse()
	ref, ok := err.(*UnresolvedReferenceError)
	if !ok || ref.Name != "Missing" {
		t.Error("expected UnresolvedReferenceError, got ", err)
	}

	text = `xsi 0101txt 0032

AnimationSet {
	Animation anim-Ghost {
		{frm-Ghost}
		SI_AnimationKey {
			1;
			1;
			0; 3; 1.000000, 1.000000, 1.000000;;;
		}
	}
}
`
	_, err = NewParser(strings.NewReader(text), "test").Parse()
	if ref, ok := err.(*UnresolvedReferenceError); !ok || ref.Name != "Ghost" {
		t.Error("expected UnresolvedReferenceError, got ", err)
	}
}

func TestParseSkipFilter(t *testing.T) {
	opts := &ParseOptions{Skip: []*regexp.Regexp{regexp.MustCompile("^Mesh$")}}
	p := NewParser(strings.NewReader(sampleDocument), "test")
	p.Options = *opts
	doc, err := p.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if doc.FrameTable["Body"].Mesh != nil {
		t.Error("mesh should be skipped")
	}
	// siblings of the pruned block survive
	if doc.FrameTable["Bone"] == nil || len(doc.FrameTable["Body"].Envelopes) != 1 {
		t.Error("skip should not affect other blocks")
	}
}

func TestParseDuplicateFrames(t *testing.T) {
	text := `xsi 0101txt 0032

Frame frm-A {
}

Frame frm-A {
}
`
	_, err := NewParser(strings.NewReader(text), "test").Parse()
	if _, ok := err.(*DuplicateNameError); !ok {
		t.Error("expected DuplicateNameError, got ", err)
	}

	p := NewParser(strings.NewReader(text), "test")
	p.Options.AllowDuplicateNames = true
	doc, err := p.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Roots) != 2 || len(doc.FrameTable) != 1 {
		t.Error("duplicate frames: ", doc.Roots, doc.FrameTable)
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"mqo 1.0\n",
		"xsi 0101bin 0032\n",
		"xsi 0101txt 0032\n\nFrame frm-A {\n",
		"xsi 0101txt 0032\n\nFrame frm-A {\n\tFrameTransformMatrix {\n\t\t1.0,2.0;;\n\t}\n}\n",
		// undeclared extra element
		"xsi 0101txt 0032\n\nSI_EnvelopeList {\n\t1;\n\tSI_Envelope {\n\t\t\"frm-A\";\n\t\t\"frm-A\";\n\t\t1;\n\t\t0;1.0;,\n\t\t1;1.0;;\n\t}\n}\n",
		// envelope count mismatch
		"xsi 0101txt 0032\n\nSI_EnvelopeList {\n\t2;\n\tSI_Envelope {\n\t\t\"frm-A\";\n\t\t\"frm-A\";\n\t\t0;\n\t}\n}\n",
		// animation key width disagrees with its type
		"xsi 0101txt 0032\n\nAnimationSet {\n\tAnimation anim-A {\n\t\t{frm-A}\n\t\tSI_AnimationKey {\n\t\t\t1;\n\t\t\t1;\n\t\t\t0; 4; 1.0, 1.0, 1.0, 1.0;;;\n\t\t}\n\t}\n}\n",
		// key type out of range
		"xsi 0101txt 0032\n\nAnimationSet {\n\tAnimation anim-A {\n\t\t{frm-A}\n\t\tSI_AnimationKey {\n\t\t\t9;\n\t\t\t0;\n\t\t}\n\t}\n}\n",
	}
	for i, text := range bad {
		_, err := NewParser(strings.NewReader(text), "test").Parse()
		if err == nil {
			t.Error("input ", i, " should fail")
			continue
		}
		if _, ok := err.(*ParseError); !ok {
			t.Error("input ", i, ": expected ParseError, got ", err)
		}
	}
}

func TestParseLineNumbers(t *testing.T) {
	text := "xsi 0101txt 0032\n\nFrame frm-A {\n\tFrameTransformMatrix {\n\t\toops\n\t}\n}\n"
	_, err := NewParser(strings.NewReader(text), "test").Parse()
	perr, ok := err.(*ParseError)
	if !ok {
		t.Fatal("expected ParseError, got ", err)
	}
	if perr.Line != 5 {
		t.Error("line: ", perr.Line)
	}
}

func TestParseLegacyCodePage(t *testing.T) {
	// 0xe9 in the probe window forces the Windows-1252 fallback; the texture
	// string later in the stream is decoded with the same code page.
	text := "xsi 0101txt 0032\n\nSI_FileInfo {\n\t\"caf\xe9\";\n}\n\nFrame frm-A {\n" +
		"\tMesh m {\n\t\t3;\n\t\t0.0;0.0;0.0;,\n\t\t1.0;0.0;0.0;,\n\t\t0.0;1.0;0.0;;\n" +
		"\t\t1;\n\t\t3;0,1,2;;\n" +
		"\t\tMeshMaterialList {\n\t\t\t1;\n\t\t\t1;\n\t\t\t0;\n" +
		"\t\t\tSI_Material {\n" +
		"\t\t\t\t0.7;0.7;0.7;1.0;;\n\t\t\t\t200.0;\n\t\t\t\t0.35;0.35;0.35;;\n" +
		"\t\t\t\t0.0;0.0;0.0;;\n\t\t\t\t2;\n\t\t\t\t0.5;0.5;0.5;;\n" +
		"\t\t\t\tSI_Texture2D {\n\t\t\t\t\t\"caf\xe9.png\";\n\t\t\t\t}\n" +
		"\t\t\t}\n\t\t}\n\t}\n}\n"
	doc := parseString(t, text)
	mesh := doc.FrameTable["A"].Mesh
	if len(mesh.FaceMaterials) != 1 {
		t.Fatal("materials: ", mesh.FaceMaterials)
	}
	if mesh.FaceMaterials[0].Texture != "café.png" {
		t.Error("texture: ", mesh.FaceMaterials[0].Texture)
	}
}
