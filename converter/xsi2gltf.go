package converter

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/binzume/xsiconv/geom"
	"github.com/binzume/xsiconv/xsi"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"

	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/blezek/tga"
	_ "github.com/oov/psd"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// AnimationFPS converts key times into seconds.
var AnimationFPS float32 = 30

type XSIToGLTFOption struct {
	Scale      float32 // Default: 1.0
	ForceUnlit bool

	TextureReCompress      bool
	TextureBytesThreshold  int64 // 0: unlimited
	TextureResolutionLimit int   // 0: unlimited
	TextureScale           float32
}

type xsiToGltf struct {
	*XSIToGLTFOption
	*gltf.Document
	frameToNode map[*xsi.Frame]uint32
	materialIDs map[xsi.Material]uint32
	useUnlit    bool
}

type textureCache struct {
	srcDir   string
	textures map[string]*textureInfo
}

type textureInfo struct {
	name string
	id   *uint32
	img  image.Image
	err  error
}

func (c *textureCache) get(name string) *textureInfo {
	if t, ok := c.textures[name]; ok {
		return t
	}
	t := &textureInfo{name: name}
	c.textures[name] = t
	return t
}

func (c *textureCache) getImage(name string) (image.Image, error) {
	t := c.get(name)
	if t.img != nil || t.err != nil {
		return t.img, t.err
	}

	f, err := os.Open(filepath.Join(c.srcDir, t.name))
	if err != nil {
		t.err = err
		return nil, err
	}
	defer f.Close()

	t.img, _, t.err = image.Decode(f)
	if t.err != nil && strings.ToLower(filepath.Ext(t.name)) == ".tga" {
		// retry
		f.Seek(0, io.SeekStart)
		t.img, t.err = tga.Decode(f)
	}
	return t.img, t.err
}

func NewXSIToGLTFConverter(options *XSIToGLTFOption) *xsiToGltf {
	if options == nil {
		options = &XSIToGLTFOption{}
	}
	if options.Scale == 0 {
		options.Scale = 1.0
	}
	if options.TextureScale == 0 {
		options.TextureScale = 1.0
	}
	return &xsiToGltf{
		XSIToGLTFOption: options,
		Document:        gltf.NewDocument(),
		frameToNode:     map[*xsi.Frame]uint32{},
		materialIDs:     map[xsi.Material]uint32{},
	}
}

func (m *xsiToGltf) addMatrices(mat [][4][4]float32) uint32 {
	a := make([][4]float32, len(mat)*4)
	for i, m := range mat {
		a[i*4+0] = m[0]
		a[i*4+1] = m[1]
		a[i*4+2] = m[2]
		a[i*4+3] = m[3]
	}
	acc := modeler.WriteTangent(m.Document, a)
	m.Accessors[acc].Type = gltf.AccessorMat4
	m.Accessors[acc].Count /= 4
	m.BufferViews[*m.Accessors[acc].BufferView].ByteStride *= 4
	return acc
}

// localMatrix returns the frame's transform with translation scaled, or
// nil if the frame has none.
func (m *xsiToGltf) localMatrix(frame *xsi.Frame) *geom.Matrix4 {
	src := frame.Transform
	if src == nil {
		src = frame.Pose
	}
	if src == nil {
		return nil
	}
	mat := src.ToMatrix4()
	mat[12] *= m.Scale
	mat[13] *= m.Scale
	mat[14] *= m.Scale
	return mat
}

// bindMatrix is like localMatrix but prefers the base pose over the
// current transform.
func (m *xsiToGltf) bindMatrix(frame *xsi.Frame) *geom.Matrix4 {
	src := frame.Pose
	if src == nil {
		src = frame.Transform
	}
	if src == nil {
		return geom.NewMatrix4()
	}
	mat := src.ToMatrix4()
	mat[12] *= m.Scale
	mat[13] *= m.Scale
	mat[14] *= m.Scale
	return mat
}

func (m *xsiToGltf) worldBindMatrix(frame *xsi.Frame) *geom.Matrix4 {
	mat := m.bindMatrix(frame)
	if frame.Parent == nil {
		return mat
	}
	return m.worldBindMatrix(frame.Parent).Mul(mat)
}

func (m *xsiToGltf) addFrameNodes(doc *xsi.Document) {
	doc.EachFrame(func(frame *xsi.Frame) bool {
		idx := uint32(len(m.Nodes))
		m.frameToNode[frame] = idx
		node := &gltf.Node{Name: frame.Name}
		if mat := m.localMatrix(frame); mat != nil {
			if len(frame.AnimationKeys) > 0 {
				// animated nodes carry TRS, not a matrix
				node.Translation = [3]float32{mat[12], mat[13], mat[14]}
				q := geom.NewQuaternionFromMatrix4(mat)
				node.Rotation = [4]float32{q.X, q.Y, q.Z, q.W}
			} else {
				mat.ToArray(node.Matrix[:])
			}
		}
		m.Nodes = append(m.Nodes, node)
		if frame.Parent != nil {
			parent := m.Nodes[m.frameToNode[frame.Parent]]
			parent.Children = append(parent.Children, idx)
		} else {
			m.Scenes[0].Nodes = append(m.Scenes[0].Nodes, idx)
		}
		return true
	})
}

func (m *xsiToGltf) addMaterial(mat *xsi.Material, textures *textureCache) uint32 {
	if id, ok := m.materialIDs[*mat]; ok {
		return id
	}

	rf := 1 - mat.Hardness/511
	if rf < 0 {
		rf = 0
	} else if rf > 1 {
		rf = 1
	}
	var mf float32 = 0
	mm := &gltf.Material{
		Name: fmt.Sprintf("material_%d", len(m.Document.Materials)),
		PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
			BaseColorFactor: &[4]float32{mat.Diffuse.X, mat.Diffuse.Y, mat.Diffuse.Z, mat.Diffuse.W},
			RoughnessFactor: &rf,
			MetallicFactor:  &mf,
		},
		EmissiveFactor: [3]float32{mat.Emissive.X, mat.Emissive.Y, mat.Emissive.Z},
	}
	if mat.Diffuse.W < 0.99 || m.hasAlpha(mat.Texture, textures) {
		mm.AlphaMode = gltf.AlphaBlend
	}
	if m.ForceUnlit || mat.ShadingType == 0 {
		mm.Extensions = map[string]interface{}{"KHR_materials_unlit": map[string]string{}}
		m.useUnlit = true
	}
	if mat.Texture != "" {
		if tex, err := m.addTexture(mat.Texture, textures); err == nil {
			mm.PBRMetallicRoughness.BaseColorTexture = &gltf.TextureInfo{
				Index: *tex,
			}
		} else {
			log.Print("Texture read error:", err)
		}
	}

	id := uint32(len(m.Document.Materials))
	m.Document.Materials = append(m.Document.Materials, mm)
	m.materialIDs[*mat] = id
	return id
}

func (m *xsiToGltf) hasAlpha(texture string, textures *textureCache) bool {
	if texture == "" || strings.HasSuffix(texture, ".jpg") || strings.HasSuffix(texture, ".bmp") {
		return false
	}
	img, err := textures.getImage(texture)
	if err != nil {
		return false
	}
	switch img.ColorModel() {
	case color.YCbCrModel, color.CMYKModel:
		return false
	case color.RGBAModel:
		return !img.(*image.RGBA).Opaque()
	}
	return false
}

func scaleTexture(texture string, mime string, textures *textureCache, scale float32, limit int) (io.Reader, error) {
	img, err := textures.getImage(texture)
	if err != nil {
		return nil, err
	}
	rect := img.Bounds()

	if limit > 0 {
		sz := int(float32(rect.Dx()) * scale)
		if sz > limit {
			scale *= float32(limit) / float32(sz)
		}
	}

	if scale != 1.0 {
		dst := image.NewRGBA(image.Rect(0, 0, int(float32(rect.Dx())*scale), int(float32(rect.Dy())*scale)))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, rect, draw.Over, nil)
		img = dst
	}

	w := new(bytes.Buffer)
	if mime == "image/png" {
		err = png.Encode(w, img)
	} else {
		err = jpeg.Encode(w, img, nil)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (m *xsiToGltf) addTexture(texture string, textures *textureCache) (*uint32, error) {
	t := textures.get(texture)
	if t.id != nil {
		return t.id, nil
	}
	ext := strings.ToLower(filepath.Ext(texture))

	encode := m.TextureReCompress
	if m.TextureBytesThreshold > 0 {
		stat, err := os.Stat(filepath.Join(textures.srcDir, texture))
		if err != nil {
			return nil, err
		}
		if stat.Size() > m.TextureBytesThreshold {
			encode = true
		}
	}

	var mimeType string
	if ext == ".jpg" || ext == ".jpeg" {
		mimeType = "image/jpeg"
	} else if ext == ".png" {
		mimeType = "image/png"
	} else {
		mimeType = "image/png"
		encode = true
	}

	var r io.Reader
	if encode {
		r2, err := scaleTexture(texture, mimeType, textures, m.TextureScale, m.TextureResolutionLimit)
		if err != nil {
			return nil, err
		}
		r = r2
	} else {
		f, err := os.Open(filepath.Join(textures.srcDir, texture))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	img, err := modeler.WriteImage(m.Document, filepath.Base(texture), mimeType, r)
	if err != nil {
		return nil, err
	}
	m.Buffers[0].ByteLength = uint32(len(m.Buffers[0].Data)) // avoid AddImage bug
	m.Textures = append(m.Textures,
		&gltf.Texture{Sampler: gltf.Index(0), Source: gltf.Index(img)})

	t.id = gltf.Index(uint32(len(m.Textures)) - 1)

	return t.id, nil
}

// corner identifies one face corner by its attribute indices. Corners with
// the same tuple share an output vertex.
type corner struct {
	pos    int
	normal int
	uv     int
	col    int
}

type meshBuffers struct {
	positions [][3]float32
	normals   [][3]float32
	texcoords [][2]float32
	colors    [][4]float32
	joints    [][4]uint16
	weights   [][4]float32

	corners  map[corner]uint32
	hasNorm  bool
	hasUV    bool
	hasColor bool
	hasSkin  bool
	srcJoint [][4]uint16
	srcDist  [][4]float32
}

func faceAttr(faces [][]int, fi, ci int) int {
	if fi >= len(faces) {
		return -1
	}
	face := faces[fi]
	if ci >= len(face) {
		return -1
	}
	return face[ci]
}

func (b *meshBuffers) vertex(mesh *xsi.Mesh, scale float32, c corner) uint32 {
	if v, ok := b.corners[c]; ok {
		return v
	}
	v := uint32(len(b.positions))
	b.corners[c] = v
	p := mesh.Vertices[c.pos]
	b.positions = append(b.positions, [3]float32{p.X * scale, p.Y * scale, p.Z * scale})
	if b.hasNorm {
		var n [3]float32
		if c.normal >= 0 && c.normal < len(mesh.NormalVertices) {
			mesh.NormalVertices[c.normal].ToArray(n[:])
		}
		b.normals = append(b.normals, n)
	}
	if b.hasUV {
		var uv [2]float32
		if c.uv >= 0 && c.uv < len(mesh.UVVertices) {
			mesh.UVVertices[c.uv].ToArray(uv[:])
		}
		b.texcoords = append(b.texcoords, uv)
	}
	if b.hasColor {
		col := [4]float32{1, 1, 1, 1}
		if c.col >= 0 && c.col < len(mesh.VertexColors) {
			mesh.VertexColors[c.col].ToArray(col[:])
		}
		b.colors = append(b.colors, col)
	}
	if b.hasSkin {
		b.joints = append(b.joints, b.srcJoint[c.pos])
		b.weights = append(b.weights, b.srcDist[c.pos])
	}
	return v
}

// getWeights collapses the frame's envelopes into per-vertex joint and
// weight arrays, at most 4 influences per vertex. Weights are stored as
// percentages in the envelope and normalized here.
func (m *xsiToGltf) getWeights(frame *xsi.Frame, vertexCount int) ([]uint32, [][4]uint16, [][4]float32) {
	if len(frame.Envelopes) == 0 {
		return nil, nil, nil
	}
	joints := make([][4]uint16, vertexCount)
	weights := make([][4]float32, vertexCount)
	njoint := make([]int, vertexCount)
	var jointIds []uint32

	for _, env := range frame.Envelopes {
		node, ok := m.frameToNode[env.Bone]
		if !ok {
			continue
		}
		jointIds = append(jointIds, node)
		ji := uint16(len(jointIds) - 1)
		for _, vw := range env.Vertices {
			v := vw.Index
			if v < 0 || v >= vertexCount {
				log.Println("WARNING: weight index out of range. V:", v, " F:", frame.Name)
				continue
			}
			jindex := njoint[v]
			njoint[v]++
			if jindex >= 4 {
				// Overwrite smallest weight.
				minWeight := vw.Weight * 0.01
				for i, w := range weights[v] {
					if w < minWeight {
						minWeight = w
						jindex = i
					}
				}
				if jindex >= 4 {
					continue
				}
			}
			joints[v][jindex] = ji
			weights[v][jindex] = vw.Weight * 0.01
		}
	}
	for v := range weights {
		if njoint[v] <= 4 {
			continue
		}
		var sum float32
		for _, w := range weights[v] {
			sum += w
		}
		if sum > 0 {
			for i := range weights[v] {
				weights[v][i] /= sum
			}
		}
	}
	return jointIds, joints, weights
}

func (m *xsiToGltf) addSkin(frame *xsi.Frame, joints []uint32) uint32 {
	nodeToFrame := map[uint32]*xsi.Frame{}
	for f, n := range m.frameToNode {
		nodeToFrame[n] = f
	}
	invmats := make([][4][4]float32, len(joints))
	for i, j := range joints {
		inv := m.worldBindMatrix(nodeToFrame[j]).Inverse()
		for r := 0; r < 4; r++ {
			copy(invmats[i][r][:], inv[r*4:r*4+4])
		}
	}
	m.Skins = append(m.Skins, &gltf.Skin{
		Joints:              joints,
		InverseBindMatrices: gltf.Index(m.addMatrices(invmats)),
	})
	return uint32(len(m.Skins) - 1)
}

func (m *xsiToGltf) convertMesh(frame *xsi.Frame, textures *textureCache) (*gltf.Mesh, []uint32) {
	mesh := frame.Mesh
	name := mesh.Name
	if name == "" {
		name = frame.Name
	}

	matIndices, materials := mesh.MaterialIndices()
	jointIds, srcJoints, srcWeights := m.getWeights(frame, len(mesh.Vertices))

	buf := &meshBuffers{
		corners:  map[corner]uint32{},
		hasNorm:  len(mesh.NormalVertices) > 0 && !m.ForceUnlit,
		hasUV:    len(mesh.UVVertices) > 0,
		hasColor: len(mesh.VertexColors) > 0,
		hasSkin:  len(jointIds) > 0,
		srcJoint: srcJoints,
		srcDist:  srcWeights,
	}

	indices := map[int][]uint32{}
	var order []int
	poly := make([]*geom.Vector3, 0, 8)
	for fi, face := range mesh.Faces {
		if len(face) < 3 {
			continue
		}
		valid := true
		for _, vi := range face {
			if vi < 0 || vi >= len(mesh.Vertices) {
				log.Println("WARNING: face index out of range. V:", vi, " F:", frame.Name)
				valid = false
				break
			}
		}
		if !valid {
			continue
		}
		mat := -1
		if fi < len(matIndices) {
			mat = matIndices[fi]
		}
		if _, exists := indices[mat]; !exists {
			order = append(order, mat)
		}

		poly = poly[:0]
		for _, vi := range face {
			poly = append(poly, mesh.Vertices[vi])
		}
		for _, tri := range geom.Triangulate(poly) {
			for k := 2; k >= 0; k-- {
				ci := tri[k]
				c := corner{pos: face[ci], normal: -1, uv: -1, col: -1}
				if buf.hasNorm {
					c.normal = faceAttr(mesh.NormalFaces, fi, ci)
				}
				if buf.hasUV {
					c.uv = faceAttr(mesh.UVFaces, fi, ci)
				}
				if buf.hasColor {
					c.col = faceAttr(mesh.VertexColorFaces, fi, ci)
				}
				indices[mat] = append(indices[mat], buf.vertex(mesh, m.Scale, c))
			}
		}
	}

	if len(buf.positions) == 0 {
		return &gltf.Mesh{Name: name}, nil
	}

	attributes := map[string]uint32{}
	attributes["POSITION"] = modeler.WritePosition(m.Document, buf.positions)
	if buf.hasNorm {
		attributes["NORMAL"] = modeler.WriteNormal(m.Document, buf.normals)
	}
	if buf.hasUV {
		attributes["TEXCOORD_0"] = modeler.WriteTextureCoord(m.Document, buf.texcoords)
	}
	if buf.hasColor {
		attributes["COLOR_0"] = modeler.WriteColor(m.Document, buf.colors)
	}
	if buf.hasSkin {
		attributes["JOINTS_0"] = modeler.WriteJoints(m.Document, buf.joints)
		attributes["WEIGHTS_0"] = modeler.WriteWeights(m.Document, buf.weights)
	}

	var primitives []*gltf.Primitive
	for _, mat := range order {
		prim := &gltf.Primitive{
			Indices:    gltf.Index(modeler.WriteIndices(m.Document, indices[mat])),
			Attributes: attributes,
		}
		if mat >= 0 {
			prim.Material = gltf.Index(m.addMaterial(materials[mat], textures))
		}
		primitives = append(primitives, prim)
	}
	return &gltf.Mesh{Name: name, Primitives: primitives}, jointIds
}

func (m *xsiToGltf) addAnimations(doc *xsi.Document) {
	a := gltf.Animation{Name: "default"}
	for _, frame := range doc.AnimatedFrames() {
		node := m.frameToNode[frame]
		for _, track := range frame.AnimationKeys {
			if len(track.Keys) == 0 {
				continue
			}
			keys := make([]float32, len(track.Keys))
			for i, k := range track.Keys {
				keys[i] = float32(k.Time) / AnimationFPS
			}
			keysAcc := modeler.WriteAccessor(m.Document, gltf.TargetArrayBuffer, keys)

			var samplesAcc uint32
			var path gltf.TRSProperty
			switch track.KeyType {
			case xsi.KeyQuaternionRotation:
				rotations := make([][4]float32, len(track.Keys))
				for i, k := range track.Keys {
					q := (&geom.Quaternion{X: k.Value[1], Y: k.Value[2], Z: k.Value[3], W: k.Value[0]}).Normalize()
					rotations[i] = [4]float32{q.X, q.Y, q.Z, q.W}
				}
				samplesAcc = modeler.WriteTangent(m.Document, rotations)
				path = gltf.TRSRotation
			case xsi.KeyEulerRotation:
				rotations := make([][4]float32, len(track.Keys))
				for i, k := range track.Keys {
					e := geom.NewEuler(radians(k.Value[0]), radians(k.Value[1]), radians(k.Value[2]), geom.RotationOrderXYZ)
					q := e.ToQuaternion()
					rotations[i] = [4]float32{q.X, q.Y, q.Z, q.W}
				}
				samplesAcc = modeler.WriteTangent(m.Document, rotations)
				path = gltf.TRSRotation
			case xsi.KeyScale:
				scales := make([][3]float32, len(track.Keys))
				for i, k := range track.Keys {
					scales[i] = [3]float32{k.Value[0], k.Value[1], k.Value[2]}
				}
				samplesAcc = modeler.WritePosition(m.Document, scales)
				path = gltf.TRSScale
			case xsi.KeyTranslation:
				translations := make([][3]float32, len(track.Keys))
				for i, k := range track.Keys {
					translations[i] = [3]float32{k.Value[0] * m.Scale, k.Value[1] * m.Scale, k.Value[2] * m.Scale}
				}
				samplesAcc = modeler.WritePosition(m.Document, translations)
				path = gltf.TRSTranslation
			default:
				continue
			}

			a.Samplers = append(a.Samplers, &gltf.AnimationSampler{
				Input:         gltf.Index(keysAcc),
				Output:        gltf.Index(samplesAcc),
				Interpolation: gltf.InterpolationLinear,
			})
			a.Channels = append(a.Channels, &gltf.Channel{
				Sampler: gltf.Index(uint32(len(a.Samplers) - 1)),
				Target: gltf.ChannelTarget{
					Node: gltf.Index(node),
					Path: path,
				},
			})
		}
	}
	if len(a.Channels) > 0 {
		m.Animations = append(m.Animations, &a)
	}
}

func radians(deg float32) float32 {
	return deg * (math.Pi / 180)
}

// Convert builds a glTF document from the scene. Texture files referenced
// by materials are loaded relative to textureDir.
func (m *xsiToGltf) Convert(doc *xsi.Document, textureDir string) (*gltf.Document, error) {
	textures := &textureCache{srcDir: textureDir, textures: map[string]*textureInfo{}}

	m.addFrameNodes(doc)

	doc.EachFrame(func(frame *xsi.Frame) bool {
		if frame.Mesh == nil {
			return true
		}
		node := m.Nodes[m.frameToNode[frame]]
		mesh, joints := m.convertMesh(frame, textures)
		if len(mesh.Primitives) > 0 {
			node.Mesh = gltf.Index(uint32(len(m.Document.Meshes)))
			m.Document.Meshes = append(m.Document.Meshes, mesh)
		}
		if len(joints) > 0 {
			node.Skin = gltf.Index(m.addSkin(frame, joints))
		}
		return true
	})

	m.addAnimations(doc)

	if m.useUnlit {
		m.ExtensionsUsed = append(m.ExtensionsUsed, "KHR_materials_unlit")
	}
	if len(m.Document.Textures) > 0 {
		m.Document.Samplers = []*gltf.Sampler{{}}
	}

	return m.Document, nil
}
