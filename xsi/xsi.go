// Package xsi implements a scene graph model for SOFTIMAGE XSI 1.0 text
// files, a writer that serializes the graph into the format, and a parser
// that reads it back.
package xsi

import (
	"fmt"

	"github.com/binzume/xsiconv/geom"
)

const DefaultDocumentName = "<XSI ROOT>"

// ValidationError is returned when a value is rejected before entering the
// graph (bad color channel count, out-of-range key type, key width mismatch).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "xsi: " + e.Msg
}

// DuplicateNameError is returned by AddFrame when the name is already
// registered and Document.AllowDuplicateNames is false.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("xsi: duplicate frame %q", e.Name)
}

// UnresolvedReferenceError is returned when an animation or envelope block
// names a frame that is not in the document's frame table.
type UnresolvedReferenceError struct {
	Name string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("xsi: unresolved frame reference %q", e.Name)
}

// FrameContainer is the shared surface of Document and Frame.
type FrameContainer interface {
	AddFrame(name string) (*Frame, error)
	Frames() []*Frame
	FindFrame(name string) *Frame
	EachFrame(visit func(*Frame) bool) bool
}

// Document is the root of an XSI scene. It owns the frame forest, the
// global frame name table, lights and cameras.
type Document struct {
	Name    string
	Roots   []*Frame
	Lights  []*PointLight
	Cameras []*Camera

	// FrameTable maps each frame name to its frame, across the whole forest.
	FrameTable map[string]*Frame

	// AllowDuplicateNames suppresses DuplicateNameError: the newer frame
	// overwrites the name-table entry while the older one stays linked in
	// its parent's child list.
	AllowDuplicateNames bool
}

func NewDocument(name string) *Document {
	if name == "" {
		name = DefaultDocumentName
	}
	return &Document{Name: name, FrameTable: map[string]*Frame{}}
}

// Frame is a node of the scene hierarchy. A frame may carry a transform,
// a bind pose, a mesh, child frames, animation tracks and skin envelopes.
//
// Frames which are NOT bones contain envelopes. Frames which ARE bones do
// not contain envelopes, but are referenced BY envelopes.
type Frame struct {
	Name   string
	IsBone bool

	Transform *Matrix
	Pose      *Matrix
	Mesh      *Mesh

	Parent        *Frame
	Children      []*Frame
	AnimationKeys []*AnimationKey
	Envelopes     []*Envelope

	doc *Document
}

func (doc *Document) newFrame(parent *Frame, name string) (*Frame, error) {
	if _, exists := doc.FrameTable[name]; exists && !doc.AllowDuplicateNames {
		return nil, &DuplicateNameError{Name: name}
	}
	frame := &Frame{Name: name, Parent: parent, doc: doc}
	doc.FrameTable[name] = frame
	if parent != nil {
		parent.Children = append(parent.Children, frame)
	} else {
		doc.Roots = append(doc.Roots, frame)
	}
	return frame, nil
}

// AddFrame creates a top-level frame and registers it in the name table.
func (doc *Document) AddFrame(name string) (*Frame, error) {
	return doc.newFrame(nil, name)
}

// AddFrame creates a child frame and registers it in the document's name table.
func (f *Frame) AddFrame(name string) (*Frame, error) {
	return f.doc.newFrame(f, name)
}

func (doc *Document) Frames() []*Frame { return doc.Roots }
func (f *Frame) Frames() []*Frame      { return f.Children }

// eachFrame visits roots and their descendants in pre-order with an
// explicit stack. Returns false if visit aborted the walk.
func eachFrame(roots []*Frame, visit func(*Frame) bool) bool {
	stack := make([]*Frame, len(roots))
	for i, f := range roots {
		stack[len(roots)-1-i] = f
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(f) {
			return false
		}
		for i := len(f.Children) - 1; i >= 0; i-- {
			stack = append(stack, f.Children[i])
		}
	}
	return true
}

// EachFrame visits every frame of the forest in pre-order. The traversal is
// restartable (each call walks from scratch) and stops when visit returns
// false.
func (doc *Document) EachFrame(visit func(*Frame) bool) bool {
	return eachFrame(doc.Roots, visit)
}

// EachFrame visits the frame's descendants in pre-order. The frame itself
// is not visited.
func (f *Frame) EachFrame(visit func(*Frame) bool) bool {
	return eachFrame(f.Children, visit)
}

func findFrame(roots []*Frame, name string) *Frame {
	var found *Frame
	eachFrame(roots, func(f *Frame) bool {
		if f.Name == name {
			found = f
			return false
		}
		return true
	})
	return found
}

func (doc *Document) FindFrame(name string) *Frame { return findFrame(doc.Roots, name) }
func (f *Frame) FindFrame(name string) *Frame      { return findFrame(f.Children, name) }

func filterFrames(roots []*Frame, pred func(*Frame) bool) []*Frame {
	var dst []*Frame
	eachFrame(roots, func(f *Frame) bool {
		if pred(f) {
			dst = append(dst, f)
		}
		return true
	})
	return dst
}

// AnimatedFrames returns every frame with at least one animation track.
func (doc *Document) AnimatedFrames() []*Frame {
	return filterFrames(doc.Roots, func(f *Frame) bool { return len(f.AnimationKeys) > 0 })
}

// SkinnedFrames returns every frame with at least one envelope.
func (doc *Document) SkinnedFrames() []*Frame {
	return filterFrames(doc.Roots, func(f *Frame) bool { return len(f.Envelopes) > 0 })
}

// BoneFrames returns every frame flagged as a bone.
func (doc *Document) BoneFrames() []*Frame {
	return filterFrames(doc.Roots, func(f *Frame) bool { return f.IsBone })
}

// Meshes returns every mesh attached to a frame, in forest order.
func (doc *Document) Meshes() []*Mesh {
	var dst []*Mesh
	doc.EachFrame(func(f *Frame) bool {
		if f.Mesh != nil {
			dst = append(dst, f.Mesh)
		}
		return true
	})
	return dst
}

// EnvelopeCount returns the total number of envelopes in the forest.
func (doc *Document) EnvelopeCount() int {
	n := 0
	for _, f := range doc.SkinnedFrames() {
		n += len(f.Envelopes)
	}
	return n
}

func (doc *Document) IsSkinned() bool {
	return !doc.EachFrame(func(f *Frame) bool { return len(f.Envelopes) == 0 })
}

func (doc *Document) IsAnimated() bool {
	return !doc.EachFrame(func(f *Frame) bool { return len(f.AnimationKeys) == 0 })
}

// AddLight creates a point light and appends it to the document.
func (doc *Document) AddLight(name string, color, pos *geom.Vector3) *PointLight {
	light := NewPointLight(name, color, pos)
	doc.Lights = append(doc.Lights, light)
	return light
}

// AddCamera creates a camera and appends it to the document.
func (doc *Document) AddCamera(name string, pos, lookAt *geom.Vector3) *Camera {
	camera := NewCamera(name, pos, lookAt)
	doc.Cameras = append(doc.Cameras, camera)
	return camera
}

// AddAnimationKey creates an animation track of the given type on the frame.
func (f *Frame) AddAnimationKey(keyType KeyType) (*AnimationKey, error) {
	key, err := NewAnimationKey(keyType)
	if err != nil {
		return nil, err
	}
	f.AnimationKeys = append(f.AnimationKeys, key)
	return key, nil
}

// AddEnvelope creates an envelope binding this frame's vertices to bone.
func (f *Frame) AddEnvelope(bone *Frame) *Envelope {
	env := &Envelope{Bone: bone}
	f.Envelopes = append(f.Envelopes, env)
	return env
}

// AnimationFrameRange returns the lowest and highest key time across all of
// the frame's animation tracks. ok is false if there are no keys.
func (f *Frame) AnimationFrameRange() (start, end int, ok bool) {
	for _, track := range f.AnimationKeys {
		for _, key := range track.Keys {
			if !ok || key.Time < start {
				start = key.Time
			}
			if !ok || key.Time > end {
				end = key.Time
			}
			ok = true
		}
	}
	return
}

// ChainedName returns the frame names from the root down to this frame,
// joined by delim.
func (f *Frame) ChainedName(delim string) string {
	var chain []string
	for frm := f; frm != nil; frm = frm.Parent {
		chain = append(chain, frm.Name)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	s := chain[0]
	for _, name := range chain[1:] {
		s += delim + name
	}
	return s
}

type PointLight struct {
	Name      string
	Color     geom.Vector3
	Transform Matrix
}

func NewPointLight(name string, color, pos *geom.Vector3) *PointLight {
	light := &PointLight{Name: name, Color: geom.Vector3{X: 1, Y: 1, Z: 1}}
	if color != nil {
		light.Color = *color
	}
	if pos != nil {
		light.Transform = *NewPositionMatrix(pos.X, pos.Y, pos.Z)
	} else {
		light.Transform = *NewPositionMatrix(0, 0, 0)
	}
	return light
}

type Camera struct {
	Name      string
	Transform Matrix
	Target    Matrix
	Roll      float32
	NearPlane float32
	FarPlane  float32
}

func NewCamera(name string, pos, lookAt *geom.Vector3) *Camera {
	camera := &Camera{Name: name, NearPlane: 0.001, FarPlane: 1000.0}
	if pos == nil {
		pos = &geom.Vector3{}
	}
	if lookAt == nil {
		lookAt = &geom.Vector3{}
	}
	camera.Transform = *NewPositionMatrix(pos.X, pos.Y, pos.Z)
	camera.Target = *NewPositionMatrix(lookAt.X, lookAt.Y, lookAt.Z)
	return camera
}
