package xsi

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/binzume/xsiconv/geom"
)

func geom3(v []float32) geom.Vector3 { return *geom.NewVector3FromSlice(v) }
func geom4(v []float32) geom.Vector4 { return *geom.NewVector4FromSlice(v) }

// ParseError reports a grammar violation in the input document.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("xsi: line %d: %s", e.Line, e.Msg)
	}
	return "xsi: " + e.Msg
}

// ParseOptions adjust parsing behavior.
type ParseOptions struct {
	// Skip prunes blocks whose type keyword matches any pattern, without
	// affecting sibling blocks.
	Skip []*regexp.Regexp

	// AllowDuplicateNames is copied onto the document before frames are
	// registered.
	AllowDuplicateNames bool
}

type tokenType int

const (
	tokIdent tokenType = iota
	tokNumber
	tokString
	tokBlockStart
	tokBlockEnd
	tokSemicolon
	tokComma
	tokEOF
)

type tokenizer struct {
	r    *bufio.Reader
	line int
	err  error

	peeked  bool
	peekTyp tokenType
	peekVal string
}

func (t *tokenizer) readByte() (byte, bool) {
	if t.err != nil {
		return 0, false
	}
	b, err := t.r.ReadByte()
	if err != nil {
		t.err = err
		return 0, false
	}
	if b == '\n' {
		t.line++
	}
	return b, true
}

func (t *tokenizer) unreadByte(b byte) {
	if b == '\n' {
		t.line--
	}
	t.r.UnreadByte()
}

func isIdentByte(b byte) bool {
	return b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_' || b == '-'
}

func isNumberByte(b byte) bool {
	return b >= '0' && b <= '9' || b == '.' || b == 'e' || b == 'E' || b == '+' || b == '-'
}

func (t *tokenizer) next() (tokenType, string) {
	if t.peeked {
		t.peeked = false
		return t.peekTyp, t.peekVal
	}
	for {
		c, ok := t.readByte()
		if !ok {
			return tokEOF, ""
		}
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			continue
		case c == '{':
			return tokBlockStart, "{"
		case c == '}':
			return tokBlockEnd, "}"
		case c == ';':
			return tokSemicolon, ";"
		case c == ',':
			return tokComma, ","
		case c == '"':
			var buf []byte
			for {
				c, ok := t.readByte()
				if !ok {
					return tokEOF, ""
				}
				if c == '"' {
					return tokString, string(buf)
				}
				buf = append(buf, c)
			}
		case c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.':
			buf := []byte{c}
			for {
				c, ok := t.readByte()
				if !ok {
					break
				}
				if !isNumberByte(c) {
					t.unreadByte(c)
					break
				}
				buf = append(buf, c)
			}
			return tokNumber, string(buf)
		case c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '_':
			buf := []byte{c}
			for {
				c, ok := t.readByte()
				if !ok {
					break
				}
				if !isIdentByte(c) {
					t.unreadByte(c)
					break
				}
				buf = append(buf, c)
			}
			return tokIdent, string(buf)
		default:
			if t.err == nil {
				t.err = fmt.Errorf("unexpected character %q", c)
			}
			return tokEOF, ""
		}
	}
}

func (t *tokenizer) peek() (tokenType, string) {
	if !t.peeked {
		t.peekTyp, t.peekVal = t.next()
		t.peeked = true
	}
	return t.peekTyp, t.peekVal
}

type pendingAnimation struct {
	name   string
	tracks []*AnimationKey
}

type pendingEnvelope struct {
	frame   string
	bone    string
	weights []VertexWeight
}

// Parser reads an XSI 1.0 text document.
type Parser struct {
	name    string
	r       io.Reader
	t       *tokenizer
	err     error
	Options ParseOptions

	doc          *Document
	pendingAnims []pendingAnimation
	pendingEnvs  []pendingEnvelope
}

// NewParser returns a parser reading from r. name is used as the document
// name and in diagnostics.
func NewParser(r io.Reader, name string) *Parser {
	return &Parser{name: name, r: r}
}

// Load parses the file at path. A failed parse returns no document.
func Load(path string, opts *ParseOptions) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p := NewParser(f, path)
	if opts != nil {
		p.Options = *opts
	}
	return p.Parse()
}

// Old exporters write names in the platform code page. Probe the head of
// the stream and decode as Windows-1252 if it is not valid UTF-8.
func (p *Parser) detectCodePage() {
	buf := make([]byte, 128)
	n, _ := io.ReadFull(p.r, buf)
	p.r = io.MultiReader(bytes.NewReader(buf[:n]), p.r)
	if !utf8.Valid(buf[:n]) {
		p.r = transform.NewReader(p.r, charmap.Windows1252.NewDecoder())
	}
}

func (p *Parser) errorf(format string, a ...interface{}) {
	if p.err == nil {
		line := 0
		if p.t != nil {
			line = p.t.line
		}
		p.err = &ParseError{Line: line, Msg: fmt.Sprintf(format, a...)}
	}
}

func (p *Parser) next() (tokenType, string) {
	typ, s := p.t.next()
	if p.t.err != nil && p.t.err != io.EOF {
		p.errorf("read error: %v", p.t.err)
	}
	return typ, s
}

// nextValue returns the next token with list separators skipped.
func (p *Parser) nextValue() (tokenType, string) {
	for {
		typ, s := p.next()
		if typ != tokSemicolon && typ != tokComma {
			return typ, s
		}
	}
}

// peekValue peeks past any list separators.
func (p *Parser) peekValue() (tokenType, string) {
	for {
		typ, s := p.t.peek()
		if typ != tokSemicolon && typ != tokComma {
			return typ, s
		}
		p.next()
	}
}

func (p *Parser) expect(want tokenType, what string) {
	typ, s := p.nextValue()
	if typ != want && p.err == nil {
		p.errorf("expected %s, got %q", what, s)
	}
}

func (p *Parser) readInt() int {
	typ, s := p.nextValue()
	if typ != tokNumber {
		p.errorf("expected number, got %q", s)
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			p.errorf("invalid number %q", s)
			return 0
		}
		n = int(f)
	}
	return n
}

func (p *Parser) readFloat() float32 {
	typ, s := p.nextValue()
	if typ != tokNumber {
		p.errorf("expected number, got %q", s)
		return 0
	}
	// fixed or exponential notation
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		p.errorf("invalid number %q", s)
		return 0
	}
	return float32(f)
}

func (p *Parser) readFloats(n int) []float32 {
	vals := make([]float32, n)
	for i := 0; i < n && p.err == nil; i++ {
		vals[i] = p.readFloat()
	}
	return vals
}

func (p *Parser) readString() string {
	typ, s := p.nextValue()
	if typ != tokString {
		p.errorf("expected string, got %q", s)
		return ""
	}
	return s
}

// endBlock consumes trailing separators and the closing brace.
func (p *Parser) endBlock() {
	p.expect(tokBlockEnd, "}")
}

// checkListEnd reports a size-prefix that undercounts the actual elements.
func (p *Parser) checkListEnd(what string) {
	if typ, _ := p.peekValue(); typ == tokNumber && p.err == nil {
		p.errorf("%s list has more elements than its declared size", what)
	}
}

func (p *Parser) skipMatch(keyword string) bool {
	for _, re := range p.Options.Skip {
		if re.MatchString(keyword) {
			return true
		}
	}
	return false
}

// skipNamedBlock skips an optional block identifier and the whole block body.
func (p *Parser) skipNamedBlock() {
	for p.err == nil {
		typ, s := p.next()
		if typ == tokBlockStart {
			p.skipBlock()
			return
		}
		if typ == tokEOF || typ == tokBlockEnd {
			p.errorf("malformed block header near %q", s)
			return
		}
	}
}

func (p *Parser) skipBlock() {
	depth := 1
	for p.err == nil && depth > 0 {
		switch typ, _ := p.next(); typ {
		case tokBlockStart:
			depth++
		case tokBlockEnd:
			depth--
		case tokEOF:
			p.errorf("unclosed block")
			return
		}
	}
}

// Parse reads the whole document and resolves animation and envelope
// references against the frame table.
func (p *Parser) Parse() (*Document, error) {
	p.detectCodePage()
	br := bufio.NewReader(p.r)

	header, err := br.ReadString('\n')
	if err != nil && header == "" {
		return nil, &ParseError{Line: 1, Msg: "missing xsi header"}
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "xsi ") {
		return nil, &ParseError{Line: 1, Msg: fmt.Sprintf("not an xsi document: %q", header)}
	}
	if !strings.Contains(header, "txt") {
		return nil, &ParseError{Line: 1, Msg: "binary xsi is not supported"}
	}

	p.t = &tokenizer{r: br, line: 2}
	p.doc = NewDocument(p.name)
	p.doc.AllowDuplicateNames = p.Options.AllowDuplicateNames

	for p.err == nil {
		typ, s := p.next()
		if typ == tokEOF {
			break
		}
		if typ != tokIdent {
			p.errorf("unexpected token %q", s)
			break
		}
		if p.skipMatch(s) {
			p.skipNamedBlock()
			continue
		}
		switch s {
		case "Frame":
			p.parseFrame(nil)
		case "AnimationSet":
			p.parseAnimationSet()
		case "SI_EnvelopeList":
			p.parseEnvelopeList()
		case "SI_CoordinateSystem", "SI_Angle", "SI_Ambience":
			// constant preamble
			p.skipNamedBlock()
		default:
			log.Printf("xsi: skip %s", s)
			p.skipNamedBlock()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := p.resolve(); err != nil {
		return nil, err
	}
	return p.doc, nil
}

func (p *Parser) parseFrame(parent *Frame) {
	name := ""
	typ, s := p.next()
	if typ == tokIdent {
		name = strings.TrimPrefix(s, "frm-")
		p.expect(tokBlockStart, "{")
	} else if typ != tokBlockStart {
		p.errorf("malformed Frame header near %q", s)
	}
	if p.err != nil {
		return
	}

	var frame *Frame
	var err error
	if parent != nil {
		frame, err = parent.AddFrame(name)
	} else {
		frame, err = p.doc.AddFrame(name)
	}
	if err != nil {
		if p.err == nil {
			p.err = err
		}
		return
	}

	for p.err == nil {
		typ, s := p.next()
		if typ == tokBlockEnd {
			return
		}
		if typ == tokEOF {
			p.errorf("unclosed Frame block")
			return
		}
		if typ != tokIdent {
			p.errorf("unexpected token %q in Frame", s)
			return
		}
		if p.skipMatch(s) {
			p.skipNamedBlock()
			continue
		}
		switch s {
		case "FrameTransformMatrix":
			frame.Transform = p.parseMatrix()
		case "SI_FrameBasePoseMatrix":
			frame.Pose = p.parseMatrix()
		case "Frame":
			p.parseFrame(frame)
		case "Mesh":
			frame.Mesh = p.parseMesh()
		default:
			p.skipNamedBlock()
		}
	}
}

func (p *Parser) parseMatrix() *Matrix {
	p.expect(tokBlockStart, "{")
	vals := p.readFloats(16)
	p.endBlock()
	if p.err != nil {
		return nil
	}
	return &Matrix{
		Right: geom4(vals[0:4]),
		Up:    geom4(vals[4:8]),
		Front: geom4(vals[8:12]),
		Posit: geom4(vals[12:16]),
	}
}

func (p *Parser) parseMesh() *Mesh {
	mesh := &Mesh{}
	typ, s := p.next()
	if typ == tokIdent {
		mesh.Name = s
		p.expect(tokBlockStart, "{")
	} else if typ != tokBlockStart {
		p.errorf("malformed Mesh header near %q", s)
	}
	if p.err != nil {
		return mesh
	}

	if typ, _ := p.peekValue(); typ == tokNumber {
		n := p.readInt()
		mesh.Vertices = make([]*geom.Vector3, n)
		for i := 0; i < n && p.err == nil; i++ {
			mesh.Vertices[i] = &geom.Vector3{X: p.readFloat(), Y: p.readFloat(), Z: p.readFloat()}
		}
		if typ, _ := p.peekValue(); typ == tokNumber {
			mesh.Faces = p.readFaceList(false, "face")
		}
	}

	for p.err == nil {
		typ, s := p.next()
		if typ == tokBlockEnd {
			break
		}
		if typ == tokEOF {
			p.errorf("unclosed Mesh block")
			break
		}
		if typ != tokIdent {
			p.errorf("unexpected token %q in Mesh", s)
			break
		}
		if p.skipMatch(s) {
			p.skipNamedBlock()
			continue
		}
		switch s {
		case "MeshMaterialList":
			p.parseMaterialList(mesh)
		case "SI_MeshNormals":
			p.parseNormals(mesh)
		case "SI_MeshTextureCoords":
			p.parseTextureCoords(mesh)
		case "SI_MeshVertexColors":
			p.parseVertexColors(mesh)
		default:
			p.skipNamedBlock()
		}
	}
	return mesh
}

// readFaceList reads a size-prefixed face list. Indexed lists carry each
// face's own position before the vertex count.
func (p *Parser) readFaceList(indexed bool, what string) [][]int {
	n := p.readInt()
	faces := make([][]int, n)
	for i := 0; i < n && p.err == nil; i++ {
		at := i
		if indexed {
			at = p.readInt()
			if at < 0 || at >= n {
				p.errorf("%s index %d out of range", what, at)
				return faces
			}
		}
		cnt := p.readInt()
		face := make([]int, cnt)
		for j := 0; j < cnt && p.err == nil; j++ {
			face[j] = p.readInt()
		}
		faces[at] = face
	}
	p.checkListEnd(what)
	return faces
}

func (p *Parser) parseMaterialList(mesh *Mesh) {
	p.expect(tokBlockStart, "{")
	nmat := p.readInt()
	nidx := p.readInt()
	indices := make([]int, nidx)
	for i := 0; i < nidx && p.err == nil; i++ {
		indices[i] = p.readInt()
	}
	p.checkListEnd("material index")

	materials := make([]*Material, 0, nmat)
	for i := 0; i < nmat && p.err == nil; i++ {
		typ, s := p.nextValue()
		if typ != tokIdent || s != "SI_Material" {
			p.errorf("expected SI_Material, got %q", s)
			return
		}
		materials = append(materials, p.parseMaterial())
	}
	p.endBlock()
	if p.err != nil {
		return
	}

	mesh.FaceMaterials = make([]*Material, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(materials) {
			p.errorf("material index %d out of range", idx)
			return
		}
		mesh.FaceMaterials[i] = materials[idx]
	}
}

func (p *Parser) parseMaterial() *Material {
	p.expect(tokBlockStart, "{")
	m := &Material{}
	d := p.readFloats(4)
	m.Hardness = p.readFloat()
	s := p.readFloats(3)
	e := p.readFloats(3)
	m.ShadingType = p.readInt()
	a := p.readFloats(3)
	if p.err != nil {
		return m
	}
	m.Diffuse = geom4(d)
	m.Specular = geom3(s)
	m.Emissive = geom3(e)
	m.Ambient = geom3(a)

	for p.err == nil {
		typ, s := p.nextValue()
		if typ == tokBlockEnd {
			break
		}
		if typ == tokIdent && s == "SI_Texture2D" {
			p.expect(tokBlockStart, "{")
			m.Texture = p.readString()
			p.endBlock()
			continue
		}
		p.errorf("unexpected token %q in SI_Material", s)
	}
	return m
}

func (p *Parser) parseNormals(mesh *Mesh) {
	p.expect(tokBlockStart, "{")
	n := p.readInt()
	mesh.NormalVertices = make([]*geom.Vector3, n)
	for i := 0; i < n && p.err == nil; i++ {
		mesh.NormalVertices[i] = &geom.Vector3{X: p.readFloat(), Y: p.readFloat(), Z: p.readFloat()}
	}
	if typ, _ := p.peekValue(); typ == tokNumber {
		mesh.NormalFaces = p.readFaceList(true, "normal face")
	}
	p.endBlock()
}

func (p *Parser) parseTextureCoords(mesh *Mesh) {
	p.expect(tokBlockStart, "{")
	n := p.readInt()
	mesh.UVVertices = make([]*geom.Vector2, n)
	for i := 0; i < n && p.err == nil; i++ {
		mesh.UVVertices[i] = &geom.Vector2{X: p.readFloat(), Y: p.readFloat()}
	}
	if typ, _ := p.peekValue(); typ == tokNumber {
		mesh.UVFaces = p.readFaceList(true, "uv face")
	}
	p.endBlock()
}

// parseVertexColors reads the per-corner color stream and the indexed face
// list after it, then rebuilds the color table the corners were sampled
// from. Corner colors always carry a decimal point while the face list
// leads with an integer count, which is how the boundary is found.
func (p *Parser) parseVertexColors(mesh *Mesh) {
	p.expect(tokBlockStart, "{")
	n := p.readInt()
	var corners []*geom.Vector4
	for p.err == nil {
		typ, s := p.peekValue()
		if typ != tokNumber || !strings.ContainsAny(s, ".eE") {
			break
		}
		corners = append(corners, &geom.Vector4{X: p.readFloat(), Y: p.readFloat(), Z: p.readFloat(), W: p.readFloat()})
	}
	faces := p.readFaceList(true, "vertex color face")
	p.endBlock()
	if p.err != nil {
		return
	}

	colors := make([]*geom.Vector4, n)
	ci := 0
	for _, face := range faces {
		for _, idx := range face {
			if ci >= len(corners) {
				p.errorf("vertex color list is shorter than the face list")
				return
			}
			if idx < 0 || idx >= n {
				p.errorf("vertex color index %d out of range", idx)
				return
			}
			colors[idx] = corners[ci]
			ci++
		}
	}
	if ci != len(corners) {
		p.errorf("vertex color list has %d extra entries", len(corners)-ci)
		return
	}
	for i, c := range colors {
		if c == nil {
			colors[i] = &geom.Vector4{}
		}
	}
	mesh.VertexColors = colors
	mesh.VertexColorFaces = faces
}

func (p *Parser) parseAnimationSet() {
	p.expect(tokBlockStart, "{")
	for p.err == nil {
		typ, s := p.next()
		if typ == tokBlockEnd {
			return
		}
		if typ != tokIdent || s != "Animation" {
			p.errorf("expected Animation, got %q", s)
			return
		}
		p.parseAnimation()
	}
}

func (p *Parser) parseAnimation() {
	typ, s := p.next()
	if typ == tokIdent {
		p.expect(tokBlockStart, "{")
	} else if typ != tokBlockStart {
		p.errorf("malformed Animation header near %q", s)
	}
	// frame reference: {frm-Name}
	p.expect(tokBlockStart, "{")
	typ, ref := p.next()
	if typ != tokIdent {
		p.errorf("expected frame reference, got %q", ref)
		return
	}
	p.expect(tokBlockEnd, "}")

	pend := pendingAnimation{name: strings.TrimPrefix(ref, "frm-")}
	for p.err == nil {
		typ, s := p.next()
		if typ == tokBlockEnd {
			break
		}
		if typ != tokIdent || s != "SI_AnimationKey" {
			p.errorf("expected SI_AnimationKey, got %q", s)
			return
		}
		p.expect(tokBlockStart, "{")
		keyType := p.readInt()
		track, err := NewAnimationKey(KeyType(keyType))
		if err != nil {
			p.errorf("invalid animation key type %d", keyType)
			return
		}
		nk := p.readInt()
		for i := 0; i < nk && p.err == nil; i++ {
			time := p.readInt()
			width := p.readInt()
			if width != track.KeyType.VectorSize() {
				p.errorf("animation key width %d does not match type %d", width, keyType)
				return
			}
			track.AddKey(time, p.readFloats(width))
		}
		p.checkListEnd("animation key")
		p.endBlock()
		pend.tracks = append(pend.tracks, track)
	}
	if p.err == nil {
		p.pendingAnims = append(p.pendingAnims, pend)
	}
}

func (p *Parser) parseEnvelopeList() {
	p.expect(tokBlockStart, "{")
	declared := p.readInt()
	count := 0
	for p.err == nil {
		typ, s := p.nextValue()
		if typ == tokBlockEnd {
			break
		}
		if typ != tokIdent || s != "SI_Envelope" {
			p.errorf("expected SI_Envelope, got %q", s)
			return
		}
		p.parseEnvelope()
		count++
	}
	if p.err == nil && count != declared {
		p.errorf("envelope list declares %d entries but contains %d", declared, count)
	}
}

func (p *Parser) parseEnvelope() {
	p.expect(tokBlockStart, "{")
	frameRef := p.readString()
	boneRef := p.readString()
	n := p.readInt()
	weights := make([]VertexWeight, n)
	for i := 0; i < n && p.err == nil; i++ {
		weights[i] = VertexWeight{Index: p.readInt(), Weight: p.readFloat()}
	}
	p.checkListEnd("envelope weight")
	p.endBlock()
	if p.err != nil {
		return
	}
	p.pendingEnvs = append(p.pendingEnvs, pendingEnvelope{
		frame:   strings.TrimPrefix(frameRef, "frm-"),
		bone:    strings.TrimPrefix(boneRef, "frm-"),
		weights: weights,
	})
}

// resolve attaches parsed animation and envelope records to their frames
// once the whole forest is built.
func (p *Parser) resolve() error {
	for _, a := range p.pendingAnims {
		frame, ok := p.doc.FrameTable[a.name]
		if !ok {
			return &UnresolvedReferenceError{Name: a.name}
		}
		frame.AnimationKeys = append(frame.AnimationKeys, a.tracks...)
	}
	for _, e := range p.pendingEnvs {
		frame, ok := p.doc.FrameTable[e.frame]
		if !ok {
			return &UnresolvedReferenceError{Name: e.frame}
		}
		bone, ok := p.doc.FrameTable[e.bone]
		if !ok {
			return &UnresolvedReferenceError{Name: e.bone}
		}
		// the format has no bone flag; a frame referenced by an envelope is one
		bone.IsBone = true
		env := frame.AddEnvelope(bone)
		env.Vertices = e.weights
	}
	return nil
}
