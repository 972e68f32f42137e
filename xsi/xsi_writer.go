package xsi

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/binzume/xsiconv/geom"
)

// Write serializes the document into the XSI 1.0 text format.
// The document is not modified.
func Write(doc *Document, ww io.Writer) error {
	w := &writer{w: bufio.NewWriter(ww)}
	w.writeDocument(doc)
	return w.w.Flush()
}

// Save writes the document to path. The file is closed on every path; on
// error the destination contents are unspecified.
func Save(doc *Document, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(doc, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// safeName maps a frame or mesh name onto the identifier alphabet of the
// format. Both writer and reader join frame blocks to animation and
// envelope blocks by this sanitized name.
func safeName(name string) string {
	if name == "" {
		return "unnamed"
	}
	var b strings.Builder
	for _, c := range name {
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

type writer struct {
	w *bufio.Writer
}

func (w *writer) line(t int, s string) {
	for i := 0; i < t; i++ {
		w.w.WriteByte('\t')
	}
	w.w.WriteString(s)
	w.w.WriteByte('\n')
}

func (w *writer) linef(t int, format string, a ...interface{}) {
	w.line(t, fmt.Sprintf(format, a...))
}

// writeList emits a size-prefixed list: the count, then each element
// comma-terminated except the last, which takes a semicolon. An empty list
// is just the bare count.
func (w *writer) writeList(t, n int, elem func(i int) string) {
	w.linef(t, "%d;", n)
	for i := 0; i < n; i++ {
		term := ","
		if i == n-1 {
			term = ";"
		}
		w.line(t, elem(i)+term)
	}
}

func faceStr(face []int) string {
	indices := make([]string, len(face))
	for i, v := range face {
		indices[i] = strconv.Itoa(v)
	}
	return fmt.Sprintf("%d;", len(face)) + strings.Join(indices, ",") + ";"
}

// writeFaceList emits faces. Indexed lists prefix each face with its own
// 0-based position; the geometry face list is unindexed, the normal, UV and
// vertex-color face lists are indexed.
func (w *writer) writeFaceList(t int, faces [][]int, indexed bool) {
	w.writeList(t, len(faces), func(i int) string {
		if indexed {
			return fmt.Sprintf("%d;", i) + faceStr(faces[i])
		}
		return faceStr(faces[i])
	})
}

func (w *writer) writeDocument(doc *Document) {
	w.line(0, "xsi 0101txt 0032")
	w.line(0, "")

	w.line(0, "SI_CoordinateSystem coord {")
	w.line(1, "1;")
	w.line(1, "0;")
	w.line(1, "1;")
	w.line(1, "0;")
	w.line(1, "2;")
	w.line(1, "5;")
	w.line(0, "}")
	w.line(0, "")

	w.line(0, "SI_Angle {")
	w.line(1, "0;")
	w.line(0, "}")
	w.line(0, "")

	w.line(0, "SI_Ambience {")
	w.line(1, "0.000000; 0.000000; 0.000000;;")
	w.line(0, "}")

	for _, root := range doc.Roots {
		w.line(0, "")
		w.writeFrame(0, root)
	}

	animated := doc.AnimatedFrames()
	if len(animated) > 0 {
		w.line(0, "")
		w.line(0, "AnimationSet {")
		for _, frame := range animated {
			w.writeAnimation(1, frame)
		}
		w.line(0, "}")
	}

	skinned := doc.SkinnedFrames()
	if len(skinned) > 0 {
		w.line(0, "")
		w.line(0, "SI_EnvelopeList {")
		w.linef(1, "%d;", doc.EnvelopeCount())
		for _, frame := range skinned {
			for _, env := range frame.Envelopes {
				w.writeEnvelope(1, frame, env)
			}
		}
		w.line(0, "}")
	}
}

func (w *writer) writeFrame(t int, frame *Frame) {
	w.linef(t, "Frame frm-%s {", safeName(frame.Name))

	if frame.Transform != nil {
		w.writeMatrix(t+1, frame.Transform, "FrameTransformMatrix")
	}
	if frame.Pose != nil {
		w.writeMatrix(t+1, frame.Pose, "SI_FrameBasePoseMatrix")
	}
	if frame.Mesh != nil {
		name := frame.Mesh.Name
		if name == "" {
			name = frame.Name
		}
		w.writeMesh(t+1, frame.Mesh, name)
	}
	for _, sub := range frame.Children {
		w.writeFrame(t+1, sub)
	}

	w.line(t, "}")
}

func (w *writer) writeMatrix(t int, matrix *Matrix, blockName string) {
	w.line(t, blockName+" {")
	w.linef(t+1, "%f,%f,%f,%f,", matrix.Right.X, matrix.Right.Y, matrix.Right.Z, matrix.Right.W)
	w.linef(t+1, "%f,%f,%f,%f,", matrix.Up.X, matrix.Up.Y, matrix.Up.Z, matrix.Up.W)
	w.linef(t+1, "%f,%f,%f,%f,", matrix.Front.X, matrix.Front.Y, matrix.Front.Z, matrix.Front.W)
	w.linef(t+1, "%f,%f,%f,%f;;", matrix.Posit.X, matrix.Posit.Y, matrix.Posit.Z, matrix.Posit.W)
	w.line(t, "}")
}

func (w *writer) writeMesh(t int, mesh *Mesh, name string) {
	w.linef(t, "Mesh %s {", safeName(name))

	if len(mesh.Vertices) > 0 {
		w.writeList(t+1, len(mesh.Vertices), func(i int) string {
			v := mesh.Vertices[i]
			return fmt.Sprintf("%f;%f;%f;", v.X, v.Y, v.Z)
		})

		if len(mesh.Faces) > 0 {
			w.writeFaceList(t+1, mesh.Faces, false)
		}

		if len(mesh.FaceMaterials) > 0 && len(mesh.Faces) > 0 {
			indices, materials := mesh.MaterialIndices()

			w.line(t+1, "MeshMaterialList {")
			w.linef(t+2, "%d;", len(materials))
			w.writeList(t+2, len(indices), func(i int) string {
				return strconv.Itoa(indices[i])
			})
			for _, material := range materials {
				w.writeMaterial(t+2, material)
			}
			w.line(t+1, "}")
		}

		if len(mesh.NormalVertices) > 0 {
			w.line(t+1, "SI_MeshNormals {")
			w.writeList(t+2, len(mesh.NormalVertices), func(i int) string {
				v := mesh.NormalVertices[i]
				return fmt.Sprintf("%f;%f;%f;", v.X, v.Y, v.Z)
			})
			if len(mesh.NormalFaces) > 0 {
				w.writeFaceList(t+2, mesh.NormalFaces, true)
			}
			w.line(t+1, "}")
		}

		if len(mesh.UVVertices) > 0 {
			w.line(t+1, "SI_MeshTextureCoords {")
			w.writeList(t+2, len(mesh.UVVertices), func(i int) string {
				v := mesh.UVVertices[i]
				return fmt.Sprintf("%f;%f;", v.X, v.Y)
			})
			if len(mesh.UVFaces) > 0 {
				w.writeFaceList(t+2, mesh.UVFaces, true)
			}
			w.line(t+1, "}")
		}

		if len(mesh.VertexColors) > 0 && len(mesh.VertexColorFaces) > 0 {
			w.line(t+1, "SI_MeshVertexColors {")
			w.writeFaceVertices(t+2, mesh.VertexColorFaces, mesh.VertexColors)
			w.writeFaceList(t+2, mesh.VertexColorFaces, true)
			w.line(t+1, "}")
		}
	}

	w.line(t, "}")
}

// writeFaceVertices emits the color of every face corner, size-prefixed by
// the color count. Corners of one face are comma-separated, the face's last
// corner takes a semicolon.
func (w *writer) writeFaceVertices(t int, faces [][]int, colors []*geom.Vector4) {
	w.linef(t, "%d;", len(colors))
	if len(colors) == 0 {
		return
	}
	for _, face := range faces {
		if len(face) == 0 {
			continue
		}
		for _, index := range face[:len(face)-1] {
			c := colors[index]
			w.linef(t, "%f;%f;%f;%f;,", c.X, c.Y, c.Z, c.W)
		}
		c := colors[face[len(face)-1]]
		w.linef(t, "%f;%f;%f;%f;;", c.X, c.Y, c.Z, c.W)
	}
}

func (w *writer) writeMaterial(t int, material *Material) {
	w.line(t, "SI_Material {")
	w.linef(t+1, "%f;%f;%f;%f;;", material.Diffuse.X, material.Diffuse.Y, material.Diffuse.Z, material.Diffuse.W)
	w.linef(t+1, "%f;", material.Hardness)
	w.linef(t+1, "%f;%f;%f;;", material.Specular.X, material.Specular.Y, material.Specular.Z)
	w.linef(t+1, "%f;%f;%f;;", material.Emissive.X, material.Emissive.Y, material.Emissive.Z)
	w.linef(t+1, "%d;", material.ShadingType)
	w.linef(t+1, "%f;%f;%f;;", material.Ambient.X, material.Ambient.Y, material.Ambient.Z)

	if material.Texture != "" {
		w.line(t+1, "SI_Texture2D {")
		w.linef(t+2, "\"%s\";", material.Texture)
		w.line(t+1, "}")
	}

	w.line(t, "}")
}

func (w *writer) writeAnimation(t int, frame *Frame) {
	w.linef(t, "Animation anim-%s {", safeName(frame.Name))
	w.linef(t+1, "{frm-%s}", safeName(frame.Name))

	for _, track := range frame.AnimationKeys {
		w.line(t+1, "SI_AnimationKey {")
		w.linef(t+2, "%d;", track.KeyType)
		w.writeAnimationKeys(t+2, track)
		w.line(t+1, "}")
	}

	w.line(t, "}")
}

func (w *writer) writeAnimationKeys(t int, track *AnimationKey) {
	w.writeList(t, len(track.Keys), func(i int) string {
		key := track.Keys[i]
		values := make([]string, len(key.Value))
		for j, v := range key.Value {
			values[j] = fmt.Sprintf("%f", v)
		}
		return fmt.Sprintf("%d; %d; ", key.Time, len(key.Value)) + strings.Join(values, ", ") + ";;"
	})
}

func (w *writer) writeEnvelope(t int, frame *Frame, env *Envelope) {
	w.line(t, "SI_Envelope {")
	w.linef(t+1, "\"frm-%s\";", safeName(frame.Name))
	w.linef(t+1, "\"frm-%s\";", safeName(env.Bone.Name))
	w.writeList(t+1, len(env.Vertices), func(i int) string {
		return fmt.Sprintf("%d;%f;", env.Vertices[i].Index, env.Vertices[i].Weight)
	})
	w.line(t, "}")
}
