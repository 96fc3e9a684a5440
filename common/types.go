// package common contains common types that are used throughout this engine. They are not interface-wrapped structs, just plain structs that express
// commonly used data-types.
package common

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// VertexSize is the size of a single marshaled Vertex in bytes.
const VertexSize = 12

// Vertex is the GPU-aligned representation of a single mesh vertex.
// Matches the WGSL vertex input layout (a single vec3<f32> at location 0).
type Vertex struct {
	Position [3]float32 // offset 0: vertex position in model space (12 bytes)
}

// Marshal serializes the Vertex into a 12-byte little-endian buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 12-byte buffer ready for GPU upload
func (v Vertex) Marshal() []byte {
	buf := make([]byte, VertexSize)
	v.marshalInto(buf)
	return buf
}

func (v Vertex) marshalInto(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(v.Position[0]))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(v.Position[1]))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(v.Position[2]))
}

// MarshalVertices serializes a vertex list into one contiguous byte buffer.
//
// Parameters:
//   - vertices: the vertices to serialize
//
// Returns:
//   - []byte: len(vertices)*VertexSize bytes, or nil if the list is empty
func MarshalVertices(vertices []Vertex) []byte {
	if len(vertices) == 0 {
		return nil
	}
	buf := make([]byte, len(vertices)*VertexSize)
	for i, v := range vertices {
		v.marshalInto(buf[i*VertexSize:])
	}
	return buf
}

// Transform is an entity's placement in world space.
// Rotation is a unit quaternion; a zero-value Transform is not valid, use IdentityTransform.
type Transform struct {
	Translation mgl32.Vec3
	Rotation    mgl32.Quat
	Scale       mgl32.Vec3
}

// IdentityTransform returns a Transform at the origin with no rotation and unit scale.
//
// Returns:
//   - Transform: the identity transform
func IdentityTransform() Transform {
	return Transform{
		Translation: mgl32.Vec3{0, 0, 0},
		Rotation:    mgl32.QuatIdent(),
		Scale:       mgl32.Vec3{1, 1, 1},
	}
}

// ModelMatrix composes the 4x4 model matrix as translation * rotation * scale.
// The result is column-major, matching the WGSL mat4x4<f32> layout.
//
// Returns:
//   - mgl32.Mat4: the model matrix
func (t Transform) ModelMatrix() mgl32.Mat4 {
	translation := mgl32.Translate3D(t.Translation[0], t.Translation[1], t.Translation[2])
	rotation := t.Rotation.Normalize().Mat4()
	scale := mgl32.Scale3D(t.Scale[0], t.Scale[1], t.Scale[2])
	return translation.Mul4(rotation).Mul4(scale)
}

// ByteRange is a half-open [Offset, Offset+Size) region of a buffer.
type ByteRange struct {
	Offset uint64
	Size   uint64
}

// End returns the exclusive end offset of the range.
func (r ByteRange) End() uint64 {
	return r.Offset + r.Size
}

// Empty reports whether the range covers no bytes.
func (r ByteRange) Empty() bool {
	return r.Size == 0
}

// Adjacent reports whether other starts exactly where r ends, or overlaps it, so the two
// can be merged into one contiguous range.
//
// Parameters:
//   - other: the range that sorts after r
//
// Returns:
//   - bool: true if r and other can be coalesced
func (r ByteRange) Adjacent(other ByteRange) bool {
	return other.Offset <= r.End() && other.End() >= r.Offset
}

// Union returns the smallest range covering both r and other.
func (r ByteRange) Union(other ByteRange) ByteRange {
	start := min(r.Offset, other.Offset)
	end := max(r.End(), other.End())
	return ByteRange{Offset: start, Size: end - start}
}
