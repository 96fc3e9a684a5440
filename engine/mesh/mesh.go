// Package mesh deduplicates mesh geometry by content and packs every unique mesh into one shared,
// append-only vertex range.
package mesh

import (
	"golang.org/x/crypto/blake2b"

	"github.com/Carmen-Shannon/oxy-frames/common"
)

// Mesh is a flat vertex list. Its identity is the hash of its vertex data; Name is informational only.
type Mesh struct {
	Name     string
	Vertices []common.Vertex
}

// ContentHash returns the 256-bit BLAKE2b digest of the marshaled vertex data.
// Two meshes with identical vertices hash equal regardless of their names.
//
// Returns:
//   - [32]byte: the content hash
func (m Mesh) ContentHash() [32]byte {
	return blake2b.Sum256(common.MarshalVertices(m.Vertices))
}

// VertexCount returns the number of vertices in the mesh.
func (m Mesh) VertexCount() int {
	return len(m.Vertices)
}

// MeshSlot is a deduplicated mesh's vertex range plus its live instance count.
// [FirstIndex, LastIndex) is a half-open range in vertices; it never moves or shrinks once allocated.
type MeshSlot struct {
	// Index is the slot's position in registration order.
	Index int
	// Hash is the content hash the slot was registered under.
	Hash [32]byte
	// Name is the name of the first mesh registered with this content.
	Name string

	FirstIndex    uint32
	LastIndex     uint32
	FirstInstance uint32
	InstanceCount uint32
}

// VertexCount returns LastIndex - FirstIndex.
func (s MeshSlot) VertexCount() uint32 {
	return s.LastIndex - s.FirstIndex
}

// ByteRange returns the slot's range in the vertex buffer in bytes.
func (s MeshSlot) ByteRange() common.ByteRange {
	return common.ByteRange{
		Offset: uint64(s.FirstIndex) * common.VertexSize,
		Size:   uint64(s.VertexCount()) * common.VertexSize,
	}
}

// Overlaps reports whether two slots share any vertex index.
func (s MeshSlot) Overlaps(other MeshSlot) bool {
	return s.FirstIndex < other.LastIndex && other.FirstIndex < s.LastIndex
}
