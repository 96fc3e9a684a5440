package bind_group_provider

import "github.com/cogentcore/webgpu/wgpu"

// BufferWrite describes a single GPU buffer write operation targeting a specific binding
// on a BindGroupProvider at a given byte offset. Binding VertexBinding targets the vertex buffer.
type BufferWrite struct {
	Provider BindGroupProvider
	Binding  int
	Offset   uint64
	Data     []byte
}

// VertexBinding addresses a provider's vertex buffer in a BufferWrite.
const VertexBinding = -1

// Target resolves the buffer a write lands in, or nil if it is not allocated.
func (w BufferWrite) Target() *wgpu.Buffer {
	if w.Provider == nil {
		return nil
	}
	if w.Binding == VertexBinding {
		return w.Provider.VertexBuffer()
	}
	return w.Provider.Buffer(w.Binding)
}
