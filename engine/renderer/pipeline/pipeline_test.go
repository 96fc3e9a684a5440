package pipeline

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPipelineUsesEmbeddedShader(t *testing.T) {
	p := NewPipeline("instanced")

	assert.Equal(t, "instanced", p.PipelineKey())
	vs, fs := p.EntryPoints()
	assert.Equal(t, "vs_main", vs)
	assert.Equal(t, "fs_main", fs)
	assert.Contains(t, p.Source(), "fn "+vs)
	assert.Contains(t, p.Source(), "fn "+fs)
	assert.Contains(t, p.Source(), "@group(0) @binding(2)")

	assert.True(t, p.DepthTestEnabled())
	assert.True(t, p.DepthWriteEnabled())
	assert.Equal(t, wgpu.PrimitiveTopologyTriangleList, p.Topology())
	assert.Equal(t, wgpu.FrontFaceCCW, p.FrontFace())
	assert.Nil(t, p.Pipeline())
	assert.Nil(t, p.BindGroupLayout())
}

func TestBindGroupLayoutMatchesShader(t *testing.T) {
	desc := NewPipeline("instanced").BindGroupLayoutDescriptor()
	require.Len(t, desc.Entries, 3)

	assert.Equal(t, uint32(BindingCamera), desc.Entries[0].Binding)
	assert.Equal(t, wgpu.BufferBindingTypeUniform, desc.Entries[0].Buffer.Type)
	assert.Equal(t, uint64(common.MatrixSize), desc.Entries[0].Buffer.MinBindingSize)

	assert.Equal(t, uint32(BindingTransforms), desc.Entries[1].Binding)
	assert.Equal(t, wgpu.BufferBindingTypeReadOnlyStorage, desc.Entries[1].Buffer.Type)

	assert.Equal(t, uint32(BindingInstances), desc.Entries[2].Binding)
	assert.Equal(t, wgpu.BufferBindingTypeReadOnlyStorage, desc.Entries[2].Buffer.Type)
}

func TestVertexLayoutIsPositionOnly(t *testing.T) {
	layouts := NewPipeline("instanced").VertexLayouts()
	require.Len(t, layouts, 1)
	assert.Equal(t, uint64(common.VertexSize), layouts[0].ArrayStride)
	require.Len(t, layouts[0].Attributes, 1)
	assert.Equal(t, wgpu.VertexFormatFloat32x3, layouts[0].Attributes[0].Format)
}

func TestBuilderOptions(t *testing.T) {
	p := NewPipeline("wire",
		WithSource("// custom", "main_v", "main_f"),
		WithCullMode(wgpu.CullModeBack),
		WithTopology(wgpu.PrimitiveTopologyLineList),
		WithDepthTestEnabled(false),
		WithDepthWriteEnabled(false),
		WithFrontFace(wgpu.FrontFaceCW),
		WithWriteMask(wgpu.ColorWriteMaskRed),
	)

	vs, fs := p.EntryPoints()
	assert.Equal(t, "main_v", vs)
	assert.Equal(t, "main_f", fs)
	assert.Equal(t, "// custom", p.Source())
	assert.Equal(t, wgpu.CullModeBack, p.CullMode())
	assert.Equal(t, wgpu.PrimitiveTopologyLineList, p.Topology())
	assert.False(t, p.DepthTestEnabled())
	assert.False(t, p.DepthWriteEnabled())
	assert.Equal(t, wgpu.FrontFaceCW, p.FrontFace())
	assert.Equal(t, wgpu.ColorWriteMaskRed, p.WriteMask())

	p.Release()
	assert.Nil(t, p.Pipeline())
}
