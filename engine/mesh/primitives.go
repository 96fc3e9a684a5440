package mesh

import "github.com/Carmen-Shannon/oxy-frames/common"

// Quad returns a unit quad in the XY plane centred on the origin, as two counter-clockwise triangles.
func Quad() Mesh {
	return Mesh{
		Name: "quad",
		Vertices: []common.Vertex{
			{Position: [3]float32{-0.5, -0.5, 0}},
			{Position: [3]float32{0.5, -0.5, 0}},
			{Position: [3]float32{0.5, 0.5, 0}},
			{Position: [3]float32{-0.5, -0.5, 0}},
			{Position: [3]float32{0.5, 0.5, 0}},
			{Position: [3]float32{-0.5, 0.5, 0}},
		},
	}
}

// Cube returns a unit cube centred on the origin as 12 counter-clockwise triangles (36 vertices).
func Cube() Mesh {
	corners := [8][3]float32{
		{-0.5, -0.5, -0.5}, {0.5, -0.5, -0.5}, {0.5, 0.5, -0.5}, {-0.5, 0.5, -0.5},
		{-0.5, -0.5, 0.5}, {0.5, -0.5, 0.5}, {0.5, 0.5, 0.5}, {-0.5, 0.5, 0.5},
	}
	faces := [6][4]int{
		{4, 5, 6, 7}, // +Z
		{1, 0, 3, 2}, // -Z
		{5, 1, 2, 6}, // +X
		{0, 4, 7, 3}, // -X
		{7, 6, 2, 3}, // +Y
		{0, 1, 5, 4}, // -Y
	}
	vertices := make([]common.Vertex, 0, 36)
	for _, f := range faces {
		for _, i := range [6]int{f[0], f[1], f[2], f[0], f[2], f[3]} {
			vertices = append(vertices, common.Vertex{Position: corners[i]})
		}
	}
	return Mesh{Name: "cube", Vertices: vertices}
}
