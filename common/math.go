package common

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// MatrixSize is the size of a marshaled 4x4 float32 matrix in bytes.
const MatrixSize = 64

// MarshalMatrix serializes a column-major 4x4 matrix into 64 little-endian bytes.
//
// Parameters:
//   - m: the matrix to serialize
//
// Returns:
//   - []byte: 64-byte buffer ready for GPU upload
func MarshalMatrix(m mgl32.Mat4) []byte {
	buf := make([]byte, MatrixSize)
	for i := range 16 {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(m[i]))
	}
	return buf
}

// UnmarshalMatrix decodes 64 little-endian bytes back into a column-major 4x4 matrix.
// Short input yields a zero matrix.
//
// Parameters:
//   - buf: at least 64 bytes of marshaled matrix data
//
// Returns:
//   - mgl32.Mat4: the decoded matrix
func UnmarshalMatrix(buf []byte) mgl32.Mat4 {
	var m mgl32.Mat4
	if len(buf) < MatrixSize {
		return m
	}
	for i := range 16 {
		m[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return m
}

// MarshalUint32s serializes a uint32 list into little-endian bytes.
//
// Parameters:
//   - values: the values to serialize
//
// Returns:
//   - []byte: 4*len(values) bytes
func MarshalUint32s(values []uint32) []byte {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}
