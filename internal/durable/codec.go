package durable

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeEmbedding serializes an embedding to base64-encoded little-endian
// 32-bit floats, the text form stored in the embedding column.
func EncodeEmbedding(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeEmbedding reverses EncodeEmbedding. Returns an error for invalid
// base64 or a byte length that is not a multiple of 4 (data corruption).
func DecodeEmbedding(s string) ([]float32, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding embedding base64: %w", err)
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding byte length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
