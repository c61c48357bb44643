package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector serializes a float32 slice to little-endian bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a new float32 slice.
func DecodeVector(b []byte) ([]float32, error) {
	return DecodeVectorInto(nil, b)
}

// DecodeVectorInto decodes into buf, growing it only when too small. Search
// scans reuse one buffer across rows.
func DecodeVectorInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
