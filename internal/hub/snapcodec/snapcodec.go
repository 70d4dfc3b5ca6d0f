// Package snapcodec provides compression for operation snapshots.
package snapcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Algorithm identifies the compression applied to a snapshot, stored as
// the first byte of the file.
type Algorithm byte

const (
	AlgoNone Algorithm = 0
	AlgoZstd Algorithm = 1
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("snapcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("snapcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses data with zstd and prepends the algorithm byte.
func Compress(data []byte) []byte {
	out := make([]byte, 1, len(data)/2+1)
	out[0] = byte(AlgoZstd)
	return encoder.EncodeAll(data, out)
}

// Decompress reverses Compress according to the leading algorithm byte.
// Returns an error for unknown algorithms or truncated input.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("snapcodec: empty input")
	}
	switch Algorithm(data[0]) {
	case AlgoZstd:
		return decoder.DecodeAll(data[1:], nil)
	case AlgoNone:
		return data[1:], nil
	default:
		return nil, fmt.Errorf("snapcodec: unsupported algorithm %d", data[0])
	}
}
