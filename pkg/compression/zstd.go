// Package compression packs snapshot images before they are stored and sent to peers.
package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MaxDecodedSize caps the memory a single decoded image may take.
const MaxDecodedSize = 1 << 30

var (
	encOnce sync.Once
	encoder *zstd.Encoder
	decOnce sync.Once
	decoder *zstd.Decoder
)

func getEncoder() *zstd.Encoder {
	encOnce.Do(func() {
		// nil writer: only EncodeAll is used
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func getDecoder() *zstd.Decoder {
	decOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	})
	return decoder
}

// Compress returns data as a zstd frame.
func Compress(data []byte) []byte {
	return getEncoder().EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	out, err := getDecoder().DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Ratio is compressed/original, 0 for empty input.
func Ratio(original, compressed int) float64 {
	if original == 0 {
		return 0
	}
	return float64(compressed) / float64(original)
}
