// Package codec compresses cached payloads. Payloads are whole values held
// in memory, so codecs work on byte slices rather than streams.
package codec

import "errors"

// Levels identify the codec that produced a stored payload.
// Level 0 means the payload is stored as-is.
const (
	LevelNone = 0
	LevelGzip = 1
	LevelZstd = 2
	LevelS2   = 3
)

// MaxDecodedSize caps the size of a decompressed payload.
const MaxDecodedSize = 64 << 20

// ErrTooLarge is returned when a payload would decompress past MaxDecodedSize.
var ErrTooLarge = errors.New("codec: decoded payload too large")

// Codec compresses and decompresses whole payloads.
// Implementations are safe for concurrent use.
type Codec interface {
	// Encode returns src compressed into a new slice.
	Encode(src []byte) ([]byte, error)
	// Decode returns the payload Encode compressed into src.
	Decode(src []byte) ([]byte, error)
	// Name is the config name of the codec, e.g. "zstd".
	Name() string
	// Level returns the level recorded on entries compressed by this codec.
	Level() int
}
