// Package s2codec provides an S2 (Snappy-compatible) compression codec,
// trading ratio for speed on hot quote payloads.
package s2codec

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/alfalyzer/marketcache/internal/codec"
)

// Compile-time check that Codec implements codec.Codec.
var _ codec.Codec = (*Codec)(nil)

// Codec implements S2 block compression.
type Codec struct{}

// New returns a new S2 codec.
func New() *Codec {
	return &Codec{}
}

// Encode compresses src as one S2 block.
func (c *Codec) Encode(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

// Decode decompresses an S2 block.
func (c *Codec) Decode(src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("s2: %w", err)
	}
	if n > codec.MaxDecodedSize {
		return nil, codec.ErrTooLarge
	}
	out, err := s2.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("s2: %w", err)
	}
	return out, nil
}

// Name returns "s2".
func (c *Codec) Name() string {
	return "s2"
}

// Level returns codec.LevelS2.
func (c *Codec) Level() int {
	return codec.LevelS2
}
