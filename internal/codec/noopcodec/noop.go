// Package noopcodec provides a codec that stores payloads unchanged.
package noopcodec

import "github.com/alfalyzer/marketcache/internal/codec"

// Compile-time check that Codec implements codec.Codec.
var _ codec.Codec = Codec{}

// Codec leaves payloads as they are. Selecting it turns compression off.
type Codec struct{}

// New returns the no-op codec.
func New() Codec {
	return Codec{}
}

// Encode returns src.
func (Codec) Encode(src []byte) ([]byte, error) { return src, nil }

// Decode returns src.
func (Codec) Decode(src []byte) ([]byte, error) { return src, nil }

// Name returns "none".
func (Codec) Name() string { return "none" }

// Level returns codec.LevelNone.
func (Codec) Level() int { return codec.LevelNone }
