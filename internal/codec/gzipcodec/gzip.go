// Package gzipcodec provides a gzip compression codec.
package gzipcodec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/alfalyzer/marketcache/internal/codec"
)

// Compile-time check that Codec implements codec.Codec.
var _ codec.Codec = (*Codec)(nil)

// Codec implements gzip compression. Writers are pooled between calls.
type Codec struct {
	writers sync.Pool
}

// New returns a new gzip codec at BestSpeed.
func New() *Codec {
	return &Codec{}
}

// Encode compresses src as a gzip member.
func (c *Codec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, ok := c.writers.Get().(*gzip.Writer)
	if ok {
		zw.Reset(&buf)
	} else {
		var err error
		if zw, err = gzip.NewWriterLevel(&buf, gzip.BestSpeed); err != nil {
			return nil, err
		}
	}
	defer c.writers.Put(zw)

	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses a gzip member.
func (c *Codec) Decode(src []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, codec.MaxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if len(out) > codec.MaxDecodedSize {
		return nil, codec.ErrTooLarge
	}
	return out, nil
}

// Name returns "gzip".
func (c *Codec) Name() string {
	return "gzip"
}

// Level returns codec.LevelGzip.
func (c *Codec) Level() int {
	return codec.LevelGzip
}
