package worker

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alfalyzer/marketcache/internal/codec"
	"github.com/alfalyzer/marketcache/internal/codec/gzipcodec"
	"github.com/alfalyzer/marketcache/internal/codec/s2codec"
)

func startWorker(t *testing.T, opts ...Option) *Worker {
	t.Helper()
	w := New(opts...)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func largePayload() []byte {
	return bytes.Repeat([]byte(`{"t":1700000000,"close":187.44},`), 1024)
}

func TestWorker_BelowThresholdIsPassThrough(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	payload := []byte(`{"price":150}`)

	out, level := w.Compress(ctx, payload)
	if level != codec.LevelNone {
		t.Errorf("level = %d, want 0", level)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("Compress() = %q, want %q", out, payload)
	}

	out[0] = 'X'
	if payload[0] == 'X' {
		t.Error("Compress() returned the caller's buffer")
	}
}

func TestWorker_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		opts  []Option
		level int
	}{
		{"zstd default", nil, codec.LevelZstd},
		{"gzip", []Option{WithCodec(gzipcodec.New())}, codec.LevelGzip},
		{"s2", []Option{WithCodec(s2codec.New())}, codec.LevelS2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := startWorker(t, tt.opts...)
			payload := largePayload()

			compressed, level := w.Compress(ctx, payload)
			if level != tt.level {
				t.Fatalf("level = %d, want %d", level, tt.level)
			}
			if len(compressed) >= len(payload) {
				t.Errorf("compressed %d bytes, original %d", len(compressed), len(payload))
			}

			got, err := w.Decompress(ctx, compressed, level)
			if err != nil {
				t.Fatalf("Decompress() error = %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestWorker_DecompressLevelZeroIsNoop(t *testing.T) {
	w := startWorker(t)
	payload := []byte("already plain")

	got, err := w.Decompress(context.Background(), payload, codec.LevelNone)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Decompress() = %q, want %q", got, payload)
	}

	again, err := w.Decompress(context.Background(), got, codec.LevelNone)
	if err != nil || !bytes.Equal(again, payload) {
		t.Errorf("second Decompress() = %q, %v", again, err)
	}
}

func TestWorker_ThresholdOption(t *testing.T) {
	w := startWorker(t, WithThreshold(16))
	payload := bytes.Repeat([]byte("a"), 64)

	_, level := w.Compress(context.Background(), payload)
	if level == codec.LevelNone {
		t.Error("expected compression above a 16 byte threshold")
	}
}

func TestWorker_StoppedSkipsCompression(t *testing.T) {
	w := New()
	w.Start()
	ctx := context.Background()

	compressed, level := w.Compress(ctx, largePayload())
	if level == codec.LevelNone {
		t.Fatal("expected compression while running")
	}

	w.Stop()

	out, lvl := w.Compress(ctx, largePayload())
	if lvl != codec.LevelNone {
		t.Errorf("level after Stop = %d, want 0", lvl)
	}
	if !bytes.Equal(out, largePayload()) {
		t.Error("uncompressed fallback should equal the payload")
	}

	// Stored payloads stay readable once the worker is gone.
	got, err := w.Decompress(ctx, compressed, level)
	if err != nil {
		t.Fatalf("Decompress() after Stop error = %v", err)
	}
	if !bytes.Equal(got, largePayload()) {
		t.Error("inline decompression mismatch")
	}
}

func TestWorker_NeverStarted(t *testing.T) {
	w := New()
	defer w.Stop()

	_, level := w.Compress(context.Background(), largePayload())
	if level != codec.LevelNone {
		t.Errorf("level = %d, want 0 without a running worker", level)
	}
}

func TestWorker_UnknownLevel(t *testing.T) {
	w := startWorker(t)
	_, err := w.Decompress(context.Background(), []byte("x"), 99)
	if !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("Decompress() error = %v, want ErrUnknownLevel", err)
	}
}

func TestWorker_CanceledContext(t *testing.T) {
	w := New()
	w.Start()
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either the worker answered first or the context won; both are valid,
	// but a canceled compress must never lose data.
	out, level := w.Compress(ctx, largePayload())
	if level == codec.LevelNone && !bytes.Equal(out, largePayload()) {
		t.Error("canceled Compress() lost the payload")
	}
}

func TestWorker_DecompressCanceledContext(t *testing.T) {
	w := startWorker(t)
	payload := largePayload()
	packed, level := w.Compress(context.Background(), payload)
	if level == codec.LevelNone {
		t.Fatal("payload was not compressed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := w.Decompress(ctx, packed, level)
	if err != nil {
		t.Fatalf("Decompress() with canceled context error = %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Decompress() with canceled context returned wrong payload")
	}
}

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name    string
		level   int
		wantErr bool
	}{
		{"", codec.LevelZstd, false},
		{"zstd", codec.LevelZstd, false},
		{"s2", codec.LevelS2, false},
		{"gzip", codec.LevelGzip, false},
		{"none", codec.LevelNone, false},
		{"brotli", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := CodecByName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CodecByName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err == nil && c.Level() != tt.level {
				t.Errorf("Level() = %d, want %d", c.Level(), tt.level)
			}
		})
	}
}

func TestWorker_NoneCodecStoresPlain(t *testing.T) {
	c, _ := CodecByName("none")
	w := startWorker(t, WithCodec(c), WithThreshold(16))
	payload := largePayload()

	// The no-op codec never shrinks a payload.
	out, level := w.Compress(context.Background(), payload)
	if level != codec.LevelNone || !bytes.Equal(out, payload) {
		t.Errorf("Compress() level = %d, want 0 with the payload unchanged", level)
	}
}

func TestLevelName(t *testing.T) {
	for level, want := range map[int]string{
		codec.LevelNone: "none",
		codec.LevelGzip: "gzip",
		codec.LevelZstd: "zstd",
		codec.LevelS2:   "s2",
		9:               "level(9)",
	} {
		if got := LevelName(level); got != want {
			t.Errorf("LevelName(%d) = %q, want %q", level, got, want)
		}
	}
}
