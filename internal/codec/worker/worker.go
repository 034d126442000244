// Package worker runs payload compression on a dedicated goroutine.
//
// Callers never share buffers with the worker: every request carries its own
// copy of the payload and every response carries a freshly allocated result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/alfalyzer/marketcache/internal/codec"
	"github.com/alfalyzer/marketcache/internal/codec/gzipcodec"
	"github.com/alfalyzer/marketcache/internal/codec/noopcodec"
	"github.com/alfalyzer/marketcache/internal/codec/s2codec"
	"github.com/alfalyzer/marketcache/internal/codec/zstdcodec"
	"github.com/alfalyzer/marketcache/internal/stats"
)

// DefaultThreshold is the payload size above which compression kicks in.
const DefaultThreshold = 10 * 1024

var (
	// ErrCodecUnavailable indicates the worker is stopped or not running.
	ErrCodecUnavailable = errors.New("worker: codec unavailable")

	// ErrUnknownLevel indicates a payload compressed by an unregistered codec.
	ErrUnknownLevel = errors.New("worker: unknown compression level")
)

type op int

const (
	opCompress op = iota
	opDecompress
)

type request struct {
	op      op
	payload []byte
	level   int
	reply   chan response
}

type response struct {
	data  []byte
	level int
	err   error
}

// Worker compresses and decompresses payloads on its own goroutine.
type Worker struct {
	compressor codec.Codec
	codecs     map[int]codec.Codec
	threshold  int
	logger     *zap.Logger
	collector  stats.Collector

	requests chan request
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// Option configures a Worker.
type Option func(*Worker)

// WithThreshold sets the minimum payload size that gets compressed.
func WithThreshold(n int) Option {
	return func(w *Worker) { w.threshold = n }
}

// WithCodec sets the codec used for compression. Decompression accepts
// payloads from every registered codec regardless of this choice.
func WithCodec(c codec.Codec) Option {
	return func(w *Worker) {
		w.compressor = c
		w.codecs[c.Level()] = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithStats sets the stats collector.
func WithStats(c stats.Collector) Option {
	return func(w *Worker) { w.collector = c }
}

// New creates a worker. Call Start to launch its goroutine.
func New(opts ...Option) *Worker {
	w := &Worker{
		codecs: map[int]codec.Codec{
			codec.LevelGzip: gzipcodec.New(),
			codec.LevelZstd: zstdcodec.New(),
			codec.LevelS2:   s2codec.New(),
		},
		threshold: DefaultThreshold,
		logger:    zap.NewNop(),
		collector: stats.NewNoop(),
		requests:  make(chan request),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.compressor = w.codecs[codec.LevelZstd]
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker goroutine. Extra calls are ignored.
func (w *Worker) Start() {
	if w.started.CompareAndSwap(false, true) {
		go w.loop()
	}
}

// Stop shuts the worker down and waits for the in-progress request.
// Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

// Threshold returns the minimum payload size that gets compressed.
func (w *Worker) Threshold() int {
	return w.threshold
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case req := <-w.requests:
			req.reply <- w.handle(req)
		}
	}
}

func (w *Worker) handle(req request) response {
	switch req.op {
	case opCompress:
		out, err := w.compressor.Encode(req.payload)
		if err != nil {
			return response{err: err}
		}
		return response{data: out, level: w.compressor.Level()}
	case opDecompress:
		out, err := w.decode(req.payload, req.level)
		return response{data: out, level: codec.LevelNone, err: err}
	default:
		return response{err: fmt.Errorf("worker: unknown op %d", req.op)}
	}
}

func (w *Worker) decode(data []byte, level int) ([]byte, error) {
	c, ok := w.codecs[level]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, level)
	}
	return c.Decode(data)
}

// send delivers req to the worker goroutine and waits for its reply.
func (w *Worker) send(ctx context.Context, req request) (response, error) {
	if !w.started.Load() {
		return response{}, ErrCodecUnavailable
	}
	req.reply = make(chan response, 1)
	select {
	case <-w.stop:
		return response{}, ErrCodecUnavailable
	case <-ctx.Done():
		return response{}, ctx.Err()
	case w.requests <- req:
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// Compress returns payload compressed along with the level that produced it.
// Payloads at or below the threshold, and any payload the worker cannot
// handle, come back as an uncompressed copy with level 0.
func (w *Worker) Compress(ctx context.Context, payload []byte) ([]byte, int) {
	if len(payload) <= w.threshold {
		return clone(payload), codec.LevelNone
	}

	resp, err := w.send(ctx, request{op: opCompress, payload: clone(payload)})
	if err == nil {
		err = resp.err
	}
	if err != nil {
		w.logger.Warn("compression skipped", zap.Int("bytes", len(payload)), zap.Error(err))
		w.collector.IncCounter(stats.MetricCodecUnavailable, 1)
		return clone(payload), codec.LevelNone
	}
	if len(resp.data) >= len(payload) {
		return clone(payload), codec.LevelNone
	}

	w.collector.IncCounter(stats.MetricCompressed, 1)
	w.collector.ObserveHistogram(stats.MetricCompressionRatio, float64(len(resp.data))/float64(len(payload)))
	return resp.data, resp.level
}

// Decompress reverses Compress. Level 0 returns a copy of data unchanged.
// When the worker is unavailable, or ctx ends before it answers, decoding
// runs on the caller's goroutine so stored payloads remain readable.
func (w *Worker) Decompress(ctx context.Context, data []byte, level int) ([]byte, error) {
	if level == codec.LevelNone {
		return clone(data), nil
	}

	resp, err := w.send(ctx, request{op: opDecompress, payload: clone(data), level: level})
	if err != nil {
		return w.decode(data, level)
	}
	return resp.data, resp.err
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// CodecByName returns the codec for a config name: "zstd", "s2", "gzip" or
// "none".
func CodecByName(name string) (codec.Codec, error) {
	switch name {
	case "zstd", "":
		return zstdcodec.New(), nil
	case "s2":
		return s2codec.New(), nil
	case "gzip":
		return gzipcodec.New(), nil
	case "none":
		return noopcodec.New(), nil
	default:
		return nil, fmt.Errorf("worker: unknown codec %q", name)
	}
}

// LevelName returns the name of the codec that records level.
func LevelName(level int) string {
	switch level {
	case codec.LevelNone:
		return "none"
	case codec.LevelGzip:
		return "gzip"
	case codec.LevelZstd:
		return "zstd"
	case codec.LevelS2:
		return "s2"
	default:
		return fmt.Sprintf("level(%d)", level)
	}
}
