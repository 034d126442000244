package simulation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"time"
)

// Request is one quote lookup in a replayed sequence.
type Request struct {
	Session int           `json:"session"`
	Symbol  string        `json:"symbol"`
	At      time.Duration `json:"at"` // Offset from the start of the run.
}

// Workload describes a synthetic request sequence: user sessions that each
// view a handful of symbols drawn from a Zipf distribution, so a few
// symbols take most of the traffic.
type Workload struct {
	Symbols            int
	Sessions           int
	RequestsPerSession int
	Step               time.Duration // Between requests in a session.
	SessionGap         time.Duration // Between sessions.
	Skew               float64       // Zipf s parameter; must be > 1.
	Seed               uint64
}

// DefaultWorkload is a trading-day-sized sequence over 200 symbols.
func DefaultWorkload() Workload {
	return Workload{
		Symbols:            200,
		Sessions:           500,
		RequestsPerSession: 8,
		Step:               5 * time.Second,
		SessionGap:         20 * time.Second,
		Skew:               1.2,
		Seed:               1,
	}
}

// Validate reports a parameter the generator cannot use.
func (w Workload) Validate() error {
	switch {
	case w.Symbols < 2:
		return fmt.Errorf("simulation: need at least 2 symbols, got %d", w.Symbols)
	case w.Sessions < 1 || w.RequestsPerSession < 1:
		return fmt.Errorf("simulation: sessions and requests per session must be positive")
	case w.Skew <= 1:
		return fmt.Errorf("simulation: skew must be > 1, got %g", w.Skew)
	case w.Step < 0 || w.SessionGap < 0:
		return fmt.Errorf("simulation: negative step or gap")
	}
	return nil
}

// Generate returns the request sequence. The same Workload always yields
// the same sequence.
func (w Workload) Generate() ([]Request, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(w.Seed, w.Seed^0x9e3779b97f4a7c15))
	zipf := rand.NewZipf(rng, w.Skew, 1, uint64(w.Symbols-1))

	sessionSpan := time.Duration(w.RequestsPerSession)*w.Step + w.SessionGap
	requests := make([]Request, 0, w.Sessions*w.RequestsPerSession)
	for s := 0; s < w.Sessions; s++ {
		start := time.Duration(s) * sessionSpan
		for i := 0; i < w.RequestsPerSession; i++ {
			requests = append(requests, Request{
				Session: s,
				Symbol:  SymbolName(int(zipf.Uint64())),
				At:      start + time.Duration(i)*w.Step,
			})
		}
	}
	return requests, nil
}

// SymbolName returns the ticker used for popularity rank i.
func SymbolName(i int) string {
	return fmt.Sprintf("SYM%03d", i)
}

// ReadTrace reads a recorded request sequence written as JSON lines.
// Requests must be ordered by At.
func ReadTrace(r io.Reader) ([]Request, error) {
	var requests []Request
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(requests); n > 0 && req.At < requests[n-1].At {
			return nil, fmt.Errorf("line %d: request at %s precedes %s", line, req.At, requests[n-1].At)
		}
		requests = append(requests, req)
	}
	return requests, scanner.Err()
}

// WriteTrace writes requests as JSON lines readable by ReadTrace.
func WriteTrace(w io.Writer, requests []Request) error {
	enc := json.NewEncoder(w)
	for _, req := range requests {
		if err := enc.Encode(req); err != nil {
			return err
		}
	}
	return nil
}
