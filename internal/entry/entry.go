// Package entry defines the unit of storage shared by every cache tier.
package entry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alfalyzer/marketcache/internal/datatype"
)

// CurrentVersion is the storage schema version written by this build.
// Entries carrying any other version are treated as misses.
const CurrentVersion = 2

// overhead approximates the per-entry bookkeeping cost in bytes.
const overhead = 96

var (
	// ErrSchemaMismatch indicates an entry written by an incompatible schema.
	ErrSchemaMismatch = errors.New("entry: schema version mismatch")

	// ErrInvalid indicates an entry whose timestamps are out of order.
	ErrInvalid = errors.New("entry: invalid timestamps")
)

// State describes where an entry sits in its freshness lifecycle.
type State int

// Freshness states.
const (
	Fresh State = iota
	Stale
	Expired
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "expired"
	}
}

// Entry is a cached payload with its freshness and access metadata.
type Entry struct {
	Data             []byte            `json:"data"`
	DataType         datatype.DataType `json:"data_type"`
	CreatedAt        time.Time         `json:"created_at"`
	StaleAt          time.Time         `json:"stale_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	Version          int               `json:"version"`
	AccessCount      int64             `json:"access_count"`
	LastAccessedAt   time.Time         `json:"last_accessed_at"`
	CompressionLevel int               `json:"compression_level"`
}

// New builds an entry created at now using the data type's windows.
// StaleAt is clamped so it never exceeds ExpiresAt.
func New(data []byte, dt datatype.DataType, cfg datatype.Config, level int, now time.Time) *Entry {
	staleAt := now.Add(cfg.FreshWindow)
	expiresAt := now.Add(cfg.HardExpiry)
	if staleAt.After(expiresAt) {
		staleAt = expiresAt
	}
	return &Entry{
		Data:             data,
		DataType:         dt,
		CreatedAt:        now,
		StaleAt:          staleAt,
		ExpiresAt:        expiresAt,
		Version:          CurrentVersion,
		LastAccessedAt:   now,
		CompressionLevel: level,
	}
}

// State returns the freshness state of the entry at now.
func (e *Entry) State(now time.Time) State {
	switch {
	case now.Before(e.StaleAt):
		return Fresh
	case now.Before(e.ExpiresAt):
		return Stale
	default:
		return Expired
	}
}

// Expired reports whether the entry must no longer be served at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Touch records an access at now.
func (e *Entry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccessedAt = now
}

// Size returns the approximate memory footprint of the entry stored under key.
func (e *Entry) Size(key string) int64 {
	return int64(len(e.Data) + len(key) + overhead)
}

// Clone returns a deep copy. Tiers store clones so no buffer is shared.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Data != nil {
		c.Data = make([]byte, len(e.Data))
		copy(c.Data, e.Data)
	}
	return &c
}

// Validate checks the schema version and timestamp ordering.
func (e *Entry) Validate() error {
	if e.Version != CurrentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSchemaMismatch, e.Version, CurrentVersion)
	}
	if e.StaleAt.After(e.ExpiresAt) {
		return ErrInvalid
	}
	return nil
}

// Marshal encodes the entry for a persistent tier.
func (e *Entry) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal decodes an entry written by Marshal.
// Entries from another schema version yield ErrSchemaMismatch.
func Unmarshal(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
