// Package datatype maps cached data types to their freshness and storage tuning.
package datatype

import (
	"errors"
	"fmt"
	"time"
)

// DataType identifies the kind of market data held by a cache entry.
type DataType int

// Supported data types.
const (
	Quote DataType = iota
	Fundamentals
	Charts
)

// All lists every supported data type in declaration order.
var All = []DataType{Quote, Fundamentals, Charts}

// String returns the lowercase name used in config files and logs.
func (d DataType) String() string {
	switch d {
	case Quote:
		return "quote"
	case Fundamentals:
		return "fundamentals"
	case Charts:
		return "charts"
	default:
		return fmt.Sprintf("datatype(%d)", int(d))
	}
}

// Partition returns the persistent-tier partition name for the data type.
func (d DataType) Partition() string {
	switch d {
	case Quote:
		return "quotes"
	case Fundamentals:
		return "fundamentals"
	case Charts:
		return "charts"
	default:
		return "metadata"
	}
}

// Valid reports whether d is one of the supported data types.
func (d DataType) Valid() bool {
	return d >= Quote && d <= Charts
}

// Parse returns the DataType for a name such as "quote".
func Parse(name string) (DataType, error) {
	for _, d := range All {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("datatype: unknown data type %q", name)
}

// Priority controls whether stale entries trigger a background refresh.
type Priority int

// Refresh priorities.
const (
	Low Priority = iota
	Medium
	High
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority returns the Priority for a name such as "high".
func ParsePriority(name string) (Priority, error) {
	switch name {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	default:
		return 0, fmt.Errorf("datatype: unknown priority %q", name)
	}
}

// Config holds the tuning parameters for one data type.
type Config struct {
	// FreshWindow is how long after creation an entry is served without revalidation.
	FreshWindow time.Duration

	// HardExpiry is how long after creation an entry may be served at all.
	HardExpiry time.Duration

	// StaleRefreshWindow is how long past the fresh window a stale read still
	// schedules a background refresh.
	StaleRefreshWindow time.Duration

	// Compress enables payload compression above the codec threshold.
	Compress bool

	// Priority gates background refresh of stale entries.
	Priority Priority
}

// ErrInvalidConfig is returned when a Config violates its invariants.
var ErrInvalidConfig = errors.New("datatype: invalid config")

// Validate checks that the windows are positive and ordered.
func (c Config) Validate() error {
	if c.FreshWindow <= 0 {
		return fmt.Errorf("%w: fresh window must be positive", ErrInvalidConfig)
	}
	if c.HardExpiry < c.FreshWindow {
		return fmt.Errorf("%w: hard expiry %s is shorter than fresh window %s",
			ErrInvalidConfig, c.HardExpiry, c.FreshWindow)
	}
	if c.StaleRefreshWindow < 0 {
		return fmt.Errorf("%w: stale refresh window must not be negative", ErrInvalidConfig)
	}
	return nil
}
