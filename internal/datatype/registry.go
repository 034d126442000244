package datatype

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry maps every DataType to its Config.
// A Registry is immutable once built and safe for concurrent use.
type Registry struct {
	configs [Charts + 1]Config
}

// Defaults returns the built-in tuning for each data type.
func Defaults() map[DataType]Config {
	return map[DataType]Config{
		Quote: {
			FreshWindow:        30 * time.Second,
			HardExpiry:         5 * time.Minute,
			StaleRefreshWindow: 4*time.Minute + 30*time.Second,
			Compress:           false,
			Priority:           High,
		},
		Fundamentals: {
			FreshWindow:        6 * time.Hour,
			HardExpiry:         24 * time.Hour,
			StaleRefreshWindow: 18 * time.Hour,
			Compress:           true,
			Priority:           Medium,
		},
		Charts: {
			FreshWindow:        5 * time.Minute,
			HardExpiry:         time.Hour,
			StaleRefreshWindow: 55 * time.Minute,
			Compress:           true,
			Priority:           Medium,
		},
	}
}

// NewRegistry builds a registry from the defaults with overrides applied.
func NewRegistry(overrides map[DataType]Config) (*Registry, error) {
	merged := Defaults()
	for dt, cfg := range overrides {
		if !dt.Valid() {
			return nil, fmt.Errorf("datatype: unknown data type %d", int(dt))
		}
		merged[dt] = cfg
	}

	r := &Registry{}
	for _, dt := range All {
		cfg := merged[dt]
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", dt, err)
		}
		r.configs[dt] = cfg
	}
	return r, nil
}

// DefaultRegistry returns a registry holding the built-in defaults.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(nil)
	if err != nil {
		panic(err) // defaults are static
	}
	return r
}

// Config returns the configuration for dt.
// Unknown data types fall back to the Quote configuration.
func (r *Registry) Config(dt DataType) Config {
	if !dt.Valid() {
		return r.configs[Quote]
	}
	return r.configs[dt]
}

// fileConfig is the YAML layout of a registry file:
//
//	quote:
//	  fresh_window: 30s
//	  hard_expiry: 5m
//	  priority: high
type fileConfig map[string]struct {
	FreshWindow        string `yaml:"fresh_window"`
	HardExpiry         string `yaml:"hard_expiry"`
	StaleRefreshWindow string `yaml:"stale_refresh_window"`
	Compress           *bool  `yaml:"compress"`
	Priority           string `yaml:"priority"`
}

// ParseRegistry builds a registry from YAML. Omitted fields keep their defaults.
func ParseRegistry(data []byte) (*Registry, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}

	defaults := Defaults()
	overrides := make(map[DataType]Config, len(fc))
	for name, raw := range fc {
		dt, err := Parse(name)
		if err != nil {
			return nil, err
		}
		cfg := defaults[dt]

		if cfg.FreshWindow, err = durationOr(raw.FreshWindow, cfg.FreshWindow); err != nil {
			return nil, fmt.Errorf("%s.fresh_window: %w", name, err)
		}
		if cfg.HardExpiry, err = durationOr(raw.HardExpiry, cfg.HardExpiry); err != nil {
			return nil, fmt.Errorf("%s.hard_expiry: %w", name, err)
		}
		if cfg.StaleRefreshWindow, err = durationOr(raw.StaleRefreshWindow, cfg.StaleRefreshWindow); err != nil {
			return nil, fmt.Errorf("%s.stale_refresh_window: %w", name, err)
		}
		if raw.Compress != nil {
			cfg.Compress = *raw.Compress
		}
		if raw.Priority != "" {
			if cfg.Priority, err = ParsePriority(raw.Priority); err != nil {
				return nil, fmt.Errorf("%s.priority: %w", name, err)
			}
		}
		overrides[dt] = cfg
	}

	return NewRegistry(overrides)
}

// LoadFile reads a YAML registry file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	return ParseRegistry(data)
}

// MarshalYAML renders the registry in the same layout ParseRegistry accepts.
func (r *Registry) MarshalYAML() (interface{}, error) {
	out := make(map[string]map[string]interface{}, len(All))
	for _, dt := range All {
		cfg := r.configs[dt]
		out[dt.String()] = map[string]interface{}{
			"fresh_window":         cfg.FreshWindow.String(),
			"hard_expiry":          cfg.HardExpiry.String(),
			"stale_refresh_window": cfg.StaleRefreshWindow.String(),
			"compress":             cfg.Compress,
			"priority":             cfg.Priority.String(),
		}
	}
	return out, nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
