package entry

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/alfalyzer/marketcache/internal/datatype"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func quoteConfig() datatype.Config {
	return datatype.Config{FreshWindow: 30 * time.Second, HardExpiry: 300 * time.Second, Priority: datatype.High}
}

func TestNew_Timestamps(t *testing.T) {
	e := New([]byte(`{"price":150}`), datatype.Quote, quoteConfig(), 0, t0)

	if !e.StaleAt.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("StaleAt = %v, want t0+30s", e.StaleAt)
	}
	if !e.ExpiresAt.Equal(t0.Add(300 * time.Second)) {
		t.Errorf("ExpiresAt = %v, want t0+300s", e.ExpiresAt)
	}
	if e.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", e.Version, CurrentVersion)
	}
}

func TestNew_ClampsStaleAt(t *testing.T) {
	cfg := datatype.Config{FreshWindow: time.Hour, HardExpiry: time.Minute}
	e := New(nil, datatype.Charts, cfg, 0, t0)
	if e.StaleAt.After(e.ExpiresAt) {
		t.Errorf("StaleAt %v after ExpiresAt %v", e.StaleAt, e.ExpiresAt)
	}
}

func TestEntry_State(t *testing.T) {
	e := New(nil, datatype.Quote, quoteConfig(), 0, t0)

	tests := []struct {
		name string
		at   time.Duration
		want State
	}{
		{"created", 0, Fresh},
		{"t+10s", 10 * time.Second, Fresh},
		{"at staleAt", 30 * time.Second, Stale},
		{"t+60s", 60 * time.Second, Stale},
		{"at expiresAt", 300 * time.Second, Expired},
		{"t+400s", 400 * time.Second, Expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.State(t0.Add(tt.at)); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_Clone(t *testing.T) {
	e := New([]byte("abc"), datatype.Quote, quoteConfig(), 0, t0)
	c := e.Clone()
	c.Data[0] = 'z'
	c.Touch(t0.Add(time.Second))

	if string(e.Data) != "abc" {
		t.Errorf("original Data mutated: %q", e.Data)
	}
	if e.AccessCount != 0 {
		t.Errorf("original AccessCount = %d, want 0", e.AccessCount)
	}
}

func TestEntry_MarshalRoundTrip(t *testing.T) {
	e := New([]byte(`{"price":150}`), datatype.Fundamentals, quoteConfig(), 2, t0)
	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !bytes.Equal(got.Data, e.Data) {
		t.Errorf("Data = %q, want %q", got.Data, e.Data)
	}
	if got.DataType != datatype.Fundamentals || got.CompressionLevel != 2 {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if !got.ExpiresAt.Equal(e.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, e.ExpiresAt)
	}
}

func TestUnmarshal_SchemaMismatch(t *testing.T) {
	old := []byte(`{"data":"e30=","version":1,"stale_at":"2026-01-01T00:00:00Z","expires_at":"2026-01-02T00:00:00Z"}`)
	if _, err := Unmarshal(old); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("Unmarshal() error = %v, want ErrSchemaMismatch", err)
	}
}

func TestUnmarshal_Garbage(t *testing.T) {
	if _, err := Unmarshal([]byte("not json")); err == nil {
		t.Error("Unmarshal() expected error for garbage input")
	}
}

func TestMarshal_RejectsInvertedTimestamps(t *testing.T) {
	e := New(nil, datatype.Quote, quoteConfig(), 0, t0)
	e.StaleAt = e.ExpiresAt.Add(time.Second)
	if _, err := e.Marshal(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Marshal() error = %v, want ErrInvalid", err)
	}
}
