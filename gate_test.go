package marketcache

import (
	"testing"
	"time"
)

func TestMarketHours(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	gate := MarketHours(ny, 9*time.Hour+30*time.Minute, 16*time.Hour)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2024, 3, 4, 9, 29, 0, 0, ny), false},
		{"at open", time.Date(2024, 3, 4, 9, 30, 0, 0, ny), true},
		{"midday", time.Date(2024, 3, 6, 12, 0, 0, 0, ny), true},
		{"at close", time.Date(2024, 3, 4, 16, 0, 0, 0, ny), false},
		{"saturday", time.Date(2024, 3, 9, 12, 0, 0, 0, ny), false},
		{"sunday", time.Date(2024, 3, 10, 12, 0, 0, 0, ny), false},
		{"utc input converted", time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gate(tt.at); got != tt.want {
				t.Errorf("gate(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestAlwaysRefresh(t *testing.T) {
	saturday := time.Date(2024, 3, 9, 3, 0, 0, 0, time.UTC)
	if !AlwaysRefresh(saturday) {
		t.Error("AlwaysRefresh() = false")
	}
}
