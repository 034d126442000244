package marketcache

import "time"

// RefreshGate decides whether a stale entry may be refreshed in the
// background at the given time. Stale entries are still served when the
// gate is closed.
type RefreshGate func(now time.Time) bool

// AlwaysRefresh never blocks background refreshes.
func AlwaysRefresh(time.Time) bool { return true }

// MarketHours opens the gate on weekdays between opens and closes, measured
// as offsets from midnight in loc. A nil loc means time.Local.
func MarketHours(loc *time.Location, opens, closes time.Duration) RefreshGate {
	if loc == nil {
		loc = time.Local
	}
	return func(now time.Time) bool {
		local := now.In(loc)
		switch local.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		offset := local.Sub(midnight)
		return offset >= opens && offset < closes
	}
}

// DefaultMarketHours is open 09:00 to 17:00 local time on weekdays.
func DefaultMarketHours() RefreshGate {
	return MarketHours(time.Local, 9*time.Hour, 17*time.Hour)
}
