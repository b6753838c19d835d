package risk

import (
	"fmt"
	"time"
)

// Blackout is a daily wall-clock window in a fixed timezone during which
// trading is suspended, covering the venue's scheduled maintenance restart.
type Blackout struct {
	enabled     bool
	startMinute int // minutes since local midnight, inclusive
	endMinute   int // minutes since local midnight, inclusive
	loc         *time.Location
}

// NewBlackout builds a blackout window. start and end are local hour/minute
// pairs; the end minute is inclusive (05:00–05:29 spans 30 minutes).
func NewBlackout(enabled bool, startHour, startMin, endHour, endMin int, timezone string) (*Blackout, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("blackout: load timezone %q: %w", timezone, err)
	}
	return &Blackout{
		enabled:     enabled,
		startMinute: startHour*60 + startMin,
		endMinute:   endHour*60 + endMin,
		loc:         loc,
	}, nil
}

// Within reports whether now falls inside the blackout window.
func (b *Blackout) Within(now time.Time) bool {
	if b == nil || !b.enabled {
		return false
	}
	local := now.In(b.loc)
	minute := local.Hour()*60 + local.Minute()
	if b.startMinute <= b.endMinute {
		return minute >= b.startMinute && minute <= b.endMinute
	}
	// Window wraps midnight.
	return minute >= b.startMinute || minute <= b.endMinute
}
