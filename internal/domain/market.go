package domain

import (
	"fmt"
	"strings"
	"time"
)

// SlotSeconds is the length of an up/down market window.
const SlotSeconds = 900

// Market is one 15-minute up/down market for an asset. It is immutable once
// discovered; the YES token pays $1.00 if the asset closed up, the NO token
// pays $1.00 otherwise.
type Market struct {
	ConditionID string
	Slug        string
	Asset       string
	Question    string
	YesTokenID  string
	NoTokenID   string
	StartTime   time.Time
	EndTime     time.Time
}

// SecondsRemaining returns the seconds until market resolution, floored at 0.
func (m Market) SecondsRemaining(now time.Time) float64 {
	rem := m.EndTime.Sub(now).Seconds()
	if rem < 0 {
		return 0
	}
	return rem
}

// Tradeable reports whether the market still accepts entries. Markets in
// their final minute are excluded.
func (m Market) Tradeable(now time.Time) bool {
	return m.SecondsRemaining(now) > 60
}

// Expired reports whether the market window has ended.
func (m Market) Expired(now time.Time) bool {
	return !now.Before(m.EndTime)
}

// SlotStart returns the epoch second of the 15-minute slot containing now.
func SlotStart(now time.Time) int64 {
	return now.Unix() / SlotSeconds * SlotSeconds
}

// SlotSlug returns the deterministic market slug for an asset and slot. The
// slug embeds the slot's end timestamp, e.g. "btc-updown-15m-1765432800".
func SlotSlug(asset string, slotStart int64) string {
	return fmt.Sprintf("%s-updown-15m-%d", strings.ToLower(asset), slotStart+SlotSeconds)
}
