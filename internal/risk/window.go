package risk

import (
	"sync"
	"time"
)

// WindowLedger tracks the cumulative USD deployed into each market's
// 15-minute window. Amounts only accumulate for the life of the window; the
// ledger is pruned once a market's end time has passed.
type WindowLedger struct {
	mu      sync.Mutex
	spent   map[string]float64   // condition_id -> USD deployed
	expires map[string]time.Time // condition_id -> market end time
}

// NewWindowLedger creates an empty ledger.
func NewWindowLedger() *WindowLedger {
	return &WindowLedger{
		spent:   make(map[string]float64),
		expires: make(map[string]time.Time),
	}
}

// Add records amount deployed into the market's window.
func (l *WindowLedger) Add(conditionID string, amount float64, marketEnd time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spent[conditionID] += amount
	l.expires[conditionID] = marketEnd
}

// Spent returns the USD deployed into the market's window so far.
func (l *WindowLedger) Spent(conditionID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent[conditionID]
}

// Prune drops ledger entries for windows that ended before now.
func (l *WindowLedger) Prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for cid, end := range l.expires {
		if now.After(end) {
			delete(l.spent, cid)
			delete(l.expires, cid)
		}
	}
}
