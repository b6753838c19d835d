package domain

// BreakerLevel is the coarse safety state of the circuit breaker. Levels only
// escalate within a day bucket.
type BreakerLevel int

const (
	BreakerNormal BreakerLevel = iota
	BreakerWarning
	BreakerCaution
	BreakerHalt
)

// String returns the level name.
func (l BreakerLevel) String() string {
	switch l {
	case BreakerNormal:
		return "NORMAL"
	case BreakerWarning:
		return "WARNING"
	case BreakerCaution:
		return "CAUTION"
	case BreakerHalt:
		return "HALT"
	default:
		return "UNKNOWN"
	}
}

// SizeMultiplier returns the position-size attenuation applied at this level.
func (l BreakerLevel) SizeMultiplier() float64 {
	switch l {
	case BreakerWarning:
		return 0.5
	case BreakerCaution, BreakerHalt:
		return 0
	default:
		return 1.0
	}
}

// BreakerState is the persisted circuit-breaker state. Day is the UTC day
// bucket ("2006-01-02") the counters belong to.
type BreakerState struct {
	Level               BreakerLevel
	ConsecutiveFailures int
	DailyPnL            float64
	Day                 string
}
