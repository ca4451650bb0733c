package queue

import "time"

// PreciseTime is a fixed-point timestamp (nanoseconds since the Unix epoch).
// All expiration math in this package runs on it so second-bucketing and
// sub-second event ordering use the same value.
type PreciseTime int64

func Now() PreciseTime { return FromTime(time.Now()) }

func FromTime(t time.Time) PreciseTime {
	if t.IsZero() {
		return 0
	}
	return PreciseTime(t.UnixNano())
}

func (p PreciseTime) IsZero() bool { return p == 0 }

func (p PreciseTime) Add(d time.Duration) PreciseTime { return p + PreciseTime(d) }

func (p PreciseTime) Sub(o PreciseTime) time.Duration { return time.Duration(p - o) }

func (p PreciseTime) Before(o PreciseTime) bool { return p < o }

func (p PreciseTime) After(o PreciseTime) bool { return p > o }

// Sec returns the whole-second part, the granularity of the run timeline.
func (p PreciseTime) Sec() int64 { return int64(p) / int64(time.Second) }

func (p PreciseTime) Time() time.Time {
	if p == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(p))
}

func (p PreciseTime) String() string {
	if p == 0 {
		return "n/a"
	}
	return p.Time().UTC().Format(time.RFC3339Nano)
}
