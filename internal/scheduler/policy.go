package scheduler

import "time"

// DelayPolicy decides how long after a retryable outcome the next attempt is
// scheduled.
type DelayPolicy interface {
	// NextDelay returns the delay before the given attempt number (the
	// attempt about to be scheduled, 1-based).
	NextDelay(attempt int) time.Duration
}

// FixedDelay schedules every retry a constant interval from now. It is the
// default policy.
type FixedDelay struct {
	Delay time.Duration
}

// NextDelay implements DelayPolicy.
func (f FixedDelay) NextDelay(int) time.Duration { return f.Delay }

// BackoffDelay doubles the delay per attempt up to Max.
type BackoffDelay struct {
	Base time.Duration
	Max  time.Duration
}

// NextDelay implements DelayPolicy.
func (b BackoffDelay) NextDelay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}
