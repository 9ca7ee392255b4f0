// Package budget implements the per-fetch time budget shared by nested waits.
package budget

import "time"

// Budget is an absolute deadline consulted by every blocking step of one
// fetch so that nested waits cannot, in aggregate, exceed the caller's
// total allowed duration. It is immutable once created.
type Budget struct {
	deadline time.Time
}

// New creates a Budget expiring after d. Non-positive durations yield an
// already-exhausted budget.
func New(d time.Duration) Budget {
	if d < 0 {
		d = 0
	}
	return Budget{deadline: time.Now().Add(d)}
}

// Remaining returns the time left, never negative.
func (b Budget) Remaining() time.Duration {
	left := time.Until(b.deadline)
	if left < 0 {
		return 0
	}
	return left
}

// Ok reports whether any budget remains.
func (b Budget) Ok() bool {
	return b.Remaining() > 0
}

// Slice returns a timeout not exceeding desired nor the remaining budget,
// raised to floor when the budget still allows it. It returns 0 only when
// the budget is exhausted.
func (b Budget) Slice(desired, floor time.Duration) time.Duration {
	remaining := b.Remaining()
	if remaining <= 0 {
		return 0
	}
	d := desired
	if d > remaining {
		d = remaining
	}
	if d < floor {
		d = floor
		if d > remaining {
			d = remaining
		}
	}
	if d < 0 {
		return 0
	}
	return d
}
