// Package retry holds the delivery retry schedule: a fixed backoff table
// rather than a computed exponential curve. Endpoint counts per owner are
// small and the deterministic timings make delivery history easy to read,
// so the table is deliberately not configurable.
package retry

import "time"

// backoffTable[n-1] is the delay applied after the nth failed attempt.
// The initial attempt happens inline at dispatch with zero delay.
var backoffTable = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// MaxAttempts is the total number of delivery attempts (the inline first
// attempt plus retries) before a record is finalized as failed.
const MaxAttempts = 4

type Schedule struct {
	maxAttempts int
}

func NewSchedule() Schedule {
	return Schedule{maxAttempts: MaxAttempts}
}

func (s Schedule) MaxAttempts() int {
	return s.maxAttempts
}

// Exhausted reports whether a record that has completed the given number of
// attempts gets no further retries.
func (s Schedule) Exhausted(attempts int) bool {
	return attempts >= s.maxAttempts
}

// Delay returns the backoff applied after the given completed attempt count.
// Attempts beyond the table reuse its last entry; callers are expected to
// finalize such records via Exhausted instead.
func (s Schedule) Delay(attempts int) time.Duration {
	if attempts < 1 {
		return backoffTable[0]
	}
	if attempts > len(backoffTable) {
		return backoffTable[len(backoffTable)-1]
	}
	return backoffTable[attempts-1]
}

// NextRetryAt books the next attempt after a failure at now with the given
// completed attempt count.
func (s Schedule) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(s.Delay(attempts))
}
