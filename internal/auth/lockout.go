package auth

import "time"

// Lockout defaults applied when the configuration leaves them unset.
const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 15 * time.Minute
)

// LockoutPolicy decides, from a user's failure counter and lock timestamp,
// whether authentication may proceed. It is pure logic: persistence of the
// state it computes is the orchestrator's job.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// NewLockoutPolicy applies defaults to non-positive fields.
func NewLockoutPolicy(threshold int, duration time.Duration) LockoutPolicy {
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if duration <= 0 {
		duration = DefaultLockoutDuration
	}
	return LockoutPolicy{Threshold: threshold, Duration: duration}
}

// IsLocked reports whether the lockout window is still active.
func (p LockoutPolicy) IsLocked(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && now.Before(*lockedUntil)
}

// Remaining returns how much of the lockout window is left, or zero when the
// account is not locked.
func (p LockoutPolicy) Remaining(lockedUntil *time.Time, now time.Time) time.Duration {
	if !p.IsLocked(lockedUntil, now) {
		return 0
	}
	return lockedUntil.Sub(now)
}

// OnFailure computes the state after one more failed attempt: the incremented
// counter and, once the counter reaches the threshold, the new lock expiry.
func (p LockoutPolicy) OnFailure(failedAttempts int, now time.Time) (int, *time.Time) {
	failedAttempts++
	if failedAttempts >= p.Threshold {
		until := now.Add(p.Duration)
		return failedAttempts, &until
	}
	return failedAttempts, nil
}
