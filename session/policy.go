package session

import "time"

// ExpirationState carries the timestamps a policy inspects. Policies are
// pure predicates over this snapshot; they never mutate anything.
type ExpirationState struct {
	Created  time.Time
	LastUsed time.Time
	LongTerm bool
}

// ExpirationPolicy decides whether a session or access is expired.
type ExpirationPolicy interface {
	IsExpired(state ExpirationState, now time.Time) bool
}

// NeverExpires keeps entries alive until explicitly destroyed.
type NeverExpires struct{}

func (NeverExpires) IsExpired(ExpirationState, time.Time) bool { return false }

// HardTimeout expires entries a fixed duration after creation.
type HardTimeout struct {
	TTL time.Duration
}

func (p HardTimeout) IsExpired(state ExpirationState, now time.Time) bool {
	return state.Created.Add(p.TTL).Before(now)
}

// SlidingWindow expires entries that have been idle longer than the window.
type SlidingWindow struct {
	Idle time.Duration
}

func (p SlidingWindow) IsExpired(state ExpirationState, now time.Time) bool {
	return state.LastUsed.Add(p.Idle).Before(now)
}

// LongTermSelector picks between two policies based on the session's
// remember-me flag.
type LongTermSelector struct {
	Standard ExpirationPolicy
	LongTerm ExpirationPolicy
}

func (p LongTermSelector) IsExpired(state ExpirationState, now time.Time) bool {
	if state.LongTerm {
		return p.LongTerm.IsExpired(state, now)
	}
	return p.Standard.IsExpired(state, now)
}
