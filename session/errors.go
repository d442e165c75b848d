package session

import "github.com/pkg/errors"

var (
	// TokenUsedErr reports a validate call on an access whose usage policy
	// is exhausted.
	TokenUsedErr = errors.New("token already used")

	// TokenExpiredErr reports a validate call on an access past its expiry.
	TokenExpiredErr = errors.New("token expired")

	// ServiceMismatchErr reports a validate call whose service id does not
	// match the service the token was granted for.
	ServiceMismatchErr = errors.New("token granted for a different service")

	// InvalidatedSessionErr reports a mutating operation on a session that
	// has been invalidated.
	InvalidatedSessionErr = errors.New("session invalidated")
)
