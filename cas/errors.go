package cas

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds reported in-band through factory responses, never as
// exceptions to the caller.
var (
	TokenNotFoundErr  = errors.New("token not found")
	RequestInvalidErr = errors.New("request is not valid")
)

// UnauthorizedServiceError reports a service id that matches nothing in the
// registry.
type UnauthorizedServiceError struct {
	Service string
}

func (e *UnauthorizedServiceError) Error() string {
	return fmt.Sprintf("service [%s] not authorized to use the authority", e.Service)
}

// NotFoundSessionError reports a session id that is not in the store.
type NotFoundSessionError struct {
	SessionID string
}

func (e *NotFoundSessionError) Error() string {
	return fmt.Sprintf("session [%s] could not be found", e.SessionID)
}

// InvalidatedSessionError reports a session that exists but is invalidated
// or expired.
type InvalidatedSessionError struct {
	SessionID string
}

func (e *InvalidatedSessionError) Error() string {
	return fmt.Sprintf("session [%s] is no longer valid", e.SessionID)
}
