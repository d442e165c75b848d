package cas

import (
	"fmt"

	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/session"
)

// ProtocolRequest is the slice of a request a response factory needs to
// decide whether it applies.
type ProtocolRequest interface {
	ServiceID() string
	Protocol() string
}

// ServiceAccessResponse is the protocol-level answer handed back to the
// front-end. Token and request errors travel in Err; Body carries the
// encoded protocol payload.
type ServiceAccessResponse struct {
	Session                *session.Session
	Access                 *session.Access
	AuthenticationResponse *authentication.Response
	RemainingAccesses      []*session.Access
	Err                    error
	Body                   []byte
	ContentType            string
}

// Succeeded reports whether the response represents a granted or validated
// access.
func (r *ServiceAccessResponse) Succeeded() bool {
	return r.Err == nil && r.Access != nil
}

// ResponseParams is everything a factory may need to shape a response. Any
// field except Request may be nil depending on how far the operation got.
type ResponseParams struct {
	Request                ProtocolRequest
	Session                *session.Session
	Access                 *session.Access
	AuthenticationResponse *authentication.Response
	RemainingAccesses      []*session.Access
	Err                    error
}

// ServiceAccessResponseFactory encodes responses for one protocol. Factories
// are the only components aware of protocol byte formats.
type ServiceAccessResponseFactory interface {
	SupportsRequest(request ProtocolRequest) bool
	SupportsAccess(access *session.Access) bool
	ServiceAccessResponse(params ResponseParams) *ServiceAccessResponse
}

// factoryForRequest returns the first factory supporting the request. No
// match is a wiring bug, not a runtime condition.
func (s *CentralService) factoryForRequest(request ProtocolRequest) ServiceAccessResponseFactory {
	for _, factory := range s.responseFactories {
		if factory.SupportsRequest(request) {
			return factory
		}
	}
	panic(fmt.Sprintf("no ServiceAccessResponseFactory configured for protocol %q", request.Protocol()))
}

func (s *CentralService) factoryForAccess(access *session.Access) ServiceAccessResponseFactory {
	for _, factory := range s.responseFactories {
		if factory.SupportsAccess(access) {
			return factory
		}
	}
	panic(fmt.Sprintf("no ServiceAccessResponseFactory configured for access protocol %q", access.Protocol()))
}
