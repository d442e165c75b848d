// Package protocol contains the response factories that turn orchestrator
// outcomes into protocol payloads. Each factory owns one wire format and is
// selected through the protocol tag on the request, or the tag stamped on
// the access being validated.
package protocol

import (
	"fmt"

	"github.com/jrsteele09/go-cas-server/cas"
	"github.com/jrsteele09/go-cas-server/session"
)

// CAS1Factory renders the legacy two-line plain text format: "yes\nuser\n"
// on success, "no\n\n" on any failure. Failure detail is deliberately not
// exposed on the wire.
type CAS1Factory struct{}

func NewCAS1Factory() *CAS1Factory { return &CAS1Factory{} }

var _ cas.ServiceAccessResponseFactory = (*CAS1Factory)(nil)

func (f *CAS1Factory) SupportsRequest(request cas.ProtocolRequest) bool {
	return request.Protocol() == session.ProtocolCAS1
}

func (f *CAS1Factory) SupportsAccess(access *session.Access) bool {
	return access.Protocol() == session.ProtocolCAS1
}

func (f *CAS1Factory) ServiceAccessResponse(params cas.ResponseParams) *cas.ServiceAccessResponse {
	response := &cas.ServiceAccessResponse{
		Session:                params.Session,
		Access:                 params.Access,
		AuthenticationResponse: params.AuthenticationResponse,
		RemainingAccesses:      params.RemainingAccesses,
		Err:                    params.Err,
		ContentType:            "text/plain",
	}

	if params.Err != nil || params.Session == nil {
		response.Body = []byte("no\n\n")
		return response
	}

	if _, validating := params.Request.(session.TokenRequest); !validating {
		// Grant: hand the minted ticket back for the redirect.
		response.Body = []byte(params.Access.ID())
		return response
	}

	response.Body = []byte(fmt.Sprintf("yes\n%s\n", params.Session.Principal().ID))
	return response
}
