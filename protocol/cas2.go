package protocol

import (
	"encoding/xml"

	"github.com/jrsteele09/go-cas-server/cas"
	"github.com/jrsteele09/go-cas-server/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Failure codes defined by the XML wire format.
const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeInvalidTicket  = "INVALID_TICKET"
	codeInvalidService = "INVALID_SERVICE"
	codeInternalError  = "INTERNAL_ERROR"
)

type serviceResponse struct {
	XMLName xml.Name               `xml:"cas:serviceResponse"`
	Xmlns   string                 `xml:"xmlns:cas,attr"`
	Success *authenticationSuccess `xml:"cas:authenticationSuccess,omitempty"`
	Failure *authenticationFailure `xml:"cas:authenticationFailure,omitempty"`
}

type authenticationSuccess struct {
	User       string         `xml:"cas:user"`
	Attributes *attributesXML `xml:"cas:attributes,omitempty"`
	Proxies    *proxiesXML    `xml:"cas:proxies,omitempty"`
}

type authenticationFailure struct {
	Code        string `xml:"code,attr"`
	Description string `xml:",chardata"`
}

type proxiesXML struct {
	Proxies []string `xml:"cas:proxy"`
}

// attributesXML renders principal attributes as one element per key,
// repeating the element for multi-valued keys.
type attributesXML struct {
	values map[string][]string
}

func (a *attributesXML) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for key, values := range a.values {
		name := xml.Name{Local: "cas:" + key}
		for _, value := range values {
			if err := e.EncodeElement(value, xml.StartElement{Name: name}); err != nil {
				return err
			}
		}
	}
	return e.EncodeToken(start.End())
}

// CAS2Factory renders the XML validation format, including the proxy chain
// for accesses granted through delegated sessions.
type CAS2Factory struct {
	logger zerolog.Logger
}

func NewCAS2Factory() *CAS2Factory {
	return &CAS2Factory{logger: log.Logger}
}

var _ cas.ServiceAccessResponseFactory = (*CAS2Factory)(nil)

func (f *CAS2Factory) SupportsRequest(request cas.ProtocolRequest) bool {
	return request.Protocol() == session.ProtocolCAS2
}

func (f *CAS2Factory) SupportsAccess(access *session.Access) bool {
	return access.Protocol() == session.ProtocolCAS2
}

func (f *CAS2Factory) ServiceAccessResponse(params cas.ResponseParams) *cas.ServiceAccessResponse {
	response := &cas.ServiceAccessResponse{
		Session:                params.Session,
		Access:                 params.Access,
		AuthenticationResponse: params.AuthenticationResponse,
		RemainingAccesses:      params.RemainingAccesses,
		Err:                    params.Err,
		ContentType:            "application/xml",
	}

	payload := serviceResponse{Xmlns: "http://www.yale.edu/tp/cas"}
	switch {
	case params.Err != nil:
		code, description := failureFor(params.Err)
		payload.Failure = &authenticationFailure{Code: code, Description: description}
	case params.AuthenticationResponse != nil && !params.AuthenticationResponse.Succeeded:
		payload.Failure = &authenticationFailure{Code: codeInvalidRequest, Description: "authentication failed"}
	case params.Session == nil:
		payload.Failure = &authenticationFailure{Code: codeInternalError, Description: "no session"}
	default:
		principal := params.Session.Principal()
		success := &authenticationSuccess{User: principal.ID}
		if len(principal.Attributes) > 0 {
			success.Attributes = &attributesXML{values: principal.Attributes}
		}
		if chain := proxyChain(params.Session); len(chain) > 0 {
			success.Proxies = &proxiesXML{Proxies: chain}
		}
		payload.Success = success
	}

	body, err := xml.MarshalIndent(payload, "", "  ")
	if err != nil {
		f.logger.Error().Err(err).Msg("encoding service response")
		response.Err = errors.Wrap(err, "[CAS2Factory.ServiceAccessResponse] encoding")
		return response
	}

	response.Body = append([]byte(xml.Header), body...)
	return response
}

// failureFor maps orchestrator and session errors to wire failure codes.
func failureFor(err error) (string, string) {
	switch {
	case errors.Is(err, cas.RequestInvalidErr):
		return codeInvalidRequest, err.Error()
	case errors.Is(err, cas.TokenNotFoundErr),
		errors.Is(err, session.TokenUsedErr),
		errors.Is(err, session.TokenExpiredErr),
		errors.Is(err, session.InvalidatedSessionErr):
		return codeInvalidTicket, err.Error()
	case errors.Is(err, session.ServiceMismatchErr):
		return codeInvalidService, err.Error()
	default:
		return codeInternalError, err.Error()
	}
}

// proxyChain walks from the validated session up through the accesses it was
// delegated through, most recent proxy first.
func proxyChain(sess *session.Session) []string {
	var chain []string
	for current := sess; current.Parent() != nil; {
		access := current.Parent()
		chain = append(chain, access.ResourceID())
		current = access.Owner()
	}
	return chain
}
