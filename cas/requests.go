package cas

import (
	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/session"
)

// LoginRequest asks the authority to establish a session for a set of
// credentials.
type LoginRequest struct {
	Credentials   []authentication.Credential
	LongTerm      bool // remember-me
	RemoteAddress string
}

// LoginResponse carries the session when authentication succeeded; a failed
// login has a nil Session and the failure detail inside
// AuthenticationResponse.
type LoginResponse struct {
	Session                *session.Session
	AuthenticationResponse *authentication.Response
}

// LogoutResponse reports the sessions a logout destroyed.
type LogoutResponse struct {
	Sessions []*session.Session
}

// LoggedOutAccesses collects the accesses that were outstanding on every
// destroyed session, for single-logout reporting.
func (r *LogoutResponse) LoggedOutAccesses() []*session.Access {
	var accesses []*session.Access
	for _, sess := range r.Sessions {
		accesses = append(accesses, sess.Accesses()...)
	}
	return accesses
}

// ServiceAccessRequest asks for a service-scoped access on an existing
// session.
type ServiceAccessRequest struct {
	SessionID            string
	Service              string
	ProtocolTag          string
	Credentials          []authentication.Credential
	ForceAuthentication  bool
	LongTermLoginRequest bool
	Proxied              bool
}

var (
	_ session.AccessRequest = (*ServiceAccessRequest)(nil)
	_ ProtocolRequest       = (*ServiceAccessRequest)(nil)
)

func (r *ServiceAccessRequest) ServiceID() string { return r.Service }

func (r *ServiceAccessRequest) Protocol() string {
	if r.ProtocolTag == "" {
		return session.ProtocolCAS2
	}
	return r.ProtocolTag
}

func (r *ServiceAccessRequest) ProxiedRequest() bool { return r.Proxied }

// IsValid checks the request shape: a target service is always required,
// and forced re-authentication needs credentials to re-authenticate with.
func (r *ServiceAccessRequest) IsValid() bool {
	if r.Service == "" {
		return false
	}
	if r.ForceAuthentication && len(r.Credentials) == 0 {
		return false
	}
	return true
}

// TokenServiceAccessRequest submits a previously granted token for
// validation, optionally with delegation credentials. RejectProxied makes
// the validation treat proxy-granted tokens as unknown, for endpoints that
// only accept first-hand tokens.
type TokenServiceAccessRequest struct {
	TokenID       string
	Service       string
	ProtocolTag   string
	Credentials   []authentication.Credential
	RejectProxied bool
}

var (
	_ session.TokenRequest = (*TokenServiceAccessRequest)(nil)
	_ ProtocolRequest      = (*TokenServiceAccessRequest)(nil)
)

func (r *TokenServiceAccessRequest) Token() string     { return r.TokenID }
func (r *TokenServiceAccessRequest) ServiceID() string { return r.Service }

func (r *TokenServiceAccessRequest) Protocol() string {
	if r.ProtocolTag == "" {
		return session.ProtocolCAS2
	}
	return r.ProtocolTag
}

func (r *TokenServiceAccessRequest) IsValid() bool {
	return r.TokenID != "" && r.Service != ""
}
