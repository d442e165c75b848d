package cas

import (
	"context"

	"github.com/jrsteele09/go-cas-server/authentication"
)

// PreAuthenticationPlugin runs before credentials are checked. Returning a
// non-nil LoginResponse short-circuits the login, which is how throttling,
// CAPTCHA and MFA interstitials are implemented.
type PreAuthenticationPlugin interface {
	ContinueWithAuthentication(ctx context.Context, request *LoginRequest) *LoginResponse
}

// AuthenticationResponsePlugin runs after authentication with the outcome in
// hand. Plugins cannot veto at this stage.
type AuthenticationResponsePlugin interface {
	Handle(ctx context.Context, request *LoginRequest, response *authentication.Response)
}

// Observer is notified at the boundaries of the four orchestrator
// operations. Audit and profiling cross-cuts hang off these hooks.
type Observer interface {
	OnLogin(ctx context.Context, request *LoginRequest, response *LoginResponse)
	OnLogout(ctx context.Context, response *LogoutResponse)
	OnValidate(ctx context.Context, request *TokenServiceAccessRequest, response *ServiceAccessResponse)
	OnGrantAccess(ctx context.Context, request *ServiceAccessRequest, response *ServiceAccessResponse, err error)
}
