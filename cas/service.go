// Package cas implements the central authentication service: the
// orchestrator behind login, logout, access granting and token validation,
// composing the authentication manager, session storage, services registry
// and protocol response factories.
package cas

import (
	"context"

	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/services"
	"github.com/jrsteele09/go-cas-server/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AuthenticationManager resolves credentials to a principal. Satisfied by
// *authentication.Manager and by fakes in tests.
type AuthenticationManager interface {
	Authenticate(ctx context.Context, request authentication.Request) (*authentication.Response, error)
}

// CentralService is the organizing component of the authority. Safe for
// concurrent use; the session storage is the only shared mutable state.
type CentralService struct {
	authManager       AuthenticationManager
	storage           session.Storage
	servicesManager   services.Manager
	responseFactories []ServiceAccessResponseFactory

	preAuthPlugins  []PreAuthenticationPlugin
	responsePlugins []AuthenticationResponsePlugin
	observers       []Observer

	stats  Statistics
	logger zerolog.Logger
}

// Option defines a function type to modify the CentralService instance.
type Option func(*CentralService)

func WithPreAuthenticationPlugins(plugins ...PreAuthenticationPlugin) Option {
	return func(s *CentralService) {
		s.preAuthPlugins = plugins
	}
}

func WithAuthenticationResponsePlugins(plugins ...AuthenticationResponsePlugin) Option {
	return func(s *CentralService) {
		s.responsePlugins = plugins
	}
}

func WithObservers(observers ...Observer) Option {
	return func(s *CentralService) {
		s.observers = observers
	}
}

// WithLogger overrides the default package logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *CentralService) {
		s.logger = logger
	}
}

// New wires the orchestrator. All four collaborators are required, and at
// least one response factory must be configured.
func New(
	authManager AuthenticationManager,
	storage session.Storage,
	servicesManager services.Manager,
	responseFactories []ServiceAccessResponseFactory,
	options ...Option,
) (*CentralService, error) {
	if authManager == nil {
		return nil, errors.New("[cas.New] authentication manager is required")
	}
	if storage == nil {
		return nil, errors.New("[cas.New] session storage is required")
	}
	if servicesManager == nil {
		return nil, errors.New("[cas.New] services manager is required")
	}
	if len(responseFactories) == 0 {
		return nil, errors.New("[cas.New] at least one response factory is required")
	}

	s := &CentralService{
		authManager:       authManager,
		storage:           storage,
		servicesManager:   servicesManager,
		responseFactories: responseFactories,
		logger:            log.Logger,
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// Statistics returns the ticket counters.
func (s *CentralService) Statistics() StatisticsSnapshot {
	return s.stats.Snapshot()
}

// Login authenticates the request's credentials and, on success, creates a
// session. Pre-auth plugins may short-circuit; a failed authentication is
// reported in-band with a nil session.
func (s *CentralService) Login(ctx context.Context, request *LoginRequest) (*LoginResponse, error) {
	if request == nil {
		return nil, errors.New("[CentralService.Login] loginRequest cannot be nil")
	}

	for _, plugin := range s.preAuthPlugins {
		if response := plugin.ContinueWithAuthentication(ctx, request); response != nil {
			return response, nil
		}
	}

	authResponse, err := s.authManager.Authenticate(ctx, authentication.Request{
		Credentials: request.Credentials,
		LongTerm:    request.LongTerm,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[CentralService.Login] authenticate")
	}

	for _, plugin := range s.responsePlugins {
		plugin.Handle(ctx, request, authResponse)
	}

	response := &LoginResponse{AuthenticationResponse: authResponse}
	if authResponse.Succeeded {
		sess, err := s.storage.CreateSession(ctx, authResponse)
		if err != nil {
			return nil, errors.Wrap(err, "[CentralService.Login] creating session")
		}
		response.Session = sess
		s.stats.incrementSessions()
		s.logger.Info().Str("session", sess.ID()).Str("principal", sess.Principal().ID).Msg("session created")
	} else {
		s.logger.Info().Msg("authentication failed")
	}

	for _, observer := range s.observers {
		observer.OnLogin(ctx, request, response)
	}
	return response, nil
}

// Logout destroys a single session. Only the top, user-initiated session is
// supported; an empty or unknown id yields an empty response.
func (s *CentralService) Logout(ctx context.Context, sessionID string) (*LogoutResponse, error) {
	response := &LogoutResponse{}
	if sessionID == "" {
		return response, nil
	}

	sess, err := s.storage.DestroySession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "[CentralService.Logout] destroying session")
	}

	if sess != nil {
		sess.Invalidate(ctx)
		response.Sessions = append(response.Sessions, sess)
		s.logger.Info().Str("session", sess.ID()).Msg("session destroyed")
	}

	for _, observer := range s.observers {
		observer.OnLogout(ctx, response)
	}
	return response, nil
}

// LogoutPrincipal destroys every session the principal holds. Each destroy
// is an independent linearization point; there is no atomicity across
// sessions.
func (s *CentralService) LogoutPrincipal(ctx context.Context, principalID string) (*LogoutResponse, error) {
	if principalID == "" {
		return nil, errors.New("[CentralService.LogoutPrincipal] principalID cannot be empty")
	}

	sessions, err := s.storage.FindSessionsByPrincipal(ctx, principalID)
	if err != nil {
		return nil, errors.Wrap(err, "[CentralService.LogoutPrincipal] finding sessions")
	}

	response := &LogoutResponse{}
	for _, sess := range sessions {
		destroyed, err := s.storage.DestroySession(ctx, sess.ID())
		if err != nil {
			return nil, errors.Wrap(err, "[CentralService.LogoutPrincipal] destroying session")
		}
		if destroyed != nil {
			destroyed.Invalidate(ctx)
			response.Sessions = append(response.Sessions, destroyed)
		}
	}

	s.logger.Info().Str("principal", principalID).Int("sessions", len(response.Sessions)).Msg("principal sessions destroyed")

	for _, observer := range s.observers {
		observer.OnLogout(ctx, response)
	}
	return response, nil
}

// Validate checks a previously granted token against the session bearing
// it. Delegation credentials mint a child session first; a failed
// delegation never consumes the primary validation. Errors are reported
// through the factory response, never as Go errors.
func (s *CentralService) Validate(ctx context.Context, request *TokenServiceAccessRequest) (*ServiceAccessResponse, error) {
	if request == nil {
		return nil, errors.New("[CentralService.Validate] tokenServiceAccessRequest cannot be nil")
	}

	var response *ServiceAccessResponse
	defer func() {
		for _, observer := range s.observers {
			observer.OnValidate(ctx, request, response)
		}
	}()

	if !request.IsValid() {
		s.logger.Debug().Str("token", request.TokenID).Msg("token validation request was not valid")
		response = s.factoryForRequest(request).ServiceAccessResponse(ResponseParams{Request: request, Err: RequestInvalidErr})
		return response, nil
	}

	sess, err := s.storage.FindSessionByAccessID(ctx, request.TokenID)
	if err != nil {
		return nil, errors.Wrap(err, "[CentralService.Validate] finding session")
	}
	if sess == nil {
		s.logger.Debug().Str("token", request.TokenID).Msg("token validation found no session")
		response = s.factoryForRequest(request).ServiceAccessResponse(ResponseParams{Request: request, Err: TokenNotFoundErr})
		return response, nil
	}

	access := sess.GetAccess(request.TokenID)
	if access == nil {
		s.logger.Debug().Str("token", request.TokenID).Msg("token validation found no access")
		response = s.factoryForRequest(request).ServiceAccessResponse(ResponseParams{Request: request, Session: sess, Err: TokenNotFoundErr})
		return response, nil
	}

	if access.Proxied() && request.RejectProxied {
		s.logger.Debug().Str("token", request.TokenID).Msg("proxied token rejected by first-hand validation")
		response = s.factoryForRequest(request).ServiceAccessResponse(ResponseParams{Request: request, Session: sess, Err: TokenNotFoundErr})
		return response, nil
	}

	if len(request.Credentials) > 0 {
		if err := s.delegate(ctx, request, access); err != nil {
			// The primary validation still proceeds.
			s.logger.Warn().Str("token", request.TokenID).Err(err).Msg("delegation failed")
		}
	}

	validationErr := access.Validate(request)
	if err := s.storage.UpdateSession(ctx, sess); err != nil {
		return nil, errors.Wrap(err, "[CentralService.Validate] updating session")
	}

	response = s.factoryForAccess(access).ServiceAccessResponse(ResponseParams{
		Request: request,
		Session: sess,
		Access:  access,
		Err:     validationErr,
	})
	return response, nil
}

func (s *CentralService) delegate(ctx context.Context, request *TokenServiceAccessRequest, access *session.Access) error {
	authResponse, err := s.authManager.Authenticate(ctx, authentication.Request{Credentials: request.Credentials})
	if err != nil {
		return errors.Wrap(err, "authenticating delegation credentials")
	}
	if !authResponse.Succeeded {
		return errors.New("delegation credentials rejected")
	}

	delegated, err := access.CreateDelegatedSession(authResponse)
	if err != nil {
		return errors.Wrap(err, "creating delegated session")
	}
	if err := s.storage.UpdateSession(ctx, delegated); err != nil {
		return errors.Wrap(err, "persisting delegated session")
	}

	s.stats.incrementDelegatedSessions()
	s.logger.Info().Str("session", delegated.ID()).Str("parent", access.ID()).Msg("delegated session created")
	return nil
}

// GrantAccess mints a service-scoped access on an existing session. Errors
// on non-proxied requests surface as typed errors; proxied requests always
// get a well-formed factory response.
func (s *CentralService) GrantAccess(ctx context.Context, request *ServiceAccessRequest) (*ServiceAccessResponse, error) {
	if request == nil {
		return nil, errors.New("[CentralService.GrantAccess] serviceAccessRequest cannot be nil")
	}

	var response *ServiceAccessResponse
	var opErr error
	defer func() {
		for _, observer := range s.observers {
			observer.OnGrantAccess(ctx, request, response, opErr)
		}
	}()

	if !s.servicesManager.MatchesExistingService(request) {
		opErr = &UnauthorizedServiceError{Service: request.Service}
		return nil, opErr
	}

	if !request.IsValid() {
		response = s.factoryForRequest(request).ServiceAccessResponse(ResponseParams{Request: request, Err: RequestInvalidErr})
		return response, nil
	}

	sess, err := s.storage.FindSessionBySessionID(ctx, request.SessionID)
	if err != nil {
		opErr = errors.Wrap(err, "[CentralService.GrantAccess] finding session")
		return nil, opErr
	}
	if sess == nil {
		if request.Proxied {
			response = s.factoryForRequest(request).ServiceAccessResponse(ResponseParams{Request: request, Err: TokenNotFoundErr})
			return response, nil
		}
		opErr = &NotFoundSessionError{SessionID: request.SessionID}
		return nil, opErr
	}

	if !sess.IsValid() {
		if request.Proxied {
			response = s.factoryForRequest(request).ServiceAccessResponse(ResponseParams{Request: request, Session: sess, Err: session.InvalidatedSessionErr})
			return response, nil
		}
		opErr = &InvalidatedSessionError{SessionID: sess.ID()}
		return nil, opErr
	}

	sessionToWorkWith := sess
	var remainingAccesses []*session.Access
	var authResponse *authentication.Response

	if request.ForceAuthentication {
		authResponse, err = s.authManager.Authenticate(ctx, authentication.Request{
			Credentials: request.Credentials,
			LongTerm:    request.LongTermLoginRequest,
		})
		if err != nil {
			opErr = errors.Wrap(err, "[CentralService.GrantAccess] re-authenticating")
			return nil, opErr
		}

		if !authResponse.Succeeded {
			response = s.factoryForRequest(request).ServiceAccessResponse(ResponseParams{
				Request:                request,
				AuthenticationResponse: authResponse,
			})
			return response, nil
		}

		if !authResponse.Principal.Equals(sess.Principal()) {
			// A different principal re-authenticated: the existing session
			// is torn down and a fresh one takes its place.
			destroyed, err := s.storage.DestroySession(ctx, sess.ID())
			if err != nil {
				opErr = errors.Wrap(err, "[CentralService.GrantAccess] destroying session")
				return nil, opErr
			}
			if destroyed != nil {
				destroyed.Invalidate(ctx)
				remainingAccesses = destroyed.Accesses()
			}

			sessionToWorkWith, err = s.storage.CreateSession(ctx, authResponse)
			if err != nil {
				opErr = errors.Wrap(err, "[CentralService.GrantAccess] creating replacement session")
				return nil, opErr
			}
			s.stats.incrementSessions()
			s.logger.Info().Str("old", sess.ID()).Str("new", sessionToWorkWith.ID()).Msg("session replaced on principal change")
		} else {
			if err := sess.AddAuthentication(authResponse.Authentications...); err != nil {
				opErr = errors.Wrap(err, "[CentralService.GrantAccess] appending authentication")
				return nil, opErr
			}
		}
	}

	access, err := sessionToWorkWith.Grant(request)
	if err != nil {
		if errors.Is(err, session.InvalidatedSessionErr) {
			opErr = &InvalidatedSessionError{SessionID: sessionToWorkWith.ID()}
			return nil, opErr
		}
		opErr = errors.Wrap(err, "[CentralService.GrantAccess] granting access")
		return nil, opErr
	}

	if err := s.storage.UpdateSession(ctx, sessionToWorkWith); err != nil {
		opErr = errors.Wrap(err, "[CentralService.GrantAccess] updating session")
		return nil, opErr
	}

	s.stats.incrementAccesses(request.Proxied)
	s.logger.Info().Str("session", sessionToWorkWith.ID()).Str("access", access.ID()).Str("service", request.Service).Msg("access granted")

	response = s.factoryForAccess(access).ServiceAccessResponse(ResponseParams{
		Request:                request,
		Session:                sessionToWorkWith,
		Access:                 access,
		AuthenticationResponse: authResponse,
		RemainingAccesses:      remainingAccesses,
	})
	return response, nil
}
