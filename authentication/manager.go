package authentication

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Request asks the manager to resolve a set of credentials to a principal.
type Request struct {
	Credentials []Credential
	LongTerm    bool
}

// Response is the outcome of an authentication attempt. Failures are
// reported in-band, keyed by handler name; Succeeded is true only when every
// credential in the request resolved.
type Response struct {
	Succeeded       bool
	Principal       *Principal
	Authentications []Authentication
	Failures        map[string]error
	Attributes      map[string][]string
}

// Handler verifies one kind of credential and mints the principal behind it.
// Handlers must not mutate session state; network-bound handlers honour the
// context deadline.
type Handler interface {
	Name() string
	Supports(credential Credential) bool
	Authenticate(ctx context.Context, credential Credential) (*Principal, error)
}

// Manager resolves credentials through an ordered handler chain. For each
// credential the first handler whose Supports returns true is invoked; all
// credentials must succeed for the response to be marked succeeded.
type Manager struct {
	handlers []Handler
	logger   zerolog.Logger
	nowFunc  func() time.Time
}

// ManagerOption defines a function type to modify the Manager instance.
type ManagerOption func(*Manager)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// WithLogger overrides the default package logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager initialises a Manager with an ordered list of handlers.
func NewManager(handlers []Handler, options ...ManagerOption) (*Manager, error) {
	if len(handlers) == 0 {
		return nil, errors.New("[NewManager] at least one handler is required")
	}

	m := &Manager{
		handlers: handlers,
		logger:   log.Logger,
		nowFunc:  time.Now,
	}

	for _, opt := range options {
		opt(m)
	}

	return m, nil
}

// Authenticate runs every credential in the request through the handler
// chain. Partial failures are recorded and do not short-circuit the
// remaining credentials.
func (m *Manager) Authenticate(ctx context.Context, request Request) (*Response, error) {
	if len(request.Credentials) == 0 {
		return nil, errors.New("[Manager.Authenticate] request contains no credentials")
	}

	response := &Response{
		Failures:   make(map[string]error),
		Attributes: make(map[string][]string),
	}

	succeeded := 0
	for _, credential := range request.Credentials {
		handler := m.findHandler(credential)
		if handler == nil {
			response.Failures["unsupported"] = NoHandlerErr
			continue
		}

		principal, err := handler.Authenticate(ctx, credential)
		if err != nil {
			m.logger.Debug().Str("handler", handler.Name()).Err(err).Msg("credential rejected")
			response.Failures[handler.Name()] = err
			continue
		}

		succeeded++
		if response.Principal == nil {
			response.Principal = principal
		}
		for name, values := range principal.Attributes {
			response.Attributes[name] = values
		}
		response.Authentications = append(response.Authentications, Authentication{
			Principal:  principal,
			Instant:    m.nowFunc(),
			Method:     handler.Name(),
			Attributes: principal.Attributes,
			LongTerm:   request.LongTerm,
		})
	}

	response.Succeeded = succeeded == len(request.Credentials)
	return response, nil
}

func (m *Manager) findHandler(credential Credential) Handler {
	for _, handler := range m.handlers {
		if handler.Supports(credential) {
			return handler
		}
	}
	return nil
}
