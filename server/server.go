// Package server exposes the authority over HTTP: JSON endpoints for
// session management and the classic validation endpoints for relying
// services.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jrsteele09/go-cas-server/cas"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server holds the dependencies needed by the HTTP handlers.
type Server struct {
	service *cas.CentralService
	logger  zerolog.Logger
}

// Option configures the Server instance.
type Option func(*Server)

// WithLogger overrides the default package logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(service *cas.CentralService, options ...Option) (*Server, error) {
	if service == nil {
		return nil, errNilService
	}

	s := &Server{
		service: service,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Router returns a chi.Router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/v1/login", s.LoginHandler())
	r.Post("/v1/logout", s.LogoutHandler())
	r.Post("/v1/grant", s.GrantHandler())
	r.Get("/v1/stats", s.StatsHandler())

	r.Get("/validate", s.ValidateHandler(false))
	r.Get("/serviceValidate", s.ValidateHandler(false))
	r.Get("/proxyValidate", s.ValidateHandler(true))

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestID", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
