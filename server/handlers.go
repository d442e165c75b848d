package server

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/cas"
	"github.com/pkg/errors"
)

var errNilService = errors.New("[server.New] central service is required")

// LoginRequestBody is the JSON body of POST /v1/login.
type LoginRequestBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	LongTerm bool   `json:"longTerm"`
}

// LoginResponseBody reports the established session.
type LoginResponseBody struct {
	SessionID  string              `json:"sessionId"`
	Principal  string              `json:"principal"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// LogoutRequestBody addresses either one session or every session a
// principal holds.
type LogoutRequestBody struct {
	SessionID   string `json:"sessionId,omitempty"`
	PrincipalID string `json:"principalId,omitempty"`
}

// LogoutResponseBody reports what the logout destroyed.
type LogoutResponseBody struct {
	Sessions          []string `json:"sessions"`
	LoggedOutAccesses []string `json:"loggedOutAccesses"`
}

// GrantRequestBody is the JSON body of POST /v1/grant.
type GrantRequestBody struct {
	SessionID           string `json:"sessionId"`
	Service             string `json:"service"`
	Protocol            string `json:"protocol,omitempty"`
	Proxied             bool   `json:"proxied,omitempty"`
	ForceAuthentication bool   `json:"forceAuthentication,omitempty"`
	LongTerm            bool   `json:"longTerm,omitempty"`
	Username            string `json:"username,omitempty"`
	Password            string `json:"password,omitempty"`
}

// GrantResponseBody carries the minted ticket. Assertion is set for
// self-validating protocols, where the signed token is the ticket.
type GrantResponseBody struct {
	Ticket    string `json:"ticket"`
	SessionID string `json:"sessionId"`
	Assertion string `json:"assertion,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// LoginHandler processes POST /v1/login.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeJSON[LoginRequestBody](w, r)
		if !ok {
			return
		}

		response, err := s.service.Login(r.Context(), &cas.LoginRequest{
			Credentials: []authentication.Credential{
				authentication.UserPasswordCredential{Username: body.Username, Password: body.Password},
			},
			LongTerm:      body.LongTerm,
			RemoteAddress: r.RemoteAddr,
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}

		if response.Session == nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication failed"})
			return
		}

		principal := response.Session.Principal()
		writeJSON(w, http.StatusCreated, LoginResponseBody{
			SessionID:  response.Session.ID(),
			Principal:  principal.ID,
			Attributes: principal.Attributes,
		})
	}
}

// LogoutHandler processes POST /v1/logout.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeJSON[LogoutRequestBody](w, r)
		if !ok {
			return
		}

		var response *cas.LogoutResponse
		var err error
		switch {
		case body.PrincipalID != "":
			response, err = s.service.LogoutPrincipal(r.Context(), body.PrincipalID)
		default:
			response, err = s.service.Logout(r.Context(), body.SessionID)
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}

		result := LogoutResponseBody{Sessions: []string{}, LoggedOutAccesses: []string{}}
		for _, sess := range response.Sessions {
			result.Sessions = append(result.Sessions, sess.ID())
		}
		for _, access := range response.LoggedOutAccesses() {
			result.LoggedOutAccesses = append(result.LoggedOutAccesses, access.ID())
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// GrantHandler processes POST /v1/grant.
func (s *Server) GrantHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeJSON[GrantRequestBody](w, r)
		if !ok {
			return
		}

		request := &cas.ServiceAccessRequest{
			SessionID:            body.SessionID,
			Service:              body.Service,
			ProtocolTag:          body.Protocol,
			Proxied:              body.Proxied,
			ForceAuthentication:  body.ForceAuthentication,
			LongTermLoginRequest: body.LongTerm,
		}
		if body.Username != "" {
			request.Credentials = []authentication.Credential{
				authentication.UserPasswordCredential{Username: body.Username, Password: body.Password},
			}
		}

		response, err := s.service.GrantAccess(r.Context(), request)
		if err != nil {
			s.writeGrantError(w, err)
			return
		}

		if !response.Succeeded() {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: grantFailureMessage(response)})
			return
		}

		result := GrantResponseBody{
			Ticket:    response.Access.ID(),
			SessionID: response.Access.SessionID(),
		}
		if response.ContentType == "application/jwt" {
			result.Assertion = string(response.Body)
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func grantFailureMessage(response *cas.ServiceAccessResponse) string {
	if response.Err != nil {
		return response.Err.Error()
	}
	return "authentication failed"
}

func (s *Server) writeGrantError(w http.ResponseWriter, err error) {
	var unauthorizedService *cas.UnauthorizedServiceError
	var notFound *cas.NotFoundSessionError
	var invalidated *cas.InvalidatedSessionError

	switch {
	case errors.As(err, &unauthorizedService):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.As(err, &invalidated):
		writeJSON(w, http.StatusGone, errorBody{Error: err.Error()})
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

// ValidateHandler serves the validation endpoints. proxyAllowed
// distinguishes first-hand validation from proxy-aware validation.
func (s *Server) ValidateHandler(proxyAllowed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		request := &cas.TokenServiceAccessRequest{
			TokenID:       query.Get("ticket"),
			Service:       query.Get("service"),
			ProtocolTag:   query.Get("protocol"),
			RejectProxied: !proxyAllowed,
		}

		if pgtURL := query.Get("pgtUrl"); pgtURL != "" {
			callback, err := url.Parse(pgtURL)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "pgtUrl is not a valid URL"})
				return
			}
			request.Credentials = []authentication.Credential{
				authentication.URLCredential{URL: callback},
			}
		}

		response, err := s.service.Validate(r.Context(), request)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}

		w.Header().Set("Content-Type", response.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(response.Body)
	}
}

// StatsHandler serves GET /v1/stats.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.service.Statistics())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var payload T
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return payload, false
	}
	return payload, true
}
