package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/cas"
	"github.com/jrsteele09/go-cas-server/protocol"
	"github.com/jrsteele09/go-cas-server/server"
	"github.com/jrsteele09/go-cas-server/services"
	"github.com/jrsteele09/go-cas-server/session"
	"github.com/jrsteele09/go-cas-server/session/memstore"
	"github.com/jrsteele09/go-cas-server/users"
	fakeuserrepo "github.com/jrsteele09/go-cas-server/users/repofake"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testUsername = "alice"
	testPassword = "alice-password-123"
	appService   = "https://app.example.com/login"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock  *fakeClock
	router chi.Router
}

func setup(t *testing.T, endpointClient *http.Client) *fixture {
	t.Helper()

	clock := newFakeClock()

	repo := fakeuserrepo.NewFakeUserRepo()
	hash, err := users.HashPassword(testPassword)
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(&users.User{
		Username:     testUsername,
		PasswordHash: hash,
		Attributes:   map[string][]string{"email": {"alice@example.com"}},
	}))

	passwordHandler, err := authentication.NewPasswordHandler(repo)
	require.NoError(t, err)
	endpointOptions := []authentication.HTTPSEndpointOption{}
	if endpointClient != nil {
		endpointOptions = append(endpointOptions, authentication.WithHTTPClient(endpointClient))
	}
	authManager, err := authentication.NewManager(
		[]authentication.Handler{passwordHandler, authentication.NewHTTPSEndpointHandler(endpointOptions...)},
		authentication.WithNowFunc(clock.Now),
		authentication.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)

	servicesManager, err := services.NewManager(
		services.RegisteredService{ID: "app", Pattern: `^https://app\.example\.com`, Enabled: true},
		services.RegisteredService{ID: "loopback", Pattern: `^https://127\.0\.0\.1`, Enabled: true, ProxyAllowed: true},
	)
	require.NoError(t, err)

	cfg := session.NewConfig(session.WithNowFunc(clock.Now))
	store := memstore.New(cfg, memstore.WithSweepInterval(0))
	t.Cleanup(store.Close)

	jwtFactory, err := protocol.NewJWTFactory([]byte("server-test-secret"), "test-issuer", protocol.WithNowFunc(clock.Now))
	require.NoError(t, err)

	service, err := cas.New(
		authManager,
		store,
		servicesManager,
		[]cas.ServiceAccessResponseFactory{protocol.NewCAS1Factory(), protocol.NewCAS2Factory(), jwtFactory},
		cas.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)

	srv, err := server.New(service, server.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	return &fixture{clock: clock, router: srv.Router()}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)
	return recorder
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&payload))
	return payload
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	recorder := f.postJSON(t, "/v1/login", server.LoginRequestBody{Username: testUsername, Password: testPassword})
	require.Equal(t, http.StatusCreated, recorder.Code)
	return decodeBody[server.LoginResponseBody](t, recorder).SessionID
}

func (f *fixture) grant(t *testing.T, body server.GrantRequestBody) server.GrantResponseBody {
	t.Helper()
	recorder := f.postJSON(t, "/v1/grant", body)
	require.Equal(t, http.StatusCreated, recorder.Code)
	return decodeBody[server.GrantResponseBody](t, recorder)
}

func TestLoginHandler(t *testing.T) {
	f := setup(t, nil)

	recorder := f.postJSON(t, "/v1/login", server.LoginRequestBody{Username: testUsername, Password: testPassword})
	require.Equal(t, http.StatusCreated, recorder.Code)

	body := decodeBody[server.LoginResponseBody](t, recorder)
	require.NotEmpty(t, body.SessionID)
	require.Equal(t, testUsername, body.Principal)
	require.Equal(t, []string{"alice@example.com"}, body.Attributes["email"])
}

func TestLoginHandler_BadCredentials(t *testing.T) {
	f := setup(t, nil)

	recorder := f.postJSON(t, "/v1/login", server.LoginRequestBody{Username: testUsername, Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestLoginHandler_MalformedBody(t *testing.T) {
	f := setup(t, nil)

	request := httptest.NewRequest(http.MethodPost, "/v1/login", strings.NewReader("{not json"))
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGrantHandler(t *testing.T) {
	f := setup(t, nil)
	sessionID := f.login(t)

	body := f.grant(t, server.GrantRequestBody{SessionID: sessionID, Service: appService})
	require.True(t, strings.HasPrefix(body.Ticket, "ST-"))
	require.Equal(t, sessionID, body.SessionID)
	require.Empty(t, body.Assertion)
}

func TestGrantHandler_JWTAssertion(t *testing.T) {
	f := setup(t, nil)
	sessionID := f.login(t)

	body := f.grant(t, server.GrantRequestBody{
		SessionID: sessionID,
		Service:   appService,
		Protocol:  session.ProtocolJWT,
	})
	require.NotEmpty(t, body.Assertion)
}

func TestGrantHandler_UnauthorizedService(t *testing.T) {
	f := setup(t, nil)
	sessionID := f.login(t)

	recorder := f.postJSON(t, "/v1/grant", server.GrantRequestBody{
		SessionID: sessionID,
		Service:   "https://evil.example.com/login",
	})
	require.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestGrantHandler_UnknownSession(t *testing.T) {
	f := setup(t, nil)

	recorder := f.postJSON(t, "/v1/grant", server.GrantRequestBody{
		SessionID: "TGT-unknown",
		Service:   appService,
	})
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestGrantHandler_ExpiredSession(t *testing.T) {
	f := setup(t, nil)
	sessionID := f.login(t)

	f.clock.Advance(9 * time.Hour)

	recorder := f.postJSON(t, "/v1/grant", server.GrantRequestBody{SessionID: sessionID, Service: appService})
	require.Equal(t, http.StatusGone, recorder.Code)
}

func TestServiceValidate(t *testing.T) {
	f := setup(t, nil)
	sessionID := f.login(t)
	ticket := f.grant(t, server.GrantRequestBody{SessionID: sessionID, Service: appService}).Ticket

	recorder := f.get(t, "/serviceValidate?ticket="+ticket+"&service="+appService)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "application/xml", recorder.Header().Get("Content-Type"))
	require.Contains(t, recorder.Body.String(), "<cas:user>alice</cas:user>")

	// Replay: the ticket was consumed.
	recorder = f.get(t, "/serviceValidate?ticket="+ticket+"&service="+appService)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), `code="INVALID_TICKET"`)
}

func TestValidate_LegacyProtocol(t *testing.T) {
	f := setup(t, nil)
	sessionID := f.login(t)
	ticket := f.grant(t, server.GrantRequestBody{
		SessionID: sessionID,
		Service:   appService,
		Protocol:  session.ProtocolCAS1,
	}).Ticket

	recorder := f.get(t, "/validate?ticket="+ticket+"&service="+appService+"&protocol="+session.ProtocolCAS1)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "yes\nalice\n", recorder.Body.String())
}

func TestProxyValidate_MintsDelegatedSession(t *testing.T) {
	endpoint := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	f := setup(t, endpoint.Client())
	sessionID := f.login(t)
	ticket := f.grant(t, server.GrantRequestBody{SessionID: sessionID, Service: appService}).Ticket

	// Validation with a pgtUrl mints a delegated session.
	recorder := f.get(t, "/proxyValidate?ticket="+ticket+"&service="+appService+"&pgtUrl="+endpoint.URL)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "<cas:user>alice</cas:user>")

	stats := decodeBody[cas.StatisticsSnapshot](t, f.get(t, "/v1/stats"))
	require.Equal(t, uint64(1), stats.DelegatedSessionsVended)
}

func TestLogoutHandler(t *testing.T) {
	f := setup(t, nil)
	sessionID := f.login(t)
	ticket := f.grant(t, server.GrantRequestBody{SessionID: sessionID, Service: appService}).Ticket

	recorder := f.postJSON(t, "/v1/logout", server.LogoutRequestBody{SessionID: sessionID})
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody[server.LogoutResponseBody](t, recorder)
	require.Equal(t, []string{sessionID}, body.Sessions)
	require.Contains(t, body.LoggedOutAccesses, ticket)

	// The session is gone.
	grantRecorder := f.postJSON(t, "/v1/grant", server.GrantRequestBody{SessionID: sessionID, Service: appService})
	require.Equal(t, http.StatusNotFound, grantRecorder.Code)
}

func TestLogoutHandler_ByPrincipal(t *testing.T) {
	f := setup(t, nil)
	first := f.login(t)
	second := f.login(t)

	recorder := f.postJSON(t, "/v1/logout", server.LogoutRequestBody{PrincipalID: testUsername})
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody[server.LogoutResponseBody](t, recorder)
	require.ElementsMatch(t, []string{first, second}, body.Sessions)
}

func TestStatsHandler(t *testing.T) {
	f := setup(t, nil)
	sessionID := f.login(t)
	f.grant(t, server.GrantRequestBody{SessionID: sessionID, Service: appService})

	recorder := f.get(t, "/v1/stats")
	require.Equal(t, http.StatusOK, recorder.Code)

	stats := decodeBody[cas.StatisticsSnapshot](t, recorder)
	require.Equal(t, uint64(1), stats.SessionsVended)
	require.Equal(t, uint64(1), stats.AccessesVended)
}
