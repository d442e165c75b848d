package protocol_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-cas-server/cas"
	"github.com/jrsteele09/go-cas-server/protocol"
	"github.com/jrsteele09/go-cas-server/session"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const signingSecret = "jwt-test-secret"

type jwtClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *jwtClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *jwtClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupJWTFactory(t *testing.T) (*protocol.JWTFactory, *jwtClock) {
	t.Helper()
	clock := &jwtClock{now: testInstant}
	factory, err := protocol.NewJWTFactory([]byte(signingSecret), "test-issuer", protocol.WithNowFunc(clock.Now))
	require.NoError(t, err)
	return factory, clock
}

func signAssertion(t *testing.T, factory *protocol.JWTFactory) string {
	t.Helper()
	sess := newTestSession(t, nil)
	access := grantAccess(t, sess, &cas.ServiceAccessRequest{Service: testService, ProtocolTag: session.ProtocolJWT})

	response := factory.ServiceAccessResponse(cas.ResponseParams{
		Request: &cas.ServiceAccessRequest{Service: testService, ProtocolTag: session.ProtocolJWT},
		Session: sess,
		Access:  access,
	})
	require.NoError(t, response.Err)
	require.Equal(t, "application/jwt", response.ContentType)
	require.NotEmpty(t, response.Body)
	return string(response.Body)
}

func TestJWTFactory_RequiresSecret(t *testing.T) {
	_, err := protocol.NewJWTFactory(nil, "test-issuer")
	require.Error(t, err)
}

func TestJWTFactory_SignAndVerify(t *testing.T) {
	factory, _ := setupJWTFactory(t)
	assertion := signAssertion(t, factory)

	claims, err := factory.Verify(assertion, testService)
	require.NoError(t, err)
	require.Equal(t, testPrincipal, claims["sub"])
	require.Equal(t, "test-issuer", claims["iss"])
	require.Equal(t, testService, claims["aud"])
	require.NotEmpty(t, claims["jti"])
}

func TestJWTFactory_VerifyRejectsWrongAudience(t *testing.T) {
	factory, _ := setupJWTFactory(t)
	assertion := signAssertion(t, factory)

	_, err := factory.Verify(assertion, "https://other.example.com")
	require.ErrorIs(t, err, protocol.InvalidAssertionErr)
}

func TestJWTFactory_VerifyRejectsExpiredAssertion(t *testing.T) {
	factory, clock := setupJWTFactory(t)
	assertion := signAssertion(t, factory)

	clock.Advance(6 * time.Minute)

	_, err := factory.Verify(assertion, testService)
	require.ErrorIs(t, err, protocol.InvalidAssertionErr)
}

func TestJWTFactory_VerifyRejectsTamperedAssertion(t *testing.T) {
	factory, _ := setupJWTFactory(t)
	assertion := signAssertion(t, factory)

	_, err := factory.Verify(assertion+"x", testService)
	require.ErrorIs(t, err, protocol.InvalidAssertionErr)
}

func TestJWTFactory_VerifyRejectsWrongSecret(t *testing.T) {
	factory, _ := setupJWTFactory(t)
	assertion := signAssertion(t, factory)

	other, err := protocol.NewJWTFactory([]byte("different-secret"), "test-issuer")
	require.NoError(t, err)
	_, err = other.Verify(assertion, testService)
	require.ErrorIs(t, err, protocol.InvalidAssertionErr)
}

func TestJWTFactory_ValidationDecodesClaims(t *testing.T) {
	factory, _ := setupJWTFactory(t)
	assertion := signAssertion(t, factory)

	// A not-found from storage is the normal validation path for
	// self-validating assertions.
	response := factory.ServiceAccessResponse(cas.ResponseParams{
		Request: &cas.TokenServiceAccessRequest{TokenID: assertion, Service: testService, ProtocolTag: session.ProtocolJWT},
		Err:     cas.TokenNotFoundErr,
	})

	require.NoError(t, response.Err)
	require.Equal(t, "application/json", response.ContentType)
	require.Contains(t, string(response.Body), `"sub":"alice"`)
}

func TestJWTFactory_ValidationPassesThroughOtherErrors(t *testing.T) {
	factory, _ := setupJWTFactory(t)
	storageErr := errors.New("storage unavailable")

	response := factory.ServiceAccessResponse(cas.ResponseParams{
		Request: &cas.TokenServiceAccessRequest{TokenID: "not-a-jwt", Service: testService, ProtocolTag: session.ProtocolJWT},
		Err:     storageErr,
	})

	require.ErrorIs(t, response.Err, storageErr)
	require.Empty(t, response.Body)
}
