package session_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/session"
	"github.com/stretchr/testify/require"
)

const (
	testPrincipalID = "alice"
	testServiceID   = "https://app.example.com/login"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a movable time source shared by a test's config.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: baseTime} }

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

// recordingNotifier captures logout notifications; succeed controls the
// reported delivery outcome.
type recordingNotifier struct {
	mu       sync.Mutex
	accesses []string
	succeed  bool
}

func (n *recordingNotifier) NotifyLogout(_ context.Context, _, accessID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accesses = append(n.accesses, accessID)
	return n.succeed
}

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.accesses...)
}

type accessRequest struct {
	service  string
	protocol string
	proxied  bool
}

func (r accessRequest) ServiceID() string    { return r.service }
func (r accessRequest) Protocol() string     { return r.protocol }
func (r accessRequest) ProxiedRequest() bool { return r.proxied }

type tokenRequest struct {
	token   string
	service string
}

func (r tokenRequest) Token() string     { return r.token }
func (r tokenRequest) ServiceID() string { return r.service }

func authResponse(principalID string, longTerm bool) *authentication.Response {
	principal := &authentication.Principal{
		ID:         principalID,
		Attributes: map[string][]string{"email": {principalID + "@example.com"}},
	}
	return &authentication.Response{
		Succeeded: true,
		Principal: principal,
		Authentications: []authentication.Authentication{{
			Principal: principal,
			Instant:   baseTime,
			Method:    "password",
			LongTerm:  longTerm,
		}},
	}
}

func newTestConfig(clock *fakeClock, notifier session.LogoutNotifier) *session.Config {
	options := []session.ConfigOption{session.WithNowFunc(clock.Now)}
	if notifier != nil {
		options = append(options, session.WithNotifier(notifier))
	}
	return session.NewConfig(options...)
}

func TestGrant_MintsUniqueAccesses(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	first, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)
	second, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	require.NotEqual(t, first.ID(), second.ID())
	require.True(t, strings.HasPrefix(first.ID(), "ST-"))
	require.Equal(t, session.BoundedUses, first.Policy())
	require.True(t, first.RequiresStorage())
	require.Len(t, sess.Accesses(), 2)
}

func TestGrant_ProxiedAccessGetsProxyPrefix(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2, proxied: true})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(access.ID(), "PT-"))
	require.True(t, access.Proxied())
}

func TestGrant_InvalidatedSession(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	sess.Invalidate(context.Background())

	_, err = sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.ErrorIs(t, err, session.InvalidatedSessionErr)
}

func TestValidate_SingleUse(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	require.NoError(t, access.Validate(tokenRequest{token: access.ID(), service: testServiceID}))
	require.True(t, access.IsUsed())

	err = access.Validate(tokenRequest{token: access.ID(), service: testServiceID})
	require.ErrorIs(t, err, session.TokenUsedErr)
}

func TestValidate_ServiceMismatch(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	err = access.Validate(tokenRequest{token: access.ID(), service: "https://evil.example.com"})
	require.ErrorIs(t, err, session.ServiceMismatchErr)

	// The mismatch must not consume the token.
	require.NoError(t, access.Validate(tokenRequest{token: access.ID(), service: testServiceID}))
}

func TestValidate_ExpiredToken(t *testing.T) {
	clock := newFakeClock()
	cfg := newTestConfig(clock, nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	clock.Advance(11 * time.Second)

	err = access.Validate(tokenRequest{token: access.ID(), service: testServiceID})
	require.ErrorIs(t, err, session.TokenExpiredErr)
}

func TestValidate_InvalidatedSession(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	sess.Invalidate(context.Background())

	err = access.Validate(tokenRequest{token: access.ID(), service: testServiceID})
	require.ErrorIs(t, err, session.InvalidatedSessionErr)
}

func TestValidate_SelfValidatingSurvivesReuse(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolJWT})
	require.NoError(t, err)
	require.Equal(t, session.SelfValidating, access.Policy())
	require.False(t, access.RequiresStorage())

	for range 3 {
		require.NoError(t, access.Validate(tokenRequest{token: access.ID(), service: testServiceID}))
	}
	require.False(t, access.IsUsed())
}

func TestValidate_ConcurrentSingleUse(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	const attempts = 32
	results := make(chan error, attempts)
	var start sync.WaitGroup
	start.Add(1)
	for range attempts {
		go func() {
			start.Wait()
			results <- access.Validate(tokenRequest{token: access.ID(), service: testServiceID})
		}()
	}
	start.Done()

	successes := 0
	for range attempts {
		err := <-results
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, session.TokenUsedErr)
		}
	}
	require.Equal(t, 1, successes)
}

func TestInvalidate_CascadesAndNotifies(t *testing.T) {
	notifier := &recordingNotifier{succeed: true}
	cfg := newTestConfig(newFakeClock(), notifier)
	root, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	rootAccess, err := root.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	child, err := rootAccess.CreateDelegatedSession(authResponse(testPrincipalID, false))
	require.NoError(t, err)
	childAccess, err := child.Grant(accessRequest{service: "https://backend.example.com", protocol: session.ProtocolCAS2, proxied: true})
	require.NoError(t, err)

	root.Invalidate(context.Background())

	require.True(t, root.IsInvalidated())
	require.True(t, child.IsInvalidated())
	require.ElementsMatch(t, []string{rootAccess.ID(), childAccess.ID()}, notifier.notified())

	// Idempotent: a second invalidation notifies nobody again.
	root.Invalidate(context.Background())
	require.Len(t, notifier.notified(), 2)
}

func TestInvalidate_FailedNotificationStaysUnconfirmed(t *testing.T) {
	notifier := &recordingNotifier{succeed: false}
	cfg := newTestConfig(newFakeClock(), notifier)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	sess.Invalidate(context.Background())

	require.True(t, sess.IsInvalidated())
	require.False(t, access.IsLocalSessionDestroyed())
}

// introspectingNotifier reads its session back while delivering, the way an
// HTTP notifier overlaps with concurrent validation traffic.
type introspectingNotifier struct {
	sess        *session.Session
	sawAccess   bool
	sawTerminal bool
}

func (n *introspectingNotifier) NotifyLogout(_ context.Context, _, accessID string) bool {
	n.sawAccess = n.sess.GetAccess(accessID) != nil
	n.sawTerminal = n.sess.IsInvalidated()
	return true
}

func TestInvalidate_NotificationRunsOutsideSessionLock(t *testing.T) {
	notifier := &introspectingNotifier{}
	cfg := newTestConfig(newFakeClock(), notifier)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)
	notifier.sess = sess

	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sess.Invalidate(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("invalidation blocked on its own session lock")
	}

	require.True(t, notifier.sawAccess)
	require.True(t, notifier.sawTerminal)
	require.True(t, access.IsLocalSessionDestroyed())
}

func TestCreateDelegatedSession_BuildsTree(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	root, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := root.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	child, err := access.CreateDelegatedSession(authResponse(testPrincipalID, false))
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(child.ID(), "PGT-"))
	require.Same(t, access, child.Parent())
	require.Same(t, root, child.Root())
	require.Equal(t, child.ID(), root.Find(child.ID()).ID())
}

func TestCreateDelegatedSession_InvalidatedOwner(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	root, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	access, err := root.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)
	root.Invalidate(context.Background())

	_, err = access.CreateDelegatedSession(authResponse(testPrincipalID, false))
	require.ErrorIs(t, err, session.InvalidatedSessionErr)
}

func TestAddAuthentication_AccumulatesHistory(t *testing.T) {
	cfg := newTestConfig(newFakeClock(), nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	reauth := authResponse(testPrincipalID, false)
	require.NoError(t, sess.AddAuthentication(reauth.Authentications...))
	require.Len(t, sess.Authentications(), 2)
	require.Equal(t, testPrincipalID, sess.Principal().ID)
}

func TestIsValid_IdleExpiry(t *testing.T) {
	clock := newFakeClock()
	cfg := newTestConfig(clock, nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	require.True(t, sess.IsValid())
	clock.Advance(9 * time.Hour)
	require.False(t, sess.IsValid())
}

func TestIsValid_LongTermOutlivesIdleWindow(t *testing.T) {
	clock := newFakeClock()
	cfg := newTestConfig(clock, nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, true))
	require.NoError(t, err)
	require.True(t, sess.IsLongTerm())

	clock.Advance(9 * time.Hour)
	require.True(t, sess.IsValid())

	clock.Advance(31 * 24 * time.Hour)
	require.False(t, sess.IsValid())
}

func TestValidate_TouchesSessionLastUsed(t *testing.T) {
	clock := newFakeClock()
	cfg := newTestConfig(clock, nil)
	sess, err := session.New(cfg, authResponse(testPrincipalID, false))
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	access, err := sess.Grant(accessRequest{service: testServiceID, protocol: session.ProtocolCAS2})
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	require.NoError(t, access.Validate(tokenRequest{token: access.ID(), service: testServiceID}))
	require.Equal(t, clock.Now(), sess.LastUsed())
}
