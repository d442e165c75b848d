package session_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jrsteele09/go-cas-server/session"
	"github.com/stretchr/testify/require"
)

func TestHTTPLogoutNotifier_PostsLogoutRequest(t *testing.T) {
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := session.NewHTTPLogoutNotifier(server.Client())
	delivered := notifier.NotifyLogout(context.Background(), server.URL, "ST-123")

	require.True(t, delivered)
	require.Contains(t, received, "logoutRequest=")
	require.Contains(t, received, "ST-123")
}

func TestHTTPLogoutNotifier_ReportsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := session.NewHTTPLogoutNotifier(server.Client())
	require.False(t, notifier.NotifyLogout(context.Background(), server.URL, "ST-123"))

	server.Close()
	require.False(t, notifier.NotifyLogout(context.Background(), server.URL, "ST-456"))
}
