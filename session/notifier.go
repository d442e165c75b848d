package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// LogoutNotifier tells a relying party its local session should be
// destroyed. Best-effort: the core never retries, the return value only
// records whether the notification landed.
type LogoutNotifier interface {
	NotifyLogout(ctx context.Context, resourceID, accessID string) bool
}

// NopNotifier ignores notifications. Accesses invalidated through it report
// the local session as not destroyed.
type NopNotifier struct{}

func (NopNotifier) NotifyLogout(context.Context, string, string) bool { return false }

// HTTPLogoutNotifier posts a single-logout request to the service URL the
// access was granted for.
type HTTPLogoutNotifier struct {
	client *http.Client
}

var _ LogoutNotifier = (*HTTPLogoutNotifier)(nil)

func NewHTTPLogoutNotifier(client *http.Client) *HTTPLogoutNotifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPLogoutNotifier{client: client}
}

func (n *HTTPLogoutNotifier) NotifyLogout(ctx context.Context, resourceID, accessID string) bool {
	body := fmt.Sprintf("logoutRequest=<samlp:LogoutRequest ID=%q><samlp:SessionIndex>%s</samlp:SessionIndex></samlp:LogoutRequest>", accessID, accessID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resourceID, strings.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusBadRequest
}
