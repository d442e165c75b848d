package session

import (
	"context"
	"time"

	"github.com/jrsteele09/go-cas-server/authentication"
)

// TokenRequest is the slice of a validation request an access needs.
type TokenRequest interface {
	Token() string
	ServiceID() string
}

// Access is a short-lived capability scoped to one relying service. It
// belongs to exactly one session; all mutation happens under that session's
// lock.
type Access struct {
	id                    string
	resourceID            string
	protocol              string
	proxied               bool
	created               time.Time
	policy                UsagePolicy
	remainingUses         int
	used                  bool
	localSessionDestroyed bool
	requiresStorage       bool

	owner *Session
}

func (a *Access) ID() string            { return a.id }
func (a *Access) ResourceID() string    { return a.resourceID }
func (a *Access) Protocol() string      { return a.protocol }
func (a *Access) Proxied() bool         { return a.proxied }
func (a *Access) Policy() UsagePolicy   { return a.policy }
func (a *Access) RequiresStorage() bool { return a.requiresStorage }
func (a *Access) SessionID() string     { return a.owner.ID() }

// Owner returns the session this access belongs to.
func (a *Access) Owner() *Session { return a.owner }

func (a *Access) IsUsed() bool {
	a.owner.mu.Lock()
	defer a.owner.mu.Unlock()
	return a.used
}

func (a *Access) IsLocalSessionDestroyed() bool {
	a.owner.mu.Lock()
	defer a.owner.mu.Unlock()
	return a.localSessionDestroyed
}

// Validate consumes the access according to its usage policy. The state
// change commits even when the caller later times out; the orchestrator
// persists it via UpdateSession regardless.
func (a *Access) Validate(request TokenRequest) error {
	a.owner.mu.Lock()
	defer a.owner.mu.Unlock()

	if a.owner.invalidated {
		return InvalidatedSessionErr
	}

	now := a.owner.cfg.NowFunc()
	if a.owner.cfg.AccessPolicy.IsExpired(ExpirationState{Created: a.created, LastUsed: a.created}, now) {
		return TokenExpiredErr
	}

	if request.ServiceID() != "" && request.ServiceID() != a.resourceID {
		return ServiceMismatchErr
	}

	switch a.policy {
	case SelfValidating:
		// Proof travels with the token, nothing to consume.
	case LogoutOnly:
		// Kept only for cascade-logout notification.
	case BoundedUses:
		if a.used {
			return TokenUsedErr
		}
		a.remainingUses--
		if a.remainingUses <= 0 {
			a.used = true
		}
	}

	a.owner.lastUsed = now
	return nil
}

// Invalidate notifies the relying party that its local session should be
// destroyed. Best-effort, never retried. The notification is delivered with
// the session lock released.
func (a *Access) Invalidate(ctx context.Context) bool {
	a.owner.mu.Lock()
	if a.localSessionDestroyed {
		a.owner.mu.Unlock()
		return true
	}
	a.owner.mu.Unlock()

	if !a.owner.cfg.Notifier.NotifyLogout(ctx, a.resourceID, a.id) {
		return false
	}

	a.owner.mu.Lock()
	a.localSessionDestroyed = true
	a.owner.mu.Unlock()
	return true
}

// CreateDelegatedSession mints a child session whose parent is this access,
// letting the relying party request further accesses on the user's behalf.
// The session is returned unstored; the caller persists it.
func (a *Access) CreateDelegatedSession(authResponse *authentication.Response) (*Session, error) {
	a.owner.mu.Lock()
	defer a.owner.mu.Unlock()

	if a.owner.invalidated {
		return nil, InvalidatedSessionErr
	}

	child, err := newSession(a.owner.cfg, a.owner.cfg.IDs.DelegatedSessionID(), authResponse)
	if err != nil {
		return nil, err
	}
	child.parent = a

	a.owner.children[child.id] = child
	return child, nil
}
