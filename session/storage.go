package session

import (
	"context"

	"github.com/jrsteele09/go-cas-server/authentication"
)

// Storage is the canonical, indexed store of sessions. Lookups miss with
// (nil, nil); errors are reserved for backend failures.
//
// Contract: CreateSession and DestroySession are atomic over all three
// indexes for a single session; operations on different sessions may
// proceed in parallel; mutation of one session object is serialized through
// the session's own lock, which every store shares by handing out the same
// live object per id.
type Storage interface {
	// CreateSession allocates an id and installs the session in every
	// index.
	CreateSession(ctx context.Context, authResponse *authentication.Response) (*Session, error)

	// UpdateSession refreshes index entries for newly granted accesses and
	// delegated sessions, and drops entries for consumed accesses.
	// Idempotent over (session, access-set) snapshots; a delegated session
	// not yet known to the store is installed.
	UpdateSession(ctx context.Context, s *Session) error

	// DestroySession removes the session (and its subtree) from all
	// indexes and returns the detached object, nil when absent. The caller
	// invalidates the returned session.
	DestroySession(ctx context.Context, sessionID string) (*Session, error)

	FindSessionBySessionID(ctx context.Context, sessionID string) (*Session, error)
	FindSessionByAccessID(ctx context.Context, accessID string) (*Session, error)
	FindSessionsByPrincipal(ctx context.Context, principalID string) ([]*Session, error)
}
