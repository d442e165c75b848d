// Package session holds the authority's session and access (ticket) state
// machine: a tree of sessions owning service-scoped accesses and delegated
// child sessions, with expiration and usage policies applied on the way.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/pkg/errors"
)

// AccessRequest is the slice of a service access request a session needs to
// grant an access.
type AccessRequest interface {
	ServiceID() string
	Protocol() string
	ProxiedRequest() bool
}

// Session is a principal's authenticated context. It exclusively owns its
// accesses and any delegated child sessions; the only one-way transition is
// ACTIVE to INVALIDATED.
type Session struct {
	mu sync.Mutex

	id              string
	parent          *Access // nil for a root session
	authentications []authentication.Authentication
	accesses        map[string]*Access
	children        map[string]*Session
	created         time.Time
	lastUsed        time.Time
	longTerm        bool
	invalidated     bool

	cfg *Config
}

// New creates a root session from a successful authentication response.
func New(cfg *Config, authResponse *authentication.Response) (*Session, error) {
	return newSession(cfg, cfg.IDs.SessionID(), authResponse)
}

func newSession(cfg *Config, id string, authResponse *authentication.Response) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("[session.New] config is required")
	}
	if authResponse == nil || !authResponse.Succeeded {
		return nil, errors.New("[session.New] authentication response did not succeed")
	}
	if len(authResponse.Authentications) == 0 {
		return nil, errors.New("[session.New] authentication response carries no authentications")
	}

	now := cfg.NowFunc()
	return &Session{
		id:              id,
		authentications: append([]authentication.Authentication(nil), authResponse.Authentications...),
		accesses:        make(map[string]*Access),
		children:        make(map[string]*Session),
		created:         now,
		lastUsed:        now,
		longTerm:        authResponse.Authentications[0].LongTerm,
		cfg:             cfg,
	}, nil
}

func (s *Session) ID() string { return s.id }

// Parent returns the access this session was delegated through, nil for a
// root session.
func (s *Session) Parent() *Access { return s.parent }

func (s *Session) Created() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) IsLongTerm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.longTerm
}

// Principal returns the identity the session was first established for.
func (s *Session) Principal() *authentication.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authentications[0].Principal
}

// Authentications returns a snapshot of the accumulated authentications.
func (s *Session) Authentications() []authentication.Authentication {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]authentication.Authentication(nil), s.authentications...)
}

// AddAuthentication appends a re-authentication for the same principal.
func (s *Session) AddAuthentication(auths ...authentication.Authentication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalidated {
		return InvalidatedSessionErr
	}
	s.authentications = append(s.authentications, auths...)
	return nil
}

// Grant mints a fresh access for the target service. Tokens are one-shot
// unique: an identical (service, principal) pair still gets a new access.
func (s *Session) Grant(request AccessRequest) (*Access, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalidated {
		return nil, InvalidatedSessionErr
	}

	profile := s.cfg.profileFor(request.Protocol())
	access := &Access{
		id:              s.cfg.IDs.AccessID(request.ProxiedRequest()),
		resourceID:      request.ServiceID(),
		protocol:        request.Protocol(),
		proxied:         request.ProxiedRequest(),
		created:         s.cfg.NowFunc(),
		policy:          profile.Policy,
		remainingUses:   profile.Uses,
		requiresStorage: profile.RequiresStorage,
		owner:           s,
	}

	s.accesses[access.id] = access
	s.lastUsed = access.created
	return access, nil
}

// GetAccess looks an access up within this session.
func (s *Session) GetAccess(accessID string) *Access {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accesses[accessID]
}

// Accesses returns a snapshot of the session's accesses.
func (s *Session) Accesses() []*Access {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Access, 0, len(s.accesses))
	for _, access := range s.accesses {
		out = append(out, access)
	}
	return out
}

// Children returns a snapshot of the delegated sessions hanging off this
// one.
func (s *Session) Children() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.children))
	for _, child := range s.children {
		out = append(out, child)
	}
	return out
}

// DetachChild unlinks a delegated session from this one. Used by stores
// when a child session is destroyed on its own.
func (s *Session) DetachChild(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, id)
}

// Invalidate flips the session to its terminal state, notifies every
// relying party and cascades to all delegated sessions. Idempotent.
// Notifications go out with the session lock released; a slow relying party
// never blocks concurrent validation or grants.
func (s *Session) Invalidate(ctx context.Context) {
	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return
	}
	s.invalidated = true

	accesses := make([]*Access, 0, len(s.accesses))
	for _, access := range s.accesses {
		accesses = append(accesses, access)
	}
	children := make([]*Session, 0, len(s.children))
	for _, child := range s.children {
		children = append(children, child)
	}
	s.mu.Unlock()

	for _, access := range accesses {
		access.Invalidate(ctx)
	}
	for _, child := range children {
		child.Invalidate(ctx)
	}
}

func (s *Session) IsInvalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

// IsValid reports whether the session is neither invalidated nor expired.
func (s *Session) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalidated {
		return false
	}
	state := ExpirationState{Created: s.created, LastUsed: s.lastUsed, LongTerm: s.longTerm}
	return !s.cfg.SessionPolicy.IsExpired(state, s.cfg.NowFunc())
}

// Walk visits this session and every descendant, parent first.
func (s *Session) Walk(visit func(*Session)) {
	visit(s)
	for _, child := range s.Children() {
		child.Walk(visit)
	}
}

// Find returns the session with the given id within this tree, nil when
// absent.
func (s *Session) Find(id string) *Session {
	if s.id == id {
		return s
	}
	for _, child := range s.Children() {
		if found := child.Find(id); found != nil {
			return found
		}
	}
	return nil
}

// Root walks parent accesses up to the top of the tree.
func (s *Session) Root() *Session {
	if s.parent == nil {
		return s
	}
	return s.parent.owner.Root()
}
