// Package memstore is the in-memory session storage backend: three indexes
// over live session objects plus a background sweeper for expired entries.
// Sessions are lost on restart.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/session"
)

// Store indexes live session objects by session id, access id and principal
// id. Handing out the same object per id means the session's own lock
// serializes mutation across concurrent orchestrator calls.
type Store struct {
	mu          sync.RWMutex
	cfg         *session.Config
	byID        map[string]*session.Session
	byAccess    map[string]*session.Session
	byPrincipal map[string]map[string]*session.Session

	sweepInterval time.Duration
	stopGuard     sync.Once
	stopChan      chan struct{}
}

var _ session.Storage = (*Store)(nil)

// Option defines a function type to modify the Store instance.
type Option func(*Store)

// WithSweepInterval sets how often expired sessions are destroyed in the
// background. Zero disables the sweeper.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = interval
	}
}

func New(cfg *session.Config, options ...Option) *Store {
	s := &Store{
		cfg:           cfg,
		byID:          make(map[string]*session.Session),
		byAccess:      make(map[string]*session.Session),
		byPrincipal:   make(map[string]map[string]*session.Session),
		sweepInterval: time.Minute,
		stopChan:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}

	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.stopGuard.Do(func() {
		close(s.stopChan)
	})
}

func (s *Store) CreateSession(ctx context.Context, authResponse *authentication.Response) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	sess, err := session.New(s.cfg, authResponse)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexLocked(sess)
	return sess, nil
}

// UpdateSession re-indexes the whole tree, cancelled context or not: a
// consumed access committed in memory must not reappear unused.
func (s *Store) UpdateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.Walk(func(node *session.Session) {
		s.indexLocked(node)
	})
	return nil
}

func (s *Store) DestroySession(ctx context.Context, sessionID string) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sessionID]
	if !ok {
		return nil, nil
	}

	if parent := sess.Parent(); parent != nil {
		parent.Owner().DetachChild(sessionID)
	}

	sess.Walk(func(node *session.Session) {
		s.unindexLocked(node)
	})
	return sess, nil
}

func (s *Store) FindSessionBySessionID(ctx context.Context, sessionID string) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[sessionID], nil
}

func (s *Store) FindSessionByAccessID(ctx context.Context, accessID string) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byAccess[accessID], nil
}

func (s *Store) FindSessionsByPrincipal(ctx context.Context, principalID string) ([]*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*session.Session, 0, len(s.byPrincipal[principalID]))
	for _, sess := range s.byPrincipal[principalID] {
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// indexLocked installs or refreshes every index entry for one session node.
func (s *Store) indexLocked(sess *session.Session) {
	s.byID[sess.ID()] = sess

	principalID := sess.Principal().ID
	if _, ok := s.byPrincipal[principalID]; !ok {
		s.byPrincipal[principalID] = make(map[string]*session.Session)
	}
	s.byPrincipal[principalID][sess.ID()] = sess

	for _, access := range sess.Accesses() {
		if !access.RequiresStorage() {
			continue
		}
		if access.IsUsed() {
			delete(s.byAccess, access.ID())
			continue
		}
		s.byAccess[access.ID()] = sess
	}
}

func (s *Store) unindexLocked(sess *session.Session) {
	delete(s.byID, sess.ID())

	principalID := sess.Principal().ID
	if sessions, ok := s.byPrincipal[principalID]; ok {
		delete(sessions, sess.ID())
		if len(sessions) == 0 {
			delete(s.byPrincipal, principalID)
		}
	}

	for _, access := range sess.Accesses() {
		delete(s.byAccess, access.ID())
	}
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Sweep destroys and invalidates every expired root session.
func (s *Store) Sweep(ctx context.Context) {
	s.mu.RLock()
	expired := make([]string, 0)
	for id, sess := range s.byID {
		if sess.Parent() == nil && !sess.IsValid() {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		if sess, _ := s.DestroySession(ctx, id); sess != nil {
			sess.Invalidate(ctx)
		}
	}
}
