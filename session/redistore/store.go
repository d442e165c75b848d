// Package redistore keeps session records in Redis so several authority
// instances can share one session population. Records are written through
// on every update and expired on read.
//
// Serialization of same-session mutation is per instance (through the live
// object cache); deployments that fan one session's traffic across
// instances should pin sessions to an instance.
package redistore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/session"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix    = "cas:session:"
	sessionIdxPrefix   = "cas:idx:session:"
	accessIdxPrefix    = "cas:idx:access:"
	principalIdxPrefix = "cas:idx:principal:"
	memberSep          = "\x00"
)

// Cmdable is the narrow slice of Redis commands the store issues. Satisfied
// by *redis.Client and by fakes in tests.
type Cmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

var _ Cmdable = (*redis.Client)(nil)

// Store is a session.Storage backed by Redis.
type Store struct {
	mu     sync.Mutex
	client Cmdable
	cfg    *session.Config
	ttl    time.Duration
	live   map[string]*session.Session // root id -> rehydrated root
}

var _ session.Storage = (*Store)(nil)

// Option defines a function type to modify the Store instance.
type Option func(*Store)

// WithRecordTTL puts an upper-bound expiry on every Redis key as a safety
// net under the expiration policy. Zero keeps keys until destroyed.
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// New wraps a connected Redis client.
func New(client *redis.Client, cfg *session.Config, options ...Option) (*Store, error) {
	return NewFromCmdable(client, cfg, options...)
}

// NewFromCmdable wires an explicit command implementation, primarily for
// testing.
func NewFromCmdable(client Cmdable, cfg *session.Config, options ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("[redistore.New] client is required")
	}
	if cfg == nil {
		return nil, errors.New("[redistore.New] config is required")
	}

	s := &Store{
		client: client,
		cfg:    cfg,
		live:   make(map[string]*session.Session),
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

func (s *Store) CreateSession(ctx context.Context, authResponse *authentication.Response) (*session.Session, error) {
	sess, err := session.New(s.cfg, authResponse)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistLocked(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx, sess.Root())
}

func (s *Store) DestroySession(ctx context.Context, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, node, err := s.findLocked(ctx, sessionID)
	if err != nil || node == nil {
		return nil, err
	}

	if node != root {
		node.Parent().Owner().DetachChild(sessionID)
		if err := s.removeIndexesLocked(ctx, node); err != nil {
			return nil, err
		}
		if err := s.persistLocked(ctx, root); err != nil {
			return nil, err
		}
		return node, nil
	}

	if err := s.removeRootLocked(ctx, root); err != nil {
		return nil, err
	}
	return root, nil
}

func (s *Store) FindSessionBySessionID(ctx context.Context, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, node, err := s.findLocked(ctx, sessionID)
	if err != nil || node == nil {
		return nil, err
	}
	return s.expireOnRead(ctx, root, node)
}

func (s *Store) FindSessionByAccessID(ctx context.Context, accessID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rootID, err := s.getString(ctx, accessIdxPrefix+accessID)
	if err != nil || rootID == "" {
		return nil, err
	}

	root, err := s.loadRootLocked(ctx, rootID)
	if err != nil || root == nil {
		return nil, err
	}

	var node *session.Session
	root.Walk(func(n *session.Session) {
		if node == nil && n.GetAccess(accessID) != nil {
			node = n
		}
	})
	if node == nil {
		return nil, nil
	}
	return s.expireOnRead(ctx, root, node)
}

func (s *Store) FindSessionsByPrincipal(ctx context.Context, principalID string) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, err := s.client.SMembers(ctx, principalIdxPrefix+principalID).Result()
	if err != nil {
		return nil, errors.Wrap(err, "[redistore.FindSessionsByPrincipal] reading index")
	}

	sessions := make([]*session.Session, 0, len(members))
	for _, member := range members {
		parts := strings.SplitN(member, memberSep, 2)
		if len(parts) != 2 {
			continue
		}
		root, err := s.loadRootLocked(ctx, parts[1])
		if err != nil {
			return nil, err
		}
		if root == nil {
			continue
		}
		if node := root.Find(parts[0]); node != nil {
			sessions = append(sessions, node)
		}
	}
	return sessions, nil
}

func (s *Store) findLocked(ctx context.Context, sessionID string) (*session.Session, *session.Session, error) {
	rootID, err := s.getString(ctx, sessionIdxPrefix+sessionID)
	if err != nil || rootID == "" {
		return nil, nil, err
	}

	root, err := s.loadRootLocked(ctx, rootID)
	if err != nil || root == nil {
		return nil, nil, err
	}
	return root, root.Find(sessionID), nil
}

func (s *Store) loadRootLocked(ctx context.Context, rootID string) (*session.Session, error) {
	if root, ok := s.live[rootID]; ok {
		return root, nil
	}

	data, err := s.getString(ctx, recordKeyPrefix+rootID)
	if err != nil || data == "" {
		return nil, err
	}

	var rec session.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, errors.Wrap(err, "[redistore.loadRootLocked] decoding record")
	}

	root := session.FromRecord(s.cfg, rec)
	s.live[rootID] = root
	return root, nil
}

func (s *Store) expireOnRead(ctx context.Context, root, node *session.Session) (*session.Session, error) {
	if root.IsValid() || root.IsInvalidated() {
		return node, nil
	}

	if err := s.removeRootLocked(ctx, root); err != nil {
		return nil, err
	}
	root.Invalidate(ctx)
	return nil, nil
}

func (s *Store) persistLocked(ctx context.Context, root *session.Session) error {
	data, err := json.Marshal(root.ToRecord())
	if err != nil {
		return errors.Wrap(err, "[redistore.persistLocked] encoding record")
	}

	if err := s.client.Set(ctx, recordKeyPrefix+root.ID(), data, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "[redistore.persistLocked] writing record")
	}

	var werr error
	rootID := root.ID()
	root.Walk(func(node *session.Session) {
		if werr != nil {
			return
		}
		if werr = s.client.Set(ctx, sessionIdxPrefix+node.ID(), rootID, s.ttl).Err(); werr != nil {
			return
		}
		member := node.ID() + memberSep + rootID
		if werr = s.client.SAdd(ctx, principalIdxPrefix+node.Principal().ID, member).Err(); werr != nil {
			return
		}
		for _, access := range node.Accesses() {
			if !access.RequiresStorage() || access.IsUsed() {
				werr = s.client.Del(ctx, accessIdxPrefix+access.ID()).Err()
			} else {
				werr = s.client.Set(ctx, accessIdxPrefix+access.ID(), rootID, s.ttl).Err()
			}
			if werr != nil {
				return
			}
		}
	})
	if werr != nil {
		return errors.Wrap(werr, "[redistore.persistLocked] writing indexes")
	}

	s.live[rootID] = root
	return nil
}

func (s *Store) removeIndexesLocked(ctx context.Context, node *session.Session) error {
	var werr error
	rootID := node.Root().ID()
	node.Walk(func(n *session.Session) {
		if werr != nil {
			return
		}
		if werr = s.client.Del(ctx, sessionIdxPrefix+n.ID()).Err(); werr != nil {
			return
		}
		member := n.ID() + memberSep + rootID
		if werr = s.client.SRem(ctx, principalIdxPrefix+n.Principal().ID, member).Err(); werr != nil {
			return
		}
		for _, access := range n.Accesses() {
			if werr = s.client.Del(ctx, accessIdxPrefix+access.ID()).Err(); werr != nil {
				return
			}
		}
	})
	return errors.Wrap(werr, "[redistore.removeIndexesLocked]")
}

func (s *Store) removeRootLocked(ctx context.Context, root *session.Session) error {
	if err := s.removeIndexesLocked(ctx, root); err != nil {
		return err
	}
	if err := s.client.Del(ctx, recordKeyPrefix+root.ID()).Err(); err != nil {
		return errors.Wrap(err, "[redistore.removeRootLocked] deleting record")
	}
	delete(s.live, root.ID())
	return nil
}

func (s *Store) getString(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "[redistore] reading %s", key)
	}
	return value, nil
}
