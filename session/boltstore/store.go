// Package boltstore persists session trees in a bbolt database so they
// survive restarts. Records are written through on every update; live
// session objects are cached per root so concurrent calls on the same
// session share one lock.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/jrsteele09/go-cas-server/authentication"
	"github.com/jrsteele09/go-cas-server/session"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	sessionsBucket  = []byte("sessions")
	sessionIndex    = []byte("session_index")
	accessIndex     = []byte("access_index")
	principalIndex  = []byte("principal_index")
	principalKeySep = byte(0)
)

// Store is a session.Storage backed by a bbolt file. Expired sessions are
// destroyed on read.
type Store struct {
	mu   sync.Mutex
	db   *bolt.DB
	cfg  *session.Config
	live map[string]*session.Session // root id -> rehydrated root
}

var _ session.Storage = (*Store)(nil)

func New(db *bolt.DB, cfg *session.Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("[boltstore.New] db is required")
	}
	if cfg == nil {
		return nil, errors.New("[boltstore.New] config is required")
	}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, sessionIndex, accessIndex, principalIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "[boltstore.New] creating buckets")
	}

	return &Store{db: db, cfg: cfg, live: make(map[string]*session.Session)}, nil
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

	if err := s.persistLocked(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSession writes the tree through to disk, cancelled context or not:
// a consumed access committed in memory must not reappear unused after a
// restart.
func (s *Store) UpdateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(sess.Root())
}

func (s *Store) DestroySession(ctx context.Context, sessionID string) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	root, node, err := s.findLocked(sessionID)
	if err != nil || node == nil {
		return nil, err
	}

	if node != root {
		// Destroying a delegated session detaches its subtree and rewrites
		// the root record.
		node.Parent().Owner().DetachChild(sessionID)
		if err := s.removeSubtreeIndexes(node); err != nil {
			return nil, err
		}
		if err := s.persistLocked(root); err != nil {
			return nil, err
		}
		return node, nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := s.removeIndexesTx(tx, root); err != nil {
			return err
		}
		return tx.Bucket(sessionsBucket).Delete([]byte(root.ID()))
	})
	if err != nil {
		return nil, errors.Wrap(err, "[boltstore.DestroySession] deleting record")
	}

	delete(s.live, root.ID())
	return root, nil
}

func (s *Store) FindSessionBySessionID(ctx context.Context, sessionID string) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	root, node, err := s.findLocked(sessionID)
	if err != nil || node == nil {
		return nil, err
	}
	return s.expireOnRead(ctx, root, node)
}

func (s *Store) FindSessionByAccessID(ctx context.Context, accessID string) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rootID string
	err := s.db.View(func(tx *bolt.Tx) error {
		rootID = string(tx.Bucket(accessIndex).Get([]byte(accessID)))
		return nil
	})
	if err != nil || rootID == "" {
		return nil, err
	}

	root, err := s.loadRootLocked(rootID)
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
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct{ sessionID, rootID string }
	var entries []entry

	prefix := append([]byte(principalID), principalKeySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(principalIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			entries = append(entries, entry{sessionID: string(k[len(prefix):]), rootID: string(v)})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "[boltstore.FindSessionsByPrincipal] scanning index")
	}

	sessions := make([]*session.Session, 0, len(entries))
	for _, e := range entries {
		root, err := s.loadRootLocked(e.rootID)
		if err != nil {
			return nil, err
		}
		if root == nil {
			continue
		}
		if node := root.Find(e.sessionID); node != nil {
			sessions = append(sessions, node)
		}
	}
	return sessions, nil
}

// findLocked resolves any session id within a stored tree to (root, node).
func (s *Store) findLocked(sessionID string) (*session.Session, *session.Session, error) {
	var rootID string
	err := s.db.View(func(tx *bolt.Tx) error {
		rootID = string(tx.Bucket(sessionIndex).Get([]byte(sessionID)))
		return nil
	})
	if err != nil || rootID == "" {
		return nil, nil, err
	}

	root, err := s.loadRootLocked(rootID)
	if err != nil || root == nil {
		return nil, nil, err
	}
	return root, root.Find(sessionID), nil
}

func (s *Store) loadRootLocked(rootID string) (*session.Session, error) {
	if root, ok := s.live[rootID]; ok {
		return root, nil
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data = tx.Bucket(sessionsBucket).Get([]byte(rootID))
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}

	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "[boltstore.loadRootLocked] decoding record")
	}

	root := session.FromRecord(s.cfg, rec)
	s.live[rootID] = root
	return root, nil
}

// expireOnRead destroys the whole tree when the root has gone stale.
func (s *Store) expireOnRead(ctx context.Context, root, node *session.Session) (*session.Session, error) {
	if root.IsValid() || root.IsInvalidated() {
		return node, nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := s.removeIndexesTx(tx, root); err != nil {
			return err
		}
		return tx.Bucket(sessionsBucket).Delete([]byte(root.ID()))
	})
	if err != nil {
		return nil, errors.Wrap(err, "[boltstore.expireOnRead] deleting record")
	}

	delete(s.live, root.ID())
	root.Invalidate(ctx)
	return nil, nil
}

func (s *Store) persistLocked(root *session.Session) error {
	rec := root.ToRecord()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "[boltstore.persistLocked] encoding record")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Put([]byte(root.ID()), data); err != nil {
			return err
		}
		return s.writeIndexesTx(tx, root)
	})
	if err != nil {
		return errors.Wrap(err, "[boltstore.persistLocked] writing record")
	}

	s.live[root.ID()] = root
	return nil
}

func (s *Store) writeIndexesTx(tx *bolt.Tx, root *session.Session) error {
	rootID := []byte(root.ID())
	var werr error

	root.Walk(func(node *session.Session) {
		if werr != nil {
			return
		}
		if werr = tx.Bucket(sessionIndex).Put([]byte(node.ID()), rootID); werr != nil {
			return
		}
		key := principalKey(node.Principal().ID, node.ID())
		if werr = tx.Bucket(principalIndex).Put(key, rootID); werr != nil {
			return
		}
		for _, access := range node.Accesses() {
			if !access.RequiresStorage() || access.IsUsed() {
				werr = tx.Bucket(accessIndex).Delete([]byte(access.ID()))
			} else {
				werr = tx.Bucket(accessIndex).Put([]byte(access.ID()), rootID)
			}
			if werr != nil {
				return
			}
		}
	})
	return werr
}

func (s *Store) removeIndexesTx(tx *bolt.Tx, root *session.Session) error {
	var werr error
	root.Walk(func(node *session.Session) {
		if werr != nil {
			return
		}
		if werr = tx.Bucket(sessionIndex).Delete([]byte(node.ID())); werr != nil {
			return
		}
		if werr = tx.Bucket(principalIndex).Delete(principalKey(node.Principal().ID, node.ID())); werr != nil {
			return
		}
		for _, access := range node.Accesses() {
			if werr = tx.Bucket(accessIndex).Delete([]byte(access.ID())); werr != nil {
				return
			}
		}
	})
	return werr
}

func (s *Store) removeSubtreeIndexes(node *session.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.removeIndexesTx(tx, node)
	})
}

func principalKey(principalID, sessionID string) []byte {
	key := make([]byte, 0, len(principalID)+1+len(sessionID))
	key = append(key, principalID...)
	key = append(key, principalKeySep)
	key = append(key, sessionID...)
	return key
}
