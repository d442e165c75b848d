// Package boltuserrepo persists user accounts in a bbolt file. One bucket
// keys records by user id, a second maps usernames to ids.
package boltuserrepo

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-cas-server/users"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket     = []byte("users")
	usernamesBucket = []byte("usernames")
)

// NotFoundErr is returned when no user matches the lookup.
var NotFoundErr = errors.New("user not found")

var _ users.Repo = (*BoltUserRepo)(nil)

type BoltUserRepo struct {
	db *bolt.DB
}

// record is the stored shape. The password hash is kept here because the
// public User type never serializes it.
type record struct {
	ID           string              `json:"id"`
	Username     string              `json:"username"`
	PasswordHash string              `json:"passwordHash"`
	Attributes   map[string][]string `json:"attributes,omitempty"`
	DateJoined   time.Time           `json:"dateJoined"`
	LastLogin    time.Time           `json:"lastLogin"`
	Disabled     bool                `json:"disabled,omitempty"`
}

func New(db *bolt.DB) (*BoltUserRepo, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{usersBucket, usernamesBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "[boltuserrepo.New] creating buckets")
	}
	return &BoltUserRepo{db: db}, nil
}

func (ur *BoltUserRepo) Upsert(user *users.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	data, err := json.Marshal(record{
		ID:           user.ID,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		Attributes:   user.Attributes,
		DateJoined:   user.DateJoined,
		LastLogin:    user.LastLogin,
		Disabled:     user.Disabled,
	})
	if err != nil {
		return errors.Wrap(err, "[BoltUserRepo.Upsert] encoding user")
	}

	err = ur.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(usersBucket).Put([]byte(user.ID), data); err != nil {
			return err
		}
		return tx.Bucket(usernamesBucket).Put([]byte(user.Username), []byte(user.ID))
	})
	return errors.Wrap(err, "[BoltUserRepo.Upsert] writing user")
}

func (ur *BoltUserRepo) Delete(username string) error {
	err := ur.db.Update(func(tx *bolt.Tx) error {
		usernames := tx.Bucket(usernamesBucket)
		id := usernames.Get([]byte(username))
		if id == nil {
			return NotFoundErr
		}
		if err := usernames.Delete([]byte(username)); err != nil {
			return err
		}
		return tx.Bucket(usersBucket).Delete(id)
	})
	return errors.Wrap(err, "[BoltUserRepo.Delete] deleting user")
}

func (ur *BoltUserRepo) GetByUsername(username string) (*users.User, error) {
	var user *users.User
	err := ur.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(usernamesBucket).Get([]byte(username))
		if id == nil {
			return NotFoundErr
		}
		var err error
		user, err = decode(tx.Bucket(usersBucket).Get(id))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "[BoltUserRepo.GetByUsername]")
	}
	return user, nil
}

func (ur *BoltUserRepo) GetByID(id string) (*users.User, error) {
	var user *users.User
	err := ur.db.View(func(tx *bolt.Tx) error {
		var err error
		user, err = decode(tx.Bucket(usersBucket).Get([]byte(id)))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "[BoltUserRepo.GetByID]")
	}
	return user, nil
}

func decode(data []byte) (*users.User, error) {
	if data == nil {
		return nil, NotFoundErr
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding user")
	}
	return &users.User{
		ID:           rec.ID,
		Username:     rec.Username,
		PasswordHash: rec.PasswordHash,
		Attributes:   rec.Attributes,
		DateJoined:   rec.DateJoined,
		LastLogin:    rec.LastLogin,
		Disabled:     rec.Disabled,
	}, nil
}
