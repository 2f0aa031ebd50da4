package session

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	keyToken    = "authToken"
	keyUsername = "username"
)

// Credentials identify a logged-in user.
type Credentials struct {
	Username string
	Token    string
}

// BadgerStore persists credentials in a local Badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the store at dir. An empty dir keeps
// everything in memory.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load returns the stored credentials; ok is false unless both keys exist.
func (s *BadgerStore) Load() (creds Credentials, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		token, err := get(txn, keyToken)
		if err != nil {
			return err
		}
		username, err := get(txn, keyUsername)
		if err != nil {
			return err
		}
		creds = Credentials{Username: username, Token: token}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, fmt.Errorf("load credentials: %w", err)
	}
	return creds, creds.Username != "" && creds.Token != "", nil
}

func (s *BadgerStore) Save(creds Credentials) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyToken), []byte(creds.Token)); err != nil {
			return err
		}
		return txn.Set([]byte(keyUsername), []byte(creds.Username))
	})
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func (s *BadgerStore) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(keyToken)); err != nil {
			return err
		}
		return txn.Delete([]byte(keyUsername))
	})
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func get(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}
