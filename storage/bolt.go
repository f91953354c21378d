package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"invox/models"
)

// BoltFile is the database file created under the storage directory
const BoltFile = "invox.db"

var (
	credentialBucket = []byte("Credential")
	credentialKey    = []byte("current")
)

// InitDB opens the bolt database in dataDir and creates the buckets the
// client uses.
func InitDB(dataDir string) (*bbolt.DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dataDir, BoltFile), 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", credentialBucket, err)
	}
	return db, nil
}

// BoltCredentialStore keeps the credential record in a bolt bucket. Like the
// file store it loads once and answers reads from memory.
type BoltCredentialStore struct {
	db     *bbolt.DB
	secret []byte
	mu     sync.RWMutex
	cred   models.Credential
}

// NewBoltCredentialStore wraps an open database. A non-empty secret seals
// the stored record.
func NewBoltCredentialStore(db *bbolt.DB, secret string) (*BoltCredentialStore, error) {
	s := &BoltCredentialStore{db: db}
	if secret != "" {
		s.secret = []byte(secret)
	}

	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(credentialBucket)
		if b == nil {
			return fmt.Errorf("bucket %s missing", credentialBucket)
		}
		data := b.Get(credentialKey)
		if data == nil {
			return nil
		}
		// bolt values are only valid inside the transaction
		data = append([]byte(nil), data...)

		if s.secret != nil {
			var err error
			if data, err = open(s.secret, data); err != nil {
				return fmt.Errorf("failed to unseal credentials: %w", err)
			}
		}
		return json.Unmarshal(data, &s.cred)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database
func (s *BoltCredentialStore) Close() error {
	return s.db.Close()
}

// persist writes s.cred in one transaction. Callers hold s.mu.
func (s *BoltCredentialStore) persist() error {
	data, err := json.Marshal(s.cred)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if s.secret != nil {
		if data, err = seal(s.secret, data); err != nil {
			return fmt.Errorf("failed to seal credentials: %w", err)
		}
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(credentialBucket)
		if s.cred.Token == "" && s.cred.User == nil {
			return b.Delete(credentialKey)
		}
		return b.Put(credentialKey, data)
	})
}

func (s *BoltCredentialStore) GetToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Token, s.cred.Token != ""
}

func (s *BoltCredentialStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred.Token = token
	return s.persist()
}

func (s *BoltCredentialStore) RemoveToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = models.Credential{}
	return s.persist()
}

func (s *BoltCredentialStore) GetUser() (*models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyUser(s.cred.User), s.cred.User != nil
}

func (s *BoltCredentialStore) SetUser(user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred.User = copyUser(user)
	return s.persist()
}
