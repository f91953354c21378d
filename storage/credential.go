package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"invox/models"
)

// CredentialFile is the fixed name of the persisted credential record
const CredentialFile = "credentials.json"

// CredentialStore is the single source of truth for "is this client
// authenticated". Reads never touch the network and never block on I/O.
type CredentialStore interface {
	GetToken() (string, bool)
	SetToken(token string) error
	// RemoveToken clears the token and the cached profile together
	RemoveToken() error
	GetUser() (*models.User, bool)
	SetUser(user *models.User) error
}

func copyUser(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// MemoryCredentialStore keeps the credential in process memory only
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	cred models.Credential
}

// NewMemoryCredentialStore creates an empty in-memory store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (s *MemoryCredentialStore) GetToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Token, s.cred.Token != ""
}

func (s *MemoryCredentialStore) SetToken(token string) error {
	s.mu.Lock()
	s.cred.Token = token
	s.mu.Unlock()
	return nil
}

func (s *MemoryCredentialStore) RemoveToken() error {
	s.mu.Lock()
	s.cred = models.Credential{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryCredentialStore) GetUser() (*models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyUser(s.cred.User), s.cred.User != nil
}

func (s *MemoryCredentialStore) SetUser(user *models.User) error {
	s.mu.Lock()
	s.cred.User = copyUser(user)
	s.mu.Unlock()
	return nil
}

// FileCredentialStore persists the credential as one JSON record, optionally
// sealed. The record is loaded once; reads are served from memory.
type FileCredentialStore struct {
	path   string
	secret []byte
	mu     sync.RWMutex
	cred   models.Credential
}

// NewFileCredentialStore opens (or creates) the credential record in dir.
// A non-empty secret seals the record at rest.
func NewFileCredentialStore(dir, secret string) (*FileCredentialStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	s := &FileCredentialStore{
		path: filepath.Join(dir, CredentialFile),
	}
	if secret != "" {
		s.secret = []byte(secret)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCredentialStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	if s.secret != nil {
		data, err = open(s.secret, data)
		if err != nil {
			return fmt.Errorf("failed to unseal credentials: %w", err)
		}
	}

	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return fmt.Errorf("failed to decode credentials: %w", err)
	}
	s.cred = cred
	return nil
}

// persist writes the record with a temp-file + rename so readers of the file
// never see a partial write. Callers hold s.mu.
func (s *FileCredentialStore) persist() error {
	data, err := json.MarshalIndent(s.cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if s.secret != nil {
		if data, err = seal(s.secret, data); err != nil {
			return fmt.Errorf("failed to seal credentials: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	defer os.Remove(tmp)

	if runtime.GOOS != "windows" {
		if err := f.Chmod(0600); err != nil {
			f.Close()
			return fmt.Errorf("failed to set file permissions: %w", err)
		}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync credentials: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileCredentialStore) GetToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Token, s.cred.Token != ""
}

func (s *FileCredentialStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred.Token = token
	return s.persist()
}

// RemoveToken clears memory first so the token is gone for every reader even
// when the disk write fails.
func (s *FileCredentialStore) RemoveToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = models.Credential{}
	return s.persist()
}

func (s *FileCredentialStore) GetUser() (*models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyUser(s.cred.User), s.cred.User != nil
}

func (s *FileCredentialStore) SetUser(user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred.User = copyUser(user)
	return s.persist()
}

// IsAuthenticated reports whether store holds a token
func IsAuthenticated(store CredentialStore) bool {
	_, ok := store.GetToken()
	return ok
}
