package storage

import (
	"sync"
	"time"
)

type sessionEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// SessionStore is short-lived, process-scoped key/value storage. It holds
// values that must not outlive the running dashboard, such as an OAuth state
// token. Values are copied in and out.
type SessionStore struct {
	mu      sync.RWMutex
	entries map[string]sessionEntry
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewSessionStore creates a store and starts sweeping expired keys every
// sweepEvery (no sweeper when sweepEvery <= 0).
func NewSessionStore(sweepEvery time.Duration) *SessionStore {
	s := &SessionStore{
		entries: make(map[string]sessionEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweepEvery > 0 {
		go s.sweepLoop(sweepEvery)
	}
	return s
}

func (s *SessionStore) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *SessionStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// Get returns the value for key, or nil when absent or expired
func (s *SessionStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		s.Delete(key)
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

// GetString is Get for string values
func (s *SessionStore) GetString(key string) (string, bool) {
	v, _ := s.Get(key)
	if v == nil {
		return "", false
	}
	return string(v), true
}

// Set stores val under key; exp <= 0 keeps it until deleted
func (s *SessionStore) Set(key string, val []byte, exp time.Duration) error {
	e := sessionEntry{value: append([]byte(nil), val...)}
	if exp > 0 {
		e.expiresAt = s.now().Add(exp)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// SetString is Set for string values
func (s *SessionStore) SetString(key, val string, exp time.Duration) {
	s.Set(key, []byte(val), exp)
}

// Delete removes key
func (s *SessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Reset removes every key
func (s *SessionStore) Reset() error {
	s.mu.Lock()
	s.entries = make(map[string]sessionEntry)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored keys, expired or not
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the sweeper
func (s *SessionStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
