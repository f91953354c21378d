package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreSetGetDelete(t *testing.T) {
	s := NewSessionStore(0)
	defer s.Close()

	v, err := s.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	s.SetString("gmail_oauth_state:1", "abc123", 0)
	got, ok := s.GetString("gmail_oauth_state:1")
	require.True(t, ok)
	assert.Equal(t, "abc123", got)

	require.NoError(t, s.Delete("gmail_oauth_state:1"))
	_, ok = s.GetString("gmail_oauth_state:1")
	assert.False(t, ok)
}

func TestSessionStoreExpiry(t *testing.T) {
	s := NewSessionStore(0)
	defer s.Close()

	now := time.Now()
	s.now = func() time.Time { return now }
	s.SetString("k", "v", time.Minute)

	_, ok := s.GetString("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = s.GetString("k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(), "expired key is dropped on read")
}

func TestSessionStoreSweep(t *testing.T) {
	s := NewSessionStore(0)
	defer s.Close()

	now := time.Now()
	s.now = func() time.Time { return now }
	s.SetString("short", "v", time.Second)
	s.SetString("forever", "v", 0)

	now = now.Add(time.Hour)
	s.sweep()
	assert.Equal(t, 1, s.Len())
	_, ok := s.GetString("forever")
	assert.True(t, ok)
}

func TestSessionStoreCopiesValues(t *testing.T) {
	s := NewSessionStore(0)
	defer s.Close()

	buf := []byte("abc")
	require.NoError(t, s.Set("k", buf, 0))
	buf[0] = 'x'

	v, _ := s.Get("k")
	assert.Equal(t, "abc", string(v))
	assert.NoError(t, s.Reset())
	assert.Equal(t, 0, s.Len())
}
