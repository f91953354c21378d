package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	defer c.Close()

	c.Set("fresh", 1, time.Minute)
	c.Set("stale", 2, -time.Second)

	v, ok := c.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("stale")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Size(), "expired item is dropped on read")
}

func TestMemoryCacheCleanup(t *testing.T) {
	c := NewMemoryCache(5 * time.Millisecond)
	defer c.Close()

	c.Set("a", "x", time.Millisecond)
	c.Set("b", "y", time.Hour)

	assert.Eventually(t, func() bool { return c.Size() == 1 }, time.Second, 5*time.Millisecond)

	c.Clear()
	assert.Equal(t, 0, c.Size())
}
