package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/googleapps-message-recall/internal/model"
)

func TestAddFailsLoudlyOnExistingKey(t *testing.T) {
	c := New(time.Minute)

	require.NoError(t, c.Add(NamespaceAccessToken, "user@example.com", "token-1", time.Hour))
	err := c.Add(NamespaceAccessToken, "user@example.com", "token-2", time.Hour)
	assert.ErrorIs(t, err, model.ErrCacheRace)

	v, ok := c.GetString(NamespaceAccessToken, "user@example.com")
	assert.True(t, ok)
	assert.Equal(t, "token-1", v)
}

func TestNamespacesAreIsolated(t *testing.T) {
	c := New(time.Minute)
	c.Set(NamespaceCounter, "k", int64(3), time.Hour)

	_, ok := c.GetInt64(NamespaceAdmin, "k")
	assert.False(t, ok)

	n, ok := c.GetInt64(NamespaceCounter, "k")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
}

func TestIncrement(t *testing.T) {
	c := New(time.Minute)

	_, found := c.Increment(NamespaceCounter, "missing", 1)
	assert.False(t, found)
	_, ok := c.Get(NamespaceCounter, "missing")
	assert.False(t, ok, "increment on a miss must not create the key")

	require.NoError(t, c.Add(NamespaceCounter, "hits", int64(5), time.Hour))
	total, found := c.Increment(NamespaceCounter, "hits", -2)
	assert.True(t, found)
	assert.Equal(t, int64(3), total)

	c.Delete(NamespaceCounter, "hits")
	_, ok = c.GetInt64(NamespaceCounter, "hits")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New(time.Minute)
	c.Set(NamespaceAdmin, "admin@example.com", true, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.GetBool(NamespaceAdmin, "admin@example.com")
	assert.False(t, ok)
}
