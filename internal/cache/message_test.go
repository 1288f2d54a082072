package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCache_RecallAfterRemember(t *testing.T) {
	c := NewMessageCache(10, time.Minute)
	c.Remember("3EB0A1", []byte("payload"))

	got, ok := c.Recall("3EB0A1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}

func TestMessageCache_MissIsNotAnError(t *testing.T) {
	c := NewMessageCache(10, time.Minute)

	got, ok := c.Recall("unknown")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestMessageCache_RememberReplaces(t *testing.T) {
	c := NewMessageCache(10, time.Minute)
	c.Remember("id", []byte("first"))
	c.Remember("id", []byte("second"))

	got, ok := c.Recall("id")
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)
	assert.Equal(t, 1, c.Len())
}

func TestMessageCache_IgnoresEmptyID(t *testing.T) {
	c := NewMessageCache(10, time.Minute)
	c.Remember("", []byte("payload"))
	assert.Equal(t, 0, c.Len())
}

func TestMessageCache_ExpiresAfterTTL(t *testing.T) {
	c := NewMessageCache(10, 50*time.Millisecond)
	c.Remember("id", []byte("payload"))

	time.Sleep(120 * time.Millisecond)

	_, ok := c.Recall("id")
	assert.False(t, ok)
}

func TestMessageCache_EvictsOldestBeyondCapacity(t *testing.T) {
	c := NewMessageCache(3, time.Minute)
	for i := 0; i < 4; i++ {
		c.Remember(fmt.Sprintf("msg-%d", i), []byte{byte(i)})
	}

	_, ok := c.Recall("msg-0")
	assert.False(t, ok, "oldest entry should be evicted")
	for i := 1; i < 4; i++ {
		got, ok := c.Recall(fmt.Sprintf("msg-%d", i))
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, got)
	}
}

func TestNewMessageCache_Defaults(t *testing.T) {
	c := NewMessageCache(0, 0)
	c.Remember("id", []byte("x"))
	_, ok := c.Recall("id")
	assert.True(t, ok)
}
