// Package cache holds the short-lived message replay cache used to answer
// the protocol's retry receipts.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/whatsapp-automation/sessiond/internal/metrics"
)

const (
	// DefaultTTL is how long a message stays replayable.
	DefaultTTL = 60 * time.Second
	// DefaultCapacity bounds the number of cached messages.
	DefaultCapacity = 1000
)

// MessageCache maps a message ID to its last serialized payload. Entries
// expire after a fixed TTL and the least recently used entry is evicted once
// the capacity is reached. It is safe for concurrent use.
type MessageCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewMessageCache creates a cache holding at most capacity entries for ttl.
func NewMessageCache(capacity int, ttl time.Duration) *MessageCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MessageCache{
		lru: expirable.NewLRU[string, []byte](capacity, nil, ttl),
	}
}

// Remember stores payload under id, replacing any previous payload.
func (c *MessageCache) Remember(id string, payload []byte) {
	if id == "" || payload == nil {
		return
	}
	c.lru.Add(id, payload)
}

// Recall returns the payload stored under id. A miss is an expected outcome:
// the caller should decline to resend.
func (c *MessageCache) Recall(id string) ([]byte, bool) {
	payload, ok := c.lru.Get(id)
	if ok {
		metrics.ReplayLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.ReplayLookups.WithLabelValues("miss").Inc()
	}
	return payload, ok
}

// Len returns the number of entries currently held, including entries that
// expired but were not purged yet.
func (c *MessageCache) Len() int {
	return c.lru.Len()
}
