// Package labels keeps the per-session label inventory and chat/label
// associations, and reconciles label events into durable snapshots.
package labels

import (
	"sort"
	"sync"
)

// Label is a label definition assigned by the remote peer.
type Label struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Color        int    `json:"color"`
	PredefinedID string `json:"predefined_id,omitempty"`
	Deleted      bool   `json:"deleted,omitempty"`
}

// MergeMode decides how a chat snapshot's label list combines with the
// labels already associated with that chat.
type MergeMode int

const (
	// Union adds the snapshot labels to the existing set. It is the zero
	// value, so a snapshot that does not say otherwise never drops labels.
	Union MergeMode = iota
	// Replace makes the snapshot labels the chat's whole set.
	Replace
)

func (m MergeMode) String() string {
	switch m {
	case Replace:
		return "replace"
	case Union:
		return "union"
	default:
		return "unknown"
	}
}

// Inventory is a point-in-time copy of one session's labels.
type Inventory struct {
	Labels []Label              `json:"labels"`
	Chats  map[string][]string `json:"chats"`
}

// Tag is a label id resolved to its display attributes.
type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color int    `json:"color"`
}

type sessionLabels struct {
	mu     sync.RWMutex
	labels map[string]Label
	chats  map[string]map[string]struct{}
}

// Cache stores label inventories for every session in the process. Each
// session has its own lock so writes for one account never wait on another.
type Cache struct {
	mu       sync.RWMutex
	sessions map[int64]*sessionLabels
}

// NewCache creates an empty label cache.
func NewCache() *Cache {
	return &Cache{sessions: make(map[int64]*sessionLabels)}
}

func (c *Cache) get(sessionID int64) *sessionLabels {
	c.mu.RLock()
	s := c.sessions[sessionID]
	c.mu.RUnlock()
	return s
}

func (c *Cache) getOrCreate(sessionID int64) *sessionLabels {
	if s := c.get(sessionID); s != nil {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		return s
	}
	s := &sessionLabels{
		labels: make(map[string]Label),
		chats:  make(map[string]map[string]struct{}),
	}
	c.sessions[sessionID] = s
	return s
}

// UpsertLabel inserts or replaces a label by id. A deleted label is removed
// from the inventory instead.
func (c *Cache) UpsertLabel(sessionID int64, label Label) {
	if label.ID == "" {
		return
	}
	s := c.getOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if label.Deleted {
		delete(s.labels, label.ID)
		return
	}
	if label.Name == "" {
		label.Name = label.ID
	}
	s.labels[label.ID] = label
}

// Associate adds labelID to or removes it from the chat's set.
func (c *Cache) Associate(sessionID int64, chatID, labelID string, present bool) {
	if chatID == "" || labelID == "" {
		return
	}
	s := c.getOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.chats[chatID]
	if present {
		if set == nil {
			set = make(map[string]struct{})
			s.chats[chatID] = set
		}
		set[labelID] = struct{}{}
		return
	}
	if set != nil {
		delete(set, labelID)
		if len(set) == 0 {
			delete(s.chats, chatID)
		}
	}
}

// MergeChatSnapshot applies a chat's label list. Replace swaps the set for
// labelIDs, Union adds labelIDs to it. Applying the same snapshot again
// leaves the set unchanged.
func (c *Cache) MergeChatSnapshot(sessionID int64, chatID string, labelIDs []string, mode MergeMode) {
	if chatID == "" {
		return
	}
	s := c.getOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.chats[chatID]
	if mode == Replace || set == nil {
		set = make(map[string]struct{}, len(labelIDs))
	}
	for _, id := range labelIDs {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	if len(set) == 0 {
		delete(s.chats, chatID)
		return
	}
	s.chats[chatID] = set
}

// Read returns a copy of the session's inventory. Labels are sorted by id and
// each chat's label ids are sorted.
func (c *Cache) Read(sessionID int64) Inventory {
	inv := Inventory{Labels: []Label{}, Chats: map[string][]string{}}
	s := c.get(sessionID)
	if s == nil {
		return inv
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.labels {
		inv.Labels = append(inv.Labels, l)
	}
	sort.Slice(inv.Labels, func(i, j int) bool { return inv.Labels[i].ID < inv.Labels[j].ID })
	for chat, set := range s.chats {
		inv.Chats[chat] = sortedKeys(set)
	}
	return inv
}

// ChatLabels returns the sorted label ids associated with a chat.
func (c *Cache) ChatLabels(sessionID int64, chatID string) []string {
	s := c.get(sessionID)
	if s == nil {
		return []string{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.chats[chatID])
}

// Tags resolves label ids to names and colors. Unknown ids resolve to
// themselves so callers always get one tag per id.
func (c *Cache) Tags(sessionID int64, labelIDs []string) []Tag {
	tags := make([]Tag, 0, len(labelIDs))
	s := c.get(sessionID)
	for _, id := range labelIDs {
		tag := Tag{ID: id, Name: id}
		if s != nil {
			s.mu.RLock()
			if l, ok := s.labels[id]; ok {
				tag.Name = l.Name
				tag.Color = l.Color
			}
			s.mu.RUnlock()
		}
		tags = append(tags, tag)
	}
	return tags
}

// Counts returns how many chats carry each label.
func (c *Cache) Counts(sessionID int64) map[string]int {
	counts := make(map[string]int)
	s := c.get(sessionID)
	if s == nil {
		return counts
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, set := range s.chats {
		for id := range set {
			counts[id]++
		}
	}
	return counts
}

// Clear drops everything cached for a session.
func (c *Cache) Clear(sessionID int64) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
