package labels

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ChatSnapshot is what a chat event or history batch says about one chat.
// A nil Labels slice carries no label information and leaves the chat's
// associations untouched.
type ChatSnapshot struct {
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Labels []string  `json:"labels,omitempty"`
	Mode   MergeMode `json:"-"`
}

// Contact is a contact snapshot entry. Later entries win.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Snapshot is everything the durable store holds for one session.
type Snapshot struct {
	Labels   []Label
	Chats    []ChatSnapshot
	Contacts []Contact
}

// SnapshotStore persists merged chat, contact and label snapshots per
// account. MergeChats must honor each snapshot's Mode exactly like
// Cache.MergeChatSnapshot does.
type SnapshotStore interface {
	MergeChats(ctx context.Context, accountID int64, chats []ChatSnapshot) error
	MergeContacts(ctx context.Context, accountID int64, contacts []Contact) error
	UpsertLabel(ctx context.Context, accountID int64, label Label) error
	LoadSnapshot(ctx context.Context, accountID int64) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, accountID int64) error
}

// Synchronizer applies label events to the cache and the durable store.
type Synchronizer struct {
	cache *Cache
	store SnapshotStore
	log   *logrus.Entry
}

// NewSynchronizer creates a Synchronizer. store may be nil, in which case
// only the cache is maintained.
func NewSynchronizer(cache *Cache, store SnapshotStore, log *logrus.Entry) *Synchronizer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Synchronizer{cache: cache, store: store, log: log.WithField("component", "labels")}
}

// Cache returns the inventory cache the synchronizer writes to.
func (s *Synchronizer) Cache() *Cache {
	return s.cache
}

// ApplyLabelEdit records a label definition change.
func (s *Synchronizer) ApplyLabelEdit(ctx context.Context, accountID int64, label Label) error {
	if label.ID == "" {
		return nil
	}
	s.cache.UpsertLabel(accountID, label)
	if label.Deleted {
		s.log.Infof("[%d] Label deleted: %s (%s)", accountID, label.Name, label.ID)
	} else {
		s.log.Infof("[%d] Label upserted: %s (%s) color=%d", accountID, label.Name, label.ID, label.Color)
	}
	if s.store == nil {
		return nil
	}
	if err := s.store.UpsertLabel(ctx, accountID, label); err != nil {
		return fmt.Errorf("persist label %s: %w", label.ID, err)
	}
	return nil
}

// ApplyAssociation adds or removes one chat/label association. The chat's
// resulting set is persisted whole so the durable copy matches the cache.
func (s *Synchronizer) ApplyAssociation(ctx context.Context, accountID int64, chatID, labelID string, present bool) error {
	if chatID == "" || labelID == "" {
		return nil
	}
	s.cache.Associate(accountID, chatID, labelID, present)
	if s.store == nil {
		return nil
	}
	chat := ChatSnapshot{ID: chatID, Labels: s.cache.ChatLabels(accountID, chatID), Mode: Replace}
	if err := s.store.MergeChats(ctx, accountID, []ChatSnapshot{chat}); err != nil {
		return fmt.Errorf("persist association %s/%s: %w", chatID, labelID, err)
	}
	return nil
}

// ApplyChats merges chat snapshots from chat upserts, chat updates or a
// history batch. Snapshots without label information only update the
// durable chat record.
func (s *Synchronizer) ApplyChats(ctx context.Context, accountID int64, chats []ChatSnapshot) error {
	valid := make([]ChatSnapshot, 0, len(chats))
	for _, c := range chats {
		if c.ID == "" {
			continue
		}
		if c.Labels != nil {
			s.cache.MergeChatSnapshot(accountID, c.ID, c.Labels, c.Mode)
		}
		valid = append(valid, c)
	}
	if s.store == nil || len(valid) == 0 {
		return nil
	}
	if err := s.store.MergeChats(ctx, accountID, valid); err != nil {
		return fmt.Errorf("persist %d chats: %w", len(valid), err)
	}
	return nil
}

// ApplyHistory applies the label, chat and contact parts of a history batch.
// Every part is attempted; failures are joined.
func (s *Synchronizer) ApplyHistory(ctx context.Context, accountID int64, labels []Label, chats []ChatSnapshot, contacts []Contact) error {
	var errs []error
	for _, l := range labels {
		if err := s.ApplyLabelEdit(ctx, accountID, l); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.ApplyChats(ctx, accountID, chats); err != nil {
		errs = append(errs, err)
	}
	if s.store != nil && len(contacts) > 0 {
		if err := s.store.MergeContacts(ctx, accountID, contacts); err != nil {
			errs = append(errs, fmt.Errorf("persist %d contacts: %w", len(contacts), err))
		} else {
			s.log.Infof("[%d] Snapshot persisted: contacts=%d chats=%d", accountID, len(contacts), len(chats))
		}
	}
	return errors.Join(errs...)
}

// Rebuild reloads the cache from the durable store. Durable chats hold a
// chat's whole label set, so they are applied with Replace.
func (s *Synchronizer) Rebuild(ctx context.Context, accountID int64) error {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.LoadSnapshot(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}
	for _, l := range snap.Labels {
		s.cache.UpsertLabel(accountID, l)
	}
	for _, c := range snap.Chats {
		if c.Labels != nil {
			s.cache.MergeChatSnapshot(accountID, c.ID, c.Labels, Replace)
		}
	}
	s.log.Debugf("[%d] Label cache rebuilt: labels=%d chats=%d", accountID, len(snap.Labels), len(snap.Chats))
	return nil
}

// Purge forgets everything derived for an account, cached and durable.
func (s *Synchronizer) Purge(ctx context.Context, accountID int64) error {
	s.cache.Clear(accountID)
	if s.store == nil {
		return nil
	}
	if err := s.store.DeleteSnapshot(ctx, accountID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
