package store

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/whatsapp-automation/sessiond/internal/labels"
)

// Snapshots stores merged chat, contact and label snapshots. It implements
// labels.SnapshotStore.
type Snapshots struct {
	db *gorm.DB
}

// NewSnapshots creates a snapshot store over db.
func NewSnapshots(db *gorm.DB) *Snapshots {
	return &Snapshots{db: db}
}

// MergeChats merges chats into the account's snapshot. Non-empty names
// overwrite. Labels follow each chat's Mode; nil Labels keep the stored set.
func (s *Snapshots) MergeChats(ctx context.Context, accountID int64, chats []labels.ChatSnapshot) error {
	if len(chats) == 0 {
		return nil
	}
	return s.modify(ctx, accountID, func(snap *SessionSnapshot) {
		snap.Chats = MergeChats(snap.Chats, chats)
	})
}

// MergeContacts merges contacts into the account's snapshot. Later names win.
func (s *Snapshots) MergeContacts(ctx context.Context, accountID int64, contacts []labels.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	return s.modify(ctx, accountID, func(snap *SessionSnapshot) {
		snap.Contacts = MergeContacts(snap.Contacts, contacts)
	})
}

func (s *Snapshots) modify(ctx context.Context, accountID int64, fn func(*SessionSnapshot)) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var snap SessionSnapshot
		if err := tx.Where("whatsapp_id = ?", accountID).FirstOrInit(&snap, SessionSnapshot{WhatsappID: accountID}).Error; err != nil {
			return err
		}
		fn(&snap)
		return tx.Save(&snap).Error
	})
	if err != nil {
		return fmt.Errorf("store: snapshot %d: %w", accountID, err)
	}
	return nil
}

// UpsertLabel stores a label definition. Deleted labels are removed.
func (s *Snapshots) UpsertLabel(ctx context.Context, accountID int64, l labels.Label) error {
	db := s.db.WithContext(ctx)
	if l.Deleted {
		if err := db.Where("whatsapp_id = ? AND label_id = ?", accountID, l.ID).Delete(&WhatsappLabel{}).Error; err != nil {
			return fmt.Errorf("store: delete label %s: %w", l.ID, err)
		}
		return nil
	}
	row := WhatsappLabel{
		WhatsappID:   accountID,
		LabelID:      l.ID,
		Name:         l.Name,
		Color:        l.Color,
		PredefinedID: l.PredefinedID,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "whatsapp_id"}, {Name: "label_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "color", "predefined_id", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: upsert label %s: %w", l.ID, err)
	}
	return nil
}

// LoadSnapshot returns everything stored for an account. An account with
// nothing stored yields an empty snapshot.
func (s *Snapshots) LoadSnapshot(ctx context.Context, accountID int64) (*labels.Snapshot, error) {
	db := s.db.WithContext(ctx)

	var rows []WhatsappLabel
	if err := db.Where("whatsapp_id = ?", accountID).Order("label_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: load labels %d: %w", accountID, err)
	}
	var snap SessionSnapshot
	if err := db.Where("whatsapp_id = ?", accountID).Limit(1).Find(&snap).Error; err != nil {
		return nil, fmt.Errorf("store: load snapshot %d: %w", accountID, err)
	}

	out := &labels.Snapshot{
		Labels:   make([]labels.Label, 0, len(rows)),
		Chats:    snap.Chats,
		Contacts: snap.Contacts,
	}
	for _, r := range rows {
		out.Labels = append(out.Labels, labels.Label{
			ID:           r.LabelID,
			Name:         r.Name,
			Color:        r.Color,
			PredefinedID: r.PredefinedID,
		})
	}
	return out, nil
}

// DeleteSnapshot removes everything stored for an account.
func (s *Snapshots) DeleteSnapshot(ctx context.Context, accountID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("whatsapp_id = ?", accountID).Delete(&SessionSnapshot{}).Error; err != nil {
			return err
		}
		return tx.Where("whatsapp_id = ?", accountID).Delete(&WhatsappLabel{}).Error
	})
	if err != nil {
		return fmt.Errorf("store: delete snapshot %d: %w", accountID, err)
	}
	return nil
}

// MergeChats applies updates to stored chats and returns the result sorted by
// chat id.
func MergeChats(stored, updates []labels.ChatSnapshot) []labels.ChatSnapshot {
	byID := make(map[string]labels.ChatSnapshot, len(stored)+len(updates))
	for _, c := range stored {
		byID[c.ID] = c
	}
	for _, u := range updates {
		if u.ID == "" {
			continue
		}
		cur, ok := byID[u.ID]
		if !ok {
			cur = labels.ChatSnapshot{ID: u.ID}
		}
		if u.Name != "" {
			cur.Name = u.Name
		}
		if u.Labels != nil {
			if u.Mode == labels.Replace {
				cur.Labels = uniqueSorted(u.Labels)
			} else {
				cur.Labels = uniqueSorted(append(append([]string(nil), cur.Labels...), u.Labels...))
			}
		}
		cur.Mode = labels.Union
		byID[u.ID] = cur
	}

	out := make([]labels.ChatSnapshot, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MergeContacts applies updates to stored contacts and returns the result
// sorted by id. An update without a name keeps the stored name.
func MergeContacts(stored, updates []labels.Contact) []labels.Contact {
	byID := make(map[string]labels.Contact, len(stored)+len(updates))
	for _, c := range stored {
		byID[c.ID] = c
	}
	for _, u := range updates {
		if u.ID == "" {
			continue
		}
		cur, ok := byID[u.ID]
		if !ok || u.Name != "" {
			cur = u
		}
		byID[u.ID] = cur
	}

	out := make([]labels.Contact, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
