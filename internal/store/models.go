// Package store persists accounts, session snapshots and labels with gorm.
package store

import (
	"time"

	"github.com/whatsapp-automation/sessiond/internal/labels"
)

// Whatsapp is a tenant-owned account.
type Whatsapp struct {
	ID                      int64  `gorm:"primaryKey;autoIncrement"`
	CompanyID               int64  `gorm:"not null;index"`
	Name                    string `gorm:"size:128"`
	Status                  string `gorm:"size:16;default:PENDING;index"`
	QRCode                  string `gorm:"column:qrcode;type:text"`
	Retries                 int
	Number                  string `gorm:"size:32"`
	AllowGroup              bool
	ImportOldMessages       *time.Time
	ImportRecentMessages    *time.Time
	ImportOldMessagesGroups bool
	StatusImportMessages    string `gorm:"size:32"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// SessionSnapshot holds the merged chat and contact snapshots of an account.
type SessionSnapshot struct {
	ID         uint                  `gorm:"primaryKey;autoIncrement"`
	WhatsappID int64                 `gorm:"not null;uniqueIndex"`
	Chats      []labels.ChatSnapshot `gorm:"serializer:json;type:text"`
	Contacts   []labels.Contact      `gorm:"serializer:json;type:text"`
	UpdatedAt  time.Time
}

// WhatsappLabel is a label definition of an account.
type WhatsappLabel struct {
	WhatsappID   int64  `gorm:"primaryKey"`
	LabelID      string `gorm:"primaryKey;size:64"`
	Name         string `gorm:"size:128"`
	Color        int
	PredefinedID string `gorm:"size:64"`
	UpdatedAt    time.Time
}

// Models lists every model for migration.
func Models() []interface{} {
	return []interface{}{&Whatsapp{}, &SessionSnapshot{}, &WhatsappLabel{}}
}
