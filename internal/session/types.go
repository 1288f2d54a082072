package session

import (
	"context"
	"time"

	"github.com/whatsapp-automation/sessiond/internal/history"
)

// Status is the persisted connection status of an account.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusQRCode       Status = "QRCODE"
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
)

// StatusFields are the optional columns written along with a status change.
// Nil fields are left untouched.
type StatusFields struct {
	QRCode  *string
	Retries *int
	Number  *string
}

// Account is a configured tenant account as loaded from the account store.
type Account struct {
	ID             int64           `json:"id"`
	TenantID       int64           `json:"tenant_id"`
	Name           string          `json:"name"`
	Status         Status          `json:"status"`
	Number         string          `json:"number,omitempty"`
	AllowGroup     bool            `json:"allow_group"`
	ImportWindow   *history.Window `json:"import_window,omitempty"`
	ImportProgress string          `json:"import_progress,omitempty"`
}

// AccountStore is the durable store of accounts and their status.
type AccountStore interface {
	LoadAccount(ctx context.Context, id int64) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	UpdateStatus(ctx context.Context, id int64, status Status, fields StatusFields) error
}

// AuthPurger deletes the durable authentication material of an account.
type AuthPurger interface {
	DeleteAuthState(ctx context.Context, accountID int64) error
}

// Content is an outbound message body.
type Content struct {
	Text string `json:"text"`
}

// SentMessage is the protocol's receipt for an outbound message. Payload is
// the serialized message kept for replay.
type SentMessage struct {
	ID        string
	Timestamp time.Time
	Payload   []byte
}

// Conn is one live protocol connection. Events is closed or abandoned once
// Close returns.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, jid string, content Content) (SentMessage, error)
	Logout(ctx context.Context) error
	Close()
	ResyncAppState(ctx context.Context, patches []string, full bool) error
	LabelPatches() []string
	AllPatches() []string
}

// Protocol opens connections for accounts.
type Protocol interface {
	Connect(ctx context.Context, account Account) (Conn, error)
}
