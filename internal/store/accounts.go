package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/whatsapp-automation/sessiond/internal/history"
	"github.com/whatsapp-automation/sessiond/internal/session"
)

// Accounts stores Whatsapp rows. It implements session.AccountStore and
// history.ProgressStore.
type Accounts struct {
	db *gorm.DB
}

// NewAccounts creates an account store over db.
func NewAccounts(db *gorm.DB) *Accounts {
	return &Accounts{db: db}
}

// Create inserts a new account.
func (a *Accounts) Create(ctx context.Context, w *Whatsapp) error {
	if err := a.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("store: create account: %w", err)
	}
	return nil
}

// LoadAccount loads one account.
func (a *Accounts) LoadAccount(ctx context.Context, id int64) (*session.Account, error) {
	var w Whatsapp
	err := a.db.WithContext(ctx).First(&w, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: account %d: %w", id, session.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load account %d: %w", id, err)
	}
	acc := toAccount(w)
	return &acc, nil
}

// ListAccounts returns every account ordered by id.
func (a *Accounts) ListAccounts(ctx context.Context) ([]session.Account, error) {
	var rows []Whatsapp
	if err := a.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	out := make([]session.Account, 0, len(rows))
	for _, w := range rows {
		out = append(out, toAccount(w))
	}
	return out, nil
}

// UpdateStatus writes status and the fields that are set.
func (a *Accounts) UpdateStatus(ctx context.Context, id int64, status session.Status, fields session.StatusFields) error {
	updates := map[string]interface{}{"status": string(status)}
	if fields.QRCode != nil {
		updates["qrcode"] = *fields.QRCode
	}
	if fields.Retries != nil {
		updates["retries"] = *fields.Retries
	}
	if fields.Number != nil {
		updates["number"] = *fields.Number
	}
	return a.update(ctx, id, updates)
}

// UpdateImportProgress writes the import progress marker.
func (a *Accounts) UpdateImportProgress(ctx context.Context, id int64, marker string) error {
	return a.update(ctx, id, map[string]interface{}{"status_import_messages": marker})
}

func (a *Accounts) update(ctx context.Context, id int64, updates map[string]interface{}) error {
	res := a.db.WithContext(ctx).Model(&Whatsapp{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: update account %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: account %d: %w", id, session.ErrAccountNotFound)
	}
	return nil
}

func toAccount(w Whatsapp) session.Account {
	acc := session.Account{
		ID:             w.ID,
		TenantID:       w.CompanyID,
		Name:           w.Name,
		Status:         session.Status(w.Status),
		Number:         w.Number,
		AllowGroup:     w.AllowGroup,
		ImportProgress: w.StatusImportMessages,
	}
	if w.ImportOldMessages != nil && w.ImportRecentMessages != nil {
		acc.ImportWindow = &history.Window{
			Start:         *w.ImportOldMessages,
			End:           *w.ImportRecentMessages,
			IncludeGroups: w.ImportOldMessagesGroups,
		}
	}
	return acc
}
