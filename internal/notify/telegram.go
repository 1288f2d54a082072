package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTelegramURL is the Telegram Bot API base URL.
const DefaultTelegramURL = "https://api.telegram.org"

// Telegram sends alert-level notifications to an operator chat.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *logrus.Entry
}

// TelegramOptions configures a Telegram notifier.
type TelegramOptions struct {
	Token   string
	ChatID  string
	BaseURL string
	Log     *logrus.Entry
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(opts TelegramOptions) (*Telegram, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("notify: telegram: token is required")
	}
	if opts.ChatID == "" {
		return nil, fmt.Errorf("notify: telegram: chat id is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultTelegramURL
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Telegram{
		token:   opts.Token,
		chatID:  opts.ChatID,
		baseURL: opts.BaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     opts.Log.WithField("component", "telegram"),
	}, nil
}

// Publish forwards alerts. Informational notifications are dropped.
func (t *Telegram) Publish(ctx context.Context, n Notification) error {
	if n.Level != LevelAlert {
		return nil
	}
	if err := t.SendAlert(ctx, formatAlert(n)); err != nil {
		failed("telegram")
		return err
	}
	return nil
}

// SendAlert sends message to the configured chat.
func (t *Telegram) SendAlert(ctx context.Context, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	t.log.Debugf("Alert sent: %s", message[:min(50, len(message))]+"...")
	return nil
}

func formatAlert(n Notification) string {
	var title string
	switch n.Action {
	case ActionPairingExhausted:
		title = "PAIRING EXHAUSTED"
	case ActionRevoked:
		title = "SESSION REVOKED"
	case ActionLoggedOut:
		title = "LOGGED OUT"
	default:
		title = n.Action
	}

	account := ""
	if a, ok := n.Payload.(interface{ AlertSubject() string }); ok {
		account = a.AlertSubject()
	}

	return fmt.Sprintf(`<b>%s</b>

Tenant: %d
Account: %s
Time: %s`, title, n.TenantID, account, n.At.Format("2006-01-02 15:04:05"))
}
