// Package notify publishes session and label notifications to tenants and
// operators. Delivery is best effort.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/sessiond/internal/metrics"
)

// Topics a notification can be published on.
const (
	TopicSession = "whatsappSession"
	TopicLabels  = "labels"
)

// Actions carried by notifications.
const (
	ActionUpdate           = "update"
	ActionPairingExhausted = "pairingExhausted"
	ActionRevoked          = "revoked"
	ActionLoggedOut        = "loggedOut"
	ActionReconnecting     = "reconnecting"
)

// Level tells operator channels whether a notification needs attention.
type Level string

const (
	LevelInfo  Level = "info"
	LevelAlert Level = "alert"
)

// Notification is one event for a tenant.
type Notification struct {
	ID       string      `json:"id"`
	TenantID int64       `json:"tenant_id"`
	Topic    string      `json:"topic"`
	Action   string      `json:"action"`
	Level    Level       `json:"level"`
	Payload  interface{} `json:"payload,omitempty"`
	At       time.Time   `json:"at"`
}

// New creates a notification with a fresh id.
func New(tenantID int64, topic, action string, level Level, payload interface{}) Notification {
	return Notification{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Topic:    topic,
		Action:   action,
		Level:    level,
		Payload:  payload,
		At:       time.Now(),
	}
}

// Channel is the per-tenant channel name of the notification.
func (n Notification) Channel() string {
	return fmt.Sprintf("company-%d-%s", n.TenantID, n.Topic)
}

// Bus publishes notifications.
type Bus interface {
	Publish(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every bus. All buses are tried.
type Multi []Bus

func (m Multi) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogBus writes notifications to the log.
type LogBus struct {
	Log *logrus.Entry
}

func (b LogBus) Publish(_ context.Context, n Notification) error {
	log := b.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{
		"channel": n.Channel(),
		"action":  n.Action,
		"level":   n.Level,
	}).Debug("Notification")
	return nil
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Publish(context.Context, Notification) error { return nil }

func failed(bus string) {
	metrics.NotificationsFailed.WithLabelValues(bus).Inc()
}
