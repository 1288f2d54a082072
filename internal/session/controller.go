package session

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/whatsapp-automation/sessiond/internal/history"
	"github.com/whatsapp-automation/sessiond/internal/labels"
	"github.com/whatsapp-automation/sessiond/internal/metrics"
	"github.com/whatsapp-automation/sessiond/internal/notify"
)

// Update is the payload of session notifications.
type Update struct {
	Session Info   `json:"session"`
	QRCode  string `json:"qrcode,omitempty"`
	QRImage string `json:"qr_image,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// AlertSubject names the account in operator alerts.
func (u Update) AlertSubject() string {
	return fmt.Sprintf("%s (#%d)", u.Session.Name, u.Session.ID)
}

// LabelUpdate is the payload of label notifications.
type LabelUpdate struct {
	AccountID int64         `json:"account_id"`
	Label     *labels.Label `json:"label,omitempty"`
	ChatID    string        `json:"chat_id,omitempty"`
	LabelIDs  []string      `json:"label_ids,omitempty"`
	Tags      []labels.Tag  `json:"tags,omitempty"`
}

func (m *Manager) run(s *Session) {
	defer m.loops.Done()
	events := s.conn.Events()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.dispatch(s, ev)
		}
	}
}

func (m *Manager) dispatch(s *Session, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("[%d] Panic handling %T: %v", s.ID(), ev, r)
		}
	}()

	lock := m.lockFor(s.ID())
	lock.Lock()
	defer lock.Unlock()

	if s.retired {
		return
	}

	ctx := context.Background()
	switch e := ev.(type) {
	case PairingChallenge:
		m.onPairingChallenge(ctx, s, e)
	case Opened:
		m.onOpened(ctx, s, e)
	case Closed:
		m.onClosed(ctx, s, e)
	case HistoryBatch:
		m.onHistoryBatch(ctx, s, e)
	case LabelEdit:
		if err := m.labels.ApplyLabelEdit(ctx, s.ID(), e.Label); err != nil {
			m.log.Warnf("[%d] %v", s.ID(), err)
		}
		label := e.Label
		m.notify(ctx, s, notify.TopicLabels, notify.ActionUpdate, notify.LevelInfo, LabelUpdate{AccountID: s.ID(), Label: &label})
	case LabelAssociation:
		if err := m.labels.ApplyAssociation(ctx, s.ID(), e.ChatID, e.LabelID, e.Labeled); err != nil {
			m.log.Warnf("[%d] %v", s.ID(), err)
		}
		ids := m.labels.Cache().ChatLabels(s.ID(), e.ChatID)
		m.notify(ctx, s, notify.TopicLabels, notify.ActionUpdate, notify.LevelInfo, LabelUpdate{
			AccountID: s.ID(),
			ChatID:    e.ChatID,
			LabelIDs:  ids,
			Tags:      m.labels.Cache().Tags(s.ID(), ids),
		})
	case ChatUpsert:
		if err := m.labels.ApplyChats(ctx, s.ID(), e.Chats); err != nil {
			m.log.Warnf("[%d] %v", s.ID(), err)
		}
	case ChatUpdate:
		if err := m.labels.ApplyChats(ctx, s.ID(), e.Chats); err != nil {
			m.log.Warnf("[%d] %v", s.ID(), err)
		}
	case MessageSeen:
		m.replay.Remember(e.ID, e.Payload)
	default:
		m.log.Debugf("[%d] Ignoring event %T", s.ID(), ev)
	}
}

func (m *Manager) onPairingChallenge(ctx context.Context, s *Session, e PairingChallenge) {
	metrics.PairingChallenges.Inc()
	n := m.bumpQR(s.ID())
	if n > m.maxQRRetries {
		m.exhaust(ctx, s, n)
		return
	}

	code := e.Code
	m.persist(ctx, s, StatusQRCode, StatusFields{QRCode: &code, Retries: &n})
	m.publish(s)
	m.log.Infof("[%d] Pairing challenge %d/%d", s.ID(), n, m.maxQRRetries)
	m.notify(ctx, s, notify.TopicSession, notify.ActionUpdate, notify.LevelInfo, Update{
		Session: s.Info(),
		QRCode:  e.Code,
		QRImage: e.Image,
	})
}

func (m *Manager) exhaust(ctx context.Context, s *Session, n int) {
	empty, zero := "", 0
	m.persist(ctx, s, StatusDisconnected, StatusFields{QRCode: &empty, Retries: &zero})
	m.teardown(s, true)
	m.purge(ctx, s.ID())
	m.resetQR(s.ID())

	metrics.ConnectionsClosed.WithLabelValues("pairing_exhausted").Inc()
	m.log.Warnf("[%d] %v after %d challenges, not reconnecting", s.ID(), ErrPairingExhausted, n-1)
	m.notify(ctx, s, notify.TopicSession, notify.ActionPairingExhausted, notify.LevelAlert, Update{
		Session: s.Info(),
		Reason:  ErrPairingExhausted.Error(),
	})
}

func (m *Manager) onOpened(ctx context.Context, s *Session, e Opened) {
	m.resetQR(s.ID())

	empty, zero, number := "", 0, e.Number
	m.persist(ctx, s, StatusConnected, StatusFields{QRCode: &empty, Retries: &zero, Number: &number})
	s.setConnected(e.Number, m.now())
	m.publish(s)
	m.log.Infof("[%d] Connected as %s", s.ID(), e.Number)
	m.notify(ctx, s, notify.TopicSession, notify.ActionUpdate, notify.LevelInfo, Update{Session: s.Info()})

	if w := s.account.ImportWindow; w != nil && m.importer != nil {
		m.importer.Arm(ctx, history.Target{
			AccountID: s.ID(),
			TenantID:  s.TenantID(),
			Window:    *w,
			Progress:  s.account.ImportProgress,
		})
	}

	m.resyncOnce(s)
}

// resyncOnce repairs label drift accumulated while disconnected: labels
// first, then everything. It runs off the account lock because the resync
// makes the connection emit events.
func (m *Manager) resyncOnce(s *Session) {
	s.resync.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
			defer cancel()

			if patches := s.conn.LabelPatches(); len(patches) > 0 {
				if err := s.conn.ResyncAppState(ctx, patches, true); err != nil {
					m.log.Warnf("[%d] %v (labels): %v", s.ID(), ErrResyncFailed, err)
				} else {
					m.log.Debugf("[%d] Label resync requested: %v", s.ID(), patches)
				}
			}
			if err := s.conn.ResyncAppState(ctx, s.conn.AllPatches(), true); err != nil {
				m.log.Warnf("[%d] %v (full): %v", s.ID(), ErrResyncFailed, err)
				return
			}
			m.log.Debugf("[%d] Full resync requested", s.ID())
		}()
	})
}

func (m *Manager) onClosed(ctx context.Context, s *Session, e Closed) {
	kind := Classify(e.Reason)
	switch kind {
	case CloseRevoked, CloseLoggedOut:
		m.retire(ctx, s, kind, e.Reason)
	default:
		m.closeTransient(ctx, s, e.Reason)
	}
}

// retire handles terminal closes: credentials are purged and nothing
// reconnects until the account is started again.
func (m *Manager) retire(ctx context.Context, s *Session, kind CloseKind, reason CloseReason) {
	m.teardown(s, true)
	m.purge(ctx, s.ID())
	empty := ""
	m.persist(ctx, s, StatusPending, StatusFields{QRCode: &empty})
	m.resetQR(s.ID())
	metrics.ConnectionsClosed.WithLabelValues(kind.String()).Inc()

	action := notify.ActionLoggedOut
	if kind == CloseRevoked {
		action = notify.ActionRevoked
		m.log.Warnf("[%d] %v (%s), re-pairing required", s.ID(), ErrAuthenticationRevoked, reason)
	} else {
		m.log.Infof("[%d] Logged out (%s)", s.ID(), reason)
	}
	m.notify(ctx, s, notify.TopicSession, action, notify.LevelAlert, Update{Session: s.Info(), Reason: reason.String()})
}

func (m *Manager) closeTransient(ctx context.Context, s *Session, reason CloseReason) {
	uptime := ""
	if info := s.Info(); !info.ConnectedAt.IsZero() {
		uptime = ", connected " + humanize.RelTime(info.ConnectedAt, m.now(), "ago", "")
	}
	m.teardown(s, false)
	m.persist(ctx, s, StatusPending, StatusFields{})
	metrics.ConnectionsClosed.WithLabelValues(CloseTransient.String()).Inc()

	m.log.Warnf("[%d] %v (%s%s), reconnecting in %s", s.ID(), ErrTransientDisconnect, reason, uptime, m.reconnectDelay)
	m.notify(ctx, s, notify.TopicSession, notify.ActionReconnecting, notify.LevelInfo, Update{Session: s.Info(), Reason: reason.String()})
	m.scheduleReconnect(s.ID())
}

func (m *Manager) onHistoryBatch(ctx context.Context, s *Session, e HistoryBatch) {
	b := e.Batch
	if err := m.labels.ApplyHistory(ctx, s.ID(), b.Labels, b.Chats, b.Contacts); err != nil {
		m.log.Warnf("[%d] History snapshot persist failed: %v", s.ID(), err)
	}
	if m.importer != nil {
		m.importer.Observe(ctx, s.ID(), b)
	}
}

// teardown retires an incarnation: its loop stops, its connection closes and
// it leaves the registry. Terminal teardowns also drop the pending import and
// any scheduled reconnect. The connection is closed before any purge so the
// client never writes to a deleted device store.
func (m *Manager) teardown(s *Session, terminal bool) {
	s.retired = true
	s.halt()
	s.conn.Close()
	m.registry.unregisterIf(s)

	m.mu.Lock()
	if m.live[s.ID()] == s {
		delete(m.live, s.ID())
	}
	m.mu.Unlock()

	if terminal {
		m.drop(s.ID())
	}
}

func (m *Manager) purge(ctx context.Context, id int64) {
	if m.auth != nil {
		if err := m.auth.DeleteAuthState(ctx, id); err != nil {
			m.log.Errorf("[%d] Failed to delete auth state: %v", id, err)
		}
	}
	if err := m.labels.Purge(ctx, id); err != nil {
		m.log.Errorf("[%d] Failed to purge labels: %v", id, err)
	}
}

// publish makes s the registered session of its account.
func (m *Manager) publish(s *Session) {
	if cur, err := m.registry.Lookup(s.ID()); err == nil && cur != s {
		m.registry.Unregister(s.ID())
	}
	m.registry.Register(s)
}

func (m *Manager) persist(ctx context.Context, s *Session, status Status, fields StatusFields) {
	s.setStatus(status)
	metrics.StatusTransitions.WithLabelValues(string(status)).Inc()
	if err := m.accounts.UpdateStatus(ctx, s.ID(), status, fields); err != nil {
		m.log.Errorf("[%d] Failed to persist status %s: %v", s.ID(), status, err)
	}
}

func (m *Manager) notify(ctx context.Context, s *Session, topic, action string, level notify.Level, payload interface{}) {
	n := notify.New(s.TenantID(), topic, action, level, payload)
	if err := m.bus.Publish(ctx, n); err != nil {
		m.log.Warnf("[%d] Notification %s/%s failed: %v", s.ID(), topic, action, err)
	}
}
