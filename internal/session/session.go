// Package session owns the per-account connection lifecycle: pairing,
// authentication, reconnection, and the registry of live sessions.
package session

import (
	"sync"
	"time"
)

// Session is one connection incarnation of an account. A reconnect creates a
// new Session for the same account.
type Session struct {
	account Account
	conn    Conn

	stop     chan struct{}
	stopOnce sync.Once
	resync   sync.Once

	// retired is only touched under the account lock.
	retired bool

	mu          sync.RWMutex
	status      Status
	number      string
	connectedAt time.Time
}

func newSession(account Account, conn Conn) *Session {
	return &Session{
		account: account,
		conn:    conn,
		stop:    make(chan struct{}),
		status:  StatusPending,
	}
}

// ID returns the account id.
func (s *Session) ID() int64 { return s.account.ID }

// TenantID returns the owning tenant.
func (s *Session) TenantID() int64 { return s.account.TenantID }

// Account returns the account the session was started with.
func (s *Session) Account() Account { return s.account }

// Conn returns the underlying connection.
func (s *Session) Conn() Conn { return s.conn }

// Status returns the session's current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Info is a read-only view of a session.
type Info struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Number      string    `json:"number,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:          s.account.ID,
		TenantID:    s.account.TenantID,
		Name:        s.account.Name,
		Status:      s.status,
		Number:      s.number,
		ConnectedAt: s.connectedAt,
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Session) setConnected(number string, at time.Time) {
	s.mu.Lock()
	s.status = StatusConnected
	s.number = number
	s.connectedAt = at
	s.mu.Unlock()
}

func (s *Session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}
