package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/sessiond/internal/cache"
	"github.com/whatsapp-automation/sessiond/internal/history"
	"github.com/whatsapp-automation/sessiond/internal/labels"
	"github.com/whatsapp-automation/sessiond/internal/metrics"
	"github.com/whatsapp-automation/sessiond/internal/notify"
)

const (
	// DefaultReconnectDelay is the wait before reconnecting after a
	// transient close.
	DefaultReconnectDelay = 2 * time.Second
	// DefaultMaxQRRetries is how many pairing challenges an account gets
	// before it is retired.
	DefaultMaxQRRetries = 3
	// DefaultConnectTimeout bounds opening a connection.
	DefaultConnectTimeout = 25 * time.Second
	// DefaultLabelResyncWait is how long DeviceLabels waits for a resync to
	// deliver labels.
	DefaultLabelResyncWait = 5 * time.Second
)

// Importer receives the history of opened sessions.
type Importer interface {
	Arm(ctx context.Context, target history.Target)
	Disarm(accountID int64)
	Observe(ctx context.Context, accountID int64, batch history.Batch) int
}

// ReplayCache keeps message payloads for protocol retry requests.
type ReplayCache interface {
	Remember(id string, payload []byte)
	Recall(id string) ([]byte, bool)
}

// Options configures a Manager. Protocol and Accounts are required.
type Options struct {
	Protocol Protocol
	Accounts AccountStore
	Auth     AuthPurger
	Labels   *labels.Synchronizer
	Importer Importer
	Replay   ReplayCache
	Bus      notify.Bus

	ReconnectDelay  time.Duration
	ConnectTimeout  time.Duration
	LabelResyncWait time.Duration
	MaxQRRetries    int

	Log *logrus.Entry
}

// Manager drives the connection lifecycle of every account in the process.
// All transitions for one account are serialized by that account's lock,
// across connection incarnations.
type Manager struct {
	protocol Protocol
	accounts AccountStore
	auth     AuthPurger
	labels   *labels.Synchronizer
	importer Importer
	replay   ReplayCache
	bus      notify.Bus

	reconnectDelay  time.Duration
	connectTimeout  time.Duration
	labelResyncWait time.Duration
	maxQRRetries    int

	registry  *Registry
	scheduler *Scheduler
	log       *logrus.Entry
	now       func() time.Time

	mu      sync.Mutex
	locks   map[int64]*sync.Mutex
	live    map[int64]*Session
	qrCount map[int64]int
	removed map[int64]bool
	closed  bool

	loops sync.WaitGroup
}

// NewManager creates a Manager with no running sessions.
func NewManager(opts Options) (*Manager, error) {
	if opts.Protocol == nil {
		return nil, errors.New("session: manager: protocol is required")
	}
	if opts.Accounts == nil {
		return nil, errors.New("session: manager: account store is required")
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Labels == nil {
		opts.Labels = labels.NewSynchronizer(labels.NewCache(), nil, opts.Log)
	}
	if opts.Replay == nil {
		opts.Replay = cache.NewMessageCache(cache.DefaultCapacity, cache.DefaultTTL)
	}
	if opts.Bus == nil {
		opts.Bus = notify.Nop{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.LabelResyncWait <= 0 {
		opts.LabelResyncWait = DefaultLabelResyncWait
	}
	if opts.MaxQRRetries <= 0 {
		opts.MaxQRRetries = DefaultMaxQRRetries
	}

	return &Manager{
		protocol:        opts.Protocol,
		accounts:        opts.Accounts,
		auth:            opts.Auth,
		labels:          opts.Labels,
		importer:        opts.Importer,
		replay:          opts.Replay,
		bus:             opts.Bus,
		reconnectDelay:  opts.ReconnectDelay,
		connectTimeout:  opts.ConnectTimeout,
		labelResyncWait: opts.LabelResyncWait,
		maxQRRetries:    opts.MaxQRRetries,
		registry:        NewRegistry(),
		scheduler:       NewScheduler(),
		log:             opts.Log.WithField("component", "session"),
		now:             time.Now,
		locks:           make(map[int64]*sync.Mutex),
		live:            make(map[int64]*Session),
		qrCount:         make(map[int64]int),
		removed:         make(map[int64]bool),
	}, nil
}

// Registry returns the table of registered sessions.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Sessions returns a view of every registered session.
func (m *Manager) Sessions() []Info {
	sessions := m.registry.List()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Start opens a connection for an account. Starting an account that already
// has a live connection is a no-op. A pending reconnect is cancelled and the
// pairing challenge count starts over.
func (m *Manager) Start(ctx context.Context, id int64) error {
	m.scheduler.Cancel(id)
	m.resetQR(id)
	m.mu.Lock()
	delete(m.removed, id)
	m.mu.Unlock()
	return m.connect(ctx, id, false)
}

// StartAll starts every configured account concurrently.
func (m *Manager) StartAll(ctx context.Context) error {
	accounts, err := m.accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, acc := range accounts {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := m.Start(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(acc.ID)
	}
	wg.Wait()

	m.log.Infof("Started %d/%d sessions", len(accounts)-len(errs), len(accounts))
	return errors.Join(errs...)
}

// Logout logs a registered session out at the peer, purges its state and
// tears it down. It does not reconnect. An account waiting to reconnect has
// its reconnect dropped and gets ErrSessionNotInitialized.
func (m *Manager) Logout(ctx context.Context, id int64) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.registry.Lookup(id)
	if err != nil {
		if m.current(id) == nil {
			m.drop(id)
		}
		return err
	}
	if err := s.conn.Logout(ctx); err != nil {
		m.log.Warnf("[%d] Logout at peer failed: %v", id, err)
	}
	m.retire(ctx, s, CloseLoggedOut, CloseReason{Code: CodeLoggedOut, Message: "logout requested"})
	return nil
}

// Remove tears an account's connection down without touching its persisted
// status or auth state.
func (m *Manager) Remove(id int64) {
	m.scheduler.Cancel(id)

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if s := m.current(id); s != nil {
		m.teardown(s, true)
		m.log.Infof("[%d] Session removed", id)
	} else {
		m.drop(id)
	}
	m.registry.Unregister(id)
	m.resetQR(id)
}

// Restart closes every live session of a tenant and schedules each for
// reconnection. It returns the number of sessions restarted.
func (m *Manager) Restart(ctx context.Context, tenantID int64) int {
	restarted := 0
	for _, s := range m.liveSessions() {
		if s.TenantID() != tenantID {
			continue
		}
		lock := m.lockFor(s.ID())
		lock.Lock()
		if !s.retired {
			m.closeTransient(ctx, s, CloseReason{Code: CodeRestartRequired, Message: "restart requested"})
			restarted++
		}
		lock.Unlock()
	}
	m.log.Infof("Tenant %d: restarted %d sessions", tenantID, restarted)
	return restarted
}

// Send delivers content to jid through a registered session and keeps the
// sent payload for replay.
func (m *Manager) Send(ctx context.Context, id int64, jid string, content Content) (SentMessage, error) {
	s, err := m.registry.Lookup(id)
	if err != nil {
		return SentMessage{}, err
	}
	sent, err := s.conn.Send(ctx, jid, content)
	if err != nil {
		return SentMessage{}, fmt.Errorf("send to %s: %w", jid, err)
	}
	m.replay.Remember(sent.ID, sent.Payload)
	return sent, nil
}

// Labels returns the cached label inventory of an account.
func (m *Manager) Labels(id int64) labels.Inventory {
	return m.labels.Cache().Read(id)
}

// DeviceLabels lists an account's labels with colors and chat counts. With an
// empty inventory and a connected session, it requests a full app-state
// resync and reads again after a short wait.
func (m *Manager) DeviceLabels(ctx context.Context, id int64) ([]labels.DeviceLabel, error) {
	out := m.labels.DeviceLabels(ctx, id)
	if len(out) > 0 {
		return out, nil
	}
	s, err := m.registry.Lookup(id)
	if err != nil || s.Status() != StatusConnected {
		return out, nil
	}

	if err := s.conn.ResyncAppState(ctx, s.conn.AllPatches(), true); err != nil {
		m.log.Warnf("[%d] %v: %v", id, ErrResyncFailed, err)
		return out, nil
	}
	select {
	case <-time.After(m.labelResyncWait):
	case <-ctx.Done():
		return out, ctx.Err()
	}
	return m.labels.DeviceLabels(ctx, id), nil
}

// Shutdown stops reconnects and closes every connection. Persisted status is
// left as is so the next process resumes the sessions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.scheduler.Stop()
	for _, s := range m.liveSessions() {
		lock := m.lockFor(s.ID())
		lock.Lock()
		if !s.retired {
			m.teardown(s, false)
		}
		lock.Unlock()
	}
	m.loops.Wait()
	m.log.Info("Session manager stopped")
}

// connect opens a connection under the account lock. A resumed connect is a
// reconnect and is abandoned once the account was removed or retired.
func (m *Manager) connect(ctx context.Context, id int64, resume bool) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if m.isClosed() {
		return ErrManagerClosed
	}
	if resume && m.isRemoved(id) {
		return errRemoved
	}
	if m.current(id) != nil {
		return nil
	}

	acc, err := m.accounts.LoadAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("load account %d: %w", id, err)
	}
	if err := m.labels.Rebuild(ctx, id); err != nil {
		m.log.Warnf("[%d] Label cache rebuild failed: %v", id, err)
	}

	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	conn, err := m.protocol.Connect(cctx, *acc)
	cancel()
	if err != nil {
		return fmt.Errorf("connect account %d: %w", id, err)
	}

	s := newSession(*acc, conn)
	m.mu.Lock()
	m.live[id] = s
	m.mu.Unlock()

	m.persist(ctx, s, StatusPending, StatusFields{})
	m.log.Infof("[%d] Connecting %s", id, acc.Name)

	m.loops.Add(1)
	go m.run(s)
	return nil
}

func (m *Manager) reconnect(id int64) {
	err := m.connect(context.Background(), id, true)
	switch {
	case err == nil:
	case errors.Is(err, ErrManagerClosed), errors.Is(err, ErrAccountNotFound), errors.Is(err, errRemoved):
		m.log.Warnf("[%d] Reconnect abandoned: %v", id, err)
	default:
		m.log.Warnf("[%d] Reconnect failed: %v", id, err)
		m.scheduleReconnect(id)
	}
}

func (m *Manager) scheduleReconnect(id int64) {
	if m.isClosed() {
		return
	}
	metrics.ReconnectsScheduled.Inc()
	m.scheduler.Schedule(id, m.reconnectDelay, func() { m.reconnect(id) })
}

func (m *Manager) lockFor(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) current(id int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

func (m *Manager) liveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		out = append(out, s)
	}
	return out
}

// drop stops everything still pending for an account: its reconnect and its
// import. Reconnect timers that already fired see the mark and give up.
// Callers hold the account lock.
func (m *Manager) drop(id int64) {
	m.mu.Lock()
	m.removed[id] = true
	m.mu.Unlock()

	m.scheduler.Cancel(id)
	if m.importer != nil {
		m.importer.Disarm(id)
	}
}

func (m *Manager) isRemoved(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed[id]
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) bumpQR(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qrCount[id]++
	return m.qrCount[id]
}

func (m *Manager) resetQR(id int64) {
	m.mu.Lock()
	delete(m.qrCount, id)
	m.mu.Unlock()
}
