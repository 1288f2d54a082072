package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/whatsapp-automation/sessiond/internal/history"
	"github.com/whatsapp-automation/sessiond/internal/notify"
)

type fakeConn struct {
	account Account
	events  chan Event
	done    chan struct{}

	mu        sync.Mutex
	closed    bool
	loggedOut bool
	sent      []string
	resyncs   [][]string
}

func newFakeConn(account Account) *fakeConn {
	return &fakeConn{
		account: account,
		events:  make(chan Event, 32),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *fakeConn) Send(_ context.Context, jid string, content Content) (SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, jid)
	return SentMessage{ID: fmt.Sprintf("SENT-%d", len(c.sent)), Payload: []byte(content.Text)}, nil
}

func (c *fakeConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ResyncAppState(_ context.Context, patches []string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resyncs = append(c.resyncs, patches)
	return nil
}

func (c *fakeConn) resyncCalls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.resyncs...)
}

func (c *fakeConn) LabelPatches() []string { return []string{"regular"} }
func (c *fakeConn) AllPatches() []string {
	return []string{"critical_block", "critical_unblock_low", "regular_high", "regular_low", "regular"}
}

type fakeProtocol struct {
	mu    sync.Mutex
	conns map[int64][]*fakeConn
	err   error
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{conns: make(map[int64][]*fakeConn)}
}

func (p *fakeProtocol) Connect(_ context.Context, account Account) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	c := newFakeConn(account)
	p.conns[account.ID] = append(p.conns[account.ID], c)
	return c, nil
}

func (p *fakeProtocol) dials(id int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[id])
}

func (p *fakeProtocol) last(id int64) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs := p.conns[id]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

type statusUpdate struct {
	ID     int64
	Status Status
	Fields StatusFields
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[int64]*Account
	updates  []statusUpdate
	qrcode   map[int64]string
	retries  map[int64]int
}

func newFakeAccounts(accounts ...Account) *fakeAccounts {
	f := &fakeAccounts{
		accounts: make(map[int64]*Account),
		qrcode:   make(map[int64]string),
		retries:  make(map[int64]int),
	}
	for i := range accounts {
		a := accounts[i]
		f.accounts[a.ID] = &a
	}
	return f
}

func (f *fakeAccounts) LoadAccount(_ context.Context, id int64) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) ListAccounts(context.Context) ([]Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeAccounts) UpdateStatus(_ context.Context, id int64, status Status, fields StatusFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{ID: id, Status: status, Fields: fields})
	if a, ok := f.accounts[id]; ok {
		a.Status = status
		if fields.Number != nil {
			a.Number = *fields.Number
		}
	}
	if fields.QRCode != nil {
		f.qrcode[id] = *fields.QRCode
	}
	if fields.Retries != nil {
		f.retries[id] = *fields.Retries
	}
	return nil
}

func (f *fakeAccounts) status(id int64) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[id].Status
}

func (f *fakeAccounts) number(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[id].Number
}

func (f *fakeAccounts) challenge(id int64) (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qrcode[id], f.retries[id]
}

func (f *fakeAccounts) remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, id)
}

type fakeAuth struct {
	mu       sync.Mutex
	deleted  map[int64]int
	onDelete func(id int64)
}

func (a *fakeAuth) DeleteAuthState(_ context.Context, id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.onDelete != nil {
		a.onDelete(id)
	}
	if a.deleted == nil {
		a.deleted = make(map[int64]int)
	}
	a.deleted[id]++
	return nil
}

func (a *fakeAuth) deletes(id int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deleted[id]
}

type fakeImporter struct {
	mu       sync.Mutex
	armed    map[int64]history.Target
	disarms  map[int64]int
	observed map[int64]int
	panicOn  bool
}

func newFakeImporter() *fakeImporter {
	return &fakeImporter{
		armed:    make(map[int64]history.Target),
		disarms:  make(map[int64]int),
		observed: make(map[int64]int),
	}
}

func (i *fakeImporter) Arm(_ context.Context, t history.Target) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.armed[t.AccountID] = t
}

func (i *fakeImporter) Disarm(id int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.armed, id)
	i.disarms[id]++
}

func (i *fakeImporter) Observe(_ context.Context, id int64, b history.Batch) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.panicOn {
		panic("observe failed")
	}
	i.observed[id] += len(b.Messages)
	return len(b.Messages)
}

func (i *fakeImporter) isArmed(id int64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.armed[id]
	return ok
}

func (i *fakeImporter) disarmCount(id int64) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disarms[id]
}

func (i *fakeImporter) observedCount(id int64) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.observed[id]
}

type recordingBus struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (b *recordingBus) Publish(_ context.Context, n notify.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, n)
	return nil
}

func (b *recordingBus) actions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.got))
	for _, n := range b.got {
		out = append(out, n.Action)
	}
	return out
}

func (b *recordingBus) labelUpdates() []LabelUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []LabelUpdate
	for _, n := range b.got {
		if u, ok := n.Payload.(LabelUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func (b *recordingBus) has(action string, level notify.Level) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.got {
		if n.Action == action && n.Level == level {
			return true
		}
	}
	return false
}
