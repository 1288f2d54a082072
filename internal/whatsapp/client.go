// Package whatsapp adapts whatsmeow to the session layer's Protocol and Conn.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/sessiond/internal/session"
)

const eventBuffer = 64

// Recaller looks up the payload of a message this process sent or saw.
type Recaller interface {
	Recall(id string) ([]byte, bool)
}

// Options configures the protocol adapter.
type Options struct {
	Auth     *AuthStore
	Replay   Recaller
	ProxyURL string
	Log      *logrus.Entry
}

// Protocol opens whatsmeow connections. It implements session.Protocol.
type Protocol struct {
	auth     *AuthStore
	replay   Recaller
	proxyURL string
	log      *logrus.Entry
}

// NewProtocol creates the adapter.
func NewProtocol(opts Options) (*Protocol, error) {
	if opts.Auth == nil {
		return nil, errors.New("whatsapp: auth store is required")
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Protocol{
		auth:     opts.Auth,
		replay:   opts.Replay,
		proxyURL: opts.ProxyURL,
		log:      opts.Log.WithField("component", "whatsapp"),
	}, nil
}

// Connect opens a connection for account. An unpaired device starts
// emitting pairing challenges; a paired one emits Opened once the server
// accepts it. ctx bounds the dial only.
func (p *Protocol) Connect(ctx context.Context, account session.Account) (session.Conn, error) {
	device, err := p.auth.LoadAuthState(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	log := p.log.WithField("account", account.ID)

	client, err := p.createClientWithProxy(device, NewLogger(log).Sub("Client"))
	if err != nil {
		return nil, err
	}

	c := &conn{
		account: account,
		client:  client,
		auth:    p.auth,
		replay:  p.replay,
		log:     log,
		events:  make(chan session.Event, eventBuffer),
		done:    make(chan struct{}),
	}
	client.GetMessageForRetry = c.messageForRetry
	client.AddEventHandler(c.handle)

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		c.cancelQR = cancel
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			cancel()
			return nil, fmt.Errorf("failed to get QR channel: %w", err)
		}
		if qrChan != nil {
			go c.watchQR(qrChan)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- client.Connect() }()
	select {
	case err := <-errc:
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	log.Debug("Socket connected")
	return c, nil
}

// createClientWithProxy creates a whatsmeow client. Reconnects are owned by
// the session manager, so the client never reconnects on its own.
func (p *Protocol) createClientWithProxy(device *store.Device, clientLog waLog.Logger) (*whatsmeow.Client, error) {
	client := whatsmeow.NewClient(device, clientLog)
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	if p.proxyURL != "" {
		if err := client.SetProxyAddress(p.proxyURL); err != nil {
			return nil, fmt.Errorf("failed to set proxy address: %w", err)
		}
		p.log.Debugf("[Proxy] Using proxy: %s", truncateProxy(p.proxyURL))
	}
	return client, nil
}

type conn struct {
	account session.Account
	client  *whatsmeow.Client
	auth    *AuthStore
	replay  Recaller
	log     *logrus.Entry

	events    chan session.Event
	done      chan struct{}
	closeOnce sync.Once
	cancelQR  context.CancelFunc

	mu         sync.Mutex
	closedSent bool
}

func (c *conn) Events() <-chan session.Event { return c.events }

func (c *conn) handle(raw interface{}) {
	if _, ok := raw.(*events.PairSuccess); ok {
		c.savePairedDevice()
	}
	for _, evt := range translate(raw) {
		switch e := evt.(type) {
		case session.Opened:
			if c.cancelQR != nil {
				c.cancelQR()
			}
			if id := c.client.Store.ID; id != nil {
				e.Number = id.User
			}
			e.PushName = c.client.Store.PushName
			evt = e
		case session.Closed:
			if !c.markClosed() {
				continue
			}
		}
		c.emit(evt)
	}
}

// savePairedDevice writes the freshly paired device through the account's
// auth store so the next Connect finds it.
func (c *conn) savePairedDevice() {
	if c.auth == nil || c.client.Store.ID == nil {
		return
	}
	if err := c.auth.SaveAuthState(context.Background(), c.account.ID, c.client.Store); err != nil {
		c.log.Warnf("Failed to save paired device: %v", err)
		return
	}
	c.log.Infof("Paired as %s", c.client.Store.ID)
}

// markClosed reports whether this is the first close of the connection.
func (c *conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedSent {
		return false
	}
	c.closedSent = true
	return true
}

func (c *conn) emit(evt session.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- evt:
	case <-c.done:
	}
}

func (c *conn) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			image, err := QRDataURL(item.Code)
			if err != nil {
				c.log.Warnf("Failed to generate QR image: %v", err)
			}
			c.emit(session.PairingChallenge{Code: item.Code, Image: image})
		case whatsmeow.QRChannelSuccess.Event:
			return
		case whatsmeow.QRChannelTimeout.Event:
			if c.markClosed() {
				c.emit(session.Closed{Reason: session.CloseReason{Code: session.CodePairingTimeout, Message: "pairing timed out"}})
			}
			return
		default:
			c.log.Warnf("QR channel event %s: %v", item.Event, item.Error)
			if c.markClosed() {
				c.emit(session.Closed{Reason: session.CloseReason{Code: session.CodeConnectionLost, Message: "pairing failed: " + item.Event}})
			}
			return
		}
	}
}

func (c *conn) Send(ctx context.Context, jid string, content session.Content) (session.SentMessage, error) {
	to, err := parseJID(jid)
	if err != nil {
		return session.SentMessage{}, err
	}
	msg := &waE2E.Message{Conversation: proto.String(content.Text)}
	resp, err := c.client.SendMessage(ctx, to, msg)
	if err != nil {
		return session.SentMessage{}, fmt.Errorf("failed to send message: %w", err)
	}
	payload, err := marshal.Marshal(msg)
	if err != nil {
		return session.SentMessage{}, fmt.Errorf("failed to encode message: %w", err)
	}
	return session.SentMessage{ID: string(resp.ID), Timestamp: resp.Timestamp, Payload: payload}, nil
}

func (c *conn) Logout(ctx context.Context) error {
	if err := c.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	return nil
}

// Close stops event delivery before dropping the socket so a handler blocked
// on a full channel cannot hold up the disconnect.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cancelQR != nil {
			c.cancelQR()
		}
		c.client.Disconnect()
	})
}

func (c *conn) ResyncAppState(ctx context.Context, patches []string, full bool) error {
	for _, name := range patches {
		if err := c.client.FetchAppState(ctx, appstate.WAPatchName(name), full, false); err != nil {
			return fmt.Errorf("fetch app state %s: %w", name, err)
		}
	}
	return nil
}

func (c *conn) LabelPatches() []string {
	return []string{string(appstate.WAPatchRegular), string(appstate.WAPatchRegularLow)}
}

func (c *conn) AllPatches() []string {
	out := make([]string, 0, len(appstate.AllPatchNames))
	for _, name := range appstate.AllPatchNames {
		out = append(out, string(name))
	}
	return out
}

// messageForRetry answers a peer's retry receipt from the replay cache.
func (c *conn) messageForRetry(requester, to types.JID, id types.MessageID) *waE2E.Message {
	if c.replay == nil {
		return nil
	}
	payload, ok := c.replay.Recall(string(id))
	if !ok {
		return nil
	}
	var msg waE2E.Message
	if err := proto.Unmarshal(payload, &msg); err != nil {
		c.log.Warnf("Failed to decode cached message %s: %v", id, err)
		return nil
	}
	return &msg
}

func sanitizePhone(phone string) string {
	result := strings.Builder{}
	for i, r := range phone {
		if r == '+' && i == 0 {
			continue
		}
		if r >= '0' && r <= '9' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	if strings.Contains(s, "@") {
		jid, err := types.ParseJID(s)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid jid %q: %w", s, err)
		}
		return jid, nil
	}
	phone := sanitizePhone(s)
	if phone == "" {
		return types.JID{}, fmt.Errorf("empty phone number")
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

func truncateProxy(proxyURL string) string {
	if i := strings.LastIndex(proxyURL, "@"); i >= 0 {
		return "***" + proxyURL[i:]
	}
	return proxyURL
}
