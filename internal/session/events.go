package session

import (
	"fmt"

	"github.com/whatsapp-automation/sessiond/internal/history"
	"github.com/whatsapp-automation/sessiond/internal/labels"
)

// Event is anything a Conn delivers on its event channel.
type Event interface {
	isEvent()
}

// PairingChallenge carries a fresh QR code. Image is a PNG data URL.
type PairingChallenge struct {
	Code  string
	Image string
}

// Opened is emitted once the connection is authenticated.
type Opened struct {
	Number   string
	PushName string
}

// Closed is emitted when the connection ends for any reason.
type Closed struct {
	Reason CloseReason
}

// HistoryBatch is one history-sync delivery.
type HistoryBatch struct {
	Batch history.Batch
}

// LabelEdit is a label definition change.
type LabelEdit struct {
	Label labels.Label
}

// LabelAssociation adds or removes a label from a chat.
type LabelAssociation struct {
	ChatID  string
	LabelID string
	Labeled bool
}

// ChatUpsert announces new chats.
type ChatUpsert struct {
	Chats []labels.ChatSnapshot
}

// ChatUpdate announces changes to known chats.
type ChatUpdate struct {
	Chats []labels.ChatSnapshot
}

// MessageSeen is an inbound message. Payload is kept for replay.
type MessageSeen struct {
	ID      string
	Payload []byte
}

func (PairingChallenge) isEvent() {}
func (Opened) isEvent()           {}
func (Closed) isEvent()           {}
func (HistoryBatch) isEvent()     {}
func (LabelEdit) isEvent()        {}
func (LabelAssociation) isEvent() {}
func (ChatUpsert) isEvent()       {}
func (ChatUpdate) isEvent()       {}
func (MessageSeen) isEvent()      {}

// Close status codes, following the HTTP-like codes the protocol reports.
const (
	CodeLoggedOut         = 401
	CodeBanned            = 402
	CodeRevoked           = 403
	CodePairingTimeout    = 408
	CodeConnectionLost    = 428
	CodeConnectionReplace = 440
	CodeRestartRequired   = 515
)

// CloseReason describes why a connection closed.
type CloseReason struct {
	Code    int
	Message string
}

func (r CloseReason) String() string {
	if r.Message == "" {
		return fmt.Sprintf("%d", r.Code)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// CloseKind is the lifecycle decision derived from a close reason.
type CloseKind int

const (
	CloseTransient CloseKind = iota
	CloseRevoked
	CloseLoggedOut
)

func (k CloseKind) String() string {
	switch k {
	case CloseRevoked:
		return "revoked"
	case CloseLoggedOut:
		return "logged_out"
	default:
		return "transient"
	}
}

// Classify maps a close reason to the action taken for it. Only revocation
// and logout are terminal; every other code reconnects.
func Classify(r CloseReason) CloseKind {
	switch r.Code {
	case CodeRevoked:
		return CloseRevoked
	case CodeLoggedOut:
		return CloseLoggedOut
	default:
		return CloseTransient
	}
}
