// Package history paces the bulk import of history-sync messages. Batches are
// filtered by the session's import window and queued until the history stream
// has been quiet for a cooldown, then handed to the import job once.
package history

import (
	"strings"
	"time"

	"github.com/whatsapp-automation/sessiond/internal/labels"
)

const groupSuffix = "@g.us"

// Window bounds which history messages are imported for a session.
type Window struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	IncludeGroups bool      `json:"include_groups"`
}

// Contains reports whether ts lies strictly between Start and End.
func (w Window) Contains(ts time.Time) bool {
	return ts.After(w.Start) && ts.Before(w.End)
}

// Eligible reports whether m should be imported under this window.
func (w Window) Eligible(m Message) bool {
	if !w.Contains(m.Timestamp) {
		return false
	}
	if IsGroup(m.ChatJID) {
		return w.IncludeGroups
	}
	return true
}

// Filter returns the eligible messages, keeping their order.
func (w Window) Filter(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if w.Eligible(m) {
			out = append(out, m)
		}
	}
	return out
}

// IsGroup reports whether jid addresses a group chat.
func IsGroup(jid string) bool {
	return strings.HasSuffix(jid, groupSuffix)
}

// Message is one history message reduced to what the import job needs.
type Message struct {
	ID        string    `json:"id"`
	ChatJID   string    `json:"chat_jid"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"from_me"`
	Payload   []byte    `json:"payload,omitempty"`
}

// Batch is one history-sync delivery. Final is set when the protocol reports
// the sync as complete, which it does not do reliably.
type Batch struct {
	Messages []Message
	Chats    []labels.ChatSnapshot
	Contacts []labels.Contact
	Labels   []labels.Label
	Final    bool
}
