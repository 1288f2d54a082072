package whatsapp

import (
	"fmt"
	"strconv"
	"time"

	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/sessiond/internal/history"
	"github.com/whatsapp-automation/sessiond/internal/labels"
	"github.com/whatsapp-automation/sessiond/internal/session"
)

var marshal = proto.MarshalOptions{AllowPartial: true}

// translate maps a whatsmeow event to session events. Events the session
// layer has no use for map to nothing. Opened carries no number; the
// connection fills it from its device store.
func translate(raw interface{}) []session.Event {
	switch v := raw.(type) {
	case *events.Connected:
		return []session.Event{session.Opened{}}

	case *events.LoggedOut:
		code := session.CodeLoggedOut
		if v.Reason == events.ConnectFailureMainDeviceGone {
			code = session.CodeRevoked
		}
		return closed(code, fmt.Sprintf("logged out: %v", v.Reason))

	case *events.ConnectFailure:
		return closed(int(v.Reason), v.Message)

	case *events.TemporaryBan:
		return closed(session.CodeBanned, fmt.Sprintf("temporary ban %v, expires in %s", v.Code, v.Expire))

	case *events.StreamReplaced:
		return closed(session.CodeConnectionReplace, "stream replaced")

	case *events.Disconnected:
		return closed(session.CodeConnectionLost, "connection lost")

	case *events.HistorySync:
		return []session.Event{session.HistoryBatch{Batch: historyBatch(v.Data)}}

	case *events.LabelEdit:
		return []session.Event{session.LabelEdit{Label: labelFromEdit(v)}}

	case *events.LabelAssociationChat:
		return []session.Event{session.LabelAssociation{
			ChatID:  v.JID.String(),
			LabelID: v.LabelID,
			Labeled: v.Action.GetLabeled(),
		}}

	case *events.JoinedGroup:
		return []session.Event{session.ChatUpsert{Chats: []labels.ChatSnapshot{{
			ID:   v.JID.String(),
			Name: v.Name,
		}}}}

	case *events.GroupInfo:
		if v.Name == nil {
			return nil
		}
		return []session.Event{session.ChatUpdate{Chats: []labels.ChatSnapshot{{
			ID:   v.JID.String(),
			Name: v.Name.Name,
		}}}}

	case *events.Contact:
		name := v.Action.GetFullName()
		if name == "" {
			return nil
		}
		return []session.Event{session.ChatUpdate{Chats: []labels.ChatSnapshot{{
			ID:   v.JID.String(),
			Name: name,
		}}}}

	case *events.Message:
		if v.Message == nil {
			return nil
		}
		payload, err := marshal.Marshal(v.Message)
		if err != nil {
			return nil
		}
		return []session.Event{session.MessageSeen{ID: string(v.Info.ID), Payload: payload}}
	}
	return nil
}

func closed(code int, msg string) []session.Event {
	return []session.Event{session.Closed{Reason: session.CloseReason{Code: code, Message: msg}}}
}

func labelFromEdit(v *events.LabelEdit) labels.Label {
	l := labels.Label{
		ID:      v.LabelID,
		Name:    v.Action.GetName(),
		Color:   int(v.Action.GetColor()),
		Deleted: v.Action.GetDeleted(),
	}
	if id := v.Action.GetPredefinedID(); id != 0 {
		l.PredefinedID = strconv.Itoa(int(id))
	}
	return l
}

// historyBatch flattens one history sync blob. A progress of 100 marks the
// final batch.
func historyBatch(data *waHistorySync.HistorySync) history.Batch {
	batch := history.Batch{Final: data.GetProgress() >= 100}

	for _, conv := range data.GetConversations() {
		chatID := conv.GetID()
		if chatID == "" {
			continue
		}
		batch.Chats = append(batch.Chats, labels.ChatSnapshot{ID: chatID, Name: conv.GetName()})

		for _, hm := range conv.GetMessages() {
			info := hm.GetMessage()
			if info == nil || info.GetKey().GetID() == "" {
				continue
			}
			payload, err := marshal.Marshal(info)
			if err != nil {
				continue
			}
			batch.Messages = append(batch.Messages, history.Message{
				ID:        info.GetKey().GetID(),
				ChatJID:   chatID,
				Timestamp: time.Unix(int64(info.GetMessageTimestamp()), 0),
				FromMe:    info.GetKey().GetFromMe(),
				Payload:   payload,
			})
		}
	}

	for _, pn := range data.GetPushnames() {
		if pn.GetID() == "" {
			continue
		}
		batch.Contacts = append(batch.Contacts, labels.Contact{ID: pn.GetID(), Name: pn.GetPushname()})
	}
	return batch
}
