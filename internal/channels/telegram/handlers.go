package telegram

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
)

func (d *Driver) handleMessage(message *telego.Message) {
	msg, ok := toInbound(message, d.cfg.AllowGroups)
	if !ok || d.hooks.OnMessage == nil {
		return
	}
	d.hooks.OnMessage(msg)
}

// toInbound converts a Telegram message. Service messages, messages without a
// sender and (unless allowed) group messages are skipped.
func toInbound(message *telego.Message, allowGroups bool) (bus.InboundMessage, bool) {
	if message == nil || isServiceMessage(message) {
		return bus.InboundMessage{}, false
	}
	user := message.From
	if user == nil || user.IsBot {
		return bus.InboundMessage{}, false
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	if isGroup && !allowGroups {
		slog.Debug("telegram group message ignored", "chat_id", message.Chat.ID)
		return bus.InboundMessage{}, false
	}
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if content == "" {
		content = "[media message]"
	}

	name := user.FirstName
	if user.LastName != "" {
		name += " " + user.LastName
	}

	meta := map[string]string{}
	if user.Username != "" {
		meta["username"] = user.Username
	}

	return bus.InboundMessage{
		SenderID:   strconv.FormatInt(user.ID, 10),
		SenderName: name,
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		ExternalID: fmt.Sprintf("%d", message.MessageID),
		Content:    content,
		PeerKind:   peerKind,
		ReceivedAt: time.Unix(message.Date, 0).UTC(),
		Metadata:   meta,
	}, true
}

// isServiceMessage reports messages with no user content
// (new_chat_members, left_chat_member, pinned_message, etc.).
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}

	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}

	return true
}
