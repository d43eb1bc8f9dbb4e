package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
)

func TestToInbound(t *testing.T) {
	user := &telego.User{ID: 42, FirstName: "Ann", LastName: "Lee", Username: "ann"}
	tests := []struct {
		name        string
		msg         *telego.Message
		allowGroups bool
		wantOK      bool
		wantContent string
		wantPeer    string
	}{
		{
			name:        "direct text",
			msg:         &telego.Message{MessageID: 7, From: user, Chat: telego.Chat{ID: 42, Type: "private"}, Text: "hi"},
			wantOK:      true,
			wantContent: "hi",
			wantPeer:    "direct",
		},
		{
			name:        "caption only",
			msg:         &telego.Message{MessageID: 8, From: user, Chat: telego.Chat{ID: 42, Type: "private"}, Caption: "look", Photo: []telego.PhotoSize{{FileID: "x"}}},
			wantOK:      true,
			wantContent: "look",
			wantPeer:    "direct",
		},
		{
			name: "service message",
			msg:  &telego.Message{MessageID: 9, From: user, Chat: telego.Chat{ID: -1, Type: "group"}},
		},
		{
			name: "group ignored by default",
			msg:  &telego.Message{MessageID: 10, From: user, Chat: telego.Chat{ID: -1, Type: "group"}, Text: "yo"},
		},
		{
			name:        "group allowed",
			msg:         &telego.Message{MessageID: 11, From: user, Chat: telego.Chat{ID: -1, Type: "supergroup"}, Text: "yo"},
			allowGroups: true,
			wantOK:      true,
			wantContent: "yo",
			wantPeer:    "group",
		},
		{
			name: "bot sender",
			msg:  &telego.Message{MessageID: 12, From: &telego.User{ID: 1, IsBot: true}, Chat: telego.Chat{ID: 1, Type: "private"}, Text: "beep"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toInbound(tt.msg, tt.allowGroups)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Content != tt.wantContent || got.PeerKind != tt.wantPeer {
				t.Errorf("got content=%q peer=%q", got.Content, got.PeerKind)
			}
			if got.SenderID != "42" || got.SenderName != "Ann Lee" || got.Metadata["username"] != "ann" {
				t.Errorf("unexpected sender fields %+v", got)
			}
		})
	}
}

func TestParseChatID(t *testing.T) {
	if id, err := parseChatID("-100123"); err != nil || id != -100123 {
		t.Errorf("parseChatID = %d, %v", id, err)
	}
	if _, err := parseChatID("abc"); err == nil {
		t.Error("expected error")
	}
}
