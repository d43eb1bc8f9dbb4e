// Package discord drives a Discord bot over the gateway websocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/channels"
)

const maxMessageLen = 2000

// Config is the per-channel bot configuration.
type Config struct {
	Token          string
	RequireMention bool // in guild channels, only forward messages that @mention the bot
}

// Driver is one Discord gateway session.
type Driver struct {
	session *discordgo.Session
	cfg     Config
	hooks   channels.DriverHooks

	mu            sync.Mutex
	botUserID     string
	connected     bool
	authenticated bool
	removeHandler []func()
}

// New creates a driver from config.
func New(cfg Config, hooks channels.DriverHooks) (*Driver, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Driver{session: session, cfg: cfg, hooks: hooks}, nil
}

// Start opens the gateway connection and begins receiving events.
func (d *Driver) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	d.mu.Lock()
	d.removeHandler = append(d.removeHandler,
		d.session.AddHandler(d.handleMessage),
		d.session.AddHandler(d.handleDisconnect),
		d.session.AddHandler(d.handleResumed),
	)
	d.mu.Unlock()

	if err := d.session.Open(); err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 401 {
			if d.hooks.OnAuthFailure != nil {
				d.hooks.OnAuthFailure("invalid bot token")
			}
			return fmt.Errorf("%w: discord: %v", channels.ErrAuthRequired, err)
		}
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := d.session.User("@me")
	if err != nil {
		d.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}

	d.mu.Lock()
	d.botUserID = user.ID
	d.connected = true
	d.authenticated = true
	d.mu.Unlock()
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	if d.hooks.OnAuthenticated != nil {
		d.hooks.OnAuthenticated(nil)
	}
	return nil
}

// Destroy closes the gateway connection.
func (d *Driver) Destroy(_ context.Context) error {
	slog.Info("stopping discord bot")
	d.mu.Lock()
	for _, remove := range d.removeHandler {
		remove()
	}
	d.removeHandler = nil
	d.connected = false
	d.mu.Unlock()
	return d.session.Close()
}

// Send delivers content to a Discord channel, split into 2000-character chunks.
// The id of the last chunk is returned.
func (d *Driver) Send(_ context.Context, chatID, content string) (string, error) {
	if chatID == "" {
		return "", fmt.Errorf("empty chat ID for discord send")
	}
	if !d.IsConnected() {
		return "", channels.Transient("discord send", errors.New("gateway not connected"))
	}

	var lastID string
	for _, chunk := range splitChunks(content, maxMessageLen) {
		m, err := d.session.ChannelMessageSend(chatID, chunk)
		if err != nil {
			return lastID, fmt.Errorf("send discord message: %w", err)
		}
		lastID = m.ID
	}
	return lastID, nil
}

// SetTyping triggers the typing indicator. Discord expires it after ~10s, so "off" is a no-op.
func (d *Driver) SetTyping(_ context.Context, chatID string, on bool) error {
	if !on {
		return nil
	}
	return d.session.ChannelTyping(chatID)
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Driver) IsAuthenticated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authenticated
}

func (d *Driver) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	d.mu.Lock()
	was := d.connected
	d.connected = false
	d.mu.Unlock()
	if was && d.hooks.OnDisconnected != nil {
		d.hooks.OnDisconnected("gateway disconnected")
	}
}

func (d *Driver) handleResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
}

func (d *Driver) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	d.mu.Lock()
	botID := d.botUserID
	d.mu.Unlock()

	msg, ok := toInbound(m, botID, d.cfg.RequireMention)
	if !ok || d.hooks.OnMessage == nil {
		return
	}
	slog.Debug("discord message received", "sender_id", msg.SenderID, "chat_id", msg.ChatID, "peer_kind", msg.PeerKind)
	d.hooks.OnMessage(msg)
}

func toInbound(m *discordgo.MessageCreate, botUserID string, requireMention bool) (bus.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botUserID {
		return bus.InboundMessage{}, false
	}

	peerKind := "direct"
	if m.GuildID != "" {
		peerKind = "group"
		if requireMention && !mentions(m.Mentions, botUserID) {
			return bus.InboundMessage{}, false
		}
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	return bus.InboundMessage{
		SenderID:   m.Author.ID,
		SenderName: resolveDisplayName(m),
		ChatID:     m.ChannelID,
		ExternalID: m.ID,
		Content:    content,
		PeerKind:   peerKind,
		ReceivedAt: m.Timestamp.UTC(),
		Metadata: map[string]string{
			"username": m.Author.Username,
			"guild_id": m.GuildID,
		},
	}, true
}

func mentions(users []*discordgo.User, id string) bool {
	for _, u := range users {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

// resolveDisplayName prefers the guild nickname, then the global name, then the username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// splitChunks splits content at a newline in the second half of each window when possible.
func splitChunks(content string, maxLen int) []string {
	if content == "" {
		return []string{""}
	}
	var out []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			out = append(out, content)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		out = append(out, content[:cutAt])
		content = content[cutAt:]
	}
	return out
}
