// Package whatsapp drives a WhatsApp Web session through a bridge process
// (e.g. whatsapp-web.js) that speaks JSON frames over a WebSocket.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/channels"
)

const (
	handshakeTimeout = 10 * time.Second
	ackTimeout       = 15 * time.Second
	maxBackoff       = 30 * time.Second
)

var errNotConnected = errors.New("whatsapp bridge not connected")

// frame is the envelope of every bridge message in both directions.
type frame struct {
	Type     string          `json:"type"`
	Ref      string          `json:"ref,omitempty"`
	ID       string          `json:"id,omitempty"`
	From     string          `json:"from,omitempty"`
	FromName string          `json:"from_name,omitempty"`
	Chat     string          `json:"chat,omitempty"`
	To       string          `json:"to,omitempty"`
	Content  string          `json:"content,omitempty"`
	Code     string          `json:"code,omitempty"`
	On       *bool           `json:"on,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Error    string          `json:"error,omitempty"`
	Busy     bool            `json:"busy,omitempty"`
	Session  json.RawMessage `json:"session,omitempty"`
}

type ack struct {
	id   string
	err  string
	busy bool
}

// Driver is one WhatsApp Web session behind the bridge.
type Driver struct {
	cfg     Config
	hooks   channels.DriverHooks
	session []byte

	mu            sync.Mutex // guards conn writes and the state below
	conn          *websocket.Conn
	connected     bool
	authenticated bool
	restoring     bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	pending sync.Map // ref → chan ack
}

// Config is the per-channel bridge configuration.
type Config struct {
	BridgeURL   string
	AllowGroups bool
}

// New creates a driver. session is a payload saved from an earlier pairing, or nil.
func New(cfg Config, session []byte, hooks channels.DriverHooks) (*Driver, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Driver{cfg: cfg, session: session, hooks: hooks}, nil
}

// Start connects to the bridge and begins listening. A failed first dial is
// retried in the background.
func (d *Driver) Start(ctx context.Context) error {
	slog.Info("starting whatsapp driver", "bridge_url", d.cfg.BridgeURL, "restore", d.session != nil)

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	if err := d.connect(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go d.listenLoop()
	return nil
}

// Destroy closes the bridge connection and waits for the listener to exit.
func (d *Driver) Destroy(ctx context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()

	d.mu.Lock()
	if d.conn != nil {
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = d.conn.Close()
		d.conn = nil
	}
	d.connected = false
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return channels.Transient("whatsapp destroy", ctx.Err())
	}
}

// Send delivers content and waits for the bridge acknowledgement carrying the message id.
func (d *Driver) Send(ctx context.Context, chatID, content string) (string, error) {
	ref := uuid.NewString()
	acks := make(chan ack, 1)
	d.pending.Store(ref, acks)
	defer d.pending.Delete(ref)

	if err := d.write(frame{Type: "message", Ref: ref, To: chatID, Content: content}); err != nil {
		return "", err
	}

	t := time.NewTimer(ackTimeout)
	defer t.Stop()
	select {
	case a := <-acks:
		if a.err != "" {
			err := fmt.Errorf("whatsapp send: %s", a.err)
			if a.busy {
				return "", channels.Transient("whatsapp send", err)
			}
			return "", err
		}
		return a.id, nil
	case <-t.C:
		return "", channels.Transient("whatsapp send", errors.New("no acknowledgement from bridge"))
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetTyping toggles the composing indicator.
func (d *Driver) SetTyping(_ context.Context, chatID string, on bool) error {
	return d.write(frame{Type: "typing", To: chatID, On: &on})
}

// RequestQR asks the bridge for a fresh pairing code.
func (d *Driver) RequestQR(_ context.Context) error {
	return d.write(frame{Type: "qr.request"})
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Restoring reports whether a stored session was replayed to the bridge and
// is still waiting for authenticated or auth_failure.
func (d *Driver) Restoring() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restoring
}

func (d *Driver) IsAuthenticated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authenticated
}

func (d *Driver) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return channels.Transient("whatsapp write", errNotConnected)
	}
	if err := d.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return channels.Transient("whatsapp write", err)
	}
	return nil
}

// connect dials the bridge and replays the stored session, if any.
func (d *Driver) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.DialContext(d.ctx, d.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", d.cfg.BridgeURL, err)
	}

	d.mu.Lock()
	d.conn = conn
	d.connected = true
	d.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", d.cfg.BridgeURL)

	if len(d.session) > 0 {
		// set before writing: the bridge may answer before write returns
		d.setRestoring(true)
		if err := d.write(frame{Type: "restore", Session: json.RawMessage(d.session)}); err != nil {
			d.setRestoring(false)
			slog.Warn("whatsapp session restore failed", "error", err)
		}
	}
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (d *Driver) listenLoop() {
	defer close(d.done)
	backoff := time.Second

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			t := time.NewTimer(backoff)
			select {
			case <-d.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			if err := d.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			d.mu.Lock()
			if d.conn == conn {
				_ = d.conn.Close()
				d.conn = nil
			}
			d.connected = false
			d.restoring = false
			d.mu.Unlock()
			if d.hooks.OnDisconnected != nil {
				d.hooks.OnDisconnected("bridge connection lost")
			}
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("invalid whatsapp frame JSON", "error", err)
			continue
		}
		d.handleFrame(f)
	}
}

func (d *Driver) handleFrame(f frame) {
	switch f.Type {
	case "message":
		d.handleIncomingMessage(f)
	case "qr":
		if f.Code != "" && d.hooks.OnQR != nil {
			d.hooks.OnQR(f.Code)
		}
	case "authenticated", "ready":
		d.mu.Lock()
		already := d.authenticated
		d.authenticated = true
		d.restoring = false
		d.mu.Unlock()
		if len(f.Session) > 0 {
			d.session = append([]byte(nil), f.Session...)
		}
		if d.hooks.OnAuthenticated != nil && (!already || len(f.Session) > 0) {
			d.hooks.OnAuthenticated(f.Session)
		}
	case "auth_failure":
		d.setAuthenticated(false)
		d.setRestoring(false)
		d.session = nil
		if d.hooks.OnAuthFailure != nil {
			d.hooks.OnAuthFailure(f.Reason)
		}
	case "disconnected":
		d.setAuthenticated(false)
		d.setRestoring(false)
		if d.hooks.OnDisconnected != nil {
			d.hooks.OnDisconnected(f.Reason)
		}
	case "sent", "error":
		if v, ok := d.pending.Load(f.Ref); ok {
			select {
			case v.(chan ack) <- ack{id: f.ID, err: f.Error, busy: f.Busy}:
			default:
			}
		} else if f.Type == "error" {
			slog.Warn("whatsapp bridge error", "error", f.Error)
		}
	default:
		slog.Debug("whatsapp frame ignored", "type", f.Type)
	}
}

// handleIncomingMessage converts a bridge message frame.
// Expected: {"type":"message","from":"...","chat":"...","content":"...","id":"...","from_name":"..."}
func (d *Driver) handleIncomingMessage(f frame) {
	if f.From == "" || d.hooks.OnMessage == nil {
		return
	}
	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}

	// WhatsApp groups have chat ids ending in "@g.us"
	peerKind := "direct"
	if strings.HasSuffix(chatID, "@g.us") {
		peerKind = "group"
		if !d.cfg.AllowGroups {
			slog.Debug("whatsapp group message ignored", "chat_id", chatID)
			return
		}
	}

	content := f.Content
	if content == "" {
		content = "[empty message]"
	}

	slog.Debug("whatsapp message received", "sender_id", f.From, "chat_id", chatID)
	d.hooks.OnMessage(bus.InboundMessage{
		SenderID:   f.From,
		SenderName: f.FromName,
		ChatID:     chatID,
		ExternalID: f.ID,
		Content:    content,
		PeerKind:   peerKind,
	})
}

func (d *Driver) setRestoring(v bool) {
	d.mu.Lock()
	d.restoring = v
	d.mu.Unlock()
}

func (d *Driver) setAuthenticated(v bool) {
	d.mu.Lock()
	d.authenticated = v
	d.mu.Unlock()
}
