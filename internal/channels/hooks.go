package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/convoflow/internal/authsession"
	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

const hookTimeout = 5 * time.Second

func (r *Runtime) hooksFor(s *session) DriverHooks {
	return DriverHooks{
		OnMessage:       func(msg bus.InboundMessage) { r.onMessage(s, msg) },
		OnQR:            func(code string) { r.onQR(s, code) },
		OnAuthenticated: func(payload []byte) { r.onAuthenticated(s, payload) },
		OnAuthFailure:   func(reason string) { r.onAuthFailure(s, reason) },
		OnDisconnected:  func(reason string) { r.onDisconnected(s, reason) },
	}
}

// onMessage coalesces bursts per sender: a new message within the debounce
// window replaces the pending one, so only the last message of a burst is forwarded.
func (r *Runtime) onMessage(s *session, msg bus.InboundMessage) {
	msg.ChannelID = s.channel.ID
	msg.CompanyID = s.channel.CompanyID
	msg.Provider = s.channel.Provider
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	s.touch()

	if r.cfg.Debounce <= 0 {
		r.dispatch(msg)
		return
	}
	key := s.channel.ID.String() + ":" + msg.SenderID
	if !r.debounce.Reset(key, r.cfg.Debounce, func() { r.dispatch(msg) }) {
		slog.Debug("inbound message dropped, runtime stopped", "channel_id", msg.ChannelID, "sender_id", msg.SenderID)
	}
}

func (r *Runtime) dispatch(msg bus.InboundMessage) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h == nil {
		slog.Debug("inbound message dropped, no handler", "channel_id", msg.ChannelID)
		return
	}
	h(r.baseCtx, msg)
}

func (r *Runtime) onQR(s *session, code string) {
	ctx, cancel := context.WithTimeout(r.baseCtx, hookTimeout)
	defer cancel()

	id := s.channel.ID
	var url string
	if r.qr != nil {
		var err error
		if url, err = r.qr.Render(id, code); err != nil {
			slog.Warn("qr render failed", "channel_id", id, "error", err)
		}
	}

	res := QRResult{ChannelID: id, Code: code, URL: url}
	if r.auth != nil {
		sess, err := r.auth.CreateSession(ctx, id, s.channel.Provider, authsession.CreateOptions{
			QRCode:    code,
			QRCodeURL: url,
		})
		if err != nil {
			slog.Warn("auth session create failed", "channel_id", id, "error", err)
		} else {
			res.SessionID = sess.ID
			res.ExpiresAt = sess.ExpiresAt
		}
	}

	r.emit(protocol.EventChannelQR, &s.channel, map[string]any{
		"sessionId": res.SessionID,
		"qrCode":    code,
		"qrCodeUrl": url,
		"expiresAt": res.ExpiresAt,
	})
	r.deliverQR(id, res)
}

func (r *Runtime) onAuthenticated(s *session, payload []byte) {
	ctx, cancel := context.WithTimeout(r.baseCtx, hookTimeout)
	defer cancel()

	id := s.channel.ID
	s.touch()
	if r.auth != nil {
		if len(payload) > 0 {
			if err := r.auth.SavePayload(ctx, s.channel.Provider, id, payload); err != nil {
				slog.Warn("channel session payload save failed", "channel_id", id, "error", err)
			}
		}
		if pending, err := r.auth.GetActiveSessionByChannel(ctx, id); err == nil {
			if _, err := r.auth.CompleteSession(ctx, pending.ID); err != nil {
				slog.Debug("auth session complete failed", "session_id", pending.ID, "error", err)
			}
		}
	}
	slog.Info("channel authenticated", "channel_id", id, "provider", s.channel.Provider)
	r.emit(protocol.EventChannelAuthenticated, &s.channel, nil)
}

func (r *Runtime) onAuthFailure(s *session, reason string) {
	ctx, cancel := context.WithTimeout(r.baseCtx, hookTimeout)
	defer cancel()

	id := s.channel.ID
	if r.auth != nil {
		if pending, err := r.auth.GetActiveSessionByChannel(ctx, id); err == nil {
			if _, err := r.auth.FailSession(ctx, pending.ID, reason); err != nil {
				slog.Debug("auth session fail failed", "session_id", pending.ID, "error", err)
			}
		}
		// a rejected payload would be replayed on every restart
		if err := r.auth.DeletePayload(ctx, s.channel.Provider, id); err != nil {
			slog.Warn("channel session payload delete failed", "channel_id", id, "error", err)
		}
	}
	slog.Warn("channel auth failure", "channel_id", id, "reason", reason)
	r.emit(protocol.EventChannelError, &s.channel, map[string]any{"error": reason, "auth": true})
}

func (r *Runtime) onDisconnected(s *session, reason string) {
	slog.Warn("channel disconnected", "channel_id", s.channel.ID, "reason", reason)
	r.emit(protocol.EventChannelDisconnected, &s.channel, map[string]any{"reason": reason})
}
