package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// QRResult is a pairing code ready to be scanned. AlreadyAuthenticated
// results carry no code.
type QRResult struct {
	ChannelID            uuid.UUID `json:"channelId"`
	SessionID            uuid.UUID `json:"sessionId,omitempty"`
	Code                 string    `json:"qrCode,omitempty"`
	URL                  string    `json:"qrCodeUrl,omitempty"`
	ExpiresAt            time.Time `json:"expiresAt,omitempty"`
	AlreadyAuthenticated bool      `json:"alreadyAuthenticated,omitempty"`
}

// GenerateQR returns a pairing code for channel id, starting the channel if
// needed. A paired channel returns an empty result with AlreadyAuthenticated
// set. A channel holding a stored session that no longer authenticates is
// restarted without it first, once any restore still in flight has settled.
func (r *Runtime) GenerateQR(ctx context.Context, id uuid.UUID) (*QRResult, error) {
	if err := r.StartChannel(ctx, id); err != nil {
		return nil, err
	}
	s, ok := r.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotActive, id)
	}
	if s.driver.IsAuthenticated() {
		return &QRResult{ChannelID: id, AlreadyAuthenticated: true}, nil
	}
	if _, ok := s.driver.(QRDriver); !ok {
		return nil, ErrPairingUnsupported
	}

	if r.auth != nil {
		if _, stored, err := r.auth.LoadPayload(ctx, s.channel.Provider, id); err == nil && stored {
			if r.awaitRestore(ctx, s) {
				return &QRResult{ChannelID: id, AlreadyAuthenticated: true}, nil
			}
			slog.Info("discarding stale channel session", "channel_id", id)
			if err := r.auth.DeletePayload(ctx, s.channel.Provider, id); err != nil {
				return nil, fmt.Errorf("discard stale session: %w", err)
			}
			if err := r.RestartChannel(ctx, id); err != nil {
				return nil, err
			}
			if s, ok = r.get(id); !ok {
				return nil, fmt.Errorf("%w: %s", ErrChannelNotActive, id)
			}
		}
		if pending, err := r.auth.GetActiveSessionByChannel(ctx, id); err == nil && pending.QRCode != "" {
			return &QRResult{
				ChannelID: id,
				SessionID: pending.ID,
				Code:      pending.QRCode,
				URL:       pending.QRCodeURL,
				ExpiresAt: pending.ExpiresAt,
			}, nil
		}
	}

	qd, ok := s.driver.(QRDriver)
	if !ok {
		return nil, ErrPairingUnsupported
	}
	waiter := r.addQRWaiter(id)
	defer r.removeQRWaiter(id, waiter)

	if err := qd.RequestQR(ctx); err != nil {
		return nil, fmt.Errorf("request qr: %w", err)
	}

	t := time.NewTimer(r.cfg.QRTimeout)
	defer t.Stop()
	select {
	case res := <-waiter:
		return &res, nil
	case <-t.C:
		return nil, ErrQRTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const restorePoll = 50 * time.Millisecond

// awaitRestore waits up to RestoreWait while the driver is still resuming a
// stored session and reports whether it ended up authenticated.
func (r *Runtime) awaitRestore(ctx context.Context, s *session) bool {
	rs, ok := s.driver.(SessionRestorer)
	if !ok || !rs.Restoring() {
		return s.driver.IsAuthenticated()
	}
	slog.Debug("waiting for channel session restore", "channel_id", s.channel.ID)
	deadline := time.NewTimer(r.cfg.RestoreWait)
	defer deadline.Stop()
	tick := time.NewTicker(restorePoll)
	defer tick.Stop()
	for rs.Restoring() {
		select {
		case <-tick.C:
		case <-deadline.C:
			return s.driver.IsAuthenticated()
		case <-ctx.Done():
			return s.driver.IsAuthenticated()
		}
	}
	return s.driver.IsAuthenticated()
}

func (r *Runtime) addQRWaiter(id uuid.UUID) chan QRResult {
	ch := make(chan QRResult, 1)
	r.qrMu.Lock()
	r.qrWaiters[id] = append(r.qrWaiters[id], ch)
	r.qrMu.Unlock()
	return ch
}

func (r *Runtime) removeQRWaiter(id uuid.UUID, ch chan QRResult) {
	r.qrMu.Lock()
	defer r.qrMu.Unlock()
	list := r.qrWaiters[id]
	for i, w := range list {
		if w == ch {
			r.qrWaiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.qrWaiters[id]) == 0 {
		delete(r.qrWaiters, id)
	}
}

func (r *Runtime) deliverQR(id uuid.UUID, res QRResult) {
	r.qrMu.Lock()
	defer r.qrMu.Unlock()
	for _, w := range r.qrWaiters[id] {
		select {
		case w <- res:
		default:
		}
	}
}
