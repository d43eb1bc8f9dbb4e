package authsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/deferred"
)

const (
	defaultTTL        = 15 * time.Minute
	defaultGrace      = 5 * time.Minute
	defaultPayloadTTL = 30 * 24 * time.Hour
	mirrorTimeout     = 2 * time.Second
)

// Config configures a Manager. Zero values take defaults.
type Config struct {
	TTL        time.Duration
	Grace      time.Duration // how long finished sessions stay readable
	PayloadTTL time.Duration
	Scheduler  deferred.Scheduler
	Now        func() time.Time
}

// Manager owns AuthSessions. A channel has at most one pending session.
// Sessions are mirrored best-effort into the cache so a restarted process can
// still answer status polls.
type Manager struct {
	cache cache.Store
	cfg   Config

	mu        sync.Mutex
	sessions  map[uuid.UUID]*Session
	byChannel map[uuid.UUID]uuid.UUID // channel → pending session

	expiries *deferred.Keyed[uuid.UUID]
	removals *deferred.Keyed[uuid.UUID]
}

// NewManager creates a manager. store may be nil to disable mirroring and payloads.
func NewManager(store cache.Store, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.PayloadTTL <= 0 {
		cfg.PayloadTTL = defaultPayloadTTL
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = deferred.Real{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cache:     store,
		cfg:       cfg,
		sessions:  make(map[uuid.UUID]*Session),
		byChannel: make(map[uuid.UUID]uuid.UUID),
		expiries:  deferred.NewKeyed[uuid.UUID](cfg.Scheduler),
		removals:  deferred.NewKeyed[uuid.UUID](cfg.Scheduler),
	}
}

func sessionKey(id uuid.UUID) string { return "auth:session:" + id.String() }

// CreateSession opens a pending session for channelID. An older pending
// session for the same channel is expired first.
func (m *Manager) CreateSession(ctx context.Context, channelID uuid.UUID, provider string, opts CreateOptions) (*Session, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now := m.cfg.Now()

	m.mu.Lock()
	if prev, ok := m.byChannel[channelID]; ok {
		if old := m.sessions[prev]; old != nil && old.Status == StatusPending {
			m.expireLocked(old)
			slog.Info("auth session superseded", "session_id", prev, "channel_id", channelID)
		}
	}
	s := &Session{
		ID:        id,
		ChannelID: channelID,
		Provider:  provider,
		Status:    StatusPending,
		QRCode:    opts.QRCode,
		QRCodeURL: opts.QRCodeURL,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		Metadata:  opts.Metadata,
	}
	m.sessions[id] = s
	m.byChannel[channelID] = id
	m.expiries.Reset(id, ttl, func() { m.onExpire(id) })
	m.removals.Reset(id, ttl+m.cfg.Grace, func() { m.onRemove(id) })
	out := s.clone()
	m.mu.Unlock()

	m.mirror(ctx, out)
	return out, nil
}

// GetSession returns the session, expiring it first if its deadline passed.
// Sessions unknown in memory are looked up in the cache mirror.
func (m *Manager) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		if m.lazyExpireLocked(s) {
			out := s.clone()
			m.mu.Unlock()
			m.mirror(ctx, out)
			return out, nil
		}
		out := s.clone()
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	mirrored, err := m.loadMirror(ctx, id)
	if err != nil {
		return nil, err
	}
	if mirrored.Status == StatusPending && !m.cfg.Now().Before(mirrored.ExpiresAt) {
		mirrored.Status = StatusExpired
	}
	return mirrored, nil
}

// GetActiveSessionByChannel returns the pending session for channelID.
func (m *Manager) GetActiveSessionByChannel(ctx context.Context, channelID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	changed := m.sweepLocked()
	id, ok := m.byChannel[channelID]
	var out *Session
	if ok {
		out = m.sessions[id].clone()
	}
	m.mu.Unlock()

	for _, s := range changed {
		m.mirror(ctx, s)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

// CompleteSession marks a pending session as paired.
func (m *Manager) CompleteSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return m.finish(ctx, id, StatusCompleted, "")
}

// FailSession marks a pending session as failed with reason.
func (m *Manager) FailSession(ctx context.Context, id uuid.UUID, reason string) (*Session, error) {
	return m.finish(ctx, id, StatusFailed, reason)
}

func (m *Manager) finish(ctx context.Context, id uuid.UUID, status Status, reason string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if m.lazyExpireLocked(s) {
		expired := s.clone()
		m.mu.Unlock()
		m.mirror(ctx, expired)
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, expired.Status)
	}
	if s.Status != StatusPending {
		st := s.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, st)
	}
	now := m.cfg.Now()
	s.Status = status
	s.Error = reason
	s.CompletedAt = &now
	delete(m.byChannel, s.ChannelID)
	m.expiries.Cancel(id)
	m.removals.Reset(id, m.cfg.Grace, func() { m.onRemove(id) })
	out := s.clone()
	m.mu.Unlock()

	m.mirror(ctx, out)
	return out, nil
}

// SweepExpired expires every pending session past its deadline and reports how many changed.
func (m *Manager) SweepExpired(ctx context.Context) int {
	m.mu.Lock()
	changed := m.sweepLocked()
	m.mu.Unlock()
	for _, s := range changed {
		m.mirror(ctx, s)
	}
	return len(changed)
}

// Shutdown cancels every pending timer.
func (m *Manager) Shutdown() {
	m.expiries.Stop()
	m.removals.Stop()
}

func (m *Manager) sweepLocked() []*Session {
	var changed []*Session
	for _, s := range m.sessions {
		if m.lazyExpireLocked(s) {
			changed = append(changed, s.clone())
		}
	}
	return changed
}

// lazyExpireLocked expires s if it is pending past its deadline.
func (m *Manager) lazyExpireLocked(s *Session) bool {
	if s.Status != StatusPending || m.cfg.Now().Before(s.ExpiresAt) {
		return false
	}
	m.expireLocked(s)
	return true
}

func (m *Manager) expireLocked(s *Session) {
	s.Status = StatusExpired
	if m.byChannel[s.ChannelID] == s.ID {
		delete(m.byChannel, s.ChannelID)
	}
	m.expiries.Cancel(s.ID)
	id := s.ID
	m.removals.Reset(id, m.cfg.Grace, func() { m.onRemove(id) })
}

func (m *Manager) onExpire(id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	s.Status = StatusExpired
	if m.byChannel[s.ChannelID] == id {
		delete(m.byChannel, s.ChannelID)
	}
	m.removals.Reset(id, m.cfg.Grace, func() { m.onRemove(id) })
	out := s.clone()
	m.mu.Unlock()

	slog.Debug("auth session expired", "session_id", id, "channel_id", out.ChannelID)
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	m.mirror(ctx, out)
}

func (m *Manager) onRemove(id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if m.byChannel[s.ChannelID] == id {
			delete(m.byChannel, s.ChannelID)
		}
	}
	m.mu.Unlock()

	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := m.cache.Del(ctx, sessionKey(id)); err != nil {
		slog.Debug("auth session mirror delete failed", "session_id", id, "error", err)
	}
}

// mirror is advisory: failures are logged, never returned.
func (m *Manager) mirror(ctx context.Context, s *Session) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		slog.Warn("auth session marshal failed", "session_id", s.ID, "error", err)
		return
	}
	ttl := s.ExpiresAt.Sub(m.cfg.Now()) + m.cfg.Grace
	if ttl < m.cfg.Grace {
		ttl = m.cfg.Grace
	}
	if err := m.cache.Set(ctx, sessionKey(s.ID), string(data), ttl); err != nil {
		slog.Warn("auth session mirror failed", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) loadMirror(ctx context.Context, id uuid.UUID) (*Session, error) {
	if m.cache == nil {
		return nil, ErrNotFound
	}
	raw, err := m.cache.Get(ctx, sessionKey(id))
	if errors.Is(err, cache.ErrMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Warn("auth session mirror read failed", "session_id", id, "error", err)
		return nil, ErrNotFound
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode auth session %s: %w", id, err)
	}
	return &s, nil
}
