package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/convoflow/internal/authsession"
	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/deferred"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// Config tunes the runtime. Zero values take defaults.
type Config struct {
	Debounce         time.Duration // per-sender coalescing window, default 1s
	RestartPause     time.Duration // pause between stop and start on restart, default 2s
	ShutdownTimeout  time.Duration // per-driver teardown bound, default 10s
	QRTimeout        time.Duration // wait for a pairing code, default 30s
	RestoreWait      time.Duration // wait for an in-flight session restore before re-pairing, default 10s
	SendRate         float64       // outbound messages per second per channel, default 5
	SendBurst        int           // default 10
	StartConcurrency int           // parallel starts in InitializeActiveChannels, default 4
}

func (c *Config) applyDefaults() {
	if c.Debounce < 0 {
		c.Debounce = 0
	} else if c.Debounce == 0 {
		c.Debounce = time.Second
	}
	if c.RestartPause <= 0 {
		c.RestartPause = 2 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.QRTimeout <= 0 {
		c.QRTimeout = 30 * time.Second
	}
	if c.RestoreWait <= 0 {
		c.RestoreWait = 10 * time.Second
	}
	if c.SendRate <= 0 {
		c.SendRate = 5
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 10
	}
	if c.StartConcurrency <= 0 {
		c.StartConcurrency = 4
	}
}

// QRRenderer turns a pairing code into a publicly served image URL.
type QRRenderer interface {
	Render(channelID uuid.UUID, code string) (string, error)
}

// MessageHandler receives coalesced inbound messages.
type MessageHandler func(ctx context.Context, msg bus.InboundMessage)

// Deps are the collaborators of a Runtime.
type Deps struct {
	Channels  store.ChannelStore
	Auth      *authsession.Manager
	QR        QRRenderer         // optional
	Events    bus.EventPublisher // optional
	Scheduler deferred.Scheduler // optional, drives debounce timers
}

// ChannelStatus is the externally visible state of one channel.
type ChannelStatus struct {
	ChannelID       uuid.UUID  `json:"channelId"`
	IsConnected     bool       `json:"isConnected"`
	IsAuthenticated bool       `json:"isAuthenticated"`
	LastActivity    *time.Time `json:"lastActivity,omitempty"`
}

type session struct {
	channel      store.ChannelData
	driver       Driver
	cancel       context.CancelFunc
	limiter      *rate.Limiter
	lastActivity atomic.Int64
}

func (s *session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// Runtime owns the registry of live channel sessions.
// At most one session per channel id is registered at any time.
type Runtime struct {
	cfg      Config
	channels store.ChannelStore
	auth     *authsession.Manager
	qr       QRRenderer
	events   bus.EventPublisher
	baseCtx  context.Context

	mu        sync.RWMutex
	sessions  map[uuid.UUID]*session
	factories map[string]DriverFactory
	handler   MessageHandler
	closing   bool

	starts   singleflight.Group
	debounce *deferred.Keyed[string]

	qrMu      sync.Mutex
	qrWaiters map[uuid.UUID][]chan QRResult
}

// NewRuntime creates an empty runtime. Register factories before starting channels.
func NewRuntime(cfg Config, deps Deps) *Runtime {
	cfg.applyDefaults()
	events := deps.Events
	if events == nil {
		events = bus.Discard{}
	}
	return &Runtime{
		cfg:       cfg,
		channels:  deps.Channels,
		auth:      deps.Auth,
		qr:        deps.QR,
		events:    events,
		baseCtx:   context.Background(),
		sessions:  make(map[uuid.UUID]*session),
		factories: make(map[string]DriverFactory),
		debounce:  deferred.NewKeyed[string](deps.Scheduler),
		qrWaiters: make(map[uuid.UUID][]chan QRResult),
	}
}

// RegisterFactory registers the driver factory for a provider (e.g. "whatsapp").
func (r *Runtime) RegisterFactory(provider string, f DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// SetMessageHandler sets the downstream consumer of coalesced inbound messages.
func (r *Runtime) SetMessageHandler(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *Runtime) get(id uuid.UUID) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// IsChannelActive reports whether id has a live session.
func (r *Runtime) IsChannelActive(id uuid.UUID) bool {
	_, ok := r.get(id)
	return ok
}

// GetActiveChannelIDs returns the ids of all live sessions, sorted.
func (r *Runtime) GetActiveChannelIDs() []uuid.UUID {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// DisconnectedChannelIDs returns live sessions whose driver reports no connection.
func (r *Runtime) DisconnectedChannelIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []uuid.UUID
	for id, s := range r.sessions {
		if !s.driver.IsConnected() {
			ids = append(ids, id)
		}
	}
	return ids
}

// StartChannel starts the session for id. Starting an active channel is a no-op,
// and concurrent starts for the same id share one attempt.
func (r *Runtime) StartChannel(ctx context.Context, id uuid.UUID) error {
	if r.isClosing() {
		return ErrShuttingDown
	}
	if r.IsChannelActive(id) {
		return nil
	}
	_, err, _ := r.starts.Do(id.String(), func() (any, error) {
		if r.IsChannelActive(id) {
			return nil, nil
		}
		return nil, r.start(ctx, id)
	})
	return err
}

func (r *Runtime) start(ctx context.Context, id uuid.UUID) error {
	ch, err := r.channels.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load channel %s: %w", id, err)
	}

	r.mu.RLock()
	factory, ok := r.factories[ch.Provider]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownProvider, ch.Provider)
		r.emitError(ch, err)
		return err
	}

	var restored []byte
	if r.auth != nil {
		payload, found, err := r.auth.LoadPayload(ctx, ch.Provider, id)
		if err != nil {
			slog.Warn("channel session payload load failed", "channel_id", id, "error", err)
		} else if found {
			restored = payload
		}
	}

	s := &session{
		channel: *ch,
		limiter: rate.NewLimiter(rate.Limit(r.cfg.SendRate), r.cfg.SendBurst),
	}
	s.touch()

	drv, err := factory(DriverParams{Channel: *ch, Session: restored, Hooks: r.hooksFor(s)})
	if err != nil {
		err = fmt.Errorf("create %s driver: %w", ch.Provider, err)
		r.emitError(ch, err)
		return err
	}
	s.driver = drv

	sctx, cancel := context.WithCancel(r.baseCtx)
	s.cancel = cancel
	if err := drv.Start(sctx); err != nil {
		_ = r.teardown(ctx, s)
		err = fmt.Errorf("start channel %s: %w", id, err)
		r.emitError(ch, err)
		return err
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = r.teardown(ctx, s)
		return ErrShuttingDown
	}
	r.sessions[id] = s
	r.mu.Unlock()

	slog.Info("channel started", "channel_id", id, "provider", ch.Provider, "restored", restored != nil)
	r.emit(protocol.EventChannelStarted, ch, map[string]any{"provider": ch.Provider})
	return nil
}

// StopChannel removes id from the registry and releases its driver.
// Teardown errors are logged and swallowed so the registry is always cleaned.
func (r *Runtime) StopChannel(ctx context.Context, id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	prefix := id.String() + ":"
	if n := r.debounce.CancelWhere(func(key string) bool { return strings.HasPrefix(key, prefix) }); n > 0 {
		slog.Debug("pending inbound messages discarded", "channel_id", id, "count", n)
	}
	_ = r.teardown(ctx, s)
	slog.Info("channel stopped", "channel_id", id)
	r.emit(protocol.EventChannelStopped, &s.channel, nil)
}

// RestartChannel stops id, pauses, then starts it again.
func (r *Runtime) RestartChannel(ctx context.Context, id uuid.UUID) error {
	r.StopChannel(ctx, id)
	t := time.NewTimer(r.cfg.RestartPause)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.StartChannel(ctx, id)
}

// teardown destroys the driver within the shutdown bound and cancels its session context.
func (r *Runtime) teardown(ctx context.Context, s *session) error {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.driver.Destroy(dctx) }()

	var err error
	select {
	case err = <-done:
	case <-dctx.Done():
		err = fmt.Errorf("destroy timed out: %w", dctx.Err())
	}
	s.cancel()
	if err != nil {
		slog.Warn("channel destroy failed",
			"channel_id", s.channel.ID,
			"transient", IsTransient(err),
			"error", err)
	}
	return err
}

// GetChannelStatus reports connection and pairing state. Inactive channels report all false.
func (r *Runtime) GetChannelStatus(id uuid.UUID) ChannelStatus {
	st := ChannelStatus{ChannelID: id}
	s, ok := r.get(id)
	if !ok {
		return st
	}
	st.IsConnected = s.driver.IsConnected()
	st.IsAuthenticated = s.driver.IsAuthenticated()
	if ns := s.lastActivity.Load(); ns > 0 {
		t := time.Unix(0, ns)
		st.LastActivity = &t
	}
	return st
}

// EmitMessage sends content to chatID through channel id and returns the provider message id.
// A transient driver failure restarts the channel and retries once.
func (r *Runtime) EmitMessage(ctx context.Context, id uuid.UUID, chatID, content string) (string, error) {
	extID, err := r.send(ctx, id, chatID, content)
	if err != nil && IsTransient(err) {
		slog.Warn("channel send failed, restarting", "channel_id", id, "error", err)
		if rerr := r.RestartChannel(ctx, id); rerr != nil {
			return "", fmt.Errorf("send: %w (restart failed: %v)", err, rerr)
		}
		extID, err = r.send(ctx, id, chatID, content)
	}
	if err != nil {
		return "", err
	}
	if s, ok := r.get(id); ok {
		r.emit(protocol.EventMessageSent, &s.channel, map[string]any{
			"chatId":     chatID,
			"externalId": extID,
		})
	}
	return extID, nil
}

func (r *Runtime) send(ctx context.Context, id uuid.UUID, chatID, content string) (string, error) {
	s, ok := r.get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrChannelNotActive, id)
	}
	if !s.driver.IsAuthenticated() {
		return "", ErrAuthRequired
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	extID, err := s.driver.Send(ctx, chatID, content)
	if err != nil {
		return "", err
	}
	s.touch()
	return extID, nil
}

// SetTyping toggles the typing indicator for chatID on channel id.
func (r *Runtime) SetTyping(ctx context.Context, id uuid.UUID, chatID string, on bool) error {
	s, ok := r.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotActive, id)
	}
	return s.driver.SetTyping(ctx, chatID, on)
}

// InitializeActiveChannels starts every channel flagged active. A failing
// channel is logged and skipped; it never aborts the others.
func (r *Runtime) InitializeActiveChannels(ctx context.Context) (int, error) {
	chs, err := r.channels.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active channels: %w", err)
	}

	var started atomic.Int32
	var g errgroup.Group
	g.SetLimit(r.cfg.StartConcurrency)
	for _, ch := range chs {
		g.Go(func() error {
			if err := r.StartChannel(ctx, ch.ID); err != nil {
				slog.Error("failed to start channel", "channel_id", ch.ID, "provider", ch.Provider, "error", err)
				return nil
			}
			started.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("active channels initialized", "started", started.Load(), "total", len(chs))
	return int(started.Load()), nil
}

// Shutdown tears down every session concurrently and reports all teardown errors.
// The runtime refuses new starts afterwards.
func (r *Runtime) Shutdown(ctx context.Context) error {
	// Deliver the tail of every burst while the channels can still reply.
	if n := r.debounce.Flush(); n > 0 {
		slog.Info("flushed pending inbound messages", "count", n)
	}

	r.mu.Lock()
	r.closing = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[uuid.UUID]*session)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			if err := r.teardown(ctx, s); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("channel %s: %w", s.channel.ID, err))
				mu.Unlock()
			}
			r.emit(protocol.EventChannelStopped, &s.channel, nil)
		}(s)
	}
	wg.Wait()

	slog.Info("channel runtime stopped", "channels", len(sessions), "errors", len(errs))
	return errors.Join(errs...)
}

func (r *Runtime) isClosing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closing
}

func (r *Runtime) emit(name string, ch *store.ChannelData, data any) {
	r.events.Broadcast(bus.NewEvent(name, ch.ID, ch.CompanyID, data))
}

func (r *Runtime) emitError(ch *store.ChannelData, err error) {
	r.emit(protocol.EventChannelError, ch, map[string]any{"error": err.Error()})
}
