package channels

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/convoflow/internal/authsession"
	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/deferred"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/store/storetest"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDriver struct {
	hooks DriverHooks

	mu         sync.Mutex
	authed     bool
	connected  bool
	sent       []string
	typing     []bool
	destroyErr error
	sendErrs   []error // consumed one per Send
	startErr   error
	qrCode     string
	destroyed  atomic.Int32
	restoring  atomic.Bool
}

func (d *fakeDriver) Restoring() bool { return d.restoring.Load() }

func (d *fakeDriver) finishRestore(authed bool) {
	d.mu.Lock()
	d.authed = authed
	d.mu.Unlock()
	d.restoring.Store(false)
}

func (d *fakeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.connected = true
	return nil
}

func (d *fakeDriver) Destroy(ctx context.Context) error {
	d.destroyed.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return d.destroyErr
}

func (d *fakeDriver) Send(ctx context.Context, chatID, content string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sendErrs) > 0 {
		err := d.sendErrs[0]
		d.sendErrs = d.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	d.sent = append(d.sent, content)
	return "ext-" + content, nil
}

func (d *fakeDriver) SetTyping(ctx context.Context, chatID string, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typing = append(d.typing, on)
	return nil
}

func (d *fakeDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDriver) IsAuthenticated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authed
}

// fakeQRDriver answers RequestQR by calling OnQR synchronously.
type fakeQRDriver struct{ *fakeDriver }

func (d fakeQRDriver) RequestQR(ctx context.Context) error {
	d.hooks.OnQR(d.qrCode)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Subscribe(string, bus.EventHandler) {}
func (r *recorder) Unsubscribe(string)                 {}
func (r *recorder) Broadcast(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

type harness struct {
	rt       *Runtime
	stores   *store.Stores
	auth     *authsession.Manager
	events   *recorder
	fake     *deferred.Fake
	built    atomic.Int32
	mu       sync.Mutex
	drivers  map[uuid.UUID]*fakeDriver
	template func(*fakeDriver)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		stores:  storetest.New(),
		events:  &recorder{},
		fake:    deferred.NewFake(time.Unix(0, 0)),
		drivers: map[uuid.UUID]*fakeDriver{},
	}
	h.auth = authsession.NewManager(cache.NewMemory(), authsession.Config{Scheduler: h.fake})
	h.rt = NewRuntime(Config{RestartPause: time.Millisecond, ShutdownTimeout: 200 * time.Millisecond, QRTimeout: time.Second, RestoreWait: 300 * time.Millisecond},
		Deps{Channels: h.stores.Channels, Auth: h.auth, Events: h.events, Scheduler: h.fake})
	factory := func(p DriverParams) (Driver, error) {
		h.built.Add(1)
		d := &fakeDriver{hooks: p.Hooks, authed: true, qrCode: "qr-code"}
		if p.Channel.Provider == protocol.ProviderWhatsApp {
			d.authed = p.Session != nil
		}
		if h.template != nil {
			h.template(d)
		}
		h.mu.Lock()
		h.drivers[p.Channel.ID] = d
		h.mu.Unlock()
		if p.Channel.Provider == protocol.ProviderWhatsApp {
			return fakeQRDriver{d}, nil
		}
		return d, nil
	}
	h.rt.RegisterFactory(protocol.ProviderTelegram, factory)
	h.rt.RegisterFactory(protocol.ProviderWhatsApp, factory)
	t.Cleanup(func() {
		_ = h.rt.Shutdown(context.Background())
		h.auth.Shutdown()
	})
	return h
}

func (h *harness) driver(id uuid.UUID) *fakeDriver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drivers[id]
}

func (h *harness) addChannel(t *testing.T, provider string, active bool) uuid.UUID {
	t.Helper()
	ch := &store.ChannelData{CompanyID: uuid.New(), Name: provider, Provider: provider, Active: active}
	require.NoError(t, h.stores.Channels.Create(context.Background(), ch))
	return ch.ID
}

func TestStartChannelIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.addChannel(t, protocol.ProviderTelegram, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.rt.StartChannel(context.Background(), id))
		}()
	}
	wg.Wait()
	require.NoError(t, h.rt.StartChannel(context.Background(), id))

	assert.EqualValues(t, 1, h.built.Load(), "exactly one driver built")
	assert.Equal(t, []uuid.UUID{id}, h.rt.GetActiveChannelIDs())
	assert.True(t, h.rt.IsChannelActive(id))
	assert.Contains(t, h.events.names(), protocol.EventChannelStarted)
}

func TestStartUnknownChannel(t *testing.T) {
	h := newHarness(t)
	err := h.rt.StartChannel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrChannelNotFound)

	id := h.addChannel(t, "sms", true)
	err = h.rt.StartChannel(context.Background(), id)
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Contains(t, h.events.names(), protocol.EventChannelError)
}

func TestStopChannelSwallowsDestroyError(t *testing.T) {
	h := newHarness(t)
	h.template = func(d *fakeDriver) {
		d.destroyErr = Transient("destroy", errors.New("resource busy: session locked"))
	}
	id := h.addChannel(t, protocol.ProviderTelegram, true)
	require.NoError(t, h.rt.StartChannel(context.Background(), id))

	h.rt.StopChannel(context.Background(), id)
	assert.False(t, h.rt.IsChannelActive(id))
	assert.Empty(t, h.rt.GetActiveChannelIDs())
	assert.EqualValues(t, 1, h.driver(id).destroyed.Load())
	assert.Contains(t, h.events.names(), protocol.EventChannelStopped)

	// stopping again is a no-op
	h.rt.StopChannel(context.Background(), id)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	id := h.addChannel(t, protocol.ProviderTelegram, true)
	st := h.rt.GetChannelStatus(id)
	assert.False(t, st.IsConnected)

	require.NoError(t, h.rt.StartChannel(context.Background(), id))
	st = h.rt.GetChannelStatus(id)
	assert.True(t, st.IsConnected)
	assert.True(t, st.IsAuthenticated)
	assert.NotNil(t, st.LastActivity)
}

func TestEmitMessageRetriesOnceAfterTransientError(t *testing.T) {
	h := newHarness(t)
	id := h.addChannel(t, protocol.ProviderTelegram, true)
	h.template = func(d *fakeDriver) {
		if h.built.Load() == 1 {
			d.sendErrs = []error{Transient("send", errors.New("busy"))}
		}
	}
	require.NoError(t, h.rt.StartChannel(context.Background(), id))

	extID, err := h.rt.EmitMessage(context.Background(), id, "chat-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ext-hello", extID)
	assert.EqualValues(t, 2, h.built.Load(), "channel restarted once")
	assert.Contains(t, h.events.names(), protocol.EventMessageSent)
}

func TestEmitMessageNonTransientSurfaces(t *testing.T) {
	h := newHarness(t)
	id := h.addChannel(t, protocol.ProviderTelegram, true)
	boom := errors.New("chat not found")
	h.template = func(d *fakeDriver) { d.sendErrs = []error{boom} }
	require.NoError(t, h.rt.StartChannel(context.Background(), id))

	_, err := h.rt.EmitMessage(context.Background(), id, "chat-1", "hello")
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, h.built.Load())

	_, err = h.rt.EmitMessage(context.Background(), uuid.New(), "c", "x")
	assert.ErrorIs(t, err, ErrChannelNotActive)
}

func TestDebounceForwardsLastMessageOnly(t *testing.T) {
	h := newHarness(t)
	id := h.addChannel(t, protocol.ProviderTelegram, true)

	var got []bus.InboundMessage
	h.rt.SetMessageHandler(func(ctx context.Context, msg bus.InboundMessage) {
		got = append(got, msg)
	})
	require.NoError(t, h.rt.StartChannel(context.Background(), id))
	d := h.driver(id)

	d.hooks.OnMessage(bus.InboundMessage{SenderID: "alice", Content: "one"})
	h.fake.Advance(500 * time.Millisecond)
	d.hooks.OnMessage(bus.InboundMessage{SenderID: "alice", Content: "two"})
	d.hooks.OnMessage(bus.InboundMessage{SenderID: "bob", Content: "hey"})
	h.fake.Advance(999 * time.Millisecond)
	require.Empty(t, got)

	h.fake.Advance(time.Millisecond)
	require.Len(t, got, 2)
	contents := []string{got[0].Content, got[1].Content}
	assert.ElementsMatch(t, []string{"two", "hey"}, contents)
	assert.Equal(t, id, got[0].ChannelID)
	assert.Equal(t, protocol.ProviderTelegram, got[0].Provider)
}

func TestStopChannelDiscardsPendingDebounce(t *testing.T) {
	h := newHarness(t)
	stopped := h.addChannel(t, protocol.ProviderTelegram, true)
	other := h.addChannel(t, protocol.ProviderTelegram, true)

	var (
		mu  sync.Mutex
		got []string
	)
	h.rt.SetMessageHandler(func(ctx context.Context, msg bus.InboundMessage) {
		mu.Lock()
		got = append(got, msg.Content)
		mu.Unlock()
	})
	require.NoError(t, h.rt.StartChannel(context.Background(), stopped))
	require.NoError(t, h.rt.StartChannel(context.Background(), other))

	h.driver(stopped).hooks.OnMessage(bus.InboundMessage{SenderID: "alice", Content: "late"})
	h.driver(other).hooks.OnMessage(bus.InboundMessage{SenderID: "alice", Content: "kept"})
	h.rt.StopChannel(context.Background(), stopped)

	h.fake.Advance(time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"kept"}, got)
}

func TestShutdownFlushesPendingDebounce(t *testing.T) {
	h := newHarness(t)
	id := h.addChannel(t, protocol.ProviderTelegram, true)

	var (
		mu  sync.Mutex
		got []string
	)
	h.rt.SetMessageHandler(func(ctx context.Context, msg bus.InboundMessage) {
		mu.Lock()
		got = append(got, msg.Content)
		mu.Unlock()
	})
	require.NoError(t, h.rt.StartChannel(context.Background(), id))
	d := h.driver(id)
	d.hooks.OnMessage(bus.InboundMessage{SenderID: "alice", Content: "one"})
	d.hooks.OnMessage(bus.InboundMessage{SenderID: "alice", Content: "two"})
	d.hooks.OnMessage(bus.InboundMessage{SenderID: "bob", Content: "hey"})

	require.NoError(t, h.rt.Shutdown(context.Background()))
	mu.Lock()
	assert.ElementsMatch(t, []string{"two", "hey"}, got)
	mu.Unlock()

	// arrivals after shutdown are not forwarded
	d.hooks.OnMessage(bus.InboundMessage{SenderID: "carol", Content: "late"})
	h.fake.Advance(time.Hour)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 2)
}

func TestGenerateQR(t *testing.T) {
	t.Run("already authenticated returns empty code", func(t *testing.T) {
		h := newHarness(t)
		id := h.addChannel(t, protocol.ProviderTelegram, true)
		res, err := h.rt.GenerateQR(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, res.AlreadyAuthenticated)
		assert.Empty(t, res.Code)
	})

	t.Run("pairing creates auth session", func(t *testing.T) {
		h := newHarness(t)
		id := h.addChannel(t, protocol.ProviderWhatsApp, true)
		res, err := h.rt.GenerateQR(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "qr-code", res.Code)
		assert.NotEqual(t, uuid.Nil, res.SessionID)

		pending, err := h.auth.GetActiveSessionByChannel(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, res.SessionID, pending.ID)

		// a second request reuses the pending code
		again, err := h.rt.GenerateQR(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, res.SessionID, again.SessionID)

		// pairing completes the session and stores the payload
		h.driver(id).hooks.OnAuthenticated([]byte("creds"))
		done, err := h.auth.GetSession(context.Background(), res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, authsession.StatusCompleted, done.Status)
		payload, ok, err := h.auth.LoadPayload(context.Background(), protocol.ProviderWhatsApp, id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "creds", string(payload))
	})

	t.Run("stale session is discarded", func(t *testing.T) {
		h := newHarness(t)
		id := h.addChannel(t, protocol.ProviderWhatsApp, true)
		require.NoError(t, h.auth.SavePayload(context.Background(), protocol.ProviderWhatsApp, id, []byte("old")))
		h.template = func(d *fakeDriver) { d.authed = false }

		res, err := h.rt.GenerateQR(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "qr-code", res.Code)
		assert.EqualValues(t, 2, h.built.Load())
		_, ok, _ := h.auth.LoadPayload(context.Background(), protocol.ProviderWhatsApp, id)
		assert.False(t, ok)
	})

	t.Run("in-flight restore is awaited", func(t *testing.T) {
		h := newHarness(t)
		id := h.addChannel(t, protocol.ProviderWhatsApp, true)
		require.NoError(t, h.auth.SavePayload(context.Background(), protocol.ProviderWhatsApp, id, []byte("creds")))
		h.template = func(d *fakeDriver) {
			d.authed = false
			d.restoring.Store(true)
			time.AfterFunc(100*time.Millisecond, func() { d.finishRestore(true) })
		}

		res, err := h.rt.GenerateQR(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, res.AlreadyAuthenticated)
		assert.EqualValues(t, 1, h.built.Load())
		payload, ok, _ := h.auth.LoadPayload(context.Background(), protocol.ProviderWhatsApp, id)
		require.True(t, ok)
		assert.Equal(t, "creds", string(payload))
	})

	t.Run("restore that never settles is discarded", func(t *testing.T) {
		h := newHarness(t)
		id := h.addChannel(t, protocol.ProviderWhatsApp, true)
		require.NoError(t, h.auth.SavePayload(context.Background(), protocol.ProviderWhatsApp, id, []byte("old")))
		h.template = func(d *fakeDriver) {
			d.authed = false
			d.restoring.Store(true)
		}

		res, err := h.rt.GenerateQR(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "qr-code", res.Code)
		assert.EqualValues(t, 2, h.built.Load())
		_, ok, _ := h.auth.LoadPayload(context.Background(), protocol.ProviderWhatsApp, id)
		assert.False(t, ok)
	})
}

func TestInitializeActiveChannelsIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	good := h.addChannel(t, protocol.ProviderTelegram, true)
	bad := h.addChannel(t, "unknown", true)
	h.addChannel(t, protocol.ProviderTelegram, false)

	n, err := h.rt.InitializeActiveChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.rt.IsChannelActive(good))
	assert.False(t, h.rt.IsChannelActive(bad))
}

type hangingDriver struct {
	*fakeDriver
	release chan struct{}
}

func (d hangingDriver) Destroy(ctx context.Context) error {
	<-d.release
	return nil
}

func TestShutdownCollectsErrorsAndBoundsTeardown(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)

	busyErr := errors.New("locked")
	h.rt.RegisterFactory("hang", func(p DriverParams) (Driver, error) {
		return hangingDriver{fakeDriver: &fakeDriver{authed: true}, release: release}, nil
	})
	h.template = func(d *fakeDriver) { d.destroyErr = busyErr }

	a := h.addChannel(t, protocol.ProviderTelegram, true)
	b := h.addChannel(t, "hang", true)
	require.NoError(t, h.rt.StartChannel(context.Background(), a))
	require.NoError(t, h.rt.StartChannel(context.Background(), b))

	start := time.Now()
	err := h.rt.Shutdown(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, busyErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.rt.GetActiveChannelIDs())
	assert.ErrorIs(t, h.rt.StartChannel(context.Background(), a), ErrShuttingDown)
}
