package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convoflow/internal/authsession"
	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/channels"
	"github.com/nextlevelbuilder/convoflow/internal/firewall"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/store/storetest"
	"github.com/nextlevelbuilder/convoflow/internal/workflow"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

type fakeRuntime struct {
	mu      sync.Mutex
	started map[uuid.UUID]bool
	sent    []string
	qrErr   error
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{started: map[uuid.UUID]bool{}} }

func (f *fakeRuntime) StartChannel(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[id] = true
	return nil
}

func (f *fakeRuntime) StopChannel(_ context.Context, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.started, id)
}

func (f *fakeRuntime) RestartChannel(ctx context.Context, id uuid.UUID) error {
	f.StopChannel(ctx, id)
	return f.StartChannel(ctx, id)
}

func (f *fakeRuntime) GetChannelStatus(id uuid.UUID) channels.ChannelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return channels.ChannelStatus{ChannelID: id, IsConnected: f.started[id], IsAuthenticated: f.started[id]}
}

func (f *fakeRuntime) setQRErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrErr = err
}

func (f *fakeRuntime) GenerateQR(_ context.Context, id uuid.UUID) (*channels.QRResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.qrErr != nil {
		return nil, f.qrErr
	}
	return &channels.QRResult{ChannelID: id, Code: "2@abc", URL: "/public/qr_" + id.String() + ".png"}, nil
}

func (f *fakeRuntime) EmitMessage(_ context.Context, id uuid.UUID, chatID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started[id] {
		return "", channels.ErrChannelNotActive
	}
	f.sent = append(f.sent, chatID+":"+content)
	return "ext-1", nil
}

type fakeWorkflows struct {
	mu     sync.Mutex
	states map[uuid.UUID]*store.WorkflowState
}

func (f *fakeWorkflows) set(id uuid.UUID, st *store.WorkflowState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = st
}

func (f *fakeWorkflows) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}

func (f *fakeWorkflows) GetWorkflowState(_ context.Context, id uuid.UUID) (*store.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return nil, workflow.ErrNotInitialized
	}
	return st, nil
}

func (f *fakeWorkflows) ResetWorkflow(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, id)
	return nil
}

type fakeConversations struct {
	mu     sync.Mutex
	closed []uuid.UUID
}

func (f *fakeConversations) SendToConversation(_ context.Context, id uuid.UUID, text, senderID string) (*store.MessageData, error) {
	return &store.MessageData{ConversationID: id, Content: text, SenderID: senderID, Direction: protocol.DirectionOutbound}, nil
}

func (f *fakeConversations) CloseConversation(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

type harness struct {
	srv      *httptest.Server
	runtime  *fakeRuntime
	stores   *store.Stores
	sessions *authsession.Manager
	firewall *firewall.Firewall
	flows    *fakeWorkflows
	convs    *fakeConversations
	events   *bus.MessageBus
	channel  *store.ChannelData
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mem := cache.NewMemory()
	h := &harness{
		runtime:  newFakeRuntime(),
		stores:   storetest.New(),
		sessions: authsession.NewManager(mem, authsession.Config{}),
		firewall: firewall.New(mem, firewall.DefaultConfig()),
		flows:    &fakeWorkflows{states: map[uuid.UUID]*store.WorkflowState{}},
		convs:    &fakeConversations{},
		events:   bus.New(),
	}
	t.Cleanup(h.sessions.Shutdown)

	h.channel = &store.ChannelData{CompanyID: uuid.New(), Name: "support", Provider: protocol.ProviderTelegram, Active: true}
	require.NoError(t, h.stores.Channels.Create(context.Background(), h.channel))

	s := NewServer(cfg, Deps{
		Channels:      h.stores.Channels,
		Runtime:       h.runtime,
		Sessions:      h.sessions,
		Firewall:      h.firewall,
		Workflows:     h.flows,
		Conversations: h.convs,
		Events:        h.events,
	})
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, hdr ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Config{Token: "secret"})
	resp, body := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestBearerToken(t *testing.T) {
	h := newHarness(t, Config{Token: "secret"})

	resp, _ := h.do(t, http.MethodGet, "/v1/channels", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/channels", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/v1/channels", "", "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["channels"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "support", list[0].(map[string]any)["name"])
}

func TestChannelLifecycle(t *testing.T) {
	h := newHarness(t, Config{})
	base := "/v1/channels/" + h.channel.ID.String()

	resp, body := h.do(t, http.MethodPost, base+"/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isConnected"])

	resp, body = h.do(t, http.MethodGet, base+"/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isAuthenticated"])

	resp, body = h.do(t, http.MethodPost, base+"/messages", `{"chatId":"42","content":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ext-1", body["externalId"])
	h.runtime.mu.Lock()
	assert.Equal(t, []string{"42:hi"}, h.runtime.sent)
	h.runtime.mu.Unlock()

	resp, _ = h.do(t, http.MethodPost, base+"/restart", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, base+"/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["isConnected"])

	resp, _ = h.do(t, http.MethodPost, base+"/messages", `{"chatId":"42","content":"hi"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, base+"/messages", `{"chatId":"42"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/channels/not-a-uuid/start", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendToConversation(t *testing.T) {
	h := newHarness(t, Config{})
	conv := uuid.New()
	resp, body := h.do(t, http.MethodPost, "/v1/channels/"+h.channel.ID.String()+"/messages",
		fmt.Sprintf(`{"conversationId":%q,"content":"on it","senderId":"agent-1"}`, conv))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "on it", body["content"])

	resp, _ = h.do(t, http.MethodPost, "/v1/conversations/"+conv.String()+"/close", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h.convs.mu.Lock()
	assert.Equal(t, []uuid.UUID{conv}, h.convs.closed)
	h.convs.mu.Unlock()
}

func TestGenerateQR(t *testing.T) {
	h := newHarness(t, Config{})
	path := "/v1/channels/" + h.channel.ID.String() + "/qr"

	resp, body := h.do(t, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2@abc", body["qrCode"])

	h.runtime.setQRErr(channels.ErrPairingUnsupported)
	resp, _ = h.do(t, http.MethodPost, path, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.runtime.setQRErr(channels.ErrQRTimeout)
	resp, _ = h.do(t, http.MethodPost, path, "")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestAuthSession(t *testing.T) {
	h := newHarness(t, Config{})
	sess, err := h.sessions.CreateSession(context.Background(), h.channel.ID, protocol.ProviderWhatsApp, authsession.CreateOptions{QRCode: "2@x"})
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodGet, "/v1/auth-sessions/"+sess.ID.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])

	resp, _ = h.do(t, http.MethodGet, "/v1/auth-sessions/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFirewallEndpoints(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	key := "telegram:42"
	h.firewall.CheckMessage(ctx, key, "hello")

	resp, body := h.do(t, http.MethodGet, "/v1/firewall/42?provider=telegram", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, key, body["senderId"])
	assert.Equal(t, false, body["blocked"])

	resp, _ = h.do(t, http.MethodDelete, "/v1/firewall/"+key, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkflowEndpoints(t *testing.T) {
	h := newHarness(t, Config{})
	conv := uuid.New()

	resp, _ := h.do(t, http.MethodGet, "/v1/conversations/"+conv.String()+"/workflow", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h.flows.set(conv, &store.WorkflowState{FlowName: "booking", CurrentStep: "ask_date"})
	resp, body := h.do(t, http.MethodGet, "/v1/conversations/"+conv.String()+"/workflow", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ask_date", body["currentStep"])

	resp, _ = h.do(t, http.MethodDelete, "/v1/conversations/"+conv.String()+"/workflow", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, h.flows.count())
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimitRPM: 1})
	var codes []int
	for i := 0; i < 7; i++ {
		resp, _ := h.do(t, http.MethodGet, "/v1/channels", "")
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusTooManyRequests, codes[len(codes)-1])

	// health is never limited
	resp, _ := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiterBoundsKeys(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	for i := 0; i < maxTrackedKeys+10; i++ {
		rl.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	assert.LessOrEqual(t, rl.Tracked(), maxTrackedKeys)

	assert.True(t, NewRateLimiter(0, 0).Allow("x"))
	assert.False(t, NewRateLimiter(0, 0).Enabled())
}

func TestPublicFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qr_x.png"), []byte("png"), 0o644))
	h := newHarness(t, Config{PublicDir: dir, Token: "secret"})

	resp, err := http.Get(h.srv.URL + "/public/qr_x.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStreamFiltersByCompany(t *testing.T) {
	h := newHarness(t, Config{Token: "secret"})
	company := uuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/events?token=secret&company_id=" + company.String()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// probe until the subscription is registered
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				h.events.Broadcast(bus.NewEvent("probe", uuid.Nil, company, nil))
			}
		}
	}()
	var first bus.Event
	err = wsjson.Read(ctx, conn, &first)
	close(stop)
	require.NoError(t, err)
	require.Equal(t, "probe", first.Name)

	h.events.Broadcast(bus.NewEvent(protocol.EventIntentDetected, h.channel.ID, uuid.New(), nil))
	h.events.Broadcast(bus.NewEvent(protocol.EventAgentAssigned, h.channel.ID, company, map[string]any{"agentId": "a"}))

	for {
		var e bus.Event
		require.NoError(t, wsjson.Read(ctx, conn, &e))
		if e.Name == "probe" {
			continue
		}
		assert.Equal(t, protocol.EventAgentAssigned, e.Name)
		assert.Equal(t, company, e.CompanyID)
		break
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	h := newHarness(t, Config{Token: "secret"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/events"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
