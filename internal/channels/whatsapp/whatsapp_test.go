package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/channels"
)

// fakeBridge is a minimal bridge: it records frames and lets the test push frames.
type fakeBridge struct {
	srv      *httptest.Server
	mu       sync.Mutex
	conn     *websocket.Conn
	received chan frame
	ready    chan struct{}
}

func newFakeBridge(t *testing.T, autoAck bool) *fakeBridge {
	t.Helper()
	b := &fakeBridge{received: make(chan frame, 16), ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		close(b.ready)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			if autoAck && f.Type == "message" {
				b.push(t, frame{Type: "sent", Ref: f.Ref, ID: "wamid-1"})
			}
			b.received <- f
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBridge) push(t *testing.T, f frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, _ := json.Marshal(f)
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("push: %v", err)
	}
}

func (b *fakeBridge) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-b.received:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("bridge received nothing")
	}
	return frame{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestFactoryRequiresBridgeURL(t *testing.T) {
	_, err := Factory(channels.DriverParams{})
	if err == nil {
		t.Fatal("expected error without bridge_url")
	}
}

func TestPairingFlow(t *testing.T) {
	b := newFakeBridge(t, false)

	var mu sync.Mutex
	var qr string
	var payload []byte
	hooks := channels.DriverHooks{
		OnQR: func(code string) { mu.Lock(); qr = code; mu.Unlock() },
		OnAuthenticated: func(p []byte) {
			mu.Lock()
			payload = append([]byte(nil), p...)
			mu.Unlock()
		},
	}
	d, err := New(Config{BridgeURL: b.url()}, nil, hooks)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Destroy(context.Background())
	<-b.ready

	if err := d.RequestQR(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f := b.next(t); f.Type != "qr.request" {
		t.Fatalf("frame = %q, want qr.request", f.Type)
	}

	b.push(t, frame{Type: "qr", Code: "2@pairme"})
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return qr == "2@pairme" })

	b.push(t, frame{Type: "authenticated", Session: json.RawMessage(`{"creds":"x"}`)})
	waitFor(t, d.IsAuthenticated)
	mu.Lock()
	got := string(payload)
	mu.Unlock()
	if got != `{"creds":"x"}` {
		t.Errorf("payload = %s", got)
	}
}

func TestRestoreSendsSession(t *testing.T) {
	b := newFakeBridge(t, false)
	d, _ := New(Config{BridgeURL: b.url()}, []byte(`{"creds":"saved"}`), channels.DriverHooks{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Destroy(context.Background())

	f := b.next(t)
	if f.Type != "restore" || string(f.Session) != `{"creds":"saved"}` {
		t.Fatalf("got %+v", f)
	}
	if !d.Restoring() {
		t.Fatal("Restoring() = false while the bridge has not answered")
	}

	b.push(t, frame{Type: "authenticated"})
	waitFor(t, func() bool { return d.IsAuthenticated() && !d.Restoring() })
}

func TestRestoreRejectedClearsRestoring(t *testing.T) {
	b := newFakeBridge(t, false)
	d, _ := New(Config{BridgeURL: b.url()}, []byte(`{"creds":"old"}`), channels.DriverHooks{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Destroy(context.Background())
	b.next(t)

	b.push(t, frame{Type: "auth_failure", Reason: "logged out"})
	waitFor(t, func() bool { return !d.Restoring() })
	if d.IsAuthenticated() {
		t.Error("authenticated after auth_failure")
	}
}

func TestNoRestoreWithoutSession(t *testing.T) {
	b := newFakeBridge(t, false)
	d, _ := New(Config{BridgeURL: b.url()}, nil, channels.DriverHooks{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Destroy(context.Background())
	if d.Restoring() {
		t.Error("Restoring() = true without a stored session")
	}
}

func TestInboundAndSend(t *testing.T) {
	b := newFakeBridge(t, true)
	msgs := make(chan bus.InboundMessage, 4)
	d, _ := New(Config{BridgeURL: b.url()}, nil, channels.DriverHooks{
		OnMessage: func(m bus.InboundMessage) { msgs <- m },
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Destroy(context.Background())
	<-b.ready

	b.push(t, frame{Type: "message", From: "123@c.us", FromName: "Ann", Content: "hi", ID: "m1"})
	b.push(t, frame{Type: "message", From: "123@c.us", Chat: "999@g.us", Content: "group"})
	select {
	case m := <-msgs:
		if m.SenderID != "123@c.us" || m.ChatID != "123@c.us" || m.Content != "hi" || m.PeerKind != "direct" {
			t.Errorf("unexpected message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}

	id, err := d.Send(context.Background(), "123@c.us", "hello back")
	if err != nil {
		t.Fatal(err)
	}
	if id != "wamid-1" {
		t.Errorf("id = %q", id)
	}
	if f := b.next(t); f.Content != "hello back" {
		t.Errorf("bridge got %+v", f)
	}

	select {
	case m := <-msgs:
		t.Errorf("group message should be ignored, got %+v", m)
	default:
	}
}

func TestSendBusyIsTransient(t *testing.T) {
	b := newFakeBridge(t, false)
	d, _ := New(Config{BridgeURL: b.url()}, nil, channels.DriverHooks{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Destroy(context.Background())
	<-b.ready

	go func() {
		select {
		case f := <-b.received:
			b.push(t, frame{Type: "error", Ref: f.Ref, Error: "session locked", Busy: true})
		case <-time.After(2 * time.Second):
		}
	}()
	_, err := d.Send(context.Background(), "1@c.us", "x")
	if !channels.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestSendWithoutConnectionIsTransient(t *testing.T) {
	d, _ := New(Config{BridgeURL: "ws://127.0.0.1:1"}, nil, channels.DriverHooks{})
	_, err := d.Send(context.Background(), "1@c.us", "x")
	if !channels.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}
