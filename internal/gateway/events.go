package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// handleEvents streams bus events as JSON frames. ?company_id= restricts the
// stream to one tenant. A client that falls behind loses events rather than
// stalling the publisher.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var company uuid.UUID
	if v := r.URL.Query().Get("company_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid company_id")
			return
		}
		company = id
	}

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// events only flow to the client; CloseRead handles pings and close frames
	ctx := conn.CloseRead(r.Context())

	clientID := "ws-" + uuid.NewString()
	queue := make(chan bus.Event, clientBuffer)
	s.deps.Events.Subscribe(clientID, func(e bus.Event) {
		if company != uuid.Nil && e.CompanyID != company {
			return
		}
		select {
		case queue <- e:
		default:
			slog.Debug("event dropped for slow client", "client_id", clientID, "event", e.Name)
		}
	})
	defer s.deps.Events.Unsubscribe(clientID)
	slog.Info("event client connected", "client_id", clientID, "company_id", company)

	for {
		select {
		case <-ctx.Done():
			slog.Info("event client disconnected", "client_id", clientID)
			return
		case e := <-queue:
			if err := writeEvent(ctx, conn, e); err != nil {
				slog.Debug("event write failed", "client_id", clientID, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
