// Package gateway exposes channel operations, pairing, firewall and workflow
// administration over HTTP and streams runtime events over WebSocket.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/authsession"
	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/channels"
	"github.com/nextlevelbuilder/convoflow/internal/firewall"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// ChannelRuntime is the subset of channels.Runtime the API drives.
type ChannelRuntime interface {
	StartChannel(ctx context.Context, id uuid.UUID) error
	StopChannel(ctx context.Context, id uuid.UUID)
	RestartChannel(ctx context.Context, id uuid.UUID) error
	GetChannelStatus(id uuid.UUID) channels.ChannelStatus
	GenerateQR(ctx context.Context, id uuid.UUID) (*channels.QRResult, error)
	EmitMessage(ctx context.Context, id uuid.UUID, chatID, content string) (string, error)
}

// Conversations sends into and closes stored conversations.
type Conversations interface {
	SendToConversation(ctx context.Context, conversationID uuid.UUID, text, senderID string) (*store.MessageData, error)
	CloseConversation(ctx context.Context, conversationID uuid.UUID) error
}

// Workflows reads and clears per-conversation workflow state.
type Workflows interface {
	GetWorkflowState(ctx context.Context, conversationID uuid.UUID) (*store.WorkflowState, error)
	ResetWorkflow(ctx context.Context, conversationID uuid.UUID) error
}

// Config controls the listener and access checks.
type Config struct {
	Host           string
	Port           int
	Token          string   // bearer token; empty disables the check
	AllowedOrigins []string // WebSocket origins; empty allows all
	RateLimitRPM   int      // per client; <= 0 disables
	PublicDir      string   // served under /public/
}

// Deps are the components behind the API.
type Deps struct {
	Channels      store.ChannelStore
	Runtime       ChannelRuntime
	Sessions      *authsession.Manager
	Firewall      *firewall.Firewall
	Workflows     Workflows
	Conversations Conversations
	Events        bus.EventPublisher
}

// Server is the HTTP gateway.
type Server struct {
	cfg     Config
	deps    Deps
	limiter *RateLimiter
	handler http.Handler

	httpServer *http.Server
}

func NewServer(cfg Config, deps Deps) *Server {
	if deps.Events == nil {
		deps.Events = bus.Discard{}
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: NewRateLimiter(cfg.RateLimitRPM, 5),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler { return s.handler }

// RateLimiter returns the per-client limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.limiter }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.cfg.PublicDir != "" {
		r.Handle("/public/*", http.StripPrefix("/public/", http.FileServer(http.Dir(s.cfg.PublicDir))))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/ws/events", s.handleEvents)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Use(s.rateLimit)

		r.Get("/channels", s.handleListChannels)
		r.Route("/channels/{id}", func(r chi.Router) {
			r.Post("/start", s.handleStartChannel)
			r.Post("/stop", s.handleStopChannel)
			r.Post("/restart", s.handleRestartChannel)
			r.Get("/status", s.handleChannelStatus)
			r.Post("/qr", s.handleGenerateQR)
			r.Post("/messages", s.handleSendMessage)
		})

		r.Get("/auth-sessions/{id}", s.handleGetAuthSession)

		r.Get("/firewall/{senderId}", s.handleFirewallStatus)
		r.Delete("/firewall/{senderId}", s.handleFirewallReset)

		r.Get("/conversations/{id}/workflow", s.handleGetWorkflow)
		r.Delete("/conversations/{id}/workflow", s.handleResetWorkflow)
		r.Post("/conversations/{id}/close", s.handleCloseConversation)
	})
	return r
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion})
}
