package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/authsession"
	"github.com/nextlevelbuilder/convoflow/internal/channels"
	"github.com/nextlevelbuilder/convoflow/internal/firewall"
	"github.com/nextlevelbuilder/convoflow/internal/pipeline"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/workflow"
)

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// writeDomainError maps package sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, channels.ErrChannelNotFound),
		errors.Is(err, authsession.ErrNotFound),
		errors.Is(err, workflow.ErrNotInitialized):
		status = http.StatusNotFound
	case errors.Is(err, channels.ErrPairingUnsupported),
		errors.Is(err, channels.ErrUnknownProvider):
		status = http.StatusBadRequest
	case errors.Is(err, channels.ErrChannelNotActive),
		errors.Is(err, channels.ErrAuthRequired),
		errors.Is(err, channels.ErrShuttingDown),
		errors.Is(err, firewall.ErrResetRefused):
		status = http.StatusConflict
	case errors.Is(err, channels.ErrQRTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		slog.Error("gateway."+op, "error", err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chs, err := s.deps.Channels.List(r.Context())
	if err != nil {
		writeDomainError(w, "channels.list", err)
		return
	}
	company := r.URL.Query().Get("company_id")
	out := make([]map[string]any, 0, len(chs))
	for _, ch := range chs {
		if company != "" && ch.CompanyID.String() != company {
			continue
		}
		out = append(out, map[string]any{
			"id":         ch.ID,
			"company_id": ch.CompanyID,
			"name":       ch.Name,
			"provider":   ch.Provider,
			"active":     ch.Active,
			"status":     s.deps.Runtime.GetChannelStatus(ch.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *Server) handleStartChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Runtime.StartChannel(r.Context(), id); err != nil {
		writeDomainError(w, "channels.start", err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runtime.GetChannelStatus(id))
}

func (s *Server) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.deps.Runtime.StopChannel(r.Context(), id)
	writeJSON(w, http.StatusOK, s.deps.Runtime.GetChannelStatus(id))
}

func (s *Server) handleRestartChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Runtime.RestartChannel(r.Context(), id); err != nil {
		writeDomainError(w, "channels.restart", err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runtime.GetChannelStatus(id))
}

func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runtime.GetChannelStatus(id))
}

func (s *Server) handleGenerateQR(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Runtime.GenerateQR(r.Context(), id)
	if err != nil {
		writeDomainError(w, "channels.qr", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		ChatID         string `json:"chatId"`
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
		SenderID       string `json:"senderId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if body.ConversationID != "" {
		convID, err := uuid.Parse(body.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid conversationId")
			return
		}
		if s.deps.Conversations == nil {
			writeError(w, http.StatusNotImplemented, "conversations unavailable")
			return
		}
		m, err := s.deps.Conversations.SendToConversation(r.Context(), convID, body.Content, body.SenderID)
		if err != nil {
			writeDomainError(w, "messages.send", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}

	if body.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId or conversationId is required")
		return
	}
	extID, err := s.deps.Runtime.EmitMessage(r.Context(), id, body.ChatID, body.Content)
	if err != nil {
		writeDomainError(w, "messages.send", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"externalId": extID})
}

func (s *Server) handleGetAuthSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Sessions.GetSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, "auth_sessions.get", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// firewallKey resolves the sender path segment. With ?provider= the key is
// built the way the pipeline builds it; otherwise the segment is used as is.
func firewallKey(r *http.Request) string {
	sender := chi.URLParam(r, "senderId")
	if p := r.URL.Query().Get("provider"); p != "" {
		return pipeline.SenderKey(p, sender)
	}
	return sender
}

func (s *Server) handleFirewallStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Firewall.Status(r.Context(), firewallKey(r))
	if err != nil {
		writeDomainError(w, "firewall.status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFirewallReset(w http.ResponseWriter, r *http.Request) {
	key := firewallKey(r)
	force := r.URL.Query().Get("force") == "true"
	if err := s.deps.Firewall.Reset(r.Context(), key, force); err != nil {
		writeDomainError(w, "firewall.reset", err)
		return
	}
	slog.Info("security.firewall_reset", "sender_id", key, "force", force)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	state, err := s.deps.Workflows.GetWorkflowState(r.Context(), id)
	if err != nil {
		writeDomainError(w, "workflow.get", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleResetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Workflows.ResetWorkflow(r.Context(), id); err != nil {
		writeDomainError(w, "workflow.reset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.deps.Conversations == nil {
		writeError(w, http.StatusNotImplemented, "conversations unavailable")
		return
	}
	if err := s.deps.Conversations.CloseConversation(r.Context(), id); err != nil {
		writeDomainError(w, "conversations.close", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
