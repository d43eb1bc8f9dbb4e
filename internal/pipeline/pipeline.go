// Package pipeline wires inbound channel messages through the firewall,
// ingestion and the conversation orchestrator, and sends replies back out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/firewall"
	"github.com/nextlevelbuilder/convoflow/internal/orchestrator"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// Sender delivers text through a channel. channels.Runtime implements it.
type Sender interface {
	EmitMessage(ctx context.Context, channelID uuid.UUID, chatID, content string) (string, error)
}

// Processor runs the conversation pipeline for one stored message.
type Processor interface {
	ProcessIncomingMessage(ctx context.Context, in orchestrator.Input) (*orchestrator.Result, error)
}

// LoadReleaser gives back an agent's load slot when a conversation closes.
type LoadReleaser interface {
	ReleaseLoad(ctx context.Context, agentID uuid.UUID)
}

// Config holds the courtesy replies. Empty strings disable them.
type Config struct {
	BlockedReply string
	NoAgentReply string
	Timeout      time.Duration // per inbound message (default 30s)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Stores       *store.Stores
	Firewall     *firewall.Firewall
	Orchestrator Processor
	Sender       Sender
	Loads        LoadReleaser       // optional
	Events       bus.EventPublisher // optional
}

// Outcome summarizes one inbound message.
type Outcome struct {
	Verdict      firewall.Result
	Conversation *store.ConversationData
	Message      *store.MessageData
	Result       *orchestrator.Result
}

type Pipeline struct {
	deps Deps
	cfg  Config
}

func New(deps Deps, cfg Config) *Pipeline {
	if deps.Events == nil {
		deps.Events = bus.Discard{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Pipeline{deps: deps, cfg: cfg}
}

// SenderKey is the firewall identity of a sender: provider ids are only unique per provider.
func SenderKey(provider, senderID string) string {
	return provider + ":" + senderID
}

// HandleInbound is the channel runtime's message handler. Errors are logged, never propagated.
func (p *Pipeline) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if _, err := p.Ingest(ctx, msg); err != nil {
		slog.Warn("inbound message pipeline failed",
			"channel_id", msg.ChannelID, "sender_id", msg.SenderID, "error", err)
	}
}

// Ingest gates, stores and processes one inbound message.
func (p *Pipeline) Ingest(ctx context.Context, msg bus.InboundMessage) (*Outcome, error) {
	out := &Outcome{}
	out.Verdict = p.deps.Firewall.CheckMessage(ctx, SenderKey(msg.Provider, msg.SenderID), msg.Content)
	switch out.Verdict.Action {
	case firewall.ActionBlock:
		p.blocked(ctx, msg, out.Verdict)
		return out, nil
	case firewall.ActionWarn:
		slog.Info("security.firewall_warn_passed", "channel_id", msg.ChannelID, "sender_id", msg.SenderID, "risk_score", out.Verdict.RiskScore)
	}

	conv, stored, err := p.store(ctx, msg)
	if err != nil {
		return out, err
	}
	out.Conversation, out.Message = conv, stored

	contact, err := p.deps.Stores.Contacts.Get(ctx, conv.ContactID)
	if err != nil {
		return out, fmt.Errorf("load contact: %w", err)
	}

	out.Result, err = p.deps.Orchestrator.ProcessIncomingMessage(ctx, orchestrator.Input{
		Conversation: conv,
		Message:      stored,
		Contact:      contact,
	})
	if errors.Is(err, orchestrator.ErrNoAgentAvailable) {
		slog.Info("no agent available", "conversation_id", conv.ID)
		if p.cfg.NoAgentReply != "" {
			if rerr := p.Reply(ctx, conv, p.cfg.NoAgentReply); rerr != nil {
				slog.Warn("no-agent reply failed", "conversation_id", conv.ID, "error", rerr)
			}
		}
		return out, nil
	}
	return out, err
}

func (p *Pipeline) store(ctx context.Context, msg bus.InboundMessage) (*store.ConversationData, *store.MessageData, error) {
	st := p.deps.Stores
	contact, err := st.Contacts.GetOrCreate(ctx, msg.CompanyID, msg.Provider, msg.SenderID, msg.SenderName)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve contact: %w", err)
	}

	conv, err := st.Conversations.FindOpen(ctx, msg.ChannelID, contact.ID)
	if errors.Is(err, store.ErrNotFound) {
		conv = &store.ConversationData{
			CompanyID: msg.CompanyID,
			ChannelID: msg.ChannelID,
			ContactID: contact.ID,
			ChatID:    msg.ChatID,
			Status:    protocol.ConversationOpen,
		}
		if err := st.Conversations.Create(ctx, conv); err != nil {
			return nil, nil, fmt.Errorf("create conversation: %w", err)
		}
		slog.Info("conversation opened", "conversation_id", conv.ID, "channel_id", msg.ChannelID)
	} else if err != nil {
		return nil, nil, fmt.Errorf("find conversation: %w", err)
	}

	m := &store.MessageData{
		ConversationID: conv.ID,
		CompanyID:      msg.CompanyID,
		Direction:      protocol.DirectionInbound,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		ExternalID:     msg.ExternalID,
		Metadata:       msg.Metadata,
	}
	if err := st.Messages.Create(ctx, m); err != nil {
		return nil, nil, fmt.Errorf("store message: %w", err)
	}
	at := msg.ReceivedAt
	if at.IsZero() {
		at = m.CreatedAt
	}
	if err := st.Conversations.Update(ctx, conv.ID, map[string]any{"last_message_at": at}); err != nil {
		slog.Warn("conversation touch failed", "conversation_id", conv.ID, "error", err)
	}

	p.deps.Events.Broadcast(bus.NewEvent(protocol.EventMessageReceived, msg.ChannelID, msg.CompanyID, map[string]any{
		"conversationId": conv.ID,
		"messageId":      m.ID,
		"contactId":      contact.ID,
		"senderId":       msg.SenderID,
		"content":        msg.Content,
	}))
	return conv, m, nil
}

// blocked reports a blocked message. The courtesy reply goes out only when
// the block is new, not for messages dropped during an existing cooldown.
func (p *Pipeline) blocked(ctx context.Context, msg bus.InboundMessage, verdict firewall.Result) {
	p.deps.Events.Broadcast(bus.NewEvent(protocol.EventMessageBlocked, msg.ChannelID, msg.CompanyID, map[string]any{
		"senderId":        msg.SenderID,
		"violations":      verdict.Violations,
		"riskScore":       verdict.RiskScore,
		"cooldownSeconds": verdict.CooldownSeconds,
	}))
	if p.cfg.BlockedReply == "" || msg.ChatID == "" {
		return
	}
	for _, v := range verdict.Violations {
		if v.Type == firewall.ViolationUserBlocked {
			return
		}
	}
	if _, err := p.deps.Sender.EmitMessage(ctx, msg.ChannelID, msg.ChatID, p.cfg.BlockedReply); err != nil {
		slog.Warn("blocked reply failed", "channel_id", msg.ChannelID, "sender_id", msg.SenderID, "error", err)
	}
}

// Reply sends text into the conversation's chat and stores it as an outbound
// message. The runtime emits message.sent.
func (p *Pipeline) Reply(ctx context.Context, conv *store.ConversationData, text string) error {
	_, err := p.send(ctx, conv, text, "")
	return err
}

// SendToConversation sends an operator message into a conversation.
func (p *Pipeline) SendToConversation(ctx context.Context, conversationID uuid.UUID, text, senderID string) (*store.MessageData, error) {
	conv, err := p.deps.Stores.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return p.send(ctx, conv, text, senderID)
}

func (p *Pipeline) send(ctx context.Context, conv *store.ConversationData, text, senderID string) (*store.MessageData, error) {
	extID, err := p.deps.Sender.EmitMessage(ctx, conv.ChannelID, conv.ChatID, text)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	m := &store.MessageData{
		ConversationID: conv.ID,
		CompanyID:      conv.CompanyID,
		Direction:      protocol.DirectionOutbound,
		SenderID:       senderID,
		Content:        text,
		ExternalID:     extID,
	}
	// Delivered already: an error here would make callers resend.
	if err := p.deps.Stores.Messages.Create(ctx, m); err != nil {
		slog.Warn("store outbound message failed",
			"conversation_id", conv.ID, "external_id", extID, "error", err)
	}
	return m, nil
}

// CloseConversation marks the conversation closed and releases its agent's load slot.
func (p *Pipeline) CloseConversation(ctx context.Context, conversationID uuid.UUID) error {
	conv, err := p.deps.Stores.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == protocol.ConversationClosed {
		return nil
	}
	if err := p.deps.Stores.Conversations.Update(ctx, conversationID, map[string]any{"status": protocol.ConversationClosed}); err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	if conv.AssignedAgentID != nil && p.deps.Loads != nil {
		p.deps.Loads.ReleaseLoad(ctx, *conv.AssignedAgentID)
	}
	slog.Info("conversation closed", "conversation_id", conversationID)
	return nil
}
