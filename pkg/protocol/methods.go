package protocol

// ProtocolVersion is bumped whenever event payloads or API response shapes change incompatibly.
const ProtocolVersion = 1

// Channel providers with a registered driver.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderTelegram = "telegram"
	ProviderDiscord  = "discord"
)

// Message directions stored on message rows.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Conversation statuses.
const (
	ConversationOpen   = "open"
	ConversationClosed = "closed"
)

// Agent availability statuses. Only "online" and "available" agents are eligible for assignment.
const (
	AgentOnline    = "online"
	AgentAvailable = "available"
	AgentBusy      = "busy"
	AgentOffline   = "offline"
)

// AliveAgentStatuses lists statuses considered alive by the agent matcher.
var AliveAgentStatuses = []string{AgentOnline, AgentAvailable}
