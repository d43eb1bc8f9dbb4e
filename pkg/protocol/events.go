package protocol

// Real-time event names pushed to event sink subscribers (WebSocket clients).
const (
	// Channel lifecycle.
	EventChannelStarted       = "channel.started"
	EventChannelStopped       = "channel.stopped"
	EventChannelError         = "channel.error"
	EventChannelAuthenticated = "channel.authenticated"
	EventChannelDisconnected  = "channel.disconnected"
	EventChannelQR            = "channel.qr"

	// Message flow.
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"
	EventMessageBlocked  = "message.blocked"

	// Conversation pipeline.
	EventIntentDetected = "intent.detected"
	EventAgentAssigned  = "agent.assigned"
	EventWorkflowStep   = "workflow.step"
)
