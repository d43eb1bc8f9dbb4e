// Package channels owns the live messaging sessions of every active channel.
//
// A Driver speaks one provider's protocol (WhatsApp Web bridge, Telegram Bot
// API, Discord gateway). The Runtime keeps at most one driver per channel id,
// turns driver callbacks into auth-session transitions and events, coalesces
// bursts of inbound messages per sender, and paces outbound sends.
package channels

import (
	"context"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// Driver is one live provider session.
type Driver interface {
	// Start connects the session. ctx stays valid for the whole session lifetime
	// and is cancelled after Destroy returns.
	Start(ctx context.Context) error

	// Destroy releases the session. Errors are logged by the runtime, never propagated.
	Destroy(ctx context.Context) error

	// Send delivers content to a chat and returns the provider's message id.
	Send(ctx context.Context, chatID, content string) (string, error)

	// SetTyping toggles the typing indicator in chatID.
	SetTyping(ctx context.Context, chatID string, on bool) error

	IsConnected() bool
	IsAuthenticated() bool
}

// QRDriver is implemented by drivers that pair by scanning a code.
type QRDriver interface {
	Driver
	// RequestQR asks the provider for a fresh pairing code, delivered later through DriverHooks.OnQR.
	RequestQR(ctx context.Context) error
}

// SessionRestorer is implemented by drivers that resume a stored session
// asynchronously after Start.
type SessionRestorer interface {
	// Restoring reports whether a stored session was handed to the provider
	// and no verdict has arrived yet.
	Restoring() bool
}

// DriverHooks are the callbacks a driver uses to report session activity.
// All hooks are safe to call from any goroutine, including during Start.
type DriverHooks struct {
	OnMessage       func(msg bus.InboundMessage)
	OnQR            func(code string)
	OnAuthenticated func(payload []byte)
	OnAuthFailure   func(reason string)
	OnDisconnected  func(reason string)
}

// DriverParams is everything a factory needs to build a driver.
type DriverParams struct {
	Channel store.ChannelData
	// Session is the serialized payload saved by an earlier OnAuthenticated, or nil.
	Session []byte
	Hooks   DriverHooks
}

// DriverFactory builds a driver for one channel.
type DriverFactory func(p DriverParams) (Driver, error)
