// Package authsession tracks channel pairing flows (QR scans, token checks)
// and persists the serialized driver payloads that let a paired session resume.
package authsession

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the pairing state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

var (
	ErrNotFound          = errors.New("auth session not found")
	ErrInvalidTransition = errors.New("auth session is not pending")
)

// Session is one pairing attempt for a channel.
type Session struct {
	ID          uuid.UUID      `json:"id"`
	ChannelID   uuid.UUID      `json:"channelId"`
	Provider    string         `json:"provider"`
	Status      Status         `json:"status"`
	QRCode      string         `json:"qrCode,omitempty"`
	QRCodeURL   string         `json:"qrCodeUrl,omitempty"`
	Error       string         `json:"error,omitempty"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Session) clone() *Session {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// CreateOptions are the optional fields of CreateSession.
type CreateOptions struct {
	QRCode    string
	QRCodeURL string
	TTL       time.Duration // default 15m
	Metadata  map[string]any
}
