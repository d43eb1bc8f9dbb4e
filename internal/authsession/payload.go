package authsession

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/cache"
)

func payloadKey(provider string, channelID uuid.UUID) string {
	return provider + ":session:" + channelID.String()
}

// SavePayload stores the serialized driver session for channelID.
func (m *Manager) SavePayload(ctx context.Context, provider string, channelID uuid.UUID, payload []byte) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Set(ctx, payloadKey(provider, channelID), string(payload), m.cfg.PayloadTTL)
}

// LoadPayload returns the stored driver session, or ok=false when none exists.
func (m *Manager) LoadPayload(ctx context.Context, provider string, channelID uuid.UUID) (payload []byte, ok bool, err error) {
	if m.cache == nil {
		return nil, false, nil
	}
	raw, err := m.cache.Get(ctx, payloadKey(provider, channelID))
	if errors.Is(err, cache.ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(raw), true, nil
}

// DeletePayload forgets the stored driver session, forcing a fresh pairing.
func (m *Manager) DeletePayload(ctx context.Context, provider string, channelID uuid.UUID) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Del(ctx, payloadKey(provider, channelID))
}
