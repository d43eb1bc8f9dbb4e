package discord

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/convoflow/internal/channels"
)

// discordCreds maps the credentials JSON of a channel row.
type discordCreds struct {
	Token string `json:"token"`
}

// discordChannelConfig maps the non-secret config JSON of a channel row.
type discordChannelConfig struct {
	RequireMention *bool `json:"require_mention,omitempty"`
}

// Factory creates a Discord driver from channel data.
func Factory(p channels.DriverParams) (channels.Driver, error) {
	var c discordCreds
	if len(p.Channel.Credentials) > 0 {
		if err := json.Unmarshal(p.Channel.Credentials, &c); err != nil {
			return nil, fmt.Errorf("decode discord credentials: %w", err)
		}
	}
	if c.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}

	var cc discordChannelConfig
	if len(p.Channel.Config) > 0 {
		if err := json.Unmarshal(p.Channel.Config, &cc); err != nil {
			return nil, fmt.Errorf("decode discord config: %w", err)
		}
	}
	requireMention := true
	if cc.RequireMention != nil {
		requireMention = *cc.RequireMention
	}

	d, err := New(Config{Token: c.Token, RequireMention: requireMention}, p.Hooks)
	if err != nil {
		return nil, err
	}
	return d, nil
}
