package telegram

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/convoflow/internal/channels"
)

// telegramCreds maps the credentials JSON of a channel row.
type telegramCreds struct {
	Token string `json:"token"`
	Proxy string `json:"proxy,omitempty"`
}

// telegramChannelConfig maps the non-secret config JSON of a channel row.
type telegramChannelConfig struct {
	AllowGroups bool `json:"allow_groups,omitempty"`
}

// Factory creates a Telegram driver from channel data.
func Factory(p channels.DriverParams) (channels.Driver, error) {
	var c telegramCreds
	if len(p.Channel.Credentials) > 0 {
		if err := json.Unmarshal(p.Channel.Credentials, &c); err != nil {
			return nil, fmt.Errorf("decode telegram credentials: %w", err)
		}
	}
	if c.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	var cc telegramChannelConfig
	if len(p.Channel.Config) > 0 {
		if err := json.Unmarshal(p.Channel.Config, &cc); err != nil {
			return nil, fmt.Errorf("decode telegram config: %w", err)
		}
	}

	d, err := New(Config{Token: c.Token, Proxy: c.Proxy, AllowGroups: cc.AllowGroups}, p.Hooks)
	if err != nil {
		return nil, err
	}
	return d, nil
}
