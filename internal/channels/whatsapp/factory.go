package whatsapp

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/convoflow/internal/channels"
)

// whatsappCreds maps the credentials JSON of a channel row.
type whatsappCreds struct {
	BridgeURL string `json:"bridge_url"`
}

// whatsappChannelConfig maps the non-secret config JSON of a channel row.
type whatsappChannelConfig struct {
	AllowGroups bool `json:"allow_groups,omitempty"`
}

// Factory creates a WhatsApp driver from channel data.
func Factory(p channels.DriverParams) (channels.Driver, error) {
	var c whatsappCreds
	if len(p.Channel.Credentials) > 0 {
		if err := json.Unmarshal(p.Channel.Credentials, &c); err != nil {
			return nil, fmt.Errorf("decode whatsapp credentials: %w", err)
		}
	}

	var cc whatsappChannelConfig
	if len(p.Channel.Config) > 0 {
		if err := json.Unmarshal(p.Channel.Config, &cc); err != nil {
			return nil, fmt.Errorf("decode whatsapp config: %w", err)
		}
	}

	d, err := New(Config{BridgeURL: c.BridgeURL, AllowGroups: cc.AllowGroups}, p.Session, p.Hooks)
	if err != nil {
		return nil, err
	}
	return d, nil
}
