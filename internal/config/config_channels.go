package config

// ChannelsConfig controls the channel runtime.
type ChannelsConfig struct {
	InboundDebounceMs int     `json:"inbound_debounce_ms,omitempty"` // merge rapid messages from same sender (default 1000ms, -1 = disabled)
	RestartPauseMs    int     `json:"restart_pause_ms,omitempty"`    // default 2000
	ShutdownTimeoutMs int     `json:"shutdown_timeout_ms,omitempty"` // per driver (default 10000)
	QRTimeoutSeconds  int     `json:"qr_timeout_seconds,omitempty"`  // default 30
	RestoreWaitMs     int     `json:"restore_wait_ms,omitempty"`     // default 10000
	SendRate          float64 `json:"send_rate,omitempty"`           // outbound messages per second per channel (default 5)
	SendBurst         int     `json:"send_burst,omitempty"`          // default 10
	StartConcurrency  int     `json:"start_concurrency,omitempty"`   // default 4
	QRDir             string  `json:"qr_dir,omitempty"`              // PNG output dir, served under /public/
	QRURLPrefix       string  `json:"qr_url_prefix,omitempty"`

	// Providers lists the driver factories to register (default whatsapp, telegram, discord).
	Providers FlexibleStringSlice `json:"providers,omitempty"`
}

// GatewayConfig controls the HTTP API.
type GatewayConfig struct {
	Host           string              `json:"host"`
	Port           int                 `json:"port"`
	Token          string              `json:"-"`                         // bearer token, from env CONVOFLOW_GATEWAY_TOKEN only
	AllowedOrigins FlexibleStringSlice `json:"allowed_origins,omitempty"` // WebSocket CORS whitelist (empty = allow all)
	RateLimitRPM   int                 `json:"rate_limit_rpm,omitempty"`  // requests per minute per client (default 120, 0 = disabled)
	PublicDir      string              `json:"public_dir,omitempty"`
}
