package config

import "crmnotify/internal/model"

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Connection ConnectionConfig `json:"connection"`
	Scheduler  SchedulerConfig  `json:"scheduler"`

	// REST points at the external notification store. When omitted the
	// local storage driver backs the inbox and push/email are unavailable.
	REST *RESTConfig `json:"rest,omitempty"`

	Delivery    DeliveryConfig    `json:"delivery"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Preferences PreferencesConfig `json:"preferences"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Ops         OpsConfig         `json:"ops"`

	// Catalog selects where rules and templates come from.
	Catalog   CatalogConfig    `json:"catalog"`
	Rules     []model.Rule     `json:"rules,omitempty"`
	Templates []model.Template `json:"templates,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	Level   string `json:"level,omitempty"`
}

// ConnectionConfig controls the push connection.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - base_reconnect_delay: "1s"
//   - max_reconnect_delay: "30s"
//   - max_reconnect_attempts: 5
//   - ping_interval: "30s"
//   - handshake_timeout: "10s"
type ConnectionConfig struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
	Token     string `json:"token,omitempty"` // do not log

	BaseReconnectDelay   string `json:"base_reconnect_delay,omitempty"`
	MaxReconnectDelay    string `json:"max_reconnect_delay,omitempty"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
	PingInterval         string `json:"ping_interval,omitempty"`
	HandshakeTimeout     string `json:"handshake_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Tick is how often due entries are fired. Default "1s".
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type RESTConfig struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token,omitempty"` // do not log
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type DeliveryConfig struct {
	Webhook WebhookConfig `json:"webhook"`

	BrowserEnabled bool   `json:"browser_enabled"`
	BrowserIcon    string `json:"browser_icon,omitempty"`
	// BrowserClickBase is joined with the notification id for click actions.
	BrowserClickBase string `json:"browser_click_base,omitempty"`

	PushEnabled bool `json:"push_enabled"`
}

// WebhookConfig controls outbound webhook delivery.
//
// Defaults: timeout "10s", rate_per_sec 5, retry_base "500ms", retry_max_delay "10s".
// retry_max 0 sends once.
//
// The per-host circuit opens after circuit_trip consecutive failed deliveries
// (default 5, negative disables) for circuit_base_delay, doubling up to
// circuit_max_delay. Failures older than circuit_reset_after are forgotten.
type WebhookConfig struct {
	Timeout       string `json:"timeout,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	Secret        string `json:"secret,omitempty"` // do not log

	CircuitTrip       int    `json:"circuit_trip,omitempty"`
	CircuitBaseDelay  string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay   string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter string `json:"circuit_reset_after,omitempty"`
}

type DispatchConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

// PreferencesConfig holds the defaults applied to users without stored
// preferences. Per-user preferences come from the REST store when configured.
type PreferencesConfig struct {
	Timezone   string                   `json:"timezone,omitempty"`
	Channels   map[model.Channel]bool   `json:"channels,omitempty"`
	Kinds      map[model.EventKind]bool `json:"kinds,omitempty"`
	QuietHours model.QuietHours         `json:"quiet_hours"`
	// CacheTTL is how long per-user preferences are reused. Default 30s;
	// "0s" disables the cache.
	CacheTTL string `json:"cache_ttl,omitempty"`
}

// StorageConfig controls the optional local persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./crmnotify.db" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	MaxDeliveries int    `json:"max_deliveries,omitempty"`
	MaxInbox      int    `json:"max_inbox,omitempty"` // memory driver, per recipient
}

// OpsConfig controls the operational HTTP server (/healthz, /metrics and
// optionally /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - Binding to a non-loopback address requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

const (
	CatalogFromConfig = "config"
	CatalogFromRemote = "remote"
)

type CatalogConfig struct {
	// Source is "config" (default) or "remote" (REST rules/templates).
	Source string `json:"source,omitempty"`
	// Refresh re-fetches a remote catalog; "0s" loads it once at start.
	Refresh string `json:"refresh,omitempty"`
}
