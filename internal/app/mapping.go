package app

import (
	"strings"
	"time"

	"crmnotify/internal/channels"
	"crmnotify/internal/config"
	"crmnotify/internal/connection"
	"crmnotify/internal/ops"
	"crmnotify/internal/restapi"
	"crmnotify/internal/rules"
	"crmnotify/internal/scheduler"
	"crmnotify/internal/storage"
	logx "crmnotify/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
			Level:   cfg.Logging.File.Level,
		},
	}
}

// mapConnectionConfig returns ok=false when no push URL is configured.
func mapConnectionConfig(cfg *config.Config) (connection.Config, bool, error) {
	c := cfg.Connection
	if strings.TrimSpace(c.URL) == "" {
		return connection.Config{}, false, nil
	}
	out := connection.Config{
		URL:                  strings.TrimSpace(c.URL),
		Token:                c.Token,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
	}
	var err error
	if out.BaseReconnectDelay, err = config.ParseDurationField("connection.base_reconnect_delay", c.BaseReconnectDelay); err != nil {
		return out, false, err
	}
	if out.MaxReconnectDelay, err = config.ParseDurationField("connection.max_reconnect_delay", c.MaxReconnectDelay); err != nil {
		return out, false, err
	}
	if out.PingInterval, err = config.ParseDurationField("connection.ping_interval", c.PingInterval); err != nil {
		return out, false, err
	}
	if out.HandshakeTimeout, err = config.ParseDurationField("connection.handshake_timeout", c.HandshakeTimeout); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Tick: tick, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}, nil
}

// mapRESTConfig returns ok=false when the external store is not configured.
func mapRESTConfig(cfg *config.Config) (restapi.Config, bool, error) {
	r := cfg.REST
	if r == nil {
		return restapi.Config{}, false, nil
	}
	timeout, err := config.ParseDurationField("rest.timeout", r.Timeout)
	if err != nil {
		return restapi.Config{}, false, err
	}
	return restapi.Config{
		BaseURL:    r.BaseURL,
		Token:      r.Token,
		Timeout:    timeout,
		RatePerSec: r.RatePerSec,
	}, true, nil
}

func mapWebhookConfig(cfg *config.Config) (channels.WebhookConfig, error) {
	w := cfg.Delivery.Webhook
	out := channels.WebhookConfig{RatePerSec: w.RatePerSec, RetryMax: w.RetryMax, Secret: w.Secret}
	var err error
	if out.Timeout, err = config.ParseDurationField("delivery.webhook.timeout", w.Timeout); err != nil {
		return out, err
	}
	if out.RetryBase, err = config.ParseDurationField("delivery.webhook.retry_base", w.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("delivery.webhook.retry_max_delay", w.RetryMaxDelay); err != nil {
		return out, err
	}
	out.Circuit.Trip = w.CircuitTrip
	if out.Circuit.BaseDelay, err = config.ParseDurationField("delivery.webhook.circuit_base_delay", w.CircuitBaseDelay); err != nil {
		return out, err
	}
	if out.Circuit.MaxDelay, err = config.ParseDurationField("delivery.webhook.circuit_max_delay", w.CircuitMaxDelay); err != nil {
		return out, err
	}
	if out.Circuit.ResetAfter, err = config.ParseDurationField("delivery.webhook.circuit_reset_after", w.CircuitResetAfter); err != nil {
		return out, err
	}
	return out, nil
}

func mapBrowserConfig(cfg *config.Config) channels.BrowserConfig {
	return channels.BrowserConfig{
		Icon:      cfg.Delivery.BrowserIcon,
		ClickBase: cfg.Delivery.BrowserClickBase,
	}
}

// mapPrefsCacheTTL keeps an explicit "0s" as "no cache"; only an empty value
// takes the default.
func mapPrefsCacheTTL(cfg *config.Config) (time.Duration, error) {
	if strings.TrimSpace(cfg.Preferences.CacheTTL) == "" {
		return 30 * time.Second, nil
	}
	return config.ParseDurationField("preferences.cache_ttl", cfg.Preferences.CacheTTL)
}

// mapStorageConfig returns ok=false when storage is omitted or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:        driver,
		Path:          strings.TrimSpace(sc.Path),
		BusyTimeout:   busy,
		MaxDeliveries: sc.MaxDeliveries,
		MaxInbox:      sc.MaxInbox,
	}, true, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 2*time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Pprof:         o.Pprof,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) rules.DispatcherConfig {
	return rules.DispatcherConfig{Workers: cfg.Dispatch.Workers, QueueSize: cfg.Dispatch.QueueSize}
}

// catalogSource returns the normalized source and refresh interval.
func catalogSource(cfg *config.Config) (string, time.Duration, error) {
	src := strings.ToLower(strings.TrimSpace(cfg.Catalog.Source))
	if src == "" {
		src = config.CatalogFromConfig
	}
	refresh, err := config.ParseDurationField("catalog.refresh", cfg.Catalog.Refresh)
	return src, refresh, err
}
