package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"crmnotify/internal/model"
)

// Validate checks everything that can be checked without building the
// components: duration strings, bounds, timezones and enums. It is run on
// the initial load and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) { _, err := ParseDurationField(path, raw); add(err) }
	tz := func(path, raw string) {
		if s := strings.TrimSpace(raw); s != "" {
			if _, err := time.LoadLocation(s); err != nil {
				add(fmt.Errorf("%s: invalid %q: %w", path, s, err))
			}
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	c := cfg.Connection
	if s := strings.TrimSpace(c.URL); s != "" {
		u, err := url.Parse(s)
		switch {
		case err != nil:
			add(fmt.Errorf("connection.url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			add(fmt.Errorf("connection.url: scheme must be ws or wss, got %q", u.Scheme))
		}
		if strings.TrimSpace(c.SessionID) == "" {
			add(errors.New("connection.session_id is required when connection.url is set"))
		}
	}
	dur("connection.base_reconnect_delay", c.BaseReconnectDelay)
	dur("connection.max_reconnect_delay", c.MaxReconnectDelay)
	dur("connection.ping_interval", c.PingInterval)
	dur("connection.handshake_timeout", c.HandshakeTimeout)
	nonNeg("connection.max_reconnect_attempts", c.MaxReconnectAttempts)

	dur("scheduler.tick", cfg.Scheduler.Tick)
	tz("scheduler.timezone", cfg.Scheduler.Timezone)

	if r := cfg.REST; r != nil {
		if strings.TrimSpace(r.BaseURL) == "" {
			add(errors.New("rest.base_url is required when rest is set"))
		}
		dur("rest.timeout", r.Timeout)
		nonNeg("rest.rate_per_sec", r.RatePerSec)
	}

	w := cfg.Delivery.Webhook
	dur("delivery.webhook.timeout", w.Timeout)
	dur("delivery.webhook.retry_base", w.RetryBase)
	dur("delivery.webhook.retry_max_delay", w.RetryMaxDelay)
	dur("delivery.webhook.circuit_base_delay", w.CircuitBaseDelay)
	dur("delivery.webhook.circuit_max_delay", w.CircuitMaxDelay)
	dur("delivery.webhook.circuit_reset_after", w.CircuitResetAfter)
	nonNeg("delivery.webhook.retry_max", w.RetryMax)
	nonNeg("delivery.webhook.rate_per_sec", w.RatePerSec)
	if cfg.Delivery.PushEnabled && cfg.REST == nil {
		add(errors.New("delivery.push_enabled requires rest"))
	}

	nonNeg("dispatch.workers", cfg.Dispatch.Workers)
	nonNeg("dispatch.queue_size", cfg.Dispatch.QueueSize)

	p := cfg.Preferences
	tz("preferences.timezone", p.Timezone)
	tz("preferences.quiet_hours.timezone", p.QuietHours.Timezone)
	dur("preferences.cache_ttl", p.CacheTTL)
	if p.QuietHours.Enabled {
		add(clockField("preferences.quiet_hours.start_time", p.QuietHours.StartTime))
		add(clockField("preferences.quiet_hours.end_time", p.QuietHours.EndTime))
	}
	for ch := range p.Channels {
		if !ch.Valid() {
			add(fmt.Errorf("preferences.channels: unknown channel %q", ch))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "mem":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required for sqlite"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
		nonNeg("storage.max_deliveries", s.MaxDeliveries)
		nonNeg("storage.max_inbox", s.MaxInbox)
	}

	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Catalog.Source)) {
	case "", CatalogFromConfig:
	case CatalogFromRemote:
		if cfg.REST == nil {
			add(errors.New("catalog.source remote requires rest"))
		}
	default:
		add(fmt.Errorf("catalog.source: unknown %q", cfg.Catalog.Source))
	}
	dur("catalog.refresh", cfg.Catalog.Refresh)

	return errors.Join(errs...)
}

func clockField(path, raw string) error {
	if _, err := time.Parse("15:04", strings.TrimSpace(raw)); err != nil {
		return fmt.Errorf("%s: want HH:MM, got %q", path, raw)
	}
	return nil
}

// DefaultPreferences converts the preferences section into the defaults
// applied to users without stored preferences.
func (p PreferencesConfig) DefaultPreferences() model.UserPreferences {
	return model.UserPreferences{
		ChannelToggles: p.Channels,
		KindToggles:    p.Kinds,
		QuietHours:     p.QuietHours,
	}
}
