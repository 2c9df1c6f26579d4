package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crmnotify/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"connection": true,
	"rest":       true,
	"storage":    true,
	"dispatch":   true,
}

// SummarizeChange returns (1) a sorted list of changed sections and (2) safe
// structured attrs for logging. Tokens and secrets are never included, only
// whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oc, nc := oldCfg.Connection, newCfg.Connection
	if strings.TrimSpace(oc.URL) != strings.TrimSpace(nc.URL) ||
		oc.SessionID != nc.SessionID ||
		oc.Token != nc.Token ||
		oc.BaseReconnectDelay != nc.BaseReconnectDelay ||
		oc.MaxReconnectDelay != nc.MaxReconnectDelay ||
		oc.MaxReconnectAttempts != nc.MaxReconnectAttempts ||
		oc.PingInterval != nc.PingInterval ||
		oc.HandshakeTimeout != nc.HandshakeTimeout {
		changed = append(changed, "connection")
		attrs = append(attrs,
			logx.String("connection.url", strings.TrimSpace(nc.URL)),
			logx.Bool("connection.token_set", nc.Token != ""),
			logx.Int("connection.max_reconnect_attempts", nc.MaxReconnectAttempts),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.REST, newCfg.REST) {
		changed = append(changed, "rest")
		if newCfg.REST != nil {
			attrs = append(attrs,
				logx.String("rest.base_url", newCfg.REST.BaseURL),
				logx.Bool("rest.token_set", newCfg.REST.Token != ""),
			)
		} else {
			attrs = append(attrs, logx.Bool("rest.enabled", false))
		}
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Bool("delivery.browser_enabled", newCfg.Delivery.BrowserEnabled),
			logx.Bool("delivery.push_enabled", newCfg.Delivery.PushEnabled),
			logx.Int("delivery.webhook.retry_max", newCfg.Delivery.Webhook.RetryMax),
			logx.Bool("delivery.webhook.secret_set", newCfg.Delivery.Webhook.Secret != ""),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Preferences, newCfg.Preferences) {
		changed = append(changed, "preferences")
		attrs = append(attrs,
			logx.String("preferences.timezone", newCfg.Preferences.Timezone),
			logx.Bool("preferences.quiet_hours", newCfg.Preferences.QuietHours.Enabled),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}

	if oldCfg.Catalog != newCfg.Catalog ||
		hashJSON(oldCfg.Rules) != hashJSON(newCfg.Rules) ||
		hashJSON(oldCfg.Templates) != hashJSON(newCfg.Templates) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.String("catalog.source", newCfg.Catalog.Source),
			logx.Int("catalog.rules", len(newCfg.Rules)),
			logx.Int("catalog.templates", len(newCfg.Templates)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections down to those a reload cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
