package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crmnotify/internal/model"
)

const sampleYAML = `
logging:
  level: debug
  console: true
connection:
  url: wss://crm.example.com/push
  session_id: s1
  max_reconnect_attempts: 3
scheduler:
  tick: 1s
  timezone: UTC
preferences:
  timezone: Europe/Berlin
  channels:
    email: false
  quiet_hours:
    enabled: true
    start_time: "22:00"
    end_time: "07:00"
storage:
  driver: memory
rules:
  - id: hot-lead
    name: Hot lead
    trigger: lead_update
    enabled: true
    conditions:
      - {field: score, operator: gt, value: 70}
    actions:
      - {kind: notify, recipients: [u1]}
templates:
  - id: t1
    event_kind: lead_update
    title_template: "Lead {name}"
    message_template: "score {score}"
    enabled: true
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("crmnotify.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Connection.MaxReconnectAttempts != 3 || cfg.Logging.Level != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Conditions[0].Value != float64(70) {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
	if cfg.Preferences.Channels[model.ChannelEmail] {
		t.Fatal("email should be disabled")
	}
	def := cfg.Preferences.DefaultPreferences()
	if !def.QuietHours.Enabled || def.QuietHours.StartTime != "22:00" {
		t.Fatalf("defaults = %+v", def)
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body, want string
	}{
		{"unknown top-level key", "c.json", `{"telegram":{}}`, "unknown field"},
		{"unknown nested key", "c.json", `{"connection":{"retries":3}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"yaml unknown key", "c.yml", "ops:\n  port: 1\n", "unknown field"},
		{"bad yaml", "c.yaml", "a: [", "yaml"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.file, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Decode = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad duration", func(c *Config) { c.Connection.PingInterval = "soon" }, "connection.ping_interval"},
		{"negative duration", func(c *Config) { c.Scheduler.Tick = "-1s" }, "scheduler.tick"},
		{"http url", func(c *Config) { c.Connection.URL = "http://x" }, "scheme"},
		{"missing session", func(c *Config) { c.Connection.SessionID = " " }, "session_id"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad quiet hours", func(c *Config) {
			c.Preferences.QuietHours = model.QuietHours{Enabled: true, StartTime: "25:00", EndTime: "07:00"}
		}, "start_time"},
		{"unknown channel", func(c *Config) { c.Preferences.Channels = map[model.Channel]bool{"sms": true} }, "sms"},
		{"sqlite without path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"unknown driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "storage.driver"},
		{"remote catalog without rest", func(c *Config) { c.Catalog.Source = "remote" }, "requires rest"},
		{"push without rest", func(c *Config) { c.Delivery.PushEnabled = true }, "requires rest"},
		{"negative workers", func(c *Config) { c.Dispatch.Workers = -1 }, "dispatch.workers"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Connection: ConnectionConfig{URL: "ws://crm.test/push", SessionID: "s1"}}
			tc.mut(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Validate = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	old := &Config{Connection: ConnectionConfig{URL: "ws://a", Token: "x"}}
	cur := &Config{
		Connection: ConnectionConfig{URL: "ws://a", Token: "y"},
		Logging:    LoggingConfig{Level: "debug"},
		Rules:      []model.Rule{{ID: "r1"}},
		Storage:    &StorageConfig{Driver: "memory"},
	}
	sections, attrs := SummarizeChange(old, cur)
	if got := strings.Join(sections, ","); got != "catalog,connection,logging,storage" {
		t.Fatalf("sections = %s", got)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := strings.Join(RestartRequired(sections), ","); got != "connection,storage" {
		t.Fatalf("restart = %s", got)
	}
	if s, _ := SummarizeChange(cur, cur); len(s) != 0 {
		t.Fatalf("identical configs changed %v", s)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
		err  bool
	}{
		{"", 5 * time.Second, false},
		{"0s", 5 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{" 2m ", 2 * time.Minute, false},
		{"-1s", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("x", tc.raw, 5*time.Second)
		if (err != nil) != tc.err || got != tc.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, %v", tc.raw, got, err)
		}
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "crmnotify.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	write(`{"scheduler":{"tick":"nope"}}`)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
	if m.Get().Logging.Level != "info" {
		t.Fatal("rejected reload replaced the committed config")
	}

	write(`{"logging":{"level":"debug"}}`)
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published %+v", cfg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid reload not published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("reload not committed")
	}
}
