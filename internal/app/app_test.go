package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crmnotify/internal/config"
	"crmnotify/internal/model"
	"crmnotify/internal/ops"
	"crmnotify/internal/storage"
)

const testConfig = `{
  "logging": {"level": "error"},
  "scheduler": {"tick": "50ms"},
  "storage": {"driver": "memory"},
  "rules": [{
    "id": "hot-lead", "name": "Hot lead", "trigger": "lead_update", "enabled": true,
    "conditions": [{"field": "score", "operator": "gt", "value": 70}],
    "actions": [{"kind": "notify", "recipients": ["u1"]}]
  }],
  "templates": [{
    "id": "t1", "event_kind": "lead_update", "enabled": true,
    "title_template": "Lead {name}", "message_template": "score {score}"
  }]
}`

func newTestApp(t *testing.T, body string) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crmnotify.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func startTestApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopSIGTERM)
		cancel()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEventReachesInboxAndAudit(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig)
	startTestApp(t, a)

	a.Bus().Publish(model.Event{
		ID:         "e1",
		Kind:       model.KindLeadUpdate,
		Payload:    map[string]any{"name": "Acme", "score": 90},
		OccurredAt: time.Now(),
	})
	// Below threshold: no notification.
	a.Bus().Publish(model.Event{
		ID:         "e2",
		Kind:       model.KindLeadUpdate,
		Payload:    map[string]any{"name": "Cold", "score": 10},
		OccurredAt: time.Now(),
	})

	ctx := context.Background()
	var page model.NotificationPage
	waitFor(t, "inbox entry", func() bool {
		var err error
		page, err = a.Store().ListNotifications(ctx, model.ListFilter{RecipientID: "u1"})
		return err == nil && page.Total > 0
	})
	if page.Total != 1 {
		t.Fatalf("inbox total = %d, want 1", page.Total)
	}
	n := page.Items[0]
	if n.Title != "Lead Acme" || n.Message != "score 90" || n.RuleID != "hot-lead" {
		t.Fatalf("notification = %+v", n)
	}

	var recs []storage.DeliveryRecord
	waitFor(t, "audit record", func() bool {
		var err error
		recs, err = a.Store().RecentDeliveries(ctx, 10)
		return err == nil && len(recs) > 0
	})
	r := recs[0]
	if r.NotificationID != n.ID || r.Channel != string(model.ChannelInApp) || r.Status != "sent" || r.Recipient != "u1" {
		t.Fatalf("audit = %+v", r)
	}
}

func TestScheduledEventFires(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig)
	startTestApp(t, a)

	ev := model.Event{Kind: model.KindLeadUpdate, Payload: map[string]any{"name": "Later", "score": 99}}
	id, err := a.Scheduler().Schedule(context.Background(), ev, time.Now().Add(100*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "scheduled delivery", func() bool {
		s, ok := a.Scheduler().Get(id)
		return ok && s.Status == model.StatusDelivered
	})
	waitFor(t, "inbox entry", func() bool {
		page, err := a.Store().ListNotifications(context.Background(), model.ListFilter{RecipientID: "u1"})
		return err == nil && page.Total == 1
	})
}

func TestApplyConfigSwapsCatalog(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig)
	startTestApp(t, a)

	prev := a.cfgm.Get()
	next, err := config.Decode("crmnotify.json", []byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	next.Rules[0].Enabled = false
	next.Rules = append(next.Rules, model.Rule{
		ID: "alerts", Name: "Alerts", Trigger: model.KindSystemAlert, Enabled: true,
		Actions: []model.Action{{Kind: model.ActionNotify}},
	})
	next.Preferences.Channels = map[model.Channel]bool{model.ChannelEmail: false}

	a.applyConfig(context.Background(), prev, next)

	if r, ok := a.Engine().Catalog().Rule("hot-lead"); !ok || r.Enabled {
		t.Fatalf("hot-lead = %+v, %v", r, ok)
	}
	if _, ok := a.Engine().Catalog().Rule("alerts"); !ok {
		t.Fatal("new rule not loaded")
	}
	if a.filter.Defaults().ChannelToggles[model.ChannelEmail] {
		t.Fatal("preference defaults not applied")
	}
}

func TestApplyConfigKeepsCatalogOnInvalidRules(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig)

	prev := a.cfgm.Get()
	next, err := config.Decode("crmnotify.json", []byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	next.Rules[0].Conditions[0].Operator = "between"

	a.applyConfig(context.Background(), prev, next)

	r, ok := a.Engine().Catalog().Rule("hot-lead")
	if !ok || r.Conditions[0].Operator != "gt" {
		t.Fatalf("catalog replaced by invalid rules: %+v", r)
	}
	_ = a.logs.Close()
}

func TestHealth(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig)
	startTestApp(t, a)

	h := a.health()
	if !h.OK {
		t.Fatalf("health = %+v", h)
	}
	if h.Connection != "" {
		t.Fatalf("connection = %q, want empty without a url", h.Connection)
	}
	if _, ok := h.Supervisors["app"]; !ok {
		t.Fatal("missing supervisor status")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "crmnotify.json")
	if err := os.WriteFile(path, []byte(`{"scheduler":{"timezone":"Nowhere/City"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestNoStorageFallsBackToMemoryInbox(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, `{"logging":{"level":"error"}}`)
	if a.Store() == nil {
		t.Fatal("expected in-memory inbox store")
	}
	_ = a.logs.Close()
}

func TestAdminAPI(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig)
	startTestApp(t, a)
	h := a.Ops().Handler(ops.Config{Token: "tok"})
	call := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodPost, "/api/scheduled", `{"event":{"kind":"lead_update","payload":{"name":"Soon","score":95}},"in":"100ms"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule: %d %s", rec.Code, rec.Body.String())
	}
	var sn model.ScheduledNotification
	_ = json.NewDecoder(rec.Body).Decode(&sn)
	waitFor(t, "scheduled delivery", func() bool {
		s, ok := a.Scheduler().Get(sn.ID)
		return ok && s.Status == model.StatusDelivered
	})

	var page model.NotificationPage
	waitFor(t, "inbox entry", func() bool {
		rec := call(http.MethodGet, "/api/notifications?recipient=u1", "")
		page = model.NotificationPage{}
		_ = json.NewDecoder(rec.Body).Decode(&page)
		return page.Total == 1
	})
	if page.Items[0].Title != "Lead Soon" {
		t.Fatalf("inbox = %+v", page.Items)
	}

	if rec := call(http.MethodPatch, "/api/notifications/"+page.Items[0].ID+"/read?recipient=u1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("mark read: %d %s", rec.Code, rec.Body.String())
	}
	st, _ := a.Store().Stats(context.Background(), "u1")
	if st.Unread != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if rec := call(http.MethodPost, "/api/scheduled/"+sn.ID+"/cancel", ""); !strings.Contains(rec.Body.String(), "already_fired") {
		t.Fatalf("cancel fired: %s", rec.Body.String())
	}
	if rec := call(http.MethodPost, "/api/push/token", `{"token":"x"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("push without rest: %d", rec.Code)
	}
	if rec := call(http.MethodDelete, "/api/notifications?recipient=u1", ""); !strings.Contains(rec.Body.String(), `"deleted":1`) {
		t.Fatalf("clear: %s", rec.Body.String())
	}
}
