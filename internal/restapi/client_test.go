package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"crmnotify/internal/model"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   string
}

type fakeStore struct {
	mu    sync.Mutex
	calls []recorded
}

func (f *fakeStore) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return recorded{}
	}
	return f.calls[len(f.calls)-1]
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *fakeStore) {
	t.Helper()
	fs := &fakeStore{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.calls = append(fs.calls, recorded{
			method: r.Method,
			path:   r.URL.EscapedPath(),
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			body:   string(b),
		})
		fs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", Token: "secret", Timeout: 2 * time.Second}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fs
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "not a url", "/relative"} {
		if _, err := New(Config{BaseURL: in}); err == nil {
			t.Fatalf("New(%q) expected error", in)
		}
	}
}

func TestListNotificationsQuery(t *testing.T) {
	t.Parallel()
	c, fs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items":[{"id":"n1","title":"t","kind":"lead_update"}],"total":1}`)
	})

	page, err := c.ListNotifications(context.Background(), model.ListFilter{
		Page: 2, Limit: 500, UnreadOnly: true, Kind: model.KindLeadUpdate, Days: 7, RecipientID: "u1",
	})
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != "n1" {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Page != 2 || page.Limit != 100 {
		t.Fatalf("paging not normalised: %+v", page)
	}
	got := fs.last()
	if got.method != http.MethodGet || got.path != "/notifications" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	want := "days=7&limit=100&page=2&type=lead_update&unread_only=true&userId=u1"
	if got.query != want {
		t.Fatalf("query = %q, want %q", got.query, want)
	}
	if got.auth != "Bearer secret" {
		t.Fatalf("auth = %q", got.auth)
	}
}

func TestEndpointsMethodAndPath(t *testing.T) {
	t.Parallel()
	c, fs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{}`)
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		call   func() error
		method string
		path   string
	}{
		{"save", func() error { return c.SaveNotification(ctx, model.Notification{ID: "n1"}, "u1") }, http.MethodPost, "/notifications"},
		{"mark read", func() error { return c.MarkRead(ctx, "", "n/1") }, http.MethodPatch, "/notifications/n%2F1/read"},
		{"mark all", func() error { _, err := c.MarkAllRead(ctx, ""); return err }, http.MethodPatch, "/notifications/read-all"},
		{"delete", func() error { return c.DeleteNotification(ctx, "", "n1") }, http.MethodDelete, "/notifications/n1"},
		{"clear", func() error { _, err := c.ClearAll(ctx, ""); return err }, http.MethodDelete, "/notifications/clear-all"},
		{"get prefs", func() error { _, err := c.Preferences(ctx, "u1"); return err }, http.MethodGet, "/notifications/preferences/u1"},
		{"put prefs", func() error { return c.UpdatePreferences(ctx, model.UserPreferences{UserID: "u1"}) }, http.MethodPut, "/notifications/preferences/u1"},
		{"list templates", func() error { _, err := c.ListTemplates(ctx); return err }, http.MethodGet, "/notifications/templates"},
		{"get template", func() error { _, err := c.GetTemplate(ctx, "t1"); return err }, http.MethodGet, "/notifications/templates/t1"},
		{"create template", func() error { _, err := c.CreateTemplate(ctx, model.Template{}); return err }, http.MethodPost, "/notifications/templates"},
		{"update template", func() error { _, err := c.UpdateTemplate(ctx, model.Template{ID: "t1"}); return err }, http.MethodPut, "/notifications/templates/t1"},
		{"delete template", func() error { return c.DeleteTemplate(ctx, "t1") }, http.MethodDelete, "/notifications/templates/t1"},
		{"list rules", func() error { _, err := c.ListRules(ctx); return err }, http.MethodGet, "/notifications/rules"},
		{"get rule", func() error { _, err := c.GetRule(ctx, "r1"); return err }, http.MethodGet, "/notifications/rules/r1"},
		{"create rule", func() error { _, err := c.CreateRule(ctx, model.Rule{}); return err }, http.MethodPost, "/notifications/rules"},
		{"update rule", func() error { _, err := c.UpdateRule(ctx, model.Rule{ID: "r1"}); return err }, http.MethodPut, "/notifications/rules/r1"},
		{"delete rule", func() error { return c.DeleteRule(ctx, "r1") }, http.MethodDelete, "/notifications/rules/r1"},
		{"test rule", func() error { _, err := c.TestRule(ctx, "r1", map[string]any{"score": 1}); return err }, http.MethodPost, "/notifications/rules/r1/test"},
		{"list scheduled", func() error { _, err := c.ListScheduled(ctx, ""); return err }, http.MethodGet, "/notifications/scheduled"},
		{"schedule", func() error { _, err := c.Schedule(ctx, model.Event{}, time.Now()); return err }, http.MethodPost, "/notifications/scheduled"},
		{"cancel", func() error { return c.CancelScheduled(ctx, "s1") }, http.MethodPost, "/notifications/scheduled/s1/cancel"},
		{"push token", func() error { return c.RegisterPushToken(ctx, "tok", "web") }, http.MethodPost, "/notifications/push-token"},
		{"push", func() error { return c.SendPush(ctx, PushMessage{Token: "tok"}) }, http.MethodPost, "/notifications/push"},
		{"test push", func() error { return c.SendTestPush(ctx) }, http.MethodPost, "/notifications/test-push"},
		{"email", func() error { return c.SendEmail(ctx, EmailMessage{RecipientID: "u1"}) }, http.MethodPost, "/notifications/email"},
		{"stats", func() error { _, err := c.Stats(ctx); return err }, http.MethodGet, "/notifications/stats"},
	}
	for _, tt := range tests {
		if err := tt.call(); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		got := fs.last()
		if got.method != tt.method || got.path != tt.path {
			t.Fatalf("%s: got %s %s, want %s %s", tt.name, got.method, got.path, tt.method, tt.path)
		}
	}
}

func TestSaveNotificationAddressesRecipient(t *testing.T) {
	t.Parallel()
	c, fs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) })
	n := model.Notification{ID: "n1", Title: "hi", RecipientIDs: []string{"a", "b"}}
	if err := c.SaveNotification(context.Background(), n, "b"); err != nil {
		t.Fatal(err)
	}
	var body model.Notification
	if err := json.Unmarshal([]byte(fs.last().body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.RecipientIDs) != 1 || body.RecipientIDs[0] != "b" {
		t.Fatalf("recipients = %v", body.RecipientIDs)
	}
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/notifications/preferences/ghost" {
			http.Error(w, `{"error":"no such user"}`, http.StatusNotFound)
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.Preferences(context.Background(), "ghost")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound || !errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Retryable() {
		t.Fatal("404 should not be retryable")
	}

	err = c.SendTestPush(context.Background())
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || !apiErr.Retryable() {
		t.Fatalf("expected retryable 502, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("502 must not match ErrNotFound")
	}
}

func TestEnvelopeIsUnwrapped(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"data":{"total":4,"unread":1,"by_kind":{"lead_update":4},"by_priority":{},"scheduled_pending":2}}`)
	})
	st, err := c.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 4 || st.Unread != 1 || st.ScheduledPending != 2 || st.ByKind[model.KindLeadUpdate] != 4 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestUpdatePreferencesNeedsUser(t *testing.T) {
	t.Parallel()
	c, fs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := c.UpdatePreferences(context.Background(), model.UserPreferences{}); err == nil {
		t.Fatal("expected error")
	}
	if len(fs.calls) != 0 {
		t.Fatal("no request should be sent")
	}
}
