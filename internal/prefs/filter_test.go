package prefs

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"crmnotify/internal/model"
)

func fixedClock(h, m int) func() time.Time {
	return func() time.Time { return time.Date(2026, 5, 4, h, m, 0, 0, time.UTC) }
}

func mustFilter(t *testing.T, def model.UserPreferences, src Source, now func() time.Time) *Filter {
	t.Helper()
	f, err := New(def, "UTC", src, WithClock(now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestQuietHoursAcrossMidnight(t *testing.T) {
	t.Parallel()
	def := model.UserPreferences{QuietHours: model.QuietHours{Enabled: true, StartTime: "22:00", EndTime: "07:00"}}
	f := mustFilter(t, def, nil, fixedClock(23, 30))

	medium := model.Notification{Kind: model.KindLeadUpdate, Priority: model.PriorityMedium}
	urgent := model.Notification{Kind: model.KindLeadUpdate, Priority: model.PriorityUrgent}

	if f.IsAllowed(context.Background(), "u1", medium, model.ChannelPush) {
		t.Fatal("medium notification should be suppressed at 23:30")
	}
	if !f.IsAllowed(context.Background(), "u1", urgent, model.ChannelPush) {
		t.Fatal("urgent notification should be delivered at 23:30")
	}
}

func TestInWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		start, end string
		h, m       int
		want       bool
	}{
		{"22:00", "07:00", 23, 30, true},
		{"22:00", "07:00", 3, 0, true},
		{"22:00", "07:00", 7, 0, false},
		{"22:00", "07:00", 21, 59, false},
		{"22:00", "07:00", 22, 0, true},
		{"09:00", "17:00", 12, 0, true},
		{"09:00", "17:00", 17, 0, false},
		{"09:00", "17:00", 8, 59, false},
		{"10:00", "10:00", 10, 0, false},
	}
	for _, tt := range tests {
		now := time.Date(2026, 1, 1, tt.h, tt.m, 0, 0, time.UTC)
		got, err := InWindow(now, tt.start, tt.end)
		if err != nil {
			t.Fatalf("InWindow(%s,%s): %v", tt.start, tt.end, err)
		}
		if got != tt.want {
			t.Fatalf("InWindow(%02d:%02d, %s-%s) = %v, want %v", tt.h, tt.m, tt.start, tt.end, got, tt.want)
		}
	}
}

func TestParseClockRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "7", "24:00", "12:60", "ab:cd", "12:5"} {
		if _, err := ParseClock(in); err == nil {
			t.Fatalf("ParseClock(%q) expected error", in)
		}
	}
}

func TestDecideToggles(t *testing.T) {
	t.Parallel()
	def := model.UserPreferences{
		ChannelToggles: map[model.Channel]bool{model.ChannelEmail: false},
		KindToggles:    map[model.EventKind]bool{model.KindCallEvent: false},
	}
	src := NewMemorySource()
	src.Put(model.UserPreferences{
		UserID:         "u2",
		ChannelToggles: map[model.Channel]bool{model.ChannelEmail: true, model.ChannelPush: false},
	})
	f := mustFilter(t, def, src, fixedClock(12, 0))
	ctx := context.Background()

	tests := []struct {
		name string
		user string
		kind model.EventKind
		ch   model.Channel
		want string
	}{
		{"default channel off", "u1", model.KindLeadUpdate, model.ChannelEmail, ReasonChannelDisable},
		{"user re-enables channel", "u2", model.KindLeadUpdate, model.ChannelEmail, ReasonAllowed},
		{"user disables channel", "u2", model.KindLeadUpdate, model.ChannelPush, ReasonChannelDisable},
		{"kind off inherited", "u2", model.KindCallEvent, model.ChannelInApp, ReasonKindDisabled},
		{"unset toggle allowed", "u1", model.KindSystemAlert, model.ChannelInApp, ReasonAllowed},
	}
	for _, tt := range tests {
		d := f.Decide(ctx, tt.user, model.Notification{Kind: tt.kind, Priority: model.PriorityLow}, tt.ch)
		if d.Reason != tt.want {
			t.Fatalf("%s: reason = %q, want %q", tt.name, d.Reason, tt.want)
		}
		if d.Allowed != (tt.want == ReasonAllowed) {
			t.Fatalf("%s: allowed = %v", tt.name, d.Allowed)
		}
	}
}

func TestSourceErrorFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	def := model.UserPreferences{ChannelToggles: map[model.Channel]bool{model.ChannelBrowser: false}}
	src := SourceFunc(func(context.Context, string) (model.UserPreferences, error) {
		return model.UserPreferences{}, errors.New("store down")
	})
	f := mustFilter(t, def, src, fixedClock(12, 0))
	n := model.Notification{Kind: model.KindNotification, Priority: model.PriorityHigh}
	if f.IsAllowed(context.Background(), "u1", n, model.ChannelBrowser) {
		t.Fatal("expected default toggle to apply on source error")
	}
	if !f.IsAllowed(context.Background(), "u1", n, model.ChannelInApp) {
		t.Fatal("expected in_app to be allowed")
	}
}

func TestUserTimezone(t *testing.T) {
	t.Parallel()
	src := NewMemorySource()
	src.Put(model.UserPreferences{
		UserID:     "tokyo",
		QuietHours: model.QuietHours{Enabled: true, StartTime: "22:00", EndTime: "07:00", Timezone: "Asia/Tokyo"},
	})
	// 14:30 UTC is 23:30 in Tokyo.
	f := mustFilter(t, model.UserPreferences{}, src, fixedClock(14, 30))
	n := model.Notification{Kind: model.KindTaskReminder, Priority: model.PriorityLow}
	if f.IsAllowed(context.Background(), "tokyo", n, model.ChannelInApp) {
		t.Fatal("expected suppression in the user's timezone")
	}
	if !f.IsAllowed(context.Background(), "other", n, model.ChannelInApp) {
		t.Fatal("user without quiet hours should be allowed")
	}
}

func TestMalformedQuietHoursDoNotSuppress(t *testing.T) {
	t.Parallel()
	src := NewMemorySource()
	src.Put(model.UserPreferences{UserID: "u", QuietHours: model.QuietHours{Enabled: true, StartTime: "late", EndTime: "07:00"}})
	f := mustFilter(t, model.UserPreferences{}, src, fixedClock(23, 0))
	if !f.IsAllowed(context.Background(), "u", model.Notification{Priority: model.PriorityLow}, model.ChannelInApp) {
		t.Fatal("malformed window must not suppress")
	}
}

func TestApplyValidates(t *testing.T) {
	t.Parallel()
	f := mustFilter(t, model.UserPreferences{}, nil, fixedClock(0, 0))
	if err := f.Apply(model.UserPreferences{}, "Not/AZone"); err == nil {
		t.Fatal("expected timezone error")
	}
	bad := model.UserPreferences{QuietHours: model.QuietHours{Enabled: true, StartTime: "25:00", EndTime: "07:00"}}
	if err := f.Apply(bad, "UTC"); err == nil {
		t.Fatal("expected quiet hours error")
	}
}

type recObserver struct{ reasons []string }

func (r *recObserver) PreferenceDecision(_ model.Channel, reason string) {
	r.reasons = append(r.reasons, reason)
}

func TestObserverSeesDecisions(t *testing.T) {
	t.Parallel()
	obs := &recObserver{}
	f, err := New(model.UserPreferences{}, "UTC", nil, WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	f.IsAllowed(context.Background(), "u", model.Notification{}, model.ChannelInApp)
	if len(obs.reasons) != 1 || obs.reasons[0] != ReasonAllowed {
		t.Fatalf("reasons = %v", obs.reasons)
	}
}

func TestPreferencesAreCached(t *testing.T) {
	t.Parallel()
	var (
		calls int
		fail  bool
		now   = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	)
	src := SourceFunc(func(_ context.Context, user string) (model.UserPreferences, error) {
		calls++
		switch {
		case fail:
			return model.UserPreferences{}, errors.New("store down")
		case user == "none":
			return model.UserPreferences{}, ErrNoPreferences
		}
		return model.UserPreferences{
			UserID:     user,
			QuietHours: model.QuietHours{Enabled: true, StartTime: "22:00", EndTime: "07:00", Timezone: "Asia/Tokyo"},
		}, nil
	})
	f, err := New(model.UserPreferences{}, "UTC", src, WithClock(func() time.Time { return now }), WithCacheTTL(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	n := model.Notification{Kind: model.KindLeadUpdate, Priority: model.PriorityLow}
	for _, ch := range []model.Channel{model.ChannelInApp, model.ChannelEmail, model.ChannelPush} {
		f.Decide(ctx, "u1", n, ch)
	}
	if calls != 1 {
		t.Fatalf("source calls = %d, want 1", calls)
	}
	if v, ok := f.zones.Load("Asia/Tokyo"); !ok || v.(*time.Location) == nil {
		t.Fatal("user timezone not memoised")
	}

	f.Decide(ctx, "none", n, model.ChannelInApp)
	f.Decide(ctx, "none", n, model.ChannelEmail)
	if calls != 2 {
		t.Fatalf("missing preferences not cached: calls = %d", calls)
	}

	now = now.Add(2 * time.Minute)
	f.Decide(ctx, "u1", n, model.ChannelInApp)
	if calls != 3 {
		t.Fatalf("expired entry reused: calls = %d", calls)
	}

	f.Forget("u1")
	fail = true
	f.Decide(ctx, "u1", n, model.ChannelInApp)
	f.Decide(ctx, "u1", n, model.ChannelInApp)
	if calls != 5 {
		t.Fatalf("failed lookups cached: calls = %d", calls)
	}
}

func TestCacheDisabled(t *testing.T) {
	t.Parallel()
	calls := 0
	src := SourceFunc(func(context.Context, string) (model.UserPreferences, error) {
		calls++
		return model.UserPreferences{}, ErrNoPreferences
	})
	f, err := New(model.UserPreferences{}, "UTC", src, WithCacheTTL(0))
	if err != nil {
		t.Fatal(err)
	}
	f.IsAllowed(context.Background(), "u", model.Notification{}, model.ChannelInApp)
	f.IsAllowed(context.Background(), "u", model.Notification{}, model.ChannelInApp)
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}
