// Package prefs decides whether a notification may be delivered to a user on a
// channel, given the user's channel toggles, kind toggles and quiet hours.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"crmnotify/internal/model"
	logx "crmnotify/pkg/logx"
)

// ErrNoPreferences is returned by a Source that has nothing stored for a user.
// The filter then uses its defaults without logging.
var ErrNoPreferences = errors.New("no preferences for user")

// Source loads a user's preferences.
type Source interface {
	Preferences(ctx context.Context, userID string) (model.UserPreferences, error)
}

// Reasons reported by Decide.
const (
	ReasonAllowed        = "allowed"
	ReasonChannelDisable = "channel_disabled"
	ReasonKindDisabled   = "kind_disabled"
	ReasonQuietHours     = "quiet_hours"
)

type Decision struct {
	Allowed bool
	Reason  string
}

// Observer is notified of every decision.
type Observer interface {
	PreferenceDecision(channel model.Channel, reason string)
}

type Option func(*Filter)

func WithLogger(log logx.Logger) Option { return func(f *Filter) { f.log = log } }

func WithObserver(o Observer) Option { return func(f *Filter) { f.obs = o } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(f *Filter) { f.now = now } }

// WithCacheTTL sets how long a user's stored preferences are reused before
// the Source is asked again. 0 disables the cache.
func WithCacheTTL(d time.Duration) Option { return func(f *Filter) { f.ttl = d } }

const (
	defaultCacheTTL = 30 * time.Second
	maxCachedUsers  = 4096
)

type cached struct {
	prefs model.UserPreferences
	found bool
	at    time.Time
}

// Filter is safe for concurrent use. Defaults can be swapped at runtime with Apply.
type Filter struct {
	log logx.Logger
	obs Observer
	now func() time.Time
	src Source
	ttl time.Duration

	mu       sync.RWMutex
	defaults model.UserPreferences
	loc      *time.Location

	cmu   sync.Mutex
	cache map[string]cached
	// zones memoises user timezones; nil marks a name that failed to load.
	zones sync.Map
}

// New builds a filter. src may be nil, in which case every user gets defaults.
// timezone is the IANA zone used when a user's quiet hours carry none.
func New(defaults model.UserPreferences, timezone string, src Source, opts ...Option) (*Filter, error) {
	f := &Filter{src: src, now: time.Now, ttl: defaultCacheTTL, cache: map[string]cached{}}
	for _, o := range opts {
		if o != nil {
			o(f)
		}
	}
	if f.log.IsZero() {
		f.log = logx.Nop()
	}
	if err := f.Apply(defaults, timezone); err != nil {
		return nil, err
	}
	return f, nil
}

// Apply replaces the defaults and the fallback timezone.
func (f *Filter) Apply(defaults model.UserPreferences, timezone string) error {
	loc, err := loadLocation(timezone)
	if err != nil {
		return err
	}
	if defaults.QuietHours.Enabled {
		if _, err := ParseClock(defaults.QuietHours.StartTime); err != nil {
			return fmt.Errorf("default quiet hours start: %w", err)
		}
		if _, err := ParseClock(defaults.QuietHours.EndTime); err != nil {
			return fmt.Errorf("default quiet hours end: %w", err)
		}
	}
	f.mu.Lock()
	f.defaults = defaults
	f.loc = loc
	f.mu.Unlock()
	return nil
}

// Defaults returns a copy of the current default preferences.
func (f *Filter) Defaults() model.UserPreferences {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaults
}

// IsAllowed reports whether n may be delivered to userID on ch right now.
func (f *Filter) IsAllowed(ctx context.Context, userID string, n model.Notification, ch model.Channel) bool {
	return f.Decide(ctx, userID, n, ch).Allowed
}

// Decide is IsAllowed with the reason for the outcome.
func (f *Filter) Decide(ctx context.Context, userID string, n model.Notification, ch model.Channel) Decision {
	p := f.resolve(ctx, userID)
	d := f.decide(p, n, ch)
	if f.obs != nil {
		f.obs.PreferenceDecision(ch, d.Reason)
	}
	return d
}

func (f *Filter) decide(p model.UserPreferences, n model.Notification, ch model.Channel) Decision {
	if on, ok := p.ChannelToggles[ch]; ok && !on {
		return Decision{Reason: ReasonChannelDisable}
	}
	if on, ok := p.KindToggles[n.Kind]; ok && !on {
		return Decision{Reason: ReasonKindDisabled}
	}
	if p.QuietHours.Enabled && !n.Priority.BypassesQuietHours() {
		loc := f.location(p.QuietHours.Timezone)
		in, err := InWindow(f.now().In(loc), p.QuietHours.StartTime, p.QuietHours.EndTime)
		if err != nil {
			f.log.Warn("invalid quiet hours ignored", logx.String("user", p.UserID), logx.Err(err))
		} else if in {
			return Decision{Reason: ReasonQuietHours}
		}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// resolve merges a user's stored preferences over the defaults. Toggles absent
// from the user's maps inherit the default; stored quiet hours replace the
// default window entirely.
func (f *Filter) resolve(ctx context.Context, userID string) model.UserPreferences {
	def := f.Defaults()
	def.UserID = userID
	if f.src == nil || userID == "" {
		return def
	}
	up, found := f.lookup(ctx, userID)
	if !found {
		return def
	}
	out := model.UserPreferences{
		UserID:         userID,
		ChannelToggles: mergeToggles(def.ChannelToggles, up.ChannelToggles),
		KindToggles:    mergeToggles(def.KindToggles, up.KindToggles),
		QuietHours:     up.QuietHours,
	}
	if !up.QuietHours.Enabled && up.QuietHours.StartTime == "" && up.QuietHours.EndTime == "" {
		out.QuietHours = def.QuietHours
	}
	return out
}

// lookup returns the user's stored preferences, from the cache while fresh.
// Lookup failures are not cached.
func (f *Filter) lookup(ctx context.Context, userID string) (model.UserPreferences, bool) {
	now := f.now()
	if f.ttl > 0 {
		f.cmu.Lock()
		c, ok := f.cache[userID]
		f.cmu.Unlock()
		if ok && now.Sub(c.at) < f.ttl {
			return c.prefs, c.found
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	up, err := f.src.Preferences(ctx, userID)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNoPreferences) {
		f.log.Warn("preference lookup failed, using defaults", logx.String("user", userID), logx.Err(err))
		return model.UserPreferences{}, false
	}
	if f.ttl > 0 {
		f.cmu.Lock()
		if len(f.cache) >= maxCachedUsers {
			f.cache = map[string]cached{}
		}
		f.cache[userID] = cached{prefs: up, found: found, at: now}
		f.cmu.Unlock()
	}
	return up, found
}

// Forget drops the cached preferences of userID, or of every user when
// userID is empty.
func (f *Filter) Forget(userID string) {
	f.cmu.Lock()
	defer f.cmu.Unlock()
	if userID == "" {
		f.cache = map[string]cached{}
		return
	}
	delete(f.cache, userID)
}

func mergeToggles[K comparable](def, user map[K]bool) map[K]bool {
	if len(user) == 0 {
		return def
	}
	out := make(map[K]bool, len(def)+len(user))
	for k, v := range def {
		out[k] = v
	}
	for k, v := range user {
		out[k] = v
	}
	return out
}

func (f *Filter) location(name string) *time.Location {
	f.mu.RLock()
	def := f.loc
	f.mu.RUnlock()
	name = strings.TrimSpace(name)
	if name == "" {
		return def
	}
	if v, ok := f.zones.Load(name); ok {
		if loc := v.(*time.Location); loc != nil {
			return loc
		}
		return def
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		f.log.Debug("unknown user timezone", logx.String("tz", name), logx.Err(err))
		f.zones.Store(name, (*time.Location)(nil))
		return def
	}
	f.zones.Store(name, loc)
	return loc
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// InWindow reports whether the wall-clock time of now lies in [start, end).
// start > end wraps past midnight; start == end is an empty window.
func InWindow(now time.Time, start, end string) (bool, error) {
	s, err := ParseClock(start)
	if err != nil {
		return false, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return false, err
	}
	cur := now.Hour()*60 + now.Minute()
	switch {
	case s == e:
		return false, nil
	case s < e:
		return cur >= s && cur < e, nil
	default:
		return cur >= s || cur < e, nil
	}
}
