// Package rules turns events into notifications. A Catalog holds compiled
// rules and templates; the Engine matches events against it, renders the
// notification and dispatches every action through the delivery channels,
// isolating each (rule, action, recipient) call.
package rules

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"crmnotify/internal/channels"
	"crmnotify/internal/eventbus"
	"crmnotify/internal/model"
	"crmnotify/internal/prefs"
	"crmnotify/internal/render"
	logx "crmnotify/pkg/logx"
)

// Delivery outcomes.
const (
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusSuppressed = "suppressed"
	StatusSkipped    = "skipped"
)

// Preferences decides whether a user accepts a notification on a channel.
type Preferences interface {
	Decide(ctx context.Context, userID string, n model.Notification, ch model.Channel) prefs.Decision
}

// Observer receives engine statistics.
type Observer interface {
	RuleMatched(ruleID string)
	DeliveryOutcome(ch model.Channel, status string)
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

// WithBus makes the engine publish delivery.* events.
func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.obs = o } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDs overrides notification id generation.
func WithIDs(next func() string) Option { return func(e *Engine) { e.newID = next } }

type Engine struct {
	log   logx.Logger
	cat   *Catalog
	prefs Preferences
	chans channels.Registry
	bus   eventbus.Bus
	obs   Observer
	now   func() time.Time
	newID func() string
}

// NewEngine wires an engine. p may be nil, in which case every recipient is
// allowed on every channel.
func NewEngine(cat *Catalog, p Preferences, chans channels.Registry, opts ...Option) *Engine {
	e := &Engine{cat: cat, prefs: p, chans: chans, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.chans == nil {
		e.chans = channels.Registry{}
	}
	if e.cat == nil {
		e.cat = &Catalog{}
	}
	return e
}

func (e *Engine) Catalog() *Catalog { return e.cat }

// Match is one enabled rule that matched an event, with its notification.
type Match struct {
	Rule         model.Rule
	Template     model.Template
	Notification model.Notification
}

// Evaluate returns a Match for every enabled rule whose trigger equals the
// event kind and whose conditions all hold, in catalog order.
func (e *Engine) Evaluate(_ context.Context, ev model.Event) []Match {
	var out []Match
	for _, cr := range e.cat.rulesFor(ev.Kind) {
		if !cr.rule.Enabled || !MatchAll(cr.preds, ev.Payload) {
			continue
		}
		tpl, n := e.build(cr.rule, ev)
		out = append(out, Match{Rule: cr.rule, Template: tpl, Notification: n})
		if e.obs != nil {
			e.obs.RuleMatched(cr.rule.ID)
		}
	}
	return out
}

func (e *Engine) build(r model.Rule, ev model.Event) (model.Template, model.Notification) {
	tpl, ok := e.cat.templateFor(ev.Kind, r.Actions, ev.Payload)
	if !ok {
		tpl = DefaultTemplate(ev)
	}
	out := render.Render(tpl, ev.Payload)
	pr := tpl.Priority
	if pr == "" {
		pr = ev.Priority
	}
	if pr == "" {
		pr = model.PriorityMedium
	}
	n := model.Notification{
		ID:            e.newID(),
		Title:         out.Title,
		Message:       out.Message,
		Kind:          ev.Kind,
		Priority:      pr,
		CreatedAt:     e.now().UTC(),
		RecipientIDs:  Recipients(r.Actions, ev.Payload),
		SourceEventID: ev.ID,
		RuleID:        r.ID,
		Data:          ev.Payload,
	}
	return tpl, n
}

// DefaultTemplate is used when no configured template applies: the payload's
// title (or a readable kind) and the payload's message, body or title.
func DefaultTemplate(ev model.Event) model.Template {
	title := "{title}"
	if v, ok := render.Lookup(ev.Payload, "title"); !ok || render.Format(v) == "" {
		title = humanize(string(ev.Kind))
	}
	msg := ""
	for _, k := range []string{"message", "body", "title"} {
		if _, ok := render.Lookup(ev.Payload, k); ok {
			msg = "{" + k + "}"
			break
		}
	}
	return model.Template{
		ID:              "default:" + string(ev.Kind),
		EventKind:       ev.Kind,
		TitleTemplate:   title,
		MessageTemplate: msg,
		Enabled:         true,
	}
}

func humanize(kind string) string {
	s := strings.ReplaceAll(kind, "_", " ")
	s = strings.ReplaceAll(s, ".", " ")
	if s == "" {
		return "Notification"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Recipients is the union of the actions' recipients in first-seen order;
// when none are configured it falls back to payload recipientIds / userId.
func Recipients(actions []model.Action, payload map[string]any) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, a := range actions {
		for _, r := range a.Recipients {
			add(r)
		}
	}
	if len(out) > 0 {
		return out
	}
	if v, ok := render.Lookup(payload, "recipientIds"); ok {
		if list, ok := toList(v); ok {
			for _, x := range list {
				add(render.Format(x))
			}
		}
	}
	if v, ok := render.Lookup(payload, "userId"); ok {
		add(render.Format(v))
	}
	return out
}

// DeliveryResult is the outcome of one (action, channel, recipient) call.
type DeliveryResult struct {
	RuleID    string           `json:"rule_id,omitempty"`
	Action    model.ActionKind `json:"action"`
	Channel   model.Channel    `json:"channel"`
	Recipient string           `json:"recipient,omitempty"`
	Status    string           `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	Err       string           `json:"error,omitempty"`
}

type DispatchReport struct {
	NotificationID string           `json:"notification_id"`
	Results        []DeliveryResult `json:"results"`
}

// Count returns how many results have status.
func (r DispatchReport) Count(status string) int {
	n := 0
	for _, x := range r.Results {
		if x.Status == status {
			n++
		}
	}
	return n
}

// Dispatch executes actions for n. Failures are isolated per call and never
// returned; they are visible in the report, the log and on the bus.
func (e *Engine) Dispatch(ctx context.Context, n model.Notification, actions []model.Action) DispatchReport {
	if ctx == nil {
		ctx = context.Background()
	}
	rep := DispatchReport{NotificationID: n.ID}
	for _, a := range actions {
		switch a.Kind {
		case model.ActionNotify:
			if len(n.RecipientIDs) == 0 {
				rep.Results = append(rep.Results, e.deliver(ctx, n, a, model.ChannelInApp, "", true))
				continue
			}
			for _, r := range n.RecipientIDs {
				rep.Results = append(rep.Results, e.deliver(ctx, n, a, model.ChannelInApp, r, true))
				for _, opt := range []model.Channel{model.ChannelBrowser, model.ChannelPush} {
					if _, ok := e.chans.Get(opt); ok {
						rep.Results = append(rep.Results, e.deliver(ctx, n, a, opt, r, true))
					}
				}
			}
		case model.ActionEmail:
			for _, r := range n.RecipientIDs {
				rep.Results = append(rep.Results, e.deliver(ctx, n, a, model.ChannelEmail, r, true))
			}
		case model.ActionWebhook:
			rep.Results = append(rep.Results, e.deliver(ctx, n, a, model.ChannelWebhook, "", false))
		default:
			e.log.Warn("unknown action skipped", logx.String("rule", n.RuleID), logx.String("action", string(a.Kind)))
		}
	}
	return rep
}

func (e *Engine) deliver(ctx context.Context, n model.Notification, a model.Action, ch model.Channel, recipient string, filtered bool) (res DeliveryResult) {
	res = DeliveryResult{RuleID: n.RuleID, Action: a.Kind, Channel: ch, Recipient: recipient}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Err = fmt.Sprintf("panic: %v", r)
			e.log.Error("delivery panicked",
				logx.String("rule", n.RuleID),
				logx.String("channel", string(ch)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
		e.report(n, res)
	}()

	if filtered && recipient != "" && e.prefs != nil {
		d := e.prefs.Decide(ctx, recipient, n, ch)
		if !d.Allowed {
			res.Status, res.Reason = StatusSuppressed, d.Reason
			return res
		}
	}
	c, ok := e.chans.Get(ch)
	if !ok {
		res.Status, res.Err = StatusFailed, fmt.Sprintf("channel %s is not configured", ch)
		return res
	}
	if err := c.Deliver(ctx, channels.Delivery{Notification: n, Recipient: recipient, Action: a}); err != nil {
		res.Status, res.Err = StatusFailed, err.Error()
		return res
	}
	res.Status = StatusSent
	return res
}

func (e *Engine) report(n model.Notification, res DeliveryResult) {
	if e.obs != nil {
		e.obs.DeliveryOutcome(res.Channel, res.Status)
	}
	fields := []logx.Field{
		logx.String("notification", n.ID),
		logx.String("rule", res.RuleID),
		logx.String("action", string(res.Action)),
		logx.String("channel", string(res.Channel)),
		logx.String("recipient", res.Recipient),
	}
	var kind model.EventKind
	switch res.Status {
	case StatusSent:
		kind = model.KindDeliverySent
		e.log.Debug("delivered", fields...)
	case StatusSuppressed:
		kind = model.KindDeliverySuppressed
		e.log.Debug("delivery suppressed", append(fields, logx.String("reason", res.Reason))...)
	default:
		kind = model.KindDeliveryFailed
		e.log.Warn("delivery failed", append(fields, logx.String("err", res.Err))...)
	}
	if e.bus == nil {
		return
	}
	payload := map[string]any{
		"notificationId": n.ID,
		"ruleId":         res.RuleID,
		"action":         string(res.Action),
		"channel":        string(res.Channel),
		"recipient":      res.Recipient,
		"status":         res.Status,
		"kind":           string(n.Kind),
	}
	if res.Reason != "" {
		payload["reason"] = res.Reason
	}
	if res.Err != "" {
		payload["error"] = res.Err
	}
	e.bus.Publish(model.Event{ID: e.newID(), Kind: kind, Payload: payload, OccurredAt: e.now().UTC(), Priority: n.Priority})
}

// Handle evaluates ev and dispatches every match. One rule's failures never
// affect another's.
func (e *Engine) Handle(ctx context.Context, ev model.Event) []DispatchReport {
	matches := e.Evaluate(ctx, ev)
	out := make([]DispatchReport, 0, len(matches))
	for _, m := range matches {
		out = append(out, e.Dispatch(ctx, m.Notification, m.Rule.Actions))
	}
	return out
}
