// Package model holds the data types shared by the notification subsystem:
// events, notifications, templates, rules, preferences and scheduled entries.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind identifies what happened. Application kinds arrive from the push
// connection or from the scheduler; lifecycle kinds are emitted by the
// subsystem itself.
type EventKind string

const (
	KindNotification    EventKind = "notification"
	KindLeadUpdate      EventKind = "lead_update"
	KindCallEvent       EventKind = "call_event"
	KindMessageReceived EventKind = "message_received"
	KindTaskReminder    EventKind = "task_reminder"
	KindSystemAlert     EventKind = "system_alert"

	KindConnected        EventKind = "connection.connected"
	KindDisconnected     EventKind = "connection.disconnected"
	KindReconnecting     EventKind = "connection.reconnecting"
	KindExhaustedRetries EventKind = "connection.exhausted_retries"

	KindDeliverySent       EventKind = "delivery.sent"
	KindDeliveryFailed     EventKind = "delivery.failed"
	KindDeliverySuppressed EventKind = "delivery.suppressed"
	KindScheduledFired     EventKind = "scheduled.fired"
)

// ApplicationKinds are the kinds that carry business events and are fed into
// the rule engine.
var ApplicationKinds = []EventKind{
	KindNotification,
	KindLeadUpdate,
	KindCallEvent,
	KindMessageReceived,
	KindTaskReminder,
	KindSystemAlert,
}

// IsApplication reports whether k is one of ApplicationKinds.
func (k EventKind) IsApplication() bool {
	for _, a := range ApplicationKinds {
		if a == k {
			return true
		}
	}
	return false
}

// ParseEventKind maps an inbound transport message type onto a kind.
func ParseEventKind(s string) (EventKind, bool) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.IsApplication()
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// BypassesQuietHours reports whether p is delivered inside a quiet-hours window.
func (p Priority) BypassesQuietHours() bool { return p == PriorityHigh || p == PriorityUrgent }

// ParsePriority normalises s, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

// Channel is a delivery mechanism for a notification.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelBrowser Channel = "browser"
	ChannelPush    Channel = "push"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelBrowser, ChannelPush, ChannelEmail, ChannelWebhook:
		return true
	}
	return false
}

// Event is a NotificationEvent: a typed occurrence flowing through the bus.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Priority   Priority       `json:"priority"`
}

// Notification is what a matching rule produces and what users see.
type Notification struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Kind          EventKind      `json:"kind"`
	Priority      Priority       `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	ReadAt        *time.Time     `json:"read_at,omitempty"`
	RecipientIDs  []string       `json:"recipient_ids"`
	SourceEventID string         `json:"source_event_id,omitempty"`
	RuleID        string         `json:"rule_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// IsRead reports whether ReadAt is set.
func (n Notification) IsRead() bool { return n.ReadAt != nil }

// HasRecipient reports whether id is one of n's recipients.
func (n Notification) HasRecipient(id string) bool {
	for _, r := range n.RecipientIDs {
		if r == id {
			return true
		}
	}
	return false
}

// Condition is a single field/operator/value test against an event payload.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Template turns an event payload into a title and a message.
type Template struct {
	ID              string      `json:"id"`
	EventKind       EventKind   `json:"event_kind"`
	TitleTemplate   string      `json:"title_template"`
	MessageTemplate string      `json:"message_template"`
	Priority        Priority    `json:"priority,omitempty"`
	Enabled         bool        `json:"enabled"`
	Conditions      []Condition `json:"conditions,omitempty"`
}

type ActionKind string

const (
	ActionNotify  ActionKind = "notify"
	ActionEmail   ActionKind = "email"
	ActionWebhook ActionKind = "webhook"
)

type Action struct {
	Kind       ActionKind `json:"kind"`
	TemplateID string     `json:"template_id,omitempty"`
	Recipients []string   `json:"recipients,omitempty"`
	WebhookURL string     `json:"webhook_url,omitempty"`
}

// Rule is a trigger-condition-action tuple.
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Trigger    EventKind   `json:"trigger"`
	Conditions []Condition `json:"conditions,omitempty"`
	Actions    []Action    `json:"actions"`
	Enabled    bool        `json:"enabled"`
}

// QuietHours is a daily window ("HH:MM" bounds) during which only high and
// urgent notifications are delivered.
type QuietHours struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	// Timezone is an IANA name; empty falls back to the configured default.
	Timezone string `json:"timezone,omitempty"`
}

type UserPreferences struct {
	UserID         string             `json:"user_id,omitempty"`
	ChannelToggles map[Channel]bool   `json:"channels,omitempty"`
	KindToggles    map[EventKind]bool `json:"kinds,omitempty"`
	QuietHours     QuietHours         `json:"quiet_hours"`
}

type ScheduleStatus string

const (
	StatusPending   ScheduleStatus = "pending"
	StatusDelivered ScheduleStatus = "delivered"
	StatusCancelled ScheduleStatus = "cancelled"
)

// ScheduledNotification is an event whose publication is deferred.
type ScheduledNotification struct {
	ID           string         `json:"id"`
	Event        Event          `json:"event"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	Status       ScheduleStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	FiredAt      *time.Time     `json:"fired_at,omitempty"`
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s ConnectionState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// ListFilter selects notifications from an inbox.
type ListFilter struct {
	RecipientID string
	Page        int
	Limit       int
	UnreadOnly  bool
	Kind        EventKind
	// Days limits results to notifications created within the last N days.
	Days int
}

// Normalize applies paging defaults (page 1, limit 20, max 100).
func (f ListFilter) Normalize() ListFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Days < 0 {
		f.Days = 0
	}
	return f
}

type NotificationPage struct {
	Items []Notification `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

type Stats struct {
	Total            int               `json:"total"`
	Unread           int               `json:"unread"`
	ByKind           map[EventKind]int `json:"by_kind"`
	ByPriority       map[Priority]int  `json:"by_priority"`
	ScheduledPending int               `json:"scheduled_pending"`
}
