package storage

import (
	"context"
	"errors"
	"time"

	"crmnotify/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxDeliveries bounds the audit log; older rows are pruned. 0 means 10000.
	MaxDeliveries int
	// MaxInbox bounds each recipient's in-memory inbox; the oldest entries are
	// evicted. 0 means 500. The sqlite driver ignores it.
	MaxInbox int
}

// DeliveryRecord is one audited delivery attempt.
type DeliveryRecord struct {
	At             time.Time `json:"at"`
	NotificationID string    `json:"notification_id"`
	RuleID         string    `json:"rule_id,omitempty"`
	Action         string    `json:"action"`
	Channel        string    `json:"channel"`
	Recipient      string    `json:"recipient,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Store is the persistence API used by the app, the scheduler and the in-app
// channel. Inbox rows are keyed by (recipient, notification id); the empty
// recipient is the shared inbox for unaddressed notifications.
type Store interface {
	SaveNotification(ctx context.Context, n model.Notification, recipient string) error
	ListNotifications(ctx context.Context, f model.ListFilter) (model.NotificationPage, error)
	MarkRead(ctx context.Context, recipient, id string) error
	// MarkAllRead returns how many entries changed. Entries already read keep
	// their timestamp.
	MarkAllRead(ctx context.Context, recipient string) (int, error)
	DeleteNotification(ctx context.Context, recipient, id string) error
	ClearAll(ctx context.Context, recipient string) (int, error)
	Stats(ctx context.Context, recipient string) (model.Stats, error)

	PutScheduled(ctx context.Context, s model.ScheduledNotification) error
	// ListScheduled returns entries ordered by ScheduledFor; an empty status
	// returns every entry.
	ListScheduled(ctx context.Context, status model.ScheduleStatus) ([]model.ScheduledNotification, error)

	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentDeliveries returns up to limit records, newest first.
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)

	Close() error
}

func (c Config) maxInbox() int {
	if c.MaxInbox <= 0 {
		return 500
	}
	return c.MaxInbox
}

func (c Config) maxDeliveries() int {
	if c.MaxDeliveries <= 0 {
		return 10000
	}
	return c.MaxDeliveries
}
