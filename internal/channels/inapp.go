package channels

import (
	"context"

	"crmnotify/internal/model"
)

// Inbox stores in-app notifications. Both the external store client and
// local storage implement it.
type Inbox interface {
	SaveNotification(ctx context.Context, n model.Notification, recipient string) error
}

// InboxAdmin is the user-facing side of an inbox.
type InboxAdmin interface {
	ListNotifications(ctx context.Context, f model.ListFilter) (model.NotificationPage, error)
	MarkRead(ctx context.Context, recipient, id string) error
	MarkAllRead(ctx context.Context, recipient string) (int, error)
	DeleteNotification(ctx context.Context, recipient, id string) error
	ClearAll(ctx context.Context, recipient string) (int, error)
}

// InApp writes notifications to an inbox.
type InApp struct {
	inbox Inbox
}

func NewInApp(inbox Inbox) *InApp { return &InApp{inbox: inbox} }

func (c *InApp) Kind() model.Channel { return model.ChannelInApp }

func (c *InApp) Deliver(ctx context.Context, d Delivery) error {
	return c.inbox.SaveNotification(ctx, d.Notification, d.Recipient)
}

func (c *InApp) admin() (InboxAdmin, error) {
	a, ok := c.inbox.(InboxAdmin)
	if !ok {
		return nil, ErrUnsupported
	}
	return a, nil
}

func (c *InApp) List(ctx context.Context, f model.ListFilter) (model.NotificationPage, error) {
	a, err := c.admin()
	if err != nil {
		return model.NotificationPage{}, err
	}
	return a.ListNotifications(ctx, f.Normalize())
}

func (c *InApp) MarkRead(ctx context.Context, recipient, id string) error {
	a, err := c.admin()
	if err != nil {
		return err
	}
	return a.MarkRead(ctx, recipient, id)
}

// MarkAllRead is idempotent: entries already read keep their timestamp.
func (c *InApp) MarkAllRead(ctx context.Context, recipient string) (int, error) {
	a, err := c.admin()
	if err != nil {
		return 0, err
	}
	return a.MarkAllRead(ctx, recipient)
}

func (c *InApp) Delete(ctx context.Context, recipient, id string) error {
	a, err := c.admin()
	if err != nil {
		return err
	}
	return a.DeleteNotification(ctx, recipient, id)
}

func (c *InApp) ClearAll(ctx context.Context, recipient string) (int, error) {
	a, err := c.admin()
	if err != nil {
		return 0, err
	}
	return a.ClearAll(ctx, recipient)
}
