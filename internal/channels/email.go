package channels

import (
	"context"

	"crmnotify/internal/model"
	"crmnotify/internal/restapi"
)

type EmailAPI interface {
	SendEmail(ctx context.Context, m restapi.EmailMessage) error
}

// Email enqueues an outbound email with the external store.
type Email struct {
	api EmailAPI
}

func NewEmail(api EmailAPI) *Email { return &Email{api: api} }

func (e *Email) Kind() model.Channel { return model.ChannelEmail }

func (e *Email) Deliver(ctx context.Context, d Delivery) error {
	if d.Recipient == "" {
		return ErrNoRecipient
	}
	n := d.Notification
	return e.api.SendEmail(ctx, restapi.EmailMessage{
		RecipientID:    d.Recipient,
		Subject:        n.Title,
		Body:           n.Message,
		NotificationID: n.ID,
		Priority:       n.Priority,
	})
}
