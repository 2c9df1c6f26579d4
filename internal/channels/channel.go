// Package channels holds the delivery adapters that turn a notification into
// an outbound call: in-app inbox, browser presentation, push, email and
// webhook.
package channels

import (
	"context"
	"errors"

	"crmnotify/internal/model"
)

var (
	ErrNoRecipient = errors.New("delivery has no recipient")
	ErrNoURL       = errors.New("webhook action has no url")
	ErrInvalidURL  = errors.New("webhook url is not an absolute http(s) url")
	ErrUnsupported = errors.New("operation not supported by this inbox")
	ErrCircuitOpen = errors.New("webhook host circuit open")
	ErrNoToken     = errors.New("push token is empty")
)

// Delivery is one (notification, recipient, action) unit of work. Recipient
// is empty for deliveries that are not user-addressed (webhooks).
type Delivery struct {
	Notification model.Notification
	Recipient    string
	Action       model.Action
}

// Channel delivers a notification through one mechanism.
type Channel interface {
	Kind() model.Channel
	Deliver(ctx context.Context, d Delivery) error
}

// Registry maps channel kinds to adapters.
type Registry map[model.Channel]Channel

// Register adds ch under its own kind. A nil channel is ignored.
func (r Registry) Register(ch Channel) {
	if ch == nil {
		return
	}
	r[ch.Kind()] = ch
}

func (r Registry) Get(kind model.Channel) (Channel, bool) {
	ch, ok := r[kind]
	return ch, ok && ch != nil
}
