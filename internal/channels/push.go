package channels

import (
	"context"
	"strings"
	"sync"

	"crmnotify/internal/model"
	"crmnotify/internal/restapi"
)

// PushAPI is the slice of the external store used for push.
type PushAPI interface {
	RegisterPushToken(ctx context.Context, token, platform string) error
	SendPush(ctx context.Context, m restapi.PushMessage) error
	SendTestPush(ctx context.Context) error
}

// Push forwards notifications to the store's push endpoint once a device
// token has been registered. Until then delivery succeeds without a call.
type Push struct {
	api PushAPI

	mu       sync.RWMutex
	token    string
	platform string
}

func NewPush(api PushAPI) *Push { return &Push{api: api} }

func (p *Push) Kind() model.Channel { return model.ChannelPush }

func (p *Push) RegisterToken(ctx context.Context, token, platform string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	if platform == "" {
		platform = "web"
	}
	if err := p.api.RegisterPushToken(ctx, token, platform); err != nil {
		return err
	}
	p.mu.Lock()
	p.token, p.platform = token, platform
	p.mu.Unlock()
	return nil
}

// Registered reports whether a token is known.
func (p *Push) Registered() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token != ""
}

func (p *Push) SendTest(ctx context.Context) error { return p.api.SendTestPush(ctx) }

func (p *Push) Deliver(ctx context.Context, d Delivery) error {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token == "" {
		return nil
	}
	n := d.Notification
	return p.api.SendPush(ctx, restapi.PushMessage{
		Token:          token,
		RecipientID:    d.Recipient,
		Title:          n.Title,
		Body:           n.Message,
		NotificationID: n.ID,
		Priority:       n.Priority,
		Data:           map[string]any{"kind": string(n.Kind)},
	})
}
