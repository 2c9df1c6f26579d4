package channels

import (
	"context"
	"sync"

	"crmnotify/internal/model"
	logx "crmnotify/pkg/logx"
)

type Permission string

const (
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
	PermissionDefault     Permission = "default"
	PermissionUnsupported Permission = "unsupported"
)

// PermissionRequester asks the platform for permission to show notifications.
type PermissionRequester interface {
	Request(ctx context.Context) (Permission, error)
}

// StaticPermission always answers with itself.
type StaticPermission Permission

func (p StaticPermission) Request(context.Context) (Permission, error) { return Permission(p), nil }

// Presentation is what the platform shows.
type Presentation struct {
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Icon        string         `json:"icon,omitempty"`
	Badge       string         `json:"badge,omitempty"`
	Tag         string         `json:"tag,omitempty"`
	ClickAction string         `json:"click_action,omitempty"`
	Urgent      bool           `json:"require_interaction,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

type Presenter interface {
	Present(ctx context.Context, p Presentation) error
}

// LogPresenter writes presentations to the log. It stands in for a desktop
// surface when the daemon runs headless.
type LogPresenter struct{ Log logx.Logger }

func (p LogPresenter) Present(_ context.Context, pr Presentation) error {
	p.Log.Info("browser notification",
		logx.String("title", pr.Title),
		logx.String("body", pr.Body),
		logx.String("tag", pr.Tag),
	)
	return nil
}

type BrowserConfig struct {
	Icon  string
	Badge string
	// ClickBase is joined with the notification id to build the click action.
	ClickBase string
}

// Browser presents local notifications once permission is granted. The
// permission is requested on first delivery and cached for the session; any
// answer other than granted turns the channel into a permanent no-op.
type Browser struct {
	cfg  BrowserConfig
	req  PermissionRequester
	pres Presenter
	log  logx.Logger

	once sync.Once
	perm Permission
}

func NewBrowser(cfg BrowserConfig, req PermissionRequester, pres Presenter, log logx.Logger) *Browser {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Browser{cfg: cfg, req: req, pres: pres, log: log}
}

func (b *Browser) Kind() model.Channel { return model.ChannelBrowser }

// Permission returns the cached answer, requesting it on first use.
func (b *Browser) Permission(ctx context.Context) Permission {
	b.once.Do(func() {
		if b.req == nil || b.pres == nil {
			b.perm = PermissionUnsupported
			return
		}
		p, err := b.req.Request(ctx)
		if err != nil {
			b.log.Warn("browser permission request failed", logx.Err(err))
			p = PermissionUnsupported
		}
		if p == "" {
			p = PermissionDefault
		}
		b.perm = p
		b.log.Info("browser permission resolved", logx.String("permission", string(p)))
	})
	return b.perm
}

func (b *Browser) Deliver(ctx context.Context, d Delivery) error {
	if b.Permission(ctx) != PermissionGranted {
		return nil
	}
	n := d.Notification
	pr := Presentation{
		Title:  n.Title,
		Body:   n.Message,
		Icon:   b.cfg.Icon,
		Badge:  b.cfg.Badge,
		Tag:    n.ID,
		Urgent: n.Priority == model.PriorityUrgent,
		Data:   map[string]any{"notificationId": n.ID, "kind": string(n.Kind)},
	}
	if b.cfg.ClickBase != "" && n.ID != "" {
		pr.ClickAction = b.cfg.ClickBase + n.ID
	}
	return b.pres.Present(ctx, pr)
}
