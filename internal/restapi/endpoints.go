package restapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crmnotify/internal/model"
)

// ---- inbox ----

func (c *Client) ListNotifications(ctx context.Context, f model.ListFilter) (model.NotificationPage, error) {
	f = f.Normalize()
	q := url.Values{}
	q.Set("page", strconv.Itoa(f.Page))
	q.Set("limit", strconv.Itoa(f.Limit))
	if f.UnreadOnly {
		q.Set("unread_only", "true")
	}
	if f.Kind != "" {
		q.Set("type", string(f.Kind))
	}
	if f.Days > 0 {
		q.Set("days", strconv.Itoa(f.Days))
	}
	if f.RecipientID != "" {
		q.Set("userId", f.RecipientID)
	}
	var page model.NotificationPage
	if err := c.do(ctx, http.MethodGet, "/notifications", q, nil, &page); err != nil {
		return model.NotificationPage{}, err
	}
	if page.Page == 0 {
		page.Page = f.Page
	}
	if page.Limit == 0 {
		page.Limit = f.Limit
	}
	return page, nil
}

// SaveNotification creates an in-app notification addressed to recipient.
func (c *Client) SaveNotification(ctx context.Context, n model.Notification, recipient string) error {
	if recipient != "" {
		n.RecipientIDs = []string{recipient}
	}
	return c.do(ctx, http.MethodPost, "/notifications", nil, n, nil)
}

func (c *Client) MarkRead(ctx context.Context, recipient, id string) error {
	return c.do(ctx, http.MethodPatch, "/notifications/"+escape(id)+"/read", userQuery(recipient), nil, nil)
}

func (c *Client) MarkAllRead(ctx context.Context, recipient string) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPatch, "/notifications/read-all", userQuery(recipient), nil, &out)
	return out.Updated, err
}

func (c *Client) DeleteNotification(ctx context.Context, recipient, id string) error {
	return c.do(ctx, http.MethodDelete, "/notifications/"+escape(id), userQuery(recipient), nil, nil)
}

func (c *Client) ClearAll(ctx context.Context, recipient string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/notifications/clear-all", userQuery(recipient), nil, &out)
	return out.Deleted, err
}

func (c *Client) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := c.do(ctx, http.MethodGet, "/notifications/stats", nil, nil, &st)
	return st, err
}

// ---- preferences ----

func (c *Client) Preferences(ctx context.Context, userID string) (model.UserPreferences, error) {
	var p model.UserPreferences
	if err := c.do(ctx, http.MethodGet, "/notifications/preferences/"+escape(userID), nil, nil, &p); err != nil {
		return model.UserPreferences{}, err
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	return p, nil
}

func (c *Client) UpdatePreferences(ctx context.Context, p model.UserPreferences) error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("restapi: preferences need a user id")
	}
	return c.do(ctx, http.MethodPut, "/notifications/preferences/"+escape(p.UserID), nil, p, nil)
}

// ---- templates ----

func (c *Client) ListTemplates(ctx context.Context) ([]model.Template, error) {
	var out []model.Template
	err := c.do(ctx, http.MethodGet, "/notifications/templates", nil, nil, &out)
	return out, err
}

func (c *Client) GetTemplate(ctx context.Context, id string) (model.Template, error) {
	var out model.Template
	err := c.do(ctx, http.MethodGet, "/notifications/templates/"+escape(id), nil, nil, &out)
	return out, err
}

func (c *Client) CreateTemplate(ctx context.Context, t model.Template) (model.Template, error) {
	var out model.Template
	err := c.do(ctx, http.MethodPost, "/notifications/templates", nil, t, &out)
	return out, err
}

func (c *Client) UpdateTemplate(ctx context.Context, t model.Template) (model.Template, error) {
	var out model.Template
	err := c.do(ctx, http.MethodPut, "/notifications/templates/"+escape(t.ID), nil, t, &out)
	return out, err
}

func (c *Client) DeleteTemplate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/notifications/templates/"+escape(id), nil, nil, nil)
}

// ---- rules ----

func (c *Client) ListRules(ctx context.Context) ([]model.Rule, error) {
	var out []model.Rule
	err := c.do(ctx, http.MethodGet, "/notifications/rules", nil, nil, &out)
	return out, err
}

func (c *Client) GetRule(ctx context.Context, id string) (model.Rule, error) {
	var out model.Rule
	err := c.do(ctx, http.MethodGet, "/notifications/rules/"+escape(id), nil, nil, &out)
	return out, err
}

func (c *Client) CreateRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	var out model.Rule
	err := c.do(ctx, http.MethodPost, "/notifications/rules", nil, r, &out)
	return out, err
}

func (c *Client) UpdateRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	var out model.Rule
	err := c.do(ctx, http.MethodPut, "/notifications/rules/"+escape(r.ID), nil, r, &out)
	return out, err
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/notifications/rules/"+escape(id), nil, nil, nil)
}

// RemoteRuleTest is the store's verdict for a rule test.
type RemoteRuleTest struct {
	Matched bool           `json:"matched"`
	Title   string         `json:"title,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// TestRule asks the store to evaluate rule id against a sample payload.
func (c *Client) TestRule(ctx context.Context, id string, payload map[string]any) (RemoteRuleTest, error) {
	var out RemoteRuleTest
	body := map[string]any{"payload": payload}
	err := c.do(ctx, http.MethodPost, "/notifications/rules/"+escape(id)+"/test", nil, body, &out)
	return out, err
}

// ---- scheduled ----

func (c *Client) ListScheduled(ctx context.Context, status model.ScheduleStatus) ([]model.ScheduledNotification, error) {
	var q url.Values
	if status != "" {
		q = url.Values{"status": []string{string(status)}}
	}
	var out []model.ScheduledNotification
	err := c.do(ctx, http.MethodGet, "/notifications/scheduled", q, nil, &out)
	return out, err
}

// ScheduleRequest is the body of POST /notifications/scheduled.
type ScheduleRequest struct {
	Event        model.Event `json:"event"`
	ScheduledFor time.Time   `json:"scheduled_for"`
}

func (c *Client) Schedule(ctx context.Context, e model.Event, at time.Time) (model.ScheduledNotification, error) {
	var out model.ScheduledNotification
	err := c.do(ctx, http.MethodPost, "/notifications/scheduled", nil, ScheduleRequest{Event: e, ScheduledFor: at}, &out)
	return out, err
}

func (c *Client) CancelScheduled(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/notifications/scheduled/"+escape(id)+"/cancel", nil, nil, nil)
}

// ---- push ----

type PushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// PushMessage is the body of POST /notifications/push.
type PushMessage struct {
	Token          string         `json:"token"`
	RecipientID    string         `json:"recipient_id,omitempty"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	NotificationID string         `json:"notification_id,omitempty"`
	Priority       model.Priority `json:"priority,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

func (c *Client) RegisterPushToken(ctx context.Context, token, platform string) error {
	return c.do(ctx, http.MethodPost, "/notifications/push-token", nil, PushTokenRequest{Token: token, Platform: platform}, nil)
}

func (c *Client) SendPush(ctx context.Context, m PushMessage) error {
	return c.do(ctx, http.MethodPost, "/notifications/push", nil, m, nil)
}

func (c *Client) SendTestPush(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/notifications/test-push", nil, nil, nil)
}

// ---- email ----

// EmailMessage is the body of POST /notifications/email.
type EmailMessage struct {
	RecipientID    string         `json:"recipient_id"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	NotificationID string         `json:"notification_id,omitempty"`
	Priority       model.Priority `json:"priority,omitempty"`
}

func (c *Client) SendEmail(ctx context.Context, m EmailMessage) error {
	return c.do(ctx, http.MethodPost, "/notifications/email", nil, m, nil)
}
