// Package api is the admin HTTP surface over the running subsystem: scheduled
// notifications, the in-app inbox and push registration. The ops server mounts
// it under /api behind its bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"crmnotify/internal/channels"
	"crmnotify/internal/model"
	"crmnotify/internal/restapi"
	"crmnotify/internal/scheduler"
	"crmnotify/internal/storage"
	logx "crmnotify/pkg/logx"
)

// Scheduler is satisfied by *scheduler.Service.
type Scheduler interface {
	Schedule(ctx context.Context, ev model.Event, at time.Time) (string, error)
	Cancel(ctx context.Context, id string) (scheduler.CancelResult, error)
	Get(id string) (model.ScheduledNotification, bool)
	List(status model.ScheduleStatus) []model.ScheduledNotification
}

// Inbox is satisfied by *channels.InApp.
type Inbox interface {
	List(ctx context.Context, f model.ListFilter) (model.NotificationPage, error)
	MarkRead(ctx context.Context, recipient, id string) error
	MarkAllRead(ctx context.Context, recipient string) (int, error)
	Delete(ctx context.Context, recipient, id string) error
	ClearAll(ctx context.Context, recipient string) (int, error)
}

// Push is satisfied by *channels.Push.
type Push interface {
	RegisterToken(ctx context.Context, token, platform string) error
	Registered() bool
	SendTest(ctx context.Context) error
}

var errPushDisabled = errors.New("push channel is not enabled")

type API struct {
	sched Scheduler
	inbox Inbox
	push  Push
	log   logx.Logger
}

// New builds the API. push may be nil when the push channel is disabled.
func New(sched Scheduler, inbox Inbox, push Push, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{sched: sched, inbox: inbox, push: push, log: log}
}

// Routes returns the router, relative to its mount point.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/scheduled", func(r chi.Router) {
		r.Get("/", a.listScheduled)
		r.Post("/", a.schedule)
		r.Get("/{id}", a.getScheduled)
		r.Post("/{id}/cancel", a.cancelScheduled)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", a.listInbox)
		r.Delete("/", a.clearInbox)
		r.Post("/read", a.markAllRead)
		r.Patch("/{id}/read", a.markRead)
		r.Delete("/{id}", a.deleteNotification)
	})

	r.Route("/push", func(r chi.Router) {
		r.Get("/", a.pushStatus)
		r.Post("/token", a.registerToken)
		r.Post("/test", a.testPush)
	})
	return r
}

type scheduleRequest struct {
	Event model.Event `json:"event"`
	At    time.Time   `json:"at"`
	// In is an alternative to At, e.g. "15m".
	In string `json:"in,omitempty"`
}

func (a *API) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if req.In != "" {
		d, err := time.ParseDuration(req.In)
		if err != nil {
			a.fail(w, r, http.StatusBadRequest, err)
			return
		}
		req.At = time.Now().Add(d)
	}
	if kind, ok := model.ParseEventKind(string(req.Event.Kind)); ok {
		req.Event.Kind = kind
	}
	id, err := a.sched.Schedule(r.Context(), req.Event, req.At)
	if err != nil {
		a.fail(w, r, status(err), err)
		return
	}
	sn, _ := a.sched.Get(id)
	writeJSON(w, http.StatusCreated, sn)
}

func (a *API) listScheduled(w http.ResponseWriter, r *http.Request) {
	st := model.ScheduleStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch st {
	case "", model.StatusPending, model.StatusDelivered, model.StatusCancelled:
	default:
		a.fail(w, r, http.StatusBadRequest, errors.New("status must be pending, delivered or cancelled"))
		return
	}
	items := a.sched.List(st)
	if items == nil {
		items = []model.ScheduledNotification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getScheduled(w http.ResponseWriter, r *http.Request) {
	sn, ok := a.sched.Get(chi.URLParam(r, "id"))
	if !ok {
		a.fail(w, r, http.StatusNotFound, scheduler.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (a *API) cancelScheduled(w http.ResponseWriter, r *http.Request) {
	res, err := a.sched.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, status(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": res.String()})
}

func (a *API) listInbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.ListFilter{RecipientID: q.Get("recipient")}
	var err error
	if f.Page, err = intParam(q.Get("page")); err == nil {
		if f.Limit, err = intParam(q.Get("limit")); err == nil {
			f.Days, err = intParam(q.Get("days"))
		}
	}
	if err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	f.UnreadOnly, _ = strconv.ParseBool(q.Get("unread"))
	if k := q.Get("kind"); k != "" {
		kind, ok := model.ParseEventKind(k)
		if !ok {
			a.fail(w, r, http.StatusBadRequest, errors.New("unknown kind "+strconv.Quote(k)))
			return
		}
		f.Kind = kind
	}
	page, err := a.inbox.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, status(err), err)
		return
	}
	if page.Items == nil {
		page.Items = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	if err := a.inbox.MarkRead(r.Context(), r.URL.Query().Get("recipient"), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, status(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) markAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := a.inbox.MarkAllRead(r.Context(), r.URL.Query().Get("recipient"))
	if err != nil {
		a.fail(w, r, status(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": n})
}

func (a *API) deleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := a.inbox.Delete(r.Context(), r.URL.Query().Get("recipient"), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, status(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearInbox(w http.ResponseWriter, r *http.Request) {
	n, err := a.inbox.ClearAll(r.Context(), r.URL.Query().Get("recipient"))
	if err != nil {
		a.fail(w, r, status(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (a *API) pushStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"enabled":    a.push != nil,
		"registered": a.push != nil && a.push.Registered(),
	})
}

type tokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

func (a *API) registerToken(w http.ResponseWriter, r *http.Request) {
	if a.push == nil {
		a.fail(w, r, http.StatusServiceUnavailable, errPushDisabled)
		return
	}
	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if err := a.push.RegisterToken(r.Context(), req.Token, req.Platform); err != nil {
		a.fail(w, r, status(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) testPush(w http.ResponseWriter, r *http.Request) {
	if a.push == nil {
		a.fail(w, r, http.StatusServiceUnavailable, errPushDisabled)
		return
	}
	if err := a.push.SendTest(r.Context()); err != nil {
		a.fail(w, r, status(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// status maps domain errors to HTTP codes. Anything unrecognised is treated
// as an upstream failure.
func status(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, restapi.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrPastSchedule), errors.Is(err, scheduler.ErrNoKind), errors.Is(err, channels.ErrNoToken):
		return http.StatusBadRequest
	case errors.Is(err, channels.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		a.log.Warn("api request failed", logx.String("path", r.URL.Path), logx.Int("status", code), logx.Err(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("expected a non-negative integer, got " + strconv.Quote(s))
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
