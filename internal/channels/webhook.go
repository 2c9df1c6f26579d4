package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	neturl "net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crmnotify/internal/model"
	logx "crmnotify/pkg/logx"
)

type WebhookConfig struct {
	Timeout       time.Duration
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// Secret, when set, signs the body with HMAC-SHA256 in X-Signature-256.
	Secret  string
	Circuit CircuitConfig
}

// WebhookStatusError is a non-2xx answer from the receiver.
type WebhookStatusError struct {
	Status int
	Body   string
}

func (e *WebhookStatusError) Error() string {
	return fmt.Sprintf("webhook answered %d: %s", e.Status, e.Body)
}

func (e *WebhookStatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout || e.Status >= 500
}

type webhookBody struct {
	Event        string             `json:"event"`
	Notification model.Notification `json:"notification"`
	SentAt       time.Time          `json:"sent_at"`
}

// Webhook POSTs the notification as JSON, rate limited, retrying transport
// errors and retryable statuses with jittered exponential backoff.
type Webhook struct {
	hc  *http.Client
	log logx.Logger
	now func() time.Time

	breakers circuits

	mu      sync.Mutex
	cfg     WebhookConfig
	limiter *rate.Limiter
}

func NewWebhook(cfg WebhookConfig, hc *http.Client, log logx.Logger) *Webhook {
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Webhook{hc: hc, log: log, now: time.Now}
	w.Apply(cfg)
	return w
}

// Apply swaps the delivery settings.
func (w *Webhook) Apply(cfg WebhookConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.Circuit = cfg.Circuit.withDefaults()
	w.mu.Lock()
	w.cfg = cfg
	// Burst = rate per sec, so short spikes don't block too hard.
	w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	w.mu.Unlock()
}

func (w *Webhook) Kind() model.Channel { return model.ChannelWebhook }

func (w *Webhook) Deliver(ctx context.Context, d Delivery) error {
	if d.Action.WebhookURL == "" {
		return ErrNoURL
	}
	u, err := neturl.Parse(d.Action.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, d.Action.WebhookURL)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	cfg := w.cfg
	w.mu.Unlock()

	host := u.Host
	if open, until := w.breakers.open(w.now(), cfg.Circuit, host); open {
		return fmt.Errorf("%w: %s until %s", ErrCircuitOpen, host, until.UTC().Format(time.RFC3339))
	}
	err = w.send(ctx, cfg, d, u.String())
	if ctx.Err() == nil {
		w.breakers.record(w.now(), cfg.Circuit, host, hostFailure(err))
	}
	return err
}

// hostFailure keeps only errors that say the receiver is unhealthy; a 4xx
// other than 408/429 is the payload's problem, not the host's.
func hostFailure(err error) error {
	var se *WebhookStatusError
	if errors.As(err, &se) && !se.retryable() {
		return nil
	}
	return err
}

// OpenCircuits reports how many webhook hosts are currently failing fast.
func (w *Webhook) OpenCircuits() int { return w.breakers.openCount(w.now()) }

func (w *Webhook) send(ctx context.Context, cfg WebhookConfig, d Delivery, url string) error {
	w.mu.Lock()
	lim := w.limiter
	w.mu.Unlock()

	body, err := json.Marshal(webhookBody{Event: "notification", Notification: d.Notification, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		lastErr = w.post(ctx, cfg, url, body)
		if lastErr == nil {
			return nil
		}
		var se *WebhookStatusError
		if errors.As(lastErr, &se) && !se.retryable() {
			return lastErr
		}
		w.log.Debug("webhook send failed", logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

func (w *Webhook) post(ctx context.Context, cfg WebhookConfig, url string, body []byte) error {
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "crmnotify-webhook/1")
	if cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		_, _ = mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := w.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &WebhookStatusError{Status: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg WebhookConfig, attempt int) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
