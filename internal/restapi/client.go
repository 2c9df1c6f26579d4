// Package restapi is the request/response client for the external notification
// store: inbox, preferences, templates, rules, scheduled entries, push and
// email endpoints.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "crmnotify/pkg/logx"
)

// ErrNotFound matches an *APIError with status 404 via errors.Is.
var ErrNotFound = errors.New("not found")

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

// APIError is returned for every non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Status, body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e != nil && e.Status == http.StatusNotFound
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout {
		return true
	}
	return e.Status >= 500
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RatePerSec caps outbound requests; 0 disables the limiter.
	RatePerSec int
}

type Option func(*Client)

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

// WithHTTPClient replaces the underlying client (tests use httptest's).
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// Client is safe for concurrent use.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("restapi: base url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("restapi: invalid base url %q", cfg.BaseURL)
	}
	c := &Client{
		base:    base,
		token:   strings.TrimSpace(cfg.Token),
		timeout: cfg.Timeout,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c, nil
}

// envelope is the optional {"success":..,"data":..} wrapper some endpoints use.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("rest call",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return decodeBody(raw, out)
}

func decodeBody(raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil {
			if _, wrapped := probe["data"]; wrapped {
				if _, ok := probe["success"]; ok || len(probe) == 1 {
					var env envelope
					if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Data) > 0 {
						trimmed = env.Data
					}
				}
			}
		}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func escape(id string) string { return url.PathEscape(strings.TrimSpace(id)) }

func userQuery(userID string) url.Values {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	return url.Values{"userId": []string{userID}}
}
