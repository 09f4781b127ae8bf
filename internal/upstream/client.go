package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of a failed response body is kept on ErrStatus.
const maxErrorBody = 64 << 10

// ClientConfig holds parameters for the shared outbound HTTP client.
type ClientConfig struct {
	Timeout time.Duration
	RPS     float64 // 0 = no outbound cap
	Burst   int
	Debug   bool
}

// Client performs JSON calls to third-party providers with metrics,
// an optional global rate cap, and typed error translation.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return newClientWithHTTP(cfg, &http.Client{Transport: transport, Timeout: cfg.Timeout}, log)
}

func newClientWithHTTP(cfg ClientConfig, httpClient *http.Client, log zerolog.Logger) *Client {
	c := &Client{
		cfg:  cfg,
		http: httpClient,
		log:  log,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

// do executes req, recording metrics under provider and translating
// non-2xx statuses into typed errors. The caller closes the body on success.
func (c *Client) do(ctx context.Context, req *http.Request, provider string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.UpstreamCalls.WithLabelValues(provider, "throttled").Inc()
			return nil, fmt.Errorf("outbound rate cap: %w", err)
		}
	}

	start := time.Now()
	if c.cfg.Debug {
		c.log.Debug().Str("provider", provider).Str("method", req.Method).
			Str("url", req.URL.Redacted()).Msg("upstream request")
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)
	if err != nil {
		metrics.UpstreamCalls.WithLabelValues(provider, "error").Inc()
		return nil, err
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.UpstreamCalls.WithLabelValues(provider, statusLabel).Inc()
	metrics.UpstreamDuration.WithLabelValues(provider).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("provider", provider).Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).Msg("upstream response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, &ErrRateLimit{Provider: provider, RetryAfter: retryAfter, Body: body}
	}
	return nil, &ErrStatus{Provider: provider, StatusCode: resp.StatusCode, Body: body}
}

// PostJSON marshals in, POSTs it to url with headers, and decodes the
// response into out. The raw response body is returned alongside.
func (c *Client) PostJSON(ctx context.Context, provider, url string, headers map[string]string, in, out any) (json.RawMessage, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.do(ctx, req, provider)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", provider, err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("decode %s response: %w", provider, err)
		}
	}
	return raw, nil
}

// GetText performs a GET and returns the trimmed response body as text.
func (c *Client) GetText(ctx context.Context, provider, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", provider, err)
	}
	resp, err := c.do(ctx, req, provider)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", provider, err)
	}
	return strings.TrimSpace(string(body)), nil
}

// --- Typed errors -----------------------------------------------------------

// ErrStatus is returned for non-2xx provider responses.
type ErrStatus struct {
	Provider   string
	StatusCode int
	Body       []byte
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.Provider, e.StatusCode)
}

// ErrRateLimit is returned when a provider answers 429.
type ErrRateLimit struct {
	Provider   string
	RetryAfter time.Duration
	Body       []byte
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("%s rate limited (retry after %s)", e.Provider, e.RetryAfter)
}

// ErrorBody returns the raw provider body carried by a typed error, if any.
func ErrorBody(err error) json.RawMessage {
	var st *ErrStatus
	if errors.As(err, &st) && json.Valid(st.Body) {
		return st.Body
	}
	var rl *ErrRateLimit
	if errors.As(err, &rl) && json.Valid(rl.Body) {
		return rl.Body
	}
	return nil
}
