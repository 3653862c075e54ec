// Package backend provides a client for the remote report analysis service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
)

// Client defines the analysis service operations used by the orchestrator.
type Client interface {
	// StreamExplain starts an analysis job and returns the open event stream.
	// The caller must close it.
	StreamExplain(ctx context.Context, req model.AnalysisRequest) (io.ReadCloser, error)
	// SaveHistory stores a completed analysis and returns its identifier.
	SaveHistory(ctx context.Context, rec model.HistoryRecord) (string, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *httpClient) {
		c.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps the request rate to the service.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *httpClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithConnectRetry retries establishing the stream on transient failures.
func WithConnectRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithCircuitBreaker guards calls with the given breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *httpClient) {
		c.breaker = cb
	}
}

// WithHeaderTimeout bounds the wait for the stream's response headers.
func WithHeaderTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.headerTimeout = d
	}
}

type httpClient struct {
	baseURL       string
	token         string
	http          *http.Client
	limiter       *rate.Limiter
	retry         resilience.RetryConfig
	breaker       *resilience.CircuitBreaker
	headerTimeout time.Duration
}

// ErrHeaderTimeout is returned when the service does not start streaming in time.
var ErrHeaderTimeout = eris.New("backend: timed out waiting for response headers")

const (
	explainStreamPath = "/analyze/explain-stream"
	historyPath       = "/history"
	maxErrorBody      = 4096
)

// NewClient creates a client for the analysis service at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: the stream stays open for the whole job.
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:       rate.NewLimiter(rate.Limit(2), 2),
		retry:         resilience.DefaultRetryConfig(),
		breaker:       resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		headerTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) StreamExplain(ctx context.Context, req model.AnalysisRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "backend: encode explain request")
	}

	connect := func(ctx context.Context) (io.ReadCloser, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (io.ReadCloser, error) {
			return c.openStream(ctx, body)
		})
	}

	rc, err := resilience.DoVal(ctx, c.retry, connect)
	if err != nil {
		return nil, eris.Wrap(err, "backend: explain stream")
	}
	return rc, nil
}

func (c *httpClient) openStream(ctx context.Context, body []byte) (io.ReadCloser, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+explainStreamPath, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "backend: create explain request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	c.authorize(httpReq)

	// The header timer only covers the wait for response headers; reading the
	// body is bounded by ctx alone.
	reqCtx, cancel := context.WithCancelCause(ctx)
	httpReq = httpReq.WithContext(reqCtx)
	var timer *time.Timer
	if c.headerTimeout > 0 {
		timer = time.AfterFunc(c.headerTimeout, func() { cancel(ErrHeaderTimeout) })
	}

	resp, err := c.http.Do(httpReq)
	if timer != nil && !timer.Stop() && ctx.Err() == nil {
		if resp != nil {
			resp.Body.Close()
		}
		cancel(nil)
		return nil, eris.Wrapf(ErrHeaderTimeout, "backend: no response after %s", c.headerTimeout)
	}
	if err != nil {
		cancel(nil)
		return nil, eris.Wrap(err, "backend: send explain request")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel(nil)
		defer resp.Body.Close()
		return nil, statusError("backend: explain stream", resp)
	}

	zap.L().Debug("backend: explain stream opened", zap.Int("status", resp.StatusCode))
	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *httpClient) SaveHistory(ctx context.Context, rec model.HistoryRecord) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", eris.Wrap(err, "backend: encode history record")
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+historyPath, bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "backend: create history request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", eris.Wrap(err, "backend: send history request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError("backend: save history", resp)
	}

	var out struct {
		ID json.Number `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", eris.Wrap(err, "backend: decode history response")
	}
	return out.ID.String(), nil
}

func (c *httpClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "backend: rate limiter")
	}
	return nil
}

func (c *httpClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError reads the service's error detail from a non-2xx response.
func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(raw))

	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		switch {
		case payload.Message != "":
			detail = payload.Message
		case payload.Error != "":
			detail = payload.Error
		case payload.Detail != nil:
			if s, ok := payload.Detail.(string); ok {
				detail = s
			} else if b, err := json.Marshal(payload.Detail); err == nil {
				detail = string(b)
			}
		}
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	return resilience.NewStatusError(op, resp.StatusCode, detail)
}

// streamBody releases the request context when the stream is closed.
type streamBody struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	if b.cancel != nil {
		b.cancel(nil)
	}
	return err
}
