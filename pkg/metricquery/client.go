// Package metricquery provides a client for the aggregate metric query
// service.
package metricquery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/metric-attribution/internal/resilience"
)

const serviceName = "metricquery"

// Row is one result row keyed by metric or dimension id. Numbers are
// json.Number so values stay exact.
type Row map[string]any

// Client runs aggregate metric queries.
type Client interface {
	Query(ctx context.Context, req Request) ([]Row, error)
}

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    []Row  `json:"data"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps requests per second with the given burst.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
		}
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *httpClient) {
		c.breaker = b
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.Policy
	breaker *resilience.Breaker
}

// NewClient creates a metric query client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Inf, 1),
		retry:   resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Service = serviceName
	return c
}

func (c *httpClient) Query(ctx context.Context, req Request) ([]Row, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "metricquery: marshal request")
	}

	rows, err := resilience.Retry(ctx, c.retry, func(ctx context.Context) ([]Row, error) {
		if c.breaker != nil {
			if err := c.breaker.Allow(); err != nil {
				return nil, err
			}
		}
		rows, err := c.do(ctx, body)
		if c.breaker != nil {
			c.breaker.Record(err)
		}
		return rows, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "metricquery: query %v", req.Metrics)
	}
	return rows, nil
}

func (c *httpClient) do(ctx context.Context, body []byte) ([]Row, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "metricquery: rate limit wait")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "metricquery: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "metricquery: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &resilience.StatusError{Service: serviceName, StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out response
	if err := dec.Decode(&out); err != nil {
		return nil, eris.Wrap(err, "metricquery: decode response")
	}
	if out.Code != 0 {
		return nil, eris.Errorf("metricquery: service error %d: %s", out.Code, out.Message)
	}
	return out.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
