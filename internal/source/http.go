package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public bitFlyer Lightning endpoint.
const DefaultBaseURL = "https://api.bitflyer.com"

const executionsPath = "/v1/getexecutions"

// StatusError is returned when the remote API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// HTTPSource queries the executions endpoint over HTTP. Outgoing requests
// are paced by a shared token bucket so concurrent workers stay under the
// remote request-rate ceiling.
type HTTPSource struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewHTTPSource creates an HTTP executions source.
func NewHTTPSource(cfg SourceConfig) (*HTTPSource, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url %s: %w", base, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &HTTPSource{
		baseURL:   strings.TrimRight(base, "/"),
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, burst),
	}, nil
}

// URL returns the request URL for req.
func (s *HTTPSource) URL(req Request) string {
	q := url.Values{}
	q.Set("product_code", req.Symbol)
	q.Set("count", strconv.Itoa(req.Count))
	if req.After > 0 {
		q.Set("after", strconv.FormatUint(req.After, 10))
	}
	if req.Before > 0 {
		q.Set("before", strconv.FormatUint(req.Before, 10))
	}
	return s.baseURL + executionsPath + "?" + q.Encode()
}

// FetchExecutions implements ExecutionSource.
func (s *HTTPSource) FetchExecutions(ctx context.Context, req Request) (Page, error) {
	if req.Count <= 0 || req.Count > MaxPageSize {
		return nil, fmt.Errorf("count %d outside 1..%d", req.Count, MaxPageSize)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(req), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if s.userAgent != "" {
		httpReq.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return DecodePage(body)
}

// DecodePage parses a JSON array of execution records. An empty body or JSON
// null is an empty page.
func DecodePage(body []byte) (Page, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return Page{}, nil
	}
	var page Page
	if err := json.Unmarshal([]byte(trimmed), &page); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	if page == nil {
		page = Page{}
	}
	return page, nil
}
