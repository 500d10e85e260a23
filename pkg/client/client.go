// Package client provides the resilient request pipeline: bearer token
// handling with a single refresh per call, bounded retries with backoff,
// client-side pacing, telemetry hooks and an opt-in mock fallback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/resilient-api-client/pkg/auth"
	"github.com/Sternrassler/resilient-api-client/pkg/pagination"
	"github.com/Sternrassler/resilient-api-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for pipeline operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_requests_total",
		Help: "Total dispatches by endpoint, method and status",
	}, []string{"endpoint", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apiclient_request_duration_seconds",
		Help:    "Dispatch duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_errors_total",
		Help: "Total failed calls by error kind",
	}, []string{"kind"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apiclient_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_retry_exhausted_total",
		Help: "Total number of times the retry budget was exhausted by error kind",
	}, []string{"kind"})

	degradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiclient_degraded_responses_total",
		Help: "Total calls answered by the mock fallback by endpoint",
	}, []string{"endpoint"})
)

// HeaderRequestID carries the per-call request id.
const HeaderRequestID = "X-Request-ID"

// HeaderTotalPages carries the page count of a paginated listing.
const HeaderTotalPages = "X-Total-Pages"

// Request describes one logical call.
type Request struct {
	Method   string
	Endpoint string
	Query    url.Values

	// Body is sent as JSON. []byte and json.RawMessage are sent as is.
	Body any

	// Public requests never need a credential. Requests are authenticated
	// by default.
	Public bool

	// Mock answers the call when it fails and the fallback is permitted.
	Mock any

	Header http.Header
}

// Response is the successful outcome of a call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Degraded marks a response answered by the mock fallback.
	Degraded bool

	RequestID string

	// Attempts is the number of dispatches made for the call.
	Attempts int
}

// Client is the resilient request pipeline.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	tokens           *auth.Manager
	limiter          *ratelimit.Limiter
	policy           Policy
	fallback         Fallback
	hooks            Hooks
	onSessionExpired func()
	userAgent        string
	sleep            func(ctx context.Context, d time.Duration) error
	jitter           Jitter
	now              func() time.Time
	logger           zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the remote service (REQUIRED).
	BaseURL string

	// Timeout bounds each dispatch. A timeout counts as a network error.
	Timeout time.Duration

	// Retry
	MaxRetries int
	BaseDelay  time.Duration

	// Fallback permits mock substitution after a failure. Nil never permits.
	Fallback Fallback

	// Tokens manages the session. Without it every authenticated request
	// fails with KindAuthenticationRequired.
	Tokens *auth.Manager

	// Limiter paces dispatches. Nil disables pacing.
	Limiter *ratelimit.Limiter

	Hooks Hooks

	// OnSessionExpired runs after the local session was torn down because
	// authentication expired.
	OnSessionExpired func()

	UserAgent  string
	HTTPClient *http.Client
	Logger     *zerolog.Logger

	// Sleep and Jitter replace real backoff waits and randomness in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter Jitter
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string, tokens *auth.Manager) Config {
	policy := DefaultPolicy()
	return Config{
		BaseURL:    baseURL,
		Timeout:    30 * time.Second,
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		Fallback:   StaticFallback(false),
		Tokens:     tokens,
		UserAgent:  "resilient-api-client",
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.BaseDelay < 0 {
		return nil, fmt.Errorf("base_delay must be >= 0 (got %s)", cfg.BaseDelay)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = StaticFallback(false)
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = HookFuncs{}
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	jitter := cfg.Jitter
	if jitter == nil {
		jitter = DefaultJitter
	}

	logger := log.With().Str("component", "api-client").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "api-client").Logger()
	}

	return &Client{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:       httpClient,
		tokens:           cfg.Tokens,
		limiter:          cfg.Limiter,
		policy:           Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.BaseDelay},
		fallback:         fallback,
		hooks:            hooks,
		onSessionExpired: cfg.OnSessionExpired,
		userAgent:        cfg.UserAgent,
		sleep:            sleep,
		jitter:           jitter,
		now:              time.Now,
		logger:           logger,
	}, nil
}

// Tokens returns the token manager, if any.
func (c *Client) Tokens() *auth.Manager {
	return c.tokens
}

// call is the per-call state of Execute.
type call struct {
	req          Request
	path         string
	payload      []byte
	requiresAuth bool
	attempt      AttemptContext
	dispatches   int

	// bearer is the access token sent with the last dispatch.
	bearer string
}

// Execute performs one logical call. A nil error always comes with a
// response; a non-nil error is always an *APIError.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	cl := &call{
		req:     req,
		path:    endpointPath(req.Endpoint),
		attempt: NewAttemptContext(c.now()),
	}
	cl.requiresAuth = !req.Public && !c.isAuthEndpoint(cl.path)

	payload, err := encodeBody(req.Body)
	if err != nil {
		return nil, c.failure(cl, &APIError{Kind: KindClient, Message: "encode request body", Err: err})
	}
	cl.payload = payload

	logger := c.logger.With().
		Str("request_id", cl.attempt.RequestID).
		Str("endpoint", cl.path).
		Str("method", req.Method).
		Logger()

	if cl.requiresAuth {
		if err := c.ensureUsable(ctx); err != nil {
			logger.Debug().Err(err).Msg("No usable credential")
			return c.settle(ctx, cl, &APIError{Kind: KindAuthenticationRequired, Err: err})
		}
	}

	refreshed := false
	for {
		resp, outcome := c.dispatch(ctx, cl)

		if outcome.Err == nil && outcome.StatusCode == http.StatusUnauthorized && c.tokens != nil {
			switch {
			case c.tokens.Endpoints().IsRefreshEndpoint(cl.path):
				return c.settle(ctx, cl, c.expire(ctx, cl, resp, errors.New("refresh endpoint rejected the session")))
			case cl.requiresAuth && !refreshed:
				refreshed = true
				if c.rotatedSince(ctx, cl.bearer) {
					logger.Debug().Msg("Session rotated concurrently, re-dispatching")
					continue
				}
				if err := c.tokens.Refresh(ctx); err != nil {
					logger.Warn().Err(err).Msg("Refresh after 401 failed")
					return c.settle(ctx, cl, c.expire(ctx, cl, resp, err))
				}
				logger.Debug().Msg("Session refreshed after 401, re-dispatching")
				continue
			case cl.requiresAuth:
				return c.settle(ctx, cl, c.expire(ctx, cl, resp, errors.New("still unauthorized after refresh")))
			}
		}

		if outcome.Success() {
			return resp, nil
		}

		if outcome.Kind().Transient() {
			if ctx.Err() != nil {
				return nil, c.failure(cl, &APIError{Kind: KindNetwork, Err: ctx.Err()})
			}
			decision := Decide(outcome, cl.attempt, c.policy, c.jitter)
			if decision.ShouldRetry {
				retriesTotal.WithLabelValues(string(decision.Kind)).Inc()
				retryBackoffSeconds.WithLabelValues(string(decision.Kind)).Observe(decision.Delay.Seconds())
				logger.Warn().
					Str("error_kind", string(decision.Kind)).
					Int("status", outcome.StatusCode).
					Int("retry_count", cl.attempt.RetryCount).
					Dur("backoff", decision.Delay).
					Msg("Retrying request after backoff")

				if err := c.sleep(ctx, decision.Delay); err != nil {
					logger.Warn().Err(err).Msg("Context cancelled during retry backoff")
					return nil, c.failure(cl, &APIError{Kind: KindNetwork, Err: err})
				}
				cl.attempt.RetryCount++
				continue
			}
		}

		return c.settle(ctx, cl, c.classify(cl, resp, outcome))
	}
}

// ensureUsable refreshes a stale session once before dispatch.
func (c *Client) ensureUsable(ctx context.Context) error {
	if c.tokens == nil {
		return errors.New("no token manager configured")
	}
	if c.tokens.IsUsable(ctx) {
		return nil
	}
	if err := c.tokens.Refresh(ctx); err != nil {
		return err
	}
	if !c.tokens.IsUsable(ctx) {
		return errors.New("credential still unusable after refresh")
	}
	return nil
}

// rotatedSince reports whether another call replaced the session after
// sent was dispatched.
func (c *Client) rotatedSince(ctx context.Context, sent string) bool {
	current, ok := c.tokens.CurrentAccessToken(ctx)
	return ok && sent != "" && current != sent && c.tokens.IsUsable(ctx)
}

// dispatch sends the request once. A nil response comes with a transport
// error in the outcome.
func (c *Client) dispatch(ctx context.Context, cl *call) (*Response, Outcome) {
	cl.dispatches++
	event := Event{
		RequestID: cl.attempt.RequestID,
		Endpoint:  cl.path,
		Method:    cl.req.Method,
		Attempt:   cl.dispatches,
	}

	if err := c.limiter.Wait(ctx); err != nil {
		event.Phase, event.Kind, event.Err = PhaseError, KindNetwork, err
		c.hooks.OnRequestError(event)
		return nil, Outcome{Err: err}
	}

	httpReq, err := c.newHTTPRequest(ctx, cl)
	if err != nil {
		event.Phase, event.Kind, event.Err = PhaseError, KindNetwork, err
		c.hooks.OnRequestError(event)
		return nil, Outcome{Err: err}
	}

	event.Phase = PhaseStart
	c.hooks.OnRequestStart(event)
	c.logger.Debug().
		Str("request_id", cl.attempt.RequestID).
		Str("endpoint", cl.path).
		Str("method", cl.req.Method).
		Int("attempt", cl.dispatches).
		Bool("bearer", httpReq.Header.Get("Authorization") != "").
		Msg("Dispatching request")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err == nil {
		var body []byte
		body, err = io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err == nil {
			event.Duration = time.Since(start)
			return c.finish(cl, event, httpResp, body), Outcome{StatusCode: httpResp.StatusCode}
		}
	}

	event.Duration = time.Since(start)
	requestDuration.WithLabelValues(cl.path).Observe(event.Duration.Seconds())
	requestsTotal.WithLabelValues(cl.path, cl.req.Method, "network_error").Inc()
	event.Phase, event.Kind, event.Err = PhaseError, KindNetwork, err
	c.hooks.OnRequestError(event)
	c.logger.Warn().
		Err(err).
		Str("request_id", cl.attempt.RequestID).
		Str("endpoint", cl.path).
		Dur("duration", event.Duration).
		Msg("HTTP request failed")
	return nil, Outcome{Err: err}
}

func (c *Client) finish(cl *call, event Event, httpResp *http.Response, body []byte) *Response {
	status := httpResp.StatusCode
	requestDuration.WithLabelValues(cl.path).Observe(event.Duration.Seconds())
	requestsTotal.WithLabelValues(cl.path, cl.req.Method, strconv.Itoa(status)).Inc()

	if err := c.limiter.UpdateFromHeaders(httpResp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update quota from headers")
	}

	event.Phase = PhaseFinish
	event.Status = status
	outcome := Outcome{StatusCode: status}
	event.Success = outcome.Success()
	event.Kind = outcome.Kind()
	c.hooks.OnRequestFinish(event)

	c.logger.Debug().
		Str("request_id", cl.attempt.RequestID).
		Str("endpoint", cl.path).
		Int("status", status).
		Dur("duration", event.Duration).
		Msg("Request finished")

	return &Response{
		StatusCode: status,
		Header:     httpResp.Header,
		Body:       body,
		RequestID:  cl.attempt.RequestID,
		Attempts:   cl.dispatches,
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, cl *call) (*http.Request, error) {
	target := c.baseURL + cl.path
	query := pagination.Encode(cl.req.Query)
	if raw := rawQuery(cl.req.Endpoint); raw != "" {
		if query != "" {
			query = raw + "&" + query
		} else {
			query = raw
		}
	}
	if query != "" {
		target += "?" + query
	}

	var body io.Reader
	if cl.payload != nil {
		body = bytes.NewReader(cl.payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, cl.req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for key, values := range cl.req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderRequestID, cl.attempt.RequestID)
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if cl.payload != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Auth endpoints never carry a bearer token.
	httpReq.Header.Del("Authorization")
	cl.bearer = ""
	if cl.requiresAuth {
		if token, ok := c.tokens.CurrentAccessToken(ctx); ok {
			httpReq.Header.Set("Authorization", "Bearer "+token)
			cl.bearer = token
		}
	}
	return httpReq, nil
}

// expire tears the local session down and reports KindAuthenticationExpired.
func (c *Client) expire(ctx context.Context, cl *call, resp *Response, cause error) *APIError {
	if err := c.tokens.Logout(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to clear session")
	}
	c.logger.Error().
		Str("request_id", cl.attempt.RequestID).
		Str("endpoint", cl.path).
		Str("error_kind", string(KindAuthenticationExpired)).
		Msg("Authentication expired, session cleared")
	if c.onSessionExpired != nil {
		c.onSessionExpired()
	}

	apiErr := &APIError{Kind: KindAuthenticationExpired, StatusCode: http.StatusUnauthorized, Err: cause}
	if resp != nil {
		apiErr.Body = resp.Body
		apiErr.Message = extractMessage(resp.Body, resp.StatusCode)
	}
	return apiErr
}

// classify turns a final unsuccessful outcome into an error.
func (c *Client) classify(cl *call, resp *Response, outcome Outcome) *APIError {
	kind := outcome.Kind()
	apiErr := &APIError{Kind: kind, StatusCode: outcome.StatusCode, Err: outcome.Err}
	if resp != nil {
		apiErr.Body = resp.Body
		apiErr.Message = extractMessage(resp.Body, resp.StatusCode)
	}
	if kind.Transient() && c.policy.MaxRetries > 0 && cl.attempt.RetryCount >= c.policy.MaxRetries {
		retryExhaustedTotal.WithLabelValues(string(kind)).Inc()
		c.logger.Warn().
			Str("request_id", cl.attempt.RequestID).
			Str("error_kind", string(kind)).
			Int("max_retries", c.policy.MaxRetries).
			Msg("Retry attempts exhausted")
		apiErr.Cause = kind
		apiErr.Kind = KindRetryExhausted
	}
	return apiErr
}

// settle applies the mock fallback to a failure, if permitted.
func (c *Client) settle(ctx context.Context, cl *call, apiErr *APIError) (*Response, error) {
	if cl.req.Mock == nil || ctx.Err() != nil || !c.fallback.Permitted() {
		return nil, c.failure(cl, apiErr)
	}

	body, err := encodeBody(cl.req.Mock)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to encode mock value")
		return nil, c.failure(cl, apiErr)
	}

	degradedTotal.WithLabelValues(cl.path).Inc()
	c.logger.Warn().
		Str("request_id", cl.attempt.RequestID).
		Str("endpoint", cl.path).
		Str("error_kind", string(apiErr.Kind)).
		Msg("Call failed, answering with mock value")
	c.hooks.OnRequestFinish(Event{
		Phase:     PhaseFinish,
		RequestID: cl.attempt.RequestID,
		Endpoint:  cl.path,
		Method:    cl.req.Method,
		Status:    http.StatusOK,
		Duration:  c.now().Sub(cl.attempt.StartTime),
		Success:   true,
		Attempt:   cl.dispatches,
		Degraded:  true,
	})

	return &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
		Degraded:   true,
		RequestID:  cl.attempt.RequestID,
		Attempts:   cl.dispatches,
	}, nil
}

func (c *Client) failure(cl *call, apiErr *APIError) error {
	apiErr.Endpoint = cl.path
	apiErr.Method = cl.req.Method
	apiErr.Attempts = cl.dispatches
	errorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
	return apiErr
}

func (c *Client) isAuthEndpoint(path string) bool {
	return c.tokens != nil && c.tokens.Endpoints().IsAuthEndpoint(path)
}

// Get performs an authenticated GET request.
func (c *Client) Get(ctx context.Context, endpoint string) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodGet, Endpoint: endpoint})
}

// Post performs an authenticated POST request with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodPost, Endpoint: endpoint, Body: body})
}

// Put performs an authenticated PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodPut, Endpoint: endpoint, Body: body})
}

// Patch performs an authenticated PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodPatch, Endpoint: endpoint, Body: body})
}

// Delete performs an authenticated DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodDelete, Endpoint: endpoint})
}

// GetPage fetches one page of a listing.
func (c *Client) GetPage(ctx context.Context, endpoint string, opts pagination.Options) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Query: opts.Values()})
}

// FetchPage implements pagination.PageFetcher. The total page count is
// read from the X-Total-Pages header and defaults to 1.
func (c *Client) FetchPage(ctx context.Context, endpoint string, opts pagination.Options) ([]byte, int, error) {
	resp, err := c.GetPage(ctx, endpoint, opts)
	if err != nil {
		return nil, 0, err
	}
	total := 1
	if v := resp.Header.Get(HeaderTotalPages); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			total = n
		}
	}
	return resp.Body, total, nil
}

// DecodeJSON decodes the body of a response.
func DecodeJSON[T any](resp *Response) (T, error) {
	var out T
	if resp == nil {
		return out, errors.New("nil response")
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Close waits for pending background work such as logout notifications.
func (c *Client) Close() error {
	if c.tokens != nil {
		return c.tokens.Close()
	}
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	return json.Marshal(body)
}

// endpointPath returns the path of an endpoint with a leading slash and
// without its query.
func endpointPath(endpoint string) string {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return endpoint
}

func rawQuery(endpoint string) string {
	i := strings.IndexByte(endpoint, '?')
	if i < 0 {
		return ""
	}
	q := endpoint[i+1:]
	if j := strings.IndexByte(q, '#'); j >= 0 {
		q = q[:j]
	}
	return q
}

// extractMessage reads a "message" or "error" field from a JSON body and
// falls back to the status text.
func extractMessage(body []byte, status int) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return http.StatusText(status)
}
