package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/podscale/runpod-node-provider/internal/logging"
	"github.com/podscale/runpod-node-provider/pkg/metrics"
)

const (
	// DefaultAPIEndpoint is the default RunPod REST endpoint
	DefaultAPIEndpoint = "https://rest.runpod.io/v1"

	// DefaultTimeout is the default HTTP client timeout
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per minute)
	DefaultRateLimit = 120

	// DefaultUserAgent is sent with every request unless overridden
	DefaultUserAgent = "runpod-node-provider/1.0"

	// MaxResponseBodySize is the maximum size of HTTP response bodies (10MB)
	MaxResponseBodySize = 10 * 1024 * 1024

	// DefaultMaxRetries is the default maximum number of retries for transient errors
	DefaultMaxRetries = 3

	// DefaultInitialBackoff is the initial backoff duration for retries
	DefaultInitialBackoff = 200 * time.Millisecond

	// DefaultMaxBackoff is the maximum backoff duration between retries
	DefaultMaxBackoff = 10 * time.Second

	// DefaultBackoffMultiplier is the multiplier for exponential backoff
	DefaultBackoffMultiplier = 2.0

	// DefaultJitterFactor is the maximum jitter as a fraction of backoff (0.0-1.0)
	DefaultJitterFactor = 0.2
)

// RetryConfig configures retries of transient failures with exponential backoff.
// Zero fields take their defaults; a negative MaxRetries disables retries.
type RetryConfig struct {
	MaxRetries           int           `json:"maxRetries,omitempty"`
	InitialBackoff       time.Duration `json:"initialBackoff,omitempty"`
	MaxBackoff           time.Duration `json:"maxBackoff,omitempty"`
	BackoffMultiplier    float64       `json:"backoffMultiplier,omitempty"`
	JitterFactor         float64       `json:"jitterFactor,omitempty"`
	RetryableStatusCodes []int         `json:"retryableStatusCodes,omitempty"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        DefaultMaxRetries,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
		JitterFactor:      DefaultJitterFactor,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// ClientOptions represents options for creating a new Client
type ClientOptions struct {
	// BaseURL overrides DefaultAPIEndpoint. Must be HTTPS.
	BaseURL string

	// HTTPClient is a custom HTTP client to use (optional)
	HTTPClient *http.Client

	// HTTPTransport replaces the default transport when HTTPClient is nil,
	// typically to add tracing
	HTTPTransport http.RoundTripper

	// Timeout is the HTTP client timeout
	Timeout time.Duration

	// RateLimit is the maximum number of requests per minute
	RateLimit int

	// UserAgent is the user agent string to use in requests
	UserAgent string

	// Logger is the logger to use (optional, defaults to no-op logger)
	Logger *zap.Logger

	// RetryConfig configures retry behavior; nil means DefaultRetryConfig()
	RetryConfig *RetryConfig

	// CircuitBreakerConfig configures the circuit breaker; nil means DefaultCircuitBreakerConfig()
	CircuitBreakerConfig *CircuitBreakerConfig
}

func defaultClientOptions() ClientOptions {
	return ClientOptions{
		BaseURL:   DefaultAPIEndpoint,
		Timeout:   DefaultTimeout,
		RateLimit: DefaultRateLimit,
		UserAgent: DefaultUserAgent,
	}
}

// Client is a RunPod REST API client
type Client struct {
	httpClient     *http.Client
	rateLimiter    *rate.Limiter
	circuitBreaker *CircuitBreaker
	retryConfig    RetryConfig
	baseURL        string
	apiKey         string
	userAgent      string
	logger         *zap.Logger
}

// NewClient creates a RunPod client authenticating with the given API key
func NewClient(apiKey string, opts *ClientOptions) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, NewConfigError("api_key", "API key cannot be empty")
	}

	var o ClientOptions
	if opts != nil {
		o = *opts
	}
	if err := mergo.Merge(&o, defaultClientOptions()); err != nil {
		return nil, fmt.Errorf("failed to apply client defaults: %w", err)
	}

	baseURL := strings.TrimRight(o.BaseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, NewConfigError("base_url", fmt.Sprintf("API URL must use HTTPS, got: %s", baseURL))
	}
	if o.RateLimit < 0 {
		return nil, NewConfigError("rate_limit", "rate limit cannot be negative")
	}

	httpClient := o.HTTPClient
	if httpClient == nil {
		var transport http.RoundTripper = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
		if o.HTTPTransport != nil {
			transport = o.HTTPTransport
		}
		httpClient = &http.Client{
			Timeout:   o.Timeout,
			Transport: transport,
		}
	}

	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	retryConfig := DefaultRetryConfig()
	if o.RetryConfig != nil {
		retryConfig = *o.RetryConfig
		if err := mergo.Merge(&retryConfig, DefaultRetryConfig()); err != nil {
			return nil, fmt.Errorf("failed to apply retry defaults: %w", err)
		}
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if o.CircuitBreakerConfig != nil {
		cbConfig = *o.CircuitBreakerConfig
		if err := mergo.Merge(&cbConfig, DefaultCircuitBreakerConfig()); err != nil {
			return nil, fmt.Errorf("failed to apply circuit breaker defaults: %w", err)
		}
	}

	// requests per minute to requests per second, bursting up to a minute's worth
	rps := float64(o.RateLimit) / 60.0
	limiter := rate.NewLimiter(rate.Limit(rps), max(o.RateLimit, 1))

	return &Client{
		httpClient:     httpClient,
		rateLimiter:    limiter,
		circuitBreaker: NewCircuitBreaker(cbConfig, logger.Named("circuit-breaker")),
		retryConfig:    retryConfig,
		baseURL:        baseURL,
		apiKey:         apiKey,
		userAgent:      o.UserAgent,
		logger:         logger.Named("runpod-client"),
	}, nil
}

// BaseURL returns the API endpoint the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stats returns the current circuit breaker statistics
func (c *Client) Stats() CircuitBreakerStats {
	return c.circuitBreaker.Stats()
}

// ListPods retrieves every pod visible to the API key
func (c *Client) ListPods(ctx context.Context) ([]Pod, error) {
	var pods []Pod
	if err := c.do(ctx, http.MethodGet, "/pods", nil, &pods); err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	return pods, nil
}

// CreatePod requests a new pod. POST is not idempotent so only failures that
// happen before the request reaches RunPod are retried.
func (c *Client) CreatePod(ctx context.Context, req *CreatePodRequest) (*Pod, error) {
	if req == nil {
		return nil, NewConfigError("request", "create request is required")
	}
	if req.ImageName == "" {
		return nil, NewConfigError("image_name", "image name is required")
	}
	if len(req.GPUTypeIDs) == 0 || req.GPUTypeIDs[0] == "" {
		return nil, NewConfigError("gpu_type_ids", "at least one GPU type is required")
	}

	var pod Pod
	if err := c.do(ctx, http.MethodPost, "/pods", req, &pod); err != nil {
		return nil, fmt.Errorf("failed to create pod %q: %w", req.Name, err)
	}
	if pod.ID == "" {
		return nil, nil
	}
	return &pod, nil
}

// SetTags replaces the tag set stored on a pod
func (c *Client) SetTags(ctx context.Context, podID string, tags map[string]string) error {
	if podID == "" {
		return NewConfigError("pod_id", "pod ID is required")
	}
	if tags == nil {
		tags = map[string]string{}
	}
	path := "/pods/" + url.PathEscape(podID) + "/tags"
	if err := c.do(ctx, http.MethodPut, path, &SetTagsRequest{Tags: tags}, nil); err != nil {
		return fmt.Errorf("failed to set tags on pod %s: %w", podID, err)
	}
	return nil
}

// RemovePod terminates a pod. A pod RunPod no longer knows about is treated as removed.
func (c *Client) RemovePod(ctx context.Context, podID string) error {
	if podID == "" {
		return NewConfigError("pod_id", "pod ID is required")
	}
	err := c.do(ctx, http.MethodDelete, "/pods/"+url.PathEscape(podID), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to remove pod %s: %w", podID, err)
	}
	return nil
}

// Close releases idle connections and flushes the logger
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	_ = c.logger.Sync()
	return nil
}

// do runs a request with retries and decodes the JSON response into result
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	logger := logging.WithRequestIDField(ctx, c.logger)
	attempt := 0

	operation := func() ([]byte, error) {
		attempt++
		data, err := c.attempt(ctx, logger, method, path, payload)
		if err != nil && !c.isRetryable(method, err) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}

	maxTries := uint(1)
	if c.retryConfig.MaxRetries > 0 {
		maxTries += uint(c.retryConfig.MaxRetries)
	}

	start := time.Now()
	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.APIRetries.WithLabelValues(method).Inc()
			logging.LogAPIRetry(logger, method, path, attempt, next.String(), err)
		}),
	)
	if err != nil {
		return err
	}

	logger.Debug("RunPod API request finished",
		zap.String("method", method),
		zap.String("endpoint", path),
		zap.Int("attempts", attempt),
		zap.Duration("elapsed", time.Since(start)))

	if result == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryConfig.InitialBackoff
	b.MaxInterval = c.retryConfig.MaxBackoff
	b.Multiplier = c.retryConfig.BackoffMultiplier
	b.RandomizationFactor = c.retryConfig.JitterFactor
	return b
}

// isRetryable reports whether a failed attempt may be repeated
func (c *Client) isRetryable(method string, err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if method == http.MethodPost && apiErr.StatusCode != http.StatusTooManyRequests {
			// the pod may already exist
			return false
		}
		return slices.Contains(c.retryConfig.RetryableStatusCodes, apiErr.StatusCode)
	}

	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return method != http.MethodPost || reqErr.beforeSend
	}
	return false
}

// requestError wraps failures below the HTTP status layer
type requestError struct {
	beforeSend bool
	err        error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// attempt performs a single HTTP round trip and returns the response body
func (c *Client) attempt(ctx context.Context, logger *zap.Logger, method, path string, payload []byte) ([]byte, error) {
	requestID := logging.GetRequestID(ctx)
	logging.LogAPICall(logger, method, path, requestID)

	waitStart := time.Now()
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}
	wait := time.Since(waitStart)
	metrics.APIRateLimitWaitDuration.WithLabelValues(method).Observe(wait.Seconds())
	if wait > 10*time.Millisecond {
		metrics.APIRateLimitedTotal.WithLabelValues(method).Inc()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	var (
		status int
		data   []byte
	)
	cbErr := c.circuitBreaker.Call(func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &requestError{err: err}
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		data, err = io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodySize))
		if err != nil {
			return &requestError{err: fmt.Errorf("failed to read response: %w", err)}
		}
		if status >= 400 {
			return c.newAPIError(resp, data)
		}
		return nil
	}, countsAgainstBackend)
	duration := time.Since(start)

	switch {
	case errors.Is(cbErr, ErrCircuitOpen):
		metrics.RecordAPIError(method, "circuit_open")
		logging.LogAPIError(logger, method, path, 0, cbErr, requestID)
		return nil, &requestError{beforeSend: true, err: cbErr}
	case status == 0 && cbErr != nil:
		metrics.RecordAPIError(method, "request_failed")
		metrics.RecordAPIRequest(method, "error", duration)
		logging.LogAPIError(logger, method, path, 0, cbErr, requestID)
		return nil, cbErr
	}

	metrics.RecordAPIRequest(method, strconv.Itoa(status), duration)
	logging.LogAPIResponse(logger, method, path, status, duration.String(), requestID)

	if cbErr != nil {
		metrics.RecordAPIError(method, errorType(status))
		// 404 on delete is routine
		if status != http.StatusNotFound {
			logging.LogAPIError(logger, method, path, status, cbErr, requestID)
		}
		return nil, cbErr
	}
	return data, nil
}

func (c *Client) newAPIError(resp *http.Response, body []byte) *APIError {
	requestID := resp.Header.Get("X-Request-ID")
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && (errResp.Error != "" || errResp.Message != "") {
		return NewAPIErrorWithRequestID(resp.StatusCode, errResp.Error, errResp.Message, requestID)
	}
	return NewAPIErrorWithRequestID(resp.StatusCode, http.StatusText(resp.StatusCode), string(body), requestID)
}

// countsAgainstBackend decides which failures trip the circuit breaker.
// Client errors such as 404 or 400 say nothing about backend health.
func countsAgainstBackend(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsServerError() || apiErr.IsRateLimited()
	}
	return !errors.Is(err, context.Canceled)
}
