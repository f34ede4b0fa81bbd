package graphql

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

	"github.com/jensneuse/abstractlogger"

	"github.com/jamesprial/gqlwire/internal/config"
	"github.com/jamesprial/gqlwire/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// HTTPClient is the Transport implementation that sends GraphQL requests
// as JSON POST bodies over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	endpoint   string
	headers    map[string]string
	timeout    time.Duration
	tokens     TokenSource
	log        abstractlogger.Logger
	metrics    *metrics.Metrics
}

// Option configures an HTTPClient.
type Option func(c *HTTPClient)

// WithTokenSource attaches a bearer credential to every request.
func WithTokenSource(tokens TokenSource) Option {
	return func(c *HTTPClient) {
		c.tokens = tokens
	}
}

// WithLogger sets the client logger.
func WithLogger(log abstractlogger.Logger) Option {
	return func(c *HTTPClient) {
		c.log = log
	}
}

// WithMetrics records request outcomes and latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *HTTPClient) {
		c.metrics = m
	}
}

// WithHTTPClient replaces the underlying *http.Client. Its Timeout should
// be zero; deadlines are applied per call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// NewHTTPClient constructs an HTTPClient from the provided GraphQLConfig.
// It returns an error if cfg.Endpoint is empty or not an absolute http(s)
// URL. When cfg.Timeout is zero or negative, a default of 10 seconds is
// used.
func NewHTTPClient(cfg config.GraphQLConfig, opts ...Option) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("graphql: endpoint is required")
	}
	endpoint, err := normalizeURL(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	c := &HTTPClient{
		httpClient: &http.Client{},
		endpoint:   endpoint,
		headers:    headers,
		timeout:    timeout,
		log:        abstractlogger.NoopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the normalized endpoint URL.
func (c *HTTPClient) Endpoint() string { return c.endpoint }

// normalizeURL trims trailing slashes from rawURL and appends /graphql when
// the URL carries no path at all.
func normalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return "", fmt.Errorf("graphql: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("graphql: endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("graphql: endpoint %q has no host", rawURL)
	}
	if u.Path == "" {
		u.Path = "/graphql"
	}
	return u.String(), nil
}

type callOptions struct {
	endpoint string
	headers  map[string]string
	timeout  time.Duration
}

// CallOption overrides client defaults for a single Execute call.
type CallOption func(o *callOptions)

// WithEndpoint sends one call to endpoint instead of the client default.
func WithEndpoint(endpoint string) CallOption {
	return func(o *callOptions) {
		o.endpoint = endpoint
	}
}

// WithHeader sets a header on one call. It overrides a client header of
// the same name.
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithTimeout sets the deadline of one call. Non-positive values keep the
// client default.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Execute sends req to the configured endpoint and returns the decoded
// response. A response carrying an errors array is returned as a normal
// Result; interpreting those errors is left to the caller.
//
// Execute returns a *TransportError if:
//   - the deadline expires before the response is read (KindTimeout)
//   - the request cannot be sent (KindConnection)
//   - the server responds with a non-2xx status code (KindHTTPStatus)
//   - the response body is not a GraphQL JSON document (KindDecode)
func (c *HTTPClient) Execute(ctx context.Context, req Request, opts ...CallOption) (*Result, error) {
	co := callOptions{endpoint: c.endpoint, timeout: c.timeout}
	for _, opt := range opts {
		opt(&co)
	}

	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("graphql: query is required")
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Kind: KindUnknown, Err: fmt.Errorf("marshal request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, co.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, co.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &TransportError{Kind: KindUnknown, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range co.headers {
		httpReq.Header.Set(k, v)
	}
	if c.tokens != nil {
		if token, ok := c.tokens.Token(); ok {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	result, err := c.do(ctx, httpReq)
	c.metrics.ObserveRequest(outcome(err), time.Since(start))
	if err != nil {
		c.log.Debug("graphql.Execute",
			abstractlogger.String("endpoint", co.endpoint),
			abstractlogger.String("operation", req.OperationName),
			abstractlogger.Error(err),
		)
		return nil, err
	}
	if len(result.Errors) > 0 {
		c.log.Debug("graphql.Execute: server returned errors",
			abstractlogger.String("operation", req.OperationName),
			abstractlogger.Int("errors", len(result.Errors)),
		)
	}
	return result, nil
}

func (c *HTTPClient) do(ctx context.Context, httpReq *http.Request) (*Result, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err, KindConnection)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &TransportError{
			Kind:       KindHTTPStatus,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	var members map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return nil, classify(ctx, fmt.Errorf("decode response: %w", err), KindDecode)
	}
	return decodeResult(members)
}

// decodeResult requires at least one of the data and errors members. A
// null body decodes to a nil map and is rejected the same way.
func decodeResult(members map[string]json.RawMessage) (*Result, error) {
	data, hasData := members["data"]
	rawErrors, hasErrors := members["errors"]
	if !hasData && !hasErrors {
		return nil, &TransportError{Kind: KindDecode, Err: errors.New("decode response: no data or errors member")}
	}

	result := &Result{Data: data}
	if hasErrors && !bytes.Equal(bytes.TrimSpace(rawErrors), []byte("null")) {
		if err := json.Unmarshal(rawErrors, &result.Errors); err != nil {
			return nil, &TransportError{Kind: KindDecode, Err: fmt.Errorf("decode errors: %w", err)}
		}
	}
	return result, nil
}

// classify maps err to a TransportError, preferring KindTimeout whenever
// the call's deadline has passed.
func classify(ctx context.Context, err error, fallback ErrorKind) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &TransportError{Kind: KindTimeout, Err: context.DeadlineExceeded}
	case errors.Is(err, context.Canceled):
		return &TransportError{Kind: KindUnknown, Err: err}
	default:
		return &TransportError{Kind: fallback, Err: err}
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}

var _ Transport = (*HTTPClient)(nil)
