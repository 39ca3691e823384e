package ecommerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
)

// maxResponseSize is the maximum accepted response size from a remote API (10MB)
const maxResponseSize = 10 * 1024 * 1024

// maxErrorMessage bounds how much of a rejected response ends up in errors
const maxErrorMessage = 256

// Authorizer attaches credentials to an outgoing request. It runs on every
// attempt so refreshed tokens are picked up between retries.
type Authorizer func(ctx context.Context, r *resty.Request) error

// Request describes one logical API call. The transport may send it several times.
type Request struct {
	// Op names the call in errors, spans and metrics, e.g. "storefront.push_stock"
	Op      string
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Headers map[string]string
	Auth    Authorizer
	// Sign is called on every attempt with the encoded body
	Sign func(r *resty.Request, body []byte)
}

// Response is a successful (2xx) answer
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("ecommerce: decode response: %w", err)
	}
	return nil
}

// RequestObserver is notified once per HTTP attempt
type RequestObserver interface {
	ObserveConnectorRequest(ctx context.Context, kind integration.ConnectorKind, op string, statusCode int, elapsed time.Duration)
}

// Transport is the HTTP client every connector sends through. Each attempt first
// takes a token from the connection's bucket, transient failures are retried with
// jittered exponential backoff and a Retry-After hint replaces the backoff delay.
type Transport struct {
	client   *resty.Client
	limiters *LimiterRegistry
	config   *TransportConfig
	observer RequestObserver
	logger   *zap.Logger
}

// TransportOption configures a Transport
type TransportOption func(*Transport)

// WithObserver reports every attempt to o
func WithObserver(o RequestObserver) TransportOption {
	return func(t *Transport) {
		t.observer = o
	}
}

// WithRoundTripper replaces the underlying HTTP transport
func WithRoundTripper(rt http.RoundTripper) TransportOption {
	return func(t *Transport) {
		t.client.SetTransport(rt)
	}
}

// NewTransport creates a transport sharing limiters across all connectors
func NewTransport(cfg *TransportConfig, limiters *LimiterRegistry, logger *zap.Logger, opts ...TransportOption) (*Transport, error) {
	if cfg == nil {
		cfg = NewTransportConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if limiters == nil {
		limiters = NewLimiterRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetResponseBodyLimit(maxResponseSize).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json")

	t := &Transport{
		client:   client,
		limiters: limiters,
		config:   cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Limiters returns the registry the transport waits on
func (t *Transport) Limiters() *LimiterRegistry {
	return t.limiters
}

// Do sends req to conn's endpoint and returns the first 2xx answer.
//
// Errors are the integration taxonomy: *AuthenticationError for 401/403,
// *PermanentRequestError for other 4xx, *RateLimitError when 429s exhausted the
// retry budget and *TransientNetworkError when the remote stayed unreachable.
func (t *Transport) Do(ctx context.Context, conn *integration.Connection, req Request) (*Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "connector."+req.Op,
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute(telemetry.SpanAttrConnectionID, conn.ID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrConnector, string(conn.Kind)),
		telemetry.WithAttribute("http.method", req.Method),
	)
	defer span.End()

	var body []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("ecommerce: encode %s request: %w", req.Op, err)
		}
		body = encoded
	}

	attempts := 0
	operation := func() (*Response, error) {
		attempts++
		if err := t.limiters.Wait(ctx, conn); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("ecommerce: waiting for rate limit token: %w", err))
		}
		return t.attempt(ctx, conn, req, body)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(t.newBackOff()),
		backoff.WithMaxTries(uint(t.config.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.logger.Debug("Retrying connector call",
				zap.String("op", req.Op),
				zap.String("connection_id", conn.ID.String()),
				zap.Int("attempt", attempts),
				zap.Duration("next", next),
				zap.Error(surface(err)),
			)
		}),
	)
	telemetry.SetAttribute(span, "http.attempts", attempts)
	if err != nil {
		err = surface(err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttribute(span, "http.status_code", resp.StatusCode)
	telemetry.SetOK(span)
	return resp, nil
}

func (t *Transport) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.config.InitialInterval
	b.MaxInterval = t.config.MaxInterval
	b.RandomizationFactor = t.config.RandomizationFactor
	return b
}

func (t *Transport) attempt(ctx context.Context, conn *integration.Connection, req Request, body []byte) (*Response, error) {
	r := t.client.R().SetContext(ctx)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if len(req.Query) > 0 {
		r.SetQueryParamsFromValues(req.Query)
	}
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if req.Auth != nil {
		if err := req.Auth(ctx, r); err != nil {
			if integration.IsTransient(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
	}
	if req.Sign != nil {
		req.Sign(r, body)
	}

	started := time.Now()
	res, err := r.Execute(req.Method, conn.Endpoint+req.Path)
	status := 0
	if res != nil && res.RawResponse != nil {
		status = res.StatusCode()
	}
	if t.observer != nil {
		t.observer.ObserveConnectorRequest(ctx, conn.Kind, req.Op, status, time.Since(started))
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, backoff.Permanent(ctxErr)
		}
		if errors.Is(err, resty.ErrResponseBodyTooLarge) {
			return nil, backoff.Permanent(&integration.PermanentRequestError{
				Op: req.Op, StatusCode: status, Message: "response exceeds size limit",
			})
		}
		return nil, &integration.TransientNetworkError{Op: req.Op, Err: err}
	}
	return classify(req.Op, res, time.Now())
}

// classify maps an HTTP answer onto the error taxonomy. Retryable answers come
// back as plain errors, everything else as *backoff.PermanentError.
func classify(op string, res *resty.Response, now time.Time) (*Response, error) {
	code := res.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return &Response{StatusCode: code, Header: res.Header(), Body: res.Body()}, nil
	case code == http.StatusTooManyRequests:
		wait := parseRetryAfter(res.Header().Get("Retry-After"), now)
		limited := &integration.RateLimitError{Op: op, RetryAfter: wait}
		if wait > 0 {
			return nil, errors.Join(limited, &backoff.RetryAfterError{Duration: wait})
		}
		return nil, limited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, backoff.Permanent(&integration.AuthenticationError{Op: op, StatusCode: code})
	case code == http.StatusRequestTimeout || code >= 500:
		return nil, &integration.TransientNetworkError{Op: op, StatusCode: code}
	default:
		return nil, backoff.Permanent(&integration.PermanentRequestError{
			Op: op, StatusCode: code, Message: errorMessage(res.Body()),
		})
	}
}

// surface strips retry plumbing so callers see taxonomy errors only
func surface(err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	var limited *integration.RateLimitError
	if errors.As(err, &limited) {
		return limited
	}
	return err
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// errorMessage extracts a readable reason from a rejected response
func errorMessage(body []byte) string {
	var payload struct {
		Error   any    `json:"error"`
		Errors  any    `json:"errors"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			return truncate(payload.Message)
		case payload.Error != nil:
			return truncate(fmt.Sprint(payload.Error))
		case payload.Errors != nil:
			return truncate(fmt.Sprint(payload.Errors))
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	if len(s) <= maxErrorMessage {
		return s
	}
	return s[:maxErrorMessage]
}
