package mcpconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"
)

const (
	defaultMaxRetries     = 2
	defaultRetryBaseDelay = 500 * time.Millisecond
	maxErrorBodySnippet   = 512
)

// Statuses worth another attempt. Everything else is handed back to the
// caller as a terminal response.
var retryableStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
	http.StatusInsufficientStorage: {},
	509:                            {}, // Bandwidth Limit Exceeded, no stdlib constant
}

// requester executes the HTTP calls of a streamable transport: it stamps
// shared headers, runs the AuthProvider, and retries transient failures with
// exponential backoff. DELETE requests are never retried since session
// teardown must not be replayed against a server that already acted on it.
type requester struct {
	client     *http.Client
	auth       AuthProvider
	maxRetries uint
	baseDelay  time.Duration
	logger     *slog.Logger
}

func newRequester(client *http.Client, auth AuthProvider, maxRetries uint, baseDelay time.Duration, logger *slog.Logger) *requester {
	if client == nil {
		client = http.DefaultClient
	}
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &requester{
		client:     client,
		auth:       auth,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
	}
}

// do executes one request, retrying transient statuses and network failures
// up to maxRetries additional attempts. On success the response is returned
// with its body open; a retryable status that survives every attempt comes
// back as an HTTPStatusError carrying the last status and a body excerpt.
func (r *requester) do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	attempts := r.maxRetries + 1
	if method == http.MethodDelete {
		attempts = 1
	}

	var resp *http.Response
	err := retry.Do(
		func() error {
			rp, err := r.doOnce(ctx, method, url, body, header)
			if err != nil {
				return err
			}
			if _, retryable := retryableStatuses[rp.StatusCode]; retryable {
				statusErr := &HTTPStatusError{StatusCode: rp.StatusCode, Body: readBodySnippet(rp.Body)}
				rp.Body.Close()
				return statusErr
			}
			resp = rp
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(r.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Debug("retrying request",
				slog.String("method", method),
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("err", err.Error()))
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// doOnce executes a single attempt with no retry policy. Protocol detection
// uses it directly because a fallback decision must be made on the first
// response, not on the last of several.
func (r *requester) doOnce(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if r.auth != nil {
		if err := r.auth.Authorize(req); err != nil {
			return nil, fmt.Errorf("failed to authorize request: %w", err)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func readBodySnippet(body io.Reader) string {
	bs, err := io.ReadAll(io.LimitReader(body, maxErrorBodySnippet))
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(bs))
}
