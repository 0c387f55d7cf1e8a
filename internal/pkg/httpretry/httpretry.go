// Package httpretry is an http.RoundTripper that retries transient failures
// with exponential backoff.
package httpretry

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/googleapis/gax-go/v2"

	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/pkg/logger"
)

// Transport retries network errors, 429 and 5xx responses. Requests whose
// body cannot be replayed are sent once.
type Transport struct {
	Base       http.RoundTripper
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Log        *logger.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wraps base (http.DefaultTransport when nil).
func New(base http.RoundTripper, maxRetries int, baseDelay, maxDelay time.Duration, log *logger.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		Base:       base,
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		Log:        logger.OrDefault(log).WithComponent("httpretry"),
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	bo := gax.Backoff{Initial: t.BaseDelay, Max: t.MaxDelay, Multiplier: 2}
	sleep := t.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	attemptReq := req
	for attempt := 0; ; attempt++ {
		resp, err := t.Base.RoundTrip(attemptReq)
		if attempt >= t.MaxRetries || !retryable(req.Context(), resp, err) || !replayable(req) {
			return resp, err
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		delay := bo.Pause()
		t.Log.FromContext(req.Context()).Warn("retrying http request",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt+1,
			"status", status,
			"delay_ms", delay.Milliseconds(),
		)

		if err := sleep(req.Context(), delay); err != nil {
			return nil, err
		}

		attemptReq = req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, errors.Wrap(err, "httpretry", "rewind request body")
			}
			attemptReq.Body = body
		}
	}
}

func retryable(ctx context.Context, resp *http.Response, err error) bool {
	if err != nil {
		return ctx.Err() == nil
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
