// Package fetcher downloads upstream documents with a per-attempt timeout, a
// fixed retry delay and an overall time budget.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"iptv-proxy/work/config"
	"iptv-proxy/work/logger"
	"iptv-proxy/work/metrics"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
)

// Doer sends a prepared request. *http.Client and client.HeaderSettingClient satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-200 upstream response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// StatusCode extracts the upstream status from err, or 0 when err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Fetcher performs GET requests and decodes successful bodies into T.
type Fetcher[T any] struct {
	kind   string
	client Doer
	budget config.Budget
	decode func(io.Reader) (T, error)
}

// New creates a fetcher. kind labels log lines and metrics ("playlist", "info", "xmltv").
func New[T any](kind string, client Doer, budget config.Budget, decode func(io.Reader) (T, error)) *Fetcher[T] {
	return &Fetcher[T]{kind: kind, client: client, budget: budget, decode: decode}
}

// Strings creates a fetcher returning the body as text.
func Strings(kind string, client Doer, budget config.Budget) *Fetcher[string] {
	return New(kind, client, budget, func(r io.Reader) (string, error) {
		b, err := io.ReadAll(r)
		return string(b), err
	})
}

// Bytes creates a fetcher returning the raw body.
func Bytes(kind string, client Doer, budget config.Budget) *Fetcher[[]byte] {
	return New(kind, client, budget, io.ReadAll)
}

// Fetch downloads url, retrying network errors, timeouts and non-200 responses
// until the total budget is spent. prepare hooks run on every attempt's request
// before it is sent.
func (f *Fetcher[T]) Fetch(ctx context.Context, what, url string, prepare ...func(*http.Request)) (T, error) {
	rid := uuid.NewString()[:8]
	attempt := 0
	var lastErr error

	policy := f.retryPolicy(ctx)
	result, err := failsafe.With(policy).WithContext(ctx).Get(func() (T, error) {
		attempt++
		logger.Debug("{fetcher - Fetch} %s %s: attempt %d for %s", rid, f.kind, attempt, what)

		start := time.Now()
		v, err := f.attempt(ctx, url, prepare)
		if err != nil {
			lastErr = err
			metrics.FetchAttempts.WithLabelValues(f.kind, "error").Inc()
			logger.Warn("{fetcher - Fetch} %s %s: attempt %d for %s failed after %v: %v",
				rid, f.kind, attempt, what, time.Since(start).Round(time.Millisecond), err)
			return v, err
		}
		metrics.FetchAttempts.WithLabelValues(f.kind, "ok").Inc()
		logger.Debug("{fetcher - Fetch} %s %s: %s loaded in %v", rid, f.kind, what, time.Since(start).Round(time.Millisecond))
		return v, nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		var zero T
		logger.Error("{fetcher - Fetch} %s %s: giving up on %s after %d attempts: %v", rid, f.kind, what, attempt, lastErr)
		return zero, fmt.Errorf("fetch %s: %w", what, lastErr)
	}
	return result, nil
}

// retryPolicy retries every failure except cancellation of the caller's context.
// With no total budget a single attempt is made.
func (f *Fetcher[T]) retryPolicy(ctx context.Context) retrypolicy.RetryPolicy[T] {
	builder := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return err != nil && ctx.Err() == nil
		})

	if f.budget.TotalTimeout <= 0 {
		return builder.WithMaxRetries(0).Build()
	}

	delay := f.budget.RetryDelay
	if delay >= f.budget.TotalTimeout {
		delay = f.budget.TotalTimeout / 2
	}
	if delay > 0 {
		builder = builder.WithDelay(delay)
	}
	return builder.
		WithMaxRetries(-1).
		WithMaxDuration(f.budget.TotalTimeout).
		Build()
}

// attempt performs one bounded GET.
func (f *Fetcher[T]) attempt(ctx context.Context, url string, prepare []func(*http.Request)) (T, error) {
	var zero T

	if f.budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.budget.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return zero, err
	}
	for _, p := range prepare {
		p(req)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return zero, &StatusError{Code: resp.StatusCode, URL: url}
	}

	// the body read is bounded by the same per-attempt context
	return f.decode(resp.Body)
}
