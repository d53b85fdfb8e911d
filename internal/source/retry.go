package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/setavenger/blindbit-indexer/internal/logging"
)

const (
	defaultRetryCount    = 10
	defaultRetryWaitTime = 500 * time.Millisecond
	maxRetryWaitTime     = 30 * time.Second
)

var ErrRetryTimeout = errors.New("retries exhausted")

// StatusError is a non 2xx answer of the node's REST interface.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status code %d for %s", e.Code, e.URL)
}

type RetryConfig struct {
	retryCount       int
	retryWaitTime    time.Duration
	isRetryableError func(err error) bool
}

type RetryConfigOption func(c *RetryConfig)

func WithRetryCount(retryCount int) RetryConfigOption {
	return func(c *RetryConfig) {
		c.retryCount = retryCount
	}
}

func WithRetryWaitTime(retryWaitTime time.Duration) RetryConfigOption {
	return func(c *RetryConfig) {
		c.retryWaitTime = retryWaitTime
	}
}

func WithIsRetryableError(fn func(err error) bool) RetryConfigOption {
	return func(c *RetryConfig) {
		c.isRetryableError = fn
	}
}

// ExecuteWithRetry runs handler until it succeeds, fails with an error that
// is not retryable or the attempts run out. The wait doubles after every
// failed attempt.
func ExecuteWithRetry[T any](
	ctx context.Context, handler func(context.Context) (T, error), options ...RetryConfigOption,
) (result T, err error) {
	config := RetryConfig{
		retryCount:       defaultRetryCount,
		retryWaitTime:    defaultRetryWaitTime,
		isRetryableError: IsRetryable,
	}
	for _, opt := range options {
		opt(&config)
	}
	if config.retryCount < 1 {
		config.retryCount = 1
	}

	wait := config.retryWaitTime
	for count := 0; count < config.retryCount; count++ {
		result, err = handler(ctx)
		if err == nil {
			return result, nil
		}
		if !config.isRetryableError(err) {
			return result, err
		}
		logging.L.Warn().Err(err).Int("attempt", count+1).Dur("wait", wait).Msg("source call failed, retrying")

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxRetryWaitTime {
			wait = maxRetryWaitTime
		}
	}

	return result, fmt.Errorf("%w: %w", ErrRetryTimeout, err)
}

func IsContextDoneErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports transient failures: network errors, truncated bodies
// and 5xx answers.
func IsRetryable(err error) bool {
	if IsContextDoneErr(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	return false
}
