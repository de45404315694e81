package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/Willebrew/stratuscode/logging"
)

// RetryPolicy configures exponential backoff for stream opens.
type RetryPolicy struct {
	MaxRetries        int     // attempts after the first
	BaseDelay         float64 // seconds
	MaxDelay          float64 // seconds
	BackoffMultiplier float64
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy retries twice starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay before retry attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return seconds(delay)
}

// wait picks the pause before attempt n. A server-requested wait replaces
// the backoff; one longer than MaxDelay ends the retries.
func (p RetryPolicy) wait(err error, attempt int) (time.Duration, bool) {
	var ra interface{ retryAfter() *float64 }
	if errors.As(err, &ra) {
		if after := ra.retryAfter(); after != nil {
			if *after > p.MaxDelay {
				return 0, false
			}
			return seconds(*after), true
		}
	}
	return p.Delay(attempt), true
}

// Retry runs fn until it succeeds, fails with an error IsRetryable rejects,
// or the policy runs out of attempts. The last error is returned as is.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !IsRetryable(err) {
			return zero, err
		}
		delay, ok := policy.wait(err, attempt)
		if !ok {
			logging.Warn("provider asked to wait longer than the retry ceiling", "error", err, "max_delay", policy.MaxDelay)
			return zero, err
		}

		logging.Debug("retrying provider call", "attempt", attempt+1, "delay", delay, "error", err)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
	case <-t.C:
		return nil
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// retryAfterHeader reads a Retry-After header given in seconds.
func retryAfterHeader(resp *http.Response) *float64 {
	if resp == nil {
		return nil
	}
	v, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}
