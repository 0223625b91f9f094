package tracker

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"modelswarm/internal/domain"
)

// RetryConfig shapes the backoff used by RetryWithBackoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig: 3 attempts, 250ms then 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryWithBackoff calls fn until it succeeds, fails permanently, or runs
// out of attempts. Waits grow by Multiplier with ±25% jitter; an upstream
// Retry-After hint raises the wait, never past MaxDelay.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := max(cfg.MaxAttempts, 1)
	delay := cfg.InitialDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || !isTransientError(err) {
			return err
		}

		wait := max(jitter(delay), retryAfter(err))
		if cfg.MaxDelay > 0 {
			wait = min(wait, cfg.MaxDelay)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

func retryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads the delay-seconds form of a Retry-After header.
func ParseRetryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// isTransientError reports errors worth another attempt: network failures,
// truncated bodies, throttling and 5xx replies. Missing repositories and
// descriptors are final.
func isTransientError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrDescriptorNotFound):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
		return statusErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused")
}
