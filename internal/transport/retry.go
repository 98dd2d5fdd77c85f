package transport

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/cosimctl/pkg/api"
)

// RetryConfig defines retry behavior for operator-side sends. The orchestrator itself
// never retries.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus []int
}

// DefaultRetryConfig retries a full queue and an unavailable hub.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: []int{429, 502, 503, 504},
	}
}

func (c RetryConfig) shouldRetry(err error) bool {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if !errors.As(err, &se) {
		// connection level failure
		return true
	}
	for _, code := range c.RetryableStatus {
		if se.Code == code {
			return true
		}
	}
	return false
}

// delay is exponential backoff with ±25% jitter, capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// SendWithRetry sends msg, retrying transient failures with backoff.
func SendWithRetry(ctx context.Context, c *Client, msg api.Message, endpoint string, cfg RetryConfig) error {
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err = c.Send(ctx, msg, endpoint); err == nil {
			return nil
		}
		if attempt == cfg.MaxRetries || !cfg.shouldRetry(err) {
			break
		}
		d := cfg.delay(attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Int("max_retries", cfg.MaxRetries).Dur("delay", d).
			Msg("send failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return err
}
