// Package retry retries idempotent gateway calls on transient failures with
// jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used for any zero or negative field.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client runs operations under a retry policy.
type Client struct {
	logger logrus.FieldLogger
	config Config
}

// NewClient returns a Client. Invalid config fields fall back to DefaultConfig
// and a nil logger discards output.
func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Client{logger: logger, config: cfg}
}

// Run retries fn until it succeeds, returns a non-transient error, exhausts
// MaxRetries or runs out of time.
func (c *Client) Run(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Run for operations that return a value.
func Do[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff
	log := c.logger.WithField("op", op)

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: operation canceled: %w", op, ctx.Err())
		}
		if opCtx.Err() != nil {
			return zero, fmt.Errorf("%s: timed out after %v: %w", op, c.config.Timeout, opCtx.Err())
		}

		v, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				log.WithField("attempt", attempt+1).Info("Succeeded after retry")
			}
			return v, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == c.config.MaxRetries {
			break
		}
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"max":     c.config.MaxRetries + 1,
			"backoff": backoff,
		}).Warn("Transient error, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = c.nextBackoff(backoff)
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: operation canceled during backoff: %w", op, ctx.Err())
		case <-opCtx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed: %w", op, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

var transientPatterns = []string{
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"unexpected eof",
	"429", // Too Many Requests
	"502", // Bad Gateway
	"503", // Service Unavailable
	"504", // Gateway Timeout
	"network",
	"dns",
	"tcp",
}

// IsTransient reports whether err looks like a failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
