package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Policy bounds the retry behavior of a single transport call. The zero
// value is not usable; construct with DefaultPolicy or from config.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy returns the retry budget used when config is silent.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2}
}

func (p Policy) sanitized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the backoff before the given zero-based retry attempt.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.sanitized()
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Run executes op under the policy. Authentication and session errors
// trigger the recover hook exactly once without consuming the attempt
// budget; a second one fails the call outright. Write rejections are
// terminal because repeating a write may have side effects. All sleeps
// are context-cancellable.
func Run(ctx context.Context, p Policy, logger zerolog.Logger, op func(ctx context.Context) error, recover func(ctx context.Context) error) error {
	p = p.sanitized()
	recovered := false
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, ErrWriteRejected) {
			return err
		}
		if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrSessionExpired) {
			if recovered || recover == nil {
				return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
			}
			recovered = true
			logger.Warn().Err(err).Msg("session invalid, re-authenticating")
			if rerr := recover(ctx); rerr != nil {
				return fmt.Errorf("%w: re-authentication: %v", ErrAuthenticationFailed, rerr)
			}
			attempt--
			continue
		}
		lastErr = err
		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.Delay(attempt)
		logger.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("transport call failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
