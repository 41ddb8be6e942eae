package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond, Multiplier: 2}
	require.Equal(t, 100*time.Millisecond, p.Delay(0))
	require.Equal(t, 200*time.Millisecond, p.Delay(1))
	require.Equal(t, 350*time.Millisecond, p.Delay(2))
	require.Equal(t, 350*time.Millisecond, p.Delay(10))
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(3), zerolog.Nop(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRunExhaustionReturnsUnavailable(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(3), zerolog.Nop(), func(context.Context) error {
		calls++
		return errors.New("boom")
	}, nil)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, 3, calls)
}

func TestRunRecoversSessionOnceWithoutConsumingBudget(t *testing.T) {
	calls := 0
	recoveries := 0
	err := Run(context.Background(), fastPolicy(1), zerolog.Nop(), func(context.Context) error {
		calls++
		if calls == 1 {
			return ErrSessionExpired
		}
		return nil
	}, func(context.Context) error {
		recoveries++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, recoveries)
}

func TestRunSecondAuthFailureIsTerminal(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(5), zerolog.Nop(), func(context.Context) error {
		calls++
		return ErrAuthenticationFailed
	}, func(context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.Equal(t, 2, calls)
}

func TestRunFailedRecoveryIsTerminal(t *testing.T) {
	err := Run(context.Background(), fastPolicy(5), zerolog.Nop(), func(context.Context) error {
		return ErrSessionExpired
	}, func(context.Context) error {
		return errors.New("login broken")
	})
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRunWriteRejectionIsNotRetried(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(5), zerolog.Nop(), func(context.Context) error {
		calls++
		return ErrWriteRejected
	}, nil)
	require.ErrorIs(t, err, ErrWriteRejected)
	require.Equal(t, 1, calls)
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, fastPolicy(3), zerolog.Nop(), func(context.Context) error {
		t.Fatal("op must not run on a cancelled context")
		return nil
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
