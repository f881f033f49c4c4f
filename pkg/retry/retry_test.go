package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// failing returns errFlaky for the first n calls.
func failing(n int, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return errFlaky
		}
		return nil
	}
}

func TestDo_SucceedsFirstTime(t *testing.T) {
	calls := 0
	require.NoError(t, Do(context.Background(), fastConfig(), failing(0, &calls)))
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		assert.ErrorIs(t, err, errFlaky)
		retried = append(retried, attempt)
	}
	require.NoError(t, Do(context.Background(), cfg, failing(2, &calls)))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_GivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), failing(100, &calls))
	assert.ErrorIs(t, err, errFlaky)
	assert.Contains(t, err.Error(), "gave up after 4 attempts")
	assert.Equal(t, 4, calls)
}

func TestDo_ZeroConfigTriesOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{}, failing(100, &calls))
	assert.Equal(t, errFlaky, err)
	assert.Equal(t, 1, calls)
}

func TestDo_Permanent(t *testing.T) {
	calls := 0
	cause := fmt.Errorf("handshake: %w", errFlaky)
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	assert.Same(t, cause, err)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	calls := 0
	err := Do(ctx, cfg, failing(100, &calls))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastConfig(), func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errFlaky
		}
		return "connected", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "connected", v)

	v, err = DoValue(context.Background(), Config{}, func(context.Context) (string, error) {
		return "partial", errFlaky
	})
	assert.Error(t, err)
	assert.Empty(t, v)
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(cfg, 2))
	assert.Equal(t, time.Second, Backoff(cfg, 10))

	cfg.Multiplier = 0
	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 5))

	cfg.Multiplier = 2
	cfg.Jitter = true
	for i := 0; i < 50; i++ {
		d := Backoff(cfg, 1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}
