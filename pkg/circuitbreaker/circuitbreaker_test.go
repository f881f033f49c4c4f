package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(cfg Config) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	b := New(cfg)
	b.now = c.now
	return b, c
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Second})
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, Cooldown: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, ok))
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Second, MaxProbes: 1})
	ctx := context.Background()

	var transitions []string
	b.OnStateChange(func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) })

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	c.t = c.t.Add(time.Second)
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	c.t = c.t.Add(time.Second)
	assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrOpen)
}

func TestBreaker_ProbeBudget(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second, MaxProbes: 1})
	ctx := context.Background()
	_ = b.Execute(ctx, fail)
	c.t = c.t.Add(time.Second)

	err := b.Execute(ctx, func(ctx context.Context) error {
		// a second call while the probe is in flight is rejected
		assert.ErrorIs(t, b.Execute(ctx, ok), ErrOpen)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, Cooldown: time.Second})

	err := b.Execute(context.Background(), func(context.Context) error { return context.DeadlineExceeded })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, b.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Execute(ctx, fail), context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, Cooldown: time.Hour})
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), ok))
}
