package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDo(t *testing.T) {
	t.Run("retries transient until success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
			calls++
			if calls < 3 {
				return Transient(errors.New("timeout"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted retries keep the transient class", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(2), func(context.Context) error {
			calls++
			return Transient(errors.New("throttled"))
		})
		require.ErrorIs(t, err, ErrTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled context ends the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, Policy{MaxRetries: -1, InitialInterval: time.Hour}, func(context.Context) error {
			return Transient(errors.New("down"))
		})
		require.Error(t, err)
	})
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))
	err := Transient(errors.New("reset"))
	assert.True(t, IsTransient(err))
	assert.Equal(t, err, Transient(err))
}

func TestBackoff(t *testing.T) {
	p := Policy{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"first attempt waits the initial interval", p, 1, 10 * time.Millisecond},
		{"doubles", p, 2, 20 * time.Millisecond},
		{"doubles again", p, 3, 40 * time.Millisecond},
		{"capped", p, 4, 50 * time.Millisecond},
		{"stays capped", p, 30, 50 * time.Millisecond},
		{"zero policy uses the defaults", Policy{}, 1, 100 * time.Millisecond},
		{"zero policy cap", Policy{}, 20, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Backoff(tt.attempt))
		})
	}
}
