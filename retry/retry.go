// Package retry holds the transient I/O error class and the bounded
// backoff loop that operators run around broker and object store calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTransient marks a failure that may succeed when attempted again:
// timeouts, throttling, 5xx responses, dropped connections.
var ErrTransient = errors.New("transient i/o error")

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err belongs to the transient class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Policy bounds a retry loop.
type Policy struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`

	// Notify, when set, is called before each wait.
	Notify func(err error, wait time.Duration) `yaml:"-"`
}

// DefaultPolicy is used when a component is configured without one.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	def := DefaultPolicy()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval, eb.MaxInterval = def.InitialInterval, def.MaxInterval
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = p.exponential()
	if p.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, returns a non-transient error, the
// retries run out, or ctx is done. The last error is returned as is, so
// an exhausted loop still satisfies IsTransient.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	var last error
	err := backoff.RetryNotify(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		if p.Notify != nil {
			p.Notify(err, wait)
		}
	})
	if err != nil && last != nil && ctx.Err() == nil {
		return last
	}
	return err
}

// Backoff returns the wait before the given attempt (1-based) of a
// loop that is not driven by Do, such as the commit retry cycle. It is
// the un-jittered schedule of Do.
func (p Policy) Backoff(attempt int) time.Duration {
	eb := p.exponential()
	eb.RandomizationFactor = 0
	eb.Reset()
	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
