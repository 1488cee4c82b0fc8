package rabbit

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Option customises a ConnectionManager, Publisher or Consumer. Options that
// do not apply to a given constructor are ignored by it.
type Option func(*options)

type options struct {
	dialer     Dialer
	observer   Observer
	tracer     Tracer
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		observer: nopObserver{},
		tracer:   nopTracer{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDialer replaces the amqp091-go dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithObserver reports pipeline events, typically to *metrics.Metrics.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithTracer enables span creation and trace header propagation.
func WithTracer(t Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithBackOff overrides the reconnect delay policy derived from the config.
// The factory is called once per disconnect episode.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(o *options) {
		if newBackOff != nil {
			o.newBackOff = newBackOff
		}
	}
}

// WithClock overrides time.Now, used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// reconnectBackOff builds the delay policy described by cfg: a constant
// DelayToReconnect by default, exponential up to MaxDelayToReconnect when
// ExponentialBackoff is set. Both retry forever.
func reconnectBackOff(cfg ChannelConfig) func() backoff.BackOff {
	delay := cfg.reconnectDelay()
	if !cfg.ExponentialBackoff {
		return func() backoff.BackOff {
			return backoff.NewConstantBackOff(delay)
		}
	}
	maxDelay := time.Duration(cfg.MaxDelayToReconnect) * time.Millisecond
	if maxDelay < delay {
		maxDelay = delay
	}
	return func() backoff.BackOff {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(delay),
			backoff.WithMaxInterval(maxDelay),
			backoff.WithMaxElapsedTime(0),
		)
	}
}
