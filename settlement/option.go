package settlement

import (
	"time"

	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
	"github.com/vitwit/storefront/verification"
)

type Option func(*Orchestrator)

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics.OrNoop(r)
	}
}

// WithTimeout bounds every call to the submission and status services.
func WithTimeout(t time.Duration) Option {
	return func(o *Orchestrator) {
		if t > 0 {
			o.timeout = t
		}
	}
}

func WithPolicy(p verification.Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithPollInterval sets the default interval used by WaitForConfirmation.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithObserver registers fn to be called after every attempt transition.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}
