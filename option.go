package storefront

import (
	"time"

	"github.com/vitwit/storefront/catalog"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
)

type Option func(*Storefront)

func WithLogger(l logger.Logger) Option {
	return func(s *Storefront) {
		s.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Storefront) {
		s.metrics = metrics.OrNoop(r)
	}
}

// WithTimeout bounds each call to the transaction service.
func WithTimeout(t time.Duration) Option {
	return func(s *Storefront) {
		s.timeout = t
	}
}

// WithCatalog replaces the catalog from the config.
func WithCatalog(c *catalog.Store) Option {
	return func(s *Storefront) {
		s.catalog = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Storefront) {
		s.now = now
	}
}
