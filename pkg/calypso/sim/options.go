package sim

import (
	"io"
	"log/slog"
)

type config struct {
	keys Keys
	rand io.Reader
	log  *slog.Logger
}

func newConfig(opts []Option) config {
	cfg := config{keys: DefaultKeys(), rand: defaultRand, log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures a simulated PO or SAM.
type Option func(*config)

// WithKeys replaces DefaultKeys. The PO and the SAM must share them.
func WithKeys(k Keys) Option {
	return func(c *config) {
		c.keys = k
	}
}

// WithRand sets the source of the challenges.
func WithRand(r io.Reader) Option {
	return func(c *config) {
		c.rand = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}
