package ra

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/pkg/config"
)

// Option configures an RA or a Bridge.
type Option func(*options) error

type options struct {
	logger         *zap.Logger
	redact         bool
	expiry         time.Duration
	defaultProfile string
	metrics        *Metrics
	audit          audit.Writer
	sweepInterval  time.Duration
}

func defaultOptions() *options {
	return &options{
		logger:        zap.L().With(zap.String("package", "ra")),
		expiry:        config.DefaultTransactionExpiry,
		audit:         audit.Global(),
		sweepInterval: time.Minute,
	}
}

func applyOptions(opts []Option) (*options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// WithLogger sets the logger. The default is the global zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		o.logger = l
		return nil
	}
}

// WithErrorRedaction replaces diagnostic texts of error responses with a
// fixed text.
func WithErrorRedaction(redact bool) Option {
	return func(o *options) error {
		o.redact = redact
		return nil
	}
}

// WithTransactionExpiry bounds the lifetime of transactions, counted from
// the request that opened them.
func WithTransactionExpiry(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("transaction expiry must be positive, got %s", d)
		}
		o.expiry = d
		return nil
	}
}

// WithDefaultProfile sets the certificate profile of requests that name
// none.
func WithDefaultProfile(profile string) Option {
	return func(o *options) error {
		o.defaultProfile = profile
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) error {
		o.metrics = m
		return nil
	}
}

// WithAuditWriter sets the audit writer. The default forwards to the
// process-wide writer of package audit.
func WithAuditWriter(w audit.Writer) Option {
	return func(o *options) error {
		if w == nil {
			w = audit.NopWriter{}
		}
		o.audit = w
		return nil
	}
}

// WithSweepInterval sets how often Run evicts expired state.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("sweep interval must be positive, got %s", d)
		}
		o.sweepInterval = d
		return nil
	}
}

// StaticOptions returns the options a config.Static carries: default
// profile, transaction expiry and error redaction.
func StaticOptions(s *config.Static) []Option {
	return []Option{
		WithDefaultProfile(s.DefaultProfile),
		WithTransactionExpiry(s.Expiry()),
		WithErrorRedaction(s.RedactErrors),
	}
}
