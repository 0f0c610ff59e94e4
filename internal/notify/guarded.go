package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"libralend/internal/telemetry"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("notifier unavailable")

// GuardOptions tunes a Guarded notifier.
type GuardOptions struct {
	Name        string
	RatePerSec  float64
	Burst       int
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial call.
	OpenTimeout time.Duration
	Logger      *slog.Logger
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Guarded throttles outbound notices and stops calling a failing downstream
// until it recovers. Messages rejected by the breaker are dropped.
type Guarded struct {
	next       Notifier
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	deliveries metric.Int64Counter
	logger     *slog.Logger
}

func NewGuarded(next Notifier, opts GuardOptions) *Guarded {
	if opts.Name == "" {
		opts.Name = "notifier"
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}

	maxFailures := opts.MaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notifier breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Guarded{
		next:       next,
		limiter:    rate.NewLimiter(limit, opts.Burst),
		breaker:    breaker,
		deliveries: telemetry.Counter(opts.MeterProvider, "libralend/notify", "notify.deliveries", "Notification delivery attempts by kind and outcome"),
		logger:     logger,
	}
}

func (g *Guarded) Notify(ctx context.Context, msg Message) error {
	if err := g.limiter.Wait(ctx); err != nil {
		g.record(ctx, msg.Kind, "throttled")
		return fmt.Errorf("notifier rate limit: %w", err)
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.next.Notify(ctx, msg)
	})
	switch {
	case err == nil:
		g.record(ctx, msg.Kind, "delivered")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.record(ctx, msg.Kind, "rejected")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		g.record(ctx, msg.Kind, "failed")
		return err
	}
}

// State reports the breaker state, for readiness reporting.
func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}

func (g *Guarded) record(ctx context.Context, kind Kind, outcome string) {
	g.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}
