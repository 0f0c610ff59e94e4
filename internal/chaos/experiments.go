package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"libralend/internal/availability"
	"libralend/internal/catalog"
	"libralend/internal/circulation"
	"libralend/internal/notify"
	"libralend/internal/overdue"
)

// Harness wires the lending components to a store with a recording
// notifier so experiments can inject notifier faults and count notices.
type Harness struct {
	Store    catalog.Store
	Notifier *notify.Recorder
	Engine   *circulation.Engine
	logger   *slog.Logger
}

func NewHarness(store catalog.Store, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	rec := notify.NewRecorder()
	resolver := availability.NewResolver(store, rec, logger)
	return &Harness{
		Store:    store,
		Notifier: rec,
		Engine: circulation.NewEngine(store,
			circulation.WithLogger(logger),
			circulation.WithAvailabilityNotifier(resolver),
		),
		logger: logger,
	}
}

func (h *Harness) consistency() Metric {
	return Metric{
		Name: "inconsistent_books",
		Query: func(ctx context.Context) (float64, error) {
			n, err := h.Store.CountInconsistentBooks(ctx)
			return float64(n), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// Register adds every predefined experiment to r.
func (h *Harness) Register(r *Runner, duration time.Duration) {
	r.Register(h.ConcurrentCheckoutRace(5, 100, duration))
	r.Register(h.OverdueScannerRace(20, 4, duration))
	r.Register(h.NotifierOutage(3, duration))
}

// ConcurrentCheckoutRace fires workers simultaneous checkouts at one book
// with copies copies. Every round of a version race has one winner, so an
// engine allowed workers+1 attempts never gives up while copies remain.
func (h *Harness) ConcurrentCheckoutRace(copies, workers int, duration time.Duration) Experiment {
	var granted, rejected, unexpected atomic.Int64
	want := min(copies, workers)
	engine := circulation.NewEngine(h.Store,
		circulation.WithLogger(h.logger),
		circulation.WithMaxAttempts(workers+1),
	)

	return Experiment{
		Name:        "concurrent-checkout-race",
		Hypothesis:  "Exactly as many checkouts succeed as there are copies when requests race for one book",
		SteadyState: []Metric{h.consistency()},
		Observe: []Metric{
			counterMetric("checkouts_granted", &granted),
			counterMetric("checkouts_rejected", &rejected),
			counterMetric("unexpected_errors", &unexpected),
		},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "lending-engine",
				Execute: func(ctx context.Context) error {
					book, err := engine.CreateBook(ctx, "chaos: checkout race", copies)
					if err != nil {
						return err
					}

					var wg sync.WaitGroup
					for i := 0; i < workers; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := engine.Checkout(ctx, uuid.New(), book.ID)
							switch {
							case err == nil:
								granted.Add(1)
							case errors.Is(err, circulation.ErrNoCopiesAvailable):
								rejected.Add(1)
							default:
								unexpected.Add(1)
								h.logger.WarnContext(ctx, "unexpected checkout error", "error", err)
							}
						}()
					}
					wg.Wait()
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "inconsistent_books",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No book may have copies outside [0, total]",
			},
			{
				Metric:    "checkouts_granted",
				Condition: func(v float64) bool { return v == float64(want) },
				Message:   "Exactly min(copies, workers) checkouts succeed",
			},
			{
				Metric:    "unexpected_errors",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Losing checkouts fail with NoCopiesAvailable only",
			},
		},
		Duration: duration,
	}
}

// OverdueScannerRace seeds past-due loans and runs several scanners over
// them at once.
func (h *Harness) OverdueScannerRace(loans, scanners int, duration time.Duration) Experiment {
	var seeded []uuid.UUID

	return Experiment{
		Name:        "overdue-scanner-race",
		Hypothesis:  "Concurrent overdue scans remind each past-due borrower exactly once",
		SteadyState: []Metric{h.consistency()},
		Observe: []Metric{
			{
				Name: "loans_not_notified_once",
				Query: func(ctx context.Context) (float64, error) {
					perLoan := map[uuid.UUID]int{}
					for _, m := range h.Notifier.Messages() {
						if m.Kind == notify.KindOverdue && m.LoanID != nil {
							perLoan[*m.LoanID]++
						}
					}
					bad := 0
					for _, id := range seeded {
						if perLoan[id] != 1 {
							bad++
						}
					}
					return float64(bad), nil
				},
			},
		},
		Method: []Action{
			{
				Type:   "seed-overdue-loans",
				Target: "catalog-store",
				Execute: func(ctx context.Context) error {
					past := time.Now().UTC().Add(-2 * catalog.LoanPeriod)
					backdated := circulation.NewEngine(h.Store,
						circulation.WithLogger(h.logger),
						circulation.WithClock(func() time.Time { return past }),
					)
					book, err := backdated.CreateBook(ctx, "chaos: overdue race", loans)
					if err != nil {
						return err
					}
					for i := 0; i < loans; i++ {
						loan, err := backdated.Checkout(ctx, uuid.New(), book.ID)
						if err != nil {
							return fmt.Errorf("seed loan %d: %w", i, err)
						}
						seeded = append(seeded, loan.ID)
					}
					return nil
				},
			},
			{
				Type:   "concurrent-scans",
				Target: "overdue-scanner",
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					errs := make(chan error, scanners)
					for i := 0; i < scanners; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							s := overdue.NewScanner(h.Store, h.Notifier, overdue.WithLogger(h.logger), overdue.WithBatchSize(7))
							if _, err := s.RunOverdueScan(ctx); err != nil {
								errs <- err
							}
						}()
					}
					wg.Wait()
					close(errs)
					return <-errs
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "loans_not_notified_once",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Every seeded loan is reminded exactly once",
			},
		},
		Duration: duration,
	}
}

// NotifierOutage makes every notification fail while books with waiting
// users are returned.
func (h *Harness) NotifierOutage(returns int, duration time.Duration) Experiment {
	var failedReturns atomic.Int64

	return Experiment{
		Name:        "notifier-outage",
		Hypothesis:  "Returns commit and copy counts stay consistent while the notifier is down",
		SteadyState: []Metric{h.consistency()},
		Observe:     []Metric{counterMetric("failed_returns", &failedReturns)},
		Method: []Action{
			{
				Type:   "fail-notifier",
				Target: "notifier",
				Execute: func(ctx context.Context) error {
					h.Notifier.Fail(errors.New("chaos: notifier down"))
					return nil
				},
			},
			{
				Type:   "return-with-waiters",
				Target: "lending-engine",
				Execute: func(ctx context.Context) error {
					book, err := h.Engine.CreateBook(ctx, "chaos: notifier outage", returns)
					if err != nil {
						return err
					}
					loans := make([]catalog.Loan, 0, returns)
					for i := 0; i < returns; i++ {
						loan, err := h.Engine.Checkout(ctx, uuid.New(), book.ID)
						if err != nil {
							return err
						}
						loans = append(loans, loan)
					}
					for i := 0; i < returns; i++ {
						if _, err := h.Engine.EnqueueWaiting(ctx, uuid.New(), book.ID); err != nil {
							return err
						}
					}
					for _, loan := range loans {
						if _, err := h.Engine.Return(ctx, loan.ID); err != nil {
							failedReturns.Add(1)
						}
					}
					h.Engine.Wait()
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "restore-notifier",
				Target: "notifier",
				Execute: func(ctx context.Context) error {
					h.Notifier.Fail(nil)
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "failed_returns",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Returns must not fail because notifications fail",
			},
			{
				Metric:    "inconsistent_books",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Copy counts stay within bounds during the outage",
			},
		},
		Duration: duration,
	}
}

func counterMetric(name string, c *atomic.Int64) Metric {
	return Metric{
		Name: name,
		Query: func(context.Context) (float64, error) {
			return float64(c.Load()), nil
		},
	}
}
