// Package overdue flags loans that have passed their due date and reminds
// the borrower exactly once per loan.
package overdue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/catalog"
	"libralend/internal/notify"
	"libralend/internal/telemetry"
)

const DefaultBatchSize = 200

// Scanner finds open, past-due loans that have not been flagged yet. It never
// touches copy counts.
type Scanner struct {
	store     catalog.Store
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
	batchSize int
	tracer    trace.Tracer
	meters    metric.MeterProvider
	notified  metric.Int64Counter
}

// Option configures a Scanner.
type Option func(*Scanner)

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMeterProvider records scanner counters on mp instead of the global
// meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Scanner) { s.meters = mp }
}

func NewScanner(store catalog.Store, notifier notify.Notifier, opts ...Option) *Scanner {
	s := &Scanner{
		store:     store,
		notifier:  notifier,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		batchSize: DefaultBatchSize,
		tracer:    otel.Tracer("libralend/overdue"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.notified = telemetry.Counter(s.meters, "libralend/overdue", "overdue.notified", "Loans flagged overdue and reminded")
	return s
}

// RunOverdueScan flags every loan that is open, due before now and not yet
// flagged, then reminds its borrower. It returns the number of loans whose
// flag this call set. A loan claimed concurrently by another scan, or
// returned in the meantime, is skipped. The flag is committed before the
// reminder is sent and a failed reminder never clears it.
func (s *Scanner) RunOverdueScan(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "overdue.scan")
	defer span.End()

	now := s.now()
	notified := false
	filter := catalog.LoanFilter{
		OpenOnly:        true,
		DueBefore:       now,
		OverdueNotified: &notified,
		Limit:           s.batchSize,
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		batch, err := s.store.QueryLoans(ctx, filter)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return count, fmt.Errorf("query overdue loans: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, candidate := range batch {
			flagged, ok, err := s.claim(ctx, candidate, now)
			if err != nil {
				span.RecordError(err)
				return count, err
			}
			if !ok {
				continue
			}
			count++
			s.notified.Add(ctx, 1)
			s.remind(ctx, flagged, now)
		}

		if len(batch) < s.batchSize {
			break
		}
		cursor := catalog.CursorOf(batch[len(batch)-1])
		filter.After = &cursor
	}

	span.SetAttributes(attribute.Int("loans.notified", count))
	if count > 0 {
		s.logger.InfoContext(ctx, "overdue scan finished", "notified", count)
	}
	return count, nil
}

// claim flips overdue_notified from false to true on a fresh read of the
// loan. ok is false when the loan no longer qualifies or another writer won
// the race for it.
func (s *Scanner) claim(ctx context.Context, candidate catalog.Loan, now time.Time) (catalog.Loan, bool, error) {
	var flagged catalog.Loan
	claimed := false
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx catalog.Tx) error {
		loan, err := tx.ReadLoan(ctx, candidate.ID)
		if err != nil {
			return err
		}
		if loan.Returned() || loan.OverdueNotified || !loan.DueAt.Before(now) {
			return nil
		}

		loan.OverdueNotified = true
		updated, err := tx.UpdateLoan(ctx, loan, loan.Version)
		if err != nil {
			return err
		}
		if err := catalog.Record(ctx, tx, updated.ID, catalog.AggregateLoan, catalog.EventLoanOverdueFlagged,
			updated.Version, catalog.NewLoanEventData(updated)); err != nil {
			return err
		}
		flagged = updated
		claimed = true
		return nil
	})
	switch {
	case err == nil:
		return flagged, claimed, nil
	case errors.Is(err, catalog.ErrVersionConflict), errors.Is(err, catalog.ErrNotFound):
		s.logger.DebugContext(ctx, "overdue claim lost", "loan_id", candidate.ID, "error", err)
		return catalog.Loan{}, false, nil
	default:
		return catalog.Loan{}, false, fmt.Errorf("flag loan %s overdue: %w", candidate.ID, err)
	}
}

func (s *Scanner) remind(ctx context.Context, loan catalog.Loan, now time.Time) {
	loanID, dueAt := loan.ID, loan.DueAt
	msg := notify.Message{
		Kind:   notify.KindOverdue,
		UserID: loan.UserID,
		BookID: loan.BookID,
		LoanID: &loanID,
		DueAt:  &dueAt,
		At:     now,
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "overdue notification failed",
			"loan_id", loan.ID, "user_id", loan.UserID, "error", err)
	}
}

// Run scans immediately and then every interval until ctx is cancelled.
// Scan errors are logged and do not stop the loop.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOverdueScan(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "overdue scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
