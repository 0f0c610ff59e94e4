// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/catalog"
	"libralend/internal/telemetry"
)

const (
	DefaultMaxAttempts    = 5
	DefaultRetryBaseDelay = 10 * time.Millisecond
)

var _ Service = (*Engine)(nil)

// Engine is the lending engine. It holds no authoritative state between
// calls: every mutation is a read-modify-write against the store inside one
// transaction, retried on version conflicts, so any number of engines may
// share a store.
type Engine struct {
	store        catalog.Store
	availability AvailabilityNotifier
	logger       *slog.Logger
	now          func() time.Time

	maxAttempts   uint
	baseDelay     time.Duration
	lateFeePerDay decimal.Decimal

	tracer    trace.Tracer
	meters    metric.MeterProvider
	checkouts metric.Int64Counter
	returns   metric.Int64Counter
	retries   metric.Int64Counter

	dispatches sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxAttempts bounds how many times a transaction is attempted when it
// loses a version race.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = uint(n)
		}
	}
}

func WithRetryBaseDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.baseDelay = d
		}
	}
}

// WithLateFeePerDay sets the fee charged for each started day a loan is
// returned past its due date.
func WithLateFeePerDay(fee decimal.Decimal) Option {
	return func(e *Engine) { e.lateFeePerDay = fee }
}

// WithAvailabilityNotifier sets the component told about committed returns.
func WithAvailabilityNotifier(n AvailabilityNotifier) Option {
	return func(e *Engine) { e.availability = n }
}

// WithMeterProvider records engine counters on mp instead of the global
// meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meters = mp }
}

// NewEngine creates a lending engine over store.
func NewEngine(store catalog.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		maxAttempts:   DefaultMaxAttempts,
		baseDelay:     DefaultRetryBaseDelay,
		lateFeePerDay: decimal.Zero,
		tracer:        otel.Tracer("libralend/circulation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.checkouts = telemetry.Counter(e.meters, "libralend/circulation", "circulation.checkouts", "Checkout attempts by outcome")
	e.returns = telemetry.Counter(e.meters, "libralend/circulation", "circulation.returns", "Return attempts by outcome")
	e.retries = telemetry.Counter(e.meters, "libralend/circulation", "circulation.conflict_retries", "Transactions retried after a version conflict")
	return e
}

// Checkout lends one copy of bookID to userID. The duplicate-loan check, the
// decrement of copies_available, the loan insert, the removal of the user's
// own waiting request and their journal entries commit together or not at
// all.
func (e *Engine) Checkout(ctx context.Context, userID, bookID uuid.UUID) (catalog.Loan, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.checkout", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
		attribute.String("book.id", bookID.String()),
	))
	defer span.End()

	var loan catalog.Loan
	err := e.inTx(ctx, "checkout", func(ctx context.Context, tx catalog.Tx) error {
		if _, found, err := tx.FindOpenLoan(ctx, userID, bookID); err != nil {
			return err
		} else if found {
			return ErrDuplicateLoan
		}

		book, err := tx.ReadBook(ctx, bookID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("book %s: %w", bookID, ErrNotFound)
			}
			return err
		}
		if book.TotalCopies == 0 || book.CopiesAvailable <= 0 {
			return ErrNoCopiesAvailable
		}

		expected := book.Version
		book.CopiesAvailable--
		if _, err := tx.ConditionalUpdateBook(ctx, book, expected); err != nil {
			return err
		}

		loan = catalog.NewLoan(userID, bookID, e.now())
		if err := tx.InsertLoan(ctx, loan); err != nil {
			if errors.Is(err, catalog.ErrDuplicateOpenLoan) {
				return ErrDuplicateLoan
			}
			return err
		}
		if err := catalog.Record(ctx, tx, loan.ID, catalog.AggregateLoan, catalog.EventLoanOpened,
			loan.Version, catalog.NewLoanEventData(loan)); err != nil {
			return err
		}

		fulfilled, found, err := tx.DeleteWaitingFor(ctx, userID, bookID)
		if err != nil || !found {
			return err
		}
		return catalog.Record(ctx, tx, fulfilled.ID, catalog.AggregateWaiting, catalog.EventWaitingFulfilled,
			2, catalog.NewWaitingEventData(fulfilled))
	})
	e.count(ctx, e.checkouts, err)
	if err != nil {
		e.fail(span, err)
		return catalog.Loan{}, err
	}

	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	e.logger.InfoContext(ctx, "book checked out",
		"loan_id", loan.ID, "book_id", bookID, "user_id", userID, "due_at", loan.DueAt)
	return loan, nil
}

// Return closes an open loan and puts its copy back. Once the return has
// committed, the availability notifier is dispatched in the background.
func (e *Engine) Return(ctx context.Context, loanID uuid.UUID) (catalog.Loan, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.return", trace.WithAttributes(
		attribute.String("loan.id", loanID.String()),
	))
	defer span.End()

	var returned catalog.Loan
	err := e.inTx(ctx, "return", func(ctx context.Context, tx catalog.Tx) error {
		loan, err := tx.ReadLoan(ctx, loanID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("loan %s: %w", loanID, ErrNotFound)
			}
			return err
		}
		if loan.Returned() {
			return ErrAlreadyReturned
		}

		book, err := tx.ReadBook(ctx, loan.BookID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("book %s of loan %s: %w", loan.BookID, loanID, ErrNotFound)
			}
			return err
		}
		if book.CopiesAvailable >= book.TotalCopies {
			return fmt.Errorf("book %s has %d of %d copies available: %w",
				book.ID, book.CopiesAvailable, book.TotalCopies, ErrCopyCountOverflow)
		}

		now := e.now()
		loan.ReturnedAt = &now
		loan.LateFee = e.lateFeePerDay.Mul(decimal.NewFromInt(loan.DaysLate(now)))
		updated, err := tx.UpdateLoan(ctx, loan, loan.Version)
		if err != nil {
			return err
		}

		expected := book.Version
		book.CopiesAvailable++
		if _, err := tx.ConditionalUpdateBook(ctx, book, expected); err != nil {
			return err
		}

		returned = updated
		return catalog.Record(ctx, tx, updated.ID, catalog.AggregateLoan, catalog.EventLoanReturned,
			updated.Version, catalog.NewLoanEventData(updated))
	})
	e.count(ctx, e.returns, err)
	if err != nil {
		if errors.Is(err, ErrCopyCountOverflow) {
			e.logger.ErrorContext(ctx, "copy count integrity fault on return",
				"loan_id", loanID, "error", err, "alert", true)
		}
		e.fail(span, err)
		return catalog.Loan{}, err
	}

	e.logger.InfoContext(ctx, "book returned",
		"loan_id", returned.ID, "book_id", returned.BookID, "user_id", returned.UserID,
		"late_fee", returned.LateFee.StringFixed(2))
	e.dispatchAvailability(ctx, returned.BookID)
	return returned, nil
}

// EnqueueWaiting queues userID for bookID. Only books with no copies left
// accept waiting requests. The book's version is bumped alongside the insert
// so the enqueue serializes against a concurrent return of the same title:
// either the return commits first and the enqueue is rejected, or the
// enqueue commits first and the return's availability pass sees it.
func (e *Engine) EnqueueWaiting(ctx context.Context, userID, bookID uuid.UUID) (catalog.WaitingRequest, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.enqueue_waiting", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
		attribute.String("book.id", bookID.String()),
	))
	defer span.End()

	var created catalog.WaitingRequest
	err := e.inTx(ctx, "enqueue_waiting", func(ctx context.Context, tx catalog.Tx) error {
		book, err := tx.ReadBook(ctx, bookID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("book %s: %w", bookID, ErrNotFound)
			}
			return err
		}
		if book.CopiesAvailable > 0 {
			return ErrBookHasAvailableCopies
		}
		if _, found, err := tx.FindOpenLoan(ctx, userID, bookID); err != nil {
			return err
		} else if found {
			return ErrAlreadyBorrowing
		}
		// A checkout committing after this read bumps the book version, so
		// the touch below fails and the retry sees the new loan.
		if _, err := tx.ConditionalUpdateBook(ctx, book, book.Version); err != nil {
			return err
		}

		req, err := tx.InsertWaitingRequest(ctx, catalog.WaitingRequest{
			ID:          uuid.New(),
			BookID:      bookID,
			UserID:      userID,
			RequestedAt: e.now(),
		})
		if err != nil {
			if errors.Is(err, catalog.ErrDuplicateWaiting) {
				return ErrAlreadyWaiting
			}
			return err
		}
		created = req
		return catalog.Record(ctx, tx, req.ID, catalog.AggregateWaiting, catalog.EventWaitingQueued,
			1, catalog.NewWaitingEventData(req))
	})
	if err != nil {
		e.fail(span, err)
		return catalog.WaitingRequest{}, err
	}

	e.logger.InfoContext(ctx, "waiting request queued",
		"request_id", created.ID, "book_id", bookID, "user_id", userID)
	return created, nil
}

// CancelWaiting removes a waiting request at the user's request.
func (e *Engine) CancelWaiting(ctx context.Context, requestID uuid.UUID) error {
	ctx, span := e.tracer.Start(ctx, "circulation.cancel_waiting", trace.WithAttributes(
		attribute.String("request.id", requestID.String()),
	))
	defer span.End()

	err := e.inTx(ctx, "cancel_waiting", func(ctx context.Context, tx catalog.Tx) error {
		req, err := tx.ReadWaitingRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("waiting request %s: %w", requestID, ErrNotFound)
			}
			return err
		}
		if err := tx.DeleteWaitingRequest(ctx, requestID); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("waiting request %s: %w", requestID, ErrNotFound)
			}
			return err
		}
		return catalog.Record(ctx, tx, req.ID, catalog.AggregateWaiting, catalog.EventWaitingCancelled,
			2, catalog.NewWaitingEventData(req))
	})
	if err != nil {
		e.fail(span, err)
		return err
	}
	e.logger.InfoContext(ctx, "waiting request cancelled", "request_id", requestID)
	return nil
}

// CreateBook registers a title with all of its copies available.
func (e *Engine) CreateBook(ctx context.Context, title string, totalCopies int) (catalog.Book, error) {
	if totalCopies < 0 {
		return catalog.Book{}, ErrInvalidCopies
	}
	book, err := e.store.CreateBook(ctx, catalog.Book{
		ID:              uuid.New(),
		Title:           title,
		TotalCopies:     totalCopies,
		CopiesAvailable: totalCopies,
	})
	if err != nil {
		return catalog.Book{}, fmt.Errorf("failed to create book: %w", err)
	}
	return book, nil
}

func (e *Engine) GetBook(ctx context.Context, bookID uuid.UUID) (catalog.Book, error) {
	book, err := e.store.GetBook(ctx, bookID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.Book{}, fmt.Errorf("book %s: %w", bookID, ErrNotFound)
		}
		return catalog.Book{}, err
	}
	return book, nil
}

func (e *Engine) GetLoan(ctx context.Context, loanID uuid.UUID) (LoanView, error) {
	loan, err := e.store.GetLoan(ctx, loanID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return LoanView{}, fmt.Errorf("loan %s: %w", loanID, ErrNotFound)
		}
		return LoanView{}, err
	}
	return LoanView{Loan: loan, Status: loan.Status(e.now())}, nil
}

// LoanHistory returns the journal of a loan in version order.
func (e *Engine) LoanHistory(ctx context.Context, loanID uuid.UUID) ([]catalog.Event, error) {
	if _, err := e.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return e.store.History(ctx, loanID)
}

// ListLoans returns one page of loans matching q, each with its status at
// the engine clock.
func (e *Engine) ListLoans(ctx context.Context, q LoanQuery) ([]LoanView, error) {
	now := e.now()
	filter := catalog.LoanFilter{
		OpenOnly: q.OpenOnly || q.Overdue,
		UserID:   q.UserID,
		BookID:   q.BookID,
		After:    q.After,
		Limit:    q.Limit,
	}
	if q.Overdue {
		filter.DueBefore = now
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}

	loans, err := e.store.QueryLoans(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query loans: %w", err)
	}
	views := make([]LoanView, 0, len(loans))
	for _, l := range loans {
		views = append(views, LoanView{Loan: l, Status: l.Status(now)})
	}
	return views, nil
}

// ListWaiting returns the waiting list of bookID in service order.
func (e *Engine) ListWaiting(ctx context.Context, bookID uuid.UUID) ([]catalog.WaitingRequest, error) {
	if _, err := e.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	return e.store.ListWaiting(ctx, bookID)
}

// Wait blocks until every availability dispatch started by Return has
// finished.
func (e *Engine) Wait() {
	e.dispatches.Wait()
}

func (e *Engine) dispatchAvailability(ctx context.Context, bookID uuid.UUID) {
	if e.availability == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	e.dispatches.Add(1)
	go func() {
		defer e.dispatches.Done()
		if _, err := e.availability.BookReturned(ctx, bookID); err != nil {
			e.logger.WarnContext(ctx, "availability dispatch failed", "book_id", bookID, "error", err)
		}
	}()
}

// inTx runs fn in a store transaction, retrying with jittered exponential
// backoff while it loses version races. Any other error ends the attempt
// loop immediately. Exhausting the attempts yields ErrConflict.
func (e *Engine) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx catalog.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.baseDelay
	b.MaxInterval = 50 * e.baseDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := e.store.RunInTx(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, catalog.ErrVersionConflict):
			e.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
			e.logger.DebugContext(ctx, "version conflict", "op", op, "attempt", attempt)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(e.maxAttempts))

	if errors.Is(err, catalog.ErrVersionConflict) {
		return fmt.Errorf("%s gave up after %d attempts: %w", op, attempt, ErrConflict)
	}
	return err
}

func (e *Engine) count(ctx context.Context, c metric.Int64Counter, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Classify(err).String()
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (e *Engine) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.class", Classify(err).String()))
}
