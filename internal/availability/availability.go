// Package availability hands a returned copy to the next user waiting for
// the book. It only informs the user; the copy is neither reserved nor
// checked out on their behalf.
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/catalog"
	"libralend/internal/notify"
	"libralend/internal/telemetry"
)

// Resolver matches returned copies against waiting lists.
type Resolver struct {
	store    catalog.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
	matched  metric.Int64Counter
}

func NewResolver(store catalog.Store, notifier notify.Notifier, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer("libralend/availability"),
		matched:  matchedCounter(nil),
	}
}

// WithClock overrides the timestamp put on notifications.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// WithMeterProvider records the match counter on mp instead of the global
// meter provider.
func (r *Resolver) WithMeterProvider(mp metric.MeterProvider) *Resolver {
	r.matched = matchedCounter(mp)
	return r
}

func matchedCounter(mp metric.MeterProvider) metric.Int64Counter {
	return telemetry.Counter(mp, "libralend/availability", "availability.matched", "Waiting requests matched to a returned copy")
}

// BookReturned pops the earliest waiting request for bookID and tells its
// user the book is available. It reports whether a request was matched.
// The pop commits before the notifier is called, so two concurrent returns
// never notify the same request; a failed notice is logged and the request
// stays consumed.
func (r *Resolver) BookReturned(ctx context.Context, bookID uuid.UUID) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "availability.book_returned", trace.WithAttributes(
		attribute.String("book.id", bookID.String()),
	))
	defer span.End()

	var (
		req   catalog.WaitingRequest
		found bool
		title string
	)
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx catalog.Tx) error {
		var err error
		req, found, err = tx.PopEarliestWaitingRequest(ctx, bookID)
		if err != nil || !found {
			return err
		}
		if book, err := tx.ReadBook(ctx, bookID); err == nil {
			title = book.Title
		}
		return catalog.Record(ctx, tx, req.ID, catalog.AggregateWaiting, catalog.EventWaitingMatched,
			2, catalog.NewWaitingEventData(req))
	})
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("pop waiting request for book %s: %w", bookID, err)
	}
	if !found {
		return false, nil
	}

	r.matched.Add(ctx, 1)
	span.SetAttributes(attribute.String("request.id", req.ID.String()))

	msg := notify.Message{
		Kind:   notify.KindAvailable,
		UserID: req.UserID,
		BookID: bookID,
		Title:  title,
		At:     r.now(),
	}
	if err := r.notifier.Notify(ctx, msg); err != nil {
		r.logger.WarnContext(ctx, "availability notification failed",
			"request_id", req.ID, "book_id", bookID, "user_id", req.UserID, "error", err)
		return true, nil
	}

	r.logger.InfoContext(ctx, "waiting request matched",
		"request_id", req.ID, "book_id", bookID, "user_id", req.UserID)
	return true, nil
}
