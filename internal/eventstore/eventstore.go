// Package eventstore keeps the append-only history of loans and waiting
// requests. Appends run on the caller's transaction so a history entry
// commits or rolls back together with the state change it describes.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/catalog"
	"libralend/internal/pgerr"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

type eventRow struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	EventData     []byte    `db:"event_data"`
	Version       int       `db:"version"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r eventRow) event() catalog.Event {
	return catalog.Event{
		ID:            r.ID,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		EventType:     r.EventType,
		EventData:     r.EventData,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
	}
}

// EventStore appends and reads history entries in the events table.
type EventStore struct {
	tracer trace.Tracer
}

func New() *EventStore {
	return &EventStore{
		tracer: otel.Tracer("libralend/eventstore"),
	}
}

// Append writes event with optimistic concurrency control: the aggregate's
// latest stored version must be event.Version-1.
func (es *EventStore) Append(ctx context.Context, ext sqlx.ExtContext, event catalog.Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", event.AggregateID.String()),
			attribute.String("aggregate.type", event.AggregateType),
			attribute.String("event.type", event.EventType),
			attribute.Int("event.version", event.Version),
		),
	)
	defer span.End()

	if event.Version < 1 {
		return ErrInvalidVersion
	}

	currentVersion, err := es.CurrentVersion(ctx, ext, event.AggregateID)
	if err != nil {
		return err
	}
	if currentVersion != event.Version-1 {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	var eventID int64
	err = sqlx.GetContext(ctx, ext, &eventID, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, event.AggregateID, event.AggregateType, event.EventType, []byte(event.EventData), event.Version, time.Now().UTC())
	if err != nil {
		// Unique (aggregate_id, version): a concurrent writer got there first.
		if pgerr.IsUniqueViolation(err) {
			return ErrConcurrencyConflict
		}
		span.RecordError(err)
		return fmt.Errorf("insert event: %w", err)
	}

	span.AddEvent("event.appended", trace.WithAttributes(attribute.Int64("event.id", eventID)))
	return nil
}

// Load returns the history of one aggregate in version order. A toVersion of
// zero means no upper bound.
func (es *EventStore) Load(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID, fromVersion, toVersion int) ([]catalog.Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM events
		WHERE aggregate_id = $1
		AND version >= $2
	`
	args := []interface{}{aggregateID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	var rows []eventRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(rows)))
	return toEvents(rows), nil
}

// CurrentVersion returns the latest version stored for an aggregate, zero if none.
func (es *EventStore) CurrentVersion(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID) (int, error) {
	var version int
	err := sqlx.GetContext(ctx, q, &version, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query version: %w", err)
	}
	return version, nil
}

func toEvents(rows []eventRow) []catalog.Event {
	events := make([]catalog.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events
}
