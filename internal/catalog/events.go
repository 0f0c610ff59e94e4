package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanEventData is the journal payload for loan events.
type LoanEventData struct {
	LoanID       uuid.UUID        `json:"loan_id"`
	UserID       uuid.UUID        `json:"user_id"`
	BookID       uuid.UUID        `json:"book_id"`
	CheckedOutAt time.Time        `json:"checked_out_at"`
	DueAt        time.Time        `json:"due_at"`
	ReturnedAt   *time.Time       `json:"returned_at,omitempty"`
	LateFee      *decimal.Decimal `json:"late_fee,omitempty"`
}

func NewLoanEventData(l Loan) LoanEventData {
	data := LoanEventData{
		LoanID:       l.ID,
		UserID:       l.UserID,
		BookID:       l.BookID,
		CheckedOutAt: l.CheckedOutAt,
		DueAt:        l.DueAt,
		ReturnedAt:   l.ReturnedAt,
	}
	if l.Returned() {
		fee := l.LateFee
		data.LateFee = &fee
	}
	return data
}

// WaitingEventData is the journal payload for waiting request events.
type WaitingEventData struct {
	RequestID   uuid.UUID `json:"request_id"`
	UserID      uuid.UUID `json:"user_id"`
	BookID      uuid.UUID `json:"book_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewWaitingEventData(r WaitingRequest) WaitingEventData {
	return WaitingEventData{
		RequestID:   r.ID,
		UserID:      r.UserID,
		BookID:      r.BookID,
		RequestedAt: r.RequestedAt,
	}
}

// Record appends an event for aggregateID at version within tx.
func Record(ctx context.Context, tx Tx, aggregateID uuid.UUID, aggregateType, eventType string, version int, data any) error {
	event, err := NewEvent(aggregateID, aggregateType, eventType, version, data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}
