// internal/catalog/domain.go
package catalog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanPeriod is the fixed lending period applied to every checkout.
const LoanPeriod = 14 * 24 * time.Hour

// LoanStatus is the lifecycle state of a loan. OVERDUE is derived, never stored.
type LoanStatus string

const (
	LoanOpen     LoanStatus = "OPEN"
	LoanReturned LoanStatus = "RETURNED"
	LoanOverdue  LoanStatus = "OVERDUE"
)

// Book is a title held by the library with a finite number of copies.
type Book struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	CopiesAvailable int       `json:"copies_available" db:"copies_available"`
	Version         int       `json:"version" db:"version"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Consistent reports whether the copy counters respect 0 <= available <= total.
func (b Book) Consistent() bool {
	return b.CopiesAvailable >= 0 && b.CopiesAvailable <= b.TotalCopies
}

// Loan records one copy of a book lent to a user.
type Loan struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	BookID          uuid.UUID       `json:"book_id" db:"book_id"`
	UserID          uuid.UUID       `json:"user_id" db:"user_id"`
	CheckedOutAt    time.Time       `json:"checked_out_at" db:"checked_out_at"`
	DueAt           time.Time       `json:"due_at" db:"due_at"`
	ReturnedAt      *time.Time      `json:"returned_at,omitempty" db:"returned_at"`
	OverdueNotified bool            `json:"overdue_notified" db:"overdue_notified"`
	LateFee         decimal.Decimal `json:"late_fee" db:"late_fee"`
	Version         int             `json:"version" db:"version"`
}

// NewLoan opens a loan at checkedOutAt with the standard due date.
func NewLoan(userID, bookID uuid.UUID, checkedOutAt time.Time) Loan {
	return Loan{
		ID:           uuid.New(),
		BookID:       bookID,
		UserID:       userID,
		CheckedOutAt: checkedOutAt,
		DueAt:        checkedOutAt.Add(LoanPeriod),
		LateFee:      decimal.Zero,
		Version:      1,
	}
}

// Returned reports whether the loan has been closed.
func (l Loan) Returned() bool {
	return l.ReturnedAt != nil
}

// Overdue reports whether the loan is open past its due date at now.
func (l Loan) Overdue(now time.Time) bool {
	return !l.Returned() && now.After(l.DueAt)
}

// Status derives the lifecycle state of the loan at now.
func (l Loan) Status(now time.Time) LoanStatus {
	switch {
	case l.Returned():
		return LoanReturned
	case l.Overdue(now):
		return LoanOverdue
	default:
		return LoanOpen
	}
}

// DaysLate counts started days between the due date and at. Zero when on time.
func (l Loan) DaysLate(at time.Time) int64 {
	late := at.Sub(l.DueAt)
	if late <= 0 {
		return 0
	}
	days := int64(late / (24 * time.Hour))
	if late%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// WaitingRequest is a user's queued interest in a book with no copies left.
// Requests for a book are served in (RequestedAt, Seq) order.
type WaitingRequest struct {
	ID          uuid.UUID `json:"id" db:"id"`
	BookID      uuid.UUID `json:"book_id" db:"book_id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	RequestedAt time.Time `json:"requested_at" db:"requested_at"`
	Seq         int64     `json:"seq" db:"seq"`
}

// Aggregate types recorded in the history journal.
const (
	AggregateLoan    = "loan"
	AggregateWaiting = "waiting_request"
)

// Event types recorded in the history journal.
const (
	EventLoanOpened         = "LoanOpened"
	EventLoanReturned       = "LoanReturned"
	EventLoanOverdueFlagged = "LoanOverdueFlagged"
	EventWaitingQueued      = "WaitingQueued"
	EventWaitingMatched     = "WaitingMatched"
	EventWaitingCancelled   = "WaitingCancelled"
	EventWaitingFulfilled   = "WaitingFulfilled"
)

// Event is one entry of the history journal. Version is the aggregate's
// version after the change that produced it.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// NewEvent builds a journal entry with data marshalled to JSON.
func NewEvent(aggregateID uuid.UUID, aggregateType, eventType string, version int, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     raw,
		Version:       version,
	}, nil
}

// LoanCursor is a keyset position in (DueAt, ID) order.
type LoanCursor struct {
	DueAt time.Time
	ID    uuid.UUID
}

// LoanFilter selects loans for QueryLoans. Zero-valued fields do not filter.
// Results are ordered by (DueAt, ID).
type LoanFilter struct {
	OpenOnly        bool
	DueBefore       time.Time
	OverdueNotified *bool
	UserID          uuid.UUID
	BookID          uuid.UUID
	After           *LoanCursor
	Limit           int
}

// Matches reports whether loan satisfies every predicate of the filter
// except paging.
func (f LoanFilter) Matches(l Loan) bool {
	if f.OpenOnly && l.Returned() {
		return false
	}
	if !f.DueBefore.IsZero() && !l.DueAt.Before(f.DueBefore) {
		return false
	}
	if f.OverdueNotified != nil && l.OverdueNotified != *f.OverdueNotified {
		return false
	}
	if f.UserID != uuid.Nil && l.UserID != f.UserID {
		return false
	}
	if f.BookID != uuid.Nil && l.BookID != f.BookID {
		return false
	}
	if f.After != nil && !loanAfter(l, *f.After) {
		return false
	}
	return true
}

func loanAfter(l Loan, c LoanCursor) bool {
	if l.DueAt.Equal(c.DueAt) {
		return l.ID.String() > c.ID.String()
	}
	return l.DueAt.After(c.DueAt)
}

// CursorOf returns the keyset position of l.
func CursorOf(l Loan) LoanCursor {
	return LoanCursor{DueAt: l.DueAt, ID: l.ID}
}
