// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/catalog"
)

// Service defines the interface for the lending engine.
type Service interface {
	Checkout(ctx context.Context, userID, bookID uuid.UUID) (catalog.Loan, error)
	Return(ctx context.Context, loanID uuid.UUID) (catalog.Loan, error)
	EnqueueWaiting(ctx context.Context, userID, bookID uuid.UUID) (catalog.WaitingRequest, error)
	CancelWaiting(ctx context.Context, requestID uuid.UUID) error

	CreateBook(ctx context.Context, title string, totalCopies int) (catalog.Book, error)
	GetBook(ctx context.Context, bookID uuid.UUID) (catalog.Book, error)
	GetLoan(ctx context.Context, loanID uuid.UUID) (LoanView, error)
	LoanHistory(ctx context.Context, loanID uuid.UUID) ([]catalog.Event, error)
	ListLoans(ctx context.Context, q LoanQuery) ([]LoanView, error)
	ListWaiting(ctx context.Context, bookID uuid.UUID) ([]catalog.WaitingRequest, error)
}

// AvailabilityNotifier is told about every committed return so it can hand
// the freed copy to the next waiting user.
type AvailabilityNotifier interface {
	BookReturned(ctx context.Context, bookID uuid.UUID) (bool, error)
}
