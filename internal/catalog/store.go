// internal/catalog/store.go
package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrVersionConflict   = errors.New("concurrency conflict: version mismatch")
	ErrDuplicateOpenLoan = errors.New("user already has an open loan for this book")
	ErrDuplicateWaiting  = errors.New("user is already waiting for this book")
)

// Store is the durable home of books, loans and waiting requests. Every
// mutation of lending state goes through RunInTx.
type Store interface {
	// RunInTx runs fn in one atomic transaction. The transaction commits
	// only if fn returns nil; fn must not retain tx after returning.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateBook(ctx context.Context, book Book) (Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (Book, error)
	GetLoan(ctx context.Context, id uuid.UUID) (Loan, error)
	QueryLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)
	ListWaiting(ctx context.Context, bookID uuid.UUID) ([]WaitingRequest, error)
	History(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)

	// CountInconsistentBooks counts books violating 0 <= available <= total.
	CountInconsistentBooks(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of operations available inside a store transaction.
type Tx interface {
	ReadBook(ctx context.Context, id uuid.UUID) (Book, error)
	// ConditionalUpdateBook writes book's counters if the stored version is
	// still expectedVersion and bumps the version. Otherwise ErrVersionConflict.
	ConditionalUpdateBook(ctx context.Context, book Book, expectedVersion int) (Book, error)

	InsertLoan(ctx context.Context, loan Loan) error
	ReadLoan(ctx context.Context, id uuid.UUID) (Loan, error)
	FindOpenLoan(ctx context.Context, userID, bookID uuid.UUID) (Loan, bool, error)
	// UpdateLoan writes loan if the stored version is still expectedVersion
	// and bumps the version. Otherwise ErrVersionConflict.
	UpdateLoan(ctx context.Context, loan Loan, expectedVersion int) (Loan, error)

	InsertWaitingRequest(ctx context.Context, req WaitingRequest) (WaitingRequest, error)
	ReadWaitingRequest(ctx context.Context, id uuid.UUID) (WaitingRequest, error)
	DeleteWaitingRequest(ctx context.Context, id uuid.UUID) error
	// DeleteWaitingFor removes userID's request for bookID. The bool is
	// false when the user was not waiting.
	DeleteWaitingFor(ctx context.Context, userID, bookID uuid.UUID) (WaitingRequest, bool, error)
	// PopEarliestWaitingRequest deletes and returns the oldest request for
	// bookID. The bool is false when the queue is empty.
	PopEarliestWaitingRequest(ctx context.Context, bookID uuid.UUID) (WaitingRequest, bool, error)

	AppendEvent(ctx context.Context, event Event) error
}
