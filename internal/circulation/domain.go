// internal/circulation/domain.go
package circulation

import (
	"errors"

	"github.com/google/uuid"

	"libralend/internal/catalog"
)

var (
	ErrNoCopiesAvailable      = errors.New("no copies available")
	ErrDuplicateLoan          = errors.New("user already has an open loan for this book")
	ErrConflict               = errors.New("too much contention, retry later")
	ErrAlreadyReturned        = errors.New("loan already returned")
	ErrNotFound               = errors.New("not found")
	ErrCopyCountOverflow      = errors.New("copy count would exceed total copies")
	ErrBookHasAvailableCopies = errors.New("book has available copies")
	ErrAlreadyWaiting         = errors.New("user is already waiting for this book")
	ErrAlreadyBorrowing       = errors.New("user already has this book on loan")
	ErrInvalidCopies          = errors.New("total copies must not be negative")
)

// Class groups errors by how a caller should react to them.
type Class int

const (
	ClassInternal Class = iota
	// ClassValidation: rejected as given, do not retry with the same input.
	ClassValidation
	// ClassCapacity: expected, recoverable by joining the waiting list.
	ClassCapacity
	// ClassConcurrency: retries exhausted, the whole operation may be retried.
	ClassConcurrency
	// ClassIntegrity: stored state is inconsistent and needs an operator.
	ClassIntegrity
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassCapacity:
		return "capacity"
	case ClassConcurrency:
		return "concurrency"
	case ClassIntegrity:
		return "integrity"
	case ClassNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Classify maps an error returned by the engine to its Class.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrDuplicateLoan),
		errors.Is(err, ErrAlreadyReturned),
		errors.Is(err, ErrBookHasAvailableCopies),
		errors.Is(err, ErrAlreadyWaiting),
		errors.Is(err, ErrAlreadyBorrowing),
		errors.Is(err, ErrInvalidCopies):
		return ClassValidation
	case errors.Is(err, ErrNoCopiesAvailable):
		return ClassCapacity
	case errors.Is(err, ErrConflict):
		return ClassConcurrency
	case errors.Is(err, ErrCopyCountOverflow):
		return ClassIntegrity
	case errors.Is(err, ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return ClassNotFound
	default:
		return ClassInternal
	}
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// LoanQuery selects loans for ListLoans. Zero-valued fields do not filter.
// Overdue implies OpenOnly. Results come in (DueAt, ID) order after After.
type LoanQuery struct {
	UserID   uuid.UUID
	BookID   uuid.UUID
	OpenOnly bool
	Overdue  bool
	After    *catalog.LoanCursor
	Limit    int
}

// LoanView is a loan as presented to callers, with its derived status.
type LoanView struct {
	catalog.Loan
	Status catalog.LoanStatus `json:"status"`
}
