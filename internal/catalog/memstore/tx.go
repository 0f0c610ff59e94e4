package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"libralend/internal/catalog"
)

type transaction struct {
	state state
	now   time.Time
}

func (tx *transaction) ReadBook(_ context.Context, id uuid.UUID) (catalog.Book, error) {
	book, ok := tx.state.books[id]
	if !ok {
		return catalog.Book{}, catalog.ErrNotFound
	}
	return book, nil
}

func (tx *transaction) ConditionalUpdateBook(_ context.Context, book catalog.Book, expectedVersion int) (catalog.Book, error) {
	current, ok := tx.state.books[book.ID]
	if !ok {
		return catalog.Book{}, catalog.ErrNotFound
	}
	if current.Version != expectedVersion {
		return catalog.Book{}, catalog.ErrVersionConflict
	}
	current.CopiesAvailable = book.CopiesAvailable
	current.Version = expectedVersion + 1
	current.UpdatedAt = tx.now
	tx.state.books[book.ID] = current
	return current, nil
}

func (tx *transaction) InsertLoan(_ context.Context, loan catalog.Loan) error {
	if _, found := tx.openLoan(loan.UserID, loan.BookID); found && !loan.Returned() {
		return catalog.ErrDuplicateOpenLoan
	}
	tx.state.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (tx *transaction) ReadLoan(_ context.Context, id uuid.UUID) (catalog.Loan, error) {
	loan, ok := tx.state.loans[id]
	if !ok {
		return catalog.Loan{}, catalog.ErrNotFound
	}
	return cloneLoan(loan), nil
}

func (tx *transaction) FindOpenLoan(_ context.Context, userID, bookID uuid.UUID) (catalog.Loan, bool, error) {
	loan, found := tx.openLoan(userID, bookID)
	return loan, found, nil
}

func (tx *transaction) openLoan(userID, bookID uuid.UUID) (catalog.Loan, bool) {
	for _, l := range tx.state.loans {
		if l.UserID == userID && l.BookID == bookID && !l.Returned() {
			return cloneLoan(l), true
		}
	}
	return catalog.Loan{}, false
}

func (tx *transaction) UpdateLoan(_ context.Context, loan catalog.Loan, expectedVersion int) (catalog.Loan, error) {
	current, ok := tx.state.loans[loan.ID]
	if !ok {
		return catalog.Loan{}, catalog.ErrNotFound
	}
	if current.Version != expectedVersion {
		return catalog.Loan{}, catalog.ErrVersionConflict
	}
	loan.Version = expectedVersion + 1
	tx.state.loans[loan.ID] = cloneLoan(loan)
	return cloneLoan(loan), nil
}

func (tx *transaction) InsertWaitingRequest(_ context.Context, req catalog.WaitingRequest) (catalog.WaitingRequest, error) {
	for _, r := range tx.state.waiting {
		if r.UserID == req.UserID && r.BookID == req.BookID {
			return catalog.WaitingRequest{}, catalog.ErrDuplicateWaiting
		}
	}
	tx.state.seq++
	req.Seq = tx.state.seq
	tx.state.waiting[req.ID] = req
	return req, nil
}

func (tx *transaction) ReadWaitingRequest(_ context.Context, id uuid.UUID) (catalog.WaitingRequest, error) {
	req, ok := tx.state.waiting[id]
	if !ok {
		return catalog.WaitingRequest{}, catalog.ErrNotFound
	}
	return req, nil
}

func (tx *transaction) DeleteWaitingRequest(_ context.Context, id uuid.UUID) error {
	if _, ok := tx.state.waiting[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(tx.state.waiting, id)
	return nil
}

func (tx *transaction) DeleteWaitingFor(_ context.Context, userID, bookID uuid.UUID) (catalog.WaitingRequest, bool, error) {
	for id, r := range tx.state.waiting {
		if r.UserID == userID && r.BookID == bookID {
			delete(tx.state.waiting, id)
			return r, true, nil
		}
	}
	return catalog.WaitingRequest{}, false, nil
}

func (tx *transaction) PopEarliestWaitingRequest(_ context.Context, bookID uuid.UUID) (catalog.WaitingRequest, bool, error) {
	queue := tx.state.queue(bookID)
	if len(queue) == 0 {
		return catalog.WaitingRequest{}, false, nil
	}
	head := queue[0]
	delete(tx.state.waiting, head.ID)
	return head, true, nil
}

func (tx *transaction) AppendEvent(_ context.Context, event catalog.Event) error {
	current := 0
	for _, e := range tx.state.events {
		if e.AggregateID == event.AggregateID && e.Version > current {
			current = e.Version
		}
	}
	if event.Version != current+1 {
		return catalog.ErrVersionConflict
	}
	event.ID = int64(len(tx.state.events) + 1)
	event.CreatedAt = tx.now
	tx.state.events = append(tx.state.events, event)
	return nil
}
