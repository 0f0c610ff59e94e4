package circulation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"libralend/internal/catalog/memstore"
)

// TestCopyCountInvariant drives random sequences of checkouts, returns and
// waiting requests against one book and checks after every step that
// copies_available stays within bounds and equals total minus open loans,
// and that no borrower is also on the waiting list.
func TestCopyCountInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store := memstore.New()
		engine := newEngine(store)

		total := rapid.IntRange(0, 4).Draw(rt, "total")
		book, err := engine.CreateBook(ctx, "Property", total)
		if err != nil {
			rt.Fatalf("create book: %v", err)
		}

		users := make([]uuid.UUID, 6)
		for i := range users {
			users[i] = uuid.New()
		}
		open := map[int]uuid.UUID{}

		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			u := rapid.IntRange(0, len(users)-1).Draw(rt, "user")

			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				loan, err := engine.Checkout(ctx, users[u], book.ID)
				_, holding := open[u]
				switch {
				case err == nil:
					if holding {
						rt.Fatalf("user %d got a second open loan", u)
					}
					open[u] = loan.ID
				case errors.Is(err, ErrDuplicateLoan):
					if !holding {
						rt.Fatalf("duplicate loan reported for user %d without an open loan", u)
					}
				case errors.Is(err, ErrNoCopiesAvailable):
					if len(open) < total {
						rt.Fatalf("no copies reported with %d of %d lent", len(open), total)
					}
				default:
					rt.Fatalf("checkout: %v", err)
				}
			case 1:
				loanID, holding := open[u]
				if !holding {
					continue
				}
				if _, err := engine.Return(ctx, loanID); err != nil {
					rt.Fatalf("return: %v", err)
				}
				delete(open, u)
				if _, err := engine.Return(ctx, loanID); !errors.Is(err, ErrAlreadyReturned) {
					rt.Fatalf("second return: got %v", err)
				}
			case 2:
				_, err := engine.EnqueueWaiting(ctx, users[u], book.ID)
				_, holding := open[u]
				switch {
				case err == nil:
					if holding {
						rt.Fatalf("user %d queued while holding a loan", u)
					}
				case errors.Is(err, ErrAlreadyBorrowing):
					if !holding {
						rt.Fatalf("borrowing reported for user %d without an open loan", u)
					}
				case errors.Is(err, ErrBookHasAvailableCopies), errors.Is(err, ErrAlreadyWaiting):
				default:
					rt.Fatalf("enqueue: %v", err)
				}
			}

			waiting, err := store.ListWaiting(ctx, book.ID)
			if err != nil {
				rt.Fatalf("list waiting: %v", err)
			}
			for _, req := range waiting {
				for holder := range open {
					if users[holder] == req.UserID {
						rt.Fatalf("user %d is both waiting and borrowing", holder)
					}
				}
			}

			got, err := store.GetBook(ctx, book.ID)
			if err != nil {
				rt.Fatalf("get book: %v", err)
			}
			if !got.Consistent() {
				rt.Fatalf("inconsistent book: %d of %d available", got.CopiesAvailable, got.TotalCopies)
			}
			if got.CopiesAvailable != total-len(open) {
				rt.Fatalf("available %d, want %d", got.CopiesAvailable, total-len(open))
			}
		}
	})
}
