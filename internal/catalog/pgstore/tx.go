package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libralend/internal/catalog"
	"libralend/internal/eventstore"
	"libralend/internal/pgerr"
)

type tx struct {
	tx     *sqlx.Tx
	events *eventstore.EventStore
}

func (t *tx) ReadBook(ctx context.Context, id uuid.UUID) (catalog.Book, error) {
	return readBook(ctx, t.tx, id)
}

// ConditionalUpdateBook writes the available count only while the row still
// carries expectedVersion. Under READ COMMITTED a concurrent writer holding the
// row lock makes this statement wait, then re-check the predicate against the
// committed row, so at most one of them matches.
func (t *tx) ConditionalUpdateBook(ctx context.Context, book catalog.Book, expectedVersion int) (catalog.Book, error) {
	query, args, err := dialect.Update(tableBooks).
		Set(goqu.Record{
			"copies_available": book.CopiesAvailable,
			"version":          goqu.L("version + 1"),
			"updated_at":       goqu.L("NOW()"),
		}).
		Where(
			goqu.C("id").Eq(book.ID.String()),
			goqu.C("version").Eq(expectedVersion),
		).
		Returning(bookColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.Book{}, fmt.Errorf("build book update: %w", err)
	}

	var updated catalog.Book
	if err := sqlx.GetContext(ctx, t.tx, &updated, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Book{}, t.missingOr(ctx, tableBooks, book.ID)
		}
		if pgerr.IsCheckViolation(err) {
			return catalog.Book{}, fmt.Errorf("book %s copy count out of range: %w", book.ID, err)
		}
		return catalog.Book{}, fmt.Errorf("update book %s: %w", book.ID, err)
	}
	return updated, nil
}

func (t *tx) InsertLoan(ctx context.Context, loan catalog.Loan) error {
	query, args, err := dialect.Insert(tableLoans).
		Rows(goqu.Record{
			"id":               loan.ID.String(),
			"book_id":          loan.BookID.String(),
			"user_id":          loan.UserID.String(),
			"checked_out_at":   loan.CheckedOutAt,
			"due_at":           loan.DueAt,
			"returned_at":      loan.ReturnedAt,
			"overdue_notified": loan.OverdueNotified,
			"late_fee":         loan.LateFee.StringFixed(2),
			"version":          loan.Version,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build loan insert: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		if pgerr.IsUniqueViolation(err) && pgerr.Constraint(err) == constraintOpenLoan {
			return catalog.ErrDuplicateOpenLoan
		}
		return fmt.Errorf("insert loan: %w", err)
	}
	return nil
}

func (t *tx) ReadLoan(ctx context.Context, id uuid.UUID) (catalog.Loan, error) {
	return readLoan(ctx, t.tx, id)
}

func (t *tx) FindOpenLoan(ctx context.Context, userID, bookID uuid.UUID) (catalog.Loan, bool, error) {
	query, args, err := dialect.From(tableLoans).
		Select(loanColumns...).
		Where(
			goqu.C("user_id").Eq(userID.String()),
			goqu.C("book_id").Eq(bookID.String()),
			goqu.C("returned_at").IsNull(),
		).
		Limit(1).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.Loan{}, false, fmt.Errorf("build open loan query: %w", err)
	}

	var loan catalog.Loan
	if err := sqlx.GetContext(ctx, t.tx, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Loan{}, false, nil
		}
		return catalog.Loan{}, false, fmt.Errorf("find open loan: %w", err)
	}
	return loan, true, nil
}

func (t *tx) UpdateLoan(ctx context.Context, loan catalog.Loan, expectedVersion int) (catalog.Loan, error) {
	query, args, err := dialect.Update(tableLoans).
		Set(goqu.Record{
			"returned_at":      loan.ReturnedAt,
			"overdue_notified": loan.OverdueNotified,
			"late_fee":         loan.LateFee.StringFixed(2),
			"version":          expectedVersion + 1,
		}).
		Where(
			goqu.C("id").Eq(loan.ID.String()),
			goqu.C("version").Eq(expectedVersion),
		).
		Returning(loanColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.Loan{}, fmt.Errorf("build loan update: %w", err)
	}

	var updated catalog.Loan
	if err := sqlx.GetContext(ctx, t.tx, &updated, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Loan{}, t.missingOr(ctx, tableLoans, loan.ID)
		}
		return catalog.Loan{}, fmt.Errorf("update loan %s: %w", loan.ID, err)
	}
	return updated, nil
}

func (t *tx) InsertWaitingRequest(ctx context.Context, req catalog.WaitingRequest) (catalog.WaitingRequest, error) {
	query, args, err := dialect.Insert(tableWaiting).
		Rows(goqu.Record{
			"id":           req.ID.String(),
			"book_id":      req.BookID.String(),
			"user_id":      req.UserID.String(),
			"requested_at": req.RequestedAt,
		}).
		Returning(waitingColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.WaitingRequest{}, fmt.Errorf("build waiting insert: %w", err)
	}

	var created catalog.WaitingRequest
	if err := sqlx.GetContext(ctx, t.tx, &created, query, args...); err != nil {
		if pgerr.IsUniqueViolation(err) && pgerr.Constraint(err) == constraintWaiting {
			return catalog.WaitingRequest{}, catalog.ErrDuplicateWaiting
		}
		return catalog.WaitingRequest{}, fmt.Errorf("insert waiting request: %w", err)
	}
	return created, nil
}

func (t *tx) ReadWaitingRequest(ctx context.Context, id uuid.UUID) (catalog.WaitingRequest, error) {
	query, args, err := dialect.From(tableWaiting).
		Select(waitingColumns...).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.WaitingRequest{}, fmt.Errorf("build waiting query: %w", err)
	}

	var req catalog.WaitingRequest
	if err := sqlx.GetContext(ctx, t.tx, &req, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.WaitingRequest{}, catalog.ErrNotFound
		}
		return catalog.WaitingRequest{}, fmt.Errorf("read waiting request %s: %w", id, err)
	}
	return req, nil
}

func (t *tx) DeleteWaitingRequest(ctx context.Context, id uuid.UUID) error {
	query, args, err := dialect.Delete(tableWaiting).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build waiting delete: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete waiting request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete waiting request %s: %w", id, err)
	}
	if n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (t *tx) DeleteWaitingFor(ctx context.Context, userID, bookID uuid.UUID) (catalog.WaitingRequest, bool, error) {
	query, args, err := dialect.Delete(tableWaiting).
		Where(
			goqu.C("book_id").Eq(bookID.String()),
			goqu.C("user_id").Eq(userID.String()),
		).
		Returning(waitingColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.WaitingRequest{}, false, fmt.Errorf("build waiting delete: %w", err)
	}

	var req catalog.WaitingRequest
	if err := sqlx.GetContext(ctx, t.tx, &req, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.WaitingRequest{}, false, nil
		}
		return catalog.WaitingRequest{}, false, fmt.Errorf("delete waiting request of user %s: %w", userID, err)
	}
	return req, true, nil
}

// PopEarliestWaitingRequest removes and returns the head of the book's queue.
// SKIP LOCKED lets concurrent returns of the same title each claim a
// different request instead of serializing on the head row.
func (t *tx) PopEarliestWaitingRequest(ctx context.Context, bookID uuid.UUID) (catalog.WaitingRequest, bool, error) {
	var req catalog.WaitingRequest
	err := sqlx.GetContext(ctx, t.tx, &req, `
		DELETE FROM waiting_requests
		WHERE id = (
			SELECT id FROM waiting_requests
			WHERE book_id = $1
			ORDER BY requested_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, book_id, user_id, requested_at, seq
	`, bookID.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.WaitingRequest{}, false, nil
		}
		return catalog.WaitingRequest{}, false, fmt.Errorf("pop waiting request: %w", err)
	}
	return req, true, nil
}

func (t *tx) AppendEvent(ctx context.Context, event catalog.Event) error {
	if err := t.events.Append(ctx, t.tx, event); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return fmt.Errorf("%w: %v", catalog.ErrVersionConflict, err)
		}
		return err
	}
	return nil
}

// missingOr distinguishes a vanished row from a lost version race after a
// conditional update matched nothing.
func (t *tx) missingOr(ctx context.Context, table string, id uuid.UUID) error {
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table), id.String())
	if err != nil {
		return fmt.Errorf("check %s %s: %w", table, id, err)
	}
	if !exists {
		return catalog.ErrNotFound
	}
	return catalog.ErrVersionConflict
}
