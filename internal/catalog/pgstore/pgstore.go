// Package pgstore implements the catalog store on PostgreSQL. Lending state
// is guarded by optimistic version checks on books and loans, a partial
// unique index on open loans and a CHECK constraint on copy counts, so the
// invariants hold at READ COMMITTED across any number of service replicas.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/catalog"
	"libralend/internal/eventstore"
	"libralend/internal/pgerr"
)

const (
	tableBooks   = "books"
	tableLoans   = "loans"
	tableWaiting = "waiting_requests"

	constraintOpenLoan = "loans_one_open_per_user_book"
	constraintWaiting  = "waiting_requests_one_per_user_book"
)

var (
	dialect = goqu.Dialect("postgres")

	bookColumns    = []interface{}{"id", "title", "total_copies", "copies_available", "version", "created_at", "updated_at"}
	loanColumns    = []interface{}{"id", "book_id", "user_id", "checked_out_at", "due_at", "returned_at", "overdue_notified", "late_fee", "version"}
	waitingColumns = []interface{}{"id", "book_id", "user_id", "requested_at", "seq"}
)

var _ catalog.Store = (*Store)(nil)

// Config holds connection settings for Open.
type Config struct {
	Driver          string // "postgres" (lib/pq) or "pgx"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store is the PostgreSQL catalog store.
type Store struct {
	db     *sqlx.DB
	events *eventstore.EventStore
	tracer trace.Tracer
	logger *slog.Logger
}

// Open connects to PostgreSQL, applies pool settings and verifies the
// connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return New(db, logger), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		events: eventstore.New(),
		tracer: otel.Tracer("libralend/catalog/pgstore"),
		logger: logger,
	}
}

// DB exposes the underlying pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// RunInTx runs fn in a READ COMMITTED transaction. Serialization failures and
// deadlocks surface as catalog.ErrVersionConflict so callers retry them like
// any other lost compare-and-swap.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx catalog.Tx) error) (err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.tx")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "rollback failed", "error", rbErr)
			}
		}
	}()

	if err = fn(ctx, &tx{tx: sqlTx, events: s.events}); err != nil {
		if pgerr.IsTransient(err) {
			return fmt.Errorf("%w: %v", catalog.ErrVersionConflict, err)
		}
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		if pgerr.IsTransient(err) {
			return fmt.Errorf("%w: %v", catalog.ErrVersionConflict, err)
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) CreateBook(ctx context.Context, book catalog.Book) (catalog.Book, error) {
	if book.ID == uuid.Nil {
		book.ID = uuid.New()
	}
	now := time.Now().UTC()
	query, args, err := dialect.Insert(tableBooks).
		Rows(goqu.Record{
			"id":               book.ID.String(),
			"title":            book.Title,
			"total_copies":     book.TotalCopies,
			"copies_available": book.CopiesAvailable,
			"version":          1,
			"created_at":       now,
			"updated_at":       now,
		}).
		Returning(bookColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.Book{}, fmt.Errorf("build insert book: %w", err)
	}

	var created catalog.Book
	if err := s.db.GetContext(ctx, &created, query, args...); err != nil {
		return catalog.Book{}, fmt.Errorf("insert book: %w", err)
	}
	return created, nil
}

func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (catalog.Book, error) {
	return readBook(ctx, s.db, id)
}

func (s *Store) GetLoan(ctx context.Context, id uuid.UUID) (catalog.Loan, error) {
	return readLoan(ctx, s.db, id)
}

// QueryLoans returns loans matching filter in (due_at, id) order.
func (s *Store) QueryLoans(ctx context.Context, filter catalog.LoanFilter) ([]catalog.Loan, error) {
	ds := dialect.From(tableLoans).
		Select(loanColumns...).
		Order(goqu.C("due_at").Asc(), goqu.C("id").Asc())

	if filter.OpenOnly {
		ds = ds.Where(goqu.C("returned_at").IsNull())
	}
	if !filter.DueBefore.IsZero() {
		ds = ds.Where(goqu.C("due_at").Lt(filter.DueBefore))
	}
	if filter.OverdueNotified != nil {
		ds = ds.Where(goqu.C("overdue_notified").Eq(*filter.OverdueNotified))
	}
	if filter.UserID != uuid.Nil {
		ds = ds.Where(goqu.C("user_id").Eq(filter.UserID.String()))
	}
	if filter.BookID != uuid.Nil {
		ds = ds.Where(goqu.C("book_id").Eq(filter.BookID.String()))
	}
	if filter.After != nil {
		ds = ds.Where(goqu.L("(due_at, id) > (?, ?::uuid)", filter.After.DueAt, filter.After.ID.String()))
	}
	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}

	var loans []catalog.Loan
	if err := s.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("query loans: %w", err)
	}
	return loans, nil
}

func (s *Store) ListWaiting(ctx context.Context, bookID uuid.UUID) ([]catalog.WaitingRequest, error) {
	query, args, err := dialect.From(tableWaiting).
		Select(waitingColumns...).
		Where(goqu.C("book_id").Eq(bookID.String())).
		Order(goqu.C("requested_at").Asc(), goqu.C("seq").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build waiting query: %w", err)
	}

	var reqs []catalog.WaitingRequest
	if err := s.db.SelectContext(ctx, &reqs, query, args...); err != nil {
		return nil, fmt.Errorf("query waiting requests: %w", err)
	}
	return reqs, nil
}

func (s *Store) History(ctx context.Context, aggregateID uuid.UUID) ([]catalog.Event, error) {
	return s.events.Load(ctx, s.db, aggregateID, 0, 0)
}

func (s *Store) CountInconsistentBooks(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM books
		WHERE copies_available < 0 OR copies_available > total_copies
	`)
	if err != nil {
		return 0, fmt.Errorf("count inconsistent books: %w", err)
	}
	return count, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func readBook(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (catalog.Book, error) {
	query, args, err := dialect.From(tableBooks).
		Select(bookColumns...).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.Book{}, fmt.Errorf("build book query: %w", err)
	}

	var book catalog.Book
	if err := sqlx.GetContext(ctx, q, &book, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Book{}, catalog.ErrNotFound
		}
		return catalog.Book{}, fmt.Errorf("read book %s: %w", id, err)
	}
	return book, nil
}

func readLoan(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (catalog.Loan, error) {
	query, args, err := dialect.From(tableLoans).
		Select(loanColumns...).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return catalog.Loan{}, fmt.Errorf("build loan query: %w", err)
	}

	var loan catalog.Loan
	if err := sqlx.GetContext(ctx, q, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Loan{}, catalog.ErrNotFound
		}
		return catalog.Loan{}, fmt.Errorf("read loan %s: %w", id, err)
	}
	return loan, nil
}
