// Package memstore provides an in-memory transactional catalog store for
// tests, chaos runs and ephemeral environments. Transactions run against a
// cloned copy of the state under a single writer lock and are swapped in on
// success, so every transaction is serializable.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"libralend/internal/catalog"
)

var _ catalog.Store = (*Store)(nil)

type state struct {
	books   map[uuid.UUID]catalog.Book
	loans   map[uuid.UUID]catalog.Loan
	waiting map[uuid.UUID]catalog.WaitingRequest
	events  []catalog.Event
	seq     int64
}

func newState() state {
	return state{
		books:   map[uuid.UUID]catalog.Book{},
		loans:   map[uuid.UUID]catalog.Loan{},
		waiting: map[uuid.UUID]catalog.WaitingRequest{},
	}
}

func (s state) clone() state {
	c := state{
		books:   make(map[uuid.UUID]catalog.Book, len(s.books)),
		loans:   make(map[uuid.UUID]catalog.Loan, len(s.loans)),
		waiting: make(map[uuid.UUID]catalog.WaitingRequest, len(s.waiting)),
		events:  make([]catalog.Event, len(s.events)),
		seq:     s.seq,
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.loans {
		c.loans[k] = cloneLoan(v)
	}
	for k, v := range s.waiting {
		c.waiting[k] = v
	}
	copy(c.events, s.events)
	return c
}

func cloneLoan(l catalog.Loan) catalog.Loan {
	if l.ReturnedAt != nil {
		at := *l.ReturnedAt
		l.ReturnedAt = &at
	}
	return l
}

// Store is the in-memory catalog store.
type Store struct {
	mu    sync.RWMutex
	state state
	nowFn func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.nowFn = now
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		state: newState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx executes fn within a transactional copy of the store state.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx catalog.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone(), now: s.nowFn()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *Store) CreateBook(_ context.Context, book catalog.Book) (catalog.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if book.ID == uuid.Nil {
		book.ID = uuid.New()
	}
	if _, exists := s.state.books[book.ID]; exists {
		return catalog.Book{}, fmt.Errorf("book %s already exists", book.ID)
	}
	now := s.nowFn()
	book.Version = 1
	book.CreatedAt = now
	book.UpdatedAt = now
	s.state.books[book.ID] = book
	return book, nil
}

func (s *Store) GetBook(_ context.Context, id uuid.UUID) (catalog.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.state.books[id]
	if !ok {
		return catalog.Book{}, catalog.ErrNotFound
	}
	return book, nil
}

func (s *Store) GetLoan(_ context.Context, id uuid.UUID) (catalog.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loan, ok := s.state.loans[id]
	if !ok {
		return catalog.Loan{}, catalog.ErrNotFound
	}
	return cloneLoan(loan), nil
}

func (s *Store) QueryLoans(_ context.Context, filter catalog.LoanFilter) ([]catalog.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var loans []catalog.Loan
	for _, loan := range s.state.loans {
		if filter.Matches(loan) {
			loans = append(loans, cloneLoan(loan))
		}
	}
	sort.Slice(loans, func(i, j int) bool {
		if loans[i].DueAt.Equal(loans[j].DueAt) {
			return loans[i].ID.String() < loans[j].ID.String()
		}
		return loans[i].DueAt.Before(loans[j].DueAt)
	})
	if filter.Limit > 0 && len(loans) > filter.Limit {
		loans = loans[:filter.Limit]
	}
	return loans, nil
}

func (s *Store) ListWaiting(_ context.Context, bookID uuid.UUID) ([]catalog.WaitingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.queue(bookID), nil
}

func (s *Store) History(_ context.Context, aggregateID uuid.UUID) ([]catalog.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []catalog.Event
	for _, e := range s.state.events {
		if e.AggregateID == aggregateID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (s *Store) CountInconsistentBooks(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, b := range s.state.books {
		if !b.Consistent() {
			count++
		}
	}
	return count, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

// queue returns the waiting requests for bookID in service order.
func (st state) queue(bookID uuid.UUID) []catalog.WaitingRequest {
	var reqs []catalog.WaitingRequest
	for _, r := range st.waiting {
		if r.BookID == bookID {
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].RequestedAt.Equal(reqs[j].RequestedAt) {
			return reqs[i].Seq < reqs[j].Seq
		}
		return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
	})
	return reqs
}
