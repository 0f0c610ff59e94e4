package availability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/catalog"
	"libralend/internal/catalog/memstore"
	"libralend/internal/notify"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func seed(t *testing.T, store *memstore.Store, users ...uuid.UUID) catalog.Book {
	t.Helper()
	ctx := context.Background()
	book, err := store.CreateBook(ctx, catalog.Book{Title: "Dune", TotalCopies: 1})
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	for i, u := range users {
		req := catalog.WaitingRequest{
			ID:          uuid.New(),
			BookID:      book.ID,
			UserID:      u,
			RequestedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx catalog.Tx) error {
			created, err := tx.InsertWaitingRequest(ctx, req)
			if err != nil {
				return err
			}
			return catalog.Record(ctx, tx, created.ID, catalog.AggregateWaiting, catalog.EventWaitingQueued,
				1, catalog.NewWaitingEventData(created))
		}))
	}
	return book
}

func TestBookReturnedNotifiesEarliestRequester(t *testing.T) {
	store := memstore.New()
	first, second := uuid.New(), uuid.New()
	book := seed(t, store, first, second)
	rec := notify.NewRecorder()
	r := NewResolver(store, rec, quiet)

	matched, err := r.BookReturned(context.Background(), book.ID)
	require.NoError(t, err)
	assert.True(t, matched)

	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.KindAvailable, msgs[0].Kind)
	assert.Equal(t, first, msgs[0].UserID)
	assert.Equal(t, "Dune", msgs[0].Title)

	remaining, err := store.ListWaiting(context.Background(), book.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, second, remaining[0].UserID)
}

func TestBookReturnedWithEmptyQueueIsNoop(t *testing.T) {
	store := memstore.New()
	book := seed(t, store)
	rec := notify.NewRecorder()

	matched, err := NewResolver(store, rec, quiet).BookReturned(context.Background(), book.ID)
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Empty(t, rec.Messages())
}

func TestNotifierFailureStillConsumesRequest(t *testing.T) {
	store := memstore.New()
	user := uuid.New()
	book := seed(t, store, user)
	rec := notify.NewRecorder()
	rec.Fail(errors.New("mail relay down"))

	matched, err := NewResolver(store, rec, quiet).BookReturned(context.Background(), book.ID)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Len(t, rec.Messages(), 1)

	remaining, err := store.ListWaiting(context.Background(), book.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestMatchIsJournaled(t *testing.T) {
	store := memstore.New()
	book := seed(t, store, uuid.New())

	waiting, err := store.ListWaiting(context.Background(), book.ID)
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	_, err = NewResolver(store, notify.NewRecorder(), quiet).BookReturned(context.Background(), book.ID)
	require.NoError(t, err)

	events, err := store.History(context.Background(), waiting[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, catalog.EventWaitingMatched, events[1].EventType)
	assert.Equal(t, 2, events[1].Version)
}
