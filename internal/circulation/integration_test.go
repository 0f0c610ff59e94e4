package circulation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/availability"
	"libralend/internal/catalog/pgstore"
	"libralend/internal/notify"
	"libralend/internal/pgtest"
)

type integrationSuite struct {
	srv      *httptest.Server
	engine   *Engine
	store    *pgstore.Store
	notifier *notify.Recorder
}

func setupIntegrationSuite(t *testing.T) *integrationSuite {
	t.Helper()
	store := pgstore.New(pgtest.Open(t), quiet)
	rec := notify.NewRecorder()
	engine := newEngine(store,
		WithMaxAttempts(20),
		WithAvailabilityNotifier(availability.NewResolver(store, rec, quiet)),
	)
	srv := httptest.NewServer(NewHandler(engine, nil, store, quiet).Routes())
	t.Cleanup(srv.Close)
	return &integrationSuite{srv: srv, engine: engine, store: store, notifier: rec}
}

func TestIntegrationCheckoutFlow(t *testing.T) {
	ts := setupIntegrationSuite(t)

	resp, book := do(t, http.MethodPost, ts.srv.URL+"/books", `{"title":"Pride and Prejudice","total_copies":5}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bookID := book["id"].(string)

	resp, loan := do(t, http.MethodPost, ts.srv.URL+"/loans",
		`{"user_id":"`+uuid.New().String()+`","book_id":"`+bookID+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, updated := do(t, http.MethodGet, ts.srv.URL+"/books/"+bookID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), updated["copies_available"])

	resp, _ = do(t, http.MethodPost, ts.srv.URL+"/loans/"+loan["id"].(string)+"/return", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, updated = do(t, http.MethodGet, ts.srv.URL+"/books/"+bookID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), updated["copies_available"])
}

func TestIntegrationConcurrentCheckoutPreventsDoubleBooking(t *testing.T) {
	ts := setupIntegrationSuite(t)

	resp, book := do(t, http.MethodPost, ts.srv.URL+"/books", `{"title":"The Great Gatsby","total_copies":1}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bookID := book["id"].(string)

	const attempts = 10
	type outcome struct {
		status int
		code   string
		err    error
	}
	outcomes := make([]outcome, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := `{"user_id":"` + uuid.New().String() + `","book_id":"` + bookID + `"}`
			resp, err := http.Post(ts.srv.URL+"/loans", "application/json", strings.NewReader(body))
			if err != nil {
				outcomes[i].err = err
				return
			}
			defer resp.Body.Close()
			outcomes[i].status = resp.StatusCode
			var decoded map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
				outcomes[i].err = err
				return
			}
			outcomes[i].code = errorCode(decoded)
		}(i)
	}
	wg.Wait()

	created, rejected := 0, 0
	for i, o := range outcomes {
		require.NoError(t, o.err, "request %d", i)
		switch o.status {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			assert.Equal(t, "capacity", o.code, "request %d", i)
			rejected++
		default:
			t.Errorf("request %d: unexpected status %d (%s)", i, o.status, o.code)
		}
	}
	assert.Equal(t, 1, created, "Only one concurrent checkout should succeed")
	assert.Equal(t, attempts-1, rejected, "Every other checkout should find no copies")

	resp, updated := do(t, http.MethodGet, ts.srv.URL+"/books/"+bookID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), updated["copies_available"])

	bad, err := ts.store.CountInconsistentBooks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, bad)
}

func TestIntegrationReturnNotifiesWaitingUser(t *testing.T) {
	ts := setupIntegrationSuite(t)
	ctx := context.Background()

	book, err := ts.engine.CreateBook(ctx, "Middlemarch", 1)
	require.NoError(t, err)
	loan, err := ts.engine.Checkout(ctx, uuid.New(), book.ID)
	require.NoError(t, err)

	first, second := uuid.New(), uuid.New()
	_, err = ts.engine.EnqueueWaiting(ctx, first, book.ID)
	require.NoError(t, err)
	_, err = ts.engine.EnqueueWaiting(ctx, second, book.ID)
	require.NoError(t, err)

	_, err = ts.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	ts.engine.Wait()

	msgs := ts.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.KindAvailable, msgs[0].Kind)
	assert.Equal(t, first, msgs[0].UserID)

	waiting, err := ts.store.ListWaiting(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, second, waiting[0].UserID)
}

func TestIntegrationListLoansAndWaitlist(t *testing.T) {
	ts := setupIntegrationSuite(t)
	ctx := context.Background()

	book, err := ts.engine.CreateBook(ctx, "Daniel Deronda", 1)
	require.NoError(t, err)
	borrower, waiter := uuid.New(), uuid.New()
	loan, err := ts.engine.Checkout(ctx, borrower, book.ID)
	require.NoError(t, err)

	_, err = ts.engine.EnqueueWaiting(ctx, borrower, book.ID)
	assert.ErrorIs(t, err, ErrAlreadyBorrowing)
	_, err = ts.engine.EnqueueWaiting(ctx, waiter, book.ID)
	require.NoError(t, err)

	resp, body := do(t, http.MethodGet, ts.srv.URL+"/loans?open=true&user_id="+borrower.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{loan.ID.String()}, loanIDs(body))

	resp, body = do(t, http.MethodGet, ts.srv.URL+"/books/"+book.ID.String()+"/waitlist", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["waiting"], 1)

	late := uuid.New()
	_, err = ts.engine.EnqueueWaiting(ctx, late, book.ID)
	require.NoError(t, err)

	_, err = ts.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	ts.engine.Wait()

	// The return matched the head of the queue; the later user checks out
	// first and leaves the queue with the loan.
	waiting, err := ts.store.ListWaiting(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, late, waiting[0].UserID)

	_, err = ts.engine.Checkout(ctx, late, book.ID)
	require.NoError(t, err)
	waiting, err = ts.store.ListWaiting(ctx, book.ID)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}
