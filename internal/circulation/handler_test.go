package circulation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/catalog"
	"libralend/internal/catalog/memstore"
)

type scanFunc func(ctx context.Context) (int, error)

func (f scanFunc) RunOverdueScan(ctx context.Context) (int, error) { return f(ctx) }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T) (*httptest.Server, *Engine) {
	t.Helper()
	store := memstore.New()
	engine := newEngine(store)
	scanner := scanFunc(func(context.Context) (int, error) { return 3, nil })
	srv := httptest.NewServer(NewHandler(engine, scanner, store, quiet).Routes())
	t.Cleanup(srv.Close)
	return srv, engine
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestHandlerCheckoutAndReturn(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, book := do(t, http.MethodPost, srv.URL+"/books", `{"title":"Dune","total_copies":1}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bookID := book["id"].(string)

	user := uuid.New().String()
	resp, loan := do(t, http.MethodPost, srv.URL+"/loans", `{"user_id":"`+user+`","book_id":"`+bookID+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loanID := loan["id"].(string)

	resp, body := do(t, http.MethodPost, srv.URL+"/loans", `{"user_id":"`+uuid.New().String()+`","book_id":"`+bookID+`"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "capacity", errorCode(body))

	resp, body = do(t, http.MethodPost, srv.URL+"/loans", `{"user_id":"`+user+`","book_id":"`+bookID+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation", errorCode(body))

	resp, view := do(t, http.MethodGet, srv.URL+"/loans/"+loanID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(catalog.LoanOpen), view["status"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/loans/"+loanID+"/return", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/loans/"+loanID+"/return", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation", errorCode(body))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/loans/"+loanID+"/history", nil)
	require.NoError(t, err)
	hresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer hresp.Body.Close()
	var events []catalog.Event
	require.NoError(t, json.NewDecoder(hresp.Body).Decode(&events))
	assert.Len(t, events, 2)
}

func TestHandlerValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/loans", `{"user_id":"not-a-uuid"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	e := body["error"].(map[string]interface{})
	assert.Len(t, e["details"], 2)

	resp, _ = do(t, http.MethodPost, srv.URL+"/books", `{"title":"Bad","total_copies":-1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/books", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/loans/nope", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/loans/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(body))

	resp, _ = do(t, http.MethodGet, srv.URL+"/books/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/waitlist/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerWaitlist(t *testing.T) {
	srv, engine := newTestServer(t)
	book, err := engine.CreateBook(context.Background(), "Gone", 0)
	require.NoError(t, err)

	resp, req := do(t, http.MethodPost, srv.URL+"/books/"+book.ID.String()+"/waitlist",
		`{"user_id":"`+uuid.New().String()+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/waitlist/"+req["id"].(string), "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	stocked, err := engine.CreateBook(context.Background(), "Stocked", 1)
	require.NoError(t, err)
	resp, body := do(t, http.MethodPost, srv.URL+"/books/"+stocked.ID.String()+"/waitlist",
		`{"user_id":"`+uuid.New().String()+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation", errorCode(body))
}

func TestHandlerOverdueScanAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/overdue/scan", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["notified"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerConflictSetsRetryAfter(t *testing.T) {
	store := &conflictStore{Store: memstore.New()}
	engine := newEngine(store, WithMaxAttempts(2))
	book, err := engine.CreateBook(context.Background(), "Contended", 1)
	require.NoError(t, err)
	store.failures.Store(100)

	down := pingFunc(func(context.Context) error { return errors.New("database unreachable") })
	srv := httptest.NewServer(NewHandler(engine, nil, down, quiet).Routes())
	defer srv.Close()

	resp, body := do(t, http.MethodPost, srv.URL+"/loans",
		`{"user_id":"`+uuid.New().String()+`","book_id":"`+book.ID.String()+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "concurrency", errorCode(body))

	resp, _ = do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/overdue/scan", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func loanIDs(body map[string]interface{}) []string {
	loans, _ := body["loans"].([]interface{})
	ids := make([]string, 0, len(loans))
	for _, l := range loans {
		ids = append(ids, l.(map[string]interface{})["id"].(string))
	}
	return ids
}

func TestHandlerListLoans(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := memstore.New()
	engine := newEngine(store, WithClock(clock.Now))
	srv := httptest.NewServer(NewHandler(engine, nil, store, quiet).Routes())
	t.Cleanup(srv.Close)

	bookA, err := engine.CreateBook(ctx, "Emma", 3)
	require.NoError(t, err)
	bookB, err := engine.CreateBook(ctx, "Persuasion", 2)
	require.NoError(t, err)

	alice, bob := uuid.New(), uuid.New()
	aliceA, err := engine.Checkout(ctx, alice, bookA.ID)
	require.NoError(t, err)
	bobA, err := engine.Checkout(ctx, bob, bookA.ID)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	aliceB, err := engine.Checkout(ctx, alice, bookB.ID)
	require.NoError(t, err)

	clock.Advance(catalog.LoanPeriod)
	_, err = engine.Return(ctx, bobA.ID)
	require.NoError(t, err)

	resp, body := do(t, http.MethodGet, srv.URL+"/loans?user_id="+alice.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []string{aliceA.ID.String(), aliceB.ID.String()}, loanIDs(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/loans?overdue=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{aliceA.ID.String()}, loanIDs(body))
	first := body["loans"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, string(catalog.LoanOverdue), first["status"])

	resp, body = do(t, http.MethodGet, srv.URL+"/loans?open=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []string{aliceA.ID.String(), aliceB.ID.String()}, loanIDs(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/loans?book_id="+bookA.ID.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []string{aliceA.ID.String(), bobA.ID.String()}, loanIDs(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/loans?user_id="+bob.String()+"&open=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, loanIDs(body))
	assert.Nil(t, body["next"])
}

func TestHandlerListLoansPages(t *testing.T) {
	ctx := context.Background()
	srv, engine := newTestServer(t)
	book, err := engine.CreateBook(ctx, "Sanditon", 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := engine.Checkout(ctx, uuid.New(), book.ID)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	next := srv.URL + "/loans?limit=2"
	for pages := 0; next != ""; pages++ {
		require.Less(t, pages, 3)
		resp, body := do(t, http.MethodGet, next, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		for _, id := range loanIDs(body) {
			assert.False(t, seen[id], "loan %s listed twice", id)
			seen[id] = true
		}
		next = ""
		if cursor, ok := body["next"].(map[string]interface{}); ok {
			next = srv.URL + "/loans?limit=2&after_due=" + url.QueryEscape(cursor["after_due"].(string)) +
				"&after_id=" + cursor["after_id"].(string)
		}
	}
	assert.Len(t, seen, 3)
}

func TestHandlerListLoansValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, query := range []string{
		"user_id=nope",
		"overdue=maybe",
		"limit=-1",
		"after_due=2026-01-01T00:00:00Z",
		"after_id=" + uuid.New().String(),
	} {
		resp, body := do(t, http.MethodGet, srv.URL+"/loans?"+query, "")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, query)
		assert.Equal(t, "validation", errorCode(body), query)
	}
}

func TestHandlerListWaiting(t *testing.T) {
	ctx := context.Background()
	srv, engine := newTestServer(t)
	book, err := engine.CreateBook(ctx, "Lady Susan", 0)
	require.NoError(t, err)

	first, second := uuid.New(), uuid.New()
	_, err = engine.EnqueueWaiting(ctx, first, book.ID)
	require.NoError(t, err)
	_, err = engine.EnqueueWaiting(ctx, second, book.ID)
	require.NoError(t, err)

	resp, body := do(t, http.MethodGet, srv.URL+"/books/"+book.ID.String()+"/waitlist", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waiting := body["waiting"].([]interface{})
	require.Len(t, waiting, 2)
	assert.Equal(t, first.String(), waiting[0].(map[string]interface{})["user_id"])
	assert.Equal(t, second.String(), waiting[1].(map[string]interface{})["user_id"])

	resp, body = do(t, http.MethodGet, srv.URL+"/books/"+uuid.New().String()+"/waitlist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(body))
}
