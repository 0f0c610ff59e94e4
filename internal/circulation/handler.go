// internal/circulation/handler.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"libralend/internal/catalog"
)

var (
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New()
)

// OverdueScanner runs one overdue pass on demand.
type OverdueScanner interface {
	RunOverdueScan(ctx context.Context) (int, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	service Service
	scanner OverdueScanner
	ready   Pinger
	logger  *slog.Logger
}

func NewHandler(service Service, scanner OverdueScanner, ready Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, scanner: scanner, ready: ready, logger: logger}
}

// Routes mounts every endpoint on a chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/readyz", h.HandleReady)

	r.Post("/books", h.HandleCreateBook)
	r.Get("/books/{bookID}", h.HandleGetBook)
	r.Get("/books/{bookID}/waitlist", h.HandleListWaiting)
	r.Post("/books/{bookID}/waitlist", h.HandleEnqueueWaiting)
	r.Delete("/waitlist/{requestID}", h.HandleCancelWaiting)

	r.Get("/loans", h.HandleListLoans)
	r.Post("/loans", h.HandleCheckout)
	r.Get("/loans/{loanID}", h.HandleGetLoan)
	r.Post("/loans/{loanID}/return", h.HandleReturn)
	r.Get("/loans/{loanID}/history", h.HandleLoanHistory)

	r.Post("/overdue/scan", h.HandleOverdueScan)
	return r
}

type createBookRequest struct {
	Title       string `json:"title" validate:"required,max=500"`
	TotalCopies *int   `json:"total_copies" validate:"required,gte=0"`
}

type checkoutRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	BookID string `json:"book_id" validate:"required,uuid"`
}

type waitlistRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

// listLoansQuery holds the raw query parameters of GET /loans.
type listLoansQuery struct {
	UserID   string `validate:"omitempty,uuid"`
	BookID   string `validate:"omitempty,uuid"`
	Open     string `validate:"omitempty,boolean"`
	Overdue  string `validate:"omitempty,boolean"`
	Limit    string `validate:"omitempty,number"`
	AfterDue string `validate:"required_with=AfterID,omitempty,datetime=2006-01-02T15:04:05.999999999Z07:00"`
	AfterID  string `validate:"required_with=AfterDue,omitempty,uuid"`
}

type loanPage struct {
	Loans []LoanView `json:"loans"`
	// Next is the cursor for the following page, set when this page is full.
	Next *pageCursor `json:"next,omitempty"`
}

type pageCursor struct {
	AfterDue string `json:"after_due"`
	AfterID  string `json:"after_id"`
}

type errorBody struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []fieldDetail `json:"details,omitempty"`
}

type fieldDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error(), nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) HandleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if !h.decode(w, r, &req) {
		return
	}

	book, err := h.service.CreateBook(r.Context(), req.Title, *req.TotalCopies)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}
	book, err := h.service.GetBook(r.Context(), bookID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) HandleListWaiting(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}
	waiting, err := h.service.ListWaiting(r.Context(), bookID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]catalog.WaitingRequest{"waiting": waiting})
}

func (h *Handler) HandleEnqueueWaiting(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}
	var req waitlistRequest
	if !h.decode(w, r, &req) {
		return
	}

	waiting, err := h.service.EnqueueWaiting(r.Context(), uuid.MustParse(req.UserID), bookID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, waiting)
}

func (h *Handler) HandleCancelWaiting(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathID(w, r, "requestID")
	if !ok {
		return
	}
	if err := h.service.CancelWaiting(r.Context(), requestID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	loan, err := h.service.Checkout(r.Context(), uuid.MustParse(req.UserID), uuid.MustParse(req.BookID))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	raw := listLoansQuery{
		UserID:   values.Get("user_id"),
		BookID:   values.Get("book_id"),
		Open:     values.Get("open"),
		Overdue:  values.Get("overdue"),
		Limit:    values.Get("limit"),
		AfterDue: values.Get("after_due"),
		AfterID:  values.Get("after_id"),
	}
	if err := validate.Struct(raw); err != nil {
		writeValidationError(w, err)
		return
	}

	q := LoanQuery{
		UserID: parseOptionalID(raw.UserID),
		BookID: parseOptionalID(raw.BookID),
	}
	q.OpenOnly, _ = strconv.ParseBool(orFalse(raw.Open))
	q.Overdue, _ = strconv.ParseBool(orFalse(raw.Overdue))
	if raw.Limit != "" {
		q.Limit, _ = strconv.Atoi(raw.Limit)
	}
	if raw.AfterDue != "" {
		due, _ := time.Parse(time.RFC3339Nano, raw.AfterDue)
		q.After = &catalog.LoanCursor{DueAt: due, ID: uuid.MustParse(raw.AfterID)}
	}

	loans, err := h.service.ListLoans(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	page := loanPage{Loans: loans}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if n := len(loans); n > 0 && n >= min(limit, MaxListLimit) {
		last := catalog.CursorOf(loans[n-1].Loan)
		page.Next = &pageCursor{AfterDue: last.DueAt.Format(time.RFC3339Nano), AfterID: last.ID.String()}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseOptionalID(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	return uuid.MustParse(s)
}

func orFalse(s string) string {
	if s == "" {
		return "false"
	}
	return s
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	loan, err := h.service.GetLoan(r.Context(), loanID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	loan, err := h.service.Return(r.Context(), loanID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleLoanHistory(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	events, err := h.service.LoanHistory(r.Context(), loanID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleOverdueScan(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "overdue scanning is not configured", nil)
		return
	}
	n, err := h.scanner.RunOverdueScan(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"notified": n})
}

// decode reads a JSON body into dst and validates it, writing the error
// response itself when either step fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	details := make([]fieldDetail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fieldDetail{
			Field:   strings.ToLower(fe.Field()[:1]) + fe.Field()[1:],
			Message: fieldMessage(fe),
		})
	}
	writeError(w, http.StatusUnprocessableEntity, "validation", "request validation failed", details)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", fe.Field())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "boolean":
		return fmt.Sprintf("%s must be true or false", fe.Field())
	case "number":
		return fmt.Sprintf("%s must be a non-negative integer", fe.Field())
	case "datetime":
		return fmt.Sprintf("%s must be an RFC 3339 timestamp", fe.Field())
	case "required_with":
		return fmt.Sprintf("%s is required with %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid %s", param), nil)
		return uuid.Nil, false
	}
	return id, true
}

// StatusFor maps an error class to the HTTP status reported for it.
func StatusFor(class Class) int {
	switch class {
	case ClassValidation:
		return http.StatusUnprocessableEntity
	case ClassCapacity:
		return http.StatusConflict
	case ClassConcurrency:
		return http.StatusServiceUnavailable
	case ClassNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	class := Classify(err)
	status := StatusFor(class)
	if class == ClassConcurrency {
		w.Header().Set("Retry-After", "1")
	}

	message := err.Error()
	if class == ClassInternal {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		message = "internal error"
	}
	writeError(w, status, class.String(), message, nil)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details []fieldDetail) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message, Details: details},
	})
}
