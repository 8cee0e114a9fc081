package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/libraryops/internal/domain"
	"github.com/punchamoorthee/libraryops/internal/models"
	"github.com/punchamoorthee/libraryops/internal/service"
	"github.com/punchamoorthee/libraryops/internal/sweeper"
)

const maxBodyBytes = 1 << 20

// Sweeper is the on-demand side of the overdue sweeper.
type Sweeper interface {
	Trigger(ctx context.Context) (sweeper.Result, error)
	State() sweeper.State
}

// HealthCheck reports whether a dependency such as the database or the event
// broker is usable.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

type Handler struct {
	borrow   *service.BorrowService
	catalog  *service.CatalogService
	registry *service.RegistryService
	sweeper  Sweeper
	checks   []namedCheck
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(borrow *service.BorrowService, catalog *service.CatalogService, registry *service.RegistryService, sw Sweeper, logger *slog.Logger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		borrow:   borrow,
		catalog:  catalog,
		registry: registry,
		sweeper:  sw,
		validate: v,
		logger:   logger,
	}
}

// AddHealthCheck registers a dependency reported by /health under name. Call
// it before the router starts serving.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	state := "disabled"
	if h.sweeper != nil {
		state = string(h.sweeper.State())
	}
	body := map[string]string{"status": "ok", "sweeper": state}
	code := http.StatusOK

	for _, c := range h.checks {
		if err := c.check(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", "check", c.name, "error", err)
			body[c.name] = err.Error()
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		body[c.name] = "ok"
	}
	respondWithJSON(w, code, body)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, string(service.KindValidation), "unreadable request body")
		return nil, false
	}
	return body, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		respondError(w, http.StatusBadRequest, string(service.KindValidation), fmt.Sprintf("%s must be a UUID", name))
		return uuid.Nil, false
	}
	return id, true
}

// CreateRequestHandler is the kiosk entry point. With an Idempotency-Key
// header a retried submission replays the first response.
func (h *Handler) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req models.CreateBorrowRequest
	if !h.decode(w, body, &req) {
		return
	}
	bookID, err := uuid.Parse(req.BookID)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(service.KindValidation), "bookId must be a UUID")
		return
	}
	in := service.CreateRequestInput{StudentID: strings.TrimSpace(req.StudentID), BookID: bookID}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		created, err := h.borrow.CreateRequest(r.Context(), in)
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		w.Header().Set("Location", "/api/borrow/requests/"+created.ID.String())
		respondOK(w, http.StatusCreated, "Borrow request submitted", created)
		return
	}

	hash := sha256.Sum256(body)
	reqHash := hex.EncodeToString(hash[:])

	created, existing, err := h.borrow.CreateRequestIdempotent(r.Context(), in, idempotencyKey, reqHash)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	if existing != nil {
		w.Header().Set("Idempotent-Replayed", "true")
		respondOK(w, existing.ResponseStatus, "Borrow request submitted", json.RawMessage(existing.ResponseBody))
		return
	}

	w.Header().Set("Location", "/api/borrow/requests/"+created.ID.String())
	respondOK(w, http.StatusCreated, "Borrow request submitted", created)
}

func (h *Handler) ListRequestsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RequestFilter{Status: domain.BorrowStatus(q.Get("status"))}

	if code := q.Get("studentId"); code != "" {
		st, err := h.registry.GetStudent(r.Context(), code)
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		filter.StudentID = &st.ID
	}
	if raw := q.Get("bookId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, string(service.KindValidation), "bookId must be a UUID")
			return
		}
		filter.BookID = &id
	}

	reqs, err := h.borrow.ListRequests(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []domain.BorrowRequest{}
	}
	respondOK(w, http.StatusOK, "", reqs)
}

func (h *Handler) GetRequestHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	req, err := h.borrow.GetRequest(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", req)
}

func (h *Handler) ApproveRequestHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Borrow request approved", h.borrow.ApproveRequest)
}

func (h *Handler) DenyRequestHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Borrow request denied", h.borrow.DenyRequest)
}

func (h *Handler) PayFeeHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Fees marked as paid", h.borrow.PayFee)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, message string,
	fn func(ctx context.Context, actor string, id uuid.UUID) (domain.BorrowRequest, error)) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	req, err := fn(r.Context(), actorFrom(r), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, message, req)
}

func (h *Handler) ReturnBookHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req models.ReturnBookRequest
	if !h.decode(w, body, &req) {
		return
	}
	in := service.ReturnInput{
		Condition: domain.BookCondition(req.Condition),
		DamageFee: decimal.Zero,
		Notes:     req.Notes,
	}
	if req.DamageFee != nil {
		in.DamageFee = *req.DamageFee
	}

	returned, err := h.borrow.ReturnBook(r.Context(), actorFrom(r), id, in)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Book returned", returned)
}

func (h *Handler) SweepHandler(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		respondError(w, http.StatusServiceUnavailable, string(service.KindInternal), "sweeper is not configured")
		return
	}

	res, err := h.sweeper.Trigger(r.Context())
	if err != nil && len(res.Affected) == 0 {
		h.respondServiceError(w, r, err)
		return
	}
	affected := res.Affected
	if affected == nil {
		affected = []domain.BorrowRequest{}
	}

	msg := fmt.Sprintf("%d request(s) updated", len(affected))
	if err != nil {
		h.logger.WarnContext(r.Context(), "overdue sweep finished with errors", "error", err)
		msg += "; some requests failed, see logs"
	}
	respondOK(w, http.StatusOK, msg, affected)
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.borrow.Stats(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", stats)
}
