package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/libraryops/internal/domain"
	"github.com/punchamoorthee/libraryops/internal/logger"
	"github.com/punchamoorthee/libraryops/internal/service"
	"github.com/punchamoorthee/libraryops/internal/store"
	"github.com/punchamoorthee/libraryops/internal/sweeper"
)

const testSecret = "test-secret"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	*httptest.Server
	clock *clock
	admin string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Discard()
	c := &clock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	opts := []service.Option{service.WithClock(c.Now), service.WithLogger(log)}

	borrow := service.NewBorrowService(st, opts...)
	catalog := service.NewCatalogService(st, opts...)
	registry := service.NewRegistryService(st, opts...)
	sw := sweeper.New(borrow, sweeper.Config{}, log)

	h := NewHandler(borrow, catalog, registry, sw, log)
	srv := httptest.NewServer(NewRouter(h, NewAuthenticator(testSecret, log)))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, clock: c, admin: signToken(t, testSecret, "admin", "librarian-1")}
}

func signToken(t *testing.T, secret, role, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Code      string          `json:"code"`
	Retryable bool            `json:"retryable"`
	Data      json.RawMessage `json:"data"`
}

type call struct {
	method  string
	path    string
	body    any
	token   string
	headers map[string]string
}

func (s *testServer) do(t *testing.T, c call) (*http.Response, envelope) {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		if raw, ok := c.body.(string); ok {
			body.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&body).Encode(c.body))
		}
	}

	req, err := http.NewRequest(c.method, s.URL+c.path, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), "data: %s", env.Data)
	return v
}

func (s *testServer) addBook(t *testing.T, copies int) domain.Book {
	t.Helper()
	resp, env := s.do(t, call{method: http.MethodPost, path: "/api/books", token: s.admin, body: map[string]any{
		"title": "Banaag at Sikat", "author": "Lope K. Santos", "totalCopies": copies,
	}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Message)
	return decodeData[domain.Book](t, env)
}

func (s *testServer) addStudent(t *testing.T, code string) {
	t.Helper()
	resp, env := s.do(t, call{method: http.MethodPost, path: "/api/students", token: s.admin, body: map[string]any{
		"studentId": code, "firstName": "Apolinario", "lastName": "Mabini", "contactNumber": "+639171234567",
	}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Message)
}

func (s *testServer) request(t *testing.T, code string, book domain.Book) domain.BorrowRequest {
	t.Helper()
	resp, env := s.do(t, call{method: http.MethodPost, path: "/api/borrow/request", body: map[string]string{
		"studentId": code, "bookId": book.ID.String(),
	}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, env.Message)
	return decodeData[domain.BorrowRequest](t, env)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "dormant", body["sweeper"])
}

func TestHealthCheck_FailingDependency(t *testing.T) {
	// setup
	h := NewHandler(nil, nil, nil, nil, logger.Discard())
	h.AddHealthCheck("database", func(context.Context) error { return nil })
	h.AddHealthCheck("nats", func(context.Context) error { return errors.New("nats: connection closed") })
	rec := httptest.NewRecorder()

	// act
	h.HealthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// assert
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "disabled", body["sweeper"])
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "nats: connection closed", body["nats"])
}

func TestBorrowLifecycle(t *testing.T) {
	// setup
	s := newTestServer(t)
	book := s.addBook(t, 1)
	s.addStudent(t, "S-001")

	// act: kiosk request, approve, return late and damaged, pay.
	created := s.request(t, "S-001", book)

	resp, env := s.do(t, call{method: http.MethodPut, path: "/api/borrow/approve/" + created.ID.String(), token: s.admin})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Message)
	approved := decodeData[domain.BorrowRequest](t, env)

	s.clock.Advance(3 * 24 * time.Hour)
	resp, env = s.do(t, call{method: http.MethodPut, path: "/api/borrow/return/" + created.ID.String(), token: s.admin,
		body: map[string]any{"condition": "damaged", "damageFee": "120.50", "notes": "torn cover"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Message)
	returned := decodeData[domain.BorrowRequest](t, env)

	resp, env = s.do(t, call{method: http.MethodPut, path: "/api/borrow/pay-fee/" + created.ID.String(), token: s.admin})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Message)
	paid := decodeData[domain.BorrowRequest](t, env)

	// assert
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.Equal(t, "librarian-1", approved.ApprovedBy)
	assert.Equal(t, domain.StatusReturned, returned.Status)
	assert.Equal(t, "10.00", returned.LateFee.StringFixed(2))
	assert.Equal(t, "120.50", returned.DamageFee.StringFixed(2))
	assert.True(t, returned.IsLate)
	assert.True(t, paid.Paid)

	_, env = s.do(t, call{method: http.MethodGet, path: "/api/books/" + book.ID.String()})
	assert.Equal(t, 1, decodeData[domain.Book](t, env).AvailableCopies)
}

func TestCreateRequest_Responses(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 1)
	empty := s.addBook(t, 0)
	s.addStudent(t, "S-001")
	s.addStudent(t, "S-002")
	s.request(t, "S-001", book)

	tests := []struct {
		name      string
		body      any
		wantCode  int
		wantKind  string
		wantRetry bool
	}{
		{"unknown field", `{"studentId":"S-002","bookId":"` + book.ID.String() + `","extra":1}`, http.StatusBadRequest, "VALIDATION_ERROR", false},
		{"bad book id", map[string]string{"studentId": "S-002", "bookId": "nope"}, http.StatusBadRequest, "VALIDATION_ERROR", false},
		{"missing student", map[string]string{"bookId": book.ID.String()}, http.StatusBadRequest, "VALIDATION_ERROR", false},
		{"unknown student", map[string]string{"studentId": "S-404", "bookId": book.ID.String()}, http.StatusNotFound, "NOT_FOUND", false},
		{"no copies", map[string]string{"studentId": "S-002", "bookId": empty.ID.String()}, http.StatusConflict, "UNAVAILABLE", true},
		{"already borrowing", map[string]string{"studentId": "S-001", "bookId": book.ID.String()}, http.StatusConflict, "ALREADY_BORROWING", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := s.do(t, call{method: http.MethodPost, path: "/api/borrow/request", body: tt.body})

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.False(t, env.Success)
			assert.Equal(t, tt.wantKind, env.Code)
			assert.Equal(t, tt.wantRetry, env.Retryable)
			assert.NotEmpty(t, env.Message)
		})
	}
}

func TestCreateRequest_IdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 2)
	s.addStudent(t, "S-001")
	body := map[string]string{"studentId": "S-001", "bookId": book.ID.String()}
	headers := map[string]string{"Idempotency-Key": "kiosk-7-0001"}

	first, firstEnv := s.do(t, call{method: http.MethodPost, path: "/api/borrow/request", body: body, headers: headers})
	second, secondEnv := s.do(t, call{method: http.MethodPost, path: "/api/borrow/request", body: body, headers: headers})
	other := map[string]string{"studentId": "S-002", "bookId": book.ID.String()}
	third, thirdEnv := s.do(t, call{method: http.MethodPost, path: "/api/borrow/request", body: other, headers: headers})

	require.Equal(t, http.StatusCreated, first.StatusCode, firstEnv.Message)
	assert.Empty(t, first.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	assert.Equal(t,
		decodeData[domain.BorrowRequest](t, firstEnv).ID,
		decodeData[domain.BorrowRequest](t, secondEnv).ID)
	assert.Equal(t, http.StatusUnprocessableEntity, third.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", thirdEnv.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		token    string
		wantCode int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong secret", signToken(t, "other-secret", "admin", "mallory"), http.StatusUnauthorized},
		{"student role", signToken(t, testSecret, "student", "S-001"), http.StatusForbidden},
		{"admin", s.admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := s.do(t, call{method: http.MethodGet, path: "/api/borrow/requests", token: tt.token})
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}
}

func TestAdminRoutesAcceptCookie(t *testing.T) {
	s := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, s.URL+"/api/borrow/stats", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "token", Value: s.admin})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransitions_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 1)
	s.addStudent(t, "S-001")
	r := s.request(t, "S-001", book)
	resp, _ := s.do(t, call{method: http.MethodPut, path: "/api/borrow/deny/" + r.ID.String(), token: s.admin})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		name     string
		path     string
		body     any
		wantCode int
		wantKind string
	}{
		{"approve denied", "/api/borrow/approve/" + r.ID.String(), nil, http.StatusConflict, "INVALID_TRANSITION"},
		{"pay denied", "/api/borrow/pay-fee/" + r.ID.String(), nil, http.StatusConflict, "INVALID_TRANSITION"},
		{"approve missing", "/api/borrow/approve/6f1c2a8e-0000-4000-8000-000000000000", nil, http.StatusNotFound, "NOT_FOUND"},
		{"approve bad id", "/api/borrow/approve/42", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"return bad condition", "/api/borrow/return/" + r.ID.String(), map[string]string{"condition": "wet"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"return lost without fee", "/api/borrow/return/" + r.ID.String(), map[string]string{"condition": "lost"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := s.do(t, call{method: http.MethodPut, path: tt.path, body: tt.body, token: s.admin})
			assert.Equal(t, tt.wantCode, resp.StatusCode, env.Message)
			assert.Equal(t, tt.wantKind, env.Code)
		})
	}
}

func TestAdjustStock(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 3)

	resp, env := s.do(t, call{method: http.MethodPost, path: "/api/books/" + book.ID.String() + "/stock", token: s.admin,
		body: map[string]any{"action": "remove", "quantity": 5, "reason": "damaged"}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)

	resp, env = s.do(t, call{method: http.MethodPost, path: "/api/books/" + book.ID.String() + "/stock", token: s.admin,
		body: map[string]any{"action": "remove", "quantity": 1, "reason": "lost", "note": "never returned"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Message)
	adjusted := decodeData[struct {
		Book  domain.Book             `json:"book"`
		Entry domain.StockLedgerEntry `json:"entry"`
	}](t, env)
	assert.Equal(t, 2, adjusted.Book.TotalCopies)
	assert.Equal(t, "librarian-1", adjusted.Entry.ActorID)

	_, env = s.do(t, call{method: http.MethodGet, path: "/api/books/" + book.ID.String() + "/stock-ledger", token: s.admin})
	ledger := decodeData[[]domain.StockLedgerEntry](t, env)
	require.Len(t, ledger, 2)
	assert.Equal(t, domain.ReasonLost, ledger[1].Reason)
}

func TestDeleteAndRestoreBook(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 1)
	path := "/api/books/" + book.ID.String()

	resp, _ := s.do(t, call{method: http.MethodDelete, path: path, token: s.admin})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, env := s.do(t, call{method: http.MethodGet, path: "/api/books"})
	assert.Empty(t, decodeData[[]domain.Book](t, env))

	resp, _ = s.do(t, call{method: http.MethodPut, path: path + "/restore", token: s.admin})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, env = s.do(t, call{method: http.MethodGet, path: "/api/books"})
	assert.Len(t, decodeData[[]domain.Book](t, env), 1)
}

func TestSweepEndpoint(t *testing.T) {
	s := newTestServer(t)
	book := s.addBook(t, 1)
	s.addStudent(t, "S-001")
	r := s.request(t, "S-001", book)
	resp, _ := s.do(t, call{method: http.MethodPut, path: "/api/borrow/approve/" + r.ID.String(), token: s.admin})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s.clock.Advance(6 * 24 * time.Hour)

	resp, env := s.do(t, call{method: http.MethodPost, path: "/api/borrow/sweep", token: s.admin})

	require.Equal(t, http.StatusOK, resp.StatusCode, env.Message)
	affected := decodeData[[]domain.BorrowRequest](t, env)
	require.Len(t, affected, 1)
	assert.Equal(t, domain.StatusOverdue, affected[0].Status)
	assert.Equal(t, "25.00", affected[0].LateFee.StringFixed(2))

	_, env = s.do(t, call{method: http.MethodGet, path: "/api/borrow/requests?status=overdue", token: s.admin})
	assert.Len(t, decodeData[[]domain.BorrowRequest](t, env), 1)
}

func TestStudents(t *testing.T) {
	s := newTestServer(t)
	s.addStudent(t, "S-001")

	resp, env := s.do(t, call{method: http.MethodPut, path: "/api/students/S-001/contact", token: s.admin,
		body: map[string]string{"contactNumber": "+639998887777"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Message)
	dup, dupEnv := s.do(t, call{method: http.MethodPost, path: "/api/students", token: s.admin, body: map[string]any{
		"studentId": "S-001", "firstName": "A", "lastName": "B", "contactNumber": "+639171234567",
	}})
	missing, _ := s.do(t, call{method: http.MethodGet, path: "/api/students/S-404", token: s.admin})

	assert.Equal(t, "+639998887777", decodeData[domain.Student](t, env).ContactNumber)
	assert.Equal(t, http.StatusConflict, dup.StatusCode)
	assert.Equal(t, "CONFLICT", dupEnv.Code)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, call{method: http.MethodGet, path: "/api/books"})

	resp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), "library_http_requests_total")
}
