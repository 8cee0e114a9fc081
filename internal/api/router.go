package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every route. Admin routes go through auth.Require.
func NewRouter(h *Handler, auth *Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	admin := func(fn http.HandlerFunc) http.Handler { return auth.Require(fn) }

	// Kiosk
	r.HandleFunc("/api/borrow/request", h.CreateRequestHandler).Methods(http.MethodPost)

	r.Handle("/api/borrow/requests", admin(h.ListRequestsHandler)).Methods(http.MethodGet)
	r.Handle("/api/borrow/requests/{id}", admin(h.GetRequestHandler)).Methods(http.MethodGet)
	r.Handle("/api/borrow/approve/{id}", admin(h.ApproveRequestHandler)).Methods(http.MethodPut)
	r.Handle("/api/borrow/deny/{id}", admin(h.DenyRequestHandler)).Methods(http.MethodPut)
	r.Handle("/api/borrow/return/{id}", admin(h.ReturnBookHandler)).Methods(http.MethodPut)
	r.Handle("/api/borrow/pay-fee/{id}", admin(h.PayFeeHandler)).Methods(http.MethodPut)
	r.Handle("/api/borrow/sweep", admin(h.SweepHandler)).Methods(http.MethodPost)
	r.Handle("/api/borrow/stats", admin(h.StatsHandler)).Methods(http.MethodGet)

	r.HandleFunc("/api/books", h.ListBooksHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/books/{id}", h.GetBookHandler).Methods(http.MethodGet)
	r.Handle("/api/books", admin(h.CreateBookHandler)).Methods(http.MethodPost)
	r.Handle("/api/books/{id}", admin(h.UpdateBookHandler)).Methods(http.MethodPut)
	r.Handle("/api/books/{id}", admin(h.DeleteBookHandler)).Methods(http.MethodDelete)
	r.Handle("/api/books/{id}/restore", admin(h.RestoreBookHandler)).Methods(http.MethodPut)
	r.Handle("/api/books/{id}/stock", admin(h.AdjustStockHandler)).Methods(http.MethodPost)
	r.Handle("/api/books/{id}/stock-ledger", admin(h.ListLedgerHandler)).Methods(http.MethodGet)

	r.Handle("/api/students", admin(h.RegisterStudentHandler)).Methods(http.MethodPost)
	r.Handle("/api/students", admin(h.ListStudentsHandler)).Methods(http.MethodGet)
	r.Handle("/api/students/{studentId}", admin(h.GetStudentHandler)).Methods(http.MethodGet)
	r.Handle("/api/students/{studentId}/contact", admin(h.UpdateContactHandler)).Methods(http.MethodPut)

	return r
}
