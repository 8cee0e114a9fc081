package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/libraryops/internal/models"
	"github.com/punchamoorthee/libraryops/internal/service"
	"github.com/punchamoorthee/libraryops/internal/sweeper"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "library_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument labels metrics with the route template, not the raw path.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondOK(w http.ResponseWriter, code int, message string, data any) {
	respondWithJSON(w, code, models.Response{Success: true, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, code int, kind, message string) {
	respondWithJSON(w, code, models.Response{Success: false, Code: kind, Message: message})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindInvalidTransition, service.KindUnavailable, service.KindAlreadyBorrowing,
		service.KindStockInconsistency, service.KindConflict:
		return http.StatusConflict
	case service.KindValidation:
		return http.StatusUnprocessableEntity
	case service.KindUpstream:
		return http.StatusBadGateway
	case service.KindCanceled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, sweeper.ErrSweepInProgress) {
		respondWithJSON(w, http.StatusConflict, models.Response{
			Code: string(service.KindConflict), Message: err.Error(), Retryable: true,
		})
		return
	}

	kind := service.KindOf(err)
	code := statusFor(kind)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", kind, "error", err)
		if kind == service.KindInternal {
			msg = "internal server error"
		}
	} else {
		h.logger.InfoContext(r.Context(), "request rejected", "path", r.URL.Path, "kind", kind, "error", err)
	}
	respondWithJSON(w, code, models.Response{
		Success:   false,
		Code:      string(kind),
		Message:   msg,
		Retryable: kind.Retryable(),
	})
}

// decode reads a JSON body strictly and validates it. It writes the 400
// itself and reports false when the caller should stop.
func (h *Handler) decode(w http.ResponseWriter, body []byte, dst any) bool {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, string(service.KindValidation), "malformed JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, string(service.KindValidation), validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fe.Field() + " failed " + fe.Tag() + "=" + fe.Param()
	}
	return fe.Field() + " failed " + fe.Tag()
}
