package service

import (
	"context"
	"errors"

	"github.com/punchamoorthee/libraryops/internal/domain"
	"github.com/punchamoorthee/libraryops/internal/store"
)

var (
	ErrNotFound           = store.ErrNotFound
	ErrConflict           = store.ErrConflict
	ErrStockInconsistency = domain.ErrStockInconsistency
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrUnavailable        = errors.New("no copies available")
	ErrAlreadyBorrowing   = errors.New("student already has an open borrow request")
	ErrValidation         = errors.New("validation failed")
	ErrDuplicate          = errors.New("already exists")
	ErrUpstream           = errors.New("upstream failure")

	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)

// Kind is the stable, machine-checkable name of an error class.
type Kind string

const (
	KindNotFound           Kind = "NOT_FOUND"
	KindInvalidTransition  Kind = "INVALID_TRANSITION"
	KindUnavailable        Kind = "UNAVAILABLE"
	KindAlreadyBorrowing   Kind = "ALREADY_BORROWING"
	KindStockInconsistency Kind = "STOCK_INCONSISTENCY"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindConflict           Kind = "CONFLICT"
	KindUpstream           Kind = "UPSTREAM_FAILURE"
	KindCanceled           Kind = "CANCELED"
	KindInternal           Kind = "INTERNAL"
)

// Retryable reports whether the user can try again without changing input.
func (k Kind) Retryable() bool {
	return k == KindUnavailable || k == KindAlreadyBorrowing || k == KindConflict
}

// KindOf classifies err. Order matters: wrapped domain errors are checked
// before the generic store ones.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, domain.ErrInvalidAdjustment),
		errors.Is(err, ErrIdempotencyMismatch):
		return KindValidation
	case errors.Is(err, ErrStockInconsistency):
		return KindStockInconsistency
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrAlreadyBorrowing):
		return KindAlreadyBorrowing
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicate), errors.Is(err, ErrIdempotencyConflict):
		return KindConflict
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindInternal
}
