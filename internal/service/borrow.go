package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/libraryops/internal/domain"
	"github.com/punchamoorthee/libraryops/internal/store"
)

var borrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "library_borrow_transitions_total",
	Help: "Committed borrow request transitions, labeled by resulting status",
}, []string{"status"})

// CreateRequestInput is what the kiosk sends.
type CreateRequestInput struct {
	StudentID string
	BookID    uuid.UUID
}

// ReturnInput is the admin's condition assessment at the desk.
type ReturnInput struct {
	Condition domain.BookCondition
	DamageFee decimal.Decimal
	Notes     string
}

func (in ReturnInput) validate() error {
	if !in.Condition.Valid() {
		return fmt.Errorf("%w: unknown condition %q", ErrValidation, in.Condition)
	}
	if in.DamageFee.IsNegative() {
		return fmt.Errorf("%w: damage fee must not be negative", ErrValidation)
	}
	if in.Condition == domain.ConditionGood && !in.DamageFee.IsZero() {
		return fmt.Errorf("%w: damage fee given for a book returned in good condition", ErrValidation)
	}
	if in.Condition != domain.ConditionGood && !in.DamageFee.IsPositive() {
		return fmt.Errorf("%w: damage fee is required when condition is %s", ErrValidation, in.Condition)
	}
	return nil
}

// BorrowService owns the borrow request lifecycle:
//
//	pending -> approved -> (overdue) -> returned
//	pending -> denied
//
// Approval takes one copy out of Book.AvailableCopies and return puts it back;
// nothing else in the lifecycle touches stock.
type BorrowService struct {
	store store.Store
	settings
}

func NewBorrowService(s store.Store, opts ...Option) *BorrowService {
	return &BorrowService{store: s, settings: newSettings(opts)}
}

// Policy exposes the loan period and fee rate in effect.
func (s *BorrowService) Policy() domain.FeePolicy { return s.policy }

// CreateRequest files a pending request after checking the student exists,
// the book has a free copy and the student has nothing else open.
func (s *BorrowService) CreateRequest(ctx context.Context, in CreateRequestInput) (domain.BorrowRequest, error) {
	var created domain.BorrowRequest
	var event domain.Event

	err := retryOnConflict(ctx, "create_request", func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			created, event, err = s.createInTx(ctx, tx, in)
			return err
		})
	}, s.retry...)
	if err != nil {
		return domain.BorrowRequest{}, err
	}

	borrowTransitions.WithLabelValues(string(created.Status)).Inc()
	s.emit(ctx, event)
	return created, nil
}

// CreateRequestIdempotent is CreateRequest guarded by a client-chosen key. A
// replay with the same key and payload hash returns the stored response
// instead of creating a second request.
func (s *BorrowService) CreateRequestIdempotent(ctx context.Context, in CreateRequestInput, key, requestHash string) (*domain.BorrowRequest, *domain.IdempotencyRecord, error) {
	var (
		created domain.BorrowRequest
		event   domain.Event
		replay  *domain.IdempotencyRecord
	)

	err := retryOnConflict(ctx, "create_request", func(ctx context.Context) error {
		replay = nil
		return s.store.InTx(ctx, func(tx store.Tx) error {
			existing, err := tx.GetIdempotency(ctx, key)
			if err != nil {
				return fmt.Errorf("idempotency query failed: %w", err)
			}
			if existing != nil {
				if existing.RequestHash != requestHash {
					return ErrIdempotencyMismatch
				}
				if existing.Status != domain.IdempotencyCompleted {
					return ErrIdempotencyConflict
				}
				replay = existing
				return nil
			}

			if err := tx.ReserveIdempotency(ctx, key, requestHash); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return ErrIdempotencyConflict
				}
				return fmt.Errorf("key reservation failed: %w", err)
			}

			created, event, err = s.createInTx(ctx, tx, in)
			if err != nil {
				return err
			}

			body, err := json.Marshal(created)
			if err != nil {
				return err
			}
			if err := tx.CompleteIdempotency(ctx, key, http.StatusCreated, body); err != nil {
				return fmt.Errorf("idempotency update failed: %w", err)
			}
			return nil
		})
	}, s.retry...)
	if err != nil {
		return nil, nil, err
	}
	if replay != nil {
		return nil, replay, nil
	}

	borrowTransitions.WithLabelValues(string(created.Status)).Inc()
	s.emit(ctx, event)
	return &created, nil, nil
}

func (s *BorrowService) createInTx(ctx context.Context, tx store.Tx, in CreateRequestInput) (domain.BorrowRequest, domain.Event, error) {
	if in.StudentID == "" || in.BookID == uuid.Nil {
		return domain.BorrowRequest{}, domain.Event{}, fmt.Errorf("%w: student and book are required", ErrValidation)
	}

	student, err := tx.LockStudent(ctx, in.StudentID)
	if err != nil {
		return domain.BorrowRequest{}, domain.Event{}, fmt.Errorf("student %s: %w", in.StudentID, err)
	}

	open, err := tx.HasOpenRequest(ctx, student.ID)
	if err != nil {
		return domain.BorrowRequest{}, domain.Event{}, err
	}
	if open {
		return domain.BorrowRequest{}, domain.Event{}, fmt.Errorf("%w: student %s", ErrAlreadyBorrowing, in.StudentID)
	}

	book, err := tx.LockBook(ctx, in.BookID)
	if err != nil {
		return domain.BorrowRequest{}, domain.Event{}, fmt.Errorf("book %s: %w", in.BookID, err)
	}
	if book.IsDeleted {
		return domain.BorrowRequest{}, domain.Event{}, fmt.Errorf("book %s: %w", in.BookID, ErrNotFound)
	}
	if book.AvailableCopies <= 0 {
		return domain.BorrowRequest{}, domain.Event{}, fmt.Errorf("%w: %q", ErrUnavailable, book.Title)
	}

	now := s.now()
	req := domain.BorrowRequest{
		ID:            uuid.New(),
		StudentID:     student.ID,
		BookID:        book.ID,
		Status:        domain.StatusPending,
		LateFee:       decimal.Zero,
		DamageFee:     decimal.Zero,
		BookCondition: domain.ConditionGood,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertRequest(ctx, req); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race against another open request by the same student.
			return domain.BorrowRequest{}, domain.Event{}, fmt.Errorf("%w: student %s", ErrAlreadyBorrowing, in.StudentID)
		}
		return domain.BorrowRequest{}, domain.Event{}, fmt.Errorf("request insert failed: %w", err)
	}

	return req, domain.NewEvent(domain.EventRequested, req, student, book, now), nil
}

// ApproveRequest starts the loan: it stamps borrow and due dates and takes one
// copy out of circulation.
func (s *BorrowService) ApproveRequest(ctx context.Context, actor string, id uuid.UUID) (domain.BorrowRequest, error) {
	return s.transition(ctx, "approve", id, func(ctx context.Context, tx store.Tx, r *domain.BorrowRequest, now time.Time) (domain.EventType, error) {
		if r.Status != domain.StatusPending {
			return "", fmt.Errorf("%w: cannot approve a %s request", ErrInvalidTransition, r.Status)
		}

		if _, _, err := s.moveStock(ctx, tx, r.BookID, domain.StockDelta{Available: -1}, false); err != nil {
			return "", err
		}

		due := s.policy.DueDate(now)
		r.Status = domain.StatusApproved
		r.BorrowDate = &now
		r.DueDate = &due
		r.ApprovedBy = actor
		return domain.EventApproved, nil
	})
}

// DenyRequest closes a pending request without touching stock.
func (s *BorrowService) DenyRequest(ctx context.Context, actor string, id uuid.UUID) (domain.BorrowRequest, error) {
	return s.transition(ctx, "deny", id, func(_ context.Context, _ store.Tx, r *domain.BorrowRequest, _ time.Time) (domain.EventType, error) {
		if r.Status != domain.StatusPending {
			return "", fmt.Errorf("%w: cannot deny a %s request", ErrInvalidTransition, r.Status)
		}
		r.Status = domain.StatusDenied
		r.ProcessedBy = actor
		return domain.EventDenied, nil
	})
}

// ReturnBook closes a loan. The late fee is frozen at what has accrued by now,
// the damage fee is set from the assessment and the copy goes back to
// AvailableCopies whatever its condition; retiring a lost or damaged copy is a
// separate stock adjustment. If that adjustment already took the loaned copy
// out of the collection, the return still closes the loan and available stays
// at total.
func (s *BorrowService) ReturnBook(ctx context.Context, actor string, id uuid.UUID, in ReturnInput) (domain.BorrowRequest, error) {
	if err := in.validate(); err != nil {
		return domain.BorrowRequest{}, err
	}

	return s.transition(ctx, "return", id, func(ctx context.Context, tx store.Tx, r *domain.BorrowRequest, now time.Time) (domain.EventType, error) {
		if !r.Status.IsOnLoan() {
			return "", fmt.Errorf("%w: cannot return a %s request", ErrInvalidTransition, r.Status)
		}

		// Soft-deleted titles still get their copy back.
		before, after, err := s.moveStock(ctx, tx, r.BookID, domain.StockDelta{Available: 1, CapAvailable: true}, true)
		if err != nil {
			return "", err
		}
		if after.AvailableCopies == before.AvailableCopies {
			s.logger.WarnContext(ctx, "returned copy was already retired from stock",
				"request_id", r.ID, "book_id", r.BookID,
				"available", after.AvailableCopies, "total", after.TotalCopies)
		}

		r.LateFee = s.policy.AccrueLateFee(*r, now)
		r.ReturnDate = &now
		r.IsLate = r.DueDate != nil && now.After(*r.DueDate)
		r.BookCondition = in.Condition
		r.DamageFee = in.DamageFee
		r.DamageNotes = in.Notes
		r.Status = domain.StatusReturned
		r.ProcessedBy = actor
		return domain.EventReturned, nil
	})
}

// PayFee marks a returned request's fees as settled. Amounts are not touched.
func (s *BorrowService) PayFee(ctx context.Context, actor string, id uuid.UUID) (domain.BorrowRequest, error) {
	return s.transition(ctx, "pay_fee", id, func(_ context.Context, _ store.Tx, r *domain.BorrowRequest, now time.Time) (domain.EventType, error) {
		if r.Status != domain.StatusReturned {
			return "", fmt.Errorf("%w: cannot settle fees on a %s request", ErrInvalidTransition, r.Status)
		}
		if r.Paid {
			return "", fmt.Errorf("%w: fees already paid", ErrInvalidTransition)
		}
		r.Paid = true
		r.PaidAt = &now
		r.ProcessedBy = actor
		return domain.EventPaid, nil
	})
}

// SweepOverdue moves every on-loan request past its due date to overdue and
// recomputes its late fee. Only requests whose status or fee changed are
// returned, so a second sweep at the same instant returns nothing. A failure
// on one request is logged and the sweep carries on; the failures are joined
// into the returned error.
func (s *BorrowService) SweepOverdue(ctx context.Context) ([]domain.BorrowRequest, error) {
	now := s.now()
	ids, err := s.store.ListOverdueCandidates(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list overdue candidates: %w", err)
	}

	var (
		affected []domain.BorrowRequest
		failures []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}

		updated, changed, err := s.accrue(ctx, id, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "overdue sweep failed for request", "request_id", id, "error", err)
			failures = append(failures, fmt.Errorf("request %s: %w", id, err))
			continue
		}
		if changed {
			affected = append(affected, updated)
		}
	}

	return affected, errors.Join(failures...)
}

func (s *BorrowService) accrue(ctx context.Context, id uuid.UUID, now time.Time) (domain.BorrowRequest, bool, error) {
	var (
		updated domain.BorrowRequest
		changed bool
		event   domain.Event
	)

	err := retryOnConflict(ctx, "sweep", func(ctx context.Context) error {
		changed = false
		return s.store.InTx(ctx, func(tx store.Tx) error {
			r, err := tx.LockRequest(ctx, id)
			if err != nil {
				return err
			}
			// Re-checked under the lock: a return may have landed since listing.
			if !r.Status.IsOnLoan() || r.ReturnDate != nil || r.DueDate == nil {
				return nil
			}
			if s.policy.DaysLate(*r.DueDate, now) <= 0 {
				return nil
			}

			fee := s.policy.AccrueLateFee(r, now)
			if r.Status == domain.StatusOverdue && fee.Equal(r.LateFee) {
				return nil
			}

			r.Status = domain.StatusOverdue
			r.LateFee = fee
			r.UpdatedAt = now
			if err := tx.UpdateRequest(ctx, r); err != nil {
				return err
			}

			student, book, err := s.eventRefs(ctx, tx, r)
			if err != nil {
				return err
			}
			updated, changed = r, true
			event = domain.NewEvent(domain.EventOverdue, r, student, book, now)
			return nil
		})
	}, s.retry...)
	if err != nil {
		return domain.BorrowRequest{}, false, err
	}

	if changed {
		borrowTransitions.WithLabelValues(string(updated.Status)).Inc()
		s.emit(ctx, event)
	}
	return updated, changed, nil
}

type transitionFunc func(ctx context.Context, tx store.Tx, r *domain.BorrowRequest, now time.Time) (domain.EventType, error)

// transition locks the request, applies fn and persists the result in one
// transaction, retrying on optimistic conflicts. The event is published after
// commit.
func (s *BorrowService) transition(ctx context.Context, operation string, id uuid.UUID, fn transitionFunc) (domain.BorrowRequest, error) {
	var (
		result domain.BorrowRequest
		event  domain.Event
	)

	err := retryOnConflict(ctx, operation, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			r, err := tx.LockRequest(ctx, id)
			if err != nil {
				return fmt.Errorf("borrow request %s: %w", id, err)
			}

			now := s.now()
			eventType, err := fn(ctx, tx, &r, now)
			if err != nil {
				return err
			}
			r.UpdatedAt = now

			if err := tx.UpdateRequest(ctx, r); err != nil {
				return fmt.Errorf("request update failed: %w", err)
			}

			student, book, err := s.eventRefs(ctx, tx, r)
			if err != nil {
				return err
			}
			result = r
			event = domain.NewEvent(eventType, r, student, book, now)
			return nil
		})
	}, s.retry...)
	if err != nil {
		return domain.BorrowRequest{}, err
	}

	s.logger.InfoContext(ctx, "borrow request transitioned",
		slog.String("operation", operation),
		slog.String("request_id", id.String()),
		slog.String("status", string(result.Status)))
	borrowTransitions.WithLabelValues(string(result.Status)).Inc()
	s.emit(ctx, event)
	return result, nil
}

// moveStock applies delta to the book through the stock primitive and writes
// it back with a version check.
func (s *BorrowService) moveStock(ctx context.Context, tx store.Tx, bookID uuid.UUID, delta domain.StockDelta, allowDeleted bool) (before, after domain.Book, err error) {
	book, err := tx.LockBook(ctx, bookID)
	if err != nil {
		return domain.Book{}, domain.Book{}, fmt.Errorf("book %s: %w", bookID, err)
	}
	if book.IsDeleted && !allowDeleted {
		return domain.Book{}, domain.Book{}, fmt.Errorf("book %s: %w", bookID, ErrNotFound)
	}

	next, err := book.ApplyStock(delta)
	if err != nil {
		return domain.Book{}, domain.Book{}, err
	}
	next.UpdatedAt = s.now()
	if err := tx.SwapBookStock(ctx, book, next); err != nil {
		return domain.Book{}, domain.Book{}, err
	}
	return book, next, nil
}

func (s *BorrowService) eventRefs(ctx context.Context, tx store.Tx, r domain.BorrowRequest) (domain.Student, domain.Book, error) {
	student, err := tx.GetStudentByID(ctx, r.StudentID)
	if err != nil {
		return domain.Student{}, domain.Book{}, fmt.Errorf("student %s: %w", r.StudentID, err)
	}
	book, err := tx.LockBook(ctx, r.BookID)
	if err != nil {
		return domain.Student{}, domain.Book{}, fmt.Errorf("book %s: %w", r.BookID, err)
	}
	return student, book, nil
}

func (s *BorrowService) GetRequest(ctx context.Context, id uuid.UUID) (domain.BorrowRequest, error) {
	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return domain.BorrowRequest{}, fmt.Errorf("borrow request %s: %w", id, err)
	}
	return r, nil
}

func (s *BorrowService) ListRequests(ctx context.Context, f domain.RequestFilter) ([]domain.BorrowRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	return s.store.ListRequests(ctx, f)
}

// Stats aggregates request counts and fee totals. It is a derived view and
// holds no state of its own.
func (s *BorrowService) Stats(ctx context.Context) (domain.BorrowStats, error) {
	reqs, err := s.store.ListRequests(ctx, domain.RequestFilter{})
	if err != nil {
		return domain.BorrowStats{}, err
	}

	stats := domain.BorrowStats{
		ByStatus:       make(map[domain.BorrowStatus]int),
		UnpaidFees:     decimal.Zero,
		CollectedFees:  decimal.Zero,
		GeneratedAtUTC: s.now(),
	}
	for _, r := range reqs {
		stats.ByStatus[r.Status]++
		if r.Status.IsOnLoan() {
			stats.CopiesOnLoan++
		}
		if r.Status == domain.StatusOverdue {
			stats.OverdueCount++
		}
		if r.Status == domain.StatusReturned {
			if r.Paid {
				stats.CollectedFees = stats.CollectedFees.Add(r.TotalFee())
			} else {
				stats.UnpaidFees = stats.UnpaidFees.Add(r.TotalFee())
			}
		}
	}
	return stats, nil
}
