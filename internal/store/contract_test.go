package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/libraryops/internal/domain"
)

var errRollback = errors.New("rollback")

func testTime() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func fixtureBook(copies int) domain.Book {
	now := testTime()
	isbn := "978-" + uuid.NewString()[:13]
	return domain.Book{
		ID:              uuid.New(),
		Title:           "Florante at Laura",
		Author:          "Francisco Balagtas",
		ISBN:            &isbn,
		TotalCopies:     copies,
		AvailableCopies: copies,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func fixtureStudent() domain.Student {
	return domain.Student{
		ID:            uuid.New(),
		StudentID:     "S-" + uuid.NewString()[:8],
		FirstName:     "Andres",
		LastName:      "Bonifacio",
		ContactNumber: "+639170000000",
		Status:        "active",
		CreatedAt:     testTime(),
	}
}

func fixtureRequest(s domain.Student, b domain.Book, status domain.BorrowStatus) domain.BorrowRequest {
	now := testTime()
	return domain.BorrowRequest{
		ID:            uuid.New(),
		StudentID:     s.ID,
		BookID:        b.ID,
		Status:        status,
		LateFee:       decimal.Zero,
		DamageFee:     decimal.Zero,
		BookCondition: domain.ConditionGood,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func seed(t *testing.T, s Store, fn func(ctx context.Context, tx Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return fn(ctx, tx) }))
}

// runContract exercises the behaviour every Store backend must share.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("book round trip", func(t *testing.T) {
		b := fixtureBook(3)
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.InsertBook(ctx, b) })

		got, err := s.GetBook(ctx, b.ID)

		require.NoError(t, err)
		assert.Equal(t, b.Title, got.Title)
		assert.Equal(t, 3, got.AvailableCopies)
		assert.Equal(t, int64(1), got.Version)
		require.NotNil(t, got.ISBN)
		assert.Equal(t, *b.ISBN, *got.ISBN)
	})

	t.Run("missing rows are not found", func(t *testing.T) {
		_, bookErr := s.GetBook(ctx, uuid.New())
		_, reqErr := s.GetRequest(ctx, uuid.New())
		_, stErr := s.GetStudent(ctx, "S-nobody")

		assert.ErrorIs(t, bookErr, ErrNotFound)
		assert.ErrorIs(t, reqErr, ErrNotFound)
		assert.ErrorIs(t, stErr, ErrNotFound)
	})

	t.Run("duplicate isbn", func(t *testing.T) {
		first := fixtureBook(1)
		second := fixtureBook(1)
		second.ISBN = first.ISBN
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.InsertBook(ctx, first) })

		err := s.InTx(ctx, func(tx Tx) error { return tx.InsertBook(ctx, second) })

		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("duplicate isbn ignores case", func(t *testing.T) {
		first := fixtureBook(1)
		second := fixtureBook(1)
		upper := strings.ToUpper(*first.ISBN)
		second.ISBN = &upper
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.InsertBook(ctx, first) })

		err := s.InTx(ctx, func(tx Tx) error { return tx.InsertBook(ctx, second) })

		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("duplicate student code", func(t *testing.T) {
		first := fixtureStudent()
		second := fixtureStudent()
		second.StudentID = first.StudentID
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.InsertStudent(ctx, first) })

		err := s.InTx(ctx, func(tx Tx) error { return tx.InsertStudent(ctx, second) })

		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("swap checks version", func(t *testing.T) {
		b := fixtureBook(2)
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.InsertBook(ctx, b) })
		next, err := b.ApplyStock(domain.StockDelta{Available: -1})
		require.NoError(t, err)
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.SwapBookStock(ctx, b, next) })

		// b still carries the old version.
		stale, err := b.ApplyStock(domain.StockDelta{Available: -2})
		require.NoError(t, err)
		err = s.InTx(ctx, func(tx Tx) error { return tx.SwapBookStock(ctx, b, stale) })

		assert.ErrorIs(t, err, ErrConflict)
		got, err := s.GetBook(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AvailableCopies)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("swap enforces bounds", func(t *testing.T) {
		b := fixtureBook(1)
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.InsertBook(ctx, b) })
		bad := b
		bad.AvailableCopies = 2
		bad.Version = 2

		err := s.InTx(ctx, func(tx Tx) error { return tx.SwapBookStock(ctx, b, bad) })

		assert.ErrorIs(t, err, domain.ErrStockInconsistency)
	})

	t.Run("failed transaction writes nothing", func(t *testing.T) {
		b := fixtureBook(1)

		err := s.InTx(ctx, func(tx Tx) error {
			if err := tx.InsertBook(ctx, b); err != nil {
				return err
			}
			return errRollback
		})

		assert.ErrorIs(t, err, errRollback)
		_, err = s.GetBook(ctx, b.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("one open request per student", func(t *testing.T) {
		st := fixtureStudent()
		b := fixtureBook(2)
		seed(t, s, func(ctx context.Context, tx Tx) error {
			if err := tx.InsertStudent(ctx, st); err != nil {
				return err
			}
			if err := tx.InsertBook(ctx, b); err != nil {
				return err
			}
			return tx.InsertRequest(ctx, fixtureRequest(st, b, domain.StatusPending))
		})

		var open bool
		err := s.InTx(ctx, func(tx Tx) error {
			var err error
			open, err = tx.HasOpenRequest(ctx, st.ID)
			if err != nil {
				return err
			}
			return tx.InsertRequest(ctx, fixtureRequest(st, b, domain.StatusPending))
		})

		assert.True(t, open)
		assert.ErrorIs(t, err, ErrDuplicate)
		reqs, err := s.ListRequests(ctx, domain.RequestFilter{StudentID: &st.ID})
		require.NoError(t, err)
		assert.Len(t, reqs, 1)
	})

	t.Run("request update and filters", func(t *testing.T) {
		st := fixtureStudent()
		b := fixtureBook(1)
		r := fixtureRequest(st, b, domain.StatusPending)
		seed(t, s, func(ctx context.Context, tx Tx) error {
			if err := tx.InsertStudent(ctx, st); err != nil {
				return err
			}
			if err := tx.InsertBook(ctx, b); err != nil {
				return err
			}
			return tx.InsertRequest(ctx, r)
		})

		due := testTime().Add(24 * time.Hour)
		seed(t, s, func(ctx context.Context, tx Tx) error {
			locked, err := tx.LockRequest(ctx, r.ID)
			if err != nil {
				return err
			}
			locked.Status = domain.StatusReturned
			locked.DueDate = &due
			locked.LateFee = decimal.RequireFromString("15.00")
			locked.DamageFee = decimal.RequireFromString("250.50")
			locked.BookCondition = domain.ConditionDamaged
			return tx.UpdateRequest(ctx, locked)
		})

		got, err := s.GetRequest(ctx, r.ID)
		require.NoError(t, err)
		byBook, err := s.ListRequests(ctx, domain.RequestFilter{BookID: &b.ID, Status: domain.StatusReturned})
		require.NoError(t, err)

		assert.Equal(t, domain.StatusReturned, got.Status)
		assert.True(t, got.LateFee.Equal(decimal.NewFromInt(15)), "got %s", got.LateFee)
		assert.True(t, got.DamageFee.Equal(decimal.RequireFromString("250.5")), "got %s", got.DamageFee)
		require.NotNil(t, got.DueDate)
		assert.True(t, got.DueDate.Equal(due))
		require.Len(t, byBook, 1)
		assert.Equal(t, r.ID, byBook[0].ID)
	})

	t.Run("overdue candidates", func(t *testing.T) {
		now := testTime()
		past := now.Add(-48 * time.Hour)
		future := now.Add(48 * time.Hour)

		late, early, done := fixtureStudent(), fixtureStudent(), fixtureStudent()
		b := fixtureBook(3)
		lateReq := fixtureRequest(late, b, domain.StatusApproved)
		lateReq.DueDate = &past
		earlyReq := fixtureRequest(early, b, domain.StatusApproved)
		earlyReq.DueDate = &future
		doneReq := fixtureRequest(done, b, domain.StatusReturned)
		doneReq.DueDate = &past
		doneReq.ReturnDate = &now

		seed(t, s, func(ctx context.Context, tx Tx) error {
			for _, st := range []domain.Student{late, early, done} {
				if err := tx.InsertStudent(ctx, st); err != nil {
					return err
				}
			}
			if err := tx.InsertBook(ctx, b); err != nil {
				return err
			}
			for _, r := range []domain.BorrowRequest{lateReq, earlyReq, doneReq} {
				if err := tx.InsertRequest(ctx, r); err != nil {
					return err
				}
			}
			return nil
		})

		ids, err := s.ListOverdueCandidates(ctx, now)

		require.NoError(t, err)
		assert.Contains(t, ids, lateReq.ID)
		assert.NotContains(t, ids, earlyReq.ID)
		assert.NotContains(t, ids, doneReq.ID)
	})

	t.Run("ledger keeps append order", func(t *testing.T) {
		b := fixtureBook(5)
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.InsertBook(ctx, b) })
		notes := []string{"first", "second", "third"}
		for _, note := range notes {
			e := domain.StockLedgerEntry{
				ID: uuid.New(), BookID: b.ID, Action: domain.StockAdd, Quantity: 1,
				Reason: domain.ReasonOther, Note: note, ActorID: "librarian", CreatedAt: testTime(),
			}
			seed(t, s, func(ctx context.Context, tx Tx) error { return tx.AppendLedger(ctx, e) })
		}

		entries, err := s.ListLedger(ctx, b.ID)

		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, note := range notes {
			assert.Equal(t, note, entries[i].Note)
		}
	})

	t.Run("idempotency keys", func(t *testing.T) {
		key := "kiosk-" + uuid.NewString()

		var missing *domain.IdempotencyRecord
		seed(t, s, func(ctx context.Context, tx Tx) error {
			var err error
			missing, err = tx.GetIdempotency(ctx, key)
			if err != nil {
				return err
			}
			return tx.ReserveIdempotency(ctx, key, "hash")
		})
		again := s.InTx(ctx, func(tx Tx) error { return tx.ReserveIdempotency(ctx, key, "hash") })
		seed(t, s, func(ctx context.Context, tx Tx) error {
			return tx.CompleteIdempotency(ctx, key, 201, []byte(`{"status":"pending"}`))
		})
		var rec *domain.IdempotencyRecord
		seed(t, s, func(ctx context.Context, tx Tx) error {
			var err error
			rec, err = tx.GetIdempotency(ctx, key)
			return err
		})

		assert.Nil(t, missing)
		assert.ErrorIs(t, again, ErrDuplicate)
		require.NotNil(t, rec)
		assert.Equal(t, domain.IdempotencyCompleted, rec.Status)
		assert.Equal(t, "hash", rec.RequestHash)
		assert.Equal(t, 201, rec.ResponseStatus)
		assert.JSONEq(t, `{"status":"pending"}`, string(rec.ResponseBody))
	})

	t.Run("soft delete hides book from default listing", func(t *testing.T) {
		b := fixtureBook(1)
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.InsertBook(ctx, b) })
		seed(t, s, func(ctx context.Context, tx Tx) error { return tx.SetBookDeleted(ctx, b.ID, true, testTime()) })

		visible, err := s.ListBooks(ctx, false)
		require.NoError(t, err)
		all, err := s.ListBooks(ctx, true)
		require.NoError(t, err)

		assert.NotContains(t, bookIDs(visible), b.ID)
		assert.Contains(t, bookIDs(all), b.ID)
	})
}

func bookIDs(books []domain.Book) []uuid.UUID {
	ids := make([]uuid.UUID, len(books))
	for i, b := range books {
		ids[i] = b.ID
	}
	return ids
}
