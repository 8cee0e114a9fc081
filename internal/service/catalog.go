package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/punchamoorthee/libraryops/internal/domain"
	"github.com/punchamoorthee/libraryops/internal/store"
)

type CreateBookInput struct {
	Title         string
	Author        string
	ISBN          *string
	Category      string
	ShelfLocation string
	TotalCopies   int
}

// UpdateBookInput only carries metadata. Nil fields are left alone.
type UpdateBookInput struct {
	Title         *string
	Author        *string
	ISBN          *string
	Category      *string
	ShelfLocation *string
}

type AdjustStockInput struct {
	Action   domain.StockAction
	Quantity int
	Reason   domain.StockReason
	Note     string
}

// CatalogService manages books and their manual stock adjustments.
type CatalogService struct {
	store store.Store
	settings
}

func NewCatalogService(s store.Store, opts ...Option) *CatalogService {
	return &CatalogService{store: s, settings: newSettings(opts)}
}

func (s *CatalogService) CreateBook(ctx context.Context, actor string, in CreateBookInput) (domain.Book, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Author) == "" {
		return domain.Book{}, fmt.Errorf("%w: title and author are required", ErrValidation)
	}
	if in.TotalCopies < 0 {
		return domain.Book{}, fmt.Errorf("%w: total copies must not be negative", ErrValidation)
	}

	now := s.now()
	book := domain.Book{
		ID:              uuid.New(),
		Title:           in.Title,
		Author:          in.Author,
		ISBN:            normalizeISBN(in.ISBN),
		Category:        in.Category,
		ShelfLocation:   in.ShelfLocation,
		TotalCopies:     in.TotalCopies,
		AvailableCopies: in.TotalCopies,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertBook(ctx, book)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Book{}, fmt.Errorf("%w: isbn already catalogued", ErrDuplicate)
		}
		return domain.Book{}, err
	}

	if book.TotalCopies > 0 {
		s.reconcile(ctx, domain.StockLedgerEntry{
			BookID:   book.ID,
			Action:   domain.StockAdd,
			Quantity: book.TotalCopies,
			Reason:   domain.ReasonNewPurchase,
			Note:     "initial stock",
			After:    book.Snapshot(),
			ActorID:  actor,
		})
	}
	return book, nil
}

func (s *CatalogService) GetBook(ctx context.Context, id uuid.UUID) (domain.Book, error) {
	b, err := s.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("book %s: %w", id, err)
	}
	return b, nil
}

func (s *CatalogService) ListBooks(ctx context.Context, includeDeleted bool) ([]domain.Book, error) {
	return s.store.ListBooks(ctx, includeDeleted)
}

// UpdateBook changes catalog metadata. Counters are never written here.
func (s *CatalogService) UpdateBook(ctx context.Context, id uuid.UUID, in UpdateBookInput) (domain.Book, error) {
	var updated domain.Book
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		b, err := tx.LockBook(ctx, id)
		if err != nil {
			return fmt.Errorf("book %s: %w", id, err)
		}
		if b.IsDeleted {
			return fmt.Errorf("book %s: %w", id, ErrNotFound)
		}

		if in.Title != nil {
			if strings.TrimSpace(*in.Title) == "" {
				return fmt.Errorf("%w: title must not be empty", ErrValidation)
			}
			b.Title = *in.Title
		}
		if in.Author != nil {
			if strings.TrimSpace(*in.Author) == "" {
				return fmt.Errorf("%w: author must not be empty", ErrValidation)
			}
			b.Author = *in.Author
		}
		if in.ISBN != nil {
			b.ISBN = normalizeISBN(in.ISBN)
		}
		if in.Category != nil {
			b.Category = *in.Category
		}
		if in.ShelfLocation != nil {
			b.ShelfLocation = *in.ShelfLocation
		}
		b.UpdatedAt = s.now()

		if err := tx.UpdateBookMeta(ctx, b); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		return domain.Book{}, fmt.Errorf("%w: isbn already catalogued", ErrDuplicate)
	}
	return updated, err
}

// DeleteBook hides a book from the catalog and from new requests. Loans
// already out can still be returned against it.
func (s *CatalogService) DeleteBook(ctx context.Context, actor string, id uuid.UUID) (domain.Book, error) {
	return s.setDeleted(ctx, actor, id, true)
}

func (s *CatalogService) RestoreBook(ctx context.Context, actor string, id uuid.UUID) (domain.Book, error) {
	return s.setDeleted(ctx, actor, id, false)
}

func (s *CatalogService) setDeleted(ctx context.Context, actor string, id uuid.UUID, deleted bool) (domain.Book, error) {
	var book domain.Book
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		b, err := tx.LockBook(ctx, id)
		if err != nil {
			return fmt.Errorf("book %s: %w", id, err)
		}
		if b.IsDeleted == deleted {
			if deleted {
				return fmt.Errorf("%w: book already deleted", ErrInvalidTransition)
			}
			return fmt.Errorf("%w: book is not deleted", ErrInvalidTransition)
		}

		now := s.now()
		if err := tx.SetBookDeleted(ctx, id, deleted, now); err != nil {
			return err
		}
		b.IsDeleted = deleted
		b.UpdatedAt = now
		book = b
		return nil
	})
	if err != nil {
		return domain.Book{}, err
	}

	// Counters are untouched; the entry only marks the catalog change.
	entry := domain.StockLedgerEntry{
		BookID:  book.ID,
		Action:  domain.StockAdd,
		Reason:  domain.ReasonOther,
		Note:    "book restored",
		Before:  book.Snapshot(),
		After:   book.Snapshot(),
		ActorID: actor,
	}
	if deleted {
		entry.Action = domain.StockRemove
		entry.Note = "book deleted"
	}
	s.reconcile(ctx, entry)
	return book, nil
}

// AdjustStock applies a manual stock change and records it in the ledger in
// the same transaction.
func (s *CatalogService) AdjustStock(ctx context.Context, actor string, bookID uuid.UUID, in AdjustStockInput) (domain.Book, domain.StockLedgerEntry, error) {
	if !in.Action.Valid() {
		return domain.Book{}, domain.StockLedgerEntry{}, fmt.Errorf("%w: unknown action %q", ErrValidation, in.Action)
	}
	if !in.Reason.Valid() {
		return domain.Book{}, domain.StockLedgerEntry{}, fmt.Errorf("%w: unknown reason %q", ErrValidation, in.Reason)
	}

	var (
		book  domain.Book
		entry domain.StockLedgerEntry
	)
	err := retryOnConflict(ctx, "adjust_stock", func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			b, err := tx.LockBook(ctx, bookID)
			if err != nil {
				return fmt.Errorf("book %s: %w", bookID, err)
			}

			delta, err := domain.PlanAdjustment(b, in.Action, in.Reason, in.Quantity)
			if err != nil {
				return err
			}
			next, err := b.ApplyStock(delta)
			if err != nil {
				return err
			}
			now := s.now()
			next.UpdatedAt = now
			if err := tx.SwapBookStock(ctx, b, next); err != nil {
				return err
			}

			entry = domain.StockLedgerEntry{
				ID:        uuid.New(),
				BookID:    b.ID,
				Action:    in.Action,
				Quantity:  in.Quantity,
				Reason:    in.Reason,
				Note:      in.Note,
				Before:    b.Snapshot(),
				After:     next.Snapshot(),
				ActorID:   actor,
				CreatedAt: now,
			}
			if err := tx.AppendLedger(ctx, entry); err != nil {
				return fmt.Errorf("ledger append failed: %w", err)
			}
			book = next
			return nil
		})
	}, s.retry...)
	if err != nil {
		return domain.Book{}, domain.StockLedgerEntry{}, err
	}

	s.logger.InfoContext(ctx, "stock adjusted",
		"book_id", book.ID, "action", in.Action, "reason", in.Reason, "quantity", in.Quantity,
		"available", book.AvailableCopies, "total", book.TotalCopies, "actor", actor)
	return book, entry, nil
}

func (s *CatalogService) ListLedger(ctx context.Context, bookID uuid.UUID) ([]domain.StockLedgerEntry, error) {
	if _, err := s.store.GetBook(ctx, bookID); err != nil {
		return nil, fmt.Errorf("book %s: %w", bookID, err)
	}
	return s.store.ListLedger(ctx, bookID)
}

// reconcile writes a ledger entry after the primary change has committed. A
// failure here leaves the book correct and only the audit trail short, so it
// is logged for reconciliation rather than returned.
func (s *CatalogService) reconcile(ctx context.Context, e domain.StockLedgerEntry) {
	e.ID = uuid.New()
	e.CreatedAt = s.now()
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.AppendLedger(ctx, e)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "stock ledger write failed",
			"book_id", e.BookID, "note", e.Note, "ledger_reconcile", true, "error", err)
	}
}

func normalizeISBN(isbn *string) *string {
	if isbn == nil {
		return nil
	}
	v := strings.ToUpper(strings.TrimSpace(*isbn))
	if v == "" {
		return nil
	}
	return &v
}
