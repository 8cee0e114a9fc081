package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/libraryops/internal/domain"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("concurrent update conflict")
	ErrDuplicate = errors.New("duplicate record")
)

// Reader is the non-locking read side shared by every backend.
type Reader interface {
	GetBook(ctx context.Context, id uuid.UUID) (domain.Book, error)
	ListBooks(ctx context.Context, includeDeleted bool) ([]domain.Book, error)
	ListLedger(ctx context.Context, bookID uuid.UUID) ([]domain.StockLedgerEntry, error)

	GetStudent(ctx context.Context, studentID string) (domain.Student, error)
	ListStudents(ctx context.Context) ([]domain.Student, error)

	GetRequest(ctx context.Context, id uuid.UUID) (domain.BorrowRequest, error)
	ListRequests(ctx context.Context, f domain.RequestFilter) ([]domain.BorrowRequest, error)
	// ListOverdueCandidates returns ids of on-loan, unreturned requests whose
	// due date is before now.
	ListOverdueCandidates(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Tx is one unit of work. Lock* methods hold the row until the transaction
// ends; everything written through a Tx commits or rolls back together.
type Tx interface {
	LockBook(ctx context.Context, id uuid.UUID) (domain.Book, error)
	LockRequest(ctx context.Context, id uuid.UUID) (domain.BorrowRequest, error)
	LockStudent(ctx context.Context, studentID string) (domain.Student, error)
	GetStudentByID(ctx context.Context, id uuid.UUID) (domain.Student, error)
	HasOpenRequest(ctx context.Context, studentID uuid.UUID) (bool, error)

	InsertBook(ctx context.Context, b domain.Book) error
	UpdateBookMeta(ctx context.Context, b domain.Book) error
	SetBookDeleted(ctx context.Context, id uuid.UUID, deleted bool, at time.Time) error
	// SwapBookStock writes next's counters only if the stored version still
	// equals prev.Version. A lost race returns ErrConflict.
	SwapBookStock(ctx context.Context, prev, next domain.Book) error
	AppendLedger(ctx context.Context, e domain.StockLedgerEntry) error

	InsertStudent(ctx context.Context, s domain.Student) error
	UpdateStudent(ctx context.Context, s domain.Student) error

	InsertRequest(ctx context.Context, r domain.BorrowRequest) error
	UpdateRequest(ctx context.Context, r domain.BorrowRequest) error

	// GetIdempotency returns nil, nil when the key has never been seen.
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// ReserveIdempotency returns ErrDuplicate if another request holds the key.
	ReserveIdempotency(ctx context.Context, key, requestHash string) error
	CompleteIdempotency(ctx context.Context, key string, status int, body []byte) error
}

type Store interface {
	Reader
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}
