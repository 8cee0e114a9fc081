package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/libraryops/internal/domain"
)

// Memory is an in-process store for demos and tests. Transactions are
// serialized behind one lock and work on a copy of the data that replaces
// the live state only on commit.
type Memory struct {
	mu   sync.RWMutex
	data memData
}

type memData struct {
	books       map[uuid.UUID]domain.Book
	students    map[uuid.UUID]domain.Student
	requests    map[uuid.UUID]domain.BorrowRequest
	ledger      []domain.StockLedgerEntry
	idempotency map[string]domain.IdempotencyRecord
}

func (d memData) clone() memData {
	return memData{
		books:       maps.Clone(d.books),
		students:    maps.Clone(d.students),
		requests:    maps.Clone(d.requests),
		ledger:      slices.Clone(d.ledger),
		idempotency: maps.Clone(d.idempotency),
	}
}

func NewMemory() *Memory {
	return &Memory{data: memData{
		books:       make(map[uuid.UUID]domain.Book),
		students:    make(map[uuid.UUID]domain.Student),
		requests:    make(map[uuid.UUID]domain.BorrowRequest),
		idempotency: make(map[string]domain.IdempotencyRecord),
	}}
}

func (m *Memory) Close() {}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{data: m.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data = tx.data
	return nil
}

func (m *Memory) GetBook(_ context.Context, id uuid.UUID) (domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.book(id)
}

func (m *Memory) ListBooks(_ context.Context, includeDeleted bool) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Book
	for _, b := range m.data.books {
		if includeDeleted || !b.IsDeleted {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) ListLedger(_ context.Context, bookID uuid.UUID) ([]domain.StockLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.StockLedgerEntry
	for _, e := range m.data.ledger {
		if e.BookID == bookID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) GetStudent(_ context.Context, studentID string) (domain.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.studentByCode(studentID)
}

func (m *Memory) ListStudents(_ context.Context) ([]domain.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := slices.Collect(maps.Values(m.data.students))
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (m *Memory) GetRequest(_ context.Context, id uuid.UUID) (domain.BorrowRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.request(id)
}

func (m *Memory) ListRequests(_ context.Context, f domain.RequestFilter) ([]domain.BorrowRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.BorrowRequest
	for _, r := range m.data.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.StudentID != nil && r.StudentID != *f.StudentID {
			continue
		}
		if f.BookID != nil && r.BookID != *f.BookID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) ListOverdueCandidates(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []domain.BorrowRequest
	for _, r := range m.data.requests {
		if r.Status.IsOnLoan() && r.ReturnDate == nil && r.DueDate != nil && r.DueDate.Before(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueDate.Before(*due[j].DueDate) })

	ids := make([]uuid.UUID, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	return ids, nil
}

func (d memData) book(id uuid.UUID) (domain.Book, error) {
	b, ok := d.books[id]
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	return b, nil
}

func (d memData) request(id uuid.UUID) (domain.BorrowRequest, error) {
	r, ok := d.requests[id]
	if !ok {
		return domain.BorrowRequest{}, ErrNotFound
	}
	return r, nil
}

func (d memData) studentByCode(studentID string) (domain.Student, error) {
	for _, s := range d.students {
		if s.StudentID == studentID {
			return s, nil
		}
	}
	return domain.Student{}, ErrNotFound
}

// memTx writes to a private copy. Row locks are implied by the store lock.
type memTx struct {
	data memData
}

func (t *memTx) LockBook(_ context.Context, id uuid.UUID) (domain.Book, error) {
	return t.data.book(id)
}

func (t *memTx) LockRequest(_ context.Context, id uuid.UUID) (domain.BorrowRequest, error) {
	return t.data.request(id)
}

func (t *memTx) LockStudent(_ context.Context, studentID string) (domain.Student, error) {
	return t.data.studentByCode(studentID)
}

func (t *memTx) GetStudentByID(_ context.Context, id uuid.UUID) (domain.Student, error) {
	s, ok := t.data.students[id]
	if !ok {
		return domain.Student{}, ErrNotFound
	}
	return s, nil
}

func (t *memTx) HasOpenRequest(_ context.Context, studentID uuid.UUID) (bool, error) {
	for _, r := range t.data.requests {
		if r.StudentID == studentID && r.Status.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertBook(_ context.Context, b domain.Book) error {
	if _, ok := t.data.books[b.ID]; ok {
		return ErrDuplicate
	}
	if err := t.checkISBN(b); err != nil {
		return err
	}
	if err := checkBounds(b); err != nil {
		return err
	}
	t.data.books[b.ID] = b
	return nil
}

func (t *memTx) UpdateBookMeta(_ context.Context, b domain.Book) error {
	cur, ok := t.data.books[b.ID]
	if !ok {
		return ErrNotFound
	}
	if err := t.checkISBN(b); err != nil {
		return err
	}
	cur.Title = b.Title
	cur.Author = b.Author
	cur.ISBN = b.ISBN
	cur.Category = b.Category
	cur.ShelfLocation = b.ShelfLocation
	cur.UpdatedAt = b.UpdatedAt
	t.data.books[b.ID] = cur
	return nil
}

func (t *memTx) checkISBN(b domain.Book) error {
	if b.ISBN == nil {
		return nil
	}
	for id, other := range t.data.books {
		if id != b.ID && other.ISBN != nil && strings.EqualFold(*other.ISBN, *b.ISBN) {
			return fmt.Errorf("%w: isbn %s", ErrDuplicate, *b.ISBN)
		}
	}
	return nil
}

func checkBounds(b domain.Book) error {
	if b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies {
		return fmt.Errorf("%w: book %s available=%d total=%d",
			domain.ErrStockInconsistency, b.ID, b.AvailableCopies, b.TotalCopies)
	}
	return nil
}

func (t *memTx) SetBookDeleted(_ context.Context, id uuid.UUID, deleted bool, at time.Time) error {
	b, ok := t.data.books[id]
	if !ok {
		return ErrNotFound
	}
	b.IsDeleted = deleted
	b.UpdatedAt = at
	t.data.books[id] = b
	return nil
}

func (t *memTx) SwapBookStock(_ context.Context, prev, next domain.Book) error {
	cur, ok := t.data.books[prev.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prev.Version {
		return fmt.Errorf("%w: book %s version %d", ErrConflict, prev.ID, prev.Version)
	}
	if err := checkBounds(next); err != nil {
		return err
	}
	cur.TotalCopies = next.TotalCopies
	cur.AvailableCopies = next.AvailableCopies
	cur.Version = next.Version
	cur.UpdatedAt = next.UpdatedAt
	t.data.books[prev.ID] = cur
	return nil
}

func (t *memTx) AppendLedger(_ context.Context, e domain.StockLedgerEntry) error {
	if _, ok := t.data.books[e.BookID]; !ok {
		return ErrNotFound
	}
	t.data.ledger = append(t.data.ledger, e)
	return nil
}

func (t *memTx) InsertStudent(_ context.Context, s domain.Student) error {
	if _, err := t.data.studentByCode(s.StudentID); err == nil {
		return fmt.Errorf("%w: student %s", ErrDuplicate, s.StudentID)
	}
	t.data.students[s.ID] = s
	return nil
}

func (t *memTx) UpdateStudent(_ context.Context, s domain.Student) error {
	if _, ok := t.data.students[s.ID]; !ok {
		return ErrNotFound
	}
	t.data.students[s.ID] = s
	return nil
}

func (t *memTx) InsertRequest(ctx context.Context, r domain.BorrowRequest) error {
	if _, ok := t.data.students[r.StudentID]; !ok {
		return ErrNotFound
	}
	if _, ok := t.data.books[r.BookID]; !ok {
		return ErrNotFound
	}
	if r.Status.IsOpen() {
		open, _ := t.HasOpenRequest(ctx, r.StudentID)
		if open {
			return fmt.Errorf("%w: open request for student %s", ErrDuplicate, r.StudentID)
		}
	}
	t.data.requests[r.ID] = r
	return nil
}

func (t *memTx) UpdateRequest(_ context.Context, r domain.BorrowRequest) error {
	if _, ok := t.data.requests[r.ID]; !ok {
		return ErrNotFound
	}
	t.data.requests[r.ID] = r
	return nil
}

func (t *memTx) GetIdempotency(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, ok := t.data.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (t *memTx) ReserveIdempotency(_ context.Context, key, requestHash string) error {
	if _, ok := t.data.idempotency[key]; ok {
		return ErrDuplicate
	}
	t.data.idempotency[key] = domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyInProgress,
	}
	return nil
}

func (t *memTx) CompleteIdempotency(_ context.Context, key string, status int, body []byte) error {
	rec, ok := t.data.idempotency[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = domain.IdempotencyCompleted
	rec.ResponseStatus = status
	rec.ResponseBody = slices.Clone(body)
	t.data.idempotency[key] = rec
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Tx    = (*memTx)(nil)
)
