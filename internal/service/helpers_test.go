package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/libraryops/internal/domain"
	"github.com/punchamoorthee/libraryops/internal/logger"
	"github.com/punchamoorthee/libraryops/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	store    *store.Memory
	clock    *fakeClock
	pub      *recordingPublisher
	borrow   *BorrowService
	catalog  *CatalogService
	registry *RegistryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		clock: newFakeClock(),
		pub:   &recordingPublisher{},
	}
	opts := []Option{
		WithClock(f.clock.Now),
		WithPublisher(f.pub),
		WithLogger(logger.Discard()),
		WithRetryOptions(WithBaseDelay(0)),
	}
	f.borrow = NewBorrowService(f.store, opts...)
	f.catalog = NewCatalogService(f.store, opts...)
	f.registry = NewRegistryService(f.store, opts...)
	return f
}

func (f *fixture) addBook(t *testing.T, copies int) domain.Book {
	t.Helper()
	b, err := f.catalog.CreateBook(context.Background(), "librarian", CreateBookInput{
		Title:       "Noli Me Tangere " + uuid.NewString()[:8],
		Author:      "Jose Rizal",
		TotalCopies: copies,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) addStudent(t *testing.T, code string) domain.Student {
	t.Helper()
	s, err := f.registry.RegisterStudent(context.Background(), RegisterStudentInput{
		StudentID:     code,
		FirstName:     "Juan",
		LastName:      "Dela Cruz",
		ContactNumber: "+639171234567",
	})
	require.NoError(t, err)
	return s
}

// loan creates and approves a request for code on book.
func (f *fixture) loan(t *testing.T, code string, book domain.Book) domain.BorrowRequest {
	t.Helper()
	ctx := context.Background()
	r, err := f.borrow.CreateRequest(ctx, CreateRequestInput{StudentID: code, BookID: book.ID})
	require.NoError(t, err)
	r, err = f.borrow.ApproveRequest(ctx, "librarian", r.ID)
	require.NoError(t, err)
	return r
}

func (f *fixture) book(t *testing.T, id uuid.UUID) domain.Book {
	t.Helper()
	b, err := f.store.GetBook(context.Background(), id)
	require.NoError(t, err)
	return b
}
