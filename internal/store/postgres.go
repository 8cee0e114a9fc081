package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/libraryops/internal/domain"
)

//go:embed schema.sql
var schema string

// Postgres is the production store backed by a pgx connection pool.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string, maxConns int32) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

// Migrate creates any missing tables and indexes.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// InTx runs fn in a RepeatableRead transaction. Serialization failures and
// deadlocks come back as ErrConflict so the caller can retry.
func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// Tx methods map their own errors.
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapError(err))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// mapError turns pg error codes into store sentinels, leaving the original
// in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case "23505":
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		case "23514":
			return fmt.Errorf("%w: %w", domain.ErrStockInconsistency, err)
		}
	}
	return err
}

const bookColumns = `id, title, author, isbn, category, shelf_location, total_copies,
	available_copies, is_deleted, version, created_at, updated_at`

func scanBook(row scanner) (domain.Book, error) {
	var b domain.Book
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.Category, &b.ShelfLocation,
		&b.TotalCopies, &b.AvailableCopies, &b.IsDeleted, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	return b, mapError(err)
}

const studentColumns = `id, student_id, first_name, middle_name, last_name, contact_number,
	course, year_level, status, created_at`

func scanStudent(row scanner) (domain.Student, error) {
	var st domain.Student
	err := row.Scan(&st.ID, &st.StudentID, &st.FirstName, &st.MiddleName, &st.LastName,
		&st.ContactNumber, &st.Course, &st.YearLevel, &st.Status, &st.CreatedAt)
	return st, mapError(err)
}

const requestColumns = `id, student_id, book_id, status, borrow_date, due_date, return_date,
	late_fee, damage_fee, book_condition, damage_notes, paid, paid_at, is_late,
	approved_by, processed_by, created_at, updated_at`

func scanRequest(row scanner) (domain.BorrowRequest, error) {
	var r domain.BorrowRequest
	err := row.Scan(&r.ID, &r.StudentID, &r.BookID, &r.Status, &r.BorrowDate, &r.DueDate,
		&r.ReturnDate, &r.LateFee, &r.DamageFee, &r.BookCondition, &r.DamageNotes, &r.Paid,
		&r.PaidAt, &r.IsLate, &r.ApprovedBy, &r.ProcessedBy, &r.CreatedAt, &r.UpdatedAt)
	return r, mapError(err)
}

const ledgerColumns = `id, book_id, action, quantity, reason, note, before_available,
	before_total, after_available, after_total, actor_id, created_at`

func scanLedger(row scanner) (domain.StockLedgerEntry, error) {
	var e domain.StockLedgerEntry
	err := row.Scan(&e.ID, &e.BookID, &e.Action, &e.Quantity, &e.Reason, &e.Note,
		&e.Before.Available, &e.Before.Total, &e.After.Available, &e.After.Total,
		&e.ActorID, &e.CreatedAt)
	return e, mapError(err)
}

func collect[T any](rows pgx.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, mapError(rows.Err())
}

// Reader

func (s *Postgres) GetBook(ctx context.Context, id uuid.UUID) (domain.Book, error) {
	return scanBook(s.Db.QueryRow(ctx, "SELECT "+bookColumns+" FROM books WHERE id = $1", id))
}

func (s *Postgres) ListBooks(ctx context.Context, includeDeleted bool) ([]domain.Book, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+bookColumns+" FROM books WHERE ($1 OR NOT is_deleted) ORDER BY title, id",
		includeDeleted)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanBook)
}

func (s *Postgres) ListLedger(ctx context.Context, bookID uuid.UUID) ([]domain.StockLedgerEntry, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+ledgerColumns+" FROM stock_ledger WHERE book_id = $1 ORDER BY seq", bookID)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanLedger)
}

func (s *Postgres) GetStudent(ctx context.Context, studentID string) (domain.Student, error) {
	return scanStudent(s.Db.QueryRow(ctx,
		"SELECT "+studentColumns+" FROM students WHERE student_id = $1", studentID))
}

func (s *Postgres) ListStudents(ctx context.Context) ([]domain.Student, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+studentColumns+" FROM students ORDER BY student_id")
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanStudent)
}

func (s *Postgres) GetRequest(ctx context.Context, id uuid.UUID) (domain.BorrowRequest, error) {
	return scanRequest(s.Db.QueryRow(ctx,
		"SELECT "+requestColumns+" FROM borrow_requests WHERE id = $1", id))
}

func (s *Postgres) ListRequests(ctx context.Context, f domain.RequestFilter) ([]domain.BorrowRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.StudentID != nil {
		args = append(args, *f.StudentID)
		where = append(where, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if f.BookID != nil {
		args = append(args, *f.BookID)
		where = append(where, fmt.Sprintf("book_id = $%d", len(args)))
	}

	q := "SELECT " + requestColumns + " FROM borrow_requests"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"

	rows, err := s.Db.Query(ctx, q, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanRequest)
}

func (s *Postgres) ListOverdueCandidates(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT id FROM borrow_requests
		WHERE status IN ('approved', 'overdue') AND return_date IS NULL AND due_date < $1
		ORDER BY due_date, id`, now)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, func(row scanner) (uuid.UUID, error) {
		var id uuid.UUID
		return id, row.Scan(&id)
	})
}

// pgTx implements Tx on an open pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockBook(ctx context.Context, id uuid.UUID) (domain.Book, error) {
	return scanBook(t.tx.QueryRow(ctx,
		"SELECT "+bookColumns+" FROM books WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) LockRequest(ctx context.Context, id uuid.UUID) (domain.BorrowRequest, error) {
	return scanRequest(t.tx.QueryRow(ctx,
		"SELECT "+requestColumns+" FROM borrow_requests WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) LockStudent(ctx context.Context, studentID string) (domain.Student, error) {
	return scanStudent(t.tx.QueryRow(ctx,
		"SELECT "+studentColumns+" FROM students WHERE student_id = $1 FOR UPDATE", studentID))
}

func (t *pgTx) GetStudentByID(ctx context.Context, id uuid.UUID) (domain.Student, error) {
	return scanStudent(t.tx.QueryRow(ctx,
		"SELECT "+studentColumns+" FROM students WHERE id = $1", id))
}

func (t *pgTx) HasOpenRequest(ctx context.Context, studentID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM borrow_requests
			WHERE student_id = $1 AND status = ANY($2)
		)`, studentID, openStatuses()).Scan(&exists)
	return exists, mapError(err)
}

func openStatuses() []string {
	out := make([]string, len(domain.OpenStatuses))
	for i, st := range domain.OpenStatuses {
		out[i] = string(st)
	}
	return out
}

func (t *pgTx) InsertBook(ctx context.Context, b domain.Book) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO books (`+bookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.Title, b.Author, b.ISBN, b.Category, b.ShelfLocation, b.TotalCopies,
		b.AvailableCopies, b.IsDeleted, b.Version, b.CreatedAt, b.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) UpdateBookMeta(ctx context.Context, b domain.Book) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE books SET title = $2, author = $3, isbn = $4, category = $5,
			shelf_location = $6, updated_at = $7
		WHERE id = $1`,
		b.ID, b.Title, b.Author, b.ISBN, b.Category, b.ShelfLocation, b.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SetBookDeleted(ctx context.Context, id uuid.UUID, deleted bool, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE books SET is_deleted = $2, updated_at = $3 WHERE id = $1", id, deleted, at)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SwapBookStock(ctx context.Context, prev, next domain.Book) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE books SET total_copies = $3, available_copies = $4, version = $5, updated_at = $6
		WHERE id = $1 AND version = $2`,
		prev.ID, prev.Version, next.TotalCopies, next.AvailableCopies, next.Version, next.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: book %s version %d", ErrConflict, prev.ID, prev.Version)
	}
	return nil
}

func (t *pgTx) AppendLedger(ctx context.Context, e domain.StockLedgerEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_ledger (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.BookID, e.Action, e.Quantity, e.Reason, e.Note, e.Before.Available,
		e.Before.Total, e.After.Available, e.After.Total, e.ActorID, e.CreatedAt)
	return mapError(err)
}

func (t *pgTx) InsertStudent(ctx context.Context, st domain.Student) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO students (`+studentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.ID, st.StudentID, st.FirstName, st.MiddleName, st.LastName, st.ContactNumber,
		st.Course, st.YearLevel, st.Status, st.CreatedAt)
	return mapError(err)
}

func (t *pgTx) UpdateStudent(ctx context.Context, st domain.Student) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE students SET first_name = $2, middle_name = $3, last_name = $4,
			contact_number = $5, course = $6, year_level = $7, status = $8
		WHERE id = $1`,
		st.ID, st.FirstName, st.MiddleName, st.LastName, st.ContactNumber, st.Course,
		st.YearLevel, st.Status)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertRequest(ctx context.Context, r domain.BorrowRequest) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO borrow_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		r.ID, r.StudentID, r.BookID, r.Status, r.BorrowDate, r.DueDate, r.ReturnDate,
		r.LateFee, r.DamageFee, r.BookCondition, r.DamageNotes, r.Paid, r.PaidAt, r.IsLate,
		r.ApprovedBy, r.ProcessedBy, r.CreatedAt, r.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) UpdateRequest(ctx context.Context, r domain.BorrowRequest) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE borrow_requests SET status = $2, borrow_date = $3, due_date = $4,
			return_date = $5, late_fee = $6, damage_fee = $7, book_condition = $8,
			damage_notes = $9, paid = $10, paid_at = $11, is_late = $12,
			approved_by = $13, processed_by = $14, updated_at = $15
		WHERE id = $1`,
		r.ID, r.Status, r.BorrowDate, r.DueDate, r.ReturnDate, r.LateFee, r.DamageFee,
		r.BookCondition, r.DamageNotes, r.Paid, r.PaidAt, r.IsLate, r.ApprovedBy,
		r.ProcessedBy, r.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	var status *int
	err := t.tx.QueryRow(ctx,
		"SELECT request_hash, status, response_status, response_body FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.RequestHash, &rec.Status, &status, &rec.ResponseBody)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	if status != nil {
		rec.ResponseStatus = *status
	}
	return &rec, nil
}

func (t *pgTx) ReserveIdempotency(ctx context.Context, key, requestHash string) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, $3)",
		key, requestHash, domain.IdempotencyInProgress)
	return mapError(err)
}

func (t *pgTx) CompleteIdempotency(ctx context.Context, key string, status int, body []byte) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = $2, response_status = $3, response_body = $4 WHERE key = $1",
		key, domain.IdempotencyCompleted, status, body)
	return mapError(err)
}

var (
	_ Store = (*Postgres)(nil)
	_ Tx    = (*pgTx)(nil)
)
