package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BorrowStatus is the lifecycle state of a BorrowRequest.
type BorrowStatus string

const (
	StatusPending  BorrowStatus = "pending"
	StatusApproved BorrowStatus = "approved"
	StatusDenied   BorrowStatus = "denied"
	StatusReturned BorrowStatus = "returned"
	StatusOverdue  BorrowStatus = "overdue"
)

// IsOpen reports whether the request still counts against the student's
// one-open-loan limit.
func (s BorrowStatus) IsOpen() bool {
	return slices.Contains(OpenStatuses, s)
}

// IsOnLoan reports whether a physical copy is out with the student.
func (s BorrowStatus) IsOnLoan() bool {
	return s == StatusApproved || s == StatusOverdue
}

func (s BorrowStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusReturned, StatusOverdue:
		return true
	}
	return false
}

// OpenStatuses lists the statuses that block a new request by the same student.
var OpenStatuses = []BorrowStatus{StatusPending, StatusApproved, StatusOverdue}

type BookCondition string

const (
	ConditionGood    BookCondition = "good"
	ConditionDamaged BookCondition = "damaged"
	ConditionLost    BookCondition = "lost"
)

func (c BookCondition) Valid() bool {
	return c == ConditionGood || c == ConditionDamaged || c == ConditionLost
}

// Book is the single source of truth for physical stock.
// 0 <= AvailableCopies <= TotalCopies holds after every committed write.
type Book struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            *string   `json:"isbn,omitempty"`
	Category        string    `json:"category"`
	ShelfLocation   string    `json:"shelfLocation"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	IsDeleted       bool      `json:"isDeleted"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Student is a registered borrower, addressed externally by StudentID.
type Student struct {
	ID            uuid.UUID `json:"id"`
	StudentID     string    `json:"studentId"`
	FirstName     string    `json:"firstName"`
	MiddleName    string    `json:"middleName,omitempty"`
	LastName      string    `json:"lastName"`
	ContactNumber string    `json:"contactNumber"`
	Course        string    `json:"course,omitempty"`
	YearLevel     int       `json:"yearLevel,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (s Student) FullName() string {
	if s.MiddleName == "" {
		return s.FirstName + " " + s.LastName
	}
	return s.FirstName + " " + s.MiddleName + " " + s.LastName
}

// BorrowRequest is one loan from kiosk request to terminal resolution.
type BorrowRequest struct {
	ID            uuid.UUID       `json:"id"`
	StudentID     uuid.UUID       `json:"student"`
	BookID        uuid.UUID       `json:"book"`
	Status        BorrowStatus    `json:"status"`
	BorrowDate    *time.Time      `json:"borrowDate"`
	DueDate       *time.Time      `json:"dueDate"`
	ReturnDate    *time.Time      `json:"returnDate"`
	LateFee       decimal.Decimal `json:"lateFee"`
	DamageFee     decimal.Decimal `json:"damageFee"`
	BookCondition BookCondition   `json:"bookCondition"`
	DamageNotes   string          `json:"damageNotes,omitempty"`
	Paid          bool            `json:"paid"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	IsLate        bool            `json:"isLate"`
	ApprovedBy    string          `json:"approvedBy,omitempty"`
	ProcessedBy   string          `json:"processedBy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// TotalFee is the amount owed on settlement.
func (r BorrowRequest) TotalFee() decimal.Decimal {
	return r.LateFee.Add(r.DamageFee)
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	Status    BorrowStatus
	StudentID *uuid.UUID
	BookID    *uuid.UUID
}

// IdempotencyRecord holds the stored outcome of a kiosk request key.
type IdempotencyRecord struct {
	Key            string          `json:"key"`
	RequestHash    string          `json:"-"`
	Status         string          `json:"status"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	ResponseStatus int             `json:"response_status,omitempty"`
}

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)

// BorrowStats is a read-only aggregate over borrow requests.
type BorrowStats struct {
	ByStatus       map[BorrowStatus]int `json:"byStatus"`
	UnpaidFees     decimal.Decimal      `json:"unpaidFees"`
	CollectedFees  decimal.Decimal      `json:"collectedFees"`
	CopiesOnLoan   int                  `json:"copiesOnLoan"`
	OverdueCount   int                  `json:"overdueCount"`
	GeneratedAtUTC time.Time            `json:"generatedAt"`
}
