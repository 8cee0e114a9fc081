package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventRequested EventType = "borrow.requested"
	EventApproved  EventType = "borrow.approved"
	EventDenied    EventType = "borrow.denied"
	EventOverdue   EventType = "borrow.overdue"
	EventReturned  EventType = "borrow.returned"
	EventPaid      EventType = "borrow.paid"
)

// Event is emitted after a borrow transition commits. It carries enough of the
// student and book to build a notification without another lookup.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Type          EventType       `json:"type"`
	RequestID     uuid.UUID       `json:"requestId"`
	StudentID     string          `json:"studentId"`
	StudentName   string          `json:"studentName"`
	ContactNumber string          `json:"contactNumber"`
	BookID        uuid.UUID       `json:"bookId"`
	BookTitle     string          `json:"bookTitle"`
	DueDate       *time.Time      `json:"dueDate,omitempty"`
	LateFee       decimal.Decimal `json:"lateFee"`
	TotalFee      decimal.Decimal `json:"totalFee"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// NewEvent builds an event for r from the student and book it references.
func NewEvent(t EventType, r BorrowRequest, s Student, b Book, at time.Time) Event {
	return Event{
		ID:            uuid.New(),
		Type:          t,
		RequestID:     r.ID,
		StudentID:     s.StudentID,
		StudentName:   s.FullName(),
		ContactNumber: s.ContactNumber,
		BookID:        b.ID,
		BookTitle:     b.Title,
		DueDate:       r.DueDate,
		LateFee:       r.LateFee,
		TotalFee:      r.TotalFee(),
		OccurredAt:    at,
	}
}
