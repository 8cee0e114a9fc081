package models

import "github.com/shopspring/decimal"

// Response is the envelope every endpoint answers with. Retryable tells the
// kiosk the user may try again without changing their input.
type Response struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// CreateBorrowRequest is the kiosk payload.
type CreateBorrowRequest struct {
	StudentID string `json:"studentId" validate:"required,max=64"`
	BookID    string `json:"bookId" validate:"required,uuid"`
}

// ReturnBookRequest carries the admin's condition assessment.
// DamageFee is required when Condition is not "good".
type ReturnBookRequest struct {
	Condition string           `json:"condition" validate:"required,oneof=good damaged lost"`
	DamageFee *decimal.Decimal `json:"damageFee,omitempty"`
	Notes     string           `json:"notes,omitempty" validate:"max=500"`
}

type AdjustStockRequest struct {
	Action   string `json:"action" validate:"required,oneof=add remove"`
	Quantity int    `json:"quantity" validate:"required,gt=0"`
	Reason   string `json:"reason" validate:"required,oneof=correction repair new-purchase damaged destroyed lost other"`
	Note     string `json:"note,omitempty" validate:"max=500"`
}

type CreateBookRequest struct {
	Title         string  `json:"title" validate:"required,max=255"`
	Author        string  `json:"author" validate:"required,max=255"`
	ISBN          *string `json:"isbn,omitempty" validate:"omitempty,max=32"`
	Category      string  `json:"category" validate:"max=100"`
	ShelfLocation string  `json:"shelfLocation" validate:"max=100"`
	TotalCopies   int     `json:"totalCopies" validate:"gte=0"`
}

// UpdateBookRequest changes catalog metadata only; counters move through the
// stock endpoint.
type UpdateBookRequest struct {
	Title         *string `json:"title,omitempty" validate:"omitempty,min=1,max=255"`
	Author        *string `json:"author,omitempty" validate:"omitempty,min=1,max=255"`
	ISBN          *string `json:"isbn,omitempty" validate:"omitempty,max=32"`
	Category      *string `json:"category,omitempty" validate:"omitempty,max=100"`
	ShelfLocation *string `json:"shelfLocation,omitempty" validate:"omitempty,max=100"`
}

type RegisterStudentRequest struct {
	StudentID     string `json:"studentId" validate:"required,max=64"`
	FirstName     string `json:"firstName" validate:"required,max=100"`
	MiddleName    string `json:"middleName,omitempty" validate:"max=100"`
	LastName      string `json:"lastName" validate:"required,max=100"`
	ContactNumber string `json:"contactNumber" validate:"required,min=7,max=20"`
	Course        string `json:"course,omitempty" validate:"max=100"`
	YearLevel     int    `json:"yearLevel,omitempty" validate:"gte=0,lte=10"`
}

type UpdateContactRequest struct {
	ContactNumber string `json:"contactNumber" validate:"required,min=7,max=20"`
}
