package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// FeePolicy holds the loan period and the per-day late fee. Fees are a pure
// function of the due date and the evaluation time, so recomputing them is
// always safe.
type FeePolicy struct {
	LoanPeriod   time.Duration
	DailyLateFee decimal.Decimal
}

// DefaultFeePolicy is a one-day loan with a late fee of 5 per started day.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		LoanPeriod:   day,
		DailyLateFee: decimal.NewFromInt(5),
	}
}

// DueDate returns the due date for a loan approved at borrowedAt.
func (p FeePolicy) DueDate(borrowedAt time.Time) time.Time {
	return borrowedAt.Add(p.LoanPeriod)
}

// DaysLate counts started days past due: ceil((now - due) / 24h).
func (p FeePolicy) DaysLate(due, now time.Time) int {
	elapsed := now.Sub(due)
	if elapsed <= 0 {
		return 0
	}
	days := int(elapsed / day)
	if elapsed%day != 0 {
		days++
	}
	return days
}

// LateFee is DaysLate * DailyLateFee.
func (p FeePolicy) LateFee(due, now time.Time) decimal.Decimal {
	return p.DailyLateFee.Mul(decimal.NewFromInt(int64(p.DaysLate(due, now))))
}

// AccrueLateFee returns the fee a request should carry at now. Fees never
// decrease before payment, so the stored value wins if it is larger.
func (p FeePolicy) AccrueLateFee(r BorrowRequest, now time.Time) decimal.Decimal {
	if r.DueDate == nil {
		return r.LateFee
	}
	return decimal.Max(r.LateFee, p.LateFee(*r.DueDate, now))
}
