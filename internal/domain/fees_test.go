package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFeePolicy_DaysLate(t *testing.T) {
	p := DefaultFeePolicy()
	due := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"before due", due.Add(-time.Hour), 0},
		{"exactly due", due, 0},
		{"one second late", due.Add(time.Second), 1},
		{"exactly one day", due.Add(24 * time.Hour), 1},
		{"a day and a minute", due.Add(24*time.Hour + time.Minute), 2},
		{"three days", due.Add(72 * time.Hour), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.DaysLate(due, tt.now))
		})
	}
}

func TestFeePolicy_LateFeeThreeDays(t *testing.T) {
	p := DefaultFeePolicy()
	due := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	fee := p.LateFee(due, due.Add(3*24*time.Hour))

	assert.True(t, fee.Equal(decimal.NewFromInt(15)), "got %s", fee)
}

func TestFeePolicy_AccrueLateFeeNeverDecreases(t *testing.T) {
	p := DefaultFeePolicy()
	due := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	r := BorrowRequest{DueDate: &due, LateFee: decimal.NewFromInt(50)}

	got := p.AccrueLateFee(r, due.Add(2*24*time.Hour))

	assert.True(t, got.Equal(decimal.NewFromInt(50)), "got %s", got)
}

func TestFeePolicy_AccrueLateFeeWithoutDueDate(t *testing.T) {
	p := DefaultFeePolicy()
	r := BorrowRequest{LateFee: decimal.Zero}

	got := p.AccrueLateFee(r, time.Now())

	assert.True(t, got.IsZero())
}

func TestFeePolicy_DueDate(t *testing.T) {
	p := FeePolicy{LoanPeriod: 7 * 24 * time.Hour, DailyLateFee: decimal.NewFromInt(1)}
	borrowed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, borrowed.AddDate(0, 0, 7), p.DueDate(borrowed))
}

func TestBorrowRequest_TotalFee(t *testing.T) {
	r := BorrowRequest{LateFee: decimal.RequireFromString("12.50"), DamageFee: decimal.NewFromInt(100)}

	assert.Equal(t, "112.50", r.TotalFee().StringFixed(2))
}
