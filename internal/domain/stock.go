package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrStockInconsistency is returned when a counter change would break
// 0 <= available <= total.
var ErrStockInconsistency = errors.New("stock inconsistency")

type StockAction string

const (
	StockAdd    StockAction = "add"
	StockRemove StockAction = "remove"
)

func (a StockAction) Valid() bool { return a == StockAdd || a == StockRemove }

type StockReason string

const (
	ReasonCorrection  StockReason = "correction"
	ReasonRepair      StockReason = "repair"
	ReasonNewPurchase StockReason = "new-purchase"
	ReasonDamaged     StockReason = "damaged"
	ReasonDestroyed   StockReason = "destroyed"
	ReasonLost        StockReason = "lost"
	ReasonOther       StockReason = "other"
)

func (r StockReason) Valid() bool {
	switch r {
	case ReasonCorrection, ReasonRepair, ReasonNewPurchase, ReasonDamaged, ReasonDestroyed, ReasonLost, ReasonOther:
		return true
	}
	return false
}

// Retires reports whether the reason takes copies out of the collection for good.
func (r StockReason) Retires() bool {
	return r == ReasonDamaged || r == ReasonDestroyed || r == ReasonLost
}

// StockDelta is a signed change to a book's counters. When ClampAvailable is
// set, a negative Available delta stops at zero instead of failing. When
// CapAvailable is set, a positive one stops at the new total.
type StockDelta struct {
	Available      int
	Total          int
	ClampAvailable bool
	CapAvailable   bool
}

// StockSnapshot captures the two counters at a point in time.
type StockSnapshot struct {
	Available int `json:"available"`
	Total     int `json:"total"`
}

func (b Book) Snapshot() StockSnapshot {
	return StockSnapshot{Available: b.AvailableCopies, Total: b.TotalCopies}
}

// ApplyStock is the only place counters are changed. It returns the book with
// the delta applied and the version bumped, or ErrStockInconsistency with b
// untouched.
func (b Book) ApplyStock(d StockDelta) (Book, error) {
	total := b.TotalCopies + d.Total
	available := b.AvailableCopies + d.Available
	if d.ClampAvailable && available < 0 {
		available = 0
	}
	if d.CapAvailable && available > total && total >= 0 {
		available = total
	}

	if total < 0 || available < 0 || available > total {
		return b, fmt.Errorf("%w: book %s would have available=%d total=%d",
			ErrStockInconsistency, b.ID, available, total)
	}

	next := b
	next.TotalCopies = total
	next.AvailableCopies = available
	next.Version = b.Version + 1
	return next, nil
}

// StockLedgerEntry is an append-only record of a manual stock change.
type StockLedgerEntry struct {
	ID        uuid.UUID     `json:"id"`
	BookID    uuid.UUID     `json:"book"`
	Action    StockAction   `json:"action"`
	Quantity  int           `json:"quantity"`
	Reason    StockReason   `json:"reason"`
	Note      string        `json:"note,omitempty"`
	Before    StockSnapshot `json:"before"`
	After     StockSnapshot `json:"after"`
	ActorID   string        `json:"actor"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ErrInvalidAdjustment is returned for a direction/reason/quantity combination
// that can never be applied.
var ErrInvalidAdjustment = errors.New("invalid stock adjustment")

// PlanAdjustment turns a manual stock action into the delta ApplyStock expects.
//
//	add    new-purchase|other        total+q, available+q
//	add    repair|correction         available+q
//	remove damaged|destroyed|lost    total-q, available-q (clamped at 0), q <= total
//	remove correction|repair|other   available-q, q <= available
func PlanAdjustment(b Book, action StockAction, reason StockReason, quantity int) (StockDelta, error) {
	if quantity <= 0 {
		return StockDelta{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidAdjustment)
	}

	switch action {
	case StockAdd:
		switch reason {
		case ReasonNewPurchase, ReasonOther:
			return StockDelta{Available: quantity, Total: quantity}, nil
		case ReasonRepair, ReasonCorrection:
			return StockDelta{Available: quantity}, nil
		}
		return StockDelta{}, fmt.Errorf("%w: cannot add copies with reason %q", ErrInvalidAdjustment, reason)

	case StockRemove:
		if reason.Retires() {
			if quantity > b.TotalCopies {
				return StockDelta{}, fmt.Errorf("%w: cannot retire %d copies, only %d in collection",
					ErrInvalidAdjustment, quantity, b.TotalCopies)
			}
			return StockDelta{Available: -quantity, Total: -quantity, ClampAvailable: true}, nil
		}
		if reason == ReasonNewPurchase {
			return StockDelta{}, fmt.Errorf("%w: cannot remove copies with reason %q", ErrInvalidAdjustment, reason)
		}
		if quantity > b.AvailableCopies {
			return StockDelta{}, fmt.Errorf("%w: cannot remove %d copies, only %d available",
				ErrInvalidAdjustment, quantity, b.AvailableCopies)
		}
		return StockDelta{Available: -quantity}, nil
	}

	return StockDelta{}, fmt.Errorf("%w: unknown action %q", ErrInvalidAdjustment, action)
}
