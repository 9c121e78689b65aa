/*
Package stock provides the pharmacy stock ledger engine.

PURPOSE:
  Tracks expiry-dated batches of medicines and records every quantity
  movement in an append-only ledger. Stock leaves the pharmacy in
  first-expiry-first-out (FEFO) order, mutations on one medicine are
  serialized by a distributed lock, and a background sweeper retires
  batches once they expire.

KEY CONCEPTS IN THIS FILE (types.go):
  - Medicine:    Read-only reference owned by the catalogue collaborator
  - Batch:       A dated, priced lot of one medicine's stock
  - LedgerEntry: Immutable record of one quantity movement
  - Deduction:   One batch's share of a stock-out

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only compensated
  2. Precision: Prices use decimal.Decimal, quantities are whole units
  3. Explicit consistency: Every write is either transactional or part
     of a saga with a documented partial-failure state

SEE ALSO:
  - store.go: Persistence interfaces
  - ledger.go: Ledger writer
  - inventory.go: Stock-in / stock-out / adjust
  - sweeper.go: Expiry sweep
*/
package stock

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MEDICINE - Catalogue reference
// =============================================================================

// Medicine is owned by the catalogue collaborator. The stock engine only
// requires that it exists and is active.
type Medicine struct {
	ID          string
	Name        string
	Category    string
	Description string
	MinStock    int64
	Active      bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NormalizeName trims and lower-cases a medicine name so that uniqueness is
// case-insensitive.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// =============================================================================
// BATCH - Dated, priced lot
// =============================================================================

type Batch struct {
	ID          string
	MedicineID  string
	BatchNumber string
	ExpiresAt   time.Time
	Quantity    int64
	UnitPrice   decimal.Decimal
	Supplier    string
	Active      bool

	// Audit fields
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usable reports whether the batch can be allocated at the given instant.
func (b Batch) Usable(at time.Time) bool {
	return b.Active && b.Quantity > 0 && b.ExpiresAt.After(at)
}

// Expired reports whether the expiry date is at or before the given instant.
func (b Batch) Expired(at time.Time) bool {
	return !b.ExpiresAt.After(at)
}

// BatchFilter selects batches for listing. Results are ordered by ascending
// expiry date.
type BatchFilter struct {
	MedicineID  string     // empty = all medicines
	AsOf        *time.Time // when set, batches expiring at or before AsOf are excluded
	InStockOnly bool
}

// =============================================================================
// LEDGER ENTRY - Immutable movement record
// =============================================================================

type Action string

const (
	ActionIn         Action = "IN"         // Stock received
	ActionOut        Action = "OUT"        // Stock issued (FEFO)
	ActionExpired    Action = "EXPIRED"    // Stock written off by the sweeper
	ActionAdjustment Action = "ADJUSTMENT" // Compensating correction
)

func (a Action) Valid() bool {
	switch a {
	case ActionIn, ActionOut, ActionExpired, ActionAdjustment:
		return true
	}
	return false
}

// ParseAction accepts any letter case.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	return a, a.Valid()
}

type LedgerEntry struct {
	ID         string
	Seq        int64 // store-assigned insertion order, breaks timestamp ties
	MedicineID string
	BatchID    string
	Action     Action
	Quantity   int64 // always > 0
	Reduces    bool  // only meaningful for ADJUSTMENT
	UnitPrice  decimal.Decimal
	TotalCost  decimal.Decimal
	ActorID    string
	Note       string
	CreatedAt  time.Time
}

// Delta returns the signed effect of the entry on stock.
func (e LedgerEntry) Delta() int64 {
	switch e.Action {
	case ActionIn:
		return e.Quantity
	case ActionOut, ActionExpired:
		return -e.Quantity
	case ActionAdjustment:
		if e.Reduces {
			return -e.Quantity
		}
		return e.Quantity
	}
	return 0
}

// LedgerView is a ledger entry resolved to display attributes.
type LedgerView struct {
	LedgerEntry
	MedicineName     string
	MedicineCategory string
	BatchNumber      string
	BatchExpiresAt   time.Time
}

// LedgerFilter selects ledger entries. Zero values mean "no filter".
type LedgerFilter struct {
	Action     Action
	MedicineID string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

// Offset returns the number of entries to skip for the requested page.
func (f LedgerFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

type LedgerPage struct {
	Entries []LedgerView
	Page    int
	Limit   int
	Total   int
}

// =============================================================================
// OPERATION RESULTS
// =============================================================================

// Deduction is one batch's contribution to a stock-out.
type Deduction struct {
	BatchID     string
	BatchNumber string
	Quantity    int64
	UnitPrice   decimal.Decimal
	TotalCost   decimal.Decimal
}

type StockOutResult struct {
	MedicineID string
	Requested  int64
	Deductions []Deduction
}

// TotalCost is the value of all stock issued.
func (r StockOutResult) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, d := range r.Deductions {
		total = total.Add(d.TotalCost)
	}
	return total
}

type SweepResult struct {
	Count             int
	TotalExpiredUnits int64
	Batches           []string
}

// Cost computes quantity × unit price.
func Cost(unitPrice decimal.Decimal, quantity int64) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(quantity))
}
