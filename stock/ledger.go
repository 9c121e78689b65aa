/*
ledger.go - Append-only movement log

PURPOSE:
  The ledger is the forensic source of truth for what happened to stock
  and when. Every quantity change (IN, OUT, EXPIRED, ADJUSTMENT) writes
  exactly one entry; entries are never updated or deleted.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. POSITIVE: Quantity > 0; direction comes from the action.
  3. PRICED: TotalCost = UnitPrice × Quantity, computed here, not by callers.
  4. ORDERED: Queries return newest-first.

CORRECTIONS:
  A wrong movement is corrected with an opposing ADJUSTMENT entry. Both
  remain in the ledger and the net effect is the correction.

ROUND TRIP:
  For any medicine, StockLevel (IN − OUT − EXPIRED ± ADJUSTMENT) equals
  the sum of its active batch quantities.
*/
package stock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Ledger validates and appends movement records.
type Ledger struct {
	Now func() time.Time
}

func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{Now: now}
}

// Append writes a single entry through s (which may be a transaction view).
// ID, CreatedAt and TotalCost are assigned here.
func (l *Ledger) Append(ctx context.Context, s LedgerStore, e LedgerEntry) (LedgerEntry, error) {
	if err := validateEntry(e); err != nil {
		return LedgerEntry{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.Now().UTC()
	}
	if e.Action != ActionAdjustment {
		e.Reduces = false
	}
	e.TotalCost = Cost(e.UnitPrice, e.Quantity)
	if err := s.AppendEntry(ctx, e); err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

func validateEntry(e LedgerEntry) error {
	switch {
	case !e.Action.Valid():
		return invalid("action", "must be one of IN, OUT, EXPIRED, ADJUSTMENT")
	case e.Quantity <= 0:
		return invalid("quantity", "must be greater than 0")
	case e.UnitPrice.IsNegative():
		return invalid("unitPrice", "must not be negative")
	case e.MedicineID == "":
		return invalid("medicineId", "is required")
	case e.BatchID == "":
		return invalid("batchId", "is required")
	case e.ActorID == "":
		return invalid("actorId", "is required")
	}
	return nil
}

// Entries runs a paginated, newest-first query.
func (l *Ledger) Entries(ctx context.Context, s LedgerStore, filter LedgerFilter) (LedgerPage, error) {
	filter, err := NormalizeLedgerFilter(filter)
	if err != nil {
		return LedgerPage{}, err
	}
	views, total, err := s.QueryEntries(ctx, filter)
	if err != nil {
		return LedgerPage{}, err
	}
	if views == nil {
		views = []LedgerView{}
	}
	return LedgerPage{Entries: views, Page: filter.Page, Limit: filter.Limit, Total: total}, nil
}

// NormalizeLedgerFilter applies pagination defaults and validates the
// filter. A To bound that falls exactly on midnight is treated as a whole
// day and extended to its last instant.
func NormalizeLedgerFilter(f LedgerFilter) (LedgerFilter, error) {
	if f.Action != "" && !f.Action.Valid() {
		return f, invalid("action", "must be one of IN, OUT, EXPIRED, ADJUSTMENT")
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.To != nil {
		to := *f.To
		if to.Equal(to.Truncate(24 * time.Hour)) {
			to = to.Add(24*time.Hour - time.Nanosecond)
		}
		f.To = &to
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, invalid("to", "must not be before from")
	}
	return f, nil
}

// StockLevel replays every ledger entry of a medicine.
func (l *Ledger) StockLevel(ctx context.Context, s LedgerStore, medicineID string) (int64, error) {
	var level int64
	filter := LedgerFilter{MedicineID: medicineID, Page: 1, Limit: MaxPageLimit}
	for {
		views, total, err := s.QueryEntries(ctx, filter)
		if err != nil {
			return 0, err
		}
		for _, v := range views {
			level += v.Delta()
		}
		if len(views) == 0 || filter.Page*filter.Limit >= total {
			return level, nil
		}
		filter.Page++
	}
}
