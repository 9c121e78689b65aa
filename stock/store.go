/*
store.go - Persistence interfaces for medicines, batches and the ledger

PURPOSE:
  Defines the boundary between the stock engine and the database.
  Batches are the only shared mutable resource; the ledger is append-only.

KEY INTERFACES:
  MedicineStore: Read access to the catalogue (plus Save for seeding)
  BatchStore:    Batch lookup, creation and compare-and-swap quantity writes
  LedgerStore:   Append-only movement records
  TxStore:       Optional multi-record transactions

COMPARE-AND-SWAP:
  Every quantity write names the quantity it expects to replace.
  If another writer got there first, the store returns
  ErrConcurrentModification and writes nothing. The expiry sweeper relies
  on this instead of the medicine lock.

APPEND-ONLY CONTRACT:
  LedgerStore has exactly one write method, AppendEntry. There is no
  Update or Delete. Corrections are ADJUSTMENT entries.

IMPLEMENTATIONS:
  - store/memory:   In-memory (Memory, TxMemory)
  - store/sqlite:   SQLite via sqlx
  - store/postgres: PostgreSQL via pgx
*/
package stock

import (
	"context"
	"time"
)

// =============================================================================
// MEDICINE STORE
// =============================================================================

type MedicineStore interface {
	// GetMedicine returns the medicine or (nil, nil) when it does not exist.
	GetMedicine(ctx context.Context, id string) (*Medicine, error)

	// SaveMedicine inserts or updates a medicine. Returns ErrDuplicateMedicine
	// if the normalized name is taken by another medicine.
	SaveMedicine(ctx context.Context, m Medicine) error

	ListMedicines(ctx context.Context, activeOnly bool) ([]Medicine, error)
}

// =============================================================================
// BATCH STORE
// =============================================================================

type BatchStore interface {
	// GetBatch returns the batch or (nil, nil) when it does not exist.
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// FindActiveBatch returns the active batch for (medicine, batch number),
	// or (nil, nil).
	FindActiveBatch(ctx context.Context, medicineID, batchNumber string) (*Batch, error)

	// CreateBatch inserts a new batch. Returns ErrDuplicateBatch if an active
	// batch with the same (medicine, batch number) exists.
	CreateBatch(ctx context.Context, b Batch) error

	// ListBatches returns active batches matching the filter, ordered by
	// ascending expiry date.
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)

	// UpdateBatchQuantity sets quantity to `to` only if the batch is active and
	// its quantity is still `from`. Otherwise returns ErrConcurrentModification.
	UpdateBatchQuantity(ctx context.Context, id string, from, to int64, actorID string, at time.Time) error

	// ExpiredBatches returns active batches with quantity > 0 whose expiry is
	// at or before asOf.
	ExpiredBatches(ctx context.Context, asOf time.Time) ([]Batch, error)

	// ExpireBatch zeroes and deactivates the batch only if it is active and
	// its quantity is still `observed` (> 0). Returns false when the guard
	// did not match.
	ExpireBatch(ctx context.Context, id string, observed int64, actorID string, at time.Time) (bool, error)
}

// =============================================================================
// LEDGER STORE (append-only)
// =============================================================================

type LedgerStore interface {
	// AppendEntry persists one entry. This is the ONLY ledger write.
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// QueryEntries returns matching entries newest-first plus the total match
	// count ignoring pagination.
	QueryEntries(ctx context.Context, filter LedgerFilter) ([]LedgerView, int, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	MedicineStore
	BatchStore
	LedgerStore
}

// TxStore wraps Store with transaction support.
// If fn returns an error every write made through the Store handed to fn is
// rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// runAtomic runs fn in a transaction when the store supports one. The bool
// reports whether it did.
func runAtomic(ctx context.Context, s Store, fn func(Store) error) (bool, error) {
	if ts, ok := s.(TxStore); ok {
		return true, ts.WithTx(ctx, fn)
	}
	return false, fn(s)
}
