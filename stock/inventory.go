/*
inventory.go - Stock-in, stock-out (FEFO) and compensating adjustments

REQUEST FLOW:
  ┌───────────────────────────────────────────────────────────────────┐
  │  validate ──▶ lock medicine ──▶ check medicine ──▶ read batches   │
  │                                                        │          │
  │        unlock ◀── invalidate cache ◀── write batch + ledger       │
  └───────────────────────────────────────────────────────────────────┘

  Validation happens before the lock so malformed input never queues
  behind other writers. Everything between lock and unlock is serialized
  per medicine across every process sharing the Locker.

CONSISTENCY:
  If the store implements TxStore, all batch writes and ledger appends of
  one operation commit together. Otherwise they run as a saga of
  independent writes; a failure after the first write is reported as a
  PartialAllocationError and logged for manual reconciliation. It is
  never retried automatically, since a retry could deduct twice.

  Batch writes are compare-and-swap on the quantity read under the lock,
  so an expiry sweep (which does not take the lock) or an overrun lock
  TTL surfaces as ErrConcurrentModification instead of lost units.
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Inventory is the allocation engine.
type Inventory struct {
	Store   Store
	Locker  Locker
	Ledger  *Ledger
	Cache   *ResultCache
	Logger  *zap.Logger
	LockTTL time.Duration
	Now     func() time.Time

	inst *instruments
}

type Option func(*Inventory)

func WithCache(c *ResultCache) Option { return func(inv *Inventory) { inv.Cache = c } }

func WithLogger(l *zap.Logger) Option {
	return func(inv *Inventory) {
		if l != nil {
			inv.Logger = l
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(inv *Inventory) {
		if ttl > 0 {
			inv.LockTTL = ttl
		}
	}
}

// WithClock overrides the time source used for expiry decisions and audit
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(inv *Inventory) {
		if now != nil {
			inv.Now = now
		}
	}
}

func NewInventory(store Store, locker Locker, opts ...Option) *Inventory {
	inv := &Inventory{
		Store:   store,
		Locker:  locker,
		Logger:  zap.NewNop(),
		LockTTL: DefaultLockTTL,
		Now:     time.Now,
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.Ledger = NewLedger(inv.Now)
	inv.inst = newInstruments()
	return inv
}

func (inv *Inventory) now() time.Time { return inv.Now().UTC() }

// Sweeper returns an expiry sweeper sharing this engine's store, cache,
// logger and clock.
func (inv *Inventory) Sweeper() *Sweeper {
	return &Sweeper{
		Store:  inv.Store,
		Ledger: inv.Ledger,
		Cache:  inv.Cache,
		Logger: inv.Logger,
		Now:    inv.Now,
		inst:   inv.inst,
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

// MaxBatchQuantity bounds the units one batch may hold, so sums over a
// medicine's batches stay far from int64 overflow.
const MaxBatchQuantity int64 = 1_000_000_000

type StockInRequest struct {
	MedicineID  string
	BatchNumber string
	ExpiresAt   time.Time
	Quantity    int64
	Supplier    string
	UnitPrice   decimal.Decimal
	ActorID     string
}

func (r *StockInRequest) validate(now time.Time) error {
	r.MedicineID = strings.TrimSpace(r.MedicineID)
	r.BatchNumber = strings.TrimSpace(r.BatchNumber)
	r.Supplier = strings.TrimSpace(r.Supplier)
	r.ActorID = strings.TrimSpace(r.ActorID)

	if err := validateMedicineID(r.MedicineID); err != nil {
		return err
	}
	switch {
	case r.BatchNumber == "":
		return invalid("batchNumber", "is required")
	case r.Supplier == "":
		return invalid("supplier", "is required")
	case r.ActorID == "":
		return invalid("actorId", "is required")
	case r.Quantity <= 0:
		return invalid("quantity", "must be greater than 0")
	case r.Quantity > MaxBatchQuantity:
		return invalid("quantity", fmt.Sprintf("must not exceed %d", MaxBatchQuantity))
	case !r.UnitPrice.IsPositive():
		return invalid("unitPrice", "must be greater than 0")
	case r.ExpiresAt.IsZero():
		return invalid("expiryDate", "is required")
	case !r.ExpiresAt.After(now):
		return invalid("expiryDate", "must be in the future")
	}
	r.ExpiresAt = r.ExpiresAt.UTC()
	return nil
}

type StockOutRequest struct {
	MedicineID string
	Quantity   int64
	Note       string
	ActorID    string
}

func (r *StockOutRequest) validate() error {
	r.MedicineID = strings.TrimSpace(r.MedicineID)
	r.ActorID = strings.TrimSpace(r.ActorID)
	r.Note = strings.TrimSpace(r.Note)

	if err := validateMedicineID(r.MedicineID); err != nil {
		return err
	}
	switch {
	case r.ActorID == "":
		return invalid("actorId", "is required")
	case r.Quantity <= 0:
		return invalid("quantity", "must be greater than 0")
	}
	if r.Note == "" {
		r.Note = "Stock issued"
	}
	return nil
}

// AdjustRequest corrects one batch with a compensating ADJUSTMENT entry.
type AdjustRequest struct {
	BatchID  string
	Quantity int64
	Reduce   bool
	Note     string
	ActorID  string
}

func (r *AdjustRequest) validate() error {
	r.BatchID = strings.TrimSpace(r.BatchID)
	r.ActorID = strings.TrimSpace(r.ActorID)
	r.Note = strings.TrimSpace(r.Note)
	switch {
	case r.BatchID == "":
		return invalid("batchId", "is required")
	case r.ActorID == "":
		return invalid("actorId", "is required")
	case r.Quantity <= 0:
		return invalid("quantity", "must be greater than 0")
	case r.Quantity > MaxBatchQuantity:
		return invalid("quantity", fmt.Sprintf("must not exceed %d", MaxBatchQuantity))
	case r.Note == "":
		return invalid("note", "is required for adjustments")
	}
	return nil
}

func validateMedicineID(id string) error {
	if id == "" {
		return invalid("medicineId", "is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return invalid("medicineId", "is not a valid id")
	}
	return nil
}

// =============================================================================
// STOCK IN
// =============================================================================

// StockIn receives stock into a batch. An active batch with the same number
// is topped up when its unit price matches exactly; otherwise a new batch is
// opened. One IN entry is written for the full quantity either way.
func (inv *Inventory) StockIn(ctx context.Context, req StockInRequest) (_ *Batch, err error) {
	ctx, span := inv.inst.start(ctx, "stock.StockIn",
		attribute.String("medicine.id", req.MedicineID),
		attribute.String("batch.number", req.BatchNumber),
		attribute.Int64("quantity", req.Quantity))
	defer func() { finish(span, err) }()

	if err := req.validate(inv.now()); err != nil {
		return nil, err
	}

	var batch Batch
	err = inv.withMedicineLock(ctx, req.MedicineID, func(ctx context.Context) error {
		if _, err := inv.activeMedicine(ctx, req.MedicineID); err != nil {
			return err
		}
		b, err := inv.receive(ctx, req)
		if err != nil {
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	inv.Cache.invalidateMedicine(ctx, req.MedicineID)
	inv.inst.moved(ctx, ActionIn, req.Quantity)
	inv.Logger.Info("stock in",
		zap.String("medicine_id", req.MedicineID),
		zap.String("batch_id", batch.ID),
		zap.String("batch_number", batch.BatchNumber),
		zap.Int64("quantity", req.Quantity),
		zap.String("actor_id", req.ActorID))
	return &batch, nil
}

func (inv *Inventory) receive(ctx context.Context, req StockInRequest) (Batch, error) {
	now := inv.now()

	existing, err := inv.Store.FindActiveBatch(ctx, req.MedicineID, req.BatchNumber)
	if err != nil {
		return Batch{}, err
	}
	if existing != nil && !existing.UnitPrice.Equal(req.UnitPrice) {
		return Batch{}, &PriceMismatchError{
			BatchNumber: req.BatchNumber,
			Existing:    existing.UnitPrice,
			Incoming:    req.UnitPrice,
		}
	}

	if existing != nil && existing.Quantity > MaxBatchQuantity-req.Quantity {
		return Batch{}, invalid("quantity", fmt.Sprintf("batch %s would exceed %d units", req.BatchNumber, MaxBatchQuantity))
	}

	var batch Batch
	sg := &saga{medicineID: req.MedicineID, action: ActionIn, requested: req.Quantity}
	atomic, err := runAtomic(ctx, inv.Store, func(s Store) error {
		if existing != nil {
			batch = *existing
			sg.step(StageBatchUpdate, batch.ID)
			if err := s.UpdateBatchQuantity(ctx, batch.ID, batch.Quantity, batch.Quantity+req.Quantity, req.ActorID, now); err != nil {
				return err
			}
			batch.Quantity += req.Quantity
			batch.UpdatedBy = req.ActorID
			batch.UpdatedAt = now
		} else {
			batch = Batch{
				ID:          uuid.NewString(),
				MedicineID:  req.MedicineID,
				BatchNumber: req.BatchNumber,
				ExpiresAt:   req.ExpiresAt,
				Quantity:    req.Quantity,
				UnitPrice:   req.UnitPrice,
				Supplier:    req.Supplier,
				Active:      true,
				CreatedBy:   req.ActorID,
				UpdatedBy:   req.ActorID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			sg.step(StageBatchUpdate, batch.ID)
			if err := s.CreateBatch(ctx, batch); err != nil {
				return err
			}
		}
		sg.applied(Deduction{
			BatchID:     batch.ID,
			BatchNumber: batch.BatchNumber,
			Quantity:    req.Quantity,
			UnitPrice:   req.UnitPrice,
			TotalCost:   Cost(req.UnitPrice, req.Quantity),
		})

		sg.step(StageLedgerAppend, batch.ID)
		_, err := inv.Ledger.Append(ctx, s, LedgerEntry{
			MedicineID: req.MedicineID,
			BatchID:    batch.ID,
			Action:     ActionIn,
			Quantity:   req.Quantity,
			UnitPrice:  req.UnitPrice,
			ActorID:    req.ActorID,
			Note:       req.Supplier,
			CreatedAt:  now,
		})
		return err
	})
	if err != nil {
		return Batch{}, inv.settle(ctx, atomic, sg, err)
	}
	return batch, nil
}

// =============================================================================
// STOCK OUT (FEFO)
// =============================================================================

// StockOut issues stock, consuming the earliest-expiring usable batches
// first. Either the whole request is satisfiable or nothing is written.
func (inv *Inventory) StockOut(ctx context.Context, req StockOutRequest) (_ *StockOutResult, err error) {
	ctx, span := inv.inst.start(ctx, "stock.StockOut",
		attribute.String("medicine.id", req.MedicineID),
		attribute.Int64("quantity", req.Quantity))
	defer func() { finish(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	var result StockOutResult
	err = inv.withMedicineLock(ctx, req.MedicineID, func(ctx context.Context) error {
		if _, err := inv.activeMedicine(ctx, req.MedicineID); err != nil {
			return err
		}
		r, err := inv.issue(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	inv.Cache.invalidateMedicine(ctx, req.MedicineID)
	inv.inst.moved(ctx, ActionOut, req.Quantity)
	span.SetAttributes(attribute.Int("batches.touched", len(result.Deductions)))
	inv.Logger.Info("stock out",
		zap.String("medicine_id", req.MedicineID),
		zap.Int64("quantity", req.Quantity),
		zap.Int("batches", len(result.Deductions)),
		zap.String("actor_id", req.ActorID))
	return &result, nil
}

func (inv *Inventory) issue(ctx context.Context, req StockOutRequest) (StockOutResult, error) {
	now := inv.now()

	batches, err := inv.Store.ListBatches(ctx, BatchFilter{
		MedicineID:  req.MedicineID,
		AsOf:        &now,
		InStockOnly: true,
	})
	if err != nil {
		return StockOutResult{}, err
	}

	plan, err := PlanFEFO(req.MedicineID, batches, req.Quantity, now)
	if err != nil {
		return StockOutResult{}, err
	}

	sg := &saga{medicineID: req.MedicineID, action: ActionOut, requested: req.Quantity}
	atomic, err := runAtomic(ctx, inv.Store, func(s Store) error {
		for i, d := range plan.Deductions {
			b := plan.batches[i]

			sg.step(StageBatchUpdate, b.ID)
			if err := s.UpdateBatchQuantity(ctx, b.ID, b.Quantity, b.Quantity-d.Quantity, req.ActorID, now); err != nil {
				return err
			}
			sg.applied(d)

			sg.step(StageLedgerAppend, b.ID)
			if _, err := inv.Ledger.Append(ctx, s, LedgerEntry{
				MedicineID: req.MedicineID,
				BatchID:    b.ID,
				Action:     ActionOut,
				Quantity:   d.Quantity,
				UnitPrice:  b.UnitPrice,
				ActorID:    req.ActorID,
				Note:       req.Note,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return StockOutResult{}, inv.settle(ctx, atomic, sg, err)
	}

	return StockOutResult{
		MedicineID: req.MedicineID,
		Requested:  req.Quantity,
		Deductions: plan.Deductions,
	}, nil
}

// =============================================================================
// ADJUSTMENT (compensating entry)
// =============================================================================

// Adjust raises or lowers one active batch and records an ADJUSTMENT entry.
// It never drives a batch below zero.
func (inv *Inventory) Adjust(ctx context.Context, req AdjustRequest) (_ *LedgerEntry, err error) {
	ctx, span := inv.inst.start(ctx, "stock.Adjust",
		attribute.String("batch.id", req.BatchID),
		attribute.Int64("quantity", req.Quantity),
		attribute.Bool("reduce", req.Reduce))
	defer func() { finish(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	located, err := inv.Store.GetBatch(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	if located == nil {
		return nil, &NotFoundError{Kind: "batch", ID: req.BatchID}
	}
	medicineID := located.MedicineID

	var entry LedgerEntry
	err = inv.withMedicineLock(ctx, medicineID, func(ctx context.Context) error {
		// Re-read under the lock; the first read only located the medicine.
		b, err := inv.Store.GetBatch(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if b == nil || !b.Active {
			return &NotFoundError{Kind: "batch", ID: req.BatchID}
		}

		if !req.Reduce && b.Quantity > MaxBatchQuantity-req.Quantity {
			return invalid("quantity", fmt.Sprintf("batch %s would exceed %d units", b.BatchNumber, MaxBatchQuantity))
		}
		to := b.Quantity + req.Quantity
		if req.Reduce {
			if req.Quantity > b.Quantity {
				return &InsufficientStockError{MedicineID: medicineID, Available: b.Quantity, Requested: req.Quantity}
			}
			to = b.Quantity - req.Quantity
		}

		now := inv.now()
		sg := &saga{medicineID: medicineID, action: ActionAdjustment, requested: req.Quantity}
		atomic, err := runAtomic(ctx, inv.Store, func(s Store) error {
			sg.step(StageBatchUpdate, b.ID)
			if err := s.UpdateBatchQuantity(ctx, b.ID, b.Quantity, to, req.ActorID, now); err != nil {
				return err
			}
			sg.applied(Deduction{BatchID: b.ID, BatchNumber: b.BatchNumber, Quantity: req.Quantity, UnitPrice: b.UnitPrice, TotalCost: Cost(b.UnitPrice, req.Quantity)})

			sg.step(StageLedgerAppend, b.ID)
			e, err := inv.Ledger.Append(ctx, s, LedgerEntry{
				MedicineID: medicineID,
				BatchID:    b.ID,
				Action:     ActionAdjustment,
				Quantity:   req.Quantity,
				Reduces:    req.Reduce,
				UnitPrice:  b.UnitPrice,
				ActorID:    req.ActorID,
				Note:       req.Note,
				CreatedAt:  now,
			})
			entry = e
			return err
		})
		if err != nil {
			return inv.settle(ctx, atomic, sg, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	inv.Cache.invalidateMedicine(ctx, medicineID)
	inv.inst.moved(ctx, ActionAdjustment, req.Quantity)
	inv.Logger.Info("stock adjusted",
		zap.String("medicine_id", medicineID),
		zap.String("batch_id", req.BatchID),
		zap.Int64("delta", entry.Delta()),
		zap.String("actor_id", req.ActorID))
	return &entry, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (inv *Inventory) withMedicineLock(ctx context.Context, medicineID string, fn func(ctx context.Context) error) error {
	err := inv.Locker.WithLock(ctx, MedicineLockKey(medicineID), inv.LockTTL, fn)
	if errors.Is(err, ErrLockUnavailable) {
		inv.inst.lockFailures.Add(ctx, 1)
		inv.Logger.Warn("medicine lock unavailable", zap.String("medicine_id", medicineID), zap.Error(err))
	}
	return err
}

func (inv *Inventory) activeMedicine(ctx context.Context, id string) (*Medicine, error) {
	m, err := inv.Store.GetMedicine(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil || !m.Active {
		return nil, &NotFoundError{Kind: "medicine", ID: id}
	}
	return m, nil
}

// saga tracks how far a multi-write operation got so a failure can be
// classified as clean (nothing written) or partial.
type saga struct {
	medicineID string
	action     Action
	requested  int64
	stage      string
	batchID    string
	done       []Deduction
}

func (sg *saga) step(stage, batchID string) {
	sg.stage = stage
	sg.batchID = batchID
}

func (sg *saga) applied(d Deduction) { sg.done = append(sg.done, d) }

// settle converts a failed write sequence into the error returned to the
// caller. A rolled-back transaction leaves nothing behind, so the cause is
// returned as is.
func (inv *Inventory) settle(ctx context.Context, atomic bool, sg *saga, cause error) error {
	if atomic || len(sg.done) == 0 {
		return cause
	}
	// Some batches were written; cached views no longer match the store.
	inv.Cache.invalidateMedicine(ctx, sg.medicineID)
	return reportPartial(ctx, inv.Logger, inv.inst, &PartialAllocationError{
		MedicineID: sg.medicineID,
		Action:     sg.action,
		Requested:  sg.requested,
		Applied:    sg.done,
		Stage:      sg.stage,
		BatchID:    sg.batchID,
		Cause:      cause,
	})
}

func reportPartial(ctx context.Context, logger *zap.Logger, inst *instruments, pe *PartialAllocationError) error {
	applied := make([]zap.Field, 0, len(pe.Applied))
	for _, d := range pe.Applied {
		applied = append(applied, zap.Int64("applied."+d.BatchID, d.Quantity))
	}
	logger.Error("partial allocation failure: manual reconciliation required",
		append([]zap.Field{
			zap.String("medicine_id", pe.MedicineID),
			zap.String("action", string(pe.Action)),
			zap.Int64("requested", pe.Requested),
			zap.String("stage", pe.Stage),
			zap.String("batch_id", pe.BatchID),
			zap.Error(pe.Cause),
		}, applied...)...)
	inst.partial(ctx, pe.Action)
	return pe
}
