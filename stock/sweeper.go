/*
sweeper.go - Expiry write-off

PURPOSE:
  Zeroes and deactivates every active batch whose expiry date has passed,
  writing one EXPIRED ledger entry for the quantity written off.

CONCURRENCY:
  The sweeper does not take the medicine lock. Each batch is expired with a
  compare-and-swap on the quantity it observed; if an allocation changed
  the batch in between, the sweeper re-reads it and tries again. A batch
  that is already inactive is skipped, which makes sweeping idempotent.

FAILURES:
  One batch failing does not stop the sweep. Errors are joined and
  returned alongside the result for the batches that did succeed.
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	SweepNote = "Auto expired by sweeper"

	defaultSweepAttempts = 3
)

// Sweeper is obtained from Inventory.Sweeper, which shares the engine's
// store, ledger, cache, logger and clock.
type Sweeper struct {
	Store  Store
	Ledger *Ledger
	Cache  *ResultCache
	Logger *zap.Logger
	Now    func() time.Time

	// MaxAttempts bounds compare-and-swap retries per batch.
	MaxAttempts int

	inst *instruments
}

func (sw *Sweeper) now() time.Time {
	if sw.Now == nil {
		return time.Now().UTC()
	}
	return sw.Now().UTC()
}

func (sw *Sweeper) attempts() int {
	if sw.MaxAttempts > 0 {
		return sw.MaxAttempts
	}
	return defaultSweepAttempts
}

// SweepExpired writes off every batch expired as of now. actorID is the
// system identity recorded on the ledger; it is required.
func (sw *Sweeper) SweepExpired(ctx context.Context, actorID string) (res SweepResult, err error) {
	ctx, span := sw.inst.start(ctx, "stock.SweepExpired")
	defer func() { finish(span, err) }()

	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return res, invalid("actorId", "system actor is not configured")
	}

	now := sw.now()
	candidates, err := sw.Store.ExpiredBatches(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list expired batches: %w", err)
	}

	var errs []error
	touched := make(map[string]struct{})
	for _, b := range candidates {
		units, expired, err := sw.expire(ctx, b, actorID, now)
		if err != nil {
			sw.Logger.Error("expire batch failed",
				zap.String("batch_id", b.ID),
				zap.String("medicine_id", b.MedicineID),
				zap.Error(err))
			errs = append(errs, err)
		}
		if !expired {
			continue
		}
		res.Count++
		res.TotalExpiredUnits += units
		res.Batches = append(res.Batches, b.ID)
		touched[b.MedicineID] = struct{}{}
	}

	for medicineID := range touched {
		sw.Cache.invalidateMedicine(ctx, medicineID)
	}
	if res.TotalExpiredUnits > 0 {
		sw.inst.moved(ctx, ActionExpired, res.TotalExpiredUnits)
	}
	span.SetAttributes(
		attribute.Int("batches.expired", res.Count),
		attribute.Int64("units.expired", res.TotalExpiredUnits))

	sw.Logger.Info("expiry sweep finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("expired", res.Count),
		zap.Int64("units", res.TotalExpiredUnits),
		zap.Int("errors", len(errs)))
	return res, errors.Join(errs...)
}

// expire writes off one batch. It reports the units written off and whether
// the batch was expired by this call.
func (sw *Sweeper) expire(ctx context.Context, b Batch, actorID string, now time.Time) (int64, bool, error) {
	current := b
	for range sw.attempts() {
		if !current.Active || current.Quantity <= 0 || !current.Expired(now) {
			return 0, false, nil
		}
		observed := current.Quantity

		swapped := false
		atomic, err := runAtomic(ctx, sw.Store, func(s Store) error {
			ok, err := s.ExpireBatch(ctx, current.ID, observed, actorID, now)
			if err != nil || !ok {
				return err
			}
			swapped = true
			_, err = sw.Ledger.Append(ctx, s, LedgerEntry{
				MedicineID: current.MedicineID,
				BatchID:    current.ID,
				Action:     ActionExpired,
				Quantity:   observed,
				UnitPrice:  current.UnitPrice,
				ActorID:    actorID,
				Note:       SweepNote,
				CreatedAt:  now,
			})
			return err
		})
		if err != nil {
			if atomic || !swapped {
				return 0, false, err
			}
			// The batch is gone but its EXPIRED entry is not.
			return observed, true, reportPartial(ctx, sw.Logger, sw.inst, &PartialAllocationError{
				MedicineID: current.MedicineID,
				Action:     ActionExpired,
				Requested:  observed,
				Applied: []Deduction{{
					BatchID:     current.ID,
					BatchNumber: current.BatchNumber,
					Quantity:    observed,
					UnitPrice:   current.UnitPrice,
					TotalCost:   Cost(current.UnitPrice, observed),
				}},
				Stage:   StageLedgerAppend,
				BatchID: current.ID,
				Cause:   err,
			})
		}
		if swapped {
			return observed, true, nil
		}

		fresh, err := sw.Store.GetBatch(ctx, current.ID)
		if err != nil {
			return 0, false, err
		}
		if fresh == nil {
			return 0, false, nil
		}
		current = *fresh
	}
	return 0, false, fmt.Errorf("expire batch %s: %w", b.ID, ErrConcurrentModification)
}
