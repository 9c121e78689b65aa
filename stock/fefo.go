package stock

import (
	"math"
	"sort"
	"time"
)

// Plan is the outcome of a FEFO allocation before anything is written.
type Plan struct {
	Requested  int64
	Available  int64
	Deductions []Deduction
	// batches mirrors Deductions with the batch state the plan was built on,
	// so the writer can compare-and-swap against it.
	batches []Batch
}

// PlanFEFO selects the usable batches at instant `at`, orders them by
// ascending expiry (earliest first) and greedily takes
// min(remaining, batch quantity) from each until the request is met.
//
// If the usable total is below the request it returns an
// *InsufficientStockError and no deductions: allocation is all or nothing.
func PlanFEFO(medicineID string, batches []Batch, requested int64, at time.Time) (Plan, error) {
	if requested <= 0 {
		return Plan{}, invalid("quantity", "must be greater than 0")
	}

	usable := make([]Batch, 0, len(batches))
	var available int64
	for _, b := range batches {
		if b.MedicineID != medicineID || !b.Usable(at) {
			continue
		}
		usable = append(usable, b)
		if available > math.MaxInt64-b.Quantity {
			available = math.MaxInt64
		} else {
			available += b.Quantity
		}
	}

	if requested > available {
		return Plan{Requested: requested, Available: available}, &InsufficientStockError{
			MedicineID: medicineID,
			Available:  available,
			Requested:  requested,
		}
	}

	sort.SliceStable(usable, func(i, j int) bool {
		if !usable[i].ExpiresAt.Equal(usable[j].ExpiresAt) {
			return usable[i].ExpiresAt.Before(usable[j].ExpiresAt)
		}
		if !usable[i].CreatedAt.Equal(usable[j].CreatedAt) {
			return usable[i].CreatedAt.Before(usable[j].CreatedAt)
		}
		return usable[i].ID < usable[j].ID
	})

	plan := Plan{Requested: requested, Available: available}
	remaining := requested
	for _, b := range usable {
		if remaining == 0 {
			break
		}
		take := min(remaining, b.Quantity)
		plan.Deductions = append(plan.Deductions, Deduction{
			BatchID:     b.ID,
			BatchNumber: b.BatchNumber,
			Quantity:    take,
			UnitPrice:   b.UnitPrice,
			TotalCost:   Cost(b.UnitPrice, take),
		})
		plan.batches = append(plan.batches, b)
		remaining -= take
	}
	return plan, nil
}
