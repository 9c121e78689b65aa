// Package storetest holds the behavioural contract every stock.Store
// implementation must satisfy. Store packages call Run from their tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/medstock/stock"
)

// Factory returns an empty store. Cleanup is the factory's business.
type Factory func(t *testing.T) stock.Store

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Medicines", func(t *testing.T) { testMedicines(t, newStore(t)) })
	t.Run("BatchCompareAndSwap", func(t *testing.T) { testBatchCAS(t, newStore(t)) })
	t.Run("ListBatches", func(t *testing.T) { testListBatches(t, newStore(t)) })
	t.Run("ExpireBatch", func(t *testing.T) { testExpire(t, newStore(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) {
		s := newStore(t)
		if _, ok := s.(stock.TxStore); !ok {
			t.Skip("store is not transactional")
		}
		testTransactions(t, s.(stock.TxStore))
	})
}

// Medicine inserts an active medicine and returns it.
func Medicine(t *testing.T, s stock.Store, name string) stock.Medicine {
	t.Helper()
	m := stock.Medicine{
		ID: uuid.NewString(), Name: name, Category: "General", MinStock: 10,
		Active: true, CreatedBy: "admin", CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.SaveMedicine(context.Background(), m))
	return m
}

// Batch inserts an active batch expiring expiresInDays after the base time.
func Batch(t *testing.T, s stock.Store, medicineID, number string, qty int64, expiresInDays int) stock.Batch {
	t.Helper()
	b := stock.Batch{
		ID: uuid.NewString(), MedicineID: medicineID, BatchNumber: number,
		ExpiresAt: base.AddDate(0, 0, expiresInDays), Quantity: qty,
		UnitPrice: decimal.RequireFromString("1.25"), Supplier: "Acme", Active: true,
		CreatedBy: "u", UpdatedBy: "u", CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.CreateBatch(context.Background(), b))
	return b
}

func testMedicines(t *testing.T, s stock.Store) {
	ctx := context.Background()
	m := Medicine(t, s, "Amoxicillin")

	got, err := s.GetMedicine(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Amoxicillin", got.Name)
	assert.True(t, got.Active)
	assert.Equal(t, int64(10), got.MinStock)

	missing, err := s.GetMedicine(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)

	dup := stock.Medicine{ID: uuid.NewString(), Name: " AMOXICILLIN", Category: "x", Active: true, CreatedAt: base, UpdatedAt: base}
	assert.ErrorIs(t, s.SaveMedicine(ctx, dup), stock.ErrDuplicateMedicine)

	inactive := stock.Medicine{ID: uuid.NewString(), Name: "Retired", Category: "x", CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.SaveMedicine(ctx, inactive))

	active, err := s.ListMedicines(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	all, err := s.ListMedicines(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testBatchCAS(t *testing.T, s stock.Store) {
	ctx := context.Background()
	m := Medicine(t, s, "Ibuprofen")
	b := Batch(t, s, m.ID, "BN-1", 10, 30)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.UnitPrice.Equal(b.UnitPrice))
	assert.True(t, got.ExpiresAt.Equal(b.ExpiresAt))

	found, err := s.FindActiveBatch(ctx, m.ID, "BN-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, b.ID, found.ID)

	none, err := s.FindActiveBatch(ctx, m.ID, "BN-2")
	require.NoError(t, err)
	assert.Nil(t, none)

	dup := b
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.CreateBatch(ctx, dup), stock.ErrDuplicateBatch)

	at := base.Add(time.Hour)
	require.NoError(t, s.UpdateBatchQuantity(ctx, b.ID, 10, 4, "pharmacist", at))
	err = s.UpdateBatchQuantity(ctx, b.ID, 10, 1, "pharmacist", at)
	assert.ErrorIs(t, err, stock.ErrConcurrentModification, "stale expected quantity must be rejected")

	got, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Quantity)
	assert.Equal(t, "pharmacist", got.UpdatedBy)
}

func testListBatches(t *testing.T, s stock.Store) {
	ctx := context.Background()
	m := Medicine(t, s, "Paracetamol")
	other := Medicine(t, s, "Cetirizine")
	late := Batch(t, s, m.ID, "LATE", 5, 90)
	early := Batch(t, s, m.ID, "EARLY", 5, 10)
	empty := Batch(t, s, m.ID, "EMPTY", 1, 20)
	require.NoError(t, s.UpdateBatchQuantity(ctx, empty.ID, 1, 0, "u", base))
	past := Batch(t, s, m.ID, "PAST", 5, -1)
	Batch(t, s, other.ID, "OTHER", 5, 5)

	all, err := s.ListBatches(ctx, stock.BatchFilter{MedicineID: m.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{past.ID, early.ID, empty.ID, late.ID}, ids(all), "ordered by expiry")

	asOf := base
	usable, err := s.ListBatches(ctx, stock.BatchFilter{MedicineID: m.ID, AsOf: &asOf, InStockOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID, late.ID}, ids(usable))

	everything, err := s.ListBatches(ctx, stock.BatchFilter{InStockOnly: true})
	require.NoError(t, err)
	assert.Len(t, everything, 4)
}

func testExpire(t *testing.T, s stock.Store) {
	ctx := context.Background()
	m := Medicine(t, s, "Insulin")
	expired := Batch(t, s, m.ID, "OLD", 7, -2)
	Batch(t, s, m.ID, "NEW", 7, 30)

	candidates, err := s.ExpiredBatches(ctx, base)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, expired.ID, candidates[0].ID)

	ok, err := s.ExpireBatch(ctx, expired.ID, 6, "system", base)
	require.NoError(t, err)
	assert.False(t, ok, "stale observed quantity must not expire")

	ok, err = s.ExpireBatch(ctx, expired.ID, 7, "system", base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ExpireBatch(ctx, expired.ID, 7, "system", base)
	require.NoError(t, err)
	assert.False(t, ok, "already expired")

	got, err := s.GetBatch(ctx, expired.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, int64(0), got.Quantity)

	candidates, err = s.ExpiredBatches(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	// An inactive batch frees its number for a new active batch.
	Batch(t, s, m.ID, "OLD", 3, 40)
}

func testLedger(t *testing.T, s stock.Store) {
	ctx := context.Background()
	m := Medicine(t, s, "Metformin")
	b := Batch(t, s, m.ID, "BN-1", 100, 60)
	l := stock.NewLedger(func() time.Time { return base })

	actions := []stock.Action{stock.ActionIn, stock.ActionOut, stock.ActionOut, stock.ActionAdjustment}
	for i, a := range actions {
		_, err := l.Append(ctx, s, stock.LedgerEntry{
			MedicineID: m.ID, BatchID: b.ID, Action: a, Quantity: int64(10 * (i + 1)),
			UnitPrice: decimal.RequireFromString("0.50"), ActorID: "u",
			CreatedAt: base.Add(time.Duration(i/2) * time.Minute),
		})
		require.NoError(t, err)
	}

	page, err := l.Entries(ctx, s, stock.LedgerFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Entries, 4)
	// Entries 2 and 3 share a timestamp; insertion order decides.
	assert.Equal(t, int64(40), page.Entries[0].Quantity)
	assert.Equal(t, int64(30), page.Entries[1].Quantity)
	assert.Equal(t, int64(20), page.Entries[2].Quantity)
	assert.Equal(t, int64(10), page.Entries[3].Quantity)
	assert.Equal(t, "Metformin", page.Entries[0].MedicineName)
	assert.Equal(t, "BN-1", page.Entries[0].BatchNumber)
	assert.True(t, page.Entries[0].TotalCost.Equal(decimal.RequireFromString("20")))

	outs, err := l.Entries(ctx, s, stock.LedgerFilter{Action: stock.ActionOut, Limit: 1, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, outs.Total)
	require.Len(t, outs.Entries, 1)
	assert.Equal(t, int64(20), outs.Entries[0].Quantity)

	from := base.Add(30 * time.Second)
	later, err := l.Entries(ctx, s, stock.LedgerFilter{From: &from})
	require.NoError(t, err)
	assert.Equal(t, 2, later.Total)
}

func testTransactions(t *testing.T, s stock.TxStore) {
	ctx := context.Background()
	m := Medicine(t, s, "Omeprazole")
	b := Batch(t, s, m.ID, "BN-1", 10, 60)
	l := stock.NewLedger(func() time.Time { return base })

	err := s.WithTx(ctx, func(tx stock.Store) error {
		if err := tx.UpdateBatchQuantity(ctx, b.ID, 10, 3, "u", base); err != nil {
			return err
		}
		if _, err := l.Append(ctx, tx, stock.LedgerEntry{MedicineID: m.ID, BatchID: b.ID, Action: stock.ActionOut, Quantity: 7, ActorID: "u"}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Quantity, "rolled back")
	_, total, err := s.QueryEntries(ctx, stock.LedgerFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	err = s.WithTx(ctx, func(tx stock.Store) error {
		return tx.UpdateBatchQuantity(ctx, b.ID, 10, 3, "u", base)
	})
	require.NoError(t, err)
	got, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Quantity, "committed")
}

func ids(batches []stock.Batch) []string {
	out := make([]string, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.ID)
	}
	return out
}
