/*
inventory_test.go - Behaviour of the allocation engine

Tests for:
- Stock-in: new batch, merge on matching price, price mismatch
- Stock-out: FEFO across batches, all-or-nothing, expired exclusion
- Mutual exclusion between concurrent stock-outs
- Saga partial failures vs. transactional rollback
- Adjustments and the ledger round trip
*/
package stock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/warp/medstock/cache"
	"github.com/warp/medstock/lock"
	"github.com/warp/medstock/stock"
	"github.com/warp/medstock/store/memory"
)

const actor = "user-pharmacist"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fixture wires an Inventory over a store with a controllable clock.
type fixture struct {
	store    stock.Store
	inv      *stock.Inventory
	medicine *stock.Medicine

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, store stock.Store, opts ...stock.Option) *fixture {
	t.Helper()
	f := &fixture{store: store, now: t0}
	locker := lock.NewManager(lock.NewLocalBackend(),
		lock.WithRetries(200), lock.WithRetryDelay(time.Millisecond))
	opts = append([]stock.Option{stock.WithClock(f.clock)}, opts...)
	f.inv = stock.NewInventory(store, locker, opts...)

	med, err := f.inv.RegisterMedicine(context.Background(), stock.NewMedicine{
		Name: "Amoxicillin 500mg", Category: "Antibiotic", ActorID: "admin",
	})
	require.NoError(t, err)
	f.medicine = med
	return f
}

func newTestInventory(t *testing.T) *fixture {
	return newFixture(t, memory.NewTxMemory())
}

func (f *fixture) stockIn(t *testing.T, number string, qty int64, expiresIn time.Duration, price string) *stock.Batch {
	t.Helper()
	b, err := f.inv.StockIn(context.Background(), stock.StockInRequest{
		MedicineID:  f.medicine.ID,
		BatchNumber: number,
		ExpiresAt:   f.clock().Add(expiresIn),
		Quantity:    qty,
		Supplier:    "Acme Pharma",
		UnitPrice:   decimal.RequireFromString(price),
		ActorID:     actor,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) batchQty(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b.Quantity
}

func (f *fixture) entries(t *testing.T, action stock.Action) []stock.LedgerView {
	t.Helper()
	page, err := f.inv.Entries(context.Background(), stock.LedgerFilter{Action: action, MedicineID: f.medicine.ID})
	require.NoError(t, err)
	return page.Entries
}

// assertRoundTrip checks the ledger replay against the batch table.
func (f *fixture) assertRoundTrip(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	level, err := f.inv.StockLevel(ctx, f.medicine.ID)
	require.NoError(t, err)

	batches, err := f.store.ListBatches(ctx, stock.BatchFilter{MedicineID: f.medicine.ID})
	require.NoError(t, err)
	var sum int64
	for _, b := range batches {
		sum += b.Quantity
	}
	assert.Equal(t, sum, level, "ledger replay must equal active batch quantities")
}

const day = 24 * time.Hour

// =============================================================================
// STOCK IN
// =============================================================================

func TestStockIn_CreatesBatchAndEntry(t *testing.T) {
	f := newTestInventory(t)

	b := f.stockIn(t, "BN-1", 100, 180*day, "1.25")

	assert.Equal(t, int64(100), b.Quantity)
	assert.True(t, b.Active)
	assert.Equal(t, actor, b.CreatedBy)

	in := f.entries(t, stock.ActionIn)
	require.Len(t, in, 1)
	assert.Equal(t, b.ID, in[0].BatchID)
	assert.Equal(t, int64(100), in[0].Quantity)
	assert.Equal(t, "Acme Pharma", in[0].Note)
	assert.True(t, in[0].TotalCost.Equal(decimal.RequireFromString("125")))
	assert.Equal(t, "BN-1", in[0].BatchNumber)
	assert.Equal(t, f.medicine.Name, in[0].MedicineName)
	f.assertRoundTrip(t)
}

func TestStockIn_MergesMatchingPrice(t *testing.T) {
	f := newTestInventory(t)
	first := f.stockIn(t, "BN-1", 40, 180*day, "2.50")

	// Same batch number, same price written differently.
	second := f.stockIn(t, "BN-1", 10, 180*day, "2.5")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(50), f.batchQty(t, first.ID))
	assert.Len(t, f.entries(t, stock.ActionIn), 2)
	f.assertRoundTrip(t)
}

func TestStockIn_PriceMismatch(t *testing.T) {
	f := newTestInventory(t)
	b := f.stockIn(t, "BN-1", 40, 180*day, "2.50")

	_, err := f.inv.StockIn(context.Background(), stock.StockInRequest{
		MedicineID: f.medicine.ID, BatchNumber: "BN-1", ExpiresAt: t0.Add(180 * day),
		Quantity: 5, Supplier: "Acme Pharma", UnitPrice: decimal.RequireFromString("2.75"), ActorID: actor,
	})

	var mismatch *stock.PriceMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.True(t, mismatch.Existing.Equal(decimal.RequireFromString("2.50")))
	assert.Equal(t, int64(40), f.batchQty(t, b.ID), "rejected stock-in must not change the batch")
	assert.Len(t, f.entries(t, stock.ActionIn), 1)
}

func TestStockIn_Validation(t *testing.T) {
	f := newTestInventory(t)
	valid := stock.StockInRequest{
		MedicineID: f.medicine.ID, BatchNumber: "BN-1", ExpiresAt: t0.Add(day),
		Quantity: 1, Supplier: "Acme", UnitPrice: decimal.NewFromInt(1), ActorID: actor,
	}

	cases := map[string]func(r *stock.StockInRequest){
		"past expiry":     func(r *stock.StockInRequest) { r.ExpiresAt = t0.Add(-time.Minute) },
		"expiry now":      func(r *stock.StockInRequest) { r.ExpiresAt = t0 },
		"zero quantity":   func(r *stock.StockInRequest) { r.Quantity = 0 },
		"zero price":      func(r *stock.StockInRequest) { r.UnitPrice = decimal.Zero },
		"blank batch":     func(r *stock.StockInRequest) { r.BatchNumber = "  " },
		"blank supplier":  func(r *stock.StockInRequest) { r.Supplier = "" },
		"malformed id":    func(r *stock.StockInRequest) { r.MedicineID = "not-a-uuid" },
		"missing actor":   func(r *stock.StockInRequest) { r.ActorID = "" },
		"missing expiry":  func(r *stock.StockInRequest) { r.ExpiresAt = time.Time{} },
		"negative amount": func(r *stock.StockInRequest) { r.Quantity = -3 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid
			mutate(&req)
			_, err := f.inv.StockIn(context.Background(), req)
			assert.ErrorIs(t, err, stock.ErrValidation)
		})
	}
}

func TestStockIn_UnknownMedicine(t *testing.T) {
	f := newTestInventory(t)
	_, err := f.inv.StockIn(context.Background(), stock.StockInRequest{
		MedicineID: "6f1c7a52-8d0e-4a4c-9a53-0b8f0f4f2c11", BatchNumber: "BN-1", ExpiresAt: t0.Add(day),
		Quantity: 1, Supplier: "Acme", UnitPrice: decimal.NewFromInt(1), ActorID: actor,
	})
	assert.True(t, stock.IsNotFound(err))
}

// =============================================================================
// STOCK OUT
// =============================================================================

func TestStockOut_FEFOAcrossBatches(t *testing.T) {
	// GIVEN: Two batches, the later one received first
	f := newTestInventory(t)
	late := f.stockIn(t, "LATE", 10, 60*day, "3.00")
	early := f.stockIn(t, "EARLY", 5, 10*day, "2.00")

	// WHEN: Issuing 8 units
	res, err := f.inv.StockOut(context.Background(), stock.StockOutRequest{
		MedicineID: f.medicine.ID, Quantity: 8, ActorID: actor,
	})
	require.NoError(t, err)

	// THEN: EARLY is emptied first, LATE covers the remaining 3
	require.Len(t, res.Deductions, 2)
	assert.Equal(t, early.ID, res.Deductions[0].BatchID)
	assert.Equal(t, int64(5), res.Deductions[0].Quantity)
	assert.Equal(t, late.ID, res.Deductions[1].BatchID)
	assert.Equal(t, int64(3), res.Deductions[1].Quantity)
	assert.True(t, res.TotalCost().Equal(decimal.RequireFromString("19")))

	assert.Equal(t, int64(0), f.batchQty(t, early.ID))
	assert.Equal(t, int64(7), f.batchQty(t, late.ID))

	out := f.entries(t, stock.ActionOut)
	require.Len(t, out, 2)
	for _, e := range out {
		assert.Equal(t, "Stock issued", e.Note)
		assert.Equal(t, actor, e.ActorID)
	}
	f.assertRoundTrip(t)
}

func TestStockOut_InsufficientWritesNothing(t *testing.T) {
	f := newTestInventory(t)
	b := f.stockIn(t, "BN-1", 4, 30*day, "1")

	_, err := f.inv.StockOut(context.Background(), stock.StockOutRequest{
		MedicineID: f.medicine.ID, Quantity: 5, ActorID: actor,
	})

	var short *stock.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(4), short.Available)
	assert.Equal(t, int64(5), short.Requested)
	assert.Equal(t, int64(4), f.batchQty(t, b.ID))
	assert.Empty(t, f.entries(t, stock.ActionOut))
}

func TestStockOut_IgnoresExpiredBatches(t *testing.T) {
	// GIVEN: A batch that expires tomorrow and one good for months
	f := newTestInventory(t)
	f.stockIn(t, "SOON", 50, day, "1")
	f.stockIn(t, "LATER", 3, 90*day, "1")

	// WHEN: Two days pass without a sweep
	f.advance(2 * day)

	// THEN: Only the unexpired batch counts
	_, err := f.inv.StockOut(context.Background(), stock.StockOutRequest{
		MedicineID: f.medicine.ID, Quantity: 4, ActorID: actor,
	})
	var short *stock.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(3), short.Available)
}

func TestStockOut_Validation(t *testing.T) {
	f := newTestInventory(t)
	_, err := f.inv.StockOut(context.Background(), stock.StockOutRequest{MedicineID: f.medicine.ID, Quantity: 0, ActorID: actor})
	assert.ErrorIs(t, err, stock.ErrValidation)

	_, err = f.inv.StockOut(context.Background(), stock.StockOutRequest{MedicineID: "", Quantity: 1, ActorID: actor})
	assert.ErrorIs(t, err, stock.ErrValidation)
}

func TestStockOut_ConcurrentRequestsAreSerialized(t *testing.T) {
	// GIVEN: 10 units and two pharmacists each asking for 7
	f := newTestInventory(t)
	f.stockIn(t, "A", 4, 30*day, "1")
	f.stockIn(t, "B", 6, 60*day, "1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.inv.StockOut(context.Background(), stock.StockOutRequest{
				MedicineID: f.medicine.ID, Quantity: 7, ActorID: actor,
			})
		}()
	}
	wg.Wait()

	// THEN: Exactly one succeeds; the other sees what is left
	var ok, short int
	for _, err := range errs {
		var se *stock.InsufficientStockError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &se):
			short++
			assert.Equal(t, int64(3), se.Available)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	f.assertRoundTrip(t)
}

// busyLocker never grants the lock.
type busyLocker struct{}

func (busyLocker) WithLock(_ context.Context, key string, _ time.Duration, _ func(context.Context) error) error {
	return &stock.LockUnavailableError{Key: key, Attempts: 4}
}

func TestStockOut_LockUnavailable(t *testing.T) {
	f := newTestInventory(t)
	b := f.stockIn(t, "A", 10, 30*day, "1")
	f.inv.Locker = busyLocker{}

	_, err := f.inv.StockOut(context.Background(), stock.StockOutRequest{
		MedicineID: f.medicine.ID, Quantity: 1, ActorID: actor,
	})
	assert.ErrorIs(t, err, stock.ErrLockUnavailable)
	assert.True(t, stock.IsRetryable(err))
	assert.Equal(t, int64(10), f.batchQty(t, b.ID))
}

// =============================================================================
// PARTIAL FAILURES
// =============================================================================

// flakyLedger is a non-transactional store whose ledger writes are scripted.
type flakyLedger struct {
	*memory.Memory
	mock.Mock
}

func (s *flakyLedger) AppendEntry(ctx context.Context, e stock.LedgerEntry) error {
	if err := s.Called(e.Action).Error(0); err != nil {
		return err
	}
	return s.Memory.AppendEntry(ctx, e)
}

func TestStockOut_SagaReportsPartialAllocation(t *testing.T) {
	// GIVEN: A non-transactional store whose second OUT append fails
	store := &flakyLedger{Memory: memory.NewMemory()}
	store.On("AppendEntry", stock.ActionIn).Return(nil)
	store.On("AppendEntry", stock.ActionOut).Return(nil).Once()
	store.On("AppendEntry", stock.ActionOut).Return(errors.New("ledger offline")).Once()

	f := newFixture(t, store)
	a := f.stockIn(t, "A", 5, 10*day, "1")
	b := f.stockIn(t, "B", 10, 20*day, "1")

	// WHEN: Issuing across both batches
	_, err := f.inv.StockOut(context.Background(), stock.StockOutRequest{
		MedicineID: f.medicine.ID, Quantity: 8, ActorID: actor,
	})

	// THEN: The failure names what was applied and is not retryable
	var pe *stock.PartialAllocationError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, stock.StageLedgerAppend, pe.Stage)
	assert.Equal(t, b.ID, pe.BatchID)
	require.Len(t, pe.Applied, 2)
	assert.Equal(t, int64(5), pe.Applied[0].Quantity)
	assert.Equal(t, int64(3), pe.Applied[1].Quantity)
	assert.False(t, stock.IsRetryable(err))

	// Both batch writes happened; only one OUT entry exists.
	assert.Equal(t, int64(0), f.batchQty(t, a.ID))
	assert.Equal(t, int64(7), f.batchQty(t, b.ID))
	assert.Len(t, f.entries(t, stock.ActionOut), 1)
	store.AssertExpectations(t)
}

func TestStockOut_PartialAllocationInvalidatesCache(t *testing.T) {
	// GIVEN: A cached batch list over a store whose second OUT append fails
	store := &flakyLedger{Memory: memory.NewMemory()}
	store.On("AppendEntry", stock.ActionIn).Return(nil)
	store.On("AppendEntry", stock.ActionOut).Return(nil).Once()
	store.On("AppendEntry", stock.ActionOut).Return(errors.New("ledger offline")).Once()

	rc := stock.NewResultCache(cache.NewMemory(), time.Minute, nil)
	f := newFixture(t, store, stock.WithCache(rc))
	f.stockIn(t, "A", 5, 10*day, "1")
	b := f.stockIn(t, "B", 10, 20*day, "1")
	ctx := context.Background()

	cached, err := f.inv.ListActiveBatches(ctx, f.medicine.ID)
	require.NoError(t, err)
	require.Len(t, cached, 2)

	// WHEN: The stock-out fails halfway
	_, err = f.inv.StockOut(ctx, stock.StockOutRequest{
		MedicineID: f.medicine.ID, Quantity: 8, ActorID: actor,
	})
	require.ErrorIs(t, err, stock.ErrPartialAllocation)

	// THEN: The next read reflects the batches that were written
	after, err := f.inv.ListActiveBatches(ctx, f.medicine.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, b.ID, after[0].ID)
	assert.Equal(t, int64(7), after[0].Quantity)
}

// failingTx runs a TxMemory transaction but fails the nth ledger append in it.
type failingTx struct {
	*memory.TxMemory
	failOn int
}

func (s *failingTx) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(tx stock.Store) error {
		return fn(&countingView{Store: tx, failOn: s.failOn})
	})
}

type countingView struct {
	stock.Store
	calls  int
	failOn int
}

func (v *countingView) AppendEntry(ctx context.Context, e stock.LedgerEntry) error {
	v.calls++
	if v.calls == v.failOn {
		return errors.New("ledger offline")
	}
	return v.Store.AppendEntry(ctx, e)
}

func TestStockOut_TransactionRollsBack(t *testing.T) {
	store := &failingTx{TxMemory: memory.NewTxMemory()}
	f := newFixture(t, store)
	a := f.stockIn(t, "A", 5, 10*day, "1")
	b := f.stockIn(t, "B", 10, 20*day, "1")

	store.failOn = 2
	_, err := f.inv.StockOut(context.Background(), stock.StockOutRequest{
		MedicineID: f.medicine.ID, Quantity: 8, ActorID: actor,
	})

	require.Error(t, err)
	assert.NotErrorIs(t, err, stock.ErrPartialAllocation)
	assert.Equal(t, int64(5), f.batchQty(t, a.ID))
	assert.Equal(t, int64(10), f.batchQty(t, b.ID))
	assert.Empty(t, f.entries(t, stock.ActionOut))
	f.assertRoundTrip(t)
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestAdjust_CompensatesAndKeepsRoundTrip(t *testing.T) {
	f := newTestInventory(t)
	b := f.stockIn(t, "A", 20, 30*day, "1.10")
	ctx := context.Background()

	_, err := f.inv.StockOut(ctx, stock.StockOutRequest{MedicineID: f.medicine.ID, Quantity: 6, ActorID: actor})
	require.NoError(t, err)

	// Correct an over-issue of 2 units.
	e, err := f.inv.Adjust(ctx, stock.AdjustRequest{BatchID: b.ID, Quantity: 2, Note: "returned to shelf", ActorID: "admin"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Delta())
	assert.Equal(t, int64(16), f.batchQty(t, b.ID))

	e, err = f.inv.Adjust(ctx, stock.AdjustRequest{BatchID: b.ID, Quantity: 1, Reduce: true, Note: "damaged", ActorID: "admin"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), e.Delta())
	assert.Equal(t, int64(15), f.batchQty(t, b.ID))

	assert.Len(t, f.entries(t, stock.ActionAdjustment), 2)
	f.assertRoundTrip(t)
}

func TestAdjust_NeverBelowZero(t *testing.T) {
	f := newTestInventory(t)
	b := f.stockIn(t, "A", 3, 30*day, "1")

	_, err := f.inv.Adjust(context.Background(), stock.AdjustRequest{BatchID: b.ID, Quantity: 4, Reduce: true, Note: "count", ActorID: "admin"})
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)
	assert.Equal(t, int64(3), f.batchQty(t, b.ID))
}

func TestAdjust_RequiresNoteAndBatch(t *testing.T) {
	f := newTestInventory(t)
	b := f.stockIn(t, "A", 3, 30*day, "1")
	ctx := context.Background()

	_, err := f.inv.Adjust(ctx, stock.AdjustRequest{BatchID: b.ID, Quantity: 1, ActorID: "admin"})
	assert.ErrorIs(t, err, stock.ErrValidation)

	_, err = f.inv.Adjust(ctx, stock.AdjustRequest{BatchID: "missing", Quantity: 1, Note: "x", ActorID: "admin"})
	assert.True(t, stock.IsNotFound(err))
}

// =============================================================================
// CACHE INVALIDATION
// =============================================================================

func TestStockOut_InvalidatesCachedViews(t *testing.T) {
	rc := stock.NewResultCache(cache.NewMemory(), time.Minute, nil)
	f := newFixture(t, memory.NewTxMemory(), stock.WithCache(rc))
	f.stockIn(t, "A", 10, 30*day, "1")
	ctx := context.Background()

	before, err := f.inv.ListActiveBatches(ctx, f.medicine.ID)
	require.NoError(t, err)
	require.Len(t, before, 1)
	dash, err := f.inv.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), dash.UnitsInStock)

	_, err = f.inv.StockOut(ctx, stock.StockOutRequest{MedicineID: f.medicine.ID, Quantity: 10, ActorID: actor})
	require.NoError(t, err)

	after, err := f.inv.ListActiveBatches(ctx, f.medicine.ID)
	require.NoError(t, err)
	assert.Empty(t, after, "emptied batch must drop out of the cached list")
	dash, err = f.inv.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dash.UnitsInStock)
}

// =============================================================================
// QUANTITY BOUNDS
// =============================================================================

func TestStockIn_RejectsQuantityOverBatchLimit(t *testing.T) {
	f := newTestInventory(t)
	ctx := context.Background()
	req := stock.StockInRequest{
		MedicineID:  f.medicine.ID,
		BatchNumber: "BIG",
		ExpiresAt:   t0.Add(30 * day),
		Quantity:    stock.MaxBatchQuantity + 1,
		Supplier:    "Acme",
		UnitPrice:   decimal.RequireFromString("1"),
		ActorID:     actor,
	}

	_, err := f.inv.StockIn(ctx, req)
	assert.ErrorIs(t, err, stock.ErrValidation)

	// GIVEN: A batch already at the limit
	req.Quantity = stock.MaxBatchQuantity
	b, err := f.inv.StockIn(ctx, req)
	require.NoError(t, err)

	// WHEN: Topping it up by one unit
	req.Quantity = 1
	_, err = f.inv.StockIn(ctx, req)

	// THEN: The merge is refused and nothing changes
	assert.ErrorIs(t, err, stock.ErrValidation)
	assert.Equal(t, stock.MaxBatchQuantity, f.batchQty(t, b.ID))
	assert.Len(t, f.entries(t, stock.ActionIn), 1)

	_, err = f.inv.Adjust(ctx, stock.AdjustRequest{BatchID: b.ID, Quantity: 1, Note: "recount", ActorID: "admin"})
	assert.ErrorIs(t, err, stock.ErrValidation)
}
