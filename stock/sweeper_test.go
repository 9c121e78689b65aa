package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/medstock/stock"
	"github.com/warp/medstock/store/memory"
)

const systemActor = "system-sweeper"

func TestSweepExpired_WritesOffExpiredBatches(t *testing.T) {
	// GIVEN: One batch that expires tomorrow and one that lasts
	f := newTestInventory(t)
	soon := f.stockIn(t, "SOON", 12, day, "2.00")
	later := f.stockIn(t, "LATER", 5, 90*day, "2.00")

	// WHEN: Two days later the sweep runs
	f.advance(2 * day)
	res, err := f.inv.Sweeper().SweepExpired(context.Background(), systemActor)
	require.NoError(t, err)

	// THEN: Only SOON is retired, with one EXPIRED entry
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, int64(12), res.TotalExpiredUnits)
	assert.Equal(t, []string{soon.ID}, res.Batches)

	b, err := f.store.GetBatch(context.Background(), soon.ID)
	require.NoError(t, err)
	assert.False(t, b.Active)
	assert.Equal(t, int64(0), b.Quantity)
	assert.Equal(t, systemActor, b.UpdatedBy)
	assert.Equal(t, int64(5), f.batchQty(t, later.ID))

	expired := f.entries(t, stock.ActionExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(12), expired[0].Quantity)
	assert.Equal(t, stock.SweepNote, expired[0].Note)
	assert.Equal(t, systemActor, expired[0].ActorID)
	assert.True(t, expired[0].CreatedAt.Equal(t0.Add(2*day)), "sweeper stamps entries with the engine clock")
	f.assertRoundTrip(t)
}

func TestSweepExpired_Idempotent(t *testing.T) {
	f := newTestInventory(t)
	f.stockIn(t, "SOON", 12, day, "1")
	f.advance(2 * day)
	sw := f.inv.Sweeper()

	first, err := sw.SweepExpired(context.Background(), systemActor)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Count)

	second, err := sw.SweepExpired(context.Background(), systemActor)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Count)
	assert.Equal(t, int64(0), second.TotalExpiredUnits)
	assert.Len(t, f.entries(t, stock.ActionExpired), 1)
}

func TestSweepExpired_SkipsEmptyBatches(t *testing.T) {
	f := newTestInventory(t)
	b := f.stockIn(t, "SOON", 3, day, "1")
	_, err := f.inv.StockOut(context.Background(), stock.StockOutRequest{MedicineID: f.medicine.ID, Quantity: 3, ActorID: actor})
	require.NoError(t, err)

	f.advance(2 * day)
	res, err := f.inv.Sweeper().SweepExpired(context.Background(), systemActor)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Empty(t, f.entries(t, stock.ActionExpired))

	got, err := f.store.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, got.Active, "zero-quantity batches are left alone")
}

func TestSweepExpired_RequiresActor(t *testing.T) {
	f := newTestInventory(t)
	_, err := f.inv.Sweeper().SweepExpired(context.Background(), "  ")
	assert.ErrorIs(t, err, stock.ErrValidation)
}

// racingStore lets a stock-out slip in between the sweeper's read and its
// compare-and-swap, once. It is non-transactional so the sweeper calls it
// directly.
type racingStore struct {
	*memory.Memory
	raced bool
}

func (s *racingStore) ExpireBatch(ctx context.Context, id string, observed int64, actorID string, at time.Time) (bool, error) {
	if !s.raced {
		s.raced = true
		if err := s.Memory.UpdateBatchQuantity(ctx, id, observed, observed-2, "someone-else", at); err != nil {
			return false, err
		}
	}
	return s.Memory.ExpireBatch(ctx, id, observed, actorID, at)
}

func TestSweepExpired_RetriesLostRace(t *testing.T) {
	store := &racingStore{Memory: memory.NewMemory()}
	f := newFixture(t, store)
	b := f.stockIn(t, "SOON", 10, day, "1")
	f.advance(2 * day)

	res, err := f.inv.Sweeper().SweepExpired(context.Background(), systemActor)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Count)
	assert.Equal(t, int64(8), res.TotalExpiredUnits, "the sweeper writes off what is left after the race")
	got, err := f.store.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}
