// Package memory provides in-memory stock.Store implementations for tests
// and single-process development.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/medstock/stock"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is safe for concurrent use. It has no transactions: callers that
// need atomic multi-record writes use TxMemory.
type Memory struct {
	mu        sync.RWMutex
	medicines map[string]stock.Medicine
	batches   map[string]stock.Batch
	entries   []stock.LedgerEntry
	seq       int64
}

func NewMemory() *Memory {
	return &Memory{
		medicines: make(map[string]stock.Medicine),
		batches:   make(map[string]stock.Batch),
	}
}

func (m *Memory) GetMedicine(_ context.Context, id string) (*stock.Medicine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMedicineLocked(id), nil
}

func (m *Memory) SaveMedicine(_ context.Context, med stock.Medicine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveMedicineLocked(med)
}

func (m *Memory) ListMedicines(_ context.Context, activeOnly bool) ([]stock.Medicine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listMedicinesLocked(activeOnly), nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*stock.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBatchLocked(id), nil
}

func (m *Memory) FindActiveBatch(_ context.Context, medicineID, batchNumber string) (*stock.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findActiveBatchLocked(medicineID, batchNumber), nil
}

func (m *Memory) CreateBatch(_ context.Context, b stock.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBatchLocked(b)
}

func (m *Memory) ListBatches(_ context.Context, filter stock.BatchFilter) ([]stock.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBatchesLocked(filter), nil
}

func (m *Memory) UpdateBatchQuantity(_ context.Context, id string, from, to int64, actorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateQuantityLocked(id, from, to, actorID, at)
}

func (m *Memory) ExpiredBatches(_ context.Context, asOf time.Time) ([]stock.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiredBatchesLocked(asOf), nil
}

func (m *Memory) ExpireBatch(_ context.Context, id string, observed int64, actorID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireBatchLocked(id, observed, actorID, at), nil
}

// AppendEntry adds a single ledger entry. Append-only.
func (m *Memory) AppendEntry(_ context.Context, e stock.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) QueryEntries(_ context.Context, filter stock.LedgerFilter) ([]stock.LedgerView, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views, total := m.queryLocked(filter)
	return views, total, nil
}

// =============================================================================
// LOCKED HELPERS (caller holds mu)
// =============================================================================

func (m *Memory) getMedicineLocked(id string) *stock.Medicine {
	med, ok := m.medicines[id]
	if !ok {
		return nil
	}
	return &med
}

func (m *Memory) saveMedicineLocked(med stock.Medicine) error {
	name := stock.NormalizeName(med.Name)
	for id, other := range m.medicines {
		if id != med.ID && stock.NormalizeName(other.Name) == name {
			return fmt.Errorf("save medicine %q: %w", med.Name, stock.ErrDuplicateMedicine)
		}
	}
	m.medicines[med.ID] = med
	return nil
}

func (m *Memory) listMedicinesLocked(activeOnly bool) []stock.Medicine {
	result := make([]stock.Medicine, 0, len(m.medicines))
	for _, med := range m.medicines {
		if activeOnly && !med.Active {
			continue
		}
		result = append(result, med)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (m *Memory) getBatchLocked(id string) *stock.Batch {
	b, ok := m.batches[id]
	if !ok {
		return nil
	}
	return &b
}

func (m *Memory) findActiveBatchLocked(medicineID, batchNumber string) *stock.Batch {
	for _, b := range m.batches {
		if b.Active && b.MedicineID == medicineID && b.BatchNumber == batchNumber {
			return &b
		}
	}
	return nil
}

func (m *Memory) createBatchLocked(b stock.Batch) error {
	if _, exists := m.batches[b.ID]; exists {
		return fmt.Errorf("create batch %s: %w", b.ID, stock.ErrDuplicateBatch)
	}
	if b.Active && m.findActiveBatchLocked(b.MedicineID, b.BatchNumber) != nil {
		return fmt.Errorf("create batch %s: %w", b.BatchNumber, stock.ErrDuplicateBatch)
	}
	m.batches[b.ID] = b
	return nil
}

func (m *Memory) listBatchesLocked(filter stock.BatchFilter) []stock.Batch {
	result := []stock.Batch{}
	for _, b := range m.batches {
		switch {
		case !b.Active:
			continue
		case filter.MedicineID != "" && b.MedicineID != filter.MedicineID:
			continue
		case filter.InStockOnly && b.Quantity <= 0:
			continue
		case filter.AsOf != nil && !b.ExpiresAt.After(*filter.AsOf):
			continue
		}
		result = append(result, b)
	}
	sortByExpiry(result)
	return result
}

func (m *Memory) updateQuantityLocked(id string, from, to int64, actorID string, at time.Time) error {
	if to < 0 {
		return fmt.Errorf("update batch %s: quantity %d: %w", id, to, stock.ErrValidation)
	}
	b, ok := m.batches[id]
	if !ok || !b.Active || b.Quantity != from {
		return fmt.Errorf("update batch %s: %w", id, stock.ErrConcurrentModification)
	}
	b.Quantity = to
	b.UpdatedBy = actorID
	b.UpdatedAt = at
	m.batches[id] = b
	return nil
}

func (m *Memory) expiredBatchesLocked(asOf time.Time) []stock.Batch {
	result := []stock.Batch{}
	for _, b := range m.batches {
		if b.Active && b.Quantity > 0 && b.Expired(asOf) {
			result = append(result, b)
		}
	}
	sortByExpiry(result)
	return result
}

func (m *Memory) expireBatchLocked(id string, observed int64, actorID string, at time.Time) bool {
	b, ok := m.batches[id]
	if !ok || !b.Active || observed <= 0 || b.Quantity != observed {
		return false
	}
	b.Quantity = 0
	b.Active = false
	b.UpdatedBy = actorID
	b.UpdatedAt = at
	m.batches[id] = b
	return true
}

func (m *Memory) appendLocked(e stock.LedgerEntry) error {
	for _, existing := range m.entries {
		if existing.ID == e.ID {
			return fmt.Errorf("append entry %s: duplicate id", e.ID)
		}
	}
	m.seq++
	e.Seq = m.seq
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) queryLocked(filter stock.LedgerFilter) ([]stock.LedgerView, int) {
	matched := make([]stock.LedgerEntry, 0)
	for _, e := range m.entries {
		switch {
		case filter.Action != "" && e.Action != filter.Action:
			continue
		case filter.MedicineID != "" && e.MedicineID != filter.MedicineID:
			continue
		case filter.From != nil && e.CreatedAt.Before(*filter.From):
			continue
		case filter.To != nil && e.CreatedAt.After(*filter.To):
			continue
		}
		matched = append(matched, e)
	}

	// Newest first; seq breaks ties between entries written in the same instant.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Seq > matched[j].Seq
	})

	total := len(matched)
	start := min(filter.Offset(), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	views := make([]stock.LedgerView, 0, end-start)
	for _, e := range matched[start:end] {
		v := stock.LedgerView{LedgerEntry: e}
		if med, ok := m.medicines[e.MedicineID]; ok {
			v.MedicineName = med.Name
			v.MedicineCategory = med.Category
		}
		if b, ok := m.batches[e.BatchID]; ok {
			v.BatchNumber = b.BatchNumber
			v.BatchExpiresAt = b.ExpiresAt
		}
		views = append(views, v)
	}
	return views, total
}

func sortByExpiry(batches []stock.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].ExpiresAt.Equal(batches[j].ExpiresAt) {
			return batches[i].ExpiresAt.Before(batches[j].ExpiresAt)
		}
		if !batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].CreatedAt.Before(batches[j].CreatedAt)
		}
		return batches[i].ID < batches[j].ID
	})
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Other callers block until fn returns.
func (tm *TxMemory) WithTx(_ context.Context, fn func(stock.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	medicines map[string]stock.Medicine
	batches   map[string]stock.Batch
	entries   []stock.LedgerEntry
	seq       int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	return memorySnapshot{
		medicines: maps.Clone(tm.medicines),
		batches:   maps.Clone(tm.batches),
		entries:   slices.Clone(tm.entries),
		seq:       tm.seq,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.medicines = s.medicines
	tm.batches = s.batches
	tm.entries = s.entries
	tm.seq = s.seq
}

// txMemoryView runs against the parent's state while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetMedicine(_ context.Context, id string) (*stock.Medicine, error) {
	return tv.parent.getMedicineLocked(id), nil
}

func (tv *txMemoryView) SaveMedicine(_ context.Context, med stock.Medicine) error {
	return tv.parent.saveMedicineLocked(med)
}

func (tv *txMemoryView) ListMedicines(_ context.Context, activeOnly bool) ([]stock.Medicine, error) {
	return tv.parent.listMedicinesLocked(activeOnly), nil
}

func (tv *txMemoryView) GetBatch(_ context.Context, id string) (*stock.Batch, error) {
	return tv.parent.getBatchLocked(id), nil
}

func (tv *txMemoryView) FindActiveBatch(_ context.Context, medicineID, batchNumber string) (*stock.Batch, error) {
	return tv.parent.findActiveBatchLocked(medicineID, batchNumber), nil
}

func (tv *txMemoryView) CreateBatch(_ context.Context, b stock.Batch) error {
	return tv.parent.createBatchLocked(b)
}

func (tv *txMemoryView) ListBatches(_ context.Context, filter stock.BatchFilter) ([]stock.Batch, error) {
	return tv.parent.listBatchesLocked(filter), nil
}

func (tv *txMemoryView) UpdateBatchQuantity(_ context.Context, id string, from, to int64, actorID string, at time.Time) error {
	return tv.parent.updateQuantityLocked(id, from, to, actorID, at)
}

func (tv *txMemoryView) ExpiredBatches(_ context.Context, asOf time.Time) ([]stock.Batch, error) {
	return tv.parent.expiredBatchesLocked(asOf), nil
}

func (tv *txMemoryView) ExpireBatch(_ context.Context, id string, observed int64, actorID string, at time.Time) (bool, error) {
	return tv.parent.expireBatchLocked(id, observed, actorID, at), nil
}

func (tv *txMemoryView) AppendEntry(_ context.Context, e stock.LedgerEntry) error {
	return tv.parent.appendLocked(e)
}

func (tv *txMemoryView) QueryEntries(_ context.Context, filter stock.LedgerFilter) ([]stock.LedgerView, int, error) {
	views, total := tv.parent.queryLocked(filter)
	return views, total, nil
}

var (
	_ stock.Store   = (*Memory)(nil)
	_ stock.TxStore = (*TxMemory)(nil)
	_ stock.Store   = (*txMemoryView)(nil)
)
