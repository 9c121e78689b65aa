package stock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultAlertWindow = 30 * 24 * time.Hour
	DefaultMinStock    = 10

	recentEntriesLimit = 10
)

// =============================================================================
// CATALOGUE
// =============================================================================

// NewMedicine is the catalogue input for RegisterMedicine.
type NewMedicine struct {
	Name        string
	Category    string
	Description string
	MinStock    *int64
	ActorID     string
}

// RegisterMedicine adds a medicine to the catalogue. Names are unique
// case-insensitively.
func (inv *Inventory) RegisterMedicine(ctx context.Context, in NewMedicine) (*Medicine, error) {
	name := strings.TrimSpace(in.Name)
	category := strings.TrimSpace(in.Category)
	switch {
	case name == "":
		return nil, invalid("name", "is required")
	case category == "":
		return nil, invalid("category", "is required")
	case strings.TrimSpace(in.ActorID) == "":
		return nil, invalid("actorId", "is required")
	case in.MinStock != nil && *in.MinStock < 0:
		return nil, invalid("minStock", "must not be negative")
	}

	minStock := int64(DefaultMinStock)
	if in.MinStock != nil {
		minStock = *in.MinStock
	}
	now := inv.now()
	m := Medicine{
		ID:          uuid.NewString(),
		Name:        name,
		Category:    category,
		Description: strings.TrimSpace(in.Description),
		MinStock:    minStock,
		Active:      true,
		CreatedBy:   strings.TrimSpace(in.ActorID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := inv.Store.SaveMedicine(ctx, m); err != nil {
		return nil, err
	}
	inv.Cache.Invalidate(ctx, CacheKeyActiveMedicines)
	inv.Cache.InvalidatePattern(ctx, "dashboard:*")
	return &m, nil
}

func (inv *Inventory) Medicine(ctx context.Context, id string) (*Medicine, error) {
	if err := validateMedicineID(id); err != nil {
		return nil, err
	}
	m, err := inv.Store.GetMedicine(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &NotFoundError{Kind: "medicine", ID: id}
	}
	return m, nil
}

// ActiveMedicines lists the active catalogue, sorted by name.
func (inv *Inventory) ActiveMedicines(ctx context.Context) ([]Medicine, error) {
	var cached []Medicine
	if inv.Cache.Load(ctx, CacheKeyActiveMedicines, &cached) {
		return cached, nil
	}
	meds, err := inv.Store.ListMedicines(ctx, true)
	if err != nil {
		return nil, err
	}
	if meds == nil {
		meds = []Medicine{}
	}
	sort.Slice(meds, func(i, j int) bool { return NormalizeName(meds[i].Name) < NormalizeName(meds[j].Name) })
	inv.Cache.Save(ctx, CacheKeyActiveMedicines, meds, 0)
	return meds, nil
}

// =============================================================================
// BATCH LISTS
// =============================================================================

// ListActiveBatches returns in-stock active batches ordered by expiry.
// With an empty medicineID every medicine is listed; otherwise the listing
// is scoped to one existing medicine and also excludes expired batches.
func (inv *Inventory) ListActiveBatches(ctx context.Context, medicineID string) ([]Batch, error) {
	medicineID = strings.TrimSpace(medicineID)

	key := CacheKeyAllBatches
	filter := BatchFilter{InStockOnly: true}
	if medicineID != "" {
		if _, err := inv.Medicine(ctx, medicineID); err != nil {
			return nil, err
		}
		now := inv.now()
		key = CacheKeyMedicineBatches(medicineID)
		filter = BatchFilter{MedicineID: medicineID, AsOf: &now, InStockOnly: true}
	}

	var cached []Batch
	if inv.Cache.Load(ctx, key, &cached) {
		return cached, nil
	}
	batches, err := inv.Store.ListBatches(ctx, filter)
	if err != nil {
		return nil, err
	}
	if batches == nil {
		batches = []Batch{}
	}
	inv.Cache.Save(ctx, key, batches, 0)
	return batches, nil
}

// =============================================================================
// LEDGER
// =============================================================================

// Entries queries the ledger newest-first.
func (inv *Inventory) Entries(ctx context.Context, filter LedgerFilter) (LedgerPage, error) {
	return inv.Ledger.Entries(ctx, inv.Store, filter)
}

// StockLevel replays the ledger for one medicine.
func (inv *Inventory) StockLevel(ctx context.Context, medicineID string) (int64, error) {
	if err := validateMedicineID(medicineID); err != nil {
		return 0, err
	}
	return inv.Ledger.StockLevel(ctx, inv.Store, medicineID)
}

// =============================================================================
// DASHBOARD
// =============================================================================

type Dashboard struct {
	ActiveMedicines int
	ActiveBatches   int
	UnitsInStock    int64
	StockValue      decimal.Decimal
	RecentEntries   []LedgerView
	GeneratedAt     time.Time
}

func (inv *Inventory) Dashboard(ctx context.Context) (*Dashboard, error) {
	var cached Dashboard
	if inv.Cache.Load(ctx, CacheKeyDashboard, &cached) {
		return &cached, nil
	}

	meds, err := inv.Store.ListMedicines(ctx, true)
	if err != nil {
		return nil, err
	}
	batches, err := inv.Store.ListBatches(ctx, BatchFilter{InStockOnly: true})
	if err != nil {
		return nil, err
	}
	recent, _, err := inv.Store.QueryEntries(ctx, LedgerFilter{Page: 1, Limit: recentEntriesLimit})
	if err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []LedgerView{}
	}

	d := Dashboard{
		ActiveMedicines: len(meds),
		ActiveBatches:   len(batches),
		StockValue:      decimal.Zero,
		RecentEntries:   recent,
		GeneratedAt:     inv.now(),
	}
	for _, b := range batches {
		d.UnitsInStock += b.Quantity
		d.StockValue = d.StockValue.Add(Cost(b.UnitPrice, b.Quantity))
	}
	inv.Cache.Save(ctx, CacheKeyDashboard, d, 0)
	return &d, nil
}

// =============================================================================
// ALERTS
// =============================================================================

type ExpiringBatch struct {
	Batch
	MedicineName string
	Category     string
	DaysLeft     int
}

type LowStock struct {
	MedicineID string
	Name       string
	Category   string
	Quantity   int64
	MinStock   int64
}

type Alerts struct {
	Window       time.Duration
	ExpiringSoon []ExpiringBatch
	LowStock     []LowStock
}

// Alerts reports usable batches expiring within window (earliest first) and
// active medicines whose active stock is below their minimum (lowest first).
// A medicine with no batches at all counts as zero stock.
func (inv *Inventory) Alerts(ctx context.Context, window time.Duration) (*Alerts, error) {
	if window <= 0 {
		window = DefaultAlertWindow
	}
	key := fmt.Sprintf("alerts:%d", int64(window/time.Hour))

	var cached Alerts
	if inv.Cache.Load(ctx, key, &cached) {
		return &cached, nil
	}

	meds, err := inv.Store.ListMedicines(ctx, true)
	if err != nil {
		return nil, err
	}
	batches, err := inv.Store.ListBatches(ctx, BatchFilter{})
	if err != nil {
		return nil, err
	}

	now := inv.now()
	horizon := now.Add(window)
	byID := make(map[string]Medicine, len(meds))
	for _, m := range meds {
		byID[m.ID] = m
	}

	out := Alerts{Window: window, ExpiringSoon: []ExpiringBatch{}, LowStock: []LowStock{}}
	totals := make(map[string]int64, len(meds))
	for _, b := range batches {
		m, ok := byID[b.MedicineID]
		if !ok || !b.Active {
			continue
		}
		totals[b.MedicineID] += b.Quantity
		if b.Usable(now) && !b.ExpiresAt.After(horizon) {
			out.ExpiringSoon = append(out.ExpiringSoon, ExpiringBatch{
				Batch:        b,
				MedicineName: m.Name,
				Category:     m.Category,
				DaysLeft:     int(b.ExpiresAt.Sub(now).Hours() / 24),
			})
		}
	}
	for _, m := range meds {
		if qty := totals[m.ID]; qty < m.MinStock {
			out.LowStock = append(out.LowStock, LowStock{
				MedicineID: m.ID,
				Name:       m.Name,
				Category:   m.Category,
				Quantity:   qty,
				MinStock:   m.MinStock,
			})
		}
	}

	sort.SliceStable(out.ExpiringSoon, func(i, j int) bool {
		return out.ExpiringSoon[i].ExpiresAt.Before(out.ExpiringSoon[j].ExpiresAt)
	})
	sort.SliceStable(out.LowStock, func(i, j int) bool {
		if out.LowStock[i].Quantity != out.LowStock[j].Quantity {
			return out.LowStock[i].Quantity < out.LowStock[j].Quantity
		}
		return out.LowStock[i].Name < out.LowStock[j].Name
	})

	inv.Cache.Save(ctx, key, out, 0)
	inv.Logger.Debug("alerts computed",
		zap.Int("expiring", len(out.ExpiringSoon)),
		zap.Int("low_stock", len(out.LowStock)))
	return &out, nil
}
