/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the stock engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Prices and costs are decimal.Decimal and serialize as JSON strings
  ("12.50"). Requests accept either a string or a number.

VALIDATION:
  Validation is done by the stock engine, not in DTOs. DTOs are pure data
  carriers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/medstock/stock"
)

// =============================================================================
// MEDICINES
// =============================================================================

type MedicineDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	MinStock    int64     `json:"minStock"`
	IsActive    bool      `json:"isActive"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type CreateMedicineRequest struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	MinStock    *int64 `json:"minStock,omitempty"`
}

// StockLevelDTO is the ledger-replayed quantity of one medicine.
type StockLevelDTO struct {
	MedicineID string `json:"medicineId"`
	Quantity   int64  `json:"quantity"`
}

// =============================================================================
// BATCHES
// =============================================================================

type BatchDTO struct {
	ID          string          `json:"id"`
	MedicineID  string          `json:"medicineId"`
	BatchNumber string          `json:"batchNumber"`
	ExpiryDate  time.Time       `json:"expiryDate"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Supplier    string          `json:"supplier"`
	IsActive    bool            `json:"isActive"`
	CreatedBy   string          `json:"createdBy"`
	UpdatedBy   string          `json:"updatedBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type StockInRequest struct {
	MedicineID  string          `json:"medicineId"`
	BatchNumber string          `json:"batchNumber"`
	ExpiryDate  time.Time       `json:"expiryDate"`
	Quantity    int64           `json:"quantity"`
	Supplier    string          `json:"supplier"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

type StockOutRequest struct {
	MedicineID string `json:"medicineId"`
	Quantity   int64  `json:"quantity"`
	Note       string `json:"note,omitempty"`
}

type DeductionDTO struct {
	BatchID     string          `json:"batchId"`
	BatchNumber string          `json:"batchNumber"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	TotalCost   decimal.Decimal `json:"totalCost"`
}

// StockOutResponse lists the batches touched, earliest expiry first.
type StockOutResponse struct {
	MedicineID string          `json:"medicineId"`
	Requested  int64           `json:"requested"`
	TotalCost  decimal.Decimal `json:"totalCost"`
	Deductions []DeductionDTO  `json:"deductions"`
}

type AdjustRequest struct {
	Quantity int64  `json:"quantity"`
	Reduce   bool   `json:"reduce"`
	Note     string `json:"note"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID               string          `json:"id"`
	MedicineID       string          `json:"medicineId"`
	MedicineName     string          `json:"medicineName,omitempty"`
	MedicineCategory string          `json:"medicineCategory,omitempty"`
	BatchID          string          `json:"batchId"`
	BatchNumber      string          `json:"batchNumber,omitempty"`
	BatchExpiryDate  *time.Time      `json:"batchExpiryDate,omitempty"`
	Action           string          `json:"action"`
	Quantity         int64           `json:"quantity"`
	Delta            int64           `json:"delta"`
	UnitPrice        decimal.Decimal `json:"unitPrice"`
	TotalCost        decimal.Decimal `json:"totalCost"`
	PerformedBy      string          `json:"performedBy"`
	Note             string          `json:"note,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type LedgerPageDTO struct {
	Entries []LedgerEntryDTO `json:"entries"`
	Page    int              `json:"page"`
	Limit   int              `json:"limit"`
	Total   int              `json:"total"`
}

// =============================================================================
// DASHBOARD / ALERTS / SWEEP
// =============================================================================

type DashboardDTO struct {
	ActiveMedicines int              `json:"activeMedicines"`
	ActiveBatches   int              `json:"activeBatches"`
	UnitsInStock    int64            `json:"unitsInStock"`
	StockValue      decimal.Decimal  `json:"stockValue"`
	RecentEntries   []LedgerEntryDTO `json:"recentEntries"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

type ExpiringBatchDTO struct {
	BatchDTO
	MedicineName string `json:"medicineName"`
	Category     string `json:"category"`
	DaysLeft     int    `json:"daysLeft"`
}

type LowStockDTO struct {
	MedicineID string `json:"medicineId"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Quantity   int64  `json:"quantity"`
	MinStock   int64  `json:"minStock"`
}

type AlertsDTO struct {
	WindowDays   int                `json:"windowDays"`
	ExpiringSoon []ExpiringBatchDTO `json:"expiringSoon"`
	LowStock     []LowStockDTO      `json:"lowStock"`
}

type SweepResponse struct {
	Count             int      `json:"count"`
	TotalExpiredUnits int64    `json:"totalExpiredUnits"`
	Batches           []string `json:"batches"`
}

// ErrorResponse is the body of every non-2xx response. The optional fields
// are only set for the errors they describe.
type ErrorResponse struct {
	Error                  string         `json:"error"`
	Details                string         `json:"details,omitempty"`
	Available              *int64         `json:"available,omitempty"`
	Retryable              bool           `json:"retryable,omitempty"`
	ReconciliationRequired bool           `json:"reconciliation_required,omitempty"`
	Applied                []DeductionDTO `json:"applied,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toMedicineDTO(m stock.Medicine) MedicineDTO {
	return MedicineDTO{
		ID:          m.ID,
		Name:        m.Name,
		Category:    m.Category,
		Description: m.Description,
		MinStock:    m.MinStock,
		IsActive:    m.Active,
		CreatedBy:   m.CreatedBy,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toBatchDTO(b stock.Batch) BatchDTO {
	return BatchDTO{
		ID:          b.ID,
		MedicineID:  b.MedicineID,
		BatchNumber: b.BatchNumber,
		ExpiryDate:  b.ExpiresAt,
		Quantity:    b.Quantity,
		UnitPrice:   b.UnitPrice,
		Supplier:    b.Supplier,
		IsActive:    b.Active,
		CreatedBy:   b.CreatedBy,
		UpdatedBy:   b.UpdatedBy,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func toBatchDTOs(batches []stock.Batch) []BatchDTO {
	out := make([]BatchDTO, 0, len(batches))
	for _, b := range batches {
		out = append(out, toBatchDTO(b))
	}
	return out
}

func toDeductionDTOs(ds []stock.Deduction) []DeductionDTO {
	out := make([]DeductionDTO, 0, len(ds))
	for _, d := range ds {
		out = append(out, DeductionDTO{
			BatchID:     d.BatchID,
			BatchNumber: d.BatchNumber,
			Quantity:    d.Quantity,
			UnitPrice:   d.UnitPrice,
			TotalCost:   d.TotalCost,
		})
	}
	return out
}

func toLedgerEntryDTO(v stock.LedgerView) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		ID:               v.ID,
		MedicineID:       v.MedicineID,
		MedicineName:     v.MedicineName,
		MedicineCategory: v.MedicineCategory,
		BatchID:          v.BatchID,
		BatchNumber:      v.BatchNumber,
		Action:           string(v.Action),
		Quantity:         v.Quantity,
		Delta:            v.Delta(),
		UnitPrice:        v.UnitPrice,
		TotalCost:        v.TotalCost,
		PerformedBy:      v.ActorID,
		Note:             v.Note,
		CreatedAt:        v.CreatedAt,
	}
	if !v.BatchExpiresAt.IsZero() {
		exp := v.BatchExpiresAt
		dto.BatchExpiryDate = &exp
	}
	return dto
}

func toLedgerEntryDTOs(views []stock.LedgerView) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, 0, len(views))
	for _, v := range views {
		out = append(out, toLedgerEntryDTO(v))
	}
	return out
}

func toAlertsDTO(a *stock.Alerts) AlertsDTO {
	dto := AlertsDTO{
		WindowDays:   int(a.Window / (24 * time.Hour)),
		ExpiringSoon: make([]ExpiringBatchDTO, 0, len(a.ExpiringSoon)),
		LowStock:     make([]LowStockDTO, 0, len(a.LowStock)),
	}
	for _, e := range a.ExpiringSoon {
		dto.ExpiringSoon = append(dto.ExpiringSoon, ExpiringBatchDTO{
			BatchDTO:     toBatchDTO(e.Batch),
			MedicineName: e.MedicineName,
			Category:     e.Category,
			DaysLeft:     e.DaysLeft,
		})
	}
	for _, l := range a.LowStock {
		dto.LowStock = append(dto.LowStock, LowStockDTO{
			MedicineID: l.MedicineID,
			Name:       l.Name,
			Category:   l.Category,
			Quantity:   l.Quantity,
			MinStock:   l.MinStock,
		})
	}
	return dto
}
