/*
handlers_test.go - HTTP behaviour of the stock API

Tests for:
- Authentication and role checks
- Stock-in / stock-out round trip through the router
- Error mapping (400, 404, 409, 500, 503)
- Manual expiry trigger
- Health probe
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/medstock/lock"
	"github.com/warp/medstock/stock"
	"github.com/warp/medstock/store/memory"
)

const testSecret = "test-secret"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type apiFixture struct {
	router http.Handler
	auth   *Authenticator
	inv    *stock.Inventory

	mu  sync.Mutex
	now time.Time
}

func (f *apiFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *apiFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newAPIFixture(t *testing.T, locker stock.Locker, checks ...HealthCheck) *apiFixture {
	t.Helper()
	f := &apiFixture{now: t0, auth: NewAuthenticator(testSecret, time.Hour)}
	if locker == nil {
		locker = lock.NewManager(lock.NewLocalBackend(), lock.WithRetryDelay(time.Millisecond))
	}
	f.inv = stock.NewInventory(memory.NewTxMemory(), locker, stock.WithClock(f.clock))
	f.router = NewRouter(NewHandler(f.inv, nil, checks...), f.auth, RouterConfig{})
	return f
}

func (f *apiFixture) token(t *testing.T, role Role) string {
	t.Helper()
	tok, err := f.auth.IssueToken("user-"+string(role), role)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, role Role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, role))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *apiFixture) createMedicine(t *testing.T, name string) MedicineDTO {
	t.Helper()
	rec := f.do(t, RoleAdmin, http.MethodPost, "/api/medicines", CreateMedicineRequest{Name: name, Category: "Antibiotic"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[MedicineDTO](t, rec)
}

func (f *apiFixture) stockIn(t *testing.T, medicineID, number string, qty int64, expiresInDays int, price string) BatchDTO {
	t.Helper()
	rec := f.do(t, RolePharmacist, http.MethodPost, "/api/batches/stock-in", StockInRequest{
		MedicineID:  medicineID,
		BatchNumber: number,
		ExpiryDate:  t0.AddDate(0, 0, expiresInDays),
		Quantity:    qty,
		Supplier:    "MedSupply",
		UnitPrice:   decimal.RequireFromString(price),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[BatchDTO](t, rec)
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth_RejectsMissingAndForgedTokens(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, "", http.MethodGet, "/api/dashboard", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := NewAuthenticator("other-secret", time.Hour).IssueToken("mallory", RoleAdmin)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestAuth_RejectsExpiredToken(t *testing.T) {
	f := newAPIFixture(t, nil)
	old := NewAuthenticator(testSecret, time.Minute)
	old.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err := old.IssueToken("u", RoleAdmin)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_RoleChecks(t *testing.T) {
	f := newAPIFixture(t, nil)
	med := f.createMedicine(t, "Amoxicillin")

	// STAFF can read but not move stock.
	assert.Equal(t, http.StatusOK, f.do(t, RoleStaff, http.MethodGet, "/api/batches", nil).Code)
	rec := f.do(t, RoleStaff, http.MethodPost, "/api/batches/stock-out", StockOutRequest{MedicineID: med.ID, Quantity: 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Only ADMIN may create medicines or trigger the sweep.
	rec = f.do(t, RolePharmacist, http.MethodPost, "/api/medicines", CreateMedicineRequest{Name: "X", Category: "Y"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, RolePharmacist, http.MethodPost, "/api/admin/expire", nil).Code)
}

// =============================================================================
// STOCK MOVEMENTS
// =============================================================================

func TestStockOut_FEFOThroughRouter(t *testing.T) {
	// GIVEN: Two batches, the later one received first
	f := newAPIFixture(t, nil)
	med := f.createMedicine(t, "Amoxicillin")
	late := f.stockIn(t, med.ID, "LATE", 10, 90, "2.00")
	early := f.stockIn(t, med.ID, "EARLY", 5, 30, "1.50")

	// WHEN: Seven units are issued
	rec := f.do(t, RolePharmacist, http.MethodPost, "/api/batches/stock-out", StockOutRequest{MedicineID: med.ID, Quantity: 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The earliest expiry is drained first
	res := decodeBody[StockOutResponse](t, rec)
	require.Len(t, res.Deductions, 2)
	assert.Equal(t, early.ID, res.Deductions[0].BatchID)
	assert.Equal(t, int64(5), res.Deductions[0].Quantity)
	assert.Equal(t, late.ID, res.Deductions[1].BatchID)
	assert.Equal(t, int64(2), res.Deductions[1].Quantity)
	assert.Equal(t, "11.5", res.TotalCost.String())

	// AND: The scoped list only shows what is left
	rec = f.do(t, RoleStaff, http.MethodGet, "/api/batches/medicine/"+med.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	batches := decodeBody[[]BatchDTO](t, rec)
	require.Len(t, batches, 1)
	assert.Equal(t, int64(8), batches[0].Quantity)

	// AND: The ledger shows two OUT entries with the pharmacist as actor
	rec = f.do(t, RolePharmacist, http.MethodGet, "/api/audit/logs?action=out&medicineId="+med.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[LedgerPageDTO](t, rec)
	assert.Equal(t, 2, page.Total)
	for _, e := range page.Entries {
		assert.Equal(t, "OUT", e.Action)
		assert.Equal(t, "user-PHARMACIST", e.PerformedBy)
		assert.Negative(t, e.Delta)
	}

	rec = f.do(t, RolePharmacist, http.MethodGet, "/api/medicines/"+med.ID+"/stock-level", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(8), decodeBody[StockLevelDTO](t, rec).Quantity)
}

func TestStockOut_InsufficientReturnsAvailable(t *testing.T) {
	f := newAPIFixture(t, nil)
	med := f.createMedicine(t, "Amoxicillin")
	f.stockIn(t, med.ID, "A", 3, 30, "1")

	rec := f.do(t, RolePharmacist, http.MethodPost, "/api/batches/stock-out", StockOutRequest{MedicineID: med.ID, Quantity: 4})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	require.NotNil(t, body.Available)
	assert.Equal(t, int64(3), *body.Available)
}

func TestStockIn_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t, nil)
	med := f.createMedicine(t, "Amoxicillin")
	f.stockIn(t, med.ID, "A", 3, 30, "1.00")

	tests := []struct {
		name string
		req  StockInRequest
		want int
	}{
		{"zero quantity", StockInRequest{MedicineID: med.ID, BatchNumber: "B", ExpiryDate: t0.AddDate(0, 0, 9), Supplier: "S", UnitPrice: decimal.NewFromInt(1)}, http.StatusBadRequest},
		{"past expiry", StockInRequest{MedicineID: med.ID, BatchNumber: "B", ExpiryDate: t0.AddDate(0, 0, -1), Quantity: 1, Supplier: "S", UnitPrice: decimal.NewFromInt(1)}, http.StatusBadRequest},
		{"bad medicine id", StockInRequest{MedicineID: "nope", BatchNumber: "B", ExpiryDate: t0.AddDate(0, 0, 9), Quantity: 1, Supplier: "S", UnitPrice: decimal.NewFromInt(1)}, http.StatusBadRequest},
		{"unknown medicine", StockInRequest{MedicineID: "0d5e8f5b-3c47-4c55-8d53-6f0a3f7b2a10", BatchNumber: "B", ExpiryDate: t0.AddDate(0, 0, 9), Quantity: 1, Supplier: "S", UnitPrice: decimal.NewFromInt(1)}, http.StatusNotFound},
		{"price mismatch", StockInRequest{MedicineID: med.ID, BatchNumber: "A", ExpiryDate: t0.AddDate(0, 0, 30), Quantity: 1, Supplier: "S", UnitPrice: decimal.NewFromInt(2)}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, RolePharmacist, http.MethodPost, "/api/batches/stock-in", tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/batches/stock-in", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+f.token(t, RolePharmacist))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdjustBatch(t *testing.T) {
	f := newAPIFixture(t, nil)
	med := f.createMedicine(t, "Amoxicillin")
	b := f.stockIn(t, med.ID, "A", 3, 30, "1")

	rec := f.do(t, RoleAdmin, http.MethodPost, "/api/batches/"+b.ID+"/adjust", AdjustRequest{Quantity: 2, Reduce: true, Note: "Broken vials"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decodeBody[LedgerEntryDTO](t, rec)
	assert.Equal(t, "ADJUSTMENT", entry.Action)
	assert.Equal(t, int64(-2), entry.Delta)

	rec = f.do(t, RoleAdmin, http.MethodPost, "/api/batches/"+b.ID+"/adjust", AdjustRequest{Quantity: 5, Reduce: true, Note: "Too much"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusForbidden,
		f.do(t, RolePharmacist, http.MethodPost, "/api/batches/"+b.ID+"/adjust", AdjustRequest{Quantity: 1}).Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// busyLocker never grants the lock.
type busyLocker struct{}

func (busyLocker) WithLock(_ context.Context, key string, _ time.Duration, _ func(context.Context) error) error {
	return &stock.LockUnavailableError{Key: key, Attempts: 4}
}

func TestStockOut_LockUnavailableIsRetryable(t *testing.T) {
	f := newAPIFixture(t, busyLocker{})
	med := f.createMedicine(t, "Amoxicillin")

	rec := f.do(t, RolePharmacist, http.MethodPost, "/api/batches/stock-out", StockOutRequest{MedicineID: med.ID, Quantity: 1})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.True(t, decodeBody[ErrorResponse](t, rec).Retryable)
}

func TestWriteStockError_StatusMapping(t *testing.T) {
	h := NewHandler(stock.NewInventory(memory.NewMemory(), busyLocker{}), nil)
	applied := []stock.Deduction{{BatchID: "b1", Quantity: 4}}

	tests := []struct {
		name  string
		err   error
		want  int
		check func(t *testing.T, body ErrorResponse)
	}{
		{"validation", &stock.ValidationError{Field: "quantity", Message: "must be greater than 0"}, http.StatusBadRequest, nil},
		{"not found", &stock.NotFoundError{Kind: "batch", ID: "x"}, http.StatusNotFound, nil},
		{"price mismatch", &stock.PriceMismatchError{BatchNumber: "A"}, http.StatusConflict, nil},
		{"duplicate medicine", stock.ErrDuplicateMedicine, http.StatusConflict, nil},
		{"concurrent modification", stock.ErrConcurrentModification, http.StatusServiceUnavailable, func(t *testing.T, body ErrorResponse) {
			assert.True(t, body.Retryable)
		}},
		{"partial allocation", &stock.PartialAllocationError{
			Action: stock.ActionOut, Requested: 7, Applied: applied, Stage: stock.StageLedgerAppend,
			Cause: stock.ErrConcurrentModification,
		}, http.StatusInternalServerError, func(t *testing.T, body ErrorResponse) {
			assert.True(t, body.ReconciliationRequired)
			assert.False(t, body.Retryable)
			require.Len(t, body.Applied, 1)
			assert.Equal(t, "b1", body.Applied[0].BatchID)
		}},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, func(t *testing.T, body ErrorResponse) {
			assert.Empty(t, body.Details, "internal causes are not leaked")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeStockError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.want, rec.Code)
			if tt.check != nil {
				tt.check(t, decodeBody[ErrorResponse](t, rec))
			}
		})
	}
}

// =============================================================================
// REPORTING / ADMIN
// =============================================================================

func TestDashboardAndAlerts(t *testing.T) {
	f := newAPIFixture(t, nil)
	med := f.createMedicine(t, "Amoxicillin")
	f.stockIn(t, med.ID, "SOON", 4, 10, "2.50")

	rec := f.do(t, RoleStaff, http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decodeBody[DashboardDTO](t, rec)
	assert.Equal(t, 1, d.ActiveMedicines)
	assert.Equal(t, int64(4), d.UnitsInStock)
	assert.Equal(t, "10", d.StockValue.String())
	assert.Len(t, d.RecentEntries, 1)

	assert.Equal(t, http.StatusForbidden, f.do(t, RoleStaff, http.MethodGet, "/api/alerts", nil).Code)

	rec = f.do(t, RolePharmacist, http.MethodGet, "/api/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decodeBody[AlertsDTO](t, rec)
	assert.Equal(t, 30, alerts.WindowDays)
	require.Len(t, alerts.ExpiringSoon, 1)
	assert.Equal(t, 10, alerts.ExpiringSoon[0].DaysLeft)
	require.Len(t, alerts.LowStock, 1)
	assert.Equal(t, int64(4), alerts.LowStock[0].Quantity)

	rec = f.do(t, RolePharmacist, http.MethodGet, "/api/alerts?days=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[AlertsDTO](t, rec).ExpiringSoon)

	assert.Equal(t, http.StatusBadRequest, f.do(t, RolePharmacist, http.MethodGet, "/api/alerts?days=abc", nil).Code)
}

func TestAuditLogs_BadQuery(t *testing.T) {
	f := newAPIFixture(t, nil)
	for _, q := range []string{"action=LOST", "from=yesterday", "page=-1", "from=2026-03-05&to=2026-03-01"} {
		rec := f.do(t, RoleAdmin, http.MethodGet, "/api/audit/logs?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestTriggerExpiry(t *testing.T) {
	// GIVEN: A batch that has expired but not been swept
	f := newAPIFixture(t, nil)
	med := f.createMedicine(t, "Amoxicillin")
	f.stockIn(t, med.ID, "SOON", 6, 1, "1")
	f.advance(48 * time.Hour)

	// WHEN: An admin triggers the sweep
	rec := f.do(t, RoleAdmin, http.MethodPost, "/api/admin/expire", nil)

	// THEN: It is written off and reported
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[SweepResponse](t, rec)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, int64(6), res.TotalExpiredUnits)

	rec = f.do(t, RoleAdmin, http.MethodPost, "/api/admin/expire", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[SweepResponse](t, rec).Count)
}

func TestHealth(t *testing.T) {
	down := errors.New("down")
	f := newAPIFixture(t, nil,
		HealthCheck{Name: "store", Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "cache", Check: func(context.Context) error { return down }, Optional: true},
	)
	rec := f.do(t, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["store"])
	assert.Equal(t, "degraded", body["cache"])

	f = newAPIFixture(t, nil, HealthCheck{Name: "store", Check: func(context.Context) error { return down }})
	rec = f.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
