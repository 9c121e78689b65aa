/*
Package sqlite provides a SQLite-backed implementation of stock.TxStore.

PURPOSE:
  Persists medicines, batches and the movement ledger. Queries go through
  sqlx over the mattn/go-sqlite3 driver.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - Corrections via ADJUSTMENT entries only

KEY TABLES:
  medicines:      Catalogue (unique case-insensitive name)
  batches:        Dated lots; the only mutable stock state
  ledger_entries: Immutable movement log

INDEXES:
  - idx_batches_active_number: at most one active batch per (medicine, number)
  - idx_batches_medicine_expiry: FEFO listing (hot path)
  - idx_ledger_created: newest-first ledger queries

CONCURRENCY:
  The pool is capped at one connection, so SQLite sees a single writer
  and ":memory:" databases are shared by every query. Quantity writes are
  compare-and-swap on the previous quantity.

TIMESTAMPS:
  Stored as fixed-width UTC RFC 3339 text with nanoseconds, so string
  order is chronological order. seq breaks ties between ledger entries.

USAGE:
  store, err := sqlite.New("./data/medstock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/medstock/stock"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements stock.TxStore using SQLite.
type Store struct {
	queries
	db *sqlx.DB
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{queries: queries{db: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS medicines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		name_key TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		min_stock INTEGER NOT NULL DEFAULT 10,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		medicine_id TEXT NOT NULL REFERENCES medicines(id),
		batch_number TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		unit_price TEXT NOT NULL,
		supplier TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_active_number
		ON batches(medicine_id, batch_number) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_batches_medicine_expiry
		ON batches(medicine_id, is_active, expires_at);
	CREATE INDEX IF NOT EXISTS idx_batches_expiry
		ON batches(is_active, expires_at);

	-- Append-only: rows are inserted once and never changed.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		medicine_id TEXT NOT NULL REFERENCES medicines(id),
		batch_id TEXT NOT NULL REFERENCES batches(id),
		action TEXT NOT NULL CHECK (action IN ('IN', 'OUT', 'EXPIRED', 'ADJUSTMENT')),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		reduces INTEGER NOT NULL DEFAULT 0,
		unit_price TEXT NOT NULL,
		total_cost TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_created
		ON ledger_entries(created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_medicine
		ON ledger_entries(medicine_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_action
		ON ledger_entries(action);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&queries{db: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES - shared by the pool and transaction views
// =============================================================================

type queries struct {
	db sqlx.ExtContext
}

type medicineRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Category    string `db:"category"`
	Description string `db:"description"`
	MinStock    int64  `db:"min_stock"`
	IsActive    bool   `db:"is_active"`
	CreatedBy   string `db:"created_by"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func (r medicineRow) toMedicine() stock.Medicine {
	return stock.Medicine{
		ID:          r.ID,
		Name:        r.Name,
		Category:    r.Category,
		Description: r.Description,
		MinStock:    r.MinStock,
		Active:      r.IsActive,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}
}

const medicineColumns = `id, name, category, description, min_stock, is_active, created_by, created_at, updated_at`

func (q *queries) GetMedicine(ctx context.Context, id string) (*stock.Medicine, error) {
	var row medicineRow
	err := sqlx.GetContext(ctx, q.db, &row, `SELECT `+medicineColumns+` FROM medicines WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get medicine %s: %w", id, err)
	}
	m := row.toMedicine()
	return &m, nil
}

func (q *queries) SaveMedicine(ctx context.Context, m stock.Medicine) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO medicines (id, name, name_key, category, description, min_stock, is_active, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			name_key = excluded.name_key,
			category = excluded.category,
			description = excluded.description,
			min_stock = excluded.min_stock,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, m.ID, m.Name, stock.NormalizeName(m.Name), m.Category, m.Description, m.MinStock, m.Active,
		m.CreatedBy, formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("save medicine %q: %w", m.Name, stock.ErrDuplicateMedicine)
	}
	if err != nil {
		return fmt.Errorf("save medicine %s: %w", m.ID, err)
	}
	return nil
}

func (q *queries) ListMedicines(ctx context.Context, activeOnly bool) ([]stock.Medicine, error) {
	query := `SELECT ` + medicineColumns + ` FROM medicines`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name_key`

	var rows []medicineRow
	if err := sqlx.SelectContext(ctx, q.db, &rows, query); err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	result := make([]stock.Medicine, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toMedicine())
	}
	return result, nil
}

// =============================================================================
// BATCHES
// =============================================================================

type batchRow struct {
	ID          string `db:"id"`
	MedicineID  string `db:"medicine_id"`
	BatchNumber string `db:"batch_number"`
	ExpiresAt   string `db:"expires_at"`
	Quantity    int64  `db:"quantity"`
	UnitPrice   string `db:"unit_price"`
	Supplier    string `db:"supplier"`
	IsActive    bool   `db:"is_active"`
	CreatedBy   string `db:"created_by"`
	UpdatedBy   string `db:"updated_by"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func (r batchRow) toBatch() (stock.Batch, error) {
	price, err := decimal.NewFromString(r.UnitPrice)
	if err != nil {
		return stock.Batch{}, fmt.Errorf("batch %s: bad unit price %q: %w", r.ID, r.UnitPrice, err)
	}
	return stock.Batch{
		ID:          r.ID,
		MedicineID:  r.MedicineID,
		BatchNumber: r.BatchNumber,
		ExpiresAt:   parseTime(r.ExpiresAt),
		Quantity:    r.Quantity,
		UnitPrice:   price,
		Supplier:    r.Supplier,
		Active:      r.IsActive,
		CreatedBy:   r.CreatedBy,
		UpdatedBy:   r.UpdatedBy,
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}, nil
}

const batchColumns = `id, medicine_id, batch_number, expires_at, quantity, unit_price, supplier, is_active,
	created_by, updated_by, created_at, updated_at`

const batchOrder = ` ORDER BY expires_at ASC, created_at ASC, id ASC`

func (q *queries) GetBatch(ctx context.Context, id string) (*stock.Batch, error) {
	return q.getOneBatch(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
}

func (q *queries) FindActiveBatch(ctx context.Context, medicineID, batchNumber string) (*stock.Batch, error) {
	return q.getOneBatch(ctx, `SELECT `+batchColumns+` FROM batches
		WHERE medicine_id = ? AND batch_number = ? AND is_active = 1`, medicineID, batchNumber)
}

func (q *queries) getOneBatch(ctx context.Context, query string, args ...any) (*stock.Batch, error) {
	var row batchRow
	err := sqlx.GetContext(ctx, q.db, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b, err := row.toBatch()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (q *queries) CreateBatch(ctx context.Context, b stock.Batch) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.MedicineID, b.BatchNumber, formatTime(b.ExpiresAt), b.Quantity, b.UnitPrice.String(),
		b.Supplier, b.Active, b.CreatedBy, b.UpdatedBy, formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("create batch %s: %w", b.BatchNumber, stock.ErrDuplicateBatch)
	}
	if err != nil {
		return fmt.Errorf("create batch %s: %w", b.BatchNumber, err)
	}
	return nil
}

func (q *queries) ListBatches(ctx context.Context, filter stock.BatchFilter) ([]stock.Batch, error) {
	where := []string{"is_active = 1"}
	var args []any
	if filter.MedicineID != "" {
		where = append(where, "medicine_id = ?")
		args = append(args, filter.MedicineID)
	}
	if filter.InStockOnly {
		where = append(where, "quantity > 0")
	}
	if filter.AsOf != nil {
		where = append(where, "expires_at > ?")
		args = append(args, formatTime(*filter.AsOf))
	}
	query := `SELECT ` + batchColumns + ` FROM batches WHERE ` + strings.Join(where, " AND ") + batchOrder
	return q.selectBatches(ctx, query, args...)
}

func (q *queries) ExpiredBatches(ctx context.Context, asOf time.Time) ([]stock.Batch, error) {
	return q.selectBatches(ctx, `SELECT `+batchColumns+` FROM batches
		WHERE is_active = 1 AND quantity > 0 AND expires_at <= ?`+batchOrder, formatTime(asOf))
}

func (q *queries) selectBatches(ctx context.Context, query string, args ...any) ([]stock.Batch, error) {
	var rows []batchRow
	if err := sqlx.SelectContext(ctx, q.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	result := make([]stock.Batch, 0, len(rows))
	for _, r := range rows {
		b, err := r.toBatch()
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}

func (q *queries) UpdateBatchQuantity(ctx context.Context, id string, from, to int64, actorID string, at time.Time) error {
	if to < 0 {
		return fmt.Errorf("update batch %s: quantity %d: %w", id, to, stock.ErrValidation)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE batches SET quantity = ?, updated_by = ?, updated_at = ?
		WHERE id = ? AND quantity = ? AND is_active = 1
	`, to, actorID, formatTime(at), id, from)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update batch %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update batch %s: %w", id, stock.ErrConcurrentModification)
	}
	return nil
}

func (q *queries) ExpireBatch(ctx context.Context, id string, observed int64, actorID string, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE batches SET quantity = 0, is_active = 0, updated_by = ?, updated_at = ?
		WHERE id = ? AND is_active = 1 AND quantity = ? AND quantity > 0
	`, actorID, formatTime(at), id, observed)
	if err != nil {
		return false, fmt.Errorf("expire batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire batch %s: %w", id, err)
	}
	return n == 1, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

// AppendEntry inserts one entry. The database assigns seq.
func (q *queries) AppendEntry(ctx context.Context, e stock.LedgerEntry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, medicine_id, batch_id, action, quantity, reduces, unit_price, total_cost, actor_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.MedicineID, e.BatchID, string(e.Action), e.Quantity, e.Reduces,
		e.UnitPrice.String(), e.TotalCost.String(), e.ActorID, e.Note, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

type ledgerRow struct {
	Seq              int64  `db:"seq"`
	ID               string `db:"id"`
	MedicineID       string `db:"medicine_id"`
	BatchID          string `db:"batch_id"`
	Action           string `db:"action"`
	Quantity         int64  `db:"quantity"`
	Reduces          bool   `db:"reduces"`
	UnitPrice        string `db:"unit_price"`
	TotalCost        string `db:"total_cost"`
	ActorID          string `db:"actor_id"`
	Note             string `db:"note"`
	CreatedAt        string `db:"created_at"`
	MedicineName     string `db:"medicine_name"`
	MedicineCategory string `db:"medicine_category"`
	BatchNumber      string `db:"batch_number"`
	BatchExpiresAt   string `db:"batch_expires_at"`
}

func (r ledgerRow) toView() (stock.LedgerView, error) {
	price, err := decimal.NewFromString(r.UnitPrice)
	if err != nil {
		return stock.LedgerView{}, fmt.Errorf("entry %s: bad unit price: %w", r.ID, err)
	}
	total, err := decimal.NewFromString(r.TotalCost)
	if err != nil {
		return stock.LedgerView{}, fmt.Errorf("entry %s: bad total cost: %w", r.ID, err)
	}
	v := stock.LedgerView{
		LedgerEntry: stock.LedgerEntry{
			ID:         r.ID,
			Seq:        r.Seq,
			MedicineID: r.MedicineID,
			BatchID:    r.BatchID,
			Action:     stock.Action(r.Action),
			Quantity:   r.Quantity,
			Reduces:    r.Reduces,
			UnitPrice:  price,
			TotalCost:  total,
			ActorID:    r.ActorID,
			Note:       r.Note,
			CreatedAt:  parseTime(r.CreatedAt),
		},
		MedicineName:     r.MedicineName,
		MedicineCategory: r.MedicineCategory,
		BatchNumber:      r.BatchNumber,
	}
	if r.BatchExpiresAt != "" {
		v.BatchExpiresAt = parseTime(r.BatchExpiresAt)
	}
	return v, nil
}

func (q *queries) QueryEntries(ctx context.Context, filter stock.LedgerFilter) ([]stock.LedgerView, int, error) {
	var where []string
	var args []any
	if filter.Action != "" {
		where = append(where, "l.action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.MedicineID != "" {
		where = append(where, "l.medicine_id = ?")
		args = append(args, filter.MedicineID)
	}
	if filter.From != nil {
		where = append(where, "l.created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "l.created_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := sqlx.GetContext(ctx, q.db, &total, `SELECT COUNT(*) FROM ledger_entries l`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	query := `
		SELECT l.seq, l.id, l.medicine_id, l.batch_id, l.action, l.quantity, l.reduces,
			l.unit_price, l.total_cost, l.actor_id, l.note, l.created_at,
			COALESCE(m.name, '') AS medicine_name,
			COALESCE(m.category, '') AS medicine_category,
			COALESCE(b.batch_number, '') AS batch_number,
			COALESCE(b.expires_at, '') AS batch_expires_at
		FROM ledger_entries l
		LEFT JOIN medicines m ON m.id = l.medicine_id
		LEFT JOIN batches b ON b.id = l.batch_id` + clause + `
		ORDER BY l.created_at DESC, l.seq DESC`
	pageArgs := args
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		pageArgs = append(append([]any{}, args...), filter.Limit, filter.Offset())
	}

	var rows []ledgerRow
	if err := sqlx.SelectContext(ctx, q.db, &rows, query, pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("query ledger entries: %w", err)
	}
	views := make([]stock.LedgerView, 0, len(rows))
	for _, r := range rows {
		v, err := r.toView()
		if err != nil {
			return nil, 0, err
		}
		views = append(views, v)
	}
	return views, total, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var (
	_ stock.TxStore = (*Store)(nil)
	_ stock.Store   = (*queries)(nil)
)
