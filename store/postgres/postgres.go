/*
Package postgres provides a PostgreSQL implementation of stock.TxStore on
top of a pgx connection pool.

SCHEMA:
  Same tables as store/sqlite with native types: TIMESTAMPTZ timestamps,
  NUMERIC prices, BIGSERIAL ledger sequence. Prices travel as text so
  decimal precision survives the round trip.

CONCURRENCY:
  Quantity writes are compare-and-swap UPDATEs; the pool handles
  concurrent readers and writers.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/medstock/stock"
)

const uniqueViolation = "23505"

type Store struct {
	queries
	pool *pgxpool.Pool
}

// New connects to dsn, waits for the database to answer and migrates the
// schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{queries: queries{db: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS medicines (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		name_key TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		min_stock BIGINT NOT NULL DEFAULT 10,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batches (
		id UUID PRIMARY KEY,
		medicine_id UUID NOT NULL REFERENCES medicines(id),
		batch_number TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		quantity BIGINT NOT NULL CHECK (quantity >= 0),
		unit_price NUMERIC(14, 4) NOT NULL,
		supplier TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_active_number
		ON batches(medicine_id, batch_number) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_batches_medicine_expiry
		ON batches(medicine_id, expires_at) WHERE is_active;

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		medicine_id UUID NOT NULL REFERENCES medicines(id),
		batch_id UUID NOT NULL REFERENCES batches(id),
		action TEXT NOT NULL CHECK (action IN ('IN', 'OUT', 'EXPIRED', 'ADJUSTMENT')),
		quantity BIGINT NOT NULL CHECK (quantity > 0),
		reduces BOOLEAN NOT NULL DEFAULT FALSE,
		unit_price NUMERIC(14, 4) NOT NULL,
		total_cost NUMERIC(18, 4) NOT NULL,
		actor_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_medicine ON ledger_entries(medicine_id, created_at DESC);
	`)
	return err
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&queries{db: tx}); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

const medicineColumns = `id::text, name, category, description, min_stock, is_active, created_by, created_at, updated_at`

func scanMedicine(row pgx.Row) (stock.Medicine, error) {
	var m stock.Medicine
	err := row.Scan(&m.ID, &m.Name, &m.Category, &m.Description, &m.MinStock, &m.Active, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, err
}

func (q *queries) GetMedicine(ctx context.Context, id string) (*stock.Medicine, error) {
	m, err := scanMedicine(q.db.QueryRow(ctx, `SELECT `+medicineColumns+` FROM medicines WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get medicine %s: %w", id, err)
	}
	return &m, nil
}

func (q *queries) SaveMedicine(ctx context.Context, m stock.Medicine) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO medicines (id, name, name_key, category, description, min_stock, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			name_key = EXCLUDED.name_key,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			min_stock = EXCLUDED.min_stock,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`, m.ID, m.Name, stock.NormalizeName(m.Name), m.Category, m.Description, m.MinStock, m.Active,
		m.CreatedBy, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
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
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name_key`

	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	defer rows.Close()

	result := []stock.Medicine{}
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// =============================================================================
// BATCHES
// =============================================================================

const batchColumns = `id::text, medicine_id::text, batch_number, expires_at, quantity, unit_price::text, supplier,
	is_active, created_by, updated_by, created_at, updated_at`

const batchOrder = ` ORDER BY expires_at ASC, created_at ASC, id ASC`

func scanBatch(row pgx.Row) (stock.Batch, error) {
	var b stock.Batch
	var price string
	err := row.Scan(&b.ID, &b.MedicineID, &b.BatchNumber, &b.ExpiresAt, &b.Quantity, &price, &b.Supplier,
		&b.Active, &b.CreatedBy, &b.UpdatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	b.UnitPrice, err = decimal.NewFromString(price)
	if err != nil {
		return b, fmt.Errorf("batch %s: bad unit price %q: %w", b.ID, price, err)
	}
	b.ExpiresAt = b.ExpiresAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (q *queries) GetBatch(ctx context.Context, id string) (*stock.Batch, error) {
	return q.getOneBatch(ctx, `SELECT `+batchColumns+` FROM batches WHERE id::text = $1`, id)
}

func (q *queries) FindActiveBatch(ctx context.Context, medicineID, batchNumber string) (*stock.Batch, error) {
	return q.getOneBatch(ctx, `SELECT `+batchColumns+` FROM batches
		WHERE medicine_id = $1 AND batch_number = $2 AND is_active`, medicineID, batchNumber)
}

func (q *queries) getOneBatch(ctx context.Context, query string, args ...any) (*stock.Batch, error) {
	b, err := scanBatch(q.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &b, nil
}

func (q *queries) CreateBatch(ctx context.Context, b stock.Batch) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO batches (id, medicine_id, batch_number, expires_at, quantity, unit_price, supplier,
			is_active, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12)
	`, b.ID, b.MedicineID, b.BatchNumber, b.ExpiresAt, b.Quantity, b.UnitPrice.String(), b.Supplier,
		b.Active, b.CreatedBy, b.UpdatedBy, b.CreatedAt, b.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create batch %s: %w", b.BatchNumber, stock.ErrDuplicateBatch)
	}
	if err != nil {
		return fmt.Errorf("create batch %s: %w", b.BatchNumber, err)
	}
	return nil
}

func (q *queries) ListBatches(ctx context.Context, filter stock.BatchFilter) ([]stock.Batch, error) {
	where := []string{"is_active"}
	var args []any
	if filter.MedicineID != "" {
		args = append(args, filter.MedicineID)
		where = append(where, fmt.Sprintf("medicine_id = $%d", len(args)))
	}
	if filter.InStockOnly {
		where = append(where, "quantity > 0")
	}
	if filter.AsOf != nil {
		args = append(args, *filter.AsOf)
		where = append(where, fmt.Sprintf("expires_at > $%d", len(args)))
	}
	return q.selectBatches(ctx, `SELECT `+batchColumns+` FROM batches WHERE `+strings.Join(where, " AND ")+batchOrder, args...)
}

func (q *queries) ExpiredBatches(ctx context.Context, asOf time.Time) ([]stock.Batch, error) {
	return q.selectBatches(ctx, `SELECT `+batchColumns+` FROM batches
		WHERE is_active AND quantity > 0 AND expires_at <= $1`+batchOrder, asOf)
}

func (q *queries) selectBatches(ctx context.Context, query string, args ...any) ([]stock.Batch, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	result := []stock.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (q *queries) UpdateBatchQuantity(ctx context.Context, id string, from, to int64, actorID string, at time.Time) error {
	if to < 0 {
		return fmt.Errorf("update batch %s: quantity %d: %w", id, to, stock.ErrValidation)
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE batches SET quantity = $1, updated_by = $2, updated_at = $3
		WHERE id = $4 AND quantity = $5 AND is_active
	`, to, actorID, at, id, from)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update batch %s: %w", id, stock.ErrConcurrentModification)
	}
	return nil
}

func (q *queries) ExpireBatch(ctx context.Context, id string, observed int64, actorID string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE batches SET quantity = 0, is_active = FALSE, updated_by = $1, updated_at = $2
		WHERE id = $3 AND is_active AND quantity = $4 AND quantity > 0
	`, actorID, at, id, observed)
	if err != nil {
		return false, fmt.Errorf("expire batch %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

func (q *queries) AppendEntry(ctx context.Context, e stock.LedgerEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO ledger_entries (id, medicine_id, batch_id, action, quantity, reduces, unit_price, total_cost, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11)
	`, e.ID, e.MedicineID, e.BatchID, string(e.Action), e.Quantity, e.Reduces,
		e.UnitPrice.String(), e.TotalCost.String(), e.ActorID, e.Note, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (q *queries) QueryEntries(ctx context.Context, filter stock.LedgerFilter) ([]stock.LedgerView, int, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Action != "" {
		add("l.action = $%d", string(filter.Action))
	}
	if filter.MedicineID != "" {
		add("l.medicine_id::text = $%d", filter.MedicineID)
	}
	if filter.From != nil {
		add("l.created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("l.created_at <= $%d", *filter.To)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries l`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	query := `
		SELECT l.seq, l.id::text, l.medicine_id::text, l.batch_id::text, l.action, l.quantity, l.reduces,
			l.unit_price::text, l.total_cost::text, l.actor_id, l.note, l.created_at,
			COALESCE(m.name, ''), COALESCE(m.category, ''),
			COALESCE(b.batch_number, ''), b.expires_at
		FROM ledger_entries l
		LEFT JOIN medicines m ON m.id = l.medicine_id
		LEFT JOIN batches b ON b.id = l.batch_id` + clause + `
		ORDER BY l.created_at DESC, l.seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset())
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	views := []stock.LedgerView{}
	for rows.Next() {
		var v stock.LedgerView
		var action, price, cost string
		var batchExpiry *time.Time
		if err := rows.Scan(&v.Seq, &v.ID, &v.MedicineID, &v.BatchID, &action, &v.Quantity, &v.Reduces,
			&price, &cost, &v.ActorID, &v.Note, &v.CreatedAt,
			&v.MedicineName, &v.MedicineCategory, &v.BatchNumber, &batchExpiry); err != nil {
			return nil, 0, fmt.Errorf("scan ledger entry: %w", err)
		}
		v.Action = stock.Action(action)
		if v.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, 0, fmt.Errorf("entry %s: bad unit price: %w", v.ID, err)
		}
		if v.TotalCost, err = decimal.NewFromString(cost); err != nil {
			return nil, 0, fmt.Errorf("entry %s: bad total cost: %w", v.ID, err)
		}
		v.CreatedAt = v.CreatedAt.UTC()
		if batchExpiry != nil {
			v.BatchExpiresAt = batchExpiry.UTC()
		}
		views = append(views, v)
	}
	return views, total, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var (
	_ stock.TxStore = (*Store)(nil)
	_ stock.Store   = (*queries)(nil)
)
