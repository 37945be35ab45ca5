package receipt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	filename         TEXT NOT NULL,
	content_type     TEXT NOT NULL,
	saved_path       TEXT NOT NULL,
	vendor           TEXT,
	transaction_date TEXT,
	amount           REAL,
	category         TEXT,
	currency         TEXT,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_transaction_date ON receipts(transaction_date);
CREATE INDEX IF NOT EXISTS idx_receipts_amount ON receipts(amount);
`

const receiptColumns = `id, filename, content_type, saved_path, vendor, transaction_date, amount, category, currency, created_at`

// SQLiteDB implements the DB interface on SQLite. Filters and ordering run
// inside the database engine. Amounts are summed in decimal, as BoltDB does.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens (and migrates) the SQLite database at path
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 1000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r                                  Receipt
		vendor, txDate, category, currency sql.NullString
		amount                             sql.NullFloat64
		createdAt                          string
	)
	err := row.Scan(&r.ID, &r.Filename, &r.ContentType, &r.SavedPath,
		&vendor, &txDate, &amount, &category, &currency, &createdAt)
	if err != nil {
		return nil, err
	}

	r.Vendor = nullString(vendor)
	r.Category = nullString(category)
	r.Currency = nullString(currency)
	if amount.Valid {
		r.Amount = &amount.Float64
	}
	if txDate.Valid {
		d, err := ParseDate(txDate.String)
		if err != nil {
			return nil, err
		}
		r.TransactionDate = &d
	}
	if r.CreatedAt, err = ParseDate(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func dateArg(d *Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// ptrArg converts a nil pointer to a SQL NULL
func ptrArg[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func (s *SQLiteDB) queryReceipts(ctx context.Context, query string, args ...any) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("querying receipts", err)
	}
	defer rows.Close()

	receipts := make([]*Receipt, 0)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, storageErr("scanning receipt", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating receipts", err)
	}
	return receipts, nil
}

// CreateReceipt inserts a receipt and sets its ID
func (s *SQLiteDB) CreateReceipt(ctx context.Context, receipt *Receipt) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts (filename, content_type, saved_path, vendor, transaction_date, amount, category, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		receipt.Filename, receipt.ContentType, receipt.SavedPath,
		ptrArg(receipt.Vendor), dateArg(receipt.TransactionDate), ptrArg(receipt.Amount),
		ptrArg(receipt.Category), ptrArg(receipt.Currency), receipt.CreatedAt.String(),
	)
	if err != nil {
		return storageErr("saving receipt", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("reading receipt id", err)
	}
	receipt.ID = id
	return nil
}

// GetReceipt retrieves a receipt by ID
func (s *SQLiteDB) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr("getting receipt", err)
	}
	return r, nil
}

// ListReceipts returns a page of receipts ordered by ID
func (s *SQLiteDB) ListReceipts(ctx context.Context, page Page) ([]*Receipt, error) {
	return s.SearchReceipts(ctx, Criteria{}, page)
}

// UpdateReceipt applies fn to a stored receipt inside one transaction
func (s *SQLiteDB) UpdateReceipt(ctx context.Context, id int64, fn func(*Receipt) error) (*Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("starting transaction", err)
	}
	defer tx.Rollback()

	r, err := scanReceipt(tx.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr("getting receipt", err)
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	r.ID = id

	_, err = tx.ExecContext(ctx,
		`UPDATE receipts SET filename = ?, content_type = ?, saved_path = ?, vendor = ?, transaction_date = ?,
		 amount = ?, category = ?, currency = ?, created_at = ? WHERE id = ?`,
		r.Filename, r.ContentType, r.SavedPath, ptrArg(r.Vendor), dateArg(r.TransactionDate),
		ptrArg(r.Amount), ptrArg(r.Category), ptrArg(r.Currency), r.CreatedAt.String(), id,
	)
	if err != nil {
		return nil, storageErr("updating receipt", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("committing update", err)
	}
	return r, nil
}

// DeleteReceipt removes a receipt from the database
func (s *SQLiteDB) DeleteReceipt(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM receipts WHERE id = ?`, id)
	if err != nil {
		return storageErr("deleting receipt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("deleting receipt", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// where renders criteria as a SQL condition with positional arguments
func (c Criteria) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if c.Keyword != "" {
		conds = append(conds, `(instr(lower(filename), ?) > 0 OR instr(lower(vendor), ?) > 0 OR instr(lower(category), ?) > 0)`)
		kw := strings.ToLower(c.Keyword)
		args = append(args, kw, kw, kw)
	}
	if c.MinAmount != nil {
		conds = append(conds, `amount >= ?`)
		args = append(args, *c.MinAmount)
	}
	if c.MaxAmount != nil {
		conds = append(conds, `amount <= ?`)
		args = append(args, *c.MaxAmount)
	}
	if c.StartDate != nil {
		conds = append(conds, `transaction_date >= ?`)
		args = append(args, NewDate(*c.StartDate).String())
	}
	if c.EndDate != nil {
		conds = append(conds, `transaction_date <= ?`)
		args = append(args, NewDate(*c.EndDate).String())
	}
	if c.VendorPattern != "" {
		conds = append(conds, `instr(lower(vendor), ?) > 0`)
		args = append(args, strings.ToLower(c.VendorPattern))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// limit renders a page as LIMIT/OFFSET; SQLite needs a LIMIT for OFFSET so -1 means unbounded
func (p Page) limit() (string, []any) {
	limit := -1
	if p.Limit > 0 {
		limit = p.Limit
	}
	return ` LIMIT ? OFFSET ?`, []any{limit, max(p.Skip, 0)}
}

// orderBy renders sort options with nulls placed last in both directions
func (o SortOptions) orderBy() string {
	o = o.normalized()
	column := map[SortField]string{
		SortByAmount: "amount",
		SortByDate:   "transaction_date",
		SortByVendor: "vendor",
	}[o.By]
	if column == "" {
		return " ORDER BY id ASC"
	}
	dir := "ASC"
	if o.Order == Descending {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s IS NULL, %s %s, id ASC", column, column, dir)
}

// SearchReceipts returns a page of receipts matching criteria
func (s *SQLiteDB) SearchReceipts(ctx context.Context, criteria Criteria, page Page) ([]*Receipt, error) {
	where, args := criteria.where()
	limit, limitArgs := page.limit()
	return s.queryReceipts(ctx, `SELECT `+receiptColumns+` FROM receipts`+where+` ORDER BY id ASC`+limit, append(args, limitArgs...)...)
}

// SortReceipts returns a page of receipts in the requested order
func (s *SQLiteDB) SortReceipts(ctx context.Context, opts SortOptions, page Page) ([]*Receipt, error) {
	limit, limitArgs := page.limit()
	return s.queryReceipts(ctx, `SELECT `+receiptColumns+` FROM receipts`+opts.orderBy()+limit, limitArgs...)
}

// accumulate folds every receipt with an amount through the decimal
// accumulator BoltDB uses. One statement reads one snapshot, so a concurrent
// write is either fully visible or not at all.
func (s *SQLiteDB) accumulate(ctx context.Context, keepAmounts bool) (*spendAccumulator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE amount IS NOT NULL ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr("reading amounts", err)
	}
	defer rows.Close()

	acc := newSpendAccumulator(keepAmounts)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, storageErr("scanning receipt", err)
		}
		acc.add(r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading amounts", err)
	}
	return acc, nil
}

// TotalSpend sums every non-null amount
func (s *SQLiteDB) TotalSpend(ctx context.Context) (float64, error) {
	acc, err := s.accumulate(ctx, false)
	if err != nil {
		return 0, err
	}
	return acc.totalSpend(), nil
}

// SpendStatistics computes mean, median and mode of non-null amounts
func (s *SQLiteDB) SpendStatistics(ctx context.Context) (SpendStatistics, error) {
	acc, err := s.accumulate(ctx, true)
	if err != nil {
		return SpendStatistics{}, err
	}
	return acc.statistics(), nil
}

// VendorFrequency counts receipts per vendor
func (s *SQLiteDB) VendorFrequency(ctx context.Context) ([]VendorCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vendor, COUNT(id) FROM receipts WHERE vendor IS NOT NULL GROUP BY vendor ORDER BY COUNT(id) DESC, vendor ASC`)
	if err != nil {
		return nil, storageErr("counting vendors", err)
	}
	defer rows.Close()

	out := make([]VendorCount, 0)
	for rows.Next() {
		var vc VendorCount
		if err := rows.Scan(&vc.Vendor, &vc.Count); err != nil {
			return nil, storageErr("counting vendors", err)
		}
		out = append(out, vc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("counting vendors", err)
	}
	return out, nil
}

// MonthlySpendTrend sums amounts per transaction month
func (s *SQLiteDB) MonthlySpendTrend(ctx context.Context) ([]MonthlySpend, error) {
	acc, err := s.accumulate(ctx, false)
	if err != nil {
		return nil, err
	}
	return acc.monthlyTrend(), nil
}

// SpendByCategory sums amounts per category
func (s *SQLiteDB) SpendByCategory(ctx context.Context) ([]CategorySpend, error) {
	acc, err := s.accumulate(ctx, false)
	if err != nil {
		return nil, err
	}
	return acc.categorySpend(), nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
