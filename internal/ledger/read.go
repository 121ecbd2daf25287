package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/till/internal/money"
)

const selectColumns = `id, timestamp, items, total_cents, status, retry_count, last_error, gateway_id, completed_at, void_reason`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Transaction retrieves a single record by id.
// Returns ErrNotFound if absent.
func (l *Ledger) Transaction(ctx context.Context, id string) (TransactionRecord, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM transactions WHERE id = ?`, id)
	rec, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TransactionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Transactions returns the most recent records first, at most limit of
// them. limit <= 0 returns all.
func (l *Ledger) Transactions(ctx context.Context, limit int) ([]TransactionRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM transactions ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return l.queryTransactions(ctx, "query transactions", query, args...)
}

// AllTransactions returns every record in append order.
func (l *Ledger) AllTransactions(ctx context.Context) ([]TransactionRecord, error) {
	return l.queryTransactions(ctx, "query all transactions",
		`SELECT `+selectColumns+` FROM transactions ORDER BY seq ASC`)
}

// PendingTransactions returns pending records in append order.
func (l *Ledger) PendingTransactions(ctx context.Context) ([]TransactionRecord, error) {
	return l.queryTransactions(ctx, "query pending transactions",
		`SELECT `+selectColumns+` FROM transactions WHERE status = 'pending' ORDER BY seq ASC`)
}

// CompletedSince returns completed records that completed at or after
// since, in append order.
func (l *Ledger) CompletedSince(ctx context.Context, since time.Time) ([]TransactionRecord, error) {
	return l.queryTransactions(ctx, "query completed transactions",
		`SELECT `+selectColumns+` FROM transactions
		 WHERE status = 'completed' AND COALESCE(completed_at, timestamp) >= ?
		 ORDER BY seq ASC`, toMillis(since))
}

// Count returns the number of stored records.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

// Inventory returns the stored inventory snapshot.
// Returns an empty map (not nil) when nothing is stored.
func (l *Ledger) Inventory(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT sku, count FROM inventory ORDER BY sku ASC`)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	inv := make(map[string]int)
	for rows.Next() {
		var sku string
		var count int
		if err := rows.Scan(&sku, &count); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		inv[sku] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inventory: %w", err)
	}
	return inv, nil
}

// ArchiveInfo returns the aggregate counts of archived records.
func (l *Ledger) ArchiveInfo(ctx context.Context) (ArchiveInfo, error) {
	var info ArchiveInfo
	var revenue int64
	var oldest, last sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT archived_count, archived_revenue_cents, oldest_archived, last_archive_date
		FROM archive_info WHERE id = 1
	`).Scan(&info.ArchivedCount, &revenue, &oldest, &last)
	if err != nil {
		return ArchiveInfo{}, fmt.Errorf("read archive info: %w", err)
	}
	info.ArchivedRevenue = money.New(revenue)
	info.OldestArchived = fromNullableMillis(oldest)
	info.LastArchiveDate = fromNullableMillis(last)
	return info, nil
}

// Export returns the full ledger document.
func (l *Ledger) Export(ctx context.Context) (Snapshot, error) {
	inv, err := l.Inventory(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export: %w", err)
	}
	txs, err := l.AllTransactions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export: %w", err)
	}
	info, err := l.ArchiveInfo(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export: %w", err)
	}
	updated, err := l.LastUpdated(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export: %w", err)
	}
	return Snapshot{
		Inventory:                inv,
		Transactions:             txs,
		ArchivedTransactionsInfo: info,
		LastUpdated:              updated,
	}, nil
}

func (l *Ledger) queryTransactions(ctx context.Context, op, query string, args ...any) ([]TransactionRecord, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}

	// Return empty slice instead of nil
	if out == nil {
		out = []TransactionRecord{}
	}
	return out, nil
}

func scanTransaction(row rowScanner) (TransactionRecord, error) {
	var rec TransactionRecord
	var ts, total int64
	var itemsJSON, status string
	var completedAt sql.NullInt64

	if err := row.Scan(
		&rec.ID, &ts, &itemsJSON, &total, &status, &rec.RetryCount,
		&rec.LastError, &rec.GatewayTransactionID, &completedAt, &rec.VoidReason,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransactionRecord{}, err
		}
		return TransactionRecord{}, fmt.Errorf("scan transaction: %w", err)
	}

	items, err := unmarshalItems(itemsJSON)
	if err != nil {
		return TransactionRecord{}, err
	}
	rec.Items = items
	rec.Timestamp = fromMillis(ts)
	rec.Total = money.New(total)
	rec.Status = Status(status)
	rec.CompletedAt = fromNullableMillis(completedAt)
	return rec, nil
}
