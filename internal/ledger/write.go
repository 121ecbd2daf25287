package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AppendTransaction inserts a new transaction record.
//
// A pending record is rejected with ErrPendingExists when another pending
// record is already present; the partial unique index is the backstop.
func (l *Ledger) AppendTransaction(ctx context.Context, rec TransactionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("append transaction: id is required")
	}
	itemsJSON, err := marshalItems(rec.Items)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}

	return l.withTx(ctx, "append transaction", func(tx *sql.Tx) error {
		if rec.Status == StatusPending {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT id FROM transactions WHERE status = 'pending' LIMIT 1`).Scan(&existing)
			if err == nil {
				return fmt.Errorf("%w: %s", ErrPendingExists, existing)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check pending: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions
			(id, timestamp, items, total_cents, status, retry_count, last_error, gateway_id, completed_at, void_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.ID,
			toMillis(rec.Timestamp),
			itemsJSON,
			rec.Total.Int64(),
			string(rec.Status),
			rec.RetryCount,
			rec.LastError,
			rec.GatewayTransactionID,
			nullableMillis(rec.CompletedAt),
			rec.VoidReason,
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", rec.ID, err)
		}
		return nil
	})
}

// MarkCompleted transitions a pending record to completed.
func (l *Ledger) MarkCompleted(ctx context.Context, id, gatewayID string, at time.Time) error {
	return l.withTx(ctx, "mark completed", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET status = 'completed', gateway_id = ?, completed_at = ?, last_error = ''
			WHERE id = ? AND status = 'pending'
		`, gatewayID, toMillis(at), id)
		if err != nil {
			return err
		}
		return requireUpdated(ctx, tx, res, id)
	})
}

// RecordFailure updates the retry count and last error of a pending record.
// The record stays pending.
func (l *Ledger) RecordFailure(ctx context.Context, id string, retryCount int, lastError string) error {
	return l.withTx(ctx, "record failure", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET retry_count = ?, last_error = ?
			WHERE id = ? AND status = 'pending'
		`, retryCount, lastError, id)
		if err != nil {
			return err
		}
		return requireUpdated(ctx, tx, res, id)
	})
}

// Void transitions a pending record to voided with a reason.
func (l *Ledger) Void(ctx context.Context, id, reason string) error {
	return l.withTx(ctx, "void", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET status = 'voided', void_reason = ?
			WHERE id = ? AND status = 'pending'
		`, reason, id)
		if err != nil {
			return err
		}
		return requireUpdated(ctx, tx, res, id)
	})
}

// RecoverPending voids every pending record with reason and returns the ids
// voided, in append order. Inventory is not touched.
func (l *Ledger) RecoverPending(ctx context.Context, reason string) ([]string, error) {
	var ids []string
	err := l.withTx(ctx, "recover pending", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM transactions WHERE status = 'pending' ORDER BY seq ASC`)
		if err != nil {
			return fmt.Errorf("query pending: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate pending: %w", err)
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions SET status = 'voided', void_reason = ?
			WHERE status = 'pending'
		`, reason)
		if err != nil {
			return fmt.Errorf("void pending: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// SaveInventory replaces the stored inventory snapshot.
func (l *Ledger) SaveInventory(ctx context.Context, inventory map[string]int) error {
	return l.withTx(ctx, "save inventory", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM inventory`); err != nil {
			return fmt.Errorf("clear inventory: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO inventory (sku, count) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare inventory insert: %w", err)
		}
		defer stmt.Close()
		for sku, count := range inventory {
			if _, err := stmt.ExecContext(ctx, sku, count); err != nil {
				return fmt.Errorf("insert inventory %s: %w", sku, err)
			}
		}
		return nil
	})
}

// requireUpdated maps a zero-row update to ErrNotFound or ErrNotPending.
func requireUpdated(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrNotPending, id, status)
}
