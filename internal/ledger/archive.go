package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/till/internal/money"
)

type rotationCandidate struct {
	seq       int64
	timestamp int64
	total     int64
	status    Status
}

// Rotate archives records beyond the retention policy, oldest first.
//
// A record is archived when it is older than policy.MaxAge, or while the
// ledger still holds more than policy.MaxCount records. Pending records are
// never archived and still count toward the ceiling. Archived records are
// deleted; their count, completed revenue, oldest timestamp and the archive
// date accumulate in archive_info.
func (l *Ledger) Rotate(ctx context.Context, policy RetentionPolicy, now time.Time) (ArchiveResult, error) {
	var result ArchiveResult
	err := l.withTx(ctx, "rotate", func(tx *sql.Tx) error {
		var total int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&total); err != nil {
			return fmt.Errorf("count: %w", err)
		}

		candidates, err := loadRotationCandidates(ctx, tx)
		if err != nil {
			return err
		}

		var cutoff int64
		if policy.MaxAge > 0 {
			cutoff = toMillis(now.Add(-policy.MaxAge))
		}

		remaining := total
		var archived []int64
		var revenue int64
		oldest := int64(-1)
		for _, c := range candidates {
			tooOld := policy.MaxAge > 0 && c.timestamp < cutoff
			overCeiling := policy.MaxCount > 0 && remaining > policy.MaxCount
			if !tooOld && !overCeiling {
				continue
			}
			archived = append(archived, c.seq)
			remaining--
			if c.status == StatusCompleted {
				revenue += c.total
			}
			if oldest < 0 || c.timestamp < oldest {
				oldest = c.timestamp
			}
		}

		if len(archived) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `DELETE FROM transactions WHERE seq = ?`)
		if err != nil {
			return fmt.Errorf("prepare delete: %w", err)
		}
		defer stmt.Close()
		for _, seq := range archived {
			if _, err := stmt.ExecContext(ctx, seq); err != nil {
				return fmt.Errorf("delete seq %d: %w", seq, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE archive_info SET
				archived_count = archived_count + ?,
				archived_revenue_cents = archived_revenue_cents + ?,
				oldest_archived = CASE
					WHEN oldest_archived IS NULL OR oldest_archived > ? THEN ?
					ELSE oldest_archived END,
				last_archive_date = ?
			WHERE id = 1
		`, len(archived), revenue, oldest, oldest, toMillis(now))
		if err != nil {
			return fmt.Errorf("update archive info: %w", err)
		}

		result = ArchiveResult{Archived: len(archived), Revenue: money.New(revenue)}
		return nil
	})
	if err != nil {
		return ArchiveResult{}, err
	}
	return result, nil
}

// loadRotationCandidates returns non-pending records oldest first.
func loadRotationCandidates(ctx context.Context, tx *sql.Tx) ([]rotationCandidate, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, timestamp, total_cents, status
		FROM transactions
		WHERE status != 'pending'
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []rotationCandidate
	for rows.Next() {
		var c rotationCandidate
		var status string
		if err := rows.Scan(&c.seq, &c.timestamp, &c.total, &status); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.status = Status(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}
