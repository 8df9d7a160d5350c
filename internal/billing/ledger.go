package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger aggregates unbilled call cost per user. It is read-only: the
// dispatcher inserts the rows, the reconciler prices them, the biller flips
// them to billed. Storage errors always propagate; a masked error here would
// read as zero usage and defeat the billing gate.
type Ledger struct {
	db *pgxpool.Pool
}

// NewLedger creates a new usage ledger
func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{db: db}
}

// CallStats summarizes a user's unbilled calls for dashboard display.
type CallStats struct {
	Count                int   `json:"count"`
	TotalDurationSeconds int64 `json:"total_duration_seconds"`
	SuccessfulCount      int   `json:"successful_count"`
	FailedCount          int   `json:"failed_count"`
}

// UnbilledTotal returns the sum of cost in cents over the user's unbilled
// calls. Calls that have not reported a cost yet contribute nothing.
func (l *Ledger) UnbilledTotal(ctx context.Context, userID uuid.UUID) (int64, error) {
	var total int64
	err := l.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost), 0)
		FROM calls
		WHERE user_id = $1 AND billing_status = 'unbilled'
	`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum unbilled usage: %w", err)
	}
	return total, nil
}

// BilledTotal returns the sum of cost in cents over the user's billed calls.
func (l *Ledger) BilledTotal(ctx context.Context, userID uuid.UUID) (int64, error) {
	var total int64
	err := l.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost), 0)
		FROM calls
		WHERE user_id = $1 AND billing_status = 'billed'
	`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum billed usage: %w", err)
	}
	return total, nil
}

// UnbilledCallStats returns count, duration and outcome totals over the
// user's unbilled calls.
func (l *Ledger) UnbilledCallStats(ctx context.Context, userID uuid.UUID) (*CallStats, error) {
	var stats CallStats
	err := l.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(duration), 0),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status NOT IN ('completed', 'in-progress'))
		FROM calls
		WHERE user_id = $1 AND billing_status = 'unbilled'
	`, userID).Scan(&stats.Count, &stats.TotalDurationSeconds, &stats.SuccessfulCount, &stats.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query unbilled call stats: %w", err)
	}
	return &stats, nil
}
