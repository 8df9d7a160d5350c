package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gustavcastform/castform-platform/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Dashboard is the billing overview the frontend renders: how close the user
// is to the usage threshold, lifetime billed total, and recent invoices.
type Dashboard struct {
	SubscriptionStatus string           `json:"subscription_status"`
	CanMakeCalls       bool             `json:"can_make_calls"`
	UnbilledCents      int64            `json:"unbilled_usage"`
	BilledCents        int64            `json:"billed_usage"`
	ThresholdCents     int64            `json:"threshold"`
	RemainingCents     int64            `json:"remaining_usage"`
	UsagePercent       float64          `json:"usage_percent"`
	UnbilledFormatted  string           `json:"unbilled_usage_formatted"`
	CallStats          *CallStats       `json:"call_stats"`
	RecentCalls        []models.Call    `json:"recent_calls"`
	Invoices           []models.Invoice `json:"invoices"`
}

// DashboardService assembles the billing dashboard from the ledger and the
// local invoice and subscription projections. Reads only.
type DashboardService struct {
	db             *pgxpool.Pool
	ledger         *Ledger
	thresholdCents int64
}

// NewDashboardService creates a new dashboard service
func NewDashboardService(db *pgxpool.Pool, ledger *Ledger, thresholdCents int64) *DashboardService {
	return &DashboardService{db: db, ledger: ledger, thresholdCents: thresholdCents}
}

// GetDashboard builds the billing overview for a user.
func (d *DashboardService) GetDashboard(ctx context.Context, userID uuid.UUID) (*Dashboard, error) {
	var (
		status       models.SubscriptionStatus
		canMakeCalls bool
	)
	err := d.db.QueryRow(ctx, `
		SELECT subscription_status, can_make_calls FROM users WHERE id = $1
	`, userID).Scan(&status, &canMakeCalls)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	unbilled, err := d.ledger.UnbilledTotal(ctx, userID)
	if err != nil {
		return nil, err
	}
	billed, err := d.ledger.BilledTotal(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := d.ledger.UnbilledCallStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	invoices, err := d.recentInvoices(ctx, userID, 20)
	if err != nil {
		return nil, err
	}
	calls, err := d.recentCalls(ctx, userID, 10)
	if err != nil {
		return nil, err
	}

	remaining := d.thresholdCents - unbilled
	if remaining < 0 {
		remaining = 0
	}
	var percent float64
	if d.thresholdCents > 0 {
		percent = float64(unbilled) / float64(d.thresholdCents) * 100
		if percent > 100 {
			percent = 100
		}
	}

	return &Dashboard{
		SubscriptionStatus: string(status),
		CanMakeCalls:       canMakeCalls,
		UnbilledCents:      unbilled,
		BilledCents:        billed,
		ThresholdCents:     d.thresholdCents,
		RemainingCents:     remaining,
		UsagePercent:       percent,
		UnbilledFormatted:  FormatCents(unbilled),
		CallStats:          stats,
		RecentCalls:        calls,
		Invoices:           invoices,
	}, nil
}

func (d *DashboardService) recentCalls(ctx context.Context, userID uuid.UUID, limit int) ([]models.Call, error) {
	rows, err := d.db.Query(ctx, `
		SELECT id, user_id, contact_id, agent_id, call_name, status, end_reason,
		       duration, cost, billing_status, created_at
		FROM calls
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		var call models.Call
		err := rows.Scan(&call.ID, &call.UserID, &call.ContactID, &call.AgentID,
			&call.CallName, &call.Status, &call.EndReason, &call.DurationSecs,
			&call.CostCents, &call.BillingStatus, &call.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calls: %w", err)
	}
	return calls, nil
}

func (d *DashboardService) recentInvoices(ctx context.Context, userID uuid.UUID, limit int) ([]models.Invoice, error) {
	rows, err := d.db.Query(ctx, `
		SELECT id, user_id, invoice_type, amount, status, hosted_invoice_url, created_at
		FROM invoices
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		var inv models.Invoice
		err := rows.Scan(&inv.ID, &inv.UserID, &inv.InvoiceType, &inv.AmountCents,
			&inv.Status, &inv.HostedURL, &inv.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoices: %w", err)
	}
	return invoices, nil
}
