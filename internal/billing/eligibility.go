package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gustavcastform/castform-platform/internal/models"
	"github.com/Gustavcastform/castform-platform/internal/monitoring"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Denial reasons, used as metric labels.
const (
	DenialReasonUserNotFound = "user_not_found"
	DenialReasonSubscription = "subscription_inactive"
	DenialReasonUsageLimit   = "usage_limit"
)

// Eligibility is the gate's decision plus the figures the dashboard shows.
type Eligibility struct {
	CanMakeCall        bool   `json:"canMakeCall"`
	Reason             string `json:"reason,omitempty"`
	CurrentUsageCents  int64  `json:"currentUsage"`
	ThresholdCents     int64  `json:"thresholdAmount"`
	SubscriptionStatus string `json:"subscriptionStatus"`
}

// Gate decides whether a user may place a new call. It reads the local
// subscription projection and the usage ledger only; it never calls Stripe.
// Safe for concurrent use, all checks are reads.
type Gate struct {
	db             *pgxpool.Pool
	ledger         *Ledger
	thresholdCents int64
}

// NewGate creates a new eligibility gate
func NewGate(db *pgxpool.Pool, ledger *Ledger, thresholdCents int64) *Gate {
	return &Gate{
		db:             db,
		ledger:         ledger,
		thresholdCents: thresholdCents,
	}
}

// Threshold returns the configured usage threshold in cents.
func (g *Gate) Threshold() int64 {
	return g.thresholdCents
}

// CheckEligibility runs the ordered checks from the billing design: the user
// must exist, the subscription projection must allow calls, and unbilled
// usage must be strictly under the threshold. The first failing check wins.
// Storage errors are returned, never converted into a denial or an approval.
func (g *Gate) CheckEligibility(ctx context.Context, userID uuid.UUID) (*Eligibility, error) {
	var (
		status       models.SubscriptionStatus
		canMakeCalls bool
	)
	err := g.db.QueryRow(ctx, `
		SELECT subscription_status, can_make_calls
		FROM users
		WHERE id = $1
	`, userID).Scan(&status, &canMakeCalls)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			monitoring.RecordEligibilityDenial(DenialReasonUserNotFound)
			return &Eligibility{
				CanMakeCall:        false,
				Reason:             "User not found",
				ThresholdCents:     g.thresholdCents,
				SubscriptionStatus: "unknown",
			}, nil
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	// The flag is authoritative: a payment failure blocks calls through it
	// even when usage is fine.
	if status != models.SubscriptionStatusActive || !canMakeCalls {
		monitoring.RecordEligibilityDenial(DenialReasonSubscription)
		return &Eligibility{
			CanMakeCall:        false,
			Reason:             fmt.Sprintf("Subscription is %s. Please update your billing information.", status),
			ThresholdCents:     g.thresholdCents,
			SubscriptionStatus: string(status),
		}, nil
	}

	usage, err := g.ledger.UnbilledTotal(ctx, userID)
	if err != nil {
		return nil, err
	}

	if usage >= g.thresholdCents {
		monitoring.RecordEligibilityDenial(DenialReasonUsageLimit)
		return &Eligibility{
			CanMakeCall:        false,
			Reason:             fmt.Sprintf("Usage limit exceeded. Current unbilled usage: %s. Please pay your outstanding balance to continue making calls.", FormatCents(usage)),
			CurrentUsageCents:  usage,
			ThresholdCents:     g.thresholdCents,
			SubscriptionStatus: string(status),
		}, nil
	}

	return &Eligibility{
		CanMakeCall:        true,
		CurrentUsageCents:  usage,
		ThresholdCents:     g.thresholdCents,
		SubscriptionStatus: string(status),
	}, nil
}
