package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription mirrors a Stripe subscription. Rows are upserted by the
// webhook reconciler; history rows accumulate but only an active one drives
// eligibility.
type Subscription struct {
	ID               string             `json:"id" db:"id"`
	UserID           uuid.UUID          `json:"user_id" db:"user_id"`
	Status           SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
}
