package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus mirrors the Stripe subscription status vocabulary.
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

// User represents a platform account. The subscription_status and
// can_make_calls columns are a local projection of Stripe state: only the
// webhook reconciler writes them, everything else reads them.
type User struct {
	ID                 uuid.UUID          `json:"id" db:"id"`
	Email              string             `json:"email" db:"email"`
	Name               string             `json:"name" db:"name"`
	StripeCustomerID   *string            `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status" db:"subscription_status"`
	CanMakeCalls       bool               `json:"can_make_calls" db:"can_make_calls"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}
