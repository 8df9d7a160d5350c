package models

import (
	"time"

	"github.com/google/uuid"
)

// BillingStatus tracks whether a call's cost has been rolled into a usage
// invoice. The unbilled -> billed transition is one-way.
type BillingStatus string

const (
	BillingStatusUnbilled BillingStatus = "unbilled"
	BillingStatusBilled   BillingStatus = "billed"
)

// Call statuses reported by the voice provider. The set is open ended; these
// are the values the reconciler writes itself.
const (
	CallStatusInProgress   = "in-progress"
	CallStatusCompleted    = "completed"
	CallStatusCustomerBusy = "customer-busy"
)

// Call is one outbound phone call. The primary key is the voice provider's
// call id, stored verbatim so webhook events can be resolved without a
// mapping table.
type Call struct {
	ID            string        `json:"id" db:"id"`
	UserID        uuid.UUID     `json:"user_id" db:"user_id"`
	ContactID     uuid.UUID     `json:"contact_id" db:"contact_id"`
	AgentID       uuid.UUID     `json:"agent_id" db:"agent_id"`
	CallName      string        `json:"call_name" db:"call_name"`
	Status        string        `json:"status" db:"status"`
	EndReason     *string       `json:"end_reason,omitempty" db:"end_reason"`
	DurationSecs  *int          `json:"duration,omitempty" db:"duration"`
	CostCents     *int64        `json:"cost,omitempty" db:"cost"`
	Transcript    *string       `json:"transcript,omitempty" db:"transcript"`
	RecordingURL  *string       `json:"recording_url,omitempty" db:"recording_url"`
	BillingStatus BillingStatus `json:"billing_status" db:"billing_status"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}
