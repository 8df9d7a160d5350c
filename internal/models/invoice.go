package models

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceType distinguishes recurring subscription invoices from the usage
// invoices the biller raises when unbilled call cost crosses the threshold.
type InvoiceType string

const (
	InvoiceTypeSubscription InvoiceType = "subscription"
	InvoiceTypeUsage        InvoiceType = "usage"
)

// InvoiceStatus is the local projection of the Stripe invoice status.
type InvoiceStatus string

const (
	InvoiceStatusOpen InvoiceStatus = "open"
	InvoiceStatusPaid InvoiceStatus = "paid"
)

// Invoice mirrors a Stripe invoice. The id is the Stripe invoice id verbatim.
// For a usage invoice, AmountCents equals the sum of the call costs flipped
// to billed in the same settlement.
type Invoice struct {
	ID          string        `json:"id" db:"id"`
	UserID      uuid.UUID     `json:"user_id" db:"user_id"`
	InvoiceType InvoiceType   `json:"invoice_type" db:"invoice_type"`
	AmountCents int64         `json:"amount" db:"amount"`
	Status      InvoiceStatus `json:"status" db:"status"`
	HostedURL   *string       `json:"hosted_invoice_url,omitempty" db:"hosted_invoice_url"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}
