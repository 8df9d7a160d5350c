package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gustavcastform/castform-platform/internal/logging"
	"github.com/Gustavcastform/castform-platform/internal/models"
	"github.com/Gustavcastform/castform-platform/internal/monitoring"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/invoice"
	"github.com/stripe/stripe-go/v76/invoiceitem"
)

// Service errors
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrNoStripeCustomer = errors.New("user has no billing account")
)

// UsageInvoice is the provider-side invoice a settlement produced.
type UsageInvoice struct {
	ID        string
	HostedURL string
	Status    string
}

// Invoicer raises a usage invoice with the payment provider. Split out so
// settlement can be tested without a Stripe account.
type Invoicer interface {
	CreateUsageInvoice(ctx context.Context, customerID string, amountCents int64, description string) (*UsageInvoice, error)
}

// StripeInvoicer implements Invoicer against the Stripe API.
type StripeInvoicer struct{}

// NewStripeInvoicer creates a Stripe-backed invoicer
func NewStripeInvoicer(secretKey string) *StripeInvoicer {
	if secretKey != "" {
		stripe.Key = secretKey
	}
	return &StripeInvoicer{}
}

// CreateUsageInvoice creates a one-off invoice for the accumulated call
// cost and finalizes it so Stripe attempts collection immediately.
func (si *StripeInvoicer) CreateUsageInvoice(ctx context.Context, customerID string, amountCents int64, description string) (*UsageInvoice, error) {
	inv, err := invoice.New(&stripe.InvoiceParams{
		Customer:    stripe.String(customerID),
		Description: stripe.String(description),
		AutoAdvance: stripe.Bool(true),
		Metadata: map[string]string{
			"billing_type": "usage",
			"amount_cents": fmt.Sprintf("%d", amountCents),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	_, err = invoiceitem.New(&stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Invoice:     stripe.String(inv.ID),
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String("Usage charges for voice calls"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice item: %w", err)
	}

	finalized, err := invoice.FinalizeInvoice(inv.ID, &stripe.InvoiceFinalizeInvoiceParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize invoice: %w", err)
	}

	return &UsageInvoice{
		ID:        finalized.ID,
		HostedURL: finalized.HostedInvoiceURL,
		Status:    string(finalized.Status),
	}, nil
}

// Settlement reports what one SettleUsage run did. Settled is false when the
// user's unbilled total was still under the threshold.
type Settlement struct {
	Settled     bool   `json:"settled"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	AmountCents int64  `json:"amount"`
	CallCount   int    `json:"call_count"`
}

// Biller turns accumulated unbilled call cost into Stripe invoices. The flip
// from unbilled to billed is conditional on the row still being unbilled, so
// concurrent settlements of the same user cannot double-bill a call.
type Biller struct {
	db             *pgxpool.Pool
	invoicer       Invoicer
	thresholdCents int64
}

// NewBiller creates a new usage biller
func NewBiller(db *pgxpool.Pool, invoicer Invoicer, thresholdCents int64) *Biller {
	return &Biller{
		db:             db,
		invoicer:       invoicer,
		thresholdCents: thresholdCents,
	}
}

// SettleUsage snapshots the user's unbilled calls, and if their total cost
// has reached the threshold, invoices that exact amount and flips exactly
// the snapshotted calls to billed. Calls priced after the snapshot stay
// unbilled for the next settlement. If the invoice cannot be created nothing
// is flipped, so the usage is retried rather than lost.
//
// Users whose subscription has lapsed are skipped: their usage stays
// unbilled and is collected through the payment retry flow instead of a
// fresh invoice that would also fail.
func (b *Biller) SettleUsage(ctx context.Context, userID uuid.UUID) (*Settlement, error) {
	var (
		customerID   *string
		subStatus    models.SubscriptionStatus
		canMakeCalls bool
	)
	err := b.db.QueryRow(ctx, `
		SELECT stripe_customer_id, subscription_status, can_make_calls
		FROM users WHERE id = $1
	`, userID).Scan(&customerID, &subStatus, &canMakeCalls)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if subStatus != models.SubscriptionStatusActive || !canMakeCalls {
		logger := logging.NewLogger("biller")
		logger.Debug().
			Str("user_id", userID.String()).
			Str("subscription_status", string(subStatus)).
			Bool("can_make_calls", canMakeCalls).
			Msg("skipping usage settlement for inactive user")
		return &Settlement{Settled: false}, nil
	}

	// Snapshot: ids and costs of every priced unbilled call right now.
	rows, err := b.db.Query(ctx, `
		SELECT id, cost
		FROM calls
		WHERE user_id = $1 AND billing_status = 'unbilled' AND cost IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot unbilled calls: %w", err)
	}
	defer rows.Close()

	var (
		callIDs []string
		total   int64
	)
	for rows.Next() {
		var id string
		var cost int64
		if err := rows.Scan(&id, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan unbilled call: %w", err)
		}
		callIDs = append(callIDs, id)
		total += cost
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unbilled calls: %w", err)
	}

	if total < b.thresholdCents {
		return &Settlement{Settled: false, AmountCents: total, CallCount: len(callIDs)}, nil
	}

	if customerID == nil || *customerID == "" {
		return nil, ErrNoStripeCustomer
	}

	// Invoice before flipping. A Stripe failure here leaves every call
	// unbilled and the user blocked by the gate until settlement succeeds.
	description := fmt.Sprintf("Call usage: %d calls, %s", len(callIDs), FormatCents(total))
	inv, err := b.invoicer.CreateUsageInvoice(ctx, *customerID, total, description)
	if err != nil {
		return nil, fmt.Errorf("failed to invoice usage: %w", err)
	}

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Conditional flip: a call already billed by a concurrent settlement is
	// left alone.
	result, err := tx.Exec(ctx, `
		UPDATE calls
		SET billing_status = 'billed', updated_at = NOW()
		WHERE id = ANY($1) AND billing_status = 'unbilled'
	`, callIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to mark calls billed: %w", err)
	}
	flipped := result.RowsAffected()

	status := models.InvoiceStatusOpen
	if inv.Status == "paid" {
		status = models.InvoiceStatusPaid
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO invoices (id, user_id, invoice_type, amount, status, hosted_invoice_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, inv.ID, userID, models.InvoiceTypeUsage, total, status, nullableString(inv.HostedURL))
	if err != nil {
		return nil, fmt.Errorf("failed to record invoice: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}

	if int(flipped) != len(callIDs) {
		logger := logging.NewLogger("biller")
		logger.Warn().
			Str("user_id", userID.String()).
			Int("snapshot", len(callIDs)).
			Int64("flipped", flipped).
			Msg("some snapshotted calls were billed concurrently")
	}

	monitoring.RecordUsageInvoice(total)
	logging.LogSettlement(userID.String(), inv.ID, total, len(callIDs))

	return &Settlement{
		Settled:     true,
		InvoiceID:   inv.ID,
		AmountCents: total,
		CallCount:   len(callIDs),
	}, nil
}

// RetrySession is a hosted checkout the user completes to clear an
// outstanding balance or re-establish a lapsed subscription.
type RetrySession struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
	AmountCents int64  `json:"amount"`
	Mode        string `json:"mode"`
}

// CreatePaymentRetrySession creates a Stripe checkout session a blocked user
// completes to resume calling. With unbilled usage outstanding the session
// collects that exact amount; otherwise the block came from the subscription
// itself, and the session restarts it on the configured price.
func (b *Biller) CreatePaymentRetrySession(ctx context.Context, userID uuid.UUID, appURL, priceID string) (*RetrySession, error) {
	var customerID *string
	err := b.db.QueryRow(ctx, `
		SELECT stripe_customer_id FROM users WHERE id = $1
	`, userID).Scan(&customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if customerID == nil || *customerID == "" {
		return nil, ErrNoStripeCustomer
	}

	var outstanding int64
	err = b.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost), 0)
		FROM calls
		WHERE user_id = $1 AND billing_status = 'unbilled'
	`, userID).Scan(&outstanding)
	if err != nil {
		return nil, fmt.Errorf("failed to sum unbilled usage: %w", err)
	}

	var params *stripe.CheckoutSessionParams
	if outstanding > 0 {
		params = &stripe.CheckoutSessionParams{
			Customer:           customerID,
			PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
						Currency: stripe.String("usd"),
						ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
							Name:        stripe.String("Outstanding Usage Charges"),
							Description: stripe.String(fmt.Sprintf("Voice call usage charges totaling %s", FormatCents(outstanding))),
						},
						UnitAmount: stripe.Int64(outstanding),
					},
					Quantity: stripe.Int64(1),
				},
			},
			Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
			SuccessURL: stripe.String(fmt.Sprintf("%s/billing?payment_success=true", appURL)),
			CancelURL:  stripe.String(fmt.Sprintf("%s/billing?payment_canceled=true", appURL)),
			Metadata: map[string]string{
				"user_id":      userID.String(),
				"payment_type": "usage_retry",
			},
		}
	} else {
		params = &stripe.CheckoutSessionParams{
			Customer:           customerID,
			PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					Price:    stripe.String(priceID),
					Quantity: stripe.Int64(1),
				},
			},
			Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			SuccessURL: stripe.String(fmt.Sprintf("%s/billing?subscription_success=true", appURL)),
			CancelURL:  stripe.String(fmt.Sprintf("%s/billing?payment_canceled=true", appURL)),
			Metadata: map[string]string{
				"user_id":      userID.String(),
				"payment_type": "subscription_retry",
			},
		}
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	mode := "payment"
	if outstanding == 0 {
		mode = "subscription"
	}
	return &RetrySession{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
		AmountCents: outstanding,
		Mode:        mode,
	}, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
