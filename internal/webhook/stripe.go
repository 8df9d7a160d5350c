package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gustavcastform/castform-platform/internal/cache"
	"github.com/Gustavcastform/castform-platform/internal/logging"
	"github.com/Gustavcastform/castform-platform/internal/models"
	"github.com/Gustavcastform/castform-platform/internal/monitoring"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stripe/stripe-go/v76"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
)

// Service errors
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrCallNotFound     = errors.New("call record not found")
)

// Dedupe window for provider event ids. Stripe retries for up to three days.
const eventDedupeTTL = 72 * time.Hour

// StripeReconciler folds Stripe billing events into the local projections:
// the users.subscription_status/can_make_calls pair, the subscriptions
// table, and the invoices table. Events for customers we do not know are
// logged and dropped so Stripe stops retrying them.
type StripeReconciler struct {
	db     *pgxpool.Pool
	cache  *cache.Redis
	secret string
}

// NewStripeReconciler creates a new Stripe webhook reconciler
func NewStripeReconciler(db *pgxpool.Pool, c *cache.Redis, webhookSecret string) *StripeReconciler {
	return &StripeReconciler{db: db, cache: c, secret: webhookSecret}
}

// Handle verifies the payload signature and applies the event. Duplicate
// deliveries are detected by event id and acknowledged without reapplying.
func (r *StripeReconciler) Handle(ctx context.Context, payload []byte, signature string) error {
	event, err := stripewebhook.ConstructEvent(payload, signature, r.secret)
	if err != nil {
		monitoring.RecordWebhookEvent("stripe", "unknown", "bad_signature")
		return ErrInvalidSignature
	}

	eventType := string(event.Type)

	if r.cache != nil {
		first, err := r.cache.MarkEventProcessed(ctx, "stripe", event.ID, eventDedupeTTL)
		if err != nil {
			// Redis being down must not drop billing events; fall through
			// and rely on the handlers being idempotent.
			logger := logging.NewLogger("stripe-webhook")
			logger.Warn().Err(err).Msg("event dedupe unavailable")
		} else if !first {
			monitoring.RecordWebhookEvent("stripe", eventType, "duplicate")
			return nil
		}
	}

	switch event.Type {
	case "checkout.session.completed":
		err = r.handleCheckoutCompleted(ctx, event)
	case "invoice.payment_succeeded":
		err = r.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		err = r.handleInvoicePaymentFailed(ctx, event)
	case "customer.subscription.updated":
		err = r.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = r.handleSubscriptionDeleted(ctx, event)
	default:
		monitoring.RecordWebhookEvent("stripe", eventType, "ignored")
		return nil
	}

	if err != nil {
		monitoring.RecordWebhookEvent("stripe", eventType, "error")
		return err
	}
	monitoring.RecordWebhookEvent("stripe", eventType, "processed")
	logging.LogWebhookEvent("stripe", eventType, "processed")
	return nil
}

// resolveUser maps a Stripe customer id to a local user. A miss is not an
// error: the event is for a customer this deployment never created.
func (r *StripeReconciler) resolveUser(ctx context.Context, eventType, customerID string) (uuid.UUID, bool, error) {
	var userID uuid.UUID
	err := r.db.QueryRow(ctx, `
		SELECT id FROM users WHERE stripe_customer_id = $1
	`, customerID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logging.LogWebhookDrop("stripe", eventType, customerID)
			monitoring.RecordWebhookEvent("stripe", eventType, "unknown_customer")
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, true, nil
}

func (r *StripeReconciler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}
	if sess.Customer == nil || sess.Subscription == nil {
		logging.LogWebhookDrop("stripe", string(event.Type), "missing customer or subscription")
		return nil
	}

	userID, found, err := r.resolveUser(ctx, string(event.Type), sess.Customer.ID)
	if err != nil || !found {
		return err
	}

	return r.setUserBillingState(ctx, userID, models.SubscriptionStatusActive, true)
}

func (r *StripeReconciler) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("failed to parse invoice: %w", err)
	}
	if inv.Customer == nil {
		logging.LogWebhookDrop("stripe", string(event.Type), "missing customer")
		return nil
	}

	userID, found, err := r.resolveUser(ctx, string(event.Type), inv.Customer.ID)
	if err != nil || !found {
		return err
	}

	subscriptionID := ""
	if inv.Subscription != nil {
		subscriptionID = inv.Subscription.ID
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if subscriptionID != "" {
		periodEnd := time.Unix(inv.PeriodEnd, 0).UTC()
		_, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (id, user_id, status, current_period_end)
			VALUES ($1, $2, 'active', $3)
			ON CONFLICT (id) DO UPDATE SET
				status = 'active',
				current_period_end = EXCLUDED.current_period_end,
				updated_at = NOW()
		`, subscriptionID, userID, periodEnd)
		if err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}
	}

	if err := upsertInvoice(ctx, tx, &inv, userID, subscriptionID, inv.AmountPaid, models.InvoiceStatusPaid); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE users
		SET subscription_status = 'active', can_make_calls = TRUE, updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to unblock user: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *StripeReconciler) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("failed to parse invoice: %w", err)
	}
	if inv.Customer == nil {
		logging.LogWebhookDrop("stripe", string(event.Type), "missing customer")
		return nil
	}

	userID, found, err := r.resolveUser(ctx, string(event.Type), inv.Customer.ID)
	if err != nil || !found {
		return err
	}

	subscriptionID := ""
	if inv.Subscription != nil {
		subscriptionID = inv.Subscription.ID
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := upsertInvoice(ctx, tx, &inv, userID, subscriptionID, inv.AmountDue, models.InvoiceStatusOpen); err != nil {
		return err
	}

	// Failed collection blocks calls until a later payment succeeds.
	_, err = tx.Exec(ctx, `
		UPDATE users
		SET subscription_status = 'past_due', can_make_calls = FALSE, updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to block user: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *StripeReconciler) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}
	if sub.Customer == nil {
		logging.LogWebhookDrop("stripe", string(event.Type), "missing customer")
		return nil
	}

	userID, found, err := r.resolveUser(ctx, string(event.Type), sub.Customer.ID)
	if err != nil || !found {
		return err
	}

	status := models.SubscriptionStatus(sub.Status)
	canMakeCalls := status == models.SubscriptionStatusActive
	periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, status, current_period_end)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = NOW()
	`, sub.ID, userID, status, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users
		SET subscription_status = $1, can_make_calls = $2, updated_at = NOW()
		WHERE id = $3
	`, status, canMakeCalls, userID)
	if err != nil {
		return fmt.Errorf("failed to update user billing state: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *StripeReconciler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}
	if sub.Customer == nil {
		logging.LogWebhookDrop("stripe", string(event.Type), "missing customer")
		return nil
	}

	userID, found, err := r.resolveUser(ctx, string(event.Type), sub.Customer.ID)
	if err != nil || !found {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE subscriptions SET status = 'canceled', updated_at = NOW() WHERE id = $1
	`, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users
		SET subscription_status = 'canceled', can_make_calls = FALSE, updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to block user: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *StripeReconciler) setUserBillingState(ctx context.Context, userID uuid.UUID, status models.SubscriptionStatus, canMakeCalls bool) error {
	_, err := r.db.Exec(ctx, `
		UPDATE users
		SET subscription_status = $1, can_make_calls = $2, updated_at = NOW()
		WHERE id = $3
	`, status, canMakeCalls, userID)
	if err != nil {
		return fmt.Errorf("failed to update user billing state: %w", err)
	}
	return nil
}

// upsertInvoice records the local projection of a Stripe invoice. Usage
// invoices carry no subscription; that distinction is preserved in
// invoice_type.
func upsertInvoice(ctx context.Context, tx pgx.Tx, inv *stripe.Invoice, userID uuid.UUID, subscriptionID string, amountCents int64, status models.InvoiceStatus) error {
	invoiceType := models.InvoiceTypeUsage
	if subscriptionID != "" {
		invoiceType = models.InvoiceTypeSubscription
	}

	var hostedURL *string
	if inv.HostedInvoiceURL != "" {
		u := inv.HostedInvoiceURL
		hostedURL = &u
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO invoices (id, user_id, invoice_type, amount, status, hosted_invoice_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			hosted_invoice_url = EXCLUDED.hosted_invoice_url
	`, inv.ID, userID, invoiceType, amountCents, status, hostedURL)
	if err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return nil
}
