package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/Gustavcastform/castform-platform/internal/billing"
	"github.com/Gustavcastform/castform-platform/internal/logging"
	"github.com/Gustavcastform/castform-platform/internal/models"
	"github.com/Gustavcastform/castform-platform/internal/monitoring"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// VapiMessage is the inner payload of a voice provider webhook. Optional
// fields are pointers so absence can be told apart from a zero value.
type VapiMessage struct {
	Type string `json:"type"`
	Call struct {
		ID string `json:"id"`
	} `json:"call"`
	Status             string   `json:"status,omitempty"`
	EndedReason        string   `json:"endedReason,omitempty"`
	Cost               *float64 `json:"cost,omitempty"`
	Transcript         *string  `json:"transcript,omitempty"`
	RecordingURL       *string  `json:"recordingUrl,omitempty"`
	StereoRecordingURL *string  `json:"stereoRecordingUrl,omitempty"`
	StartedAt          *string  `json:"startedAt,omitempty"`
	EndedAt            *string  `json:"endedAt,omitempty"`
	DurationSeconds    *float64 `json:"durationSeconds,omitempty"`
}

type vapiEnvelope struct {
	Message VapiMessage `json:"message"`
}

// VapiReconciler applies end-of-call webhooks to the calls table and kicks
// the biller once a cost lands. Updates are idempotent: redelivering the
// same report writes the same values.
type VapiReconciler struct {
	db     *pgxpool.Pool
	biller *billing.Biller
	secret string
}

// NewVapiReconciler creates a new voice provider webhook reconciler
func NewVapiReconciler(db *pgxpool.Pool, biller *billing.Biller, webhookSecret string) *VapiReconciler {
	return &VapiReconciler{db: db, biller: biller, secret: webhookSecret}
}

// VerifySecret checks the shared-secret header. With no secret configured
// every request is accepted.
func (r *VapiReconciler) VerifySecret(header string) bool {
	if r.secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(r.secret)) == 1
}

// Handle parses the webhook payload and, for an ended call, updates the
// call row. Only end-of-call-report carries cost, transcript and recording;
// a bare status-update/ended writes status and end reason alone. Returns
// ErrCallNotFound when the call id was never dispatched from here.
func (r *VapiReconciler) Handle(ctx context.Context, payload []byte) error {
	var envelope vapiEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		monitoring.RecordWebhookEvent("vapi", "unknown", "bad_payload")
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	msg := envelope.Message

	isEndOfCallReport := msg.Type == "end-of-call-report"
	isStatusUpdateEnded := msg.Type == "status-update" && msg.Status == "ended"
	if !isEndOfCallReport && !isStatusUpdateEnded {
		monitoring.RecordWebhookEvent("vapi", msg.Type, "ignored")
		return nil
	}

	var userID uuid.UUID
	err := r.db.QueryRow(ctx, `
		SELECT user_id FROM calls WHERE id = $1
	`, msg.Call.ID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logging.LogWebhookDrop("vapi", msg.Type, msg.Call.ID)
			monitoring.RecordWebhookEvent("vapi", msg.Type, "unknown_call")
			return ErrCallNotFound
		}
		return fmt.Errorf("failed to look up call: %w", err)
	}

	status := models.CallStatusCompleted
	if msg.EndedReason == "customer-busy" {
		status = models.CallStatusCustomerBusy
	}
	endReason := msg.EndedReason
	if endReason == "" {
		endReason = "Unknown"
	}

	var (
		costCents *int64
		duration  *int
	)
	var transcript, recordingURL *string
	if isEndOfCallReport {
		if msg.Cost != nil {
			c := billing.DollarsToCents(*msg.Cost)
			costCents = &c
		}
		if msg.DurationSeconds != nil {
			d := int(math.Round(*msg.DurationSeconds))
			duration = &d
		}
		transcript = msg.Transcript
		recordingURL = msg.RecordingURL
		if recordingURL == nil {
			recordingURL = msg.StereoRecordingURL
		}
	}

	// Absent fields keep their stored value, so a status-update arriving
	// after the end-of-call-report cannot erase cost or transcript.
	_, err = r.db.Exec(ctx, `
		UPDATE calls
		SET status = $2,
		    end_reason = $3,
		    cost = COALESCE($4, cost),
		    duration = COALESCE($5, duration),
		    transcript = COALESCE($6, transcript),
		    recording_url = COALESCE($7, recording_url),
		    updated_at = NOW()
		WHERE id = $1
	`, msg.Call.ID, status, endReason, costCents, duration, transcript, recordingURL)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}

	monitoring.RecordWebhookEvent("vapi", msg.Type, "processed")
	logging.LogWebhookEvent("vapi", msg.Type, "processed")

	// A newly priced call may push the user over the threshold. Settlement
	// failure must not fail the webhook; the sweeper retries later.
	if costCents != nil && r.biller != nil {
		if _, err := r.biller.SettleUsage(ctx, userID); err != nil {
			logger := logging.NewLogger("vapi-webhook")
			logger.Error().Err(err).
				Str("user_id", userID.String()).
				Str("call_id", msg.Call.ID).
				Msg("post-call settlement failed")
		}
	}

	return nil
}
