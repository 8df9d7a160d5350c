package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gustavcastform/castform-platform/internal/billing"
	"github.com/Gustavcastform/castform-platform/internal/logging"
	"github.com/Gustavcastform/castform-platform/internal/models"
	"github.com/Gustavcastform/castform-platform/internal/monitoring"
	"github.com/Gustavcastform/castform-platform/internal/vapi"
	"github.com/google/uuid"
)

// Service errors
var (
	ErrEmptyBatch    = errors.New("contact list is empty")
	ErrBatchTooLarge = errors.New("maximum 100 contacts allowed per batch call")
	ErrAgentNotFound = errors.New("agent not found or access denied")
)

// Batch limits. Contacts are dialed in chunks so a large batch cannot flood
// the voice provider with a hundred simultaneous placements.
const (
	MaxBatchContacts = 100
	chunkSize        = 10
)

// EligibilityError carries the gate's denial so the transport layer can
// return the full decision, not just a message.
type EligibilityError struct {
	Eligibility *billing.Eligibility
}

func (e *EligibilityError) Error() string {
	return e.Eligibility.Reason
}

// Caller places one call with the voice provider.
type Caller interface {
	PlaceCall(ctx context.Context, req *vapi.PlaceCallRequest) (*vapi.Call, error)
}

// EligibilityChecker decides whether a user may place calls right now.
type EligibilityChecker interface {
	CheckEligibility(ctx context.Context, userID uuid.UUID) (*billing.Eligibility, error)
}

// Store is the persistence the dispatcher needs: agent ownership lookups and
// call row inserts.
type Store interface {
	GetAgent(ctx context.Context, agentID, userID uuid.UUID) (*models.Agent, error)
	InsertCall(ctx context.Context, call *models.Call) error
}

// BatchRequest is one batch dispatch: a list of contacts to dial through a
// single agent and caller id.
type BatchRequest struct {
	AgentID       uuid.UUID        `json:"agentId"`
	PhoneNumberID string           `json:"phoneNumberId"`
	Contacts      []models.Contact `json:"contacts"`
}

// ContactResult is the per-contact outcome, in the same position as the
// contact in the request.
type ContactResult struct {
	ContactID    uuid.UUID `json:"contactId"`
	ContactName  string    `json:"contactName"`
	ContactPhone string    `json:"contactPhone"`
	Success      bool      `json:"success"`
	CallID       string    `json:"callId,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// BatchResult aggregates a batch dispatch. Success means at least one call
// was placed, not that every call was.
type BatchResult struct {
	Success         bool            `json:"success"`
	TotalContacts   int             `json:"totalContacts"`
	SuccessfulCalls int             `json:"successfulCalls"`
	FailedCalls     int             `json:"failedCalls"`
	Errors          []string        `json:"errors"`
	CallIDs         []string        `json:"callIds"`
	ContactResults  []ContactResult `json:"contactResults"`
}

// Dispatcher fans a batch of contacts out to the voice provider. Eligibility
// is checked once per batch: the decision holds for the whole batch even if
// cost webhooks land mid-dispatch.
type Dispatcher struct {
	store  Store
	caller Caller
	gate   EligibilityChecker
}

// NewDispatcher creates a new call dispatcher
func NewDispatcher(store Store, caller Caller, gate EligibilityChecker) *Dispatcher {
	return &Dispatcher{store: store, caller: caller, gate: gate}
}

// DispatchBatch validates the batch, checks eligibility and agent ownership,
// then dials contacts in chunks of ten, each chunk's calls placed
// concurrently and chunks run in order. Results keep the request's contact
// order regardless of completion order.
func (d *Dispatcher) DispatchBatch(ctx context.Context, userID uuid.UUID, req *BatchRequest) (*BatchResult, error) {
	if len(req.Contacts) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(req.Contacts) > MaxBatchContacts {
		return nil, ErrBatchTooLarge
	}

	eligibility, err := d.gate.CheckEligibility(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check eligibility: %w", err)
	}
	if !eligibility.CanMakeCall {
		return nil, &EligibilityError{Eligibility: eligibility}
	}

	agent, err := d.store.GetAgent(ctx, req.AgentID, userID)
	if err != nil {
		return nil, err
	}

	callDate := time.Now().UTC().Format("2006-01-02")
	results := make([]ContactResult, len(req.Contacts))

	for start := 0; start < len(req.Contacts); start += chunkSize {
		end := start + chunkSize
		if end > len(req.Contacts) {
			end = len(req.Contacts)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = d.dispatchContact(ctx, userID, agent, req.PhoneNumberID, req.Contacts[idx], callDate)
			}(i)
		}
		wg.Wait()
	}

	result := &BatchResult{
		TotalContacts:  len(req.Contacts),
		Errors:         []string{},
		CallIDs:        []string{},
		ContactResults: results,
	}
	for _, cr := range results {
		if cr.Success {
			result.SuccessfulCalls++
			result.CallIDs = append(result.CallIDs, cr.CallID)
		} else {
			result.FailedCalls++
			result.Errors = append(result.Errors, fmt.Sprintf("Call failed for %s: %s", cr.ContactName, cr.Error))
		}
	}
	result.Success = result.SuccessfulCalls > 0

	outcome := "partial"
	switch {
	case result.FailedCalls == 0:
		outcome = "complete"
	case result.SuccessfulCalls == 0:
		outcome = "failed"
	}
	monitoring.RecordBatchDispatch(outcome, result.TotalContacts)

	return result, nil
}

// DispatchSingle places one call. Same checks as a batch of one, but errors
// surface directly instead of being folded into a result row.
func (d *Dispatcher) DispatchSingle(ctx context.Context, userID uuid.UUID, agentID uuid.UUID, phoneNumberID string, contact models.Contact) (*models.Call, error) {
	eligibility, err := d.gate.CheckEligibility(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check eligibility: %w", err)
	}
	if !eligibility.CanMakeCall {
		return nil, &EligibilityError{Eligibility: eligibility}
	}

	agent, err := d.store.GetAgent(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}

	callDate := time.Now().UTC().Format("2006-01-02")
	placed, err := d.caller.PlaceCall(ctx, buildPlaceCallRequest(agent, phoneNumberID, contact))
	if err != nil {
		return nil, err
	}

	call := newCallRecord(placed.ID, userID, agent, contact, callDate)
	if err := d.store.InsertCall(ctx, call); err != nil {
		return nil, fmt.Errorf("failed to save call record: %w", err)
	}

	logging.LogCallPlaced(userID.String(), agent.ID.String(), call.ID)
	return call, nil
}

// dispatchContact dials one contact and records the outcome. A provider
// failure and a storage failure both count as a failed contact; the batch
// keeps going either way.
func (d *Dispatcher) dispatchContact(ctx context.Context, userID uuid.UUID, agent *models.Agent, phoneNumberID string, contact models.Contact, callDate string) ContactResult {
	cr := ContactResult{
		ContactID:    contact.ID,
		ContactName:  contact.Name,
		ContactPhone: contact.PhoneNumber,
	}

	placed, err := d.caller.PlaceCall(ctx, buildPlaceCallRequest(agent, phoneNumberID, contact))
	if err != nil {
		cr.Error = err.Error()
		return cr
	}

	call := newCallRecord(placed.ID, userID, agent, contact, callDate)
	if err := d.store.InsertCall(ctx, call); err != nil {
		cr.Error = "Failed to save call record"
		return cr
	}

	logging.LogCallPlaced(userID.String(), agent.ID.String(), placed.ID)

	cr.Success = true
	cr.CallID = placed.ID
	return cr
}

func buildPlaceCallRequest(agent *models.Agent, phoneNumberID string, contact models.Contact) *vapi.PlaceCallRequest {
	return &vapi.PlaceCallRequest{
		AssistantID:   agent.ID.String(),
		PhoneNumberID: phoneNumberID,
		Customer: vapi.Customer{
			Number: FormatToE164(contact.PhoneNumber),
		},
		AssistantOverrides: &vapi.AssistantOverrides{
			VariableValues: map[string]string{
				"name":         contact.Name,
				"phone_number": contact.PhoneNumber,
				"email":        stringOrEmpty(contact.Email),
				"info":         stringOrEmpty(contact.Info),
			},
		},
	}
}

func newCallRecord(callID string, userID uuid.UUID, agent *models.Agent, contact models.Contact, callDate string) *models.Call {
	return &models.Call{
		ID:            callID,
		UserID:        userID,
		ContactID:     contact.ID,
		AgentID:       agent.ID,
		CallName:      fmt.Sprintf("%s - %s - %s", contact.PhoneNumber, agent.Name, callDate),
		Status:        models.CallStatusInProgress,
		BillingStatus: models.BillingStatusUnbilled,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
