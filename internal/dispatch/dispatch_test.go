package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gustavcastform/castform-platform/internal/billing"
	"github.com/Gustavcastform/castform-platform/internal/models"
	"github.com/Gustavcastform/castform-platform/internal/vapi"
)

type fakeStore struct {
	mu       sync.Mutex
	agent    *models.Agent
	agentErr error
	inserted []*models.Call
	insertOn func(call *models.Call) error
}

func (s *fakeStore) GetAgent(ctx context.Context, agentID, userID uuid.UUID) (*models.Agent, error) {
	if s.agentErr != nil {
		return nil, s.agentErr
	}
	return s.agent, nil
}

func (s *fakeStore) InsertCall(ctx context.Context, call *models.Call) error {
	if s.insertOn != nil {
		if err := s.insertOn(call); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, call)
	return nil
}

type fakeCaller struct {
	mu     sync.Mutex
	placed int
	failOn func(req *vapi.PlaceCallRequest) error
}

func (c *fakeCaller) PlaceCall(ctx context.Context, req *vapi.PlaceCallRequest) (*vapi.Call, error) {
	c.mu.Lock()
	c.placed++
	c.mu.Unlock()
	if c.failOn != nil {
		if err := c.failOn(req); err != nil {
			return nil, err
		}
	}
	return &vapi.Call{ID: "call_" + req.Customer.Number}, nil
}

type fakeGate struct {
	eligibility *billing.Eligibility
	err         error
}

func (g *fakeGate) CheckEligibility(ctx context.Context, userID uuid.UUID) (*billing.Eligibility, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.eligibility, nil
}

func allowAll() *fakeGate {
	return &fakeGate{eligibility: &billing.Eligibility{CanMakeCall: true}}
}

func testAgent() *models.Agent {
	return &models.Agent{ID: uuid.New(), Name: "Sales Agent"}
}

func makeContacts(n int) []models.Contact {
	contacts := make([]models.Contact, n)
	for i := range contacts {
		contacts[i] = models.Contact{
			ID:          uuid.New(),
			Name:        fmt.Sprintf("Contact %d", i),
			PhoneNumber: fmt.Sprintf("+1555000%04d", i),
		}
	}
	return contacts
}

func TestDispatchBatch_EmptyBatch(t *testing.T) {
	d := NewDispatcher(&fakeStore{agent: testAgent()}, &fakeCaller{}, allowAll())

	_, err := d.DispatchBatch(context.Background(), uuid.New(), &BatchRequest{})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestDispatchBatch_TooLarge(t *testing.T) {
	d := NewDispatcher(&fakeStore{agent: testAgent()}, &fakeCaller{}, allowAll())

	_, err := d.DispatchBatch(context.Background(), uuid.New(), &BatchRequest{
		Contacts: makeContacts(101),
	})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestDispatchBatch_Ineligible(t *testing.T) {
	gate := &fakeGate{eligibility: &billing.Eligibility{
		CanMakeCall:       false,
		Reason:            "Usage limit exceeded",
		CurrentUsageCents: 2600,
	}}
	caller := &fakeCaller{}
	d := NewDispatcher(&fakeStore{agent: testAgent()}, caller, gate)

	_, err := d.DispatchBatch(context.Background(), uuid.New(), &BatchRequest{
		Contacts: makeContacts(3),
	})

	var eligErr *EligibilityError
	require.ErrorAs(t, err, &eligErr)
	assert.Equal(t, "Usage limit exceeded", eligErr.Error())
	assert.Equal(t, int64(2600), eligErr.Eligibility.CurrentUsageCents)
	assert.Zero(t, caller.placed)
}

func TestDispatchBatch_AgentNotFound(t *testing.T) {
	d := NewDispatcher(&fakeStore{agentErr: ErrAgentNotFound}, &fakeCaller{}, allowAll())

	_, err := d.DispatchBatch(context.Background(), uuid.New(), &BatchRequest{
		Contacts: makeContacts(1),
	})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestDispatchBatch_AllSucceed(t *testing.T) {
	store := &fakeStore{agent: testAgent()}
	caller := &fakeCaller{}
	d := NewDispatcher(store, caller, allowAll())

	contacts := makeContacts(25)
	result, err := d.DispatchBatch(context.Background(), uuid.New(), &BatchRequest{
		AgentID:       store.agent.ID,
		PhoneNumberID: "pn_1",
		Contacts:      contacts,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 25, result.TotalContacts)
	assert.Equal(t, 25, result.SuccessfulCalls)
	assert.Zero(t, result.FailedCalls)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.CallIDs, 25)
	assert.Equal(t, 25, caller.placed)
	assert.Len(t, store.inserted, 25)

	// Results keep the request's contact order.
	for i, cr := range result.ContactResults {
		assert.Equal(t, contacts[i].ID, cr.ContactID)
		assert.True(t, cr.Success)
	}
}

func TestDispatchBatch_PartialFailure(t *testing.T) {
	store := &fakeStore{agent: testAgent()}
	caller := &fakeCaller{failOn: func(req *vapi.PlaceCallRequest) error {
		// Contacts 3, 5 and 7 carry these numbers.
		switch req.Customer.Number {
		case "+15550000003", "+15550000005", "+15550000007":
			return errors.New("provider rejected the call")
		}
		return nil
	}}
	d := NewDispatcher(store, caller, allowAll())

	contacts := makeContacts(10)
	result, err := d.DispatchBatch(context.Background(), uuid.New(), &BatchRequest{
		Contacts: contacts,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 7, result.SuccessfulCalls)
	assert.Equal(t, 3, result.FailedCalls)
	assert.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "Call failed for Contact 3")

	for i, cr := range result.ContactResults {
		assert.Equal(t, contacts[i].ID, cr.ContactID, "result %d out of order", i)
		switch i {
		case 3, 5, 7:
			assert.False(t, cr.Success)
			assert.Equal(t, "provider rejected the call", cr.Error)
		default:
			assert.True(t, cr.Success)
			assert.NotEmpty(t, cr.CallID)
		}
	}
}

func TestDispatchBatch_AllFail(t *testing.T) {
	caller := &fakeCaller{failOn: func(*vapi.PlaceCallRequest) error {
		return errors.New("provider down")
	}}
	d := NewDispatcher(&fakeStore{agent: testAgent()}, caller, allowAll())

	result, err := d.DispatchBatch(context.Background(), uuid.New(), &BatchRequest{
		Contacts: makeContacts(4),
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Zero(t, result.SuccessfulCalls)
	assert.Equal(t, 4, result.FailedCalls)
	assert.Empty(t, result.CallIDs)
}

func TestDispatchBatch_InsertFailureCountsAsFailed(t *testing.T) {
	store := &fakeStore{
		agent: testAgent(),
		insertOn: func(*models.Call) error {
			return errors.New("write failed")
		},
	}
	d := NewDispatcher(store, &fakeCaller{}, allowAll())

	result, err := d.DispatchBatch(context.Background(), uuid.New(), &BatchRequest{
		Contacts: makeContacts(1),
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "Failed to save call record", result.ContactResults[0].Error)
}

func TestDispatchSingle(t *testing.T) {
	store := &fakeStore{agent: testAgent()}
	d := NewDispatcher(store, &fakeCaller{}, allowAll())

	contact := models.Contact{ID: uuid.New(), Name: "Jordan", PhoneNumber: "555-123-4567"}
	call, err := d.DispatchSingle(context.Background(), uuid.New(), store.agent.ID, "pn_1", contact)
	require.NoError(t, err)

	assert.Equal(t, "call_+15551234567", call.ID)
	assert.Equal(t, models.CallStatusInProgress, call.Status)
	assert.Equal(t, models.BillingStatusUnbilled, call.BillingStatus)

	wantName := fmt.Sprintf("555-123-4567 - Sales Agent - %s", time.Now().UTC().Format("2006-01-02"))
	assert.Equal(t, wantName, call.CallName)
	require.Len(t, store.inserted, 1)
}

func TestDispatchSingle_ProviderError(t *testing.T) {
	providerErr := &vapi.ProviderError{StatusCode: 400, Message: "invalid phone number"}
	caller := &fakeCaller{failOn: func(*vapi.PlaceCallRequest) error { return providerErr }}
	d := NewDispatcher(&fakeStore{agent: testAgent()}, caller, allowAll())

	_, err := d.DispatchSingle(context.Background(), uuid.New(), uuid.New(), "pn_1", makeContacts(1)[0])

	var pe *vapi.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 400, pe.StatusCode)
}

func TestBuildPlaceCallRequest_VariableValues(t *testing.T) {
	agent := testAgent()
	email := "jordan@example.com"
	contact := models.Contact{
		ID:          uuid.New(),
		Name:        "Jordan",
		PhoneNumber: "(555) 123-4567",
		Email:       &email,
	}

	req := buildPlaceCallRequest(agent, "pn_1", contact)

	assert.Equal(t, agent.ID.String(), req.AssistantID)
	assert.Equal(t, "+15551234567", req.Customer.Number)
	assert.Equal(t, map[string]string{
		"name":         "Jordan",
		"phone_number": "(555) 123-4567",
		"email":        "jordan@example.com",
		"info":         "",
	}, req.AssistantOverrides.VariableValues)
}
