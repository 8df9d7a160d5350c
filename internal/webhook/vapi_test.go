package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gustavcastform/castform-platform/internal/models"
)

func TestVerifySecret(t *testing.T) {
	r := NewVapiReconciler(nil, nil, "s3cret")
	assert.True(t, r.VerifySecret("s3cret"))
	assert.False(t, r.VerifySecret("wrong"))
	assert.False(t, r.VerifySecret(""))

	// No configured secret accepts everything.
	open := NewVapiReconciler(nil, nil, "")
	assert.True(t, open.VerifySecret(""))
	assert.True(t, open.VerifySecret("anything"))
}

func TestVapiHandle_IgnoredMessageTypes(t *testing.T) {
	// Gating happens before any database access.
	r := NewVapiReconciler(nil, nil, "")

	payloads := []string{
		`{"message":{"type":"transcript","call":{"id":"call_1"}}}`,
		`{"message":{"type":"speech-update","call":{"id":"call_1"}}}`,
		`{"message":{"type":"status-update","status":"in-progress","call":{"id":"call_1"}}}`,
		`{"message":{"type":"hang","call":{"id":"call_1"}}}`,
	}
	for _, p := range payloads {
		assert.NoError(t, r.Handle(context.Background(), []byte(p)), "payload %s", p)
	}
}

func TestVapiHandle_BadPayload(t *testing.T) {
	r := NewVapiReconciler(nil, nil, "")
	err := r.Handle(context.Background(), []byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestVapiHandle_UnknownCall(t *testing.T) {
	requireDB(t)
	r := NewVapiReconciler(testDB, nil, "")

	err := r.Handle(context.Background(), []byte(`{
		"message":{"type":"end-of-call-report","call":{"id":"call_never_dispatched"},"endedReason":"hangup"}
	}`))
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func fetchCall(t *testing.T, callID string) models.Call {
	t.Helper()
	var call models.Call
	err := testDB.QueryRow(context.Background(), `
		SELECT id, status, end_reason, cost, duration, transcript, recording_url
		FROM calls WHERE id = $1
	`, callID).Scan(&call.ID, &call.Status, &call.EndReason, &call.CostCents,
		&call.DurationSecs, &call.Transcript, &call.RecordingURL)
	require.NoError(t, err)
	return call
}

func TestVapiHandle_EndOfCallReport(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "active", true, nil)
	callID := insertTestCall(t, f, models.CallStatusInProgress)

	r := NewVapiReconciler(testDB, nil, "")
	err := r.Handle(context.Background(), []byte(`{
		"message":{
			"type":"end-of-call-report",
			"call":{"id":"`+callID+`"},
			"endedReason":"assistant-ended-call",
			"cost":0.2637,
			"durationSeconds":84.6,
			"transcript":"AI: Hello...",
			"recordingUrl":"https://recordings.test/one.wav"
		}
	}`))
	require.NoError(t, err)

	call := fetchCall(t, callID)
	assert.Equal(t, models.CallStatusCompleted, call.Status)
	assert.Equal(t, "assistant-ended-call", *call.EndReason)
	assert.Equal(t, int64(26), *call.CostCents)
	assert.Equal(t, 85, *call.DurationSecs)
	assert.Equal(t, "AI: Hello...", *call.Transcript)
	assert.Equal(t, "https://recordings.test/one.wav", *call.RecordingURL)
}

func TestVapiHandle_CustomerBusy(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "active", true, nil)
	callID := insertTestCall(t, f, models.CallStatusInProgress)

	r := NewVapiReconciler(testDB, nil, "")
	err := r.Handle(context.Background(), []byte(`{
		"message":{"type":"end-of-call-report","call":{"id":"`+callID+`"},"endedReason":"customer-busy","cost":0.01}
	}`))
	require.NoError(t, err)

	call := fetchCall(t, callID)
	assert.Equal(t, models.CallStatusCustomerBusy, call.Status)
	assert.Equal(t, "customer-busy", *call.EndReason)
}

func TestVapiHandle_StatusUpdateEnded(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "active", true, nil)
	callID := insertTestCall(t, f, models.CallStatusInProgress)

	r := NewVapiReconciler(testDB, nil, "")
	err := r.Handle(context.Background(), []byte(`{
		"message":{"type":"status-update","status":"ended","call":{"id":"`+callID+`"}}
	}`))
	require.NoError(t, err)

	call := fetchCall(t, callID)
	assert.Equal(t, models.CallStatusCompleted, call.Status)
	assert.Equal(t, "Unknown", *call.EndReason)
	assert.Nil(t, call.CostCents)
}

func TestVapiHandle_ReplayedReportIsIdempotent(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "active", true, nil)
	callID := insertTestCall(t, f, models.CallStatusInProgress)

	r := NewVapiReconciler(testDB, nil, "")
	payload := []byte(`{
		"message":{
			"type":"end-of-call-report",
			"call":{"id":"` + callID + `"},
			"endedReason":"assistant-ended-call",
			"cost":0.42,
			"durationSeconds":61,
			"transcript":"AI: Hello..."
		}
	}`)

	require.NoError(t, r.Handle(context.Background(), payload))
	first := fetchCall(t, callID)

	// The provider may redeliver the exact same report; the row must not
	// drift or accumulate.
	require.NoError(t, r.Handle(context.Background(), payload))
	second := fetchCall(t, callID)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(42), *second.CostCents)
	assert.Equal(t, 61, *second.DurationSecs)
	assert.Equal(t, "AI: Hello...", *second.Transcript)
}

func TestVapiHandle_LateStatusUpdateKeepsCost(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "active", true, nil)
	callID := insertTestCall(t, f, models.CallStatusInProgress)

	r := NewVapiReconciler(testDB, nil, "")
	report := `{
		"message":{"type":"end-of-call-report","call":{"id":"` + callID + `"},"endedReason":"hangup","cost":0.50,"transcript":"hi"}
	}`
	require.NoError(t, r.Handle(context.Background(), []byte(report)))

	// A status-update delivered after the report must not erase the cost
	// or transcript the report already wrote.
	late := `{
		"message":{"type":"status-update","status":"ended","call":{"id":"` + callID + `"}}
	}`
	require.NoError(t, r.Handle(context.Background(), []byte(late)))

	call := fetchCall(t, callID)
	assert.Equal(t, int64(50), *call.CostCents)
	assert.Equal(t, "hi", *call.Transcript)
	assert.Equal(t, "Unknown", *call.EndReason)
}
