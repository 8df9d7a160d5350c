package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate() *Gate {
	return NewGate(testDB, NewLedger(testDB), 2500)
}

func TestCheckEligibility_UserNotFound(t *testing.T) {
	requireDB(t)

	elig, err := newTestGate().CheckEligibility(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.False(t, elig.CanMakeCall)
	assert.Equal(t, "User not found", elig.Reason)
	assert.Equal(t, "unknown", elig.SubscriptionStatus)
	assert.Equal(t, int64(2500), elig.ThresholdCents)
}

func TestCheckEligibility_InactiveSubscription(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "past_due", false, nil)

	elig, err := newTestGate().CheckEligibility(context.Background(), f.UserID)
	require.NoError(t, err)

	assert.False(t, elig.CanMakeCall)
	assert.Contains(t, elig.Reason, "past_due")
	assert.Contains(t, elig.Reason, "update your billing information")
	assert.Equal(t, "past_due", elig.SubscriptionStatus)
}

func TestCheckEligibility_BlockedFlagWins(t *testing.T) {
	requireDB(t)
	// Active status but the reconciler cleared the flag after a failed
	// collection. The flag must block on its own.
	f := createTestUser(t, "active", false, nil)

	elig, err := newTestGate().CheckEligibility(context.Background(), f.UserID)
	require.NoError(t, err)

	assert.False(t, elig.CanMakeCall)
	assert.Equal(t, "active", elig.SubscriptionStatus)
}

func TestCheckEligibility_OverThreshold(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "active", true, nil)
	insertTestCall(t, f, cents(2000), "unbilled", "completed")
	insertTestCall(t, f, cents(600), "unbilled", "completed")

	elig, err := newTestGate().CheckEligibility(context.Background(), f.UserID)
	require.NoError(t, err)

	assert.False(t, elig.CanMakeCall)
	assert.Contains(t, elig.Reason, "Usage limit exceeded")
	assert.Contains(t, elig.Reason, "$26.00")
	assert.Equal(t, int64(2600), elig.CurrentUsageCents)
}

func TestCheckEligibility_ExactlyAtThresholdDenied(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "active", true, nil)
	insertTestCall(t, f, cents(2500), "unbilled", "completed")

	elig, err := newTestGate().CheckEligibility(context.Background(), f.UserID)
	require.NoError(t, err)

	assert.False(t, elig.CanMakeCall)
}

func TestCheckEligibility_Eligible(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "active", true, nil)
	insertTestCall(t, f, cents(2499), "unbilled", "completed")
	// Billed cost does not count against the threshold.
	insertTestCall(t, f, cents(9000), "billed", "completed")

	elig, err := newTestGate().CheckEligibility(context.Background(), f.UserID)
	require.NoError(t, err)

	assert.True(t, elig.CanMakeCall)
	assert.Empty(t, elig.Reason)
	assert.Equal(t, int64(2499), elig.CurrentUsageCents)
	assert.Equal(t, "active", elig.SubscriptionStatus)
}

func TestLedger_Totals(t *testing.T) {
	requireDB(t)
	f := createTestUser(t, "active", true, nil)
	insertTestCall(t, f, cents(100), "unbilled", "completed")
	insertTestCall(t, f, cents(250), "unbilled", "customer-busy")
	insertTestCall(t, f, nil, "unbilled", "in-progress")
	insertTestCall(t, f, cents(700), "billed", "completed")

	ledger := NewLedger(testDB)
	ctx := context.Background()

	unbilled, err := ledger.UnbilledTotal(ctx, f.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(350), unbilled)

	billed, err := ledger.BilledTotal(ctx, f.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), billed)

	stats, err := ledger.UnbilledCallStats(ctx, f.UserID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 1, stats.SuccessfulCount)
	assert.Equal(t, 1, stats.FailedCount)
}
