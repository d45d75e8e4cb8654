package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBridgeTest(t *testing.T) (*Bridge, *MemoryStore, *fakeClock) {
	store := NewMemoryStore()
	clock := newFakeClock()
	return NewBridge(store, testLogger(t), WithBridgeClock(clock.Now)), store, clock
}

func storedPayment(clock *fakeClock, ttl time.Duration, paid bool) PixPayment {
	return PixPayment{
		PaymentID: "pay-1",
		QRCode:    "000201",
		ExpiresAt: clock.Now().Add(ttl).Format(time.RFC3339),
		Amount:    decimal.RequireFromString("59.80"),
		Paid:      paid,
	}
}

func assertCleared(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Get(ctx, PaymentKey)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, OrderKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBridge_RestoreNothing(t *testing.T) {
	bridge, _, _ := setupBridgeTest(t)
	r, err := bridge.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResumeNone, r.Resume)
}

func TestBridge_RestorePending(t *testing.T) {
	bridge, _, clock := setupBridgeTest(t)
	ctx := context.Background()
	require.NoError(t, bridge.Save(ctx, "ord-1", storedPayment(clock, 10*time.Minute, false)))

	r, err := bridge.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResumeChecking, r.Resume)
	assert.Equal(t, "ord-1", r.OrderID)
	assert.Equal(t, "pay-1", r.Payment.PaymentID)
	assert.True(t, r.Payment.Amount.Equal(decimal.RequireFromString("59.80")))
}

func TestBridge_RestoreExpiredClearsAndNeverResumes(t *testing.T) {
	bridge, store, clock := setupBridgeTest(t)
	ctx := context.Background()
	require.NoError(t, bridge.Save(ctx, "ord-1", storedPayment(clock, time.Minute, false)))
	clock.Advance(2 * time.Minute)

	r, err := bridge.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResumeNone, r.Resume)
	assertCleared(t, store)
}

func TestBridge_RestoreUnparseableExpiry(t *testing.T) {
	bridge, store, clock := setupBridgeTest(t)
	ctx := context.Background()
	p := storedPayment(clock, time.Minute, false)
	p.ExpiresAt = "soon"
	require.NoError(t, bridge.Save(ctx, "ord-1", p))

	r, err := bridge.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResumeNone, r.Resume)
	assertCleared(t, store)
}

func TestBridge_RestorePaid(t *testing.T) {
	bridge, _, clock := setupBridgeTest(t)
	ctx := context.Background()
	require.NoError(t, bridge.Save(ctx, "ord-1", storedPayment(clock, 10*time.Minute, true)))

	r, err := bridge.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResumePaid, r.Resume)
}

func TestBridge_RestorePaidButExpired(t *testing.T) {
	bridge, store, clock := setupBridgeTest(t)
	ctx := context.Background()
	require.NoError(t, bridge.Save(ctx, "ord-1", storedPayment(clock, time.Minute, true)))
	clock.Advance(time.Hour)

	r, err := bridge.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResumePaid, r.Resume)
	assertCleared(t, store)
}

func TestBridge_RestoreCorruptPayment(t *testing.T) {
	bridge, store, _ := setupBridgeTest(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, PaymentKey, []byte("{broken")))
	require.NoError(t, store.Set(ctx, OrderKey, []byte("ord-1")))

	r, err := bridge.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResumeNone, r.Resume)
	assertCleared(t, store)
}

func TestBridge_ClearRemovesBothKeys(t *testing.T) {
	bridge, store, clock := setupBridgeTest(t)
	ctx := context.Background()
	require.NoError(t, bridge.Save(ctx, "ord-1", storedPayment(clock, time.Minute, false)))
	require.NoError(t, bridge.Clear(ctx))
	assertCleared(t, store)
}
