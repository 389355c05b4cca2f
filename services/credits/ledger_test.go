package credits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
)

func TestMemoryLedger_SweepDropsClosedReservations(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	ledger.Deposit("u1", 10)

	reserve := func() *models.CreditReservation {
		res := models.NewCreditReservation("u1", "req", 1, time.Minute)
		_, ok, err := ledger.TryReserve(ctx, res)
		require.NoError(t, err)
		require.True(t, ok)
		return res
	}

	settled := reserve()
	released := reserve()
	stale := reserve()
	require.NoError(t, ledger.Commit(ctx, settled.ID, 0.5))
	require.NoError(t, ledger.Release(ctx, released.ID))

	assert.ErrorIs(t, ledger.Commit(ctx, settled.ID, 0.5), services.ErrReservationClosed,
		"closed reservations are remembered until they expire")

	n, err := ledger.ExpireStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is due yet")
	assert.Len(t, ledger.reservations, 3)

	later := time.Now().Add(2 * time.Minute)
	n, err = ledger.ExpireStale(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ledger.reservations, 1, "only the reservation expired by this pass is kept")
	assert.ErrorIs(t, ledger.Release(ctx, stale.ID), services.ErrReservationClosed)

	n, err = ledger.ExpireStale(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ledger.reservations)
	assert.ErrorIs(t, ledger.Release(ctx, stale.ID), services.ErrReservationNotFound)

	acct := ledger.Account("u1")
	assert.InDelta(t, 9.5, acct.Balance, 1e-9)
	assert.InDelta(t, 0, acct.Reserved, 1e-9)
}
