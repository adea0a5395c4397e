package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func item(requested int64) LineItem {
	it, _ := NewLineItem(1, 100, requested)
	return it
}

func TestSetAvailableRecomputesMissing(t *testing.T) {
	for _, tc := range []struct {
		requested, available, missing int64
	}{
		{10, 7, 3},
		{10, 10, 0},
		{10, 12, 0},
		{5, 0, 5},
	} {
		it := item(tc.requested)
		require.NoError(t, SetAvailable(&it, tc.available))
		assert.Equal(t, tc.missing, it.QuantityMissing)
		assert.Equal(t, Missing(it), it.QuantityMissing)
	}
}

func TestSetAvailableRejectsNegative(t *testing.T) {
	it := item(10)
	before := it
	err := SetAvailable(&it, -1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrInvalidQuantity))
	assert.Equal(t, before, it)
}

func TestSetAvailableKeepsCompletedUnderMissing(t *testing.T) {
	it := item(10)
	require.NoError(t, SetAvailable(&it, 6))
	require.NoError(t, ApplyCompletion(&it, 3))

	before := it
	err := SetAvailable(&it, 9)
	assert.ErrorIs(t, err, shared.ErrInvalidQuantity)
	assert.Equal(t, before, it)
}

func TestApplyCompletionAccumulatesUpToMissing(t *testing.T) {
	it := item(10)
	require.NoError(t, SetAvailable(&it, 7))

	require.NoError(t, ApplyCompletion(&it, 2))
	require.NoError(t, ApplyCompletion(&it, 1))
	assert.Equal(t, int64(3), it.QuantityCompleted)
	assert.Equal(t, int64(0), RemainingMissing(it))

	before := it
	err := ApplyCompletion(&it, 1)
	assert.ErrorIs(t, err, shared.ErrInvalidQuantity)
	assert.Equal(t, before, it)

	err = ApplyCompletion(&it, -1)
	assert.ErrorIs(t, err, shared.ErrInvalidQuantity)
	assert.Equal(t, before, it)
}

func TestOverrideMissing(t *testing.T) {
	it := item(10)
	require.NoError(t, SetAvailable(&it, 7))
	require.NoError(t, ApplyCompletion(&it, 2))

	require.NoError(t, OverrideMissing(&it, 5))
	assert.Equal(t, int64(3), RemainingMissing(it))

	assert.ErrorIs(t, OverrideMissing(&it, 1), shared.ErrInvalidQuantity)
	assert.ErrorIs(t, OverrideMissing(&it, 11), shared.ErrInvalidQuantity)
	assert.ErrorIs(t, OverrideMissing(&it, -2), shared.ErrInvalidQuantity)
	assert.Equal(t, int64(5), it.QuantityMissing)
}

func TestApplyDeliveryOutcomeOverwrites(t *testing.T) {
	it := item(6)
	require.NoError(t, SetAvailable(&it, 6))
	Dispatch(&it, time.Now())
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, ApplyDeliveryOutcome(&it, 2, 4, at))
	require.NoError(t, ApplyDeliveryOutcome(&it, 5, 1, at))
	assert.Equal(t, int64(5), it.QuantityDelivered)
	assert.Equal(t, int64(1), it.QuantityReturned)
	require.NotNil(t, it.OutcomeRecordedAt)

	once := it
	require.NoError(t, ApplyDeliveryOutcome(&it, 5, 1, at))
	assert.Equal(t, once, it)
}

func TestApplyDeliveryOutcomeCeiling(t *testing.T) {
	it := item(10)
	require.NoError(t, SetAvailable(&it, 4))
	Dispatch(&it, time.Now())
	assert.Equal(t, int64(4), it.QuantityDispatched)

	before := it
	err := ApplyDeliveryOutcome(&it, 3, 2, time.Now())
	assert.ErrorIs(t, err, shared.ErrInvalidQuantity)
	assert.Equal(t, before, it)

	assert.ErrorIs(t, ApplyDeliveryOutcome(&it, -1, 0, time.Now()), shared.ErrInvalidQuantity)
	assert.Nil(t, it.OutcomeRecordedAt)

	untracked := item(4)
	require.NoError(t, ApplyDeliveryOutcome(&untracked, 0, 4, time.Now()))
}

func TestNothingLoadedCapsOutcomeAtZero(t *testing.T) {
	it := item(5)
	require.NoError(t, SetAvailable(&it, 0))
	Dispatch(&it, time.Now())
	assert.Equal(t, int64(0), it.QuantityDispatched)
	require.NotNil(t, it.DispatchedAt)
	assert.Equal(t, int64(0), Ceiling(it))

	err := ApplyDeliveryOutcome(&it, 5, 0, time.Now())
	assert.ErrorIs(t, err, shared.ErrInvalidQuantity)
	assert.Equal(t, int64(0), it.QuantityDelivered)
	require.NoError(t, ApplyDeliveryOutcome(&it, 0, 0, time.Now()))

	it.QuantityDelivered = 5
	assert.ErrorIs(t, CheckInvariants(it), shared.ErrInvalidQuantity)

	Reset(&it)
	assert.Nil(t, it.DispatchedAt)
	assert.Equal(t, int64(5), Ceiling(it))
}

func TestDispatchCapsAtRequested(t *testing.T) {
	it := item(10)
	require.NoError(t, SetAvailable(&it, 7))
	require.NoError(t, ApplyCompletion(&it, 2))
	Dispatch(&it, time.Now())
	assert.Equal(t, int64(9), it.QuantityDispatched)

	over := item(3)
	require.NoError(t, SetAvailable(&over, 8))
	Dispatch(&over, time.Now())
	assert.Equal(t, int64(3), over.QuantityDispatched)
}

func TestResetClearsDownstream(t *testing.T) {
	it := item(10)
	require.NoError(t, SetAvailable(&it, 7))
	require.NoError(t, ApplyCompletion(&it, 3))
	it.QuantityRequested = 4
	Reset(&it)
	assert.Equal(t, int64(4), it.QuantityMissing)
	assert.Zero(t, it.QuantityCompleted)
	assert.Zero(t, it.QuantityAvailable)
	assert.NoError(t, CheckInvariants(it))
}

func TestCheckInvariants(t *testing.T) {
	it := item(5)
	it.ID = 9
	it.QuantityCompleted = 6
	err := CheckInvariants(it)
	require.Error(t, err)
	var itemErr *shared.ItemError
	require.True(t, errors.As(err, &itemErr))
	assert.Equal(t, int64(9), itemErr.ItemID)

	it = item(5)
	it.QuantityDelivered = 4
	it.QuantityReturned = 2
	assert.ErrorIs(t, CheckInvariants(it), shared.ErrInvalidQuantity)
}

func TestSumAndValue(t *testing.T) {
	a, _ := NewLineItem(1, 250, 4)
	b, _ := NewLineItem(2, 100, 6)
	a.QuantityDelivered = 4
	b.QuantityReturned = 6
	totals := Sum([]LineItem{a, b})
	assert.Equal(t, int64(10), totals.Requested)
	assert.Equal(t, int64(4), totals.Delivered)
	assert.Equal(t, int64(6), totals.Returned)
	assert.Equal(t, int64(1600), OrderValue([]LineItem{a, b}))

	_, err := NewLineItem(3, 10, -1)
	assert.ErrorIs(t, err, shared.ErrInvalidQuantity)
}
