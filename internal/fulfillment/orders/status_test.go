package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func outcome(requested, delivered, returned int64) ledger.LineItem {
	return ledger.LineItem{QuantityRequested: requested, QuantityDelivered: delivered, QuantityReturned: returned}
}

func TestDeriveDeliveryStatus(t *testing.T) {
	tests := []struct {
		name       string
		items      []ledger.LineItem
		want       Status
		transition bool
	}{
		{"all returned", []ledger.LineItem{outcome(4, 0, 4)}, StatusReturned, true},
		{"partial", []ledger.LineItem{outcome(5, 5, 0), outcome(5, 0, 5)}, StatusPartiallyDelivered, true},
		{"full", []ledger.LineItem{outcome(4, 4, 0)}, StatusDelivered, true},
		{"short without returns", []ledger.LineItem{outcome(10, 3, 0)}, StatusPartiallyDelivered, true},
		{"no outcome", []ledger.LineItem{outcome(4, 0, 0)}, "", false},
		{"empty order", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DeriveDeliveryStatus(tt.items)
			assert.Equal(t, tt.transition, d.Transition)
			assert.Equal(t, tt.want, d.Status)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDeriveDeliveryStatusIsPure(t *testing.T) {
	items := []ledger.LineItem{outcome(5, 5, 0), outcome(5, 0, 5)}
	first := DeriveDeliveryStatus(items)
	second := DeriveDeliveryStatus(items)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(10), first.Totals.Requested)
}

func TestValidateAdvance(t *testing.T) {
	assert.NoError(t, ValidateAdvance(StatusReceived, StatusReviewArea1))
	assert.NoError(t, ValidateAdvance(StatusReviewArea1, StatusReviewArea2))
	assert.NoError(t, ValidateAdvance(StatusReadyDispatch, StatusDispatched))
	assert.NoError(t, ValidateAdvance(StatusReceived, StatusReviewArea2))

	assert.ErrorIs(t, ValidateAdvance(StatusReviewArea2, StatusReviewArea1), shared.ErrInvalidTransition)
	assert.ErrorIs(t, ValidateAdvance(StatusReviewArea2, StatusReviewArea2), shared.ErrInvalidTransition)
	assert.ErrorIs(t, ValidateAdvance(StatusDispatched, StatusDelivered), shared.ErrInvalidTransition)
	assert.ErrorIs(t, ValidateAdvance(StatusReviewArea1, StatusCancelled), shared.ErrInvalidTransition)
	assert.ErrorIs(t, ValidateAdvance(StatusReviewArea1, StatusReceived), shared.ErrInvalidTransition)
	assert.ErrorIs(t, ValidateAdvance(StatusDelivered, StatusInDelivery), shared.ErrAlreadyTerminal)
	assert.ErrorIs(t, ValidateAdvance(StatusCancelled, StatusReviewArea1), shared.ErrAlreadyTerminal)
}

func TestValidateCancel(t *testing.T) {
	for _, s := range []Status{StatusReceived, StatusReviewArea2, StatusDispatched, StatusInDelivery} {
		assert.NoError(t, ValidateCancel(s), s)
	}
	for _, s := range []Status{StatusDelivered, StatusPartiallyDelivered, StatusReturned, StatusCancelled} {
		assert.ErrorIs(t, ValidateCancel(s), shared.ErrAlreadyTerminal, s)
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusReviewArea1.CanEditItems())
	assert.False(t, StatusReadyDispatch.CanEditItems())
	assert.True(t, StatusInDelivery.AwaitsDelivery())
	assert.False(t, StatusReadyDispatch.AwaitsDelivery())
	assert.True(t, StatusCancelled.IsValid())
	assert.False(t, Status("shipped").IsValid())
}
