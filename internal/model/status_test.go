package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ProductStatus
		want     bool
	}{
		{StatusAvailable, StatusCashPending, true},
		{StatusAvailable, StatusSold, true},
		{StatusCashPending, StatusSold, true},
		{StatusCashPending, StatusAvailable, true},
		{StatusSold, StatusRefundRequested, true},
		{StatusRefundRequested, StatusRefunded, true},
		{StatusAvailable, StatusRefundRequested, false},
		{StatusAvailable, StatusRefunded, false},
		{StatusSold, StatusRefunded, false},
		{StatusCashPending, StatusRefundRequested, false},
		{StatusSold, StatusAvailable, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRefundedIsTerminal(t *testing.T) {
	assert.True(t, StatusRefunded.Terminal())
	for _, to := range []ProductStatus{StatusAvailable, StatusCashPending, StatusSold, StatusRefundRequested, StatusRefunded} {
		assert.False(t, CanTransition(StatusRefunded, to))
	}
}

func TestRefundedReachableOnlyFromRefundRequested(t *testing.T) {
	for from := range validNext {
		if CanTransition(from, StatusRefunded) {
			assert.Equal(t, StatusRefundRequested, from)
		}
	}
	for from := range validNext {
		if CanTransition(from, StatusRefundRequested) {
			assert.Equal(t, StatusSold, from)
		}
	}
}

func TestDeriveStatus(t *testing.T) {
	assert.Equal(t, StatusAvailable, DeriveStatus(3, StatusAvailable))
	assert.Equal(t, StatusSold, DeriveStatus(0, StatusAvailable))
	assert.Equal(t, StatusSold, DeriveStatus(0, StatusSold))
	assert.Equal(t, StatusCashPending, DeriveStatus(2, StatusCashPending))
	assert.Equal(t, StatusRefundRequested, DeriveStatus(0, StatusRefundRequested))
	assert.Equal(t, StatusRefunded, DeriveStatus(0, StatusRefunded))
}

func TestProductEffective(t *testing.T) {
	p := &Product{Quantity: 0, Status: StatusAvailable}
	assert.Equal(t, StatusSold, p.Effective())
}
