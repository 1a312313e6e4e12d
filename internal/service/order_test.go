package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nongsan/marketplace-api/internal/events"
	"github.com/nongsan/marketplace-api/internal/model"
)

type orderFixture struct {
	store  *memStore
	events *recordingPublisher
	svc    *OrderService
	rec    *Reconciler
}

func newOrderFixture() *orderFixture {
	store := newMemStore()
	pub := &recordingPublisher{}
	return &orderFixture{
		store:  store,
		events: pub,
		svc:    NewOrderService(&mockOrderRepo{store}, &mockProductRepo{store}, nil, pub, discardLogger()),
		rec: NewReconciler(ReconcilerDeps{
			Products: &mockProductRepo{store}, Orders: &mockOrderRepo{store}, Logger: discardLogger(),
		}),
	}
}

// buy settles qty units of a fresh product of stock units for buyerWallet.
func (f *orderFixture) buy(t *testing.T, stock, qty int, hash byte) (*model.Product, model.Order) {
	t.Helper()
	p := f.store.addProduct(stock)
	s, err := f.rec.Apply(context.Background(), OnChainProof{
		TxHash: txHash(hash), BuyerWallet: buyerWallet, ProductID: p.ID, Quantity: qty,
	})
	require.NoError(t, err)
	require.Len(t, s.Orders, 1)
	return p, s.Orders[0]
}

func TestOrderService_GetByID(t *testing.T) {
	f := newOrderFixture()
	_, order := f.buy(t, 3, 1, 1)

	got, err := f.svc.GetByID(context.Background(), order.ID, buyerWallet)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = f.svc.GetByID(context.Background(), order.ID, farmerWallet)
	require.NoError(t, err)

	_, err = f.svc.GetByID(context.Background(), order.ID, otherWallet)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestOrderService_GetByID_NotFound(t *testing.T) {
	f := newOrderFixture()
	_, err := f.svc.GetByID(context.Background(), uuid.New(), buyerWallet)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrderService_Lists(t *testing.T) {
	f := newOrderFixture()
	f.buy(t, 3, 1, 1)
	f.buy(t, 3, 2, 2)

	bought, err := f.svc.ListByBuyer(context.Background(), buyerWallet)
	require.NoError(t, err)
	assert.Len(t, bought, 2)

	sales, err := f.svc.ListSales(context.Background(), farmerWallet)
	require.NoError(t, err)
	assert.Len(t, sales, 2)

	none, err := f.svc.ListSales(context.Background(), otherWallet)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOrderService_RefundFlow(t *testing.T) {
	f := newOrderFixture()
	ctx := context.Background()
	p, order := f.buy(t, 2, 2, 3)

	got, err := f.svc.RequestRefund(ctx, order.ID, buyerWallet, "hang bi hong")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefundRequested, got.Status)
	assert.Equal(t, model.StatusRefundRequested, f.store.product(p.ID).Status)

	_, err = f.svc.RequestRefund(ctx, order.ID, buyerWallet, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.CompleteRefund(ctx, order.ID, buyerWallet, "")
	assert.ErrorIs(t, err, ErrForbidden)

	done, err := f.svc.CompleteRefund(ctx, order.ID, farmerWallet, txHash(9))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, done.Status)
	assert.Equal(t, txHash(9), done.RefundTxHash)
	assert.Equal(t, model.StatusRefunded, f.store.product(p.ID).Status)

	// refunded is terminal
	_, err = f.svc.CompleteRefund(ctx, order.ID, farmerWallet, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.RequestRefund(ctx, order.ID, buyerWallet, "once more")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, []string{events.EventRefundRequested, events.EventRefundCompleted}, f.events.types())
}

func TestOrderService_RequestRefund_Guards(t *testing.T) {
	f := newOrderFixture()
	ctx := context.Background()

	_, partial := f.buy(t, 5, 2, 4)
	_, err := f.svc.RequestRefund(ctx, partial.ID, buyerWallet, "reason")
	assert.ErrorIs(t, err, ErrInvalidTransition, "stock left on the lot")

	_, order := f.buy(t, 1, 1, 5)
	_, err = f.svc.RequestRefund(ctx, order.ID, buyerWallet, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.RequestRefund(ctx, order.ID, otherWallet, "reason")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.RequestRefund(ctx, uuid.New(), buyerWallet, "reason")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrderService_CompleteRefund_Guards(t *testing.T) {
	f := newOrderFixture()
	ctx := context.Background()
	_, order := f.buy(t, 1, 1, 6)

	_, err := f.svc.CompleteRefund(ctx, order.ID, farmerWallet, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "no refund was requested")

	_, err = f.svc.CompleteRefund(ctx, order.ID, farmerWallet, "0xnothex")
	assert.ErrorIs(t, err, ErrValidation)
}
