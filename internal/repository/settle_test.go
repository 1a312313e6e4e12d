package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nongsan/marketplace-api/internal/model"
)

func TestOrderRepo_SettleIsIdempotent(t *testing.T) {
	cleanupAll(t)
	farmer := seedFarmer(t, "0xf000000000000000000000000000000000000010")
	p := seedProduct(t, farmer.WalletAddress, 5)
	repo := NewOrderRepository(testPool)
	ctx := context.Background()

	req := SettleRequest{
		Key: "crypto:0xaaa", Method: model.PaymentCrypto, BuyerWallet: "0xB10",
		Currency: model.CurrencyETH, TxRef: "0xaaa", Floor: true,
		Lines: []SettleLine{{ProductID: p.ID, Quantity: 2}},
	}
	first, err := repo.Settle(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.Len(t, first.Orders, 1)
	assert.True(t, decimal.RequireFromString("0.02").Equal(first.Orders[0].TotalPrice))

	second, err := repo.Settle(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.Len(t, second.Orders, 1)
	assert.Equal(t, first.Orders[0].ID, second.Orders[0].ID)

	found, _ := NewProductRepository(testPool).GetByID(ctx, p.ID)
	assert.Equal(t, 3, found.Quantity)
	assert.Equal(t, "0xb10", found.CurrentOwner)
}

func TestOrderRepo_SettleFloorClamps(t *testing.T) {
	cleanupAll(t)
	farmer := seedFarmer(t, "0xf000000000000000000000000000000000000011")
	p := seedProduct(t, farmer.WalletAddress, 1)
	ctx := context.Background()

	res, err := NewOrderRepository(testPool).Settle(ctx, SettleRequest{
		Key: "crypto:0xbbb", Method: model.PaymentCrypto, BuyerWallet: "0xB11",
		Currency: model.CurrencyETH, TxRef: "0xbbb", Floor: true,
		Lines: []SettleLine{{ProductID: p.ID, Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p.ID}, res.Clamped)

	found, _ := NewProductRepository(testPool).GetByID(ctx, p.ID)
	assert.Equal(t, 0, found.Quantity)
	assert.Equal(t, model.StatusSold, found.Status)
}

func TestOrderRepo_SettleStrictRollsBackAllLines(t *testing.T) {
	cleanupAll(t)
	farmer := seedFarmer(t, "0xf000000000000000000000000000000000000012")
	a := seedProduct(t, farmer.WalletAddress, 5)
	b := seedProduct(t, farmer.WalletAddress, 1)
	ctx := context.Background()

	_, err := NewOrderRepository(testPool).Settle(ctx, SettleRequest{
		Key: "vnpay:T1", Method: model.PaymentVNPay, BuyerWallet: "0xB12",
		Currency: model.CurrencyVND, TxRef: "T1", RequireStatus: model.StatusAvailable,
		Lines: []SettleLine{{ProductID: a.ID, Quantity: 2}, {ProductID: b.ID, Quantity: 2}},
	})
	assert.ErrorIs(t, err, ErrOutOfStock)

	products := NewProductRepository(testPool)
	foundA, _ := products.GetByID(ctx, a.ID)
	foundB, _ := products.GetByID(ctx, b.ID)
	assert.Equal(t, 5, foundA.Quantity)
	assert.Equal(t, 1, foundB.Quantity)

	orders, err := NewOrderRepository(testPool).ListBySettlementKey(ctx, "vnpay:T1")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestOrderRepo_ConcurrentStrictSettlesSellLastUnitOnce(t *testing.T) {
	cleanupAll(t)
	farmer := seedFarmer(t, "0xf000000000000000000000000000000000000013")
	p := seedProduct(t, farmer.WalletAddress, 1)
	repo := NewOrderRepository(testPool)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for _, key := range []string{"vnpay:A", "vnpay:B"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := repo.Settle(ctx, SettleRequest{
				Key: key, Method: model.PaymentVNPay, BuyerWallet: "0xB13",
				Currency: model.CurrencyVND, TxRef: key, RequireStatus: model.StatusAvailable,
				Lines: []SettleLine{{ProductID: p.ID, Quantity: 1}},
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				errs = append(errs, err)
			}
		}(key)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrOutOfStock)

	found, _ := NewProductRepository(testPool).GetByID(ctx, p.ID)
	assert.Equal(t, 0, found.Quantity)
}

func TestOrderRepo_RefundFlow(t *testing.T) {
	cleanupAll(t)
	farmer := seedFarmer(t, "0xf000000000000000000000000000000000000014")
	p := seedProduct(t, farmer.WalletAddress, 1)
	repo := NewOrderRepository(testPool)
	ctx := context.Background()

	res, err := repo.Settle(ctx, SettleRequest{
		Key: "crypto:0xccc", Method: model.PaymentCrypto, BuyerWallet: "0xB14",
		Currency: model.CurrencyETH, TxRef: "0xccc", Floor: true,
		Lines: []SettleLine{{ProductID: p.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	orderID := res.Orders[0].ID

	assert.ErrorIs(t, repo.CompleteRefund(ctx, orderID, p.ID, "0xrefund"), ErrStatusConflict)
	require.NoError(t, repo.RequestRefund(ctx, orderID, p.ID, "spoiled"))
	assert.ErrorIs(t, repo.RequestRefund(ctx, orderID, p.ID, "again"), ErrStatusConflict)
	require.NoError(t, repo.CompleteRefund(ctx, orderID, p.ID, "0xrefund"))

	order, err := repo.GetByID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, order.Status)
	assert.Equal(t, "spoiled", order.RefundReason)
	assert.Equal(t, "0xrefund", order.RefundTxHash)

	found, _ := NewProductRepository(testPool).GetByID(ctx, p.ID)
	assert.Equal(t, model.StatusRefunded, found.Status)

	sales, err := repo.ListByFarmer(ctx, farmer.WalletAddress)
	require.NoError(t, err)
	assert.Len(t, sales, 1)
	assert.ErrorIs(t, NewProductRepository(testPool).Delete(ctx, p.ID), ErrHasOrders)
}

func TestOrderRepo_StrictSettleAfterLedgerRestoresQuantity(t *testing.T) {
	cleanupAll(t)
	farmer := seedFarmer(t, "0xf000000000000000000000000000000000000015")
	p := seedProduct(t, farmer.WalletAddress, 2)
	orders := NewOrderRepository(testPool)
	products := NewProductRepository(testPool)
	ctx := context.Background()

	_, err := orders.Settle(ctx, SettleRequest{
		Key: "crypto:0xdead", Method: model.PaymentCrypto, BuyerWallet: "0xB15",
		Currency: model.CurrencyETH, TxRef: "0xdead", Floor: true,
		Lines: []SettleLine{{ProductID: p.ID, Quantity: 2}},
	})
	require.NoError(t, err)
	found, _ := products.GetByID(ctx, p.ID)
	require.Equal(t, model.StatusSold, found.Status)

	require.NoError(t, products.SyncFromLedger(ctx, p.ID, 2, farmer.WalletAddress))
	found, _ = products.GetByID(ctx, p.ID)
	assert.Equal(t, 2, found.Quantity)
	assert.Equal(t, model.StatusAvailable, found.Status)

	res, err := orders.Settle(ctx, SettleRequest{
		Key: "vnpay:T15", Method: model.PaymentVNPay, BuyerWallet: "0xB16",
		Currency: model.CurrencyVND, TxRef: "vnpay:15", RequireStatus: model.StatusAvailable,
		Lines: []SettleLine{{ProductID: p.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)

	found, _ = products.GetByID(ctx, p.ID)
	assert.Equal(t, 1, found.Quantity)
}

func TestProductRepo_WritesFollowEffectiveStatus(t *testing.T) {
	cleanupAll(t)
	farmer := seedFarmer(t, "0xf000000000000000000000000000000000000016")
	p := seedProduct(t, farmer.WalletAddress, 3)
	ctx := context.Background()

	// Stored flag left at sold while the lot still has stock.
	_, err := testPool.Exec(ctx, `UPDATE products SET status = 'sold' WHERE id = $1`, p.ID)
	require.NoError(t, err)

	reserved, err := NewProductRepository(testPool).RequestCash(ctx, p.ID, "0xb000000000000000000000000000000000000016", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 3, reserved)

	empty := seedProduct(t, farmer.WalletAddress, 0)
	_, err = NewProductRepository(testPool).RequestCash(ctx, empty.ID, "0xb000000000000000000000000000000000000016", uuid.New())
	assert.ErrorIs(t, err, ErrStatusConflict)
}
