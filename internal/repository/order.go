package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nongsan/marketplace-api/internal/model"
)

// SettleLine is one product of a settlement. A zero UnitPrice means the
// product's stored price in the settlement currency.
type SettleLine struct {
	ProductID uuid.UUID
	Quantity  int
	UnitPrice decimal.Decimal
	// CashRequestID, when set, must match the open cash handshake.
	CashRequestID uuid.UUID
}

type SettleRequest struct {
	Key         string
	Method      model.PaymentMethod
	BuyerWallet string
	Currency    model.Currency
	TxRef       string
	Lines       []SettleLine

	// Floor clamps quantity at zero instead of rejecting. Used when mirroring
	// a transfer the ledger already executed.
	Floor bool
	// RequireStatus is the stored status every line must be in when Floor is
	// off.
	RequireStatus model.ProductStatus

	// PaymentTxnRef, when set, marks the pending gateway payment as paid in
	// the same transaction.
	PaymentTxnRef string
	GatewayTxnNo  string
	ResponseCode  string
}

type SettleResult struct {
	Orders []model.Order
	// Duplicate is true when the key was already settled; Orders then holds
	// the orders created the first time.
	Duplicate bool
	// Clamped lists products whose stored quantity was below the settled
	// quantity (Floor mode only).
	Clamped []uuid.UUID
}

type OrderRepository interface {
	Settle(ctx context.Context, req SettleRequest) (*SettleResult, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Order, error)
	ListByBuyer(ctx context.Context, wallet string) ([]model.Order, error)
	ListByFarmer(ctx context.Context, wallet string) ([]model.Order, error)
	ListBySettlementKey(ctx context.Context, key string) ([]model.Order, error)
	RequestRefund(ctx context.Context, orderID, productID uuid.UUID, reason string) error
	CompleteRefund(ctx context.Context, orderID, productID uuid.UUID, refundTxHash string) error
}

type pgOrderRepo struct{ pool *pgxpool.Pool }

func NewOrderRepository(pool *pgxpool.Pool) OrderRepository {
	return &pgOrderRepo{pool: pool}
}

const orderColumns = `id, settlement_key, buyer_wallet, product_id, quantity, total_price, currency,
	payment_method, tx_ref, status, refund_reason, refund_tx_hash, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	o := &model.Order{}
	err := row.Scan(
		&o.ID, &o.SettlementKey, &o.BuyerWallet, &o.ProductID, &o.Quantity, &o.TotalPrice, &o.Currency,
		&o.PaymentMethod, &o.TxRef, &o.Status, &o.RefundReason, &o.RefundTxHash, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Settle records the idempotency key, moves stock and ownership and writes the
// orders in one transaction. Either all lines apply or none do.
func (r *pgOrderRepo) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if req.Key == "" || len(req.Lines) == 0 {
		return nil, fmt.Errorf("settle: empty key or lines")
	}
	buyer := strings.ToLower(req.BuyerWallet)

	// Lock rows in a stable order so concurrent multi-line settlements
	// cannot deadlock.
	lines := append([]SettleLine(nil), req.Lines...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID.String() < lines[j].ProductID.String() })

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx,
		`INSERT INTO settlements (idempotency_key, payment_method, buyer_wallet, created_at)
		 VALUES ($1, $2, $3, NOW()) ON CONFLICT (idempotency_key) DO NOTHING`,
		req.Key, req.Method, buyer,
	)
	if err != nil {
		return nil, fmt.Errorf("insert settlement: %w", err)
	}
	if ct.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		orders, err := r.ListBySettlementKey(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		return &SettleResult{Orders: orders, Duplicate: true}, nil
	}

	res := &SettleResult{}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("settle: non-positive quantity for product %s", line.ProductID)
		}

		var (
			qty         int
			status      model.ProductStatus
			priceETH    decimal.Decimal
			priceVND    decimal.Decimal
			cashRequest uuid.UUID
		)
		err := tx.QueryRow(ctx,
			`SELECT quantity, status, price_eth, price_vnd, cash_request_id FROM products WHERE id = $1 FOR UPDATE`,
			line.ProductID,
		).Scan(&qty, &status, &priceETH, &priceVND, &cashRequest)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("product %s: %w", line.ProductID, ErrNotFound)
			}
			return nil, fmt.Errorf("lock product: %w", err)
		}

		newQty := qty - line.Quantity
		if req.Floor {
			if status == model.StatusRefunded || status == model.StatusRefundRequested {
				return nil, fmt.Errorf("product %s is %s: %w", line.ProductID, status, ErrStatusConflict)
			}
			if newQty < 0 {
				res.Clamped = append(res.Clamped, line.ProductID)
				newQty = 0
			}
		} else {
			if newQty < 0 {
				return nil, fmt.Errorf("product %s: %w", line.ProductID, ErrOutOfStock)
			}
			if model.DeriveStatus(qty, status) != req.RequireStatus {
				return nil, fmt.Errorf("product %s is %s: %w", line.ProductID, status, ErrStatusConflict)
			}
			if line.CashRequestID != uuid.Nil && line.CashRequestID != cashRequest {
				return nil, fmt.Errorf("product %s cash request changed: %w", line.ProductID, ErrStatusConflict)
			}
		}

		newStatus := model.StatusAvailable
		if newQty == 0 {
			newStatus = model.StatusSold
		} else if status == model.StatusCashPending && req.Floor {
			newStatus = model.StatusCashPending
		}

		_, err = tx.Exec(ctx,
			`UPDATE products
			 SET quantity = $2, status = $3, current_owner = $4,
			     cash_buyer = CASE WHEN $3 = 'cash-pending' THEN cash_buyer ELSE '' END,
			     cash_quantity = CASE WHEN $3 = 'cash-pending' THEN LEAST(cash_quantity, $2) ELSE 0 END,
			     cash_request_id = CASE WHEN $3 = 'cash-pending' THEN cash_request_id
			                       ELSE '00000000-0000-0000-0000-000000000000'::uuid END,
			     updated_at = NOW()
			 WHERE id = $1`,
			line.ProductID, newQty, string(newStatus), buyer,
		)
		if err != nil {
			return nil, fmt.Errorf("update product: %w", err)
		}

		unit := line.UnitPrice
		if unit.IsZero() {
			unit = priceVND
			if req.Currency == model.CurrencyETH {
				unit = priceETH
			}
		}
		order := model.Order{
			ID:            uuid.New(),
			SettlementKey: req.Key,
			BuyerWallet:   buyer,
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			TotalPrice:    unit.Mul(decimal.NewFromInt(int64(line.Quantity))),
			Currency:      req.Currency,
			PaymentMethod: req.Method,
			TxRef:         req.TxRef,
			Status:        model.OrderStatusCompleted,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO orders (id, settlement_key, buyer_wallet, product_id, quantity, total_price, currency,
				payment_method, tx_ref, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
			 RETURNING created_at, updated_at`,
			order.ID, order.SettlementKey, order.BuyerWallet, order.ProductID, order.Quantity, order.TotalPrice,
			order.Currency, order.PaymentMethod, order.TxRef, order.Status,
		).Scan(&order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert order: %w", err)
		}
		res.Orders = append(res.Orders, order)
	}

	if req.PaymentTxnRef != "" {
		ct, err := tx.Exec(ctx,
			`UPDATE pending_payments SET status = 'paid', gateway_txn_no = $2, response_code = $3, updated_at = NOW()
			 WHERE txn_ref = $1 AND status = 'pending'`,
			req.PaymentTxnRef, req.GatewayTxnNo, req.ResponseCode,
		)
		if err != nil {
			return nil, fmt.Errorf("mark payment paid: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return nil, fmt.Errorf("payment %s: %w", req.PaymentTxnRef, ErrStatusConflict)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}
	return res, nil
}

func (r *pgOrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (r *pgOrderRepo) ListByBuyer(ctx context.Context, wallet string) ([]model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_wallet = $1 ORDER BY created_at DESC`,
		strings.ToLower(wallet))
}

func (r *pgOrderRepo) ListByFarmer(ctx context.Context, wallet string) ([]model.Order, error) {
	return r.list(ctx,
		`SELECT o.id, o.settlement_key, o.buyer_wallet, o.product_id, o.quantity, o.total_price, o.currency,
			o.payment_method, o.tx_ref, o.status, o.refund_reason, o.refund_tx_hash, o.created_at, o.updated_at
		 FROM orders o JOIN products p ON p.id = o.product_id
		 WHERE p.farmer_wallet = $1 ORDER BY o.created_at DESC`,
		strings.ToLower(wallet))
}

func (r *pgOrderRepo) ListBySettlementKey(ctx context.Context, key string) ([]model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE settlement_key = $1 ORDER BY product_id`, key)
}

func (r *pgOrderRepo) list(ctx context.Context, query string, arg any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (r *pgOrderRepo) RequestRefund(ctx context.Context, orderID, productID uuid.UUID, reason string) error {
	return r.refundStep(ctx, orderID, productID,
		`UPDATE orders SET status = 'refund-requested', refund_reason = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'completed'`, reason,
		`UPDATE products SET status = 'refund-requested', updated_at = NOW()
		 WHERE id = $1 AND quantity = 0 AND status IN ('sold', 'available')`,
	)
}

func (r *pgOrderRepo) CompleteRefund(ctx context.Context, orderID, productID uuid.UUID, refundTxHash string) error {
	return r.refundStep(ctx, orderID, productID,
		`UPDATE orders SET status = 'refunded', refund_tx_hash = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'refund-requested'`, refundTxHash,
		`UPDATE products SET status = 'refunded', updated_at = NOW()
		 WHERE id = $1 AND status = 'refund-requested'`,
	)
}

// refundStep moves an order and its product together; either guard failing
// aborts both.
func (r *pgOrderRepo) refundStep(ctx context.Context, orderID, productID uuid.UUID, orderSQL, orderArg, productSQL string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, orderSQL, orderID, orderArg)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrStatusConflict)
	}

	ct, err = tx.Exec(ctx, productSQL, productID)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", productID, ErrStatusConflict)
	}
	return tx.Commit(ctx)
}
