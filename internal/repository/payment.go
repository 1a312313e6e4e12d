package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nongsan/marketplace-api/internal/model"
)

type PaymentRepository interface {
	Create(ctx context.Context, p *model.PendingPayment) error
	GetByTxnRef(ctx context.Context, txnRef string) (*model.PendingPayment, error)
	MarkFailed(ctx context.Context, txnRef, responseCode string) error
}

type pgPaymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepository(pool *pgxpool.Pool) PaymentRepository {
	return &pgPaymentRepo{pool: pool}
}

func (r *pgPaymentRepo) Create(ctx context.Context, p *model.PendingPayment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p.BuyerWallet = strings.ToLower(p.BuyerWallet)
	p.Status = model.PaymentStatusPending
	err = tx.QueryRow(ctx,
		`INSERT INTO pending_payments (txn_ref, buyer_wallet, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW()) RETURNING created_at, updated_at`,
		p.TxnRef, p.BuyerWallet, p.Amount, p.Status,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create pending payment: %w", err)
	}

	for _, item := range p.Items {
		_, err = tx.Exec(ctx,
			`INSERT INTO pending_payment_items (txn_ref, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4)`,
			p.TxnRef, item.ProductID, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("insert pending item: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *pgPaymentRepo) GetByTxnRef(ctx context.Context, txnRef string) (*model.PendingPayment, error) {
	p := &model.PendingPayment{}
	err := r.pool.QueryRow(ctx,
		`SELECT txn_ref, buyer_wallet, amount, status, gateway_txn_no, response_code, created_at, updated_at
		 FROM pending_payments WHERE txn_ref = $1`, txnRef,
	).Scan(&p.TxnRef, &p.BuyerWallet, &p.Amount, &p.Status, &p.GatewayTxnNo, &p.ResponseCode, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pending payment: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT product_id, quantity, unit_price FROM pending_payment_items WHERE txn_ref = $1 ORDER BY product_id`, txnRef,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.PaymentItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		p.Items = append(p.Items, item)
	}
	return p, rows.Err()
}

func (r *pgPaymentRepo) MarkFailed(ctx context.Context, txnRef, responseCode string) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE pending_payments SET status = 'failed', response_code = $2, updated_at = NOW()
		 WHERE txn_ref = $1 AND status = 'pending'`,
		txnRef, responseCode,
	)
	if err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}
