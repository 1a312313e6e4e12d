package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nongsan/marketplace-api/internal/dto"
	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/model"
	"github.com/nongsan/marketplace-api/internal/repository"
	"github.com/nongsan/marketplace-api/internal/vnpay"
)

// PaymentURLBuilder signs gateway redirect URLs.
type PaymentURLBuilder interface {
	PaymentURL(req vnpay.PaymentRequest, now time.Time) (string, error)
}

// PaymentService holds the buyer's cart server-side for the length of a
// gateway redirect, so the callback never depends on client state.
type PaymentService struct {
	paymentRepo repository.PaymentRepository
	productRepo repository.ProductRepository
	gateway     PaymentURLBuilder
	expireAfter time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewPaymentService(paymentRepo repository.PaymentRepository, productRepo repository.ProductRepository, gateway PaymentURLBuilder, expireAfter time.Duration, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		paymentRepo: paymentRepo,
		productRepo: productRepo,
		gateway:     gateway,
		expireAfter: expireAfter,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *PaymentService) CreateVNPay(ctx context.Context, buyer string, req dto.CreateVNPayRequest, clientIP string) (*dto.VNPayPaymentResponse, error) {
	wallet, err := ledger.NormalizeAddress(buyer)
	if err != nil {
		return nil, fmt.Errorf("%w: buyer wallet", ErrValidation)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrValidation)
	}

	seen := make(map[uuid.UUID]bool, len(req.Items))
	items := make([]model.PaymentItem, 0, len(req.Items))
	total := decimal.Zero
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
		}
		if seen[it.ProductID] {
			return nil, fmt.Errorf("%w: duplicate product %s", ErrValidation, it.ProductID)
		}
		seen[it.ProductID] = true

		product, err := s.productRepo.GetByID(ctx, it.ProductID)
		if err != nil {
			return nil, fmt.Errorf("get product: %w", err)
		}
		if product == nil {
			return nil, ErrProductNotFound
		}
		if product.FarmerWallet == wallet {
			return nil, fmt.Errorf("%w: farmer cannot buy own product", ErrValidation)
		}
		if product.Effective() != model.StatusAvailable {
			return nil, ErrInvalidTransition
		}
		if product.Quantity < it.Quantity {
			return nil, ErrOutOfStock
		}
		if !product.PriceVND.IsPositive() {
			return nil, fmt.Errorf("%w: product %s has no fiat price", ErrValidation, product.ID)
		}

		items = append(items, model.PaymentItem{
			ProductID: product.ID,
			Quantity:  it.Quantity,
			UnitPrice: product.PriceVND,
		})
		total = total.Add(product.PriceVND.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	pending := &model.PendingPayment{
		TxnRef:      newTxnRef(),
		BuyerWallet: wallet,
		Items:       items,
		Amount:      total,
	}
	now := s.now()
	url, err := s.gateway.PaymentURL(vnpay.PaymentRequest{
		TxnRef:    pending.TxnRef,
		OrderInfo: "Thanh toan don hang " + pending.TxnRef,
		Amount:    total,
		ClientIP:  clientIP,
		BankCode:  req.BankCode,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.paymentRepo.Create(ctx, pending); err != nil {
		return nil, fmt.Errorf("create pending payment: %w", err)
	}
	s.logger.Info("gateway payment created", "txn_ref", pending.TxnRef, "buyer", wallet, "amount", total.String())

	return &dto.VNPayPaymentResponse{
		TxnRef:     pending.TxnRef,
		PaymentURL: url,
		Amount:     total,
		ExpiresAt:  now.Add(s.expireAfter),
	}, nil
}

func (s *PaymentService) Get(ctx context.Context, txnRef, actor string) (*model.PendingPayment, error) {
	p, err := s.paymentRepo.GetByTxnRef(ctx, txnRef)
	if err != nil {
		return nil, fmt.Errorf("get pending payment: %w", err)
	}
	if p == nil {
		return nil, ErrPaymentNotFound
	}
	if p.BuyerWallet != strings.ToLower(actor) {
		return nil, ErrForbidden
	}
	return p, nil
}

// newTxnRef returns a 32 character reference; the gateway only allows
// alphanumerics.
func newTxnRef() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
