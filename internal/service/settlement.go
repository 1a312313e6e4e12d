package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nongsan/marketplace-api/internal/events"
	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/metrics"
	"github.com/nongsan/marketplace-api/internal/model"
	"github.com/nongsan/marketplace-api/internal/repository"
	"github.com/nongsan/marketplace-api/internal/vnpay"
)

const settlementMarkerTTL = 24 * time.Hour

// Proof is the evidence a settlement is applied on. Exactly one of
// OnChainProof, GatewayProof or HumanConfirmation.
type Proof interface {
	method() model.PaymentMethod
}

// OnChainProof is a confirmed ledger purchase.
type OnChainProof struct {
	TxHash      string
	BuyerWallet string
	ProductID   uuid.UUID
	Quantity    int
}

// GatewayProof is the signed parameter set of a VNPAY return or IPN call.
type GatewayProof struct {
	Params map[string]string
}

// HumanConfirmation is the farmer acknowledging receipt of cash.
type HumanConfirmation struct {
	FarmerWallet string
	ProductID    uuid.UUID
}

func (OnChainProof) method() model.PaymentMethod      { return model.PaymentCrypto }
func (GatewayProof) method() model.PaymentMethod      { return model.PaymentVNPay }
func (HumanConfirmation) method() model.PaymentMethod { return model.PaymentCash }

type MirrorFailurePolicy string

const (
	PolicyLog   MirrorFailurePolicy = "log"
	PolicyRetry MirrorFailurePolicy = "retry"
)

type Settlement struct {
	Key       string
	Method    model.PaymentMethod
	Orders    []model.Order
	Duplicate bool
	// MirrorPending is set when an on-chain transfer could not be mirrored;
	// Policy tells how it was handled.
	MirrorPending bool
	Policy        MirrorFailurePolicy
}

// MirrorEnqueuer schedules an on-chain proof for another mirror attempt.
type MirrorEnqueuer interface {
	Enqueue(ctx context.Context, msg model.SettlementMessage) error
}

type GatewayVerifier interface {
	Verify(params map[string]string) bool
}

type ReconcilerDeps struct {
	Products repository.ProductRepository
	Orders   repository.OrderRepository
	Payments repository.PaymentRepository
	Gateway  GatewayVerifier
	Redis    *redis.Client
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Mirror   MirrorEnqueuer
	Policy   MirrorFailurePolicy
	Logger   *slog.Logger
}

// Reconciler applies buyer payments to the product store and order journal.
// Every origin converges on applySettlement, which is idempotent per key.
type Reconciler struct {
	products repository.ProductRepository
	orders   repository.OrderRepository
	payments repository.PaymentRepository
	gateway  GatewayVerifier
	redis    *redis.Client
	events   events.Publisher
	metrics  *metrics.Metrics
	mirror   MirrorEnqueuer
	policy   MirrorFailurePolicy
	logger   *slog.Logger
}

func NewReconciler(d ReconcilerDeps) *Reconciler {
	if d.Events == nil {
		d.Events = events.Nop()
	}
	if d.Policy == "" {
		d.Policy = PolicyRetry
	}
	return &Reconciler{
		products: d.Products,
		orders:   d.Orders,
		payments: d.Payments,
		gateway:  d.Gateway,
		redis:    d.Redis,
		events:   d.Events,
		metrics:  d.Metrics,
		mirror:   d.Mirror,
		policy:   d.Policy,
		logger:   d.Logger,
	}
}

func (r *Reconciler) Apply(ctx context.Context, proof Proof) (*Settlement, error) {
	var (
		s   *Settlement
		err error
	)
	switch p := proof.(type) {
	case OnChainProof:
		s, err = r.applyOnChain(ctx, p)
	case GatewayProof:
		s, err = r.applyGateway(ctx, p)
	case HumanConfirmation:
		s, err = r.applyCash(ctx, p)
	default:
		return nil, fmt.Errorf("%w: unknown proof %T", ErrValidation, proof)
	}
	r.count(proof.method(), s, err)
	return s, err
}

func (r *Reconciler) count(method model.PaymentMethod, s *Settlement, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "applied"
	switch {
	case err != nil && isRejection(err):
		outcome = "rejected"
	case err != nil:
		outcome = "failed"
	case s.MirrorPending:
		outcome = "mirror_pending"
	case s.Duplicate:
		outcome = "duplicate"
	}
	r.metrics.Settlements.WithLabelValues(string(method), outcome).Inc()
}

func isRejection(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrForbidden, ErrProductNotFound, ErrPaymentNotFound, ErrInvalidTransition,
		ErrOutOfStock, ErrInvalidSignature, ErrAmountMismatch, ErrPaymentFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// --- Path A: on-chain ---

func (r *Reconciler) applyOnChain(ctx context.Context, p OnChainProof) (*Settlement, error) {
	if err := validateOnChain(&p); err != nil {
		return nil, err
	}

	s, err := r.MirrorOnChain(ctx, p)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}

	key := cryptoKey(p.TxHash)
	pending := &Settlement{Key: key, Method: model.PaymentCrypto, MirrorPending: true, Policy: PolicyLog}
	if r.policy == PolicyRetry && r.mirror != nil {
		msg := model.SettlementMessage{
			TxHash: p.TxHash, BuyerWallet: p.BuyerWallet, ProductID: p.ProductID, Quantity: p.Quantity,
		}
		if qerr := r.mirror.Enqueue(ctx, msg); qerr == nil {
			pending.Policy = PolicyRetry
		} else {
			r.logger.Error("enqueue mirror retry failed", "key", key, "error", qerr)
		}
	}
	r.logger.Error("on-chain purchase not mirrored",
		"key", key,
		"product_id", p.ProductID,
		"policy", pending.Policy,
		"error", err,
	)
	return pending, nil
}

func validateOnChain(p *OnChainProof) error {
	if !ledger.IsTxHash(p.TxHash) {
		return fmt.Errorf("%w: malformed transaction hash", ErrValidation)
	}
	wallet, err := ledger.NormalizeAddress(p.BuyerWallet)
	if err != nil {
		return fmt.Errorf("%w: buyer wallet", ErrValidation)
	}
	p.BuyerWallet = wallet
	p.TxHash = strings.ToLower(p.TxHash)
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if p.ProductID == uuid.Nil {
		return fmt.Errorf("%w: product id", ErrValidation)
	}
	return nil
}

// MirrorOnChain writes an on-chain purchase into the store without the
// failure policy. The mirror worker calls it directly so errors drive its
// retries. The ledger already moved the goods, so quantity floors at zero.
func (r *Reconciler) MirrorOnChain(ctx context.Context, p OnChainProof) (*Settlement, error) {
	if err := validateOnChain(&p); err != nil {
		return nil, err
	}
	return r.applySettlement(ctx, repository.SettleRequest{
		Key:         cryptoKey(p.TxHash),
		Method:      model.PaymentCrypto,
		BuyerWallet: p.BuyerWallet,
		Currency:    model.CurrencyETH,
		TxRef:       p.TxHash,
		Floor:       true,
		Lines:       []repository.SettleLine{{ProductID: p.ProductID, Quantity: p.Quantity}},
	})
}

func cryptoKey(txHash string) string { return "crypto:" + strings.ToLower(txHash) }

// --- Path C: gateway ---

func (r *Reconciler) applyGateway(ctx context.Context, p GatewayProof) (*Settlement, error) {
	if r.gateway == nil || !r.gateway.Verify(p.Params) {
		if r.metrics != nil {
			r.metrics.SignatureFailures.Inc()
		}
		r.logger.Warn("gateway signature rejected", "txn_ref", p.Params["vnp_TxnRef"])
		return nil, ErrInvalidSignature
	}

	cb, err := vnpay.ParseCallback(p.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	pending, err := r.payments.GetByTxnRef(ctx, cb.TxnRef)
	if err != nil {
		return nil, fmt.Errorf("get pending payment: %w", err)
	}
	if pending == nil {
		return nil, ErrPaymentNotFound
	}

	if !cb.Amount.Equal(pending.Amount) {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrAmountMismatch, cb.Amount, pending.Amount)
	}

	key := vnpayKey(cb.TxnRef)
	switch pending.Status {
	case model.PaymentStatusPaid:
		orders, err := r.orders.ListBySettlementKey(ctx, key)
		if err != nil {
			return nil, err
		}
		return &Settlement{Key: key, Method: model.PaymentVNPay, Orders: orders, Duplicate: true}, nil
	case model.PaymentStatusFailed:
		return nil, ErrPaymentFailed
	}

	if !cb.Succeeded() {
		if err := r.payments.MarkFailed(ctx, cb.TxnRef, cb.ResponseCode); err != nil &&
			!errors.Is(err, repository.ErrStatusConflict) {
			return nil, fmt.Errorf("mark payment failed: %w", err)
		}
		r.logger.Info("gateway payment failed", "txn_ref", cb.TxnRef, "response_code", cb.ResponseCode)
		return nil, fmt.Errorf("%w: response code %s", ErrPaymentFailed, cb.ResponseCode)
	}

	lines := make([]repository.SettleLine, 0, len(pending.Items))
	for _, item := range pending.Items {
		lines = append(lines, repository.SettleLine{
			ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice,
		})
	}
	s, err := r.applySettlement(ctx, repository.SettleRequest{
		Key:           key,
		Method:        model.PaymentVNPay,
		BuyerWallet:   pending.BuyerWallet,
		Currency:      model.CurrencyVND,
		TxRef:         "vnpay:" + cb.TransactionNo,
		Lines:         lines,
		RequireStatus: model.StatusAvailable,
		PaymentTxnRef: cb.TxnRef,
		GatewayTxnNo:  cb.TransactionNo,
		ResponseCode:  cb.ResponseCode,
	})
	if errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrInvalidTransition) {
		r.logger.Error("paid gateway order cannot be fulfilled, refund required",
			"txn_ref", cb.TxnRef, "transaction_no", cb.TransactionNo, "error", err)
	}
	return s, err
}

func vnpayKey(txnRef string) string { return "vnpay:" + txnRef }

// --- Path B: cash ---

// RequestCash reserves the whole remaining lot for a cash handshake. No
// funds move.
func (r *Reconciler) RequestCash(ctx context.Context, productID uuid.UUID, buyer string) (*model.Product, error) {
	wallet, err := ledger.NormalizeAddress(buyer)
	if err != nil {
		return nil, fmt.Errorf("%w: buyer wallet", ErrValidation)
	}
	product, err := r.products.GetByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return nil, ErrProductNotFound
	}
	if product.FarmerWallet == wallet {
		return nil, fmt.Errorf("%w: farmer cannot buy own product", ErrValidation)
	}
	if !model.CanTransition(product.Effective(), model.StatusCashPending) {
		return nil, ErrInvalidTransition
	}

	requestID := uuid.New()
	reserved, err := r.products.RequestCash(ctx, productID, wallet, requestID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	product.Status = model.StatusCashPending
	product.CashBuyer = wallet
	product.CashQuantity = reserved
	product.CashRequestID = requestID
	r.invalidateProduct(ctx, productID)

	r.publish(ctx, events.EventCashRequested, productID.String(), cashKey(requestID), events.CashPayload{
		ProductID: productID.String(), RequestID: requestID.String(), BuyerWallet: wallet, Quantity: reserved,
	})
	return product, nil
}

// CancelCash withdraws an open cash request. Either side of the handshake
// may cancel.
func (r *Reconciler) CancelCash(ctx context.Context, productID uuid.UUID, actor string) error {
	product, err := r.products.GetByID(ctx, productID)
	if err != nil {
		return fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return ErrProductNotFound
	}
	actor = strings.ToLower(actor)
	if product.Status != model.StatusCashPending {
		return ErrInvalidTransition
	}
	if actor != product.CashBuyer && actor != product.FarmerWallet {
		return ErrForbidden
	}
	if err := r.products.CancelCash(ctx, productID); err != nil {
		return mapRepoErr(err)
	}
	r.invalidateProduct(ctx, productID)
	r.publish(ctx, events.EventCashCancelled, productID.String(), cashKey(product.CashRequestID), events.CashPayload{
		ProductID: productID.String(), RequestID: product.CashRequestID.String(), BuyerWallet: product.CashBuyer,
	})
	return nil
}

func (r *Reconciler) applyCash(ctx context.Context, p HumanConfirmation) (*Settlement, error) {
	product, err := r.products.GetByID(ctx, p.ProductID)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return nil, ErrProductNotFound
	}
	if strings.ToLower(p.FarmerWallet) != product.FarmerWallet {
		return nil, ErrForbidden
	}
	if product.Status != model.StatusCashPending || product.CashQuantity <= 0 {
		return nil, ErrInvalidTransition
	}

	key := cashKey(product.CashRequestID)
	return r.applySettlement(ctx, repository.SettleRequest{
		Key:           key,
		Method:        model.PaymentCash,
		BuyerWallet:   product.CashBuyer,
		Currency:      model.CurrencyVND,
		TxRef:         key,
		RequireStatus: model.StatusCashPending,
		Lines: []repository.SettleLine{{
			ProductID:     product.ID,
			Quantity:      product.CashQuantity,
			CashRequestID: product.CashRequestID,
		}},
	})
}

func cashKey(requestID uuid.UUID) string { return "cash:" + requestID.String() }

// --- shared ---

func (r *Reconciler) applySettlement(ctx context.Context, req repository.SettleRequest) (*Settlement, error) {
	if s := r.fastPathDuplicate(ctx, req); s != nil {
		return s, nil
	}

	res, err := r.orders.Settle(ctx, req)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	s := &Settlement{Key: req.Key, Method: req.Method, Orders: res.Orders, Duplicate: res.Duplicate}

	if r.redis != nil {
		r.redis.Set(ctx, settlementMarkerKey(req.Key), "1", settlementMarkerTTL)
	}
	if res.Duplicate {
		r.logger.Info("settlement replay", "key", req.Key)
		return s, nil
	}

	for _, id := range res.Clamped {
		if r.metrics != nil {
			r.metrics.MirrorDrift.Inc()
		}
		r.logger.Warn("mirror quantity below ledger sale, clamped at zero", "key", req.Key, "product_id", id)
	}
	for _, o := range res.Orders {
		r.invalidateProduct(ctx, o.ProductID)
	}

	payload := events.SettlementAppliedPayload{
		SettlementKey: req.Key,
		Method:        string(req.Method),
		BuyerWallet:   req.BuyerWallet,
		Currency:      string(req.Currency),
		TxRef:         req.TxRef,
	}
	for _, o := range res.Orders {
		payload.Lines = append(payload.Lines, events.SettlementLine{
			OrderID: o.ID.String(), ProductID: o.ProductID.String(), Quantity: o.Quantity, Total: o.TotalPrice.String(),
		})
	}
	r.publish(ctx, events.EventSettlementApplied, req.Lines[0].ProductID.String(), req.Key, payload)

	r.logger.Info("settlement applied", "key", req.Key, "method", req.Method, "orders", len(res.Orders))
	return s, nil
}

// fastPathDuplicate answers a replay from the Redis marker. The store's
// settlements table stays authoritative; a miss here falls through to it.
func (r *Reconciler) fastPathDuplicate(ctx context.Context, req repository.SettleRequest) *Settlement {
	if r.redis == nil {
		return nil
	}
	if n, err := r.redis.Exists(ctx, settlementMarkerKey(req.Key)).Result(); err != nil || n == 0 {
		return nil
	}
	orders, err := r.orders.ListBySettlementKey(ctx, req.Key)
	if err != nil || len(orders) == 0 {
		return nil
	}
	return &Settlement{Key: req.Key, Method: req.Method, Orders: orders, Duplicate: true}
}

func settlementMarkerKey(key string) string { return "settlement:" + key }

func (r *Reconciler) invalidateProduct(ctx context.Context, id uuid.UUID) {
	if r.redis != nil {
		r.redis.Del(ctx, productCacheKey(id))
	}
}

func (r *Reconciler) publish(ctx context.Context, eventType, key, correlationID string, payload any) {
	if err := r.events.Publish(ctx, eventType, key, correlationID, payload); err != nil {
		r.logger.Warn("publish event failed", "event", eventType, "error", err)
	}
}
