package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nongsan/marketplace-api/internal/events"
	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/model"
	"github.com/nongsan/marketplace-api/internal/repository"
)

type OrderService struct {
	orderRepo   repository.OrderRepository
	productRepo repository.ProductRepository
	redisClient *redis.Client
	events      events.Publisher
	logger      *slog.Logger
}

func NewOrderService(orderRepo repository.OrderRepository, productRepo repository.ProductRepository, redisClient *redis.Client, publisher events.Publisher, logger *slog.Logger) *OrderService {
	if publisher == nil {
		publisher = events.Nop()
	}
	return &OrderService{orderRepo: orderRepo, productRepo: productRepo, redisClient: redisClient, events: publisher, logger: logger}
}

// GetByID returns an order to its buyer or to the farmer of its product.
func (s *OrderService) GetByID(ctx context.Context, orderID uuid.UUID, actor string) (*model.Order, error) {
	order, product, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	actor = strings.ToLower(actor)
	if order.BuyerWallet != actor && product.FarmerWallet != actor {
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *OrderService) ListByBuyer(ctx context.Context, wallet string) ([]model.Order, error) {
	return s.orderRepo.ListByBuyer(ctx, wallet)
}

func (s *OrderService) ListSales(ctx context.Context, farmer string) ([]model.Order, error) {
	return s.orderRepo.ListByFarmer(ctx, farmer)
}

// RequestRefund moves a sold product and its order to refund-requested. Only
// the current owner who bought through this order may ask.
func (s *OrderService) RequestRefund(ctx context.Context, orderID uuid.UUID, actor, reason string) (*model.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: refund reason is required", ErrValidation)
	}
	order, product, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	actor = strings.ToLower(actor)
	if actor != product.CurrentOwner || actor != order.BuyerWallet {
		return nil, ErrForbidden
	}
	if !model.CanTransition(product.Effective(), model.StatusRefundRequested) || order.Status != model.OrderStatusCompleted {
		return nil, ErrInvalidTransition
	}

	if err := s.orderRepo.RequestRefund(ctx, order.ID, product.ID, reason); err != nil {
		return nil, mapRepoErr(err)
	}
	order.Status = model.OrderStatusRefundRequested
	order.RefundReason = reason
	s.afterRefundStep(ctx, events.EventRefundRequested, order, actor)
	return order, nil
}

// CompleteRefund is the farmer confirming the money went back. refundTxHash
// is optional; cash and gateway refunds have none.
func (s *OrderService) CompleteRefund(ctx context.Context, orderID uuid.UUID, actor, refundTxHash string) (*model.Order, error) {
	if refundTxHash != "" && !ledger.IsTxHash(refundTxHash) {
		return nil, fmt.Errorf("%w: malformed refund transaction hash", ErrValidation)
	}
	order, product, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	actor = strings.ToLower(actor)
	if actor != product.FarmerWallet {
		return nil, ErrForbidden
	}
	if !model.CanTransition(product.Status, model.StatusRefunded) || order.Status != model.OrderStatusRefundRequested {
		return nil, ErrInvalidTransition
	}

	if err := s.orderRepo.CompleteRefund(ctx, order.ID, product.ID, strings.ToLower(refundTxHash)); err != nil {
		return nil, mapRepoErr(err)
	}
	order.Status = model.OrderStatusRefunded
	order.RefundTxHash = strings.ToLower(refundTxHash)
	s.afterRefundStep(ctx, events.EventRefundCompleted, order, actor)
	return order, nil
}

func (s *OrderService) load(ctx context.Context, orderID uuid.UUID) (*model.Order, *model.Product, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, nil, ErrOrderNotFound
	}
	product, err := s.productRepo.GetByID(ctx, order.ProductID)
	if err != nil {
		return nil, nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return nil, nil, ErrProductNotFound
	}
	return order, product, nil
}

func (s *OrderService) afterRefundStep(ctx context.Context, eventType string, order *model.Order, actor string) {
	if s.redisClient != nil {
		s.redisClient.Del(ctx, productCacheKey(order.ProductID))
	}
	err := s.events.Publish(ctx, eventType, order.ProductID.String(), order.SettlementKey, events.RefundPayload{
		OrderID:      order.ID.String(),
		ProductID:    order.ProductID.String(),
		Actor:        actor,
		Reason:       order.RefundReason,
		RefundTxHash: order.RefundTxHash,
	})
	if err != nil {
		s.logger.Warn("publish event failed", "event", eventType, "error", err)
	}
	s.logger.Info("refund step", "event", eventType, "order_id", order.ID, "product_id", order.ProductID)
}
