package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nongsan/marketplace-api/internal/dto"
	"github.com/nongsan/marketplace-api/internal/middleware"
	"github.com/nongsan/marketplace-api/internal/model"
)

type OrderService interface {
	GetByID(ctx context.Context, orderID uuid.UUID, actor string) (*model.Order, error)
	ListByBuyer(ctx context.Context, wallet string) ([]model.Order, error)
	ListSales(ctx context.Context, farmer string) ([]model.Order, error)
	RequestRefund(ctx context.Context, orderID uuid.UUID, actor, reason string) (*model.Order, error)
	CompleteRefund(ctx context.Context, orderID uuid.UUID, actor, refundTxHash string) (*model.Order, error)
}

type OrderHandler struct {
	orderService OrderService
	log          *slog.Logger
}

func NewOrderHandler(orderService OrderService, log *slog.Logger) *OrderHandler {
	return &OrderHandler{orderService: orderService, log: log}
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	orders, err := h.orderService.ListByBuyer(c.Request.Context(), middleware.GetWallet(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToOrderList(orders))
}

func (h *OrderHandler) ListSales(c *gin.Context) {
	orders, err := h.orderService.ListSales(c.Request.Context(), middleware.GetWallet(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToOrderList(orders))
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	orderID, ok := parseOrderID(c)
	if !ok {
		return
	}

	order, err := h.orderService.GetByID(c.Request.Context(), orderID, middleware.GetWallet(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToOrderResponse(order))
}

func (h *OrderHandler) RequestRefund(c *gin.Context) {
	orderID, ok := parseOrderID(c)
	if !ok {
		return
	}

	var req dto.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := h.orderService.RequestRefund(c.Request.Context(), orderID, middleware.GetWallet(c), req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToOrderResponse(order))
}

func (h *OrderHandler) CompleteRefund(c *gin.Context) {
	orderID, ok := parseOrderID(c)
	if !ok {
		return
	}

	var req dto.CompleteRefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	order, err := h.orderService.CompleteRefund(c.Request.Context(), orderID, middleware.GetWallet(c), req.RefundTxHash)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToOrderResponse(order))
}

func parseOrderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid order ID")
		return uuid.Nil, false
	}
	return id, true
}
