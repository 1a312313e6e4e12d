package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nongsan/marketplace-api/internal/dto"
	"github.com/nongsan/marketplace-api/internal/middleware"
	"github.com/nongsan/marketplace-api/internal/model"
	"github.com/nongsan/marketplace-api/internal/service"
	"github.com/nongsan/marketplace-api/internal/vnpay"
)

type PaymentService interface {
	CreateVNPay(ctx context.Context, buyer string, req dto.CreateVNPayRequest, clientIP string) (*dto.VNPayPaymentResponse, error)
	Get(ctx context.Context, txnRef, actor string) (*model.PendingPayment, error)
}

type PaymentHandler struct {
	payments PaymentService
	settler  Settler
	log      *slog.Logger
}

func NewPaymentHandler(payments PaymentService, settler Settler, log *slog.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, settler: settler, log: log}
}

func (h *PaymentHandler) CreateVNPay(c *gin.Context) {
	var req dto.CreateVNPayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	resp, err := h.payments.CreateVNPay(c.Request.Context(), middleware.GetWallet(c), req, c.ClientIP())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *PaymentHandler) Get(c *gin.Context) {
	p, err := h.payments.Get(c.Request.Context(), c.Param("txnRef"), middleware.GetWallet(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToPendingPaymentResponse(p))
}

// VNPayReturn handles the buyer's browser coming back from the gateway.
func (h *PaymentHandler) VNPayReturn(c *gin.Context) {
	s, err := h.settler.Apply(c.Request.Context(), service.GatewayProof{
		Params: vnpay.FromValues(c.Request.URL.Query()),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	writeSettlement(c, s)
}

// VNPayIPN is the gateway's server-to-server notification. It always answers
// 200; the outcome is carried in RspCode.
func (h *PaymentHandler) VNPayIPN(c *gin.Context) {
	params := vnpay.FromValues(c.Request.URL.Query())
	s, err := h.settler.Apply(c.Request.Context(), service.GatewayProof{Params: params})

	resp := ipnResponse(s, err)
	log := h.log.With("txn_ref", params["vnp_TxnRef"], "rsp_code", resp.RspCode)
	if resp.RspCode == vnpay.IPNUnknownError {
		log.Error("ipn not confirmed", "error", err)
	} else {
		log.Info("ipn handled")
	}
	c.JSON(http.StatusOK, resp)
}

func ipnResponse(s *service.Settlement, err error) dto.IPNResponse {
	switch {
	case err == nil && s.Duplicate:
		return dto.IPNResponse{RspCode: vnpay.IPNAlreadyConfirmed, Message: "Order already confirmed"}
	case err == nil:
		return dto.IPNResponse{RspCode: vnpay.IPNConfirmSuccess, Message: "Confirm Success"}
	case errors.Is(err, service.ErrInvalidSignature):
		return dto.IPNResponse{RspCode: vnpay.IPNInvalidSignature, Message: "Invalid signature"}
	case errors.Is(err, service.ErrPaymentNotFound):
		return dto.IPNResponse{RspCode: vnpay.IPNOrderNotFound, Message: "Order not found"}
	case errors.Is(err, service.ErrAmountMismatch):
		return dto.IPNResponse{RspCode: vnpay.IPNInvalidAmount, Message: "Invalid amount"}
	case errors.Is(err, service.ErrPaymentFailed):
		// The failure is recorded; the gateway should stop retrying.
		return dto.IPNResponse{RspCode: vnpay.IPNConfirmSuccess, Message: "Confirm Success"}
	}
	return dto.IPNResponse{RspCode: vnpay.IPNUnknownError, Message: "Unknown error"}
}
