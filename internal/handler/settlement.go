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
	"github.com/nongsan/marketplace-api/internal/service"
)

type Settler interface {
	Apply(ctx context.Context, proof service.Proof) (*service.Settlement, error)
	RequestCash(ctx context.Context, productID uuid.UUID, buyer string) (*model.Product, error)
	CancelCash(ctx context.Context, productID uuid.UUID, actor string) error
}

// SettlementHandler covers the crypto mirror call and the cash handshake.
// Gateway callbacks live in PaymentHandler.
type SettlementHandler struct {
	settler Settler
	log     *slog.Logger
}

func NewSettlementHandler(settler Settler, log *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settler: settler, log: log}
}

func (h *SettlementHandler) Crypto(c *gin.Context) {
	var req dto.CryptoSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	s, err := h.settler.Apply(c.Request.Context(), service.OnChainProof{
		TxHash:      req.TxHash,
		BuyerWallet: middleware.GetWallet(c),
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	writeSettlement(c, s)
}

func (h *SettlementHandler) RequestCash(c *gin.Context) {
	id, ok := parseProductID(c)
	if !ok {
		return
	}

	product, err := h.settler.RequestCash(c.Request.Context(), id, middleware.GetWallet(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToProductResponse(product))
}

func (h *SettlementHandler) CancelCash(c *gin.Context) {
	id, ok := parseProductID(c)
	if !ok {
		return
	}

	if err := h.settler.CancelCash(c.Request.Context(), id, middleware.GetWallet(c)); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SettlementHandler) ConfirmCash(c *gin.Context) {
	id, ok := parseProductID(c)
	if !ok {
		return
	}

	s, err := h.settler.Apply(c.Request.Context(), service.HumanConfirmation{
		FarmerWallet: middleware.GetWallet(c),
		ProductID:    id,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	writeSettlement(c, s)
}

// writeSettlement answers 201 for a new settlement, 200 for a replay and 202
// when the store write was deferred to the mirror policy.
func writeSettlement(c *gin.Context, s *service.Settlement) {
	status := http.StatusCreated
	switch {
	case s.MirrorPending:
		status = http.StatusAccepted
	case s.Duplicate:
		status = http.StatusOK
	}
	c.JSON(status, toSettlementResponse(s))
}

func toSettlementResponse(s *service.Settlement) dto.SettlementResponse {
	resp := dto.SettlementResponse{
		SettlementKey: s.Key,
		Method:        string(s.Method),
		Duplicate:     s.Duplicate,
		MirrorPending: s.MirrorPending,
		Orders:        dto.ToOrderList(s.Orders).Orders,
	}
	if s.MirrorPending {
		resp.Policy = string(s.Policy)
	}
	return resp
}
