package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nongsan/marketplace-api/internal/model"
)

// --- Auth ---

type RegisterRequest struct {
	WalletAddress string  `json:"wallet_address" binding:"required"`
	Name          string  `json:"name" binding:"required"`
	Email         *string `json:"email" binding:"omitempty,email"`
	Role          string  `json:"role" binding:"required,oneof=farmer buyer"`
	Password      string  `json:"password" binding:"required,min=8"`
}

type LoginRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Password      string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type UserResponse struct {
	WalletAddress string  `json:"wallet_address"`
	Name          string  `json:"name"`
	Email         *string `json:"email,omitempty"`
	Role          string  `json:"role"`
}

// --- Product ---

type CreateProductRequest struct {
	LedgerID    uint64          `json:"ledger_id" binding:"required"`
	Name        string          `json:"name" binding:"required"`
	Category    string          `json:"category"`
	Region      string          `json:"region"`
	HarvestDate time.Time       `json:"harvest_date" binding:"required"`
	PriceETH    decimal.Decimal `json:"price_eth"`
	PriceVND    decimal.Decimal `json:"price_vnd"`
	Organic     bool            `json:"organic"`
	Quantity    int             `json:"quantity" binding:"min=0"`
	Unit        string          `json:"unit"`
	Images      []string        `json:"images"`
}

type UpdatePriceRequest struct {
	PriceETH *decimal.Decimal `json:"price_eth"`
	PriceVND *decimal.Decimal `json:"price_vnd"`
}

type ListProductsRequest struct {
	Page     int    `form:"page,default=1" binding:"min=1"`
	Limit    int    `form:"limit,default=20" binding:"min=1,max=100"`
	Search   string `form:"search"`
	Category string `form:"category"`
	Region   string `form:"region"`
	Farmer   string `form:"farmer"`
	Status   string `form:"status" binding:"omitempty,oneof=available cash-pending sold refund-requested refunded"`
	Organic  *bool  `form:"organic"`
	Sort     string `form:"sort,default=created_at" binding:"oneof=name price harvest_date created_at"`
	Order    string `form:"order,default=desc" binding:"oneof=asc desc"`
}

type CashRequestResponse struct {
	RequestID   uuid.UUID `json:"request_id"`
	BuyerWallet string    `json:"buyer_wallet"`
	Quantity    int       `json:"quantity"`
}

type ProductResponse struct {
	ID           uuid.UUID            `json:"id"`
	LedgerID     uint64               `json:"ledger_id"`
	Name         string               `json:"name"`
	Category     string               `json:"category"`
	Region       string               `json:"region"`
	HarvestDate  time.Time            `json:"harvest_date"`
	PriceETH     decimal.Decimal      `json:"price_eth"`
	PriceVND     decimal.Decimal      `json:"price_vnd"`
	Organic      bool                 `json:"organic"`
	Quantity     int                  `json:"quantity"`
	Unit         string               `json:"unit"`
	Images       []string             `json:"images"`
	FarmerWallet string               `json:"farmer_wallet"`
	CurrentOwner string               `json:"current_owner"`
	Status       model.ProductStatus  `json:"status"`
	CashRequest  *CashRequestResponse `json:"cash_request,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

type ProductListResponse struct {
	Products []ProductResponse `json:"products"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	Limit    int               `json:"limit"`
}

// --- Settlement ---

type CryptoSettlementRequest struct {
	TxHash    string    `json:"tx_hash" binding:"required"`
	ProductID uuid.UUID `json:"product_id" binding:"required"`
	Quantity  int       `json:"quantity" binding:"required,min=1"`
}

type SettlementResponse struct {
	SettlementKey string          `json:"settlement_key"`
	Method        string          `json:"method"`
	Duplicate     bool            `json:"duplicate"`
	MirrorPending bool            `json:"mirror_pending,omitempty"`
	Policy        string          `json:"policy,omitempty"`
	Orders        []OrderResponse `json:"orders"`
}

type VNPayItem struct {
	ProductID uuid.UUID `json:"product_id" binding:"required"`
	Quantity  int       `json:"quantity" binding:"required,min=1"`
}

type CreateVNPayRequest struct {
	Items    []VNPayItem `json:"items" binding:"required,min=1,dive"`
	BankCode string      `json:"bank_code"`
}

type VNPayPaymentResponse struct {
	TxnRef     string          `json:"txn_ref"`
	PaymentURL string          `json:"payment_url"`
	Amount     decimal.Decimal `json:"amount"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

type PendingPaymentResponse struct {
	TxnRef       string              `json:"txn_ref"`
	Status       model.PaymentStatus `json:"status"`
	Amount       decimal.Decimal     `json:"amount"`
	Items        []model.PaymentItem `json:"items"`
	ResponseCode string              `json:"response_code,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// IPNResponse is the acknowledgement body the gateway expects.
type IPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// --- Order ---

type OrderResponse struct {
	ID            uuid.UUID           `json:"id"`
	SettlementKey string              `json:"settlement_key"`
	BuyerWallet   string              `json:"buyer_wallet"`
	ProductID     uuid.UUID           `json:"product_id"`
	Quantity      int                 `json:"quantity"`
	TotalPrice    decimal.Decimal     `json:"total_price"`
	Currency      model.Currency      `json:"currency"`
	PaymentMethod model.PaymentMethod `json:"payment_method"`
	TxRef         string              `json:"tx_ref"`
	Status        model.OrderStatus   `json:"status"`
	RefundReason  string              `json:"refund_reason,omitempty"`
	RefundTxHash  string              `json:"refund_tx_hash,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
	Total  int             `json:"total"`
}

type RefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type CompleteRefundRequest struct {
	RefundTxHash string `json:"refund_tx_hash"`
}

func ToOrderResponse(o *model.Order) OrderResponse {
	return OrderResponse{
		ID:            o.ID,
		SettlementKey: o.SettlementKey,
		BuyerWallet:   o.BuyerWallet,
		ProductID:     o.ProductID,
		Quantity:      o.Quantity,
		TotalPrice:    o.TotalPrice,
		Currency:      o.Currency,
		PaymentMethod: o.PaymentMethod,
		TxRef:         o.TxRef,
		Status:        o.Status,
		RefundReason:  o.RefundReason,
		RefundTxHash:  o.RefundTxHash,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func ToOrderList(orders []model.Order) OrderListResponse {
	out := make([]OrderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, ToOrderResponse(&orders[i]))
	}
	return OrderListResponse{Orders: out, Total: len(out)}
}

func ToProductResponse(p *model.Product) ProductResponse {
	resp := ProductResponse{
		ID:           p.ID,
		LedgerID:     p.LedgerID,
		Name:         p.Name,
		Category:     p.Category,
		Region:       p.Region,
		HarvestDate:  p.HarvestDate,
		PriceETH:     p.PriceETH,
		PriceVND:     p.PriceVND,
		Organic:      p.Organic,
		Quantity:     p.Quantity,
		Unit:         p.Unit,
		Images:       p.Images,
		FarmerWallet: p.FarmerWallet,
		CurrentOwner: p.CurrentOwner,
		Status:       p.Effective(),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if p.Status == model.StatusCashPending {
		resp.CashRequest = &CashRequestResponse{
			RequestID:   p.CashRequestID,
			BuyerWallet: p.CashBuyer,
			Quantity:    p.CashQuantity,
		}
	}
	return resp
}

func ToPendingPaymentResponse(p *model.PendingPayment) PendingPaymentResponse {
	return PendingPaymentResponse{
		TxnRef:       p.TxnRef,
		Status:       p.Status,
		Amount:       p.Amount,
		Items:        p.Items,
		ResponseCode: p.ResponseCode,
		CreatedAt:    p.CreatedAt,
	}
}
