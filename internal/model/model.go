package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleFarmer || r == RoleBuyer || r == RoleAdmin
}

type User struct {
	WalletAddress string
	Name          string
	Email         *string
	Role          Role
	Active        bool
	PasswordHash  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Product struct {
	ID           uuid.UUID
	LedgerID     uint64
	Name         string
	Category     string
	Region       string
	HarvestDate  time.Time
	PriceETH     decimal.Decimal
	PriceVND     decimal.Decimal
	Organic      bool
	Quantity     int
	Unit         string
	Images       []string
	FarmerWallet string
	CurrentOwner string
	Status       ProductStatus

	// Pending cash handshake; zero values when no request is open.
	CashBuyer     string
	CashQuantity  int
	CashRequestID uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Effective is the status read paths expose. Flags that quantity cannot
// encode win; otherwise an empty lot is sold.
func (p *Product) Effective() ProductStatus {
	return DeriveStatus(p.Quantity, p.Status)
}

type PaymentMethod string

const (
	PaymentCrypto PaymentMethod = "crypto"
	PaymentCash   PaymentMethod = "cash"
	PaymentVNPay  PaymentMethod = "vnpay"
)

type Currency string

const (
	CurrencyETH Currency = "ETH"
	CurrencyVND Currency = "VND"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRefundRequested OrderStatus = "refund-requested"
	OrderStatusRefunded        OrderStatus = "refunded"
)

type Order struct {
	ID            uuid.UUID
	SettlementKey string
	BuyerWallet   string
	ProductID     uuid.UUID
	Quantity      int
	TotalPrice    decimal.Decimal
	Currency      Currency
	PaymentMethod PaymentMethod
	TxRef         string
	Status        OrderStatus
	RefundReason  string
	RefundTxHash  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

type PaymentItem struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// PendingPayment is the server-held cart for a gateway redirect, keyed by the
// transaction reference the gateway echoes back.
type PendingPayment struct {
	TxnRef       string
	BuyerWallet  string
	Items        []PaymentItem
	Amount       decimal.Decimal
	Status       PaymentStatus
	GatewayTxnNo string
	ResponseCode string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SettlementMessage is the payload of the mirror-retry queue.
type SettlementMessage struct {
	TxHash      string    `json:"tx_hash"`
	BuyerWallet string    `json:"buyer_wallet"`
	ProductID   uuid.UUID `json:"product_id"`
	Quantity    int       `json:"quantity"`
}
