package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/model"
	"github.com/nongsan/marketplace-api/internal/repository"
)

const (
	farmerWallet = "0x2222222222222222222222222222222222222222"
	buyerWallet  = "0x1111111111111111111111111111111111111111"
	otherWallet  = "0x3333333333333333333333333333333333333333"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore backs the product, order and payment mocks. One mutex stands in
// for the row locks Postgres takes.
type memStore struct {
	mu          sync.Mutex
	products    map[uuid.UUID]*model.Product
	orders      map[uuid.UUID]*model.Order
	settlements map[string]bool
	payments    map[string]*model.PendingPayment
}

func newMemStore() *memStore {
	return &memStore{
		products:    make(map[uuid.UUID]*model.Product),
		orders:      make(map[uuid.UUID]*model.Order),
		settlements: make(map[string]bool),
		payments:    make(map[string]*model.PendingPayment),
	}
}

var nextLedgerID uint64 = 100

func (s *memStore) addProduct(qty int) *model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	nextLedgerID++
	p := &model.Product{
		ID:           uuid.New(),
		LedgerID:     nextLedgerID,
		Name:         "Gao ST25",
		Category:     "grain",
		HarvestDate:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		PriceETH:     decimal.RequireFromString("0.01"),
		PriceVND:     decimal.NewFromInt(50000),
		Quantity:     qty,
		Unit:         "kg",
		FarmerWallet: farmerWallet,
		CurrentOwner: farmerWallet,
		Status:       model.DeriveStatus(qty, model.StatusAvailable),
	}
	s.products[p.ID] = p
	cp := *p
	return &cp
}

func (s *memStore) product(id uuid.UUID) model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.products[id]
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) addPending(txnRef string, items ...model.PaymentItem) *model.PendingPayment {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	p := &model.PendingPayment{
		TxnRef: txnRef, BuyerWallet: buyerWallet, Items: items, Amount: total, Status: model.PaymentStatusPending,
	}
	s.payments[txnRef] = p
	return p
}

func (s *memStore) payment(txnRef string) model.PendingPayment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.payments[txnRef]
}

// --- products ---

type mockProductRepo struct{ s *memStore }

func (m *mockProductRepo) Create(_ context.Context, product *model.Product) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, p := range m.s.products {
		if p.LedgerID == product.LedgerID {
			return repository.ErrDuplicate
		}
	}
	product.ID = uuid.New()
	if product.CurrentOwner == "" {
		product.CurrentOwner = product.FarmerWallet
	}
	product.Status = model.DeriveStatus(product.Quantity, model.StatusAvailable)
	product.CreatedAt = time.Now()
	product.UpdatedAt = product.CreatedAt
	cp := *product
	m.s.products[cp.ID] = &cp
	return nil
}

func (m *mockProductRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Product, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *mockProductRepo) GetByLedgerID(_ context.Context, ledgerID uint64) (*model.Product, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, p := range m.s.products {
		if p.LedgerID == ledgerID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockProductRepo) List(_ context.Context, f repository.ProductFilter) ([]model.Product, int, error) {
	all, _ := m.ListAll(context.Background())
	var out []model.Product
	for _, p := range all {
		if f.Status != "" && p.Effective() != f.Status {
			continue
		}
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.Farmer != "" && p.FarmerWallet != strings.ToLower(f.Farmer) {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *mockProductRepo) ListAll(_ context.Context) ([]model.Product, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]model.Product, 0, len(m.s.products))
	for _, p := range m.s.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LedgerID < out[j].LedgerID })
	return out, nil
}

func (m *mockProductRepo) UpdatePrice(_ context.Context, id uuid.UUID, priceETH, priceVND decimal.Decimal) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.products[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.PriceETH, p.PriceVND = priceETH, priceVND
	return nil
}

func (m *mockProductRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.products[id]; !ok {
		return repository.ErrNotFound
	}
	for _, o := range m.s.orders {
		if o.ProductID == id {
			return repository.ErrHasOrders
		}
	}
	delete(m.s.products, id)
	return nil
}

func (m *mockProductRepo) RequestCash(_ context.Context, id uuid.UUID, buyer string, requestID uuid.UUID) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.products[id]
	if !ok || p.Effective() != model.StatusAvailable {
		return 0, repository.ErrStatusConflict
	}
	p.Status = model.StatusCashPending
	p.CashBuyer = buyer
	p.CashQuantity = p.Quantity
	p.CashRequestID = requestID
	return p.CashQuantity, nil
}

func (m *mockProductRepo) CancelCash(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.products[id]
	if !ok || p.Status != model.StatusCashPending {
		return repository.ErrStatusConflict
	}
	p.Status = model.StatusAvailable
	p.CashBuyer, p.CashQuantity, p.CashRequestID = "", 0, uuid.Nil
	return nil
}

func (m *mockProductRepo) SyncFromLedger(_ context.Context, id uuid.UUID, quantity int, owner string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.products[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Quantity = quantity
	p.CurrentOwner = owner
	switch {
	case p.Status == model.StatusAvailable && quantity == 0:
		p.Status = model.StatusSold
	case p.Status == model.StatusSold && quantity > 0:
		p.Status = model.StatusAvailable
	}
	return nil
}

// --- orders ---

type mockOrderRepo struct{ s *memStore }

func (m *mockOrderRepo) Settle(_ context.Context, req repository.SettleRequest) (*repository.SettleResult, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if m.s.settlements[req.Key] {
		return &repository.SettleResult{Orders: m.byKeyLocked(req.Key), Duplicate: true}, nil
	}

	type change struct {
		p      *model.Product
		qty    int
		status model.ProductStatus
	}
	var (
		changes []change
		res     = &repository.SettleResult{}
	)
	for _, line := range req.Lines {
		p, ok := m.s.products[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, repository.ErrNotFound)
		}
		newQty := p.Quantity - line.Quantity
		if req.Floor {
			if p.Status == model.StatusRefunded || p.Status == model.StatusRefundRequested {
				return nil, repository.ErrStatusConflict
			}
			if newQty < 0 {
				res.Clamped = append(res.Clamped, p.ID)
				newQty = 0
			}
		} else {
			if newQty < 0 {
				return nil, repository.ErrOutOfStock
			}
			if p.Effective() != req.RequireStatus {
				return nil, repository.ErrStatusConflict
			}
			if line.CashRequestID != uuid.Nil && line.CashRequestID != p.CashRequestID {
				return nil, repository.ErrStatusConflict
			}
		}
		status := model.StatusAvailable
		if newQty == 0 {
			status = model.StatusSold
		} else if p.Status == model.StatusCashPending && req.Floor {
			status = model.StatusCashPending
		}
		changes = append(changes, change{p: p, qty: newQty, status: status})
	}

	if req.PaymentTxnRef != "" {
		pay, ok := m.s.payments[req.PaymentTxnRef]
		if !ok || pay.Status != model.PaymentStatusPending {
			return nil, repository.ErrStatusConflict
		}
		pay.Status = model.PaymentStatusPaid
		pay.GatewayTxnNo = req.GatewayTxnNo
		pay.ResponseCode = req.ResponseCode
	}

	m.s.settlements[req.Key] = true
	for i, c := range changes {
		line := req.Lines[i]
		c.p.Quantity = c.qty
		c.p.Status = c.status
		c.p.CurrentOwner = strings.ToLower(req.BuyerWallet)
		if c.status != model.StatusCashPending {
			c.p.CashBuyer, c.p.CashQuantity, c.p.CashRequestID = "", 0, uuid.Nil
		}
		unit := line.UnitPrice
		if unit.IsZero() {
			unit = c.p.PriceVND
			if req.Currency == model.CurrencyETH {
				unit = c.p.PriceETH
			}
		}
		o := &model.Order{
			ID:            uuid.New(),
			SettlementKey: req.Key,
			BuyerWallet:   strings.ToLower(req.BuyerWallet),
			ProductID:     c.p.ID,
			Quantity:      line.Quantity,
			TotalPrice:    unit.Mul(decimal.NewFromInt(int64(line.Quantity))),
			Currency:      req.Currency,
			PaymentMethod: req.Method,
			TxRef:         req.TxRef,
			Status:        model.OrderStatusCompleted,
			CreatedAt:     time.Now(),
		}
		m.s.orders[o.ID] = o
		res.Orders = append(res.Orders, *o)
	}
	return res, nil
}

func (m *mockOrderRepo) byKeyLocked(key string) []model.Order {
	var out []model.Order
	for _, o := range m.s.orders {
		if o.SettlementKey == key {
			out = append(out, *o)
		}
	}
	return out
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Order, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o, ok := m.s.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) ListByBuyer(_ context.Context, wallet string) ([]model.Order, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []model.Order
	for _, o := range m.s.orders {
		if o.BuyerWallet == strings.ToLower(wallet) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *mockOrderRepo) ListByFarmer(_ context.Context, wallet string) ([]model.Order, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []model.Order
	for _, o := range m.s.orders {
		if p, ok := m.s.products[o.ProductID]; ok && p.FarmerWallet == strings.ToLower(wallet) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *mockOrderRepo) ListBySettlementKey(_ context.Context, key string) ([]model.Order, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.byKeyLocked(key), nil
}

func (m *mockOrderRepo) RequestRefund(_ context.Context, orderID, productID uuid.UUID, reason string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o, p := m.s.orders[orderID], m.s.products[productID]
	if o == nil || o.Status != model.OrderStatusCompleted {
		return repository.ErrStatusConflict
	}
	if p == nil || p.Quantity != 0 || (p.Status != model.StatusSold && p.Status != model.StatusAvailable) {
		return repository.ErrStatusConflict
	}
	o.Status, o.RefundReason = model.OrderStatusRefundRequested, reason
	p.Status = model.StatusRefundRequested
	return nil
}

func (m *mockOrderRepo) CompleteRefund(_ context.Context, orderID, productID uuid.UUID, refundTxHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	o, p := m.s.orders[orderID], m.s.products[productID]
	if o == nil || o.Status != model.OrderStatusRefundRequested || p == nil || p.Status != model.StatusRefundRequested {
		return repository.ErrStatusConflict
	}
	o.Status, o.RefundTxHash = model.OrderStatusRefunded, refundTxHash
	p.Status = model.StatusRefunded
	return nil
}

// --- payments ---

type mockPaymentRepo struct{ s *memStore }

func (m *mockPaymentRepo) Create(_ context.Context, p *model.PendingPayment) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.payments[p.TxnRef]; ok {
		return repository.ErrDuplicate
	}
	p.Status = model.PaymentStatusPending
	cp := *p
	m.s.payments[p.TxnRef] = &cp
	return nil
}

func (m *mockPaymentRepo) GetByTxnRef(_ context.Context, txnRef string) (*model.PendingPayment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.payments[txnRef]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *mockPaymentRepo) MarkFailed(_ context.Context, txnRef, responseCode string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.payments[txnRef]
	if !ok || p.Status != model.PaymentStatusPending {
		return repository.ErrStatusConflict
	}
	p.Status = model.PaymentStatusFailed
	p.ResponseCode = responseCode
	return nil
}

// --- collaborators ---

type recordedEvent struct {
	Type, Key, CorrelationID string
	Payload                  any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingPublisher) Publish(_ context.Context, eventType, key, correlationID string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{eventType, key, correlationID, payload})
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingEnqueuer struct {
	msgs []model.SettlementMessage
	err  error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, msg model.SettlementMessage) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

type fakeLedger struct {
	products   map[uint64]*ledger.Product
	registered map[string]bool
	receipts   map[string]ledger.ReceiptState
	readErrs   map[uint64]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		products:   make(map[uint64]*ledger.Product),
		registered: make(map[string]bool),
		receipts:   make(map[string]ledger.ReceiptState),
		readErrs:   make(map[uint64]error),
	}
}

func (f *fakeLedger) ProductCount(context.Context) (uint64, error) {
	return uint64(len(f.products)), nil
}

func (f *fakeLedger) GetProduct(_ context.Context, id uint64) (*ledger.Product, error) {
	if err := f.readErrs[id]; err != nil {
		return nil, err
	}
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("ledger getProduct: execution reverted")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeLedger) IsUserRegistered(_ context.Context, wallet string) (bool, error) {
	return f.registered[strings.ToLower(wallet)], nil
}

func (f *fakeLedger) ReceiptStatus(_ context.Context, txHash string) (ledger.ReceiptState, error) {
	return f.receipts[strings.ToLower(txHash)], nil
}
