// Package events publishes marketplace domain events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventSettlementApplied = "SettlementApplied"
	EventCashRequested     = "CashRequested"
	EventCashCancelled     = "CashCancelled"
	EventRefundRequested   = "RefundRequested"
	EventRefundCompleted   = "RefundCompleted"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type SettlementLine struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Total     string `json:"total"`
}

type SettlementAppliedPayload struct {
	SettlementKey string           `json:"settlement_key"`
	Method        string           `json:"method"`
	BuyerWallet   string           `json:"buyer_wallet"`
	Currency      string           `json:"currency"`
	TxRef         string           `json:"tx_ref"`
	Lines         []SettlementLine `json:"lines"`
}

type CashPayload struct {
	ProductID   string `json:"product_id"`
	RequestID   string `json:"request_id"`
	BuyerWallet string `json:"buyer_wallet"`
	Quantity    int    `json:"quantity,omitempty"`
}

type RefundPayload struct {
	OrderID      string `json:"order_id"`
	ProductID    string `json:"product_id"`
	Actor        string `json:"actor"`
	Reason       string `json:"reason,omitempty"`
	RefundTxHash string `json:"refund_tx_hash,omitempty"`
}

type Publisher interface {
	// Publish enqueues an event; key selects the partition.
	Publish(ctx context.Context, eventType, key, correlationID string, payload any) error
}

func NewEnvelope(producer, eventType, correlationID string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    now.UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// UnwrapPayload decodes an envelope payload into T.
func UnwrapPayload[T any](env Envelope) (T, error) {
	var t T
	err := json.Unmarshal(env.Payload, &t)
	return t, err
}

type nopPublisher struct{}

// Nop discards every event. Used when no brokers are configured.
func Nop() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, string, string, string, any) error { return nil }
