package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/metrics"
	"github.com/nongsan/marketplace-api/internal/model"
	"github.com/nongsan/marketplace-api/internal/service"
)

const (
	mirrorQueueName = "settlement.mirror"
	dlxExchange     = "settlement.mirror.dlx"
	dlqQueueName    = "settlement.mirror.dlq"
	attemptHeader   = "x-attempt"
	idempotencyTTL  = 24 * time.Hour
)

// Channel is the slice of *amqp.Channel the mirror queue needs.
type Channel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// SetupRabbitMQ declares the mirror queue with its dead-letter exchange and
// queue.
func SetupRabbitMQ(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare DLX: %w", err)
	}
	if _, err := ch.QueueDeclare(dlqQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare DLQ: %w", err)
	}
	if err := ch.QueueBind(dlqQueueName, mirrorQueueName, dlxExchange, false, nil); err != nil {
		return fmt.Errorf("bind DLQ: %w", err)
	}
	if _, err := ch.QueueDeclare(mirrorQueueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    dlxExchange,
		"x-dead-letter-routing-key": mirrorQueueName,
	}); err != nil {
		return fmt.Errorf("declare mirror queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}
	return nil
}

// MirrorPublisher puts on-chain purchases that could not be mirrored on the
// retry queue.
type MirrorPublisher struct {
	channel Channel
}

func NewMirrorPublisher(ch Channel) *MirrorPublisher {
	return &MirrorPublisher{channel: ch}
}

func (p *MirrorPublisher) Enqueue(ctx context.Context, msg model.SettlementMessage) error {
	return p.publish(ctx, msg, 1)
}

func (p *MirrorPublisher) publish(ctx context.Context, msg model.SettlementMessage, attempt int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal mirror message: %w", err)
	}
	err = p.channel.PublishWithContext(ctx, "", mirrorQueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.TxHash,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish mirror message: %w", err)
	}
	return nil
}

// Mirrorer writes an on-chain purchase into the store.
type Mirrorer interface {
	MirrorOnChain(ctx context.Context, p service.OnChainProof) (*service.Settlement, error)
}

type MirrorWorkerConfig struct {
	MaxAttempts int
	// Backoff is multiplied by the attempt number before a retry is
	// republished.
	Backoff time.Duration
}

type MirrorWorker struct {
	channel     Channel
	publisher   *MirrorPublisher
	mirror      Mirrorer
	ledger      ledger.Client
	redisClient *redis.Client
	metrics     *metrics.Metrics
	cfg         MirrorWorkerConfig
	log         *slog.Logger
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewMirrorWorker builds the retry consumer. ledgerClient, redisClient and m
// may be nil.
func NewMirrorWorker(
	ch Channel,
	mirror Mirrorer,
	ledgerClient ledger.Client,
	redisClient *redis.Client,
	m *metrics.Metrics,
	cfg MirrorWorkerConfig,
	log *slog.Logger,
) *MirrorWorker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &MirrorWorker{
		channel:     ch,
		publisher:   NewMirrorPublisher(ch),
		mirror:      mirror,
		ledger:      ledgerClient,
		redisClient: redisClient,
		metrics:     m,
		cfg:         cfg,
		log:         log,
		done:        make(chan struct{}),
	}
}

func (w *MirrorWorker) Start(ctx context.Context) error {
	msgs, err := w.channel.Consume(mirrorQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				w.processMessage(ctx, msg)
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	w.log.Info("mirror worker started", "queue", mirrorQueueName, "max_attempts", w.cfg.MaxAttempts)
	return nil
}

func (w *MirrorWorker) Stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *MirrorWorker) processMessage(ctx context.Context, msg amqp.Delivery) {
	var sm model.SettlementMessage
	if err := json.Unmarshal(msg.Body, &sm); err != nil {
		w.log.Error("unmarshal mirror message", "error", err)
		w.result("dead_lettered")
		_ = msg.Nack(false, false)
		return
	}

	attempt := attemptOf(msg)
	log := w.log.With("tx_hash", sm.TxHash, "product_id", sm.ProductID, "attempt", attempt)

	idempotencyKey := "mirror_processed:" + sm.TxHash
	if w.redisClient != nil {
		exists, err := w.redisClient.Exists(ctx, idempotencyKey).Result()
		if err != nil {
			log.Error("check idempotency key", "error", err)
			_ = msg.Nack(false, true)
			return
		}
		if exists > 0 {
			log.Info("mirror already applied, skipping")
			w.result("duplicate")
			_ = msg.Ack(false)
			return
		}
	}

	err := w.mirrorOnce(ctx, sm)
	switch {
	case err == nil:
		if w.redisClient != nil {
			if err := w.redisClient.Set(ctx, idempotencyKey, "1", idempotencyTTL).Err(); err != nil {
				log.Error("set idempotency key", "error", err)
			}
		}
		w.result("applied")
		_ = msg.Ack(false)
		log.Info("on-chain purchase mirrored")

	case errors.Is(err, errReverted):
		w.result("dropped")
		_ = msg.Ack(false)
		log.Warn("ledger transaction reverted, nothing to mirror")

	case permanent(err) || attempt >= w.cfg.MaxAttempts:
		w.result("dead_lettered")
		_ = msg.Nack(false, false)
		log.Error("mirror gave up, dead-lettered", "error", err)

	default:
		if !w.wait(ctx, time.Duration(attempt)*w.cfg.Backoff) {
			_ = msg.Nack(false, true)
			return
		}
		if perr := w.publisher.publish(ctx, sm, attempt+1); perr != nil {
			log.Error("republish mirror message", "error", perr)
			_ = msg.Nack(false, true)
			return
		}
		w.result("retried")
		_ = msg.Ack(false)
		log.Warn("mirror failed, retry scheduled", "error", err)
	}
}

var (
	errReverted    = errors.New("ledger transaction reverted")
	errNotYetFinal = errors.New("ledger transaction not yet mined")
)

func (w *MirrorWorker) mirrorOnce(ctx context.Context, sm model.SettlementMessage) error {
	if w.ledger != nil {
		state, err := w.ledger.ReceiptStatus(ctx, sm.TxHash)
		if err != nil {
			return fmt.Errorf("receipt status: %w", err)
		}
		switch state {
		case ledger.ReceiptFailed:
			return errReverted
		case ledger.ReceiptPending:
			return errNotYetFinal
		}
	}
	_, err := w.mirror.MirrorOnChain(ctx, service.OnChainProof{
		TxHash:      sm.TxHash,
		BuyerWallet: sm.BuyerWallet,
		ProductID:   sm.ProductID,
		Quantity:    sm.Quantity,
	})
	return err
}

// permanent errors will fail the same way on every attempt.
func permanent(err error) bool {
	return errors.Is(err, service.ErrValidation) || errors.Is(err, service.ErrInvalidTransition)
}

func (w *MirrorWorker) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.done:
		return false
	}
}

func (w *MirrorWorker) result(r string) {
	if w.metrics != nil {
		w.metrics.MirrorRetries.WithLabelValues(r).Inc()
	}
}

func attemptOf(msg amqp.Delivery) int {
	switch v := msg.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}
