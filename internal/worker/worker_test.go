package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/metrics"
	"github.com/nongsan/marketplace-api/internal/model"
	"github.com/nongsan/marketplace-api/internal/service"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	deliveries chan amqp.Delivery
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key != mirrorQueueName {
		return errors.New("unexpected routing key " + key)
	}
	f.published = append(f.published, msg)
	return nil
}

// ackRecorder stands in for the broker side of a delivery.
type ackRecorder struct {
	acked, nacked, requeued bool
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.acked = true
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

type fakeMirror struct {
	err   error
	calls []service.OnChainProof
}

func (f *fakeMirror) MirrorOnChain(_ context.Context, p service.OnChainProof) (*service.Settlement, error) {
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	return &service.Settlement{Key: "crypto:" + p.TxHash}, nil
}

type receiptLedger struct {
	ledger.Client
	state ledger.ReceiptState
}

func (r receiptLedger) ReceiptStatus(context.Context, string) (ledger.ReceiptState, error) {
	return r.state, nil
}

func delivery(t *testing.T, attempt int) (amqp.Delivery, *ackRecorder) {
	t.Helper()
	body, err := json.Marshal(model.SettlementMessage{
		TxHash: "0xabc", BuyerWallet: "0x1111111111111111111111111111111111111111", ProductID: uuid.New(), Quantity: 2,
	})
	require.NoError(t, err)
	ack := &ackRecorder{}
	return amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
	}, ack
}

func newTestWorker(mirror Mirrorer, l ledger.Client, maxAttempts int) (*MirrorWorker, *fakeChannel, *metrics.Metrics) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 1)}
	m := metrics.New()
	return NewMirrorWorker(ch, mirror, l, nil, m, MirrorWorkerConfig{MaxAttempts: maxAttempts}, discard()), ch, m
}

func TestMirrorPublisher_Enqueue(t *testing.T) {
	ch := &fakeChannel{}
	msg := model.SettlementMessage{TxHash: "0xabc", ProductID: uuid.New(), Quantity: 1}
	require.NoError(t, NewMirrorPublisher(ch).Enqueue(context.Background(), msg))

	require.Len(t, ch.published, 1)
	p := ch.published[0]
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, int32(1), p.Headers[attemptHeader])

	var got model.SettlementMessage
	require.NoError(t, json.Unmarshal(p.Body, &got))
	assert.Equal(t, msg, got)
}

func TestMirrorWorker_Applies(t *testing.T) {
	mirror := &fakeMirror{}
	w, ch, m := newTestWorker(mirror, receiptLedger{state: ledger.ReceiptSuccess}, 3)
	d, ack := delivery(t, 1)

	w.processMessage(context.Background(), d)

	assert.True(t, ack.acked)
	require.Len(t, mirror.calls, 1)
	assert.Equal(t, 2, mirror.calls[0].Quantity)
	assert.Empty(t, ch.published)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MirrorRetries.WithLabelValues("applied")))
}

func TestMirrorWorker_RetriesWithNextAttempt(t *testing.T) {
	mirror := &fakeMirror{err: service.ErrProductNotFound}
	w, ch, m := newTestWorker(mirror, nil, 3)
	d, ack := delivery(t, 1)

	w.processMessage(context.Background(), d)

	assert.True(t, ack.acked)
	require.Len(t, ch.published, 1)
	assert.Equal(t, int32(2), ch.published[0].Headers[attemptHeader])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MirrorRetries.WithLabelValues("retried")))
}

func TestMirrorWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("db down")}
	w, ch, m := newTestWorker(mirror, nil, 3)
	d, ack := delivery(t, 3)

	w.processMessage(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Empty(t, ch.published)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MirrorRetries.WithLabelValues("dead_lettered")))
}

func TestMirrorWorker_PermanentErrorSkipsRetry(t *testing.T) {
	w, ch, _ := newTestWorker(&fakeMirror{err: service.ErrInvalidTransition}, nil, 5)
	d, ack := delivery(t, 1)

	w.processMessage(context.Background(), d)

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Empty(t, ch.published)
}

func TestMirrorWorker_ReceiptStates(t *testing.T) {
	t.Run("reverted is dropped", func(t *testing.T) {
		mirror := &fakeMirror{}
		w, ch, _ := newTestWorker(mirror, receiptLedger{state: ledger.ReceiptFailed}, 3)
		d, ack := delivery(t, 1)

		w.processMessage(context.Background(), d)

		assert.True(t, ack.acked)
		assert.Empty(t, mirror.calls)
		assert.Empty(t, ch.published)
	})
	t.Run("pending is retried", func(t *testing.T) {
		mirror := &fakeMirror{}
		w, ch, _ := newTestWorker(mirror, receiptLedger{state: ledger.ReceiptPending}, 3)
		d, _ := delivery(t, 1)

		w.processMessage(context.Background(), d)

		assert.Empty(t, mirror.calls)
		assert.Len(t, ch.published, 1)
	})
}

func TestMirrorWorker_BadBody(t *testing.T) {
	w, _, _ := newTestWorker(&fakeMirror{}, nil, 3)
	ack := &ackRecorder{}

	w.processMessage(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{")})

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
}

func TestMirrorWorker_StartConsumes(t *testing.T) {
	mirror := &fakeMirror{}
	w, ch, _ := newTestWorker(mirror, nil, 3)
	require.NoError(t, w.Start(context.Background()))

	d, ack := delivery(t, 1)
	ch.deliveries <- d
	require.Eventually(t, func() bool { return len(ch.deliveries) == 0 }, time.Second, 10*time.Millisecond)
	w.Stop()

	assert.True(t, ack.acked)
}

type blockingSyncer struct {
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (b *blockingSyncer) Run(context.Context) (service.DriftReport, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	return service.DriftReport{Checked: 2, Drifted: 1}, nil
}

func TestReconcileWorker_SkipsOverlappingPass(t *testing.T) {
	s := &blockingSyncer{release: make(chan struct{})}
	w := NewReconcileWorker(s, time.Hour, discard())

	done := make(chan service.DriftReport)
	go func() {
		report, _ := w.RunOnce(context.Background())
		done <- report
	}()
	require.Eventually(t, func() bool { return w.running.Load() }, time.Second, time.Millisecond)

	_, ran := w.RunOnce(context.Background())
	assert.False(t, ran)

	close(s.release)
	report := <-done
	assert.Equal(t, 1, report.Drifted)
	assert.Equal(t, 1, s.calls)

	_, ran = w.RunOnce(context.Background())
	assert.True(t, ran)
}

func TestReconcileWorker_Ticks(t *testing.T) {
	s := &blockingSyncer{release: make(chan struct{})}
	close(s.release)
	w := NewReconcileWorker(s, 10*time.Millisecond, discard())
	w.Start(context.Background())
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.calls >= 2
	}, time.Second, 5*time.Millisecond)
	w.Stop()
}
