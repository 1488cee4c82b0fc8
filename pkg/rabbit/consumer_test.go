package rabbit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var errHandler = errors.New("handler failed")

type consumerHarness struct {
	ch       *fakeChannel
	obs      *recordingObserver
	registry *HandlerRegistry
	consumer *Consumer
	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	err      error
}

func newConsumerHarness(t *testing.T, cfg Config, register func(r *HandlerRegistry)) *consumerHarness {
	t.Helper()
	h := &consumerHarness{
		ch:       newFakeChannel(),
		obs:      newRecordingObserver(),
		registry: NewHandlerRegistry(nopLog),
		done:     make(chan error, 1),
	}
	if register != nil {
		register(h.registry)
	}

	consumer, err := NewConsumer(staticSource{ch: h.ch}, cfg, nopLog, WithObserver(h.obs))
	require.NoError(t, err)
	h.consumer = consumer

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- consumer.Subscribe(ctx, cfg.Channel.QueueName, h.registry) }()
	t.Cleanup(h.stop)

	require.Eventually(t, func() bool {
		h.ch.mu.Lock()
		defer h.ch.mu.Unlock()
		return h.ch.deliveries != nil
	}, eventually, time.Millisecond)
	return h
}

func (h *consumerHarness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.err = <-h.done:
		case <-time.After(eventually):
			h.err = errors.New("Subscribe did not return")
		}
	})
}

func (h *consumerHarness) waitSettled(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ch.settledCount() >= n }, eventually, time.Millisecond)
}

func TestConsumerAcksOnSuccess(t *testing.T) {
	var got *Message
	h := newConsumerHarness(t, testConfig(), func(r *HandlerRegistry) {
		require.NoError(t, r.Register("new.order", func(_ context.Context, msg *Message) error {
			got = msg
			return nil
		}))
	})

	h.ch.enqueue("new.order", []byte(`{"id":1,"customer":"A","items":["x"],"total":10}`), func(d *amqp.Delivery) {
		d.MessageId = "m-1"
	})
	h.waitSettled(t, 1)
	h.stop()

	assert.Equal(t, []string{"ack"}, h.ch.settlements(1))
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.DeliveryTag)
	assert.Equal(t, "new.order", got.RoutingKey)
	assert.Equal(t, "m-1", got.MessageID)
	assert.False(t, got.Redelivered)
	assert.False(t, got.ArrivedAt.IsZero())
	assert.Equal(t, "A", got.Payload["customer"])

	assert.Equal(t, 1, h.obs.count(h.obs.received, "new.order"))
	assert.Equal(t, 1, h.obs.count(h.obs.processed, "new.order"))
	assert.Zero(t, h.obs.count(h.obs.failed, "new.order"))
	h.obs.mu.Lock()
	assert.Len(t, h.obs.latencies, 1)
	h.obs.mu.Unlock()
}

func TestConsumerNacksWithRequeueOnFailure(t *testing.T) {
	var calls atomic.Int32
	h := newConsumerHarness(t, testConfig(), func(r *HandlerRegistry) {
		require.NoError(t, r.Register("new.order", func(context.Context, *Message) error {
			// fail the first delivery only, so the requeued copy is acked
			if calls.Add(1) == 1 {
				return errHandler
			}
			return nil
		}))
	})

	h.ch.enqueue("new.order", []byte(`{"id":1}`))
	h.waitSettled(t, 2)
	h.stop()

	assert.Equal(t, []string{"nack-requeue"}, h.ch.settlements(1), "the failed delivery tag is nacked once and never acked")
	assert.Equal(t, []string{"ack"}, h.ch.settlements(2))
	assert.Equal(t, 1, h.obs.count(h.obs.failed, "new.order"))
	assert.Equal(t, 1, h.obs.count(h.obs.processed, "new.order"))
	assert.Equal(t, 2, h.obs.count(h.obs.received, "new.order"))
}

func TestConsumerTreatsDecodeFailureAsHandlerFailure(t *testing.T) {
	var called atomic.Bool
	h := newConsumerHarness(t, testConfig(), func(r *HandlerRegistry) {
		require.NoError(t, r.Register("new.order", func(context.Context, *Message) error {
			called.Store(true)
			return nil
		}))
	})

	h.ch.enqueue("new.order", []byte(`not json`))
	h.waitSettled(t, 1)
	h.stop()

	assert.Equal(t, "nack-requeue", h.ch.settlements(1)[0])
	assert.False(t, called.Load())
	assert.GreaterOrEqual(t, h.obs.count(h.obs.failed, "new.order"), 1)
	assert.Zero(t, h.obs.count(h.obs.received, "new.order"), "unparseable deliveries are not counted as received")
}

func TestConsumerUnknownRoutingKeyIsAcked(t *testing.T) {
	h := newConsumerHarness(t, testConfig(), nil)

	h.ch.enqueue("mystery.event", []byte(`{"x":1}`))
	h.waitSettled(t, 1)
	h.stop()

	assert.Equal(t, []string{"ack"}, h.ch.settlements(1))
	assert.Equal(t, 1, h.obs.count(h.obs.processed, "mystery.event"))
}

func TestConsumerRecoversFromHandlerPanic(t *testing.T) {
	var calls atomic.Int32
	h := newConsumerHarness(t, testConfig(), func(r *HandlerRegistry) {
		require.NoError(t, r.Register("new.order", func(context.Context, *Message) error {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return nil
		}))
	})

	h.ch.enqueue("new.order", []byte(`{"id":1}`))
	h.waitSettled(t, 2)
	h.stop()

	assert.Equal(t, []string{"nack-requeue"}, h.ch.settlements(1))
	assert.Equal(t, []string{"ack"}, h.ch.settlements(2))
}

func TestConsumerSetsPrefetchAndProcessesSequentially(t *testing.T) {
	var (
		active, peak atomic.Int32
		handled      atomic.Int32
	)
	h := newConsumerHarness(t, testConfig(), func(r *HandlerRegistry) {
		require.NoError(t, r.Register("new.order", func(context.Context, *Message) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			handled.Add(1)
			return nil
		}))
	})

	for i := 0; i < 10; i++ {
		h.ch.enqueue("new.order", []byte(`{"id":1}`))
	}
	h.waitSettled(t, 10)
	h.stop()

	h.ch.mu.Lock()
	assert.Equal(t, 1, h.ch.qos)
	assert.Equal(t, 1, h.ch.maxOutstanding, "at most one unacknowledged delivery at any time")
	h.ch.mu.Unlock()
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int32(10), handled.Load())
}

func TestConsumerDeadLettersAfterMaxRedeliveriesFromHeader(t *testing.T) {
	cfg := testConfig()
	cfg.Channel.MaxRedeliveries = 2
	h := newConsumerHarness(t, cfg, func(r *HandlerRegistry) {
		require.NoError(t, r.Register("new.order", func(context.Context, *Message) error { return errHandler }))
	})

	h.ch.enqueue("new.order", []byte(`{"id":1}`), func(d *amqp.Delivery) {
		d.Headers["x-delivery-count"] = int64(2)
		d.Redelivered = true
	})
	h.waitSettled(t, 1)
	h.stop()

	assert.Equal(t, []string{"nack-drop"}, h.ch.settlements(1))
	assert.Equal(t, 1, h.obs.count(h.obs.deadLettered, "new.order"))
}

func TestConsumerDeadLettersAfterMaxRedeliveriesByMessageID(t *testing.T) {
	cfg := testConfig()
	cfg.Channel.MaxRedeliveries = 2
	h := newConsumerHarness(t, cfg, func(r *HandlerRegistry) {
		require.NoError(t, r.Register("new.order", func(context.Context, *Message) error { return errHandler }))
	})

	h.ch.enqueue("new.order", []byte(`{"id":1}`), func(d *amqp.Delivery) { d.MessageId = "poison" })
	h.waitSettled(t, 3)
	h.stop()

	// first delivery plus two redeliveries, then rejected for good
	assert.Equal(t, []string{"nack-requeue"}, h.ch.settlements(1))
	assert.Equal(t, []string{"nack-requeue"}, h.ch.settlements(2))
	assert.Equal(t, []string{"nack-drop"}, h.ch.settlements(3))
	assert.Equal(t, 3, h.obs.count(h.obs.failed, "new.order"))
	assert.Equal(t, 1, h.obs.count(h.obs.deadLettered, "new.order"))
}

func TestConsumerHandlerTimeoutRejectsWithoutRequeue(t *testing.T) {
	cfg := testConfig()
	cfg.Channel.HandlerTimeout = 10 * time.Millisecond
	h := newConsumerHarness(t, cfg, func(r *HandlerRegistry) {
		require.NoError(t, r.Register("new.order", func(ctx context.Context, _ *Message) error {
			<-ctx.Done()
			return ctx.Err()
		}))
	})

	h.ch.enqueue("new.order", []byte(`{"id":1}`))
	h.waitSettled(t, 1)
	h.stop()

	assert.Equal(t, []string{"nack-drop"}, h.ch.settlements(1))
	assert.Equal(t, 1, h.obs.count(h.obs.deadLettered, "new.order"))
}

func TestConsumerPassesTraceHeadersToTracer(t *testing.T) {
	tr := &headerTracer{}
	ch := newFakeChannel()
	registry := NewHandlerRegistry(nopLog)
	consumer, err := NewConsumer(staticSource{ch: ch}, testConfig(), nopLog, WithTracer(tr))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Subscribe(ctx, "orders_processing", registry) }()

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.deliveries != nil
	}, eventually, time.Millisecond)
	ch.enqueue("new.order", []byte(`{}`), func(d *amqp.Delivery) {
		d.Headers["traceparent"] = "tp"
	})
	require.Eventually(t, func() bool { return ch.settledCount() == 1 }, eventually, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.extracted, 1)
	assert.Equal(t, "tp", tr.extracted[0]["traceparent"])
}

func TestSubscribeStopsOnContextCancel(t *testing.T) {
	h := newConsumerHarness(t, testConfig(), nil)
	h.stop()

	assert.NoError(t, h.err)
	h.ch.mu.Lock()
	assert.True(t, h.ch.cancelled)
	h.ch.mu.Unlock()
}

func TestSubscribeFreezesRegistryAndValidatesArguments(t *testing.T) {
	consumer, err := NewConsumer(staticSource{ch: newFakeChannel()}, testConfig(), nopLog)
	require.NoError(t, err)

	assert.ErrorIs(t, consumer.Subscribe(context.Background(), "", NewHandlerRegistry(nopLog)), ErrInvalidArgument)
	assert.ErrorIs(t, consumer.Subscribe(context.Background(), "q", nil), ErrInvalidArgument)

	h := newConsumerHarness(t, testConfig(), nil)
	err = h.registry.Register("late.key", func(context.Context, *Message) error { return nil })
	assert.ErrorIs(t, err, ErrRegistryFrozen)
}

func TestSubscribeResumesAfterReconnect(t *testing.T) {
	broker := &fakeBroker{}
	m := startManager(t, broker)
	obs := newRecordingObserver()

	var mu sync.Mutex
	var handled []float64
	registry := NewHandlerRegistry(nopLog)
	require.NoError(t, registry.Register("new.order", func(_ context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, msg.Payload["id"].(float64))
		return nil
	}))

	consumer, err := NewConsumer(m, testConfig(), nopLog, WithObserver(obs))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Subscribe(ctx, "orders_processing", registry) }()
	defer func() {
		cancel()
		<-done
	}()

	consuming := func(gen int) func() bool {
		return func() bool {
			if broker.dialCount() != gen {
				return false
			}
			ch := broker.last().channel(1)
			if ch == nil {
				return false
			}
			ch.mu.Lock()
			defer ch.mu.Unlock()
			return ch.deliveries != nil && !ch.closed
		}
	}

	require.Eventually(t, consuming(1), eventually, time.Millisecond)
	broker.last().channel(1).enqueue("new.order", []byte(`{"id":1}`))
	require.Eventually(t, func() bool { return obs.count(obs.processed, "new.order") == 1 }, eventually, time.Millisecond)

	broker.last().sever(&amqp.Error{Code: amqp.ConnectionForced, Reason: "severed", Server: true})

	require.Eventually(t, consuming(2), eventually, time.Millisecond)
	broker.last().channel(1).enqueue("new.order", []byte(`{"id":2}`))
	require.Eventually(t, func() bool { return obs.count(obs.processed, "new.order") == 2 }, eventually, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{1, 2}, handled)
}

func TestSubscribeResumesPromptlyAfterRepeatedDisconnects(t *testing.T) {
	broker := &fakeBroker{}
	m := startManager(t, broker)
	obs := newRecordingObserver()

	registry := NewHandlerRegistry(nopLog)
	require.NoError(t, registry.Register("new.order", func(context.Context, *Message) error { return nil }))

	// production retry delay: a consumer that sleeps it out cannot resume in time
	cfg := DefaultConfig()
	require.Equal(t, 5*time.Second, cfg.Channel.reconnectDelay())

	consumer, err := NewConsumer(m, cfg, nopLog, WithObserver(obs))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Subscribe(ctx, cfg.Channel.QueueName, registry) }()
	defer func() {
		cancel()
		<-done
	}()

	for gen := 1; gen <= 5; gen++ {
		start := time.Now()
		require.Eventually(t, func() bool {
			if broker.dialCount() != gen {
				return false
			}
			ch := broker.last().channel(1)
			if ch == nil {
				return false
			}
			ch.mu.Lock()
			defer ch.mu.Unlock()
			return ch.deliveries != nil && !ch.closed
		}, 500*time.Millisecond, time.Millisecond, "generation %d", gen)
		assert.Less(t, time.Since(start), time.Second)

		broker.last().channel(1).enqueue("new.order", []byte(`{"id":1}`))
		require.Eventually(t, func() bool {
			return obs.count(obs.processed, "new.order") == gen
		}, 500*time.Millisecond, time.Millisecond)

		broker.last().sever(&amqp.Error{Code: amqp.ConnectionForced, Reason: "severed", Server: true})
	}
}

func TestSubscribeWaitsForReconnectWhenChannelIsAlreadyClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockLog := NewMockLogger(ctrl)
	mockLog.EXPECT().Debug(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	mockLog.EXPECT().Info(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	mockLog.EXPECT().Warn("consume channel closed before consuming, waiting for reconnect", gomock.Not(nil), gomock.Any()).Times(1)
	mockLog.EXPECT().Error(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	ch := newFakeChannel()
	ch.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "severed", Server: true})

	consumer, err := NewConsumer(staticSource{ch: ch}, DefaultConfig(), mockLog)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, consumer.Subscribe(ctx, "orders_processing", NewHandlerRegistry(nopLog)))
}

func TestSubscribeRetriesNonConnectionSetupFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.qosErr = &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED"}

	consumer, err := NewConsumer(staticSource{ch: ch}, testConfig(), nopLog)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Subscribe(ctx, "orders_processing", NewHandlerRegistry(nopLog)) }()

	time.Sleep(10 * time.Millisecond)
	ch.mu.Lock()
	ch.qosErr = nil
	ch.mu.Unlock()

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.deliveries != nil
	}, eventually, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestSettlementIsExactlyOnce(t *testing.T) {
	ch := newFakeChannel()
	s := &settlement{delivery: amqp.Delivery{DeliveryTag: 9, Acknowledger: ch}}

	require.NoError(t, s.ack())
	assert.ErrorIs(t, s.ack(), ErrAlreadySettled)
	assert.ErrorIs(t, s.nack(true), ErrAlreadySettled)
	assert.Equal(t, []string{"ack"}, ch.settlements(9))
}

func TestDeliveryCountHeader(t *testing.T) {
	for _, v := range []interface{}{int(3), int16(3), int32(3), int64(3), uint8(3), uint16(3), uint32(3), float64(3)} {
		n, ok := deliveryCount(amqp.Table{"x-delivery-count": v})
		assert.True(t, ok)
		assert.Equal(t, 3, n)
	}
	_, ok := deliveryCount(amqp.Table{})
	assert.False(t, ok)
	_, ok = deliveryCount(amqp.Table{"x-delivery-count": "3"})
	assert.False(t, ok)
}

func TestMessageDecode(t *testing.T) {
	msg := &Message{Body: []byte(`{"id":7,"status":"shipped"}`)}
	var v struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, msg.Decode(&v))
	assert.Equal(t, 7, v.ID)
	assert.Equal(t, "shipped", v.Status)

	assert.ErrorIs(t, (&Message{Body: []byte(`[`)}).Decode(&v), ErrInvalidMessage)
	assert.ErrorIs(t, (&Message{Body: []byte(`null`)}).decode(), ErrInvalidMessage)
	assert.ErrorIs(t, (&Message{Body: []byte(`[1,2]`)}).decode(), ErrInvalidMessage)
}
