package rabbit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tanmay18-12/soa-messaging/pkg/logger"
)

var nopLog Logger = logger.NewNopLogger()

// fakeBroker hands out fake connections. setup, when set, runs on every new
// connection before it is returned and may inject failures.
type fakeBroker struct {
	mu       sync.Mutex
	dials    int
	failures int // number of dials left to fail
	dialErr  error
	conns    []*fakeConnection
	setup    func(dial int, conn *fakeConnection)
}

func (b *fakeBroker) Dial(ctx context.Context) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.dials++
	if b.failures > 0 {
		b.failures--
		if b.dialErr != nil {
			return nil, b.dialErr
		}
		return nil, ErrConnectionFailed
	}
	conn := &fakeConnection{}
	if b.setup != nil {
		b.setup(b.dials, conn)
	}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) last() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

type fakeConnection struct {
	mu         sync.Mutex
	closed     bool
	notifiers  []chan *amqp.Error
	channels   []*fakeChannel
	channelErr error
	// prepare configures each channel as it is opened.
	prepare func(index int, ch *fakeChannel)
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel()
	if c.prepare != nil {
		c.prepare(len(c.channels), ch)
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifiers = append(c.notifiers, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	return c.shutdown(nil)
}

// sever simulates the broker dropping the connection: every channel and
// then the connection report cause.
func (c *fakeConnection) sever(cause *amqp.Error) {
	c.mu.Lock()
	channels := append([]*fakeChannel(nil), c.channels...)
	c.mu.Unlock()
	for _, ch := range channels {
		ch.shutdown(cause)
	}
	_ = c.shutdown(cause)
}

func (c *fakeConnection) shutdown(cause *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	notifiers := c.notifiers
	c.notifiers = nil
	channels := append([]*fakeChannel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}
	for _, n := range notifiers {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
	return nil
}

func (c *fakeConnection) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

type declaredQueue struct {
	name string
	args amqp.Table
}

type binding struct {
	queue, key, exchange string
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

// fakeChannel records what the code under test asks of it and simulates
// the broker side of a consumer: it pushes queued deliveries while the
// number of unacknowledged ones is below the prefetch count (unlimited when
// Qos was never called).
type fakeChannel struct {
	mu        sync.Mutex
	closed    bool
	notifiers []chan *amqp.Error

	confirm   bool
	exchanges map[string]string
	queues    []declaredQueue
	bindings  []binding

	exchangeErr error
	queueErr    error
	bindErr     error
	qosErr      error
	consumeErr  error
	publishErr  error

	published      []published
	publishing     atomic.Int32
	maxPublishing  atomic.Int32
	publishLatency time.Duration

	qos            int
	consumerTag    string
	deliveries     chan amqp.Delivery
	backlog        []amqp.Delivery
	nextTag        uint64
	outstanding    int
	maxOutstanding int
	settled        map[uint64][]string
	inflight       map[uint64]amqp.Delivery
	cancelled      bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges: make(map[string]string),
		settled:   make(map[uint64][]string),
		inflight:  make(map[uint64]amqp.Delivery),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return f.exchangeErr
	}
	if !durable || autoDelete || internal {
		return errors.New("fake: exchange must be durable")
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return amqp.Queue{}, f.queueErr
	}
	if !durable || autoDelete || exclusive {
		return amqp.Queue{}, errors.New("fake: queue must be durable")
	}
	f.queues = append(f.queues, declaredQueue{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.bindings = append(f.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	if f.qosErr != nil {
		return f.qosErr
	}
	f.qos = prefetchCount
	return nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirm = true
	return nil
}

func (f *fakeChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	n := f.publishing.Add(1)
	defer f.publishing.Add(-1)
	for {
		peak := f.maxPublishing.Load()
		if n <= peak || f.maxPublishing.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.publishLatency > 0 {
		time.Sleep(f.publishLatency)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, amqp.ErrClosed
	}
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	if autoAck {
		return nil, errors.New("fake: auto ack is not allowed")
	}
	f.consumerTag = consumer
	f.deliveries = make(chan amqp.Delivery, 128)
	f.pumpLocked()
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(receiver)
		return receiver
	}
	f.notifiers = append(f.notifiers, receiver)
	return receiver
}

func (f *fakeChannel) Close() error {
	f.shutdown(nil)
	return nil
}

func (f *fakeChannel) shutdown(cause *amqp.Error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	notifiers := f.notifiers
	f.notifiers = nil
	if f.deliveries != nil {
		close(f.deliveries)
	}
	f.mu.Unlock()

	for _, n := range notifiers {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}

// enqueue adds a message to the simulated queue.
func (f *fakeChannel) enqueue(routingKey string, body []byte, configure ...func(*amqp.Delivery)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := amqp.Delivery{
		RoutingKey:  routingKey,
		Body:        body,
		ContentType: ContentTypeJSON,
		Headers:     amqp.Table{},
	}
	for _, c := range configure {
		c(&d)
	}
	f.backlog = append(f.backlog, d)
	f.pumpLocked()
}

func (f *fakeChannel) pumpLocked() {
	if f.deliveries == nil || f.closed {
		return
	}
	for len(f.backlog) > 0 && (f.qos == 0 || f.outstanding < f.qos) {
		d := f.backlog[0]
		f.backlog = f.backlog[1:]
		f.nextTag++
		d.DeliveryTag = f.nextTag
		d.Acknowledger = f
		f.inflight[d.DeliveryTag] = d
		f.outstanding++
		if f.outstanding > f.maxOutstanding {
			f.maxOutstanding = f.outstanding
		}
		f.deliveries <- d
	}
}

func (f *fakeChannel) settle(tag uint64, action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled[tag] = append(f.settled[tag], action)
	f.outstanding--
	if d, ok := f.inflight[tag]; ok {
		delete(f.inflight, tag)
		if action == "nack-requeue" {
			d.Redelivered = true
			d.Acknowledger = nil
			f.backlog = append([]amqp.Delivery{d}, f.backlog...)
		}
	}
	f.pumpLocked()
}

// Ack, Nack and Reject implement amqp.Acknowledger.
func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.settle(tag, "ack")
	return nil
}

func (f *fakeChannel) Nack(tag uint64, multiple bool, requeue bool) error {
	if requeue {
		f.settle(tag, "nack-requeue")
		return nil
	}
	f.settle(tag, "nack-drop")
	return nil
}

func (f *fakeChannel) Reject(tag uint64, requeue bool) error {
	f.settle(tag, "reject")
	return nil
}

func (f *fakeChannel) settlements(tag uint64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.settled[tag]...)
}

func (f *fakeChannel) settledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.settled {
		n += len(s)
	}
	return n
}

func (f *fakeChannel) publishedMessages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recordingObserver counts pipeline events per routing key.
type recordingObserver struct {
	mu           sync.Mutex
	published    map[string]int
	publishFails map[string]int
	received     map[string]int
	processed    map[string]int
	failed       map[string]int
	deadLettered map[string]int
	latencies    []time.Duration
	states       []State
	attempts     int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		published:    map[string]int{},
		publishFails: map[string]int{},
		received:     map[string]int{},
		processed:    map[string]int{},
		failed:       map[string]int{},
		deadLettered: map[string]int{},
	}
}

func (o *recordingObserver) MessagePublished(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published[key]++
}

func (o *recordingObserver) PublishFailed(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.publishFails[key]++
}

func (o *recordingObserver) MessageReceived(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received[key]++
}

func (o *recordingObserver) MessageProcessed(key string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed[key]++
	o.latencies = append(o.latencies, d)
}

func (o *recordingObserver) MessageFailed(key string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[key]++
	o.latencies = append(o.latencies, d)
}

func (o *recordingObserver) MessageDeadLettered(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadLettered[key]++
}

func (o *recordingObserver) ConnectionStateChanged(state int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, State(state))
}

func (o *recordingObserver) ReconnectAttempt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
}

func (o *recordingObserver) count(m map[string]int, key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return m[key]
}

func (o *recordingObserver) attemptCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

// headerTracer writes a fixed carrier and records what it extracts.
type headerTracer struct {
	nopTracer
	mu        sync.Mutex
	extracted []map[string]string
}

func (t *headerTracer) GetCarrier(context.Context) map[string]string {
	return map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"}
}

func (t *headerTracer) SetCarrierOnContext(ctx context.Context, carrier map[string]string) context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extracted = append(t.extracted, carrier)
	return ctx
}

func (t *headerTracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func fastBackOff() Option {
	return WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Channel.DelayToReconnect = 1
	return cfg
}

// staticSource is a ChannelSource/ConsumerSource with a fixed channel.
type staticSource struct {
	ch  Channel
	err error
}

func (s staticSource) AcquireChannel() (Channel, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

// ConsumerChannel always reports generation 1; there is no reconnect.
func (s staticSource) ConsumerChannel() (Channel, uint64, error) {
	ch, err := s.AcquireChannel()
	if err != nil {
		return nil, 0, err
	}
	return ch, 1, nil
}

func (s staticSource) WaitGeneration(ctx context.Context, after uint64) error {
	if s.err != nil || after > 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}
