package rabbit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// ConnectionManager owns the process's single broker connection together
// with one publishing channel (in confirm mode) and one consuming channel.
//
// It runs the state machine
//
//	disconnected -> connecting -> connected -> disconnected -> ...
//	any          -> closing (GracefulShutdown)
//
// Connecting retries forever with the configured delay. Each successful
// connect gets a new generation number; a close notification is acted on
// only if it belongs to the current generation and the manager is still
// connected, so each disconnect episode starts exactly one reconnect cycle.
//
// Other components never hold the channels across operations: they call
// AcquireChannel / AcquireConsumerChannel, which fail fast with
// ErrNotConnected instead of blocking while the manager reconnects.
type ConnectionManager struct {
	cfg      Config
	logger   Logger
	dialer   Dialer
	observer Observer

	newBackOff func() backoff.BackOff

	mu         sync.RWMutex
	state      State
	generation uint64
	conn       Connection
	publishCh  Channel
	consumeCh  Channel

	// changed is closed and replaced on every state transition.
	changed chan struct{}

	reconnects     singleflight.Group
	started        sync.Once
	shutdownOnce   sync.Once
	shutdownSignal chan struct{}
	wg             sync.WaitGroup
}

// NewConnectionManager creates a manager in StateDisconnected. Nothing is
// dialed until Start is called.
//
// Parameters:
//   - cfg: connection settings, topology and reconnect delay
//   - logger: receives connection lifecycle events
//   - opts: WithDialer, WithObserver and WithBackOff apply here
//
// Example:
//
//	manager := rabbit.NewConnectionManager(rabbit.DefaultConfig(), log, rabbit.WithObserver(m))
//	manager.Start()
//	defer manager.GracefulShutdown()
func NewConnectionManager(cfg Config, logger Logger, opts ...Option) *ConnectionManager {
	o := newOptions(opts)

	m := &ConnectionManager{
		cfg:            cfg,
		logger:         logger,
		dialer:         o.dialer,
		observer:       o.observer,
		newBackOff:     o.newBackOff,
		state:          StateDisconnected,
		changed:        make(chan struct{}),
		shutdownSignal: make(chan struct{}),
	}
	if m.dialer == nil {
		m.dialer = NewDialer(cfg.Connection, logger)
	}
	if m.newBackOff == nil {
		m.newBackOff = reconnectBackOff(cfg.Channel)
	}
	m.observer.ConnectionStateChanged(int(StateDisconnected))
	return m
}

// Start begins connecting in the background and returns immediately.
// Calling it more than once has no effect.
func (m *ConnectionManager) Start() {
	m.started.Do(func() {
		m.reconnect(0)
	})
}

// State returns the current state.
func (m *ConnectionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether the manager is in StateConnected.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == StateConnected
}

// Generation returns the number of successful connects so far. It is
// incremented every time the manager reaches StateConnected.
func (m *ConnectionManager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// AcquireChannel returns the publishing channel of the live connection, or
// ErrNotConnected in any other state. It never blocks on recovery.
func (m *ConnectionManager) AcquireChannel() (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.publishCh == nil {
		return nil, fmt.Errorf("%w: state is %s", ErrNotConnected, m.state)
	}
	return m.publishCh, nil
}

// AcquireConsumerChannel is AcquireChannel for the consuming channel.
func (m *ConnectionManager) AcquireConsumerChannel() (Channel, error) {
	ch, _, err := m.ConsumerChannel()
	return ch, err
}

// ConsumerChannel returns the consuming channel together with the
// generation it belongs to, read atomically. Once the channel dies the
// consumer waits for a later generation with WaitGeneration instead of
// picking up the dead channel again before the close is processed.
func (m *ConnectionManager) ConsumerChannel() (Channel, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.consumeCh == nil {
		return nil, 0, fmt.Errorf("%w: state is %s", ErrNotConnected, m.state)
	}
	return m.consumeCh, m.generation, nil
}

// WaitConnected blocks until the manager is connected, ctx is done, or the
// manager shuts down (ErrShutdown). Only the consumer should wait; the
// publishing path uses AcquireChannel and fails fast.
func (m *ConnectionManager) WaitConnected(ctx context.Context) error {
	return m.WaitGeneration(ctx, 0)
}

// WaitGeneration is WaitConnected for a generation newer than after. It
// returns nil once the manager is connected with Generation() > after.
//
// Returns:
//   - nil when such a connection is live
//   - ctx.Err() when ctx ends first
//   - ErrShutdown once GracefulShutdown has been called
func (m *ConnectionManager) WaitGeneration(ctx context.Context, after uint64) error {
	for {
		m.mu.RLock()
		state, generation, changed := m.state, m.generation, m.changed
		m.mu.RUnlock()

		switch {
		case state == StateClosing:
			return ErrShutdown
		case state == StateConnected && generation > after:
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.shutdownSignal:
			return ErrShutdown
		}
	}
}

// GracefulShutdown stops reconnecting, closes the consuming channel, the
// publishing channel and then the connection. It is safe to call more than
// once and waits for the background loops to exit.
func (m *ConnectionManager) GracefulShutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownSignal)

		m.mu.Lock()
		conn, publishCh, consumeCh := m.conn, m.publishCh, m.consumeCh
		m.conn, m.publishCh, m.consumeCh = nil, nil, nil
		m.setStateLocked(StateClosing)
		m.mu.Unlock()

		m.logger.Info("closing rabbit channels...", nil, nil)
		closeQuietly(m.logger, "consume channel", consumeCh)
		closeQuietly(m.logger, "publish channel", publishCh)
		if conn != nil && !conn.IsClosed() {
			if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				m.logger.Error("error in closing rabbit connection", err, nil)
			}
		}

		m.wg.Wait()
		m.logger.Info("rabbit connection manager stopped", nil, nil)
	})
}

func (m *ConnectionManager) isShuttingDown() bool {
	select {
	case <-m.shutdownSignal:
		return true
	default:
		return false
	}
}

// reconnect starts the connect loop for the episode that ended generation
// lost. Concurrent calls for the same episode share a single loop.
func (m *ConnectionManager) reconnect(lost uint64) {
	if m.isShuttingDown() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _, shared := m.reconnects.Do(strconv.FormatUint(lost, 10), func() (interface{}, error) {
			m.connectLoop(lost)
			return nil, nil
		})
		if shared {
			m.logger.Debug("reconnect already in progress", nil, map[string]interface{}{
				"generation": lost,
			})
		}
	}()
}

// connectLoop dials until it succeeds or the manager shuts down. After a
// lost connection (lost > 0) it waits one delay before the first attempt,
// so a broker that is restarting is not hit immediately.
func (m *ConnectionManager) connectLoop(lost uint64) {
	b := m.newBackOff()
	b.Reset()

	if lost > 0 {
		delay := m.nextDelay(b)
		m.logger.Debug("waiting before reconnect", nil, map[string]interface{}{
			"generation": lost,
			"retry_in":   delay.String(),
		})
		if !m.pause(delay) {
			return
		}
	}

	for attempt := 1; ; attempt++ {
		if !m.transition(StateDisconnected, StateConnecting) && m.State() != StateConnecting {
			return
		}

		m.observer.ReconnectAttempt()
		err := m.connect()
		if err == nil {
			return
		}
		if errors.Is(err, ErrShutdown) {
			return
		}

		delay := m.nextDelay(b)
		fields := map[string]interface{}{
			"attempt":  attempt,
			"retry_in": delay.String(),
		}
		if IsPermanentError(err) {
			// Still retried: credentials or vhosts can be fixed on the broker.
			m.logger.Error("rabbit connection attempt rejected, retrying", err, fields)
		} else {
			m.logger.Warn("rabbit connection attempt failed, retrying", err, fields)
		}

		if !m.pause(delay) {
			return
		}
	}
}

func (m *ConnectionManager) nextDelay(b backoff.BackOff) time.Duration {
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = m.cfg.Channel.reconnectDelay()
	}
	return delay
}

// pause waits d and reports false when the manager shut down meanwhile.
func (m *ConnectionManager) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.shutdownSignal:
		return false
	case <-timer.C:
		return true
	}
}

// connect performs one attempt: dial, open both channels, enable confirms
// and declare the topology. On success it publishes the new generation.
func (m *ConnectionManager) connect() (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.shutdownSignal:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	publishCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create publish channel: %w", TranslateError(err))
	}
	if err = publishCh.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", TranslateError(err))
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create consume channel: %w", TranslateError(err))
	}

	if err = EnsureTopology(consumeCh, m.cfg.Topology()); err != nil {
		m.logger.Error("failed to declare topology", err, map[string]interface{}{
			"exchange": m.cfg.Channel.ExchangeName,
			"queue":    m.cfg.Channel.QueueName,
		})
		return err
	}

	// Registered before the state becomes visible so no close is missed.
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	publishClosed := publishCh.NotifyClose(make(chan *amqp.Error, 1))
	consumeClosed := consumeCh.NotifyClose(make(chan *amqp.Error, 1))

	m.mu.Lock()
	if m.isShuttingDown() {
		m.mu.Unlock()
		return ErrShutdown
	}
	m.generation++
	generation := m.generation
	m.conn, m.publishCh, m.consumeCh = conn, publishCh, consumeCh
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("rabbit connection established", nil, map[string]interface{}{
		"generation": generation,
		"exchange":   m.cfg.Channel.ExchangeName,
		"queue":      m.cfg.Channel.QueueName,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(generation, connClosed, publishClosed, consumeClosed)
	}()
	return nil
}

// watch waits for the first close notification of one generation.
func (m *ConnectionManager) watch(generation uint64, closed ...chan *amqp.Error) {
	var (
		cause  *amqp.Error
		source string
	)
	select {
	case cause = <-closed[0]:
		source = "connection"
	case cause = <-closed[1]:
		source = "publish channel"
	case cause = <-closed[2]:
		source = "consume channel"
	case <-m.shutdownSignal:
		return
	}
	m.handleDisconnect(generation, source, cause)
}

func (m *ConnectionManager) handleDisconnect(generation uint64, source string, cause *amqp.Error) {
	m.mu.Lock()
	if generation != m.generation || m.state != StateConnected {
		m.mu.Unlock()
		m.logger.Debug("ignoring stale close notification", nil, map[string]interface{}{
			"generation": generation,
			"source":     source,
		})
		return
	}
	conn, publishCh, consumeCh := m.conn, m.publishCh, m.consumeCh
	m.conn, m.publishCh, m.consumeCh = nil, nil, nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	var err error
	if cause != nil {
		err = TranslateError(cause)
	}
	m.logger.Warn("rabbit connection closed, reconnecting...", err, map[string]interface{}{
		"generation": generation,
		"source":     source,
	})

	// A channel-level close leaves the connection open; drop it so the next
	// generation starts from a clean dial.
	closeQuietly(m.logger, "consume channel", consumeCh)
	closeQuietly(m.logger, "publish channel", publishCh)
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}

	m.reconnect(generation)
}

// transition moves from one state to another if the manager is currently
// in from. It reports whether the transition happened.
func (m *ConnectionManager) transition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.setStateLocked(to)
	return true
}

// setStateLocked must be called with mu held.
func (m *ConnectionManager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s

	close(m.changed)
	m.changed = make(chan struct{})

	m.observer.ConnectionStateChanged(int(s))
	m.logger.Debug("rabbit connection state changed", nil, map[string]interface{}{
		"from": prev.String(),
		"to":   s.String(),
	})
}

func closeQuietly(logger Logger, name string, ch Channel) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logger.Debug("error in closing rabbit "+name, err, nil)
	}
}
