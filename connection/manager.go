package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/config"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Session states.
const (
	StateDisconnected = "Disconnected"
	StateConnecting   = "Connecting"
	StateConnected    = "Connected"
	StateBackoff      = "Backoff"
	StateStopped      = "Stopped"
)

// Session events.
const (
	eventBeginConnect   = "begin_connect"
	eventConnectOK      = "connect_ok"
	eventConnectFailed  = "connect_failed"
	eventConnectionLost = "connection_lost"
	eventShutdown       = "shutdown"
)

const connectTimeout = 30 * time.Second

// MessageHandler receives inbound broker messages.
type MessageHandler func(topic string, payload []byte)

// SustainedFailureHandler is fired once per outage when the manager has
// exceeded its consecutive-failure budget. The manager keeps retrying
// regardless: telemetry listeners never give up permanently.
type SustainedFailureHandler func(family models.DeviceFamily, attempts int)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// sessionLoss carries the generation of the session that dropped, so a
// late callback from a superseded client cannot tear down its
// replacement.
type sessionLoss struct {
	gen uint64
	err error
}

// Manager owns exactly one resilient broker session for a device
// family. The fsm owns the reconnect lifecycle; paho auto-reconnect is
// disabled so every transition is explicit and observable.
type Manager struct {
	family  models.DeviceFamily
	cfg     *config.Config
	logger  *slog.Logger
	machine *fsm.FSM
	backoff *Backoff

	connectMu sync.Mutex // exclusive: one connect attempt in flight

	mu              sync.RWMutex
	client          mqtt.Client
	subs            map[string]subscription
	generation      uint64 // bumped per connect attempt
	attempt         int
	failureSignaled bool

	lastActivity atomic.Int64 // unix nanos of last inbound traffic

	onSustainedFailure SustainedFailureHandler

	lostCh   chan sessionLoss
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager for one device family. Start must be
// called before the session is live.
func NewManager(family models.DeviceFamily, cfg *config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		family:  family,
		cfg:     cfg,
		logger:  logger.With("component", "connection_manager", "family", string(family)),
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffMultiplier, cfg.BackoffCap),
		subs:    make(map[string]subscription),
		lostCh:  make(chan sessionLoss, 1),
		stopCh:  make(chan struct{}),
	}

	m.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventBeginConnect, Src: []string{StateDisconnected, StateBackoff}, Dst: StateConnecting},
			{Name: eventConnectOK, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventConnectFailed, Src: []string{StateConnecting}, Dst: StateBackoff},
			{Name: eventConnectionLost, Src: []string{StateConnected}, Dst: StateBackoff},
			{Name: eventShutdown, Src: []string{StateDisconnected, StateConnecting, StateConnected, StateBackoff}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Info("Session state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)

	return m
}

// SetSustainedFailureHandler registers the alerting hook.
func (m *Manager) SetSustainedFailureHandler(h SustainedFailureHandler) {
	m.onSustainedFailure = h
}

// Subscribe registers a handler for a topic. Subscriptions survive
// reconnects: they are re-established on every fresh session.
func (m *Manager) Subscribe(topic string, qos byte, handler MessageHandler) error {
	m.mu.Lock()
	m.subs[topic] = subscription{qos: qos, handler: handler}
	client := m.client
	m.mu.Unlock()

	if client != nil && client.IsConnected() {
		return m.subscribeOn(client, topic, subscription{qos: qos, handler: handler})
	}
	return nil
}

// Publish sends a payload to the broker.
func (m *Manager) Publish(topic string, payload []byte, qos byte) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("mqtt session for family %s is not connected", m.family)
	}

	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// IsHealthy reports whether the session is connected AND has seen
// inbound traffic within the activity threshold. A transport that
// claims "connected" but has gone silent is not healthy.
func (m *Manager) IsHealthy() bool {
	if m.State() != StateConnected {
		return false
	}
	return time.Since(m.lastActivityTime()) <= m.cfg.ActivityThreshold
}

// State returns the current session state.
func (m *Manager) State() string {
	return m.machine.Current()
}

// Start launches the connect loop and the health watchdog.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.run(ctx)
	go m.watchdog(ctx)
}

// Stop shuts the session down and blocks until the loops exit. The
// session transitions to Stopped, which is terminal.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		m.mu.RLock()
		attempt := m.attempt
		m.mu.RUnlock()

		if attempt > 0 {
			delay := m.backoff.Delay(attempt - 1)
			m.logger.Info("Backing off before reconnect", "attempt", attempt, "delay", delay.String())
			select {
			case <-time.After(delay):
			case <-m.stopCh:
				m.shutdown()
				return
			case <-ctx.Done():
				m.shutdown()
				return
			}
		}

		m.transition(eventBeginConnect)
		if err := m.connectOnce(); err != nil {
			m.transition(eventConnectFailed)
			m.registerFailure(err)
			continue
		}
		m.transition(eventConnectOK)

		if stopped := m.holdConnection(ctx); stopped {
			return
		}
	}
}

// holdConnection blocks while the session is up. It returns true when
// the manager is stopping, false when the connection dropped and the
// run loop should reconnect.
func (m *Manager) holdConnection(ctx context.Context) bool {
	sustain := time.NewTimer(m.cfg.SustainedAfter)
	defer sustain.Stop()

	for {
		select {
		case <-sustain.C:
			m.mu.Lock()
			m.attempt = 0
			m.failureSignaled = false
			m.mu.Unlock()
			m.logger.Info("Connection sustained, attempt counter reset")
		case loss := <-m.lostCh:
			if loss.gen != m.currentGeneration() {
				m.logger.Debug("Ignoring lost signal from superseded session", "gen", loss.gen)
				continue
			}
			m.logger.Warn("Connection lost", "error", loss.err)
			m.transition(eventConnectionLost)
			m.mu.Lock()
			m.attempt++
			m.mu.Unlock()
			return false
		case <-m.stopCh:
			m.shutdown()
			return true
		case <-ctx.Done():
			m.shutdown()
			return true
		}
	}
}

// connectOnce performs exactly one exclusive connect attempt with a
// fresh, collision-resistant client ID so a restarted listener never
// clashes with its own stale broker session.
func (m *Manager) connectOnce() error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	clientID := fmt.Sprintf("%s-%s-%s", m.cfg.MQTTClientPrefix, m.family, uuid.NewString())

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.MQTTBroker).
		SetClientID(clientID).
		SetUsername(m.cfg.MQTTUsername).
		SetPassword(m.cfg.MQTTPassword).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.notifyLost(gen, err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to %s timed out", m.cfg.MQTTBroker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	m.mu.Lock()
	m.client = client
	subs := make(map[string]subscription, len(m.subs))
	for topic, sub := range m.subs {
		subs[topic] = sub
	}
	m.mu.Unlock()
	m.touchActivity()

	for topic, sub := range subs {
		if err := m.subscribeOn(client, topic, sub); err != nil {
			client.Disconnect(250)
			return err
		}
	}

	m.logger.Info("Connected to MQTT broker", "client_id", clientID, "topics", len(subs))
	return nil
}

func (m *Manager) subscribeOn(client mqtt.Client, topic string, sub subscription) error {
	wrapped := func(_ mqtt.Client, msg mqtt.Message) {
		m.touchActivity()
		sub.handler(msg.Topic(), msg.Payload())
	}
	token := client.Subscribe(topic, sub.qos, wrapped)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	m.logger.Info("Subscribed to topic", "topic", topic)
	return nil
}

// registerFailure counts a failed attempt and, past the configured
// budget, fires the sustained-failure signal once per outage.
func (m *Manager) registerFailure(err error) {
	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	signal := attempt >= m.cfg.MaxConsecutiveFails && !m.failureSignaled
	if signal {
		m.failureSignaled = true
	}
	m.mu.Unlock()

	m.logger.Error("Connect attempt failed", "attempt", attempt, "error", err)

	if signal && m.onSustainedFailure != nil {
		m.onSustainedFailure(m.family, attempt)
	}
}

// notifyLost feeds a lost-connection signal into the run loop. The
// channel is buffered and the send non-blocking so the paho callback
// and the watchdog cannot deadlock or double-count one outage.
func (m *Manager) notifyLost(gen uint64, err error) {
	select {
	case m.lostCh <- sessionLoss{gen: gen, err: err}:
	default:
	}
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// watchdog forces a reconnect when the transport still claims to be
// connected but no inbound traffic has been observed for longer than
// the activity threshold (a silently dead session).
func (m *Manager) watchdog(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.State() != StateConnected {
				continue
			}
			idle := time.Since(m.lastActivityTime())
			if idle > m.cfg.ActivityThreshold {
				m.logger.Warn("No inbound traffic past activity threshold, forcing reconnect", "idle", idle.String())
				m.mu.RLock()
				client := m.client
				m.mu.RUnlock()
				if client != nil {
					client.Disconnect(250)
				}
				m.notifyLost(m.currentGeneration(), fmt.Errorf("session idle for %s", idle))
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) shutdown() {
	m.transition(eventShutdown)

	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	m.logger.Info("Session stopped")
}

func (m *Manager) transition(event string) {
	if err := m.machine.Event(context.Background(), event); err != nil {
		m.logger.Debug("Ignored session event", "event", event, "state", m.machine.Current(), "error", err)
	}
}

func (m *Manager) touchActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Manager) lastActivityTime() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}
