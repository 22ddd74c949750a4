package fog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSource receives explorer fixes and state changes over MQTT. Each
// explorer publishes fixes on its configured topic and control states
// (start, stop, unavailable) on <topic>/state.
type MQTTSource struct {
	client  mqtt.Client
	config  *Config
	subs    *subscriptionSet
	logger  *slog.Logger
	now     func() time.Time
	control ControlHandler

	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTSource builds an MQTT source from config. It returns nil, nil when
// no broker is configured. Call Connect to start the connection.
func NewMQTTSource(config *Config, logger *slog.Logger) (*MQTTSource, error) {
	if config == nil || config.MQTT.Broker == "" {
		return nil, nil
	}
	if len(config.Explorers) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no explorers configured")
	}

	s := newMQTTSource(nil, config, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = "fogmesh"
	}
	opts.SetClientID(clientID)

	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Fixes must reach the session in arrival order, and a blocked handler
	// is how a full queue pushes back on the broker.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)

	s.client = mqtt.NewClient(opts)
	return s, nil
}

func newMQTTSource(client mqtt.Client, config *Config, logger *slog.Logger) *MQTTSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{
		client: client,
		config: config,
		subs:   newSubscriptionSet(),
		logger: logger.With("component", "mqtt"),
		now:    time.Now,
	}
}

// Connect connects to the broker, retrying with exponential backoff until it
// succeeds or ctx is done.
func (s *MQTTSource) Connect(ctx context.Context) error {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		s.logger.Info("connecting to MQTT broker", "broker", s.config.MQTT.Broker)

		token := s.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				s.logger.Info("connected to MQTT broker")
				s.setConnected(true)
				return nil
			}
			s.logger.Warn("MQTT connection failed", "error", token.Error())
		} else {
			s.logger.Warn("MQTT connection timeout")
		}

		s.logger.Info("retrying MQTT connection", "delay", retryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// SetControlHandler registers the callback for state topic messages.
func (s *MQTTSource) SetControlHandler(h ControlHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control = h
}

func (s *MQTTSource) controlHandler() ControlHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.control
}

// Subscribe implements FixSource. The broker subscription is made once on
// connect for every configured explorer; this only registers the queue that
// messages are routed to.
func (s *MQTTSource) Subscribe(explorerID string, queueSize int) (*Subscription, error) {
	if _, ok := s.explorer(explorerID); !ok {
		return nil, fmt.Errorf("unknown explorer %s", explorerID)
	}
	return s.subs.add(explorerID, queueSize, nil)
}

// onConnect subscribes to every explorer's fix and state topics.
func (s *MQTTSource) onConnect(client mqtt.Client) {
	s.logger.Info("MQTT connected, subscribing to explorer topics")
	s.setConnected(true)

	for _, e := range s.config.Explorers {
		if e.Topic == "" {
			s.logger.Warn("explorer has no topic configured", "explorer", e.ID)
			continue
		}

		token := client.Subscribe(e.Topic, 1, s.createFixHandler(e.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			s.logger.Error("subscribe failed", "topic", e.Topic, "error", token.Error())
		} else {
			s.logger.Info("subscribed", "topic", e.Topic, "explorer", e.ID)
		}

		stateTopic := StateTopic(e.Topic)
		stateToken := client.Subscribe(stateTopic, 1, s.createStateHandler(e.ID))
		if stateToken.WaitTimeout(5*time.Second) && stateToken.Error() != nil {
			s.logger.Error("subscribe failed", "topic", stateTopic, "error", stateToken.Error())
		}
	}
}

func (s *MQTTSource) onConnectionLost(_ mqtt.Client, err error) {
	s.logger.Warn("MQTT connection interrupted, auto-reconnect will retry", "error", err)
	s.setConnected(false)
}

func (s *MQTTSource) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	s.logger.Info("MQTT reconnecting")
}

// createFixHandler routes decoded fixes to the explorer's subscription.
// Delivery blocks while the subscription queue is full.
func (s *MQTTSource) createFixHandler(explorerID string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		fix, err := DecodeFixPayload(msg.Payload(), s.now())
		if err != nil {
			s.logger.Debug("ignoring fix message", "explorer", explorerID, "topic", msg.Topic(), "error", err)
			return
		}
		sub, ok := s.subs.get(explorerID)
		if !ok {
			s.logger.Debug("dropping fix for idle explorer", "explorer", explorerID)
			return
		}
		sub.Deliver(context.Background(), fix)
	}
}

// createStateHandler forwards state topic values to the control handler.
func (s *MQTTSource) createStateHandler(explorerID string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		state := DecodeStatePayload(msg.Payload())
		if state == "" {
			s.logger.Debug("empty state payload", "explorer", explorerID)
			return
		}
		s.logger.Info("explorer state", "explorer", explorerID, "state", state)

		switch state {
		case StateStart, StateStop, StateUnavailable:
		default:
			s.logger.Warn("unknown explorer state", "explorer", explorerID, "state", state)
			return
		}
		// Run off the client's router goroutine: stopping a tracker drains
		// its queue, which is filled from that same goroutine.
		if h := s.controlHandler(); h != nil {
			go h(explorerID, state)
		}
	}
}

// StateTopic returns the control topic for an explorer's fix topic.
func StateTopic(fixTopic string) string {
	return fixTopic + "/state"
}

func (s *MQTTSource) explorer(id string) (ExplorerConfig, bool) {
	for _, e := range s.config.Explorers {
		if e.ID == id {
			return e, true
		}
	}
	return ExplorerConfig{}, false
}

// ExplorerByTopic returns the explorer ID for a fix topic.
func (s *MQTTSource) ExplorerByTopic(topic string) (string, bool) {
	for _, e := range s.config.Explorers {
		if e.Topic == topic {
			return e.ID, true
		}
	}
	return "", false
}

// IsConnected returns true if the MQTT client is connected.
func (s *MQTTSource) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected
}

func (s *MQTTSource) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isConnected = connected
}

// Client returns the underlying MQTT client for publishing.
func (s *MQTTSource) Client() mqtt.Client {
	return s.client
}

// Disconnect gracefully closes the MQTT connection.
func (s *MQTTSource) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.logger.Info("disconnecting from MQTT broker")
		s.client.Disconnect(250)
		s.setConnected(false)
	}
}
