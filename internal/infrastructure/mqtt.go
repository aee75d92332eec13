package infrastructure

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"example.com/backstage/services/ingest/config"
)

// IngestHandler processes one inbound device message. The subscriber has
// already split the topic into its identity parts.
type IngestHandler func(ctx context.Context, tenantID, deviceUID, messageType string, payload []byte) error

// MQTTSubscriber consumes device telemetry from the broker. Topics follow
// tenant/{tenant_id}/device/{device_id}/{message_type}; each message is
// dispatched to the handler on its own goroutine so a slow registry fetch
// never stalls the receive loop.
type MQTTSubscriber struct {
	config    config.MQTTConfig
	tlsConfig *tls.Config
	client    mqtt.Client
	logger    *logrus.Logger
	handler   IngestHandler
	mu        sync.RWMutex
	connected bool
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewMQTTSubscriber creates a new MQTT subscriber.
func NewMQTTSubscriber(cfg config.MQTTConfig, handler IngestHandler, logger *logrus.Logger) (*MQTTSubscriber, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("MQTT ingest handler is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("ingest-service-%d", time.Now().UnixNano())
	}
	if cfg.TopicPattern == "" {
		cfg.TopicPattern = "tenant/+/device/+/+"
	}

	return &MQTTSubscriber{
		config:   cfg,
		handler:  handler,
		logger:   logger,
		shutdown: make(chan struct{}),
	}, nil
}

// SetTLSConfig sets an optional TLS configuration for the broker connection.
func (s *MQTTSubscriber) SetTLSConfig(tlsConfig *tls.Config) {
	s.tlsConfig = tlsConfig
}

// Start connects to the MQTT broker and subscribes to the topic pattern.
func (s *MQTTSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetCleanSession(s.config.CleanSession)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.config.MaxReconnectDelay)

	if s.tlsConfig != nil {
		opts.SetTLSConfig(s.tlsConfig)
	}

	// Connection handlers
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)

	// Message handler
	opts.SetDefaultPublishHandler(s.messageHandler)

	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.Info("MQTT subscriber started")
	return nil
}

// Stop gracefully shuts down the MQTT subscriber. In-flight handler
// goroutines are allowed to finish.
func (s *MQTTSubscriber) Stop() {
	s.logger.Info("Stopping MQTT subscriber...")

	close(s.shutdown)

	if s.client != nil && s.client.IsConnected() {
		if token := s.client.Unsubscribe(s.config.TopicPattern); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", s.config.TopicPattern).
				Error("Failed to unsubscribe from topic")
		}

		s.client.Disconnect(250)
	}

	s.wg.Wait()
	s.logger.Info("MQTT subscriber stopped")
}

// IsConnected returns the connection status.
func (s *MQTTSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")

	if token := client.Subscribe(s.config.TopicPattern, s.config.QoS, nil); token.Wait() && token.Error() != nil {
		s.logger.WithError(token.Error()).WithField("topic", s.config.TopicPattern).
			Error("Failed to subscribe to topic")
	} else {
		s.logger.WithField("topic", s.config.TopicPattern).Info("Subscribed to topic")
	}
}

func (s *MQTTSubscriber) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (s *MQTTSubscriber) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	s.logger.Info("Attempting to reconnect to MQTT broker...")
}

func (s *MQTTSubscriber) messageHandler(client mqtt.Client, msg mqtt.Message) {
	select {
	case <-s.shutdown:
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processMessage(msg)
	}()
}

func (s *MQTTSubscriber) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	s.logger.WithFields(logrus.Fields{
		"topic":      topic,
		"message_id": msg.MessageID(),
		"qos":        msg.Qos(),
		"size":       len(payload),
	}).Debug("Received MQTT message")

	tenantID, deviceUID, messageType, err := parseIngestTopic(topic)
	if err != nil {
		s.logger.WithError(err).WithField("topic", topic).Warn("Ignoring message on malformed topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.handler(ctx, tenantID, deviceUID, messageType, payload); err != nil {
		// Registry outages surface here. The message is dropped and the
		// device retries; QoS 1 redelivery covers broker-side failures.
		s.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      topic,
			"message_id": msg.MessageID(),
		}).Error("Failed to process MQTT message")
	}
}

// parseIngestTopic splits tenant/{tenant_id}/device/{device_id}/{message_type}.
func parseIngestTopic(topic string) (tenantID, deviceUID, messageType string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "tenant" || parts[2] != "device" {
		return "", "", "", fmt.Errorf("unexpected topic structure: %s", topic)
	}
	if parts[1] == "" || parts[3] == "" || parts[4] == "" {
		return "", "", "", fmt.Errorf("empty topic segment: %s", topic)
	}
	return parts[1], parts[3], parts[4], nil
}
