package notify

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// Default MQTT settings.
const (
	DefaultMQTTClientID = "silencewatch"
	DefaultMQTTTopic    = "silencewatch/events"
	mqttTimeout         = 10 * time.Second
)

// mqttPublisher is the part of the paho client the hook uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// MQTT publishes alert events to a broker topic.
type MQTT struct {
	cfg    types.MQTTConfig
	client mqttPublisher
}

// NewMQTT connects to the broker in cfg. Reconnection is handled by paho.
func NewMQTT(cfg types.MQTTConfig) (*MQTT, error) {
	if !util.IsConfigured(cfg.Broker) {
		return nil, errors.New("MQTT broker is required")
	}
	cfg.ClientID = cmp.Or(cfg.ClientID, DefaultMQTTClientID)
	cfg.Topic = cmp.Or(cfg.Topic, DefaultMQTTTopic)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("MQTT connected", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	// With ConnectRetry the token only completes once connected; do not
	// block startup on an unreachable broker.
	token := client.Connect()
	if token.WaitTimeout(mqttTimeout) && token.Error() != nil {
		return nil, util.WrapError("connect to MQTT broker", token.Error())
	}

	return newMQTTWithClient(cfg, client), nil
}

func newMQTTWithClient(cfg types.MQTTConfig, client mqttPublisher) *MQTT {
	return &MQTT{cfg: cfg, client: client}
}

// Name identifies the hook in logs.
func (m *MQTT) Name() string { return "mqtt" }

// Notify publishes ev as JSON.
func (m *MQTT) Notify(ctx context.Context, ev types.AlertEvent) error {
	payload, err := json.Marshal(NewEventPayload(&ev))
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	token := m.client.Publish(m.cfg.Topic, m.cfg.QoS, m.cfg.Retain, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return util.WrapError("publish to "+m.cfg.Topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttTimeout):
		return fmt.Errorf("publish to %s timed out", m.cfg.Topic)
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
