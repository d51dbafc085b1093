package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// MQTTPublisher forwards progress snapshots to an MQTT broker as JSON on
// <topic>/<objectType> so the dashboard can render live progress.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	retain bool
	log    logger.Logger
}

// NewMQTTPublisher creates a publisher from settings. Call Connect before Run.
func NewMQTTPublisher(settings *conf.MQTTSettings, log logger.Logger) *MQTTPublisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	opts.SetClientID(settings.ClientID)
	opts.SetUsername(settings.Username)
	opts.SetPassword(settings.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to MQTT broker", logger.String("broker", settings.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("connection to MQTT broker lost", logger.String("broker", settings.Broker), logger.Error(err))
	})

	return newMQTTPublisher(mqtt.NewClient(opts), settings, log)
}

func newMQTTPublisher(client mqtt.Client, settings *conf.MQTTSettings, log logger.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		topic:  settings.Topic,
		qos:    settings.QoS,
		retain: settings.Retain,
		log:    log,
	}
}

// Connect establishes the broker connection
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return errors.Newf("MQTT connection timeout").
			Category(errors.CategoryNetwork).
			Context("operation", "mqtt_connect").
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(fmt.Errorf("connection error: %w", err)).
			Category(errors.CategoryNetwork).
			Context("operation", "mqtt_connect").
			Build()
	}
	return nil
}

// Publish sends one snapshot
func (p *MQTTPublisher) Publish(snap *Snapshot) error {
	if !p.client.IsConnected() {
		return errors.Newf("not connected to MQTT broker").
			Category(errors.CategoryNetwork).
			Context("operation", "mqtt_publish").
			Build()
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryGeneric).
			Context("operation", "marshal_snapshot").
			Build()
	}

	topic := p.topic + "/" + snap.ObjectType
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Newf("publish timeout for topic %s", topic).
			Category(errors.CategoryTimeout).
			Context("operation", "mqtt_publish").
			Build()
	}
	return token.Error()
}

// Run publishes every snapshot received on updates until ctx is done or updates closes.
// Publish failures are logged and never stop the loop.
func (p *MQTTPublisher) Run(ctx context.Context, updates <-chan Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := p.Publish(&snap); err != nil {
				p.log.Warn("failed to publish progress",
					logger.ObjectType(snap.ObjectType),
					logger.Error(err))
			}
		}
	}
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
