package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures the optional bridge that republishes bus events to
// an MQTT broker, giving the "log aggregation sidecar" and similar external
// consumers a concrete transport without the core depending on them.
type MQTTConfig struct {
	Broker      string // e.g. "tcp://localhost:1883"; blank disables the bridge
	Username    string
	Password    string
	TopicPrefix string // default "teststand" if blank
	QoS         byte
}

// MQTTBridge subscribes to a Bus and republishes its events over MQTT.
type MQTTBridge struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger zerolog.Logger
}

// NewMQTTBridge connects to cfg.Broker and returns a bridge, or (nil, nil) if
// cfg.Broker is blank (the bridge is disabled).
func NewMQTTBridge(cfg MQTTConfig, logger zerolog.Logger) (*MQTTBridge, error) {
	if cfg.Broker == "" {
		return nil, nil
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "teststand"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID("teststand-" + time.Now().Format("150405.000"))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("component", "eventbus.mqtt").Str("broker", cfg.Broker).Msg("connected to mqtt broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Str("component", "eventbus.mqtt").Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("eventbus: connect to mqtt broker %q: %w", cfg.Broker, token.Error())
	}

	return &MQTTBridge{
		client: client,
		prefix: prefix,
		qos:    cfg.QoS,
		logger: logger,
	}, nil
}

// Run subscribes to bus's data and log channels and republishes each event
// until ctx is canceled. It blocks; call it in its own goroutine.
func (b *MQTTBridge) Run(ctx context.Context, bus *Bus) {
	data := bus.SubscribeData(DefaultQueueSize)
	defer bus.UnsubscribeData(data)

	logc := bus.SubscribeLog(DefaultQueueSize)
	defer bus.UnsubscribeLog(logc)

	for {
		select {
		case <-ctx.Done():
			b.client.Disconnect(250)
			return
		case e, ok := <-data:
			if !ok {
				return
			}
			b.publishData(e)
		case e, ok := <-logc:
			if !ok {
				return
			}
			b.publishLog(e)
		}
	}
}

func (b *MQTTBridge) publishData(e DataEvent) {
	buf, err := json.Marshal(e)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/data/%s", b.prefix, e.DeviceName, e.SensorName)
	b.client.Publish(topic, b.qos, false, buf)
}

func (b *MQTTBridge) publishLog(e LogEvent) {
	buf, err := json.Marshal(e)
	if err != nil {
		return
	}
	b.client.Publish(b.prefix+"/log", b.qos, false, buf)
}
