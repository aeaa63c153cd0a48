package telemetry

import (
	"time"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// mqttPublisher publishes to an actual MQTT broker
type mqttPublisher struct {
	client  paho.Client
	timeout time.Duration
}

// NewPublisher connects to cfg.Broker. The connection is not retried: a
// broker that is down when the run starts is reported to the caller.
func NewPublisher(cfg Config) (Publisher, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn().Err(err).Msg("MQTT connection lost")
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, errFactory.WithData(ErrOperationTimeout, cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errFactory.Wrap(ErrConnectFailed, err).WithData(cfg.Broker)
	}

	logger.Debug().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")

	return &mqttPublisher{client: client, timeout: cfg.Timeout}, nil
}

func (p *mqttPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	errFactory := errors.New()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return errFactory.WithData(ErrOperationTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return errFactory.Wrap(ErrPublishFailed, err).WithData(topic)
	}

	return nil
}

// Close disconnects from the broker, allowing a second for in-flight messages
func (p *mqttPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

type nopPublisher struct{}

// Nop returns a Publisher that discards everything
func Nop() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(string, byte, bool, []byte) error {
	return nil
}

func (nopPublisher) Close() error {
	return nil
}
