package relay

import (
	"context"
	"fmt"

	mqclients "github.com/RelayTeam/Relay-Daemon/messaging"
	jsoniter "github.com/json-iterator/go"
)

// NewMQClient returns an unconnected client for the named transport.
func NewMQClient(mqType string) (mqclients.MQClient, error) {
	switch mqType {
	case "jetstream":
		return &mqclients.JetStreamMQClient{}, nil
	case "stan":
		return &mqclients.StanMQClient{}, nil
	case "kafka":
		return &mqclients.KafkaMQClient{}, nil
	case "redis":
		return &mqclients.RedisMQClient{}, nil
	default:
		return nil, fmt.Errorf("%w: no MQ client named %s", ErrProducerMissing, mqType)
	}
}

// MQProducerProvider builds message queue producers from the manager
// configuration. Managers without a producer type only publish to the
// in-process event stream.
type MQProducerProvider struct{}

func NewMQProducerProvider() *MQProducerProvider {
	return &MQProducerProvider{}
}

func (p *MQProducerProvider) GetProducer(ctx context.Context, configuration *ManagerConfiguration, clientName string) (Producer, error) {
	if configuration.Producer.Type == "" {
		return nil, nil
	}

	client, err := NewMQClient(configuration.Producer.Type)
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx, clientName, configuration.Producer.Configuration); err != nil {
		return nil, fmt.Errorf("failed to connect producer: %w", err)
	}

	return &mqProducer{
		client:  client,
		channel: configuration.Producer.Channel,
	}, nil
}

type mqProducer struct {
	client  mqclients.MQClient
	channel string
}

func (p *mqProducer) Publish(ctx context.Context, shard *Shard, event Event) error {
	payload, err := jsoniter.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return p.client.Publish(ctx, p.channel, payload)
}

func (p *mqProducer) Close() error {
	return p.client.Close()
}
