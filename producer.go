package relay

import "context"

// ProducerProvider builds the message queue producer for a manager, or
// returns nil when the manager only uses the in-process event stream.
type ProducerProvider interface {
	GetProducer(ctx context.Context, configuration *ManagerConfiguration, clientName string) (Producer, error)
}

// Producer publishes produced events to an external consumer.
type Producer interface {
	Publish(ctx context.Context, shard *Shard, event Event) error
	Close() error
}
