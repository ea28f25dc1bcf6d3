package mqclients

import (
	"context"
	"strings"
)

// MQClients lists all current mqclients we have available.
var MQClients = []string{}

// MQClient is one message queue transport. Connect must be called
// before Publish; Close releases the underlying connections.
type MQClient interface {
	String() string
	Channel() string

	Connect(ctx context.Context, clientName string, args map[string]any) error
	Publish(ctx context.Context, channelName string, data []byte) error
	Close() error
}

// GetEntry returns the first match from a map, treating keys as case
// insensitive.
func GetEntry(m map[string]any, key string) any {
	key = strings.ToLower(key)
	for i, k := range m {
		if strings.ToLower(i) == key {
			return k
		}
	}

	return nil
}
