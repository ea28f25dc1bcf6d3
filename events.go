package relay

import (
	"github.com/WelcomerTeam/Discord/discord"
)

// Event is one decoded dispatch on the event stream. Data stays raw and
// is decoded by subscribers per (op, t); nothing pays for events it does
// not care about.
type Event struct {
	discord.GatewayPayload

	Metadata EventMetadata `json:"__metadata"`
	Trace    Trace         `json:"__trace"`
}

// EventMetadata identifies where an event came from, for consumers that
// multiplex several managers or shards off one queue.
type EventMetadata struct {
	// Identifier is the producer identifier consumers route on.
	Identifier string `json:"i"`
	// Application is the manager identifier.
	Application   string            `json:"a"`
	ApplicationID discord.Snowflake `json:"id"`
	// Shard is [shard_group, shard_id, shard_count].
	Shard [3]int32 `json:"s"`
}

// Trace accumulates nanosecond timestamps as an event moves through the
// daemon.
type Trace map[string]any

func NewTrace() Trace {
	return make(Trace)
}

func (trace Trace) Set(key string, value any) Trace {
	trace[key] = value

	return trace
}
