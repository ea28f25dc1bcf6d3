package relay

import "errors"

var (
	ErrManagerMissingIdentifier = errors.New("manager missing identifier")
	ErrManagerMissingBotToken   = errors.New("manager missing bot token")
	ErrManagerIdentifierExists  = errors.New("manager identifier already exists")
	ErrManagerMissingShards     = errors.New("manager missing shards")

	ErrShardStopped                  = errors.New("shard is stopped")
	ErrShardNotReady                 = errors.New("shard is not ready")
	ErrShardInvalidHeartbeatInterval = errors.New("shard invalid heartbeat interval")
	ErrShardZombied                  = errors.New("shard heartbeat was not acknowledged")
	ErrShardStaleConnection          = errors.New("shard connection superseded")

	ErrInvalidEnvelope = errors.New("invalid gateway envelope")
	ErrInvalidSession  = errors.New("gateway session invalidated")
	ErrReconnectPlease = errors.New("gateway requested reconnect")

	ErrNoGatewayHandler = errors.New("no gateway handler found")
	ErrProducerMissing  = errors.New("producer is not configured")
)
