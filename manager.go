package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/RelayTeam/Relay-Daemon/pkg/broadcast"
	"github.com/RelayTeam/Relay-Daemon/pkg/syncmap"
	"github.com/WelcomerTeam/Discord/discord"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

const (
	// GatewayURLDefault is used until the gateway bot endpoint tells us
	// otherwise.
	GatewayURLDefault = "wss://gateway.discord.gg"

	// EventsStreamBuffer is the per-subscriber buffer of the in-process
	// event stream. Publishing blocks once a subscriber falls this far
	// behind.
	EventsStreamBuffer = 64
)

// Manager owns every shard for one bot token: it resolves the gateway
// endpoint, paces shard startup, fans dispatch events out to the
// producer and the in-process stream, and routes commands to the shard
// that serves a guild.
type Manager struct {
	logger zerolog.Logger

	relay *Relay

	ctx    context.Context
	cancel context.CancelFunc

	configuration *atomic.Pointer[ManagerConfiguration]

	gateway                           *atomic.Pointer[discord.GatewayBotResponse]
	gatewaySessionStartLimitRemaining *atomic.Int32

	user *atomic.Pointer[discord.User]

	producer Producer

	shardCount *atomic.Int32
	shards     *syncmap.Map[int32, *Shard]

	eventsStream *broadcast.Server[Event]

	startedAt *atomic.Time

	status *atomic.Int32
}

func NewManager(relay *Relay, config *ManagerConfiguration) *Manager {
	manager := &Manager{
		logger: relay.logger.With().Str("manager_identifier", config.Identifier).Logger(),

		relay: relay,

		configuration: atomic.NewPointer(config),

		gateway:                           atomic.NewPointer[discord.GatewayBotResponse](nil),
		gatewaySessionStartLimitRemaining: atomic.NewInt32(0),

		user: atomic.NewPointer[discord.User](nil),

		producer: nil,

		shardCount: atomic.NewInt32(0),
		shards:     &syncmap.Map[int32, *Shard]{},

		eventsStream: broadcast.NewServer[Event](EventsStreamBuffer),

		startedAt: atomic.NewTime(time.Time{}),

		status: atomic.NewInt32(0),
	}

	manager.ctx, manager.cancel = context.WithCancel(relay.ctx)

	manager.SetStatus(ManagerStatusIdle)

	return manager
}

func (manager *Manager) Identifier() string {
	return manager.configuration.Load().Identifier
}

func (manager *Manager) Status() ManagerStatus {
	return ManagerStatus(manager.status.Load())
}

func (manager *Manager) SetStatus(status ManagerStatus) {
	UpdateManagerStatus(manager.Identifier(), status)
	manager.status.Store(int32(status))
	manager.logger.Info().Str("status", status.String()).Msg("Manager status updated")
}

func (manager *Manager) User() *discord.User {
	return manager.user.Load()
}

func (manager *Manager) SetUser(user *discord.User) {
	existingUser := manager.user.Load()
	manager.user.Store(user)

	if existingUser != nil && existingUser.ID == user.ID {
		return
	}

	manager.logger.Debug().Str("username", user.Username).Msg("Manager user updated")
}

// gatewayURL returns the base websocket URL new connections dial when a
// shard has no resume URL.
func (manager *Manager) gatewayURL() string {
	if gateway := manager.gateway.Load(); gateway != nil && gateway.URL != "" {
		return gateway.URL
	}

	return GatewayURLDefault
}

// Initialize fetches the gateway bot endpoint and creates the producer.
// It must succeed before shards can start.
func (manager *Manager) Initialize(ctx context.Context) error {
	manager.logger.Debug().Msg("Initializing manager")

	configuration := manager.configuration.Load()

	manager.relay.gatewayLimiter.Lock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discord.EndpointGatewayBot, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bot "+configuration.BotToken)

	resp, err := manager.relay.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to do request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway bot endpoint returned %d: %w", resp.StatusCode, ErrManagerMissingBotToken)
	}

	var gatewayBotResponse discord.GatewayBotResponse
	if err := jsoniter.NewDecoder(resp.Body).Decode(&gatewayBotResponse); err != nil {
		return fmt.Errorf("failed to decode gateway bot response: %w", err)
	}

	manager.gateway.Store(&gatewayBotResponse)
	manager.gatewaySessionStartLimitRemaining.Store(gatewayBotResponse.SessionStartLimit.Remaining)

	clientName := configuration.ClientName
	if configuration.IncludeRandomSuffix {
		clientName = fmt.Sprintf("%s-%s", clientName, randomHex(8))
	}

	producer, err := manager.relay.producerProvider.GetProducer(ctx, configuration, clientName)
	if err != nil {
		return fmt.Errorf("failed to get producer: %w", err)
	}

	manager.producer = producer

	manager.logger.Debug().
		Int32("shards", gatewayBotResponse.Shards).
		Int32("session_start_remaining", gatewayBotResponse.SessionStartLimit.Remaining).
		Msg("Manager initialized")

	return nil
}

// Start creates the shards and connects them, pacing the first shard to
// Ready before opening the rest. It returns once every shard has
// connected; readiness of the remainder is observed via WaitForReady.
func (manager *Manager) Start(ctx context.Context) error {
	manager.logger.Info().Msg("Starting manager")

	manager.SetStatus(ManagerStatusStarting)

	configuration := manager.configuration.Load()

	shardIDs, shardCount := manager.getInitialShardCount(
		configuration.ShardCount,
		configuration.ShardIDs,
		configuration.AutoSharded,
	)

	if err := manager.startShards(ctx, shardIDs, shardCount); err != nil {
		manager.logger.Error().Err(err).Msg("Failed to start shards")

		manager.SetStatus(ManagerStatusFailed)

		return fmt.Errorf("failed to start: %w", err)
	}

	go func() {
		if err := manager.WaitForReady(manager.ctx); err != nil {
			return
		}

		manager.SetStatus(ManagerStatusReady)
	}()

	return nil
}

func (manager *Manager) startShards(ctx context.Context, shardIDs []int32, shardCount int32) error {
	manager.logger.Info().
		Int32("shard_count", shardCount).
		Ints32("shard_ids", shardIDs).
		Msg("Starting shards")

	if len(shardIDs) == 0 {
		return ErrManagerMissingShards
	}

	manager.startedAt.Store(time.Now())
	manager.shardCount.Store(shardCount)

	// Kill any shards from a previous Start.
	manager.shards.Range(func(_ int32, shard *Shard) bool {
		shard.Stop(websocket.StatusNormalClosure)

		return true
	})

	for _, shardID := range shardIDs {
		manager.shards.Store(shardID, NewShard(manager, shardID))
	}

	manager.SetStatus(ManagerStatusConnecting)

	// The first shard proves the token and session limits before the
	// rest burn identify slots.
	initialShard, _ := manager.shards.Load(shardIDs[0])

	if err := initialShard.Connect(); err != nil {
		return fmt.Errorf("failed to connect initial shard: %w", err)
	}

	if err := initialShard.WaitForReady(ctx); err != nil {
		return fmt.Errorf("failed to wait for initial shard: %w", err)
	}

	manager.logger.Debug().Int32("shard_id", shardIDs[0]).Msg("Initial shard is ready")

	var openWg sync.WaitGroup

	for _, shardID := range shardIDs[1:] {
		shard, _ := manager.shards.Load(shardID)

		openWg.Add(1)

		go func(shard *Shard) {
			defer openWg.Done()

			if err := shard.Connect(); err != nil {
				manager.logger.Error().Err(err).
					Int32("shard_id", shard.ShardID).
					Msg("Failed to connect shard")
			}
		}(shard)
	}

	openWg.Wait()

	manager.logger.Debug().Msg("All shards connected")

	return nil
}

// Stop disconnects every shard and closes the producer and the events
// stream. The manager cannot be restarted afterwards.
func (manager *Manager) Stop() {
	manager.SetStatus(ManagerStatusStopping)

	manager.shards.Range(func(_ int32, shard *Shard) bool {
		shard.Stop(websocket.StatusNormalClosure)

		return true
	})

	if manager.producer != nil {
		if err := manager.producer.Close(); err != nil {
			manager.logger.Error().Err(err).Msg("Failed to close producer")
		}
	}

	manager.eventsStream.Close()
	manager.cancel()

	manager.SetStatus(ManagerStatusStopped)
}

// WaitForReady blocks until every shard reports Ready.
func (manager *Manager) WaitForReady(ctx context.Context) error {
	var waitErr error

	manager.shards.Range(func(_ int32, shard *Shard) bool {
		if err := shard.WaitForReady(ctx); err != nil {
			waitErr = err

			return false
		}

		return true
	})

	return waitErr
}

// OnDispatch is invoked by shards for every dispatch event. It applies
// the blacklists, stamps metadata and trace, then publishes to the
// in-process stream and the producer.
func (manager *Manager) OnDispatch(ctx context.Context, shard *Shard, payload *discord.GatewayPayload, trace Trace) error {
	configuration := manager.configuration.Load()

	if containsEvent(configuration.EventBlacklist, payload.Type) {
		return nil
	}

	RecordEvent(manager.Identifier(), payload.Type)

	metadata := EventMetadata{
		Identifier:  replaceIfEmpty(configuration.ProducerIdentifier, configuration.Identifier),
		Application: configuration.Identifier,
		Shard:       [3]int32{0, shard.ShardID, manager.shardCount.Load()},
	}

	if user := manager.user.Load(); user != nil {
		metadata.ApplicationID = user.ID
	}

	event := Event{
		GatewayPayload: *payload,
		Metadata:       metadata,
		Trace:          trace.Set("dispatch", time.Now().UnixNano()),
	}

	manager.eventsStream.Publish(ctx, event)

	if containsEvent(configuration.ProduceBlacklist, payload.Type) {
		return nil
	}

	if manager.producer == nil {
		return nil
	}

	event.Trace.Set("publish", time.Now().UnixNano())

	if err := manager.producer.Publish(ctx, shard, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// MakeEventsStream subscribes to the in-process event stream. The
// returned cancel function must be called when done; an abandoned
// subscriber eventually blocks every publisher.
func (manager *Manager) MakeEventsStream() (<-chan Event, func()) {
	ch := manager.eventsStream.Subscribe()

	return ch, func() {
		manager.eventsStream.CancelSubscription(ch)
	}
}

// shardForGuild returns the shard serving a guild, derived from the
// upper bits of the guild snowflake.
func (manager *Manager) shardForGuild(guildID discord.Snowflake) (*Shard, error) {
	shardCount := manager.shardCount.Load()
	if shardCount == 0 {
		return nil, ErrManagerMissingShards
	}

	shardID := shardIDForGuild(guildID, shardCount)

	shard, ok := manager.shards.Load(shardID)
	if !ok {
		return nil, fmt.Errorf("shard %d is not on this node: %w", shardID, ErrManagerMissingShards)
	}

	return shard, nil
}

// RequestGuildMembersChunk asks the gateway for the member list of a
// guild. Responses arrive as GUILD_MEMBERS_CHUNK dispatch events.
func (manager *Manager) RequestGuildMembersChunk(ctx context.Context, request discord.RequestGuildMembers) error {
	shard, err := manager.shardForGuild(request.GuildID)
	if err != nil {
		return err
	}

	return shard.SendCommand(ctx, discord.GatewayOpRequestGuildMembers, request)
}

// UpdatePresence updates the bot presence on every ready shard.
func (manager *Manager) UpdatePresence(ctx context.Context, presence *discord.UpdateStatus) error {
	var sendErr error

	manager.shards.Range(func(_ int32, shard *Shard) bool {
		if shard.Status() != ShardStatusReady {
			return true
		}

		if err := shard.SendCommand(ctx, discord.GatewayOpStatusUpdate, presence); err != nil {
			sendErr = err
		}

		return true
	})

	return sendErr
}

// UpdateVoiceState is the gateway voice state update payload. A nil
// ChannelID disconnects from voice.
type UpdateVoiceState struct {
	GuildID   discord.Snowflake  `json:"guild_id"`
	ChannelID *discord.Snowflake `json:"channel_id"`
	SelfMute  bool               `json:"self_mute"`
	SelfDeaf  bool               `json:"self_deaf"`
}

func (manager *Manager) UpdateVoiceState(ctx context.Context, voiceState UpdateVoiceState) error {
	shard, err := manager.shardForGuild(voiceState.GuildID)
	if err != nil {
		return err
	}

	return shard.SendCommand(ctx, discord.GatewayOpVoiceStateUpdate, voiceState)
}

// getInitialShardCount returns the shard IDs this node runs and the
// total shard count.
func (manager *Manager) getInitialShardCount(customShardCount int32, customShardIDs string, autoSharded bool) ([]int32, int32) {
	config := manager.relay.configuration.Load()

	var shardCount int32

	var shardIDs []int32

	if autoSharded {
		shardCount = manager.gateway.Load().Shards
	} else {
		shardCount = customShardCount
	}

	if customShardIDs == "" {
		for i := int32(0); i < shardCount; i++ {
			shardIDs = append(shardIDs, i)
		}
	} else {
		shardIDs = returnRangeInt32(config.Relay.NodeCount, config.Relay.NodeID, customShardIDs, shardCount)
	}

	// With multiple nodes, keep only the shards that land on this one.
	if config.Relay.NodeCount > 1 {
		filteredShardIDs := make([]int32, 0, len(shardIDs))

		for _, id := range shardIDs {
			if id%config.Relay.NodeCount == config.Relay.NodeID {
				filteredShardIDs = append(filteredShardIDs, id)
			}
		}

		shardIDs = filteredShardIDs
	}

	return shardIDs, shardCount
}

func containsEvent(blacklist []string, eventType string) bool {
	for _, entry := range blacklist {
		if entry == eventType {
			return true
		}
	}

	return false
}
