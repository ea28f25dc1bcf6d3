package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	jsoniter "github.com/json-iterator/go"
)

// GatewayHandler handles one inbound gateway opcode for a shard. The
// returned error ends the connection and is classified by the reconnect
// loop.
type GatewayHandler func(ctx context.Context, shard *Shard, payload *discord.GatewayPayload) error

var gatewayHandlers = make(map[discord.GatewayOp]GatewayHandler)

func RegisterGatewayHandler(op discord.GatewayOp, handler GatewayHandler) {
	gatewayHandlers[op] = handler
}

func gatewayOpDispatch(ctx context.Context, shard *Shard, payload *discord.GatewayPayload) error {
	if payload.Sequence > 0 {
		shard.sequence.Store(payload.Sequence)
	}

	switch payload.Type {
	case discord.DiscordEventReady:
		if err := shard.onReady(payload); err != nil {
			return err
		}
	case discord.DiscordEventResumed:
		shard.onResumed()
	case discord.DiscordEventGuildCreate:
		shard.trackGuildCreate(payload)
	case discord.DiscordEventGuildDelete:
		shard.trackGuildDelete(payload)
	}

	trace := NewTrace()
	trace.Set("receive", time.Now().UnixNano())

	return shard.manager.OnDispatch(ctx, shard, payload, trace)
}

func gatewayOpHeartbeat(ctx context.Context, shard *Shard, _ *discord.GatewayPayload) error {
	// The gateway asked for an immediate heartbeat.
	if err := shard.SendEvent(ctx, discord.GatewayOpHeartbeat, shard.sequence.Load()); err != nil {
		return fmt.Errorf("failed to answer heartbeat request: %w", err)
	}

	shard.lastHeartbeatSent.Store(time.Now())

	return nil
}

func gatewayOpReconnect(_ context.Context, shard *Shard, _ *discord.GatewayPayload) error {
	shard.logger.Info().Msg("Gateway requested a reconnect")

	// Ending the read loop with a resumable error takes the shard
	// through the normal close-and-resume path.
	return ErrReconnectPlease
}

func gatewayOpInvalidSession(_ context.Context, shard *Shard, payload *discord.GatewayPayload) error {
	var resumable bool

	if err := jsoniter.Unmarshal(payload.Data, &resumable); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	shard.logger.Warn().Bool("resumable", resumable).
		Msg("Gateway invalidated the session")

	if resumable {
		return ErrReconnectPlease
	}

	return ErrInvalidSession
}

func gatewayOpHello(_ context.Context, shard *Shard, payload *discord.GatewayPayload) error {
	// Hello is normally consumed during connect; mid-connection it only
	// refreshes the interval.
	var hello discord.Hello

	if err := jsoniter.Unmarshal(payload.Data, &hello); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if hello.HeartbeatInterval <= 0 {
		return ErrShardInvalidHeartbeatInterval
	}

	shard.heartbeatInterval.Store(time.Duration(hello.HeartbeatInterval) * time.Millisecond)

	return nil
}

func gatewayOpHeartbeatAck(_ context.Context, shard *Shard, _ *discord.GatewayPayload) error {
	now := time.Now()
	shard.lastHeartbeatAck.Store(now)
	shard.missedHeartbeatAcks.Store(0)

	latency := now.Sub(shard.lastHeartbeatSent.Load())
	shard.gatewayLatency.Store(latency)

	UpdateGatewayLatency(shard.manager.Identifier(), shard.ShardID, latency)

	return nil
}

func (shard *Shard) onReady(payload *discord.GatewayPayload) error {
	var ready discord.Ready

	if err := unmarshalPayload(payload, &ready); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	// The resume URL rides alongside the typed READY payload.
	var resumeURL struct {
		ResumeGatewayURL string `json:"resume_gateway_url"`
	}

	_ = jsoniter.Unmarshal(payload.Data, &resumeURL)

	shard.sessionID.Store(ready.SessionID)
	shard.resumeGatewayURL.Store(resumeURL.ResumeGatewayURL)
	shard.resumable.Store(true)

	shard.manager.SetUser(&ready.User)

	for _, guild := range ready.Guilds {
		shard.guilds.Store(guild.ID, true)
		shard.unavailableGuilds.Store(guild.ID, true)
	}

	UpdateShardGuilds(shard.manager.Identifier(), shard.ShardID, shard.guilds.Count())

	shard.logger.Info().Str("session_id", ready.SessionID).
		Int("guilds", len(ready.Guilds)).Msg("Shard is ready")

	shard.becomeReady()

	return nil
}

func (shard *Shard) onResumed() {
	shard.logger.Info().Int32("sequence", shard.sequence.Load()).
		Msg("Shard resumed its session")

	shard.becomeReady()
}

func (shard *Shard) becomeReady() {
	shard.readyAt.Store(time.Now())
	shard.SetStatus(ShardStatusReady)

	select {
	case shard.ready <- struct{}{}:
	default:
	}
}

func (shard *Shard) trackGuildCreate(payload *discord.GatewayPayload) {
	var partial struct {
		ID discord.Snowflake `json:"id"`
	}

	if err := jsoniter.Unmarshal(payload.Data, &partial); err != nil {
		return
	}

	shard.guilds.Store(partial.ID, true)
	shard.unavailableGuilds.Delete(partial.ID)

	UpdateShardGuilds(shard.manager.Identifier(), shard.ShardID, shard.guilds.Count())
}

func (shard *Shard) trackGuildDelete(payload *discord.GatewayPayload) {
	var partial struct {
		ID          discord.Snowflake `json:"id"`
		Unavailable bool              `json:"unavailable"`
	}

	if err := jsoniter.Unmarshal(payload.Data, &partial); err != nil {
		return
	}

	if partial.Unavailable {
		shard.unavailableGuilds.Store(partial.ID, true)

		return
	}

	shard.guilds.Delete(partial.ID)
	shard.unavailableGuilds.Delete(partial.ID)

	UpdateShardGuilds(shard.manager.Identifier(), shard.ShardID, shard.guilds.Count())
}

func init() {
	RegisterGatewayHandler(discord.GatewayOpDispatch, gatewayOpDispatch)
	RegisterGatewayHandler(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	RegisterGatewayHandler(discord.GatewayOpReconnect, gatewayOpReconnect)
	RegisterGatewayHandler(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	RegisterGatewayHandler(discord.GatewayOpHello, gatewayOpHello)
	RegisterGatewayHandler(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatAck)
}
