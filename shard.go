package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/RelayTeam/Relay-Daemon/pkg/limiter"
	jsoniter "github.com/json-iterator/go"
	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"github.com/rs/zerolog"
	gotils_strconv "github.com/savsgio/gotils/strconv"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

const (
	WebsocketReadLimit = 512 << 20

	// Close code used when the daemon tears a connection down but wants
	// the session to stay resumable. A 1000/1001 close invalidates the
	// session server side.
	WebsocketReconnectCloseCode = 4000

	// We can send 120 messages a minute to the gateway. We stay under
	// that to leave room for heartbeats, which skip the limiter.
	ShardWSRateLimit = 110

	GatewayLargeThreshold = int32(250)

	// Handshake dial and the wait for Hello are both bounded.
	ConnectTimeout = 10 * time.Second

	MinReconnectWait = 1 * time.Second
	MaxReconnectWait = 60 * time.Second

	// A connection that held Ready for this many heartbeat intervals
	// resets the reconnect backoff to its minimum.
	SustainedReadyIntervals = 3
)

// Shard owns one gateway connection and its protocol state machine:
// identify/resume decision, heartbeat liveness, sequence and session
// tracking, close-code classification and the backoff reconnect loop.
type Shard struct {
	logger zerolog.Logger

	relay   *Relay
	manager *Manager

	ShardID int32

	// connectionID increments on every connect attempt and on Stop.
	// Anything produced by an older connection is discarded.
	connectionID *atomic.Int64

	status *atomic.Int32

	sequence         *atomic.Int32
	sessionID        *atomic.String
	resumeGatewayURL *atomic.String

	// resumable records whether the last connection loss left the
	// session usable for a Resume.
	resumable *atomic.Bool

	heartbeatInterval   *atomic.Duration
	lastHeartbeatAck    *atomic.Time
	lastHeartbeatSent   *atomic.Time
	missedHeartbeatAcks *atomic.Int32
	gatewayLatency      *atomic.Duration

	// readyAt is the time the current connection reached Ready, zero
	// while not Ready. Drives the sustained-ready backoff reset.
	readyAt *atomic.Time

	guilds            *csmap.CsMap[discord.Snowflake, bool]
	unavailableGuilds *csmap.CsMap[discord.Snowflake, bool]

	connMu sync.RWMutex
	wsConn *websocket.Conn
	codec  *payloadCodec

	// sendMu serialises every transport write: heartbeats and command
	// sends must never interleave frames.
	sendMu      sync.Mutex
	wsRatelimit *limiter.DurationLimiter

	ctx    context.Context
	cancel context.CancelFunc

	connCancelMu sync.Mutex
	connCancel   context.CancelCauseFunc

	ready   chan struct{}
	started *atomic.Bool
	stopped *atomic.Bool
	done    chan struct{}
}

func NewShard(manager *Manager, shardID int32) *Shard {
	shard := &Shard{
		logger: manager.logger.With().Int32("shard_id", shardID).Logger(),

		relay:   manager.relay,
		manager: manager,

		ShardID: shardID,

		connectionID: atomic.NewInt64(0),

		status: atomic.NewInt32(int32(ShardStatusIdle)),

		sequence:         atomic.NewInt32(0),
		sessionID:        atomic.NewString(""),
		resumeGatewayURL: atomic.NewString(""),

		resumable: atomic.NewBool(false),

		heartbeatInterval:   atomic.NewDuration(0),
		lastHeartbeatAck:    atomic.NewTime(time.Time{}),
		lastHeartbeatSent:   atomic.NewTime(time.Time{}),
		missedHeartbeatAcks: atomic.NewInt32(0),
		gatewayLatency:      atomic.NewDuration(0),

		readyAt: atomic.NewTime(time.Time{}),

		guilds: csmap.Create(
			csmap.WithSize[discord.Snowflake, bool](1000),
		),
		unavailableGuilds: csmap.Create(
			csmap.WithSize[discord.Snowflake, bool](1000),
		),

		wsRatelimit: limiter.NewDurationLimiter(ShardWSRateLimit, time.Minute),

		ready:   make(chan struct{}, 1),
		started: atomic.NewBool(false),
		stopped: atomic.NewBool(false),
		done:    make(chan struct{}),
	}

	shard.ctx, shard.cancel = context.WithCancel(manager.ctx)

	return shard
}

// Connect starts the shard's connection loop. It is idempotent while
// the shard has not been stopped.
func (shard *Shard) Connect() error {
	if shard.stopped.Load() {
		return ErrShardStopped
	}

	if shard.started.Swap(true) {
		return nil
	}

	go shard.open()

	return nil
}

// Stop force-closes the transport, cancels all pending work for the
// shard and transitions it to Stopped. Safe from any state, including
// mid-backoff. The connection generation is bumped so anything still in
// flight on the old transport is discarded.
func (shard *Shard) Stop(code websocket.StatusCode) {
	if shard.stopped.Swap(true) {
		return
	}

	shard.logger.Debug().Msg("Shard is stopping")

	shard.cancel()
	shard.connectionID.Inc()
	shard.closeWS(code)

	if shard.started.Load() {
		<-shard.done
	}

	shard.clearSession()
	shard.SetStatus(ShardStatusStopped)
}

// Status returns the shard's current lifecycle state.
func (shard *Shard) Status() ShardStatus {
	return ShardStatus(shard.status.Load())
}

// ConnectionID returns the current connection generation.
func (shard *Shard) ConnectionID() int64 {
	return shard.connectionID.Load()
}

// Latency returns the heartbeat round trip time of the connection.
func (shard *Shard) Latency() time.Duration {
	return shard.gatewayLatency.Load()
}

func (shard *Shard) SetStatus(status ShardStatus) {
	shard.status.Store(int32(status))
	UpdateShardStatus(shard.manager.Identifier(), shard.ShardID, status)
	shard.logger.Debug().Str("status", status.String()).Msg("Shard status updated")
}

// WaitForReady blocks until the shard reaches Ready or the context is
// done.
func (shard *Shard) WaitForReady(ctx context.Context) error {
	if shard.Status() == ShardStatusReady {
		return nil
	}

	select {
	case <-shard.ready:
		return nil
	case <-shard.ctx.Done():
		return ErrShardStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open drives the shard until it stops: connect, listen until failure,
// classify, back off, repeat. Fatal close codes are terminal.
func (shard *Shard) open() {
	defer close(shard.done)

	wait := MinReconnectWait

	for {
		select {
		case <-shard.ctx.Done():
			return
		default:
		}

		err := shard.connectRecover(shard.ctx)

		if shard.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}

		behaviour := classifyFailure(err)

		switch behaviour {
		case CloseFatal:
			shard.logger.WithLevel(zerolog.FatalLevel).Err(err).
				Msg("Shard received a fatal close, giving up")
			shard.clearSession()
			shard.stopped.Store(true)
			shard.cancel()
			shard.SetStatus(ShardStatusStopped)

			return
		case CloseNotResumable:
			shard.logger.Warn().Err(err).Msg("Shard session is no longer usable")
			shard.clearSession()
		case CloseResumable:
			shard.logger.Warn().Err(err).Msg("Shard connection lost")
			shard.resumable.Store(true)
		}

		// A connection that stayed Ready long enough earns a fresh
		// backoff; flapping ones keep doubling.
		if readyAt := shard.readyAt.Load(); !readyAt.IsZero() {
			sustained := shard.heartbeatInterval.Load() * SustainedReadyIntervals
			if sustained > 0 && time.Since(readyAt) >= sustained {
				wait = MinReconnectWait
			}
		}

		shard.readyAt.Store(time.Time{})
		shard.SetStatus(ShardStatusReconnecting)
		RecordShardReconnect(shard.manager.Identifier(), shard.ShardID)

		shard.logger.Info().Dur("wait", wait).Msg("Shard is reconnecting")

		select {
		case <-shard.ctx.Done():
			return
		case <-time.After(wait):
		}

		wait *= 2
		if wait > MaxReconnectWait {
			wait = MaxReconnectWait
		}
	}
}

// connectRecover runs one connection attempt, converting a panic into a
// resumable failure so the reconnect loop survives bad payloads.
func (shard *Shard) connectRecover(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			shard.logger.Error().Interface("panic", r).Msg("Recovered from panic in connection")

			if shard.relay.panicHandler != nil {
				shard.relay.panicHandler(shard.relay, r)
			}

			err = fmt.Errorf("panic in connection: %v", r)
		}
	}()

	return shard.connect(ctx)
}

// connect performs one full connection attempt: dial, Hello, identify
// or resume, then the read loop until the connection dies. The returned
// error describes why the connection ended.
func (shard *Shard) connect(ctx context.Context) error {
	shard.SetStatus(ShardStatusConnecting)

	connectionID := shard.connectionID.Inc()

	connCtx, connCancel := context.WithCancelCause(ctx)

	shard.connCancelMu.Lock()
	shard.connCancel = connCancel
	shard.connCancelMu.Unlock()

	defer connCancel(nil)

	configuration := shard.manager.configuration.Load()

	resuming := shard.canResume()

	gatewayURL := shard.manager.gatewayURL()
	if resuming {
		if resumeURL := shard.resumeGatewayURL.Load(); resumeURL != "" {
			gatewayURL = resumeURL
		}
	}

	gatewayURL += "?v=" + GatewayAPIVersion + "&encoding=json"
	if configuration.Compression {
		gatewayURL += "&compress=zlib-stream"
	}

	shard.logger.Debug().Str("url", gatewayURL).Bool("resuming", resuming).
		Msg("Shard is dialing the gateway")

	dialCtx, dialCancel := context.WithTimeout(connCtx, ConnectTimeout)
	conn, _, err := websocket.Dial(dialCtx, gatewayURL, nil)

	dialCancel()

	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	conn.SetReadLimit(WebsocketReadLimit)

	codec, err := newPayloadCodec(configuration.Compression)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")

		return fmt.Errorf("failed to create payload codec: %w", err)
	}

	shard.connMu.Lock()
	shard.wsConn = conn
	shard.codec = codec
	shard.connMu.Unlock()

	defer func() {
		shard.connMu.Lock()
		if shard.wsConn == conn {
			shard.wsConn = nil
			shard.codec = nil
		}
		shard.connMu.Unlock()

		codec.Close()

		err := conn.Close(WebsocketReconnectCloseCode, "")
		if err != nil && !errors.Is(err, net.ErrClosed) {
			shard.logger.Debug().Err(err).Msg("Failed to close websocket")
		}
	}()

	helloCtx, helloCancel := context.WithTimeout(connCtx, ConnectTimeout)
	payload, err := shard.readPayload(helloCtx, conn, codec)

	helloCancel()

	if err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}

	if payload.Op != discord.GatewayOpHello {
		return fmt.Errorf("%w: expected hello, got op %d", ErrInvalidEnvelope, payload.Op)
	}

	var hello discord.Hello
	if err = unmarshalPayload(payload, &hello); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if hello.HeartbeatInterval <= 0 {
		return ErrShardInvalidHeartbeatInterval
	}

	now := time.Now()
	shard.lastHeartbeatAck.Store(now)
	shard.lastHeartbeatSent.Store(now)
	shard.missedHeartbeatAcks.Store(0)

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	shard.heartbeatInterval.Store(interval)

	go shard.heartbeat(connCtx, connectionID)

	if resuming {
		shard.SetStatus(ShardStatusResuming)

		if err = shard.resume(connCtx); err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
	} else {
		shard.clearSession()
		shard.SetStatus(ShardStatusIdentifying)

		if err = shard.identify(connCtx); err != nil {
			return fmt.Errorf("failed to identify: %w", err)
		}
	}

	return shard.listen(connCtx, connectionID, conn, codec)
}

// listen reads and handles payloads until the connection dies. Payloads
// from a superseded connection generation are dropped without touching
// shard state.
func (shard *Shard) listen(ctx context.Context, connectionID int64, conn *websocket.Conn, codec *payloadCodec) error {
	for {
		payload, err := shard.readPayload(ctx, conn, codec)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}

			return err
		}

		if connectionID != shard.connectionID.Load() {
			return ErrShardStaleConnection
		}

		if err = shard.onEvent(ctx, payload); err != nil {
			return err
		}
	}
}

func (shard *Shard) readPayload(ctx context.Context, conn *websocket.Conn, codec *payloadCodec) (*discord.GatewayPayload, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}

		payload := &discord.GatewayPayload{}

		ok, err := codec.Decode(data, payload)
		if err != nil {
			return nil, err
		}

		if !ok {
			// Partial compressed message, wait for the rest.
			continue
		}

		return payload, nil
	}
}

func (shard *Shard) onEvent(ctx context.Context, payload *discord.GatewayPayload) error {
	if handler, ok := gatewayHandlers[payload.Op]; ok {
		return handler(ctx, shard, payload)
	}

	shard.logger.Warn().Int("op", int(payload.Op)).Msg("Gateway sent an unknown packet")

	return nil
}

// heartbeat sends a heartbeat every interval, starting after a random
// jitter in [0, interval). A tick that finds the previous heartbeat
// unacknowledged declares the connection zombied and tears it down,
// keeping the session for a resume.
func (shard *Shard) heartbeat(ctx context.Context, connectionID int64) {
	interval := shard.heartbeatInterval.Load()

	jitter := time.Duration(rand.Int63n(int64(interval)))
	if jitter <= 0 {
		jitter = time.Millisecond
	}

	ticker := time.NewTicker(jitter)
	defer ticker.Stop()

	hasJitter := true

	shard.logger.Debug().Dur("interval", interval).Dur("jitter", jitter).
		Msg("Shard heartbeat started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if connectionID != shard.connectionID.Load() {
			return
		}

		if hasJitter {
			hasJitter = false

			ticker.Reset(interval)
		}

		if shard.lastHeartbeatAck.Load().Before(shard.lastHeartbeatSent.Load()) {
			missed := shard.missedHeartbeatAcks.Inc()

			shard.logger.Warn().Int32("missed_acks", missed).
				Msg("Shard heartbeat was not acknowledged, connection is zombied")

			shard.cancelConnection(ErrShardZombied)

			return
		}

		if err := shard.SendEvent(ctx, discord.GatewayOpHeartbeat, shard.sequence.Load()); err != nil {
			shard.logger.Error().Err(err).Msg("Failed to send heartbeat")

			shard.cancelConnection(fmt.Errorf("failed to send heartbeat: %w", err))

			return
		}

		shard.lastHeartbeatSent.Store(time.Now())
	}
}

// cancelConnection aborts the current connection with a cause that the
// read loop reports, so the close is classified correctly.
func (shard *Shard) cancelConnection(cause error) {
	shard.connCancelMu.Lock()
	cancel := shard.connCancel
	shard.connCancelMu.Unlock()

	if cancel != nil {
		cancel(cause)
	}

	shard.closeWS(WebsocketReconnectCloseCode)
}

func (shard *Shard) identify(ctx context.Context) error {
	configuration := shard.manager.configuration.Load()
	shardCount := shard.manager.shardCount.Load()

	shard.manager.gatewaySessionStartLimitRemaining.Dec()

	identifyWait := time.Now()

	if err := shard.relay.identifyProvider.Identify(ctx, shard); err != nil {
		return fmt.Errorf("failed to wait for identify: %w", err)
	}

	ObserveIdentifyWait(shard.manager.Identifier(), time.Since(identifyWait))

	shard.logger.Debug().Int32("shard_count", shardCount).Msg("Shard is identifying")

	return shard.SendEvent(ctx, discord.GatewayOpIdentify, discord.Identify{
		Properties: &discord.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "Relay " + Version,
			Device:  "Relay " + Version,
		},
		Presence:       &configuration.DefaultPresence,
		Token:          configuration.BotToken,
		Shard:          [2]int32{shard.ShardID, shardCount},
		LargeThreshold: GatewayLargeThreshold,
		Intents:        configuration.Intents,

		// Transport compression is negotiated on the URL; payload
		// compression stays off so the codec owns the one context.
		Compress: false,
	})
}

func (shard *Shard) resume(ctx context.Context) error {
	configuration := shard.manager.configuration.Load()

	shard.logger.Debug().Int32("sequence", shard.sequence.Load()).
		Msg("Shard is resuming")

	return shard.SendEvent(ctx, discord.GatewayOpResume, discord.Resume{
		Token:     configuration.BotToken,
		SessionID: shard.sessionID.Load(),
		Sequence:  shard.sequence.Load(),
	})
}

// SendEvent wraps data in the sent envelope and writes it. Heartbeats
// bypass the send quota so liveness never queues behind commands.
func (shard *Shard) SendEvent(ctx context.Context, op discord.GatewayOp, data any) error {
	payload, err := jsoniter.Marshal(discord.SentPayload{
		Op:   op,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if op != discord.GatewayOpHeartbeat {
		if err = shard.wsRatelimit.LockContext(ctx); err != nil {
			return err
		}
	}

	shard.sendMu.Lock()
	defer shard.sendMu.Unlock()

	shard.connMu.RLock()
	conn := shard.wsConn
	shard.connMu.RUnlock()

	if conn == nil {
		return ErrShardNotReady
	}

	shard.logger.Trace().Msg("<<< " + gotils_strconv.B2S(payload))

	if err = conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	return nil
}

// SendCommand sends an application command. Unlike internal protocol
// sends, commands are only accepted while the shard is Ready.
func (shard *Shard) SendCommand(ctx context.Context, op discord.GatewayOp, data any) error {
	if shard.Status() != ShardStatusReady {
		return ErrShardNotReady
	}

	return shard.SendEvent(ctx, op, data)
}

func (shard *Shard) closeWS(code websocket.StatusCode) {
	shard.connMu.RLock()
	conn := shard.wsConn
	shard.connMu.RUnlock()

	if conn == nil {
		return
	}

	err := conn.Close(code, "")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		shard.logger.Debug().Err(err).Msg("Failed to close websocket")
	}
}

func (shard *Shard) canResume() bool {
	return shard.resumable.Load() &&
		shard.sessionID.Load() != "" &&
		shard.sequence.Load() > 0
}

func (shard *Shard) clearSession() {
	shard.sessionID.Store("")
	shard.sequence.Store(0)
	shard.resumeGatewayURL.Store("")
	shard.resumable.Store(false)
}

// classifyFailure maps a connection-ending error onto close behaviour.
// Unknown conditions default to resumable: transient network failure is
// the common case and a bad resume only costs one InvalidSession round
// trip.
func classifyFailure(err error) CloseBehaviour {
	if err == nil {
		return CloseResumable
	}

	var closeError websocket.CloseError
	if errors.As(err, &closeError) {
		return classifyCloseCode(closeError.Code)
	}

	switch {
	case errors.Is(err, ErrInvalidEnvelope):
		// Protocol or compression corruption: the stream cannot be
		// trusted, reconnect fresh.
		return CloseNotResumable
	case errors.Is(err, ErrInvalidSession):
		return CloseNotResumable
	default:
		return CloseResumable
	}
}

func classifyCloseCode(code websocket.StatusCode) CloseBehaviour {
	switch int(code) {
	case discord.CloseAuthenticationFailed,
		discord.CloseInvalidShard,
		discord.CloseShardingRequired,
		discord.CloseInvalidAPIVersion,
		discord.CloseInvalidIntents,
		discord.CloseDisallowedIntents:
		return CloseFatal
	case discord.CloseInvalidSeq,
		discord.CloseRateLimited:
		// Resuming with a sequence the gateway rejected would loop; a
		// fresh identify is required.
		return CloseNotResumable
	default:
		// 1000/1001, 4000-series transients and anything unclassified.
		return CloseResumable
	}
}
