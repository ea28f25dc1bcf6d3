package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
)

type recordingProducer struct {
	events []Event
}

func (producer *recordingProducer) Publish(_ context.Context, _ *Shard, event Event) error {
	producer.events = append(producer.events, event)

	return nil
}

func (producer *recordingProducer) Close() error {
	return nil
}

func dispatchPayload(eventType string) *discord.GatewayPayload {
	return &discord.GatewayPayload{
		Op:   discord.GatewayOpDispatch,
		Type: eventType,
		Data: []byte(`{}`),
	}
}

func TestOnDispatchEventBlacklist(t *testing.T) {
	manager := newTestManager(t, "ws://127.0.0.1:1")
	manager.configuration.Store(&ManagerConfiguration{
		Identifier:     "test",
		EventBlacklist: []string{"TYPING_START"},
	})

	producer := &recordingProducer{}
	manager.producer = producer

	shard := NewShard(manager, 0)

	stream, cancel := manager.MakeEventsStream()
	defer cancel()

	err := manager.OnDispatch(context.Background(), shard, dispatchPayload("TYPING_START"), NewTrace())
	if err != nil {
		t.Fatalf("failed to dispatch: %v", err)
	}

	err = manager.OnDispatch(context.Background(), shard, dispatchPayload("MESSAGE_CREATE"), NewTrace())
	if err != nil {
		t.Fatalf("failed to dispatch: %v", err)
	}

	select {
	case event := <-stream:
		if event.Type != "MESSAGE_CREATE" {
			t.Fatalf("expected MESSAGE_CREATE, but got %s", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case event := <-stream:
		t.Fatalf("expected no further events, but got %s", event.Type)
	default:
	}

	if len(producer.events) != 1 || producer.events[0].Type != "MESSAGE_CREATE" {
		t.Errorf("expected 1 produced MESSAGE_CREATE, but got %v", producer.events)
	}
}

func TestOnDispatchProduceBlacklist(t *testing.T) {
	manager := newTestManager(t, "ws://127.0.0.1:1")
	manager.configuration.Store(&ManagerConfiguration{
		Identifier:       "test",
		ProduceBlacklist: []string{"PRESENCE_UPDATE"},
	})

	producer := &recordingProducer{}
	manager.producer = producer

	shard := NewShard(manager, 0)

	stream, cancel := manager.MakeEventsStream()
	defer cancel()

	err := manager.OnDispatch(context.Background(), shard, dispatchPayload("PRESENCE_UPDATE"), NewTrace())
	if err != nil {
		t.Fatalf("failed to dispatch: %v", err)
	}

	// The stream still carries the event even when producing is
	// suppressed.
	select {
	case event := <-stream:
		if event.Type != "PRESENCE_UPDATE" {
			t.Fatalf("expected PRESENCE_UPDATE, but got %s", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	if len(producer.events) != 0 {
		t.Errorf("expected no produced events, but got %v", producer.events)
	}
}

func TestOnDispatchMetadata(t *testing.T) {
	manager := newTestManager(t, "ws://127.0.0.1:1")
	manager.configuration.Store(&ManagerConfiguration{
		Identifier:         "test",
		ProducerIdentifier: "test-producer",
	})
	manager.shardCount.Store(4)
	manager.SetUser(&discord.User{ID: 123})

	producer := &recordingProducer{}
	manager.producer = producer

	shard := NewShard(manager, 2)

	err := manager.OnDispatch(context.Background(), shard, dispatchPayload("GUILD_CREATE"), NewTrace())
	if err != nil {
		t.Fatalf("failed to dispatch: %v", err)
	}

	if len(producer.events) != 1 {
		t.Fatalf("expected 1 produced event, but got %d", len(producer.events))
	}

	metadata := producer.events[0].Metadata
	if metadata.Identifier != "test-producer" {
		t.Errorf("expected identifier test-producer, but got %q", metadata.Identifier)
	}

	if metadata.Application != "test" {
		t.Errorf("expected application test, but got %q", metadata.Application)
	}

	if metadata.ApplicationID != 123 {
		t.Errorf("expected application id 123, but got %d", metadata.ApplicationID)
	}

	if metadata.Shard != [3]int32{0, 2, 4} {
		t.Errorf("expected shard [0 2 4], but got %v", metadata.Shard)
	}
}

func TestShardForGuild(t *testing.T) {
	manager := newTestManager(t, "ws://127.0.0.1:1")
	manager.shardCount.Store(2)

	shard0 := NewShard(manager, 0)
	shard1 := NewShard(manager, 1)
	manager.shards.Store(0, shard0)
	manager.shards.Store(1, shard1)

	// (snowflake >> 22) % 2 routes even and odd guilds apart.
	shard, err := manager.shardForGuild(discord.Snowflake(2 << 22))
	if err != nil {
		t.Fatalf("failed to resolve shard: %v", err)
	}

	if shard != shard0 {
		t.Errorf("expected shard 0, but got %d", shard.ShardID)
	}

	shard, err = manager.shardForGuild(discord.Snowflake(3 << 22))
	if err != nil {
		t.Fatalf("failed to resolve shard: %v", err)
	}

	if shard != shard1 {
		t.Errorf("expected shard 1, but got %d", shard.ShardID)
	}
}

func TestShardForGuildMissing(t *testing.T) {
	manager := newTestManager(t, "ws://127.0.0.1:1")
	manager.shardCount.Store(0)

	if _, err := manager.shardForGuild(discord.Snowflake(1 << 22)); !errors.Is(err, ErrManagerMissingShards) {
		t.Errorf("expected ErrManagerMissingShards, but got %v", err)
	}

	manager.shardCount.Store(4)

	// Shard 1 is not running on this node.
	if _, err := manager.shardForGuild(discord.Snowflake(1 << 22)); !errors.Is(err, ErrManagerMissingShards) {
		t.Errorf("expected ErrManagerMissingShards, but got %v", err)
	}
}

func TestGetInitialShardCount(t *testing.T) {
	manager := newTestManager(t, "ws://127.0.0.1:1")

	gatewayBot := &discord.GatewayBotResponse{Shards: 8}
	manager.gateway.Store(gatewayBot)

	shardIDs, shardCount := manager.getInitialShardCount(0, "", true)
	if shardCount != 8 {
		t.Errorf("expected 8 shards from autosharding, but got %d", shardCount)
	}

	if len(shardIDs) != 8 {
		t.Errorf("expected 8 shard IDs, but got %v", shardIDs)
	}

	shardIDs, shardCount = manager.getInitialShardCount(4, "0-2", false)
	if shardCount != 4 {
		t.Errorf("expected 4 shards, but got %d", shardCount)
	}

	if len(shardIDs) != 3 {
		t.Errorf("expected shard IDs 0-2, but got %v", shardIDs)
	}
}

func TestGetInitialShardCountNodeFiltering(t *testing.T) {
	manager := newTestManager(t, "ws://127.0.0.1:1")
	manager.relay.configuration.Store(&Configuration{
		Relay: DaemonConfiguration{
			NodeCount: 2,
			NodeID:    1,
		},
	})

	shardIDs, _ := manager.getInitialShardCount(4, "", false)

	if len(shardIDs) != 2 {
		t.Fatalf("expected 2 shard IDs on this node, but got %v", shardIDs)
	}

	for _, id := range shardIDs {
		if id%2 != 1 {
			t.Errorf("expected only odd shard IDs, but got %v", shardIDs)
		}
	}
}

func TestContainsEvent(t *testing.T) {
	blacklist := []string{"TYPING_START", "PRESENCE_UPDATE"}

	if !containsEvent(blacklist, "TYPING_START") {
		t.Error("expected TYPING_START to be blacklisted")
	}

	if containsEvent(blacklist, "MESSAGE_CREATE") {
		t.Error("expected MESSAGE_CREATE to not be blacklisted")
	}

	if containsEvent(nil, "MESSAGE_CREATE") {
		t.Error("expected empty blacklist to match nothing")
	}
}
