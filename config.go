package relay

import (
	"context"
	"fmt"
	"os"

	"github.com/WelcomerTeam/Discord/discord"
	"gopkg.in/yaml.v3"
)

type Configuration struct {
	Relay    DaemonConfiguration     `json:"relay" yaml:"relay"`
	Managers []*ManagerConfiguration `json:"managers" yaml:"managers"`
}

type DaemonConfiguration struct {
	// Node count and ID segment automatically sharded managers across
	// multiple processes.
	NodeCount int32 `json:"node_count" yaml:"node_count"`
	NodeID    int32 `json:"node_id" yaml:"node_id"`

	// Identify delegates identify coordination to an external service
	// when URL is set. Used when multiple nodes share one token.
	Identify struct {
		URL     string            `json:"url" yaml:"url"`
		Headers map[string]string `json:"headers" yaml:"headers"`
	} `json:"identify" yaml:"identify"`

	HTTP struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Host    string `json:"host" yaml:"host"`
	} `json:"http" yaml:"http"`

	// RestProxy reroutes REST calls through a twilight/nirn style proxy.
	RestProxy string `json:"rest_proxy" yaml:"rest_proxy"`
}

type ManagerConfiguration struct {
	// Identifier is used in APIs and metrics to identify the manager.
	Identifier string `json:"identifier" yaml:"identifier"`

	// ProducerIdentifier is a reusable identifier used by consumers for
	// routing. Multiple managers may share one.
	ProducerIdentifier string `json:"producer_identifier" yaml:"producer_identifier"`

	DisplayName string `json:"display_name" yaml:"display_name"`

	// ClientName is passed to message queue producers.
	ClientName          string `json:"client_name" yaml:"client_name"`
	IncludeRandomSuffix bool   `json:"client_name_uses_random_suffix" yaml:"client_name_uses_random_suffix"`

	BotToken  string `json:"bot_token" yaml:"bot_token"`
	AutoStart bool   `json:"auto_start" yaml:"auto_start"`

	DefaultPresence discord.UpdateStatus `json:"default_presence" yaml:"default_presence"`
	Intents         int32                `json:"intents" yaml:"intents"`

	// Compression enables transport-level zlib-stream compression.
	Compression bool `json:"compression" yaml:"compression"`

	// Events the manager should not handle at all.
	EventBlacklist []string `json:"event_blacklist" yaml:"event_blacklist"`
	// Events the manager handles but does not produce.
	ProduceBlacklist []string `json:"produce_blacklist" yaml:"produce_blacklist"`

	AutoSharded bool   `json:"auto_sharded" yaml:"auto_sharded"`
	ShardCount  int32  `json:"shard_count" yaml:"shard_count"`
	ShardIDs    string `json:"shard_ids" yaml:"shard_ids"`

	Producer struct {
		Type          string         `json:"type" yaml:"type"`
		Channel       string         `json:"channel" yaml:"channel"`
		Configuration map[string]any `json:"configuration" yaml:"configuration"`
	} `json:"producer" yaml:"producer"`
}

type ConfigProvider interface {
	GetConfig(ctx context.Context) (*Configuration, error)
	SaveConfig(ctx context.Context, config *Configuration) error
}

// ConfigProviderFromPath reads and writes the configuration as YAML at
// a fixed path.
type ConfigProviderFromPath struct {
	path string
}

func NewConfigProviderFromPath(path string) ConfigProviderFromPath {
	return ConfigProviderFromPath{path}
}

func (c ConfigProviderFromPath) GetConfig(_ context.Context) (*Configuration, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Configuration
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return &config, nil
}

func (c ConfigProviderFromPath) SaveConfig(_ context.Context, config *Configuration) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(c.path, data, 0o600)
}
