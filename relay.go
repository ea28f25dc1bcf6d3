package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/RelayTeam/Relay-Daemon/pkg/syncmap"
	"github.com/WelcomerTeam/RealRock/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var Version = "1.0.0"

// Relay is the daemon root. It owns the configuration, the shared REST
// client, the identify coordination and every manager.
type Relay struct {
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	configProvider ConfigProvider
	configuration  *atomic.Pointer[Configuration]

	identifyProvider IdentifyProvider
	producerProvider ProducerProvider

	client *http.Client

	// gatewayLimiter paces gateway bot endpoint fetches across
	// managers sharing this process.
	gatewayLimiter *limiter.DurationLimiter

	managers *syncmap.Map[string, *Manager]

	panicHandler PanicHandler
}

// PanicHandler is invoked with the recovered value when a shard
// goroutine panics. The shard keeps reconnecting afterwards.
type PanicHandler func(relay *Relay, r any)

func NewRelay(ctx context.Context, logger zerolog.Logger, configProvider ConfigProvider, client *http.Client, identifyProvider IdentifyProvider, producerProvider ProducerProvider) *Relay {
	relay := &Relay{
		logger: logger,

		configProvider: configProvider,
		configuration:  atomic.NewPointer[Configuration](nil),

		identifyProvider: identifyProvider,
		producerProvider: producerProvider,

		client: client,

		gatewayLimiter: limiter.NewDurationLimiter(1, time.Second),

		managers: &syncmap.Map[string, *Manager]{},

		panicHandler: nil,
	}

	relay.ctx, relay.cancel = context.WithCancel(ctx)

	return relay
}

func (relay *Relay) WithPanicHandler(panicHandler PanicHandler) *Relay {
	relay.panicHandler = panicHandler

	return relay
}

// WithPrometheusAnalytics registers the daemon metrics and serves them
// on the given server. A nil registry uses a fresh pedantic registry.
func (relay *Relay) WithPrometheusAnalytics(server *http.Server, registry *prometheus.Registry, opts promhttp.HandlerOpts) *Relay {
	if registry == nil {
		registry = prometheus.NewPedanticRegistry()
	}

	registry.MustRegister(
		EventMetrics.EventsTotal,
		EventMetrics.GatewayLatency,
		EventMetrics.IdentifyWait,

		ShardMetrics.ManagerStatus,
		ShardMetrics.ShardStatus,
		ShardMetrics.ShardGuilds,
		ShardMetrics.Reconnects,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, opts))

	server.Handler = mux

	go func() {
		relay.logger.Info().Str("host", server.Addr).Msg("Starting Prometheus HTTP server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			relay.logger.Error().Err(err).Msg("Prometheus HTTP server failed")
		}
	}()

	return relay
}

// Start loads the configuration and starts every manager marked for
// auto start. It returns once startup has been kicked off; shard
// readiness is asynchronous.
func (relay *Relay) Start(ctx context.Context) error {
	relay.logger.Info().Msg("Starting relay")

	if err := relay.getConfig(ctx); err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	config := relay.configuration.Load()

	if err := relay.configureDefaults(config); err != nil {
		return fmt.Errorf("failed to configure relay: %w", err)
	}

	if config.Relay.HTTP.Enabled {
		go relay.serveHTTP(config.Relay.HTTP.Host)
	}

	relay.startManagers(ctx)

	return nil
}

// configureDefaults fills the client and identify provider from the
// configuration when the caller did not inject them. An explicitly
// passed client or provider always wins over the config.
func (relay *Relay) configureDefaults(config *Configuration) error {
	if relay.client == nil {
		if config.Relay.RestProxy != "" {
			proxyURL, err := url.Parse(config.Relay.RestProxy)
			if err != nil {
				return fmt.Errorf("failed to parse rest proxy URL: %w", err)
			}

			relay.client = NewProxyClient(*http.DefaultClient, *proxyURL)
		} else {
			relay.client = http.DefaultClient
		}
	}

	if relay.identifyProvider == nil {
		if config.Relay.Identify.URL != "" {
			relay.identifyProvider = NewIdentifyViaURL(config.Relay.Identify.URL, config.Relay.Identify.Headers)
		} else {
			relay.identifyProvider = NewIdentifyViaBuckets()
		}
	}

	return nil
}

// Stop shuts every manager down and cancels the relay context.
func (relay *Relay) Stop() {
	relay.logger.Info().Msg("Stopping relay")

	relay.managers.Range(func(_ string, manager *Manager) bool {
		manager.Stop()

		return true
	})

	relay.cancel()
}

// Manager returns the manager with the given identifier.
func (relay *Relay) Manager(identifier string) (*Manager, bool) {
	return relay.managers.Load(identifier)
}

func (relay *Relay) getConfig(ctx context.Context) error {
	config, err := relay.configProvider.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	relay.configuration.Store(config)

	// Push updated configurations into running managers.
	for _, managerConfig := range config.Managers {
		if manager, ok := relay.managers.Load(managerConfig.Identifier); ok {
			manager.configuration.Store(managerConfig)
			relay.logger.Info().Str("manager_identifier", managerConfig.Identifier).
				Msg("Updated manager configuration")
		}
	}

	return nil
}

func (relay *Relay) startManagers(ctx context.Context) {
	relay.logger.Debug().Msg("Starting managers")

	managers := relay.configuration.Load().Managers

	for _, managerConfig := range managers {
		if err := relay.validateManagerConfig(managerConfig); err != nil {
			relay.logger.Error().Err(err).
				Str("manager_identifier", managerConfig.Identifier).
				Msg("Failed to validate manager config")

			continue
		}

		manager := NewManager(relay, managerConfig)
		relay.managers.Store(managerConfig.Identifier, manager)

		if err := manager.Initialize(ctx); err != nil {
			relay.logger.Error().Err(err).
				Str("manager_identifier", managerConfig.Identifier).
				Msg("Failed to initialize manager")

			manager.SetStatus(ManagerStatusFailed)

			continue
		}

		if manager.configuration.Load().AutoStart {
			go func(manager *Manager) {
				if err := manager.Start(ctx); err != nil {
					manager.SetStatus(ManagerStatusFailed)
				}
			}(manager)
		}
	}
}

func (relay *Relay) validateManagerConfig(managerConfig *ManagerConfiguration) error {
	if managerConfig.Identifier == "" {
		return ErrManagerMissingIdentifier
	}

	if managerConfig.BotToken == "" {
		return ErrManagerMissingBotToken
	}

	if _, ok := relay.managers.Load(managerConfig.Identifier); ok {
		return ErrManagerIdentifierExists
	}

	return nil
}
