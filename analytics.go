package relay

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventMetrics tracks event-related metrics
var EventMetrics = struct {
	EventsTotal    *prometheus.CounterVec
	GatewayLatency *prometheus.GaugeVec
	IdentifyWait   *prometheus.HistogramVec
}{
	EventsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Total number of dispatch events received, split by identifier and event type",
		},
		[]string{"manager_identifier", "event_type"},
	),
	GatewayLatency: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_gateway_latency_seconds",
			Help: "Gateway latency in seconds, measured by heartbeat acknowledgement",
		},
		[]string{"manager_identifier", "shard_id"},
	),
	IdentifyWait: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_identify_wait_seconds",
			Help:    "Time shards spent waiting for an identify slot",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"manager_identifier"},
	),
}

func RecordEvent(identifier, eventType string) {
	EventMetrics.EventsTotal.WithLabelValues(identifier, eventType).Inc()
}

func UpdateGatewayLatency(identifier string, shardID int32, latency time.Duration) {
	EventMetrics.GatewayLatency.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(latency.Seconds())
}

func ObserveIdentifyWait(identifier string, wait time.Duration) {
	EventMetrics.IdentifyWait.WithLabelValues(identifier).Observe(wait.Seconds())
}

// ShardMetrics tracks shard and manager lifecycle metrics
var ShardMetrics = struct {
	ManagerStatus *prometheus.GaugeVec
	ShardStatus   *prometheus.GaugeVec
	ShardGuilds   *prometheus.GaugeVec
	Reconnects    *prometheus.CounterVec
}{
	ManagerStatus: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_manager_status",
			Help: "Status of the manager",
		},
		[]string{"manager_identifier"},
	),
	ShardStatus: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_shard_status",
			Help: "Status of the shard",
		},
		[]string{"manager_identifier", "shard_id"},
	),
	ShardGuilds: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_shard_guilds",
			Help: "Number of guilds a shard is serving",
		},
		[]string{"manager_identifier", "shard_id"},
	),
	Reconnects: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_shard_reconnects_total",
			Help: "Total number of shard reconnect attempts",
		},
		[]string{"manager_identifier", "shard_id"},
	),
}

func UpdateManagerStatus(identifier string, status ManagerStatus) {
	ShardMetrics.ManagerStatus.WithLabelValues(identifier).Set(float64(status))
}

func UpdateShardStatus(identifier string, shardID int32, status ShardStatus) {
	ShardMetrics.ShardStatus.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(float64(status))
}

func UpdateShardGuilds(identifier string, shardID int32, guilds int) {
	ShardMetrics.ShardGuilds.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(float64(guilds))
}

func RecordShardReconnect(identifier string, shardID int32) {
	ShardMetrics.Reconnects.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Inc()
}
